// Package retry runs outbound provider calls with rate-limit aware backoff.
package retry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/rand/v2"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/puckettventures/converse/internal/config"
)

var ErrAttemptsExhausted = errors.New("rate limit retries exhausted")

// RateLimitError is returned by provider adapters when the upstream
// signalled throttling. RetryAfter is zero when no hint was given.
type RateLimitError struct {
	StatusCode int
	RetryAfter time.Duration
	Err        error
}

func (e *RateLimitError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("rate limited (status %d, retry after %s): %v", e.StatusCode, e.RetryAfter, e.Err)
	}
	return fmt.Sprintf("rate limited (status %d): %v", e.StatusCode, e.Err)
}

func (e *RateLimitError) Unwrap() error { return e.Err }

func IsRateLimited(err error) bool {
	var rl *RateLimitError
	return errors.As(err, &rl)
}

// ParseRetryAfter reads retry-after-ms, then retry-after (delta seconds or
// an HTTP date). It returns zero when neither header is usable.
func ParseRetryAfter(h http.Header) time.Duration {
	if v := strings.TrimSpace(h.Get("retry-after-ms")); v != "" {
		if ms, err := strconv.ParseFloat(v, 64); err == nil && ms > 0 {
			return time.Duration(ms * float64(time.Millisecond))
		}
	}
	v := strings.TrimSpace(h.Get("retry-after"))
	if v == "" {
		return 0
	}
	if secs, err := strconv.ParseFloat(v, 64); err == nil {
		if secs <= 0 {
			return 0
		}
		return time.Duration(secs * float64(time.Second))
	}
	if at, err := http.ParseTime(v); err == nil {
		if d := time.Until(at); d > 0 {
			return d
		}
	}
	return 0
}

type Executor struct {
	MaxAttempts  int
	BaseDelay    time.Duration
	MaxDelay     time.Duration
	JitterFactor float64

	sleep  func(ctx context.Context, d time.Duration) error
	jitter func() float64
}

func NewExecutor(cfg config.RetryConfig) *Executor {
	e := &Executor{
		MaxAttempts:  cfg.MaxAttempts,
		BaseDelay:    cfg.BaseDelay,
		MaxDelay:     cfg.MaxDelay,
		JitterFactor: cfg.Jitter,
	}
	if e.MaxAttempts <= 0 {
		e.MaxAttempts = 10
	}
	if e.BaseDelay <= 0 {
		e.BaseDelay = time.Second
	}
	if e.MaxDelay <= 0 {
		e.MaxDelay = time.Minute
	}
	if e.JitterFactor < 0 {
		e.JitterFactor = 0
	}
	return e
}

// Do invokes op until it succeeds, fails with an error that is not a
// *RateLimitError, or MaxAttempts rate-limited attempts have been made.
func (e *Executor) Do(ctx context.Context, op func(ctx context.Context) error) error {
	var lastErr error
	for attempt := 0; attempt < e.MaxAttempts; attempt++ {
		err := op(ctx)
		if err == nil {
			return nil
		}

		var rl *RateLimitError
		if !errors.As(err, &rl) {
			return err
		}
		lastErr = err

		if attempt == e.MaxAttempts-1 {
			break
		}

		delay := e.Delay(attempt, rl.RetryAfter)
		slog.Warn("rate limited, backing off",
			"attempt", attempt+1,
			"max_attempts", e.MaxAttempts,
			"delay", delay,
			"status", rl.StatusCode,
		)
		if err := e.wait(ctx, delay); err != nil {
			return fmt.Errorf("wait for retry: %w", err)
		}
	}
	return fmt.Errorf("%w after %d attempts: %w", ErrAttemptsExhausted, e.MaxAttempts, lastErr)
}

// Call is Do for operations that produce a value.
func Call[T any](ctx context.Context, e *Executor, op func(ctx context.Context) (T, error)) (T, error) {
	var out T
	err := e.Do(ctx, func(ctx context.Context) error {
		v, err := op(ctx)
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	return out, err
}

// Delay computes the wait before the next attempt. A retry-after hint
// replaces the exponential base; jitter of up to JitterFactor is added
// in both cases.
func (e *Executor) Delay(attempt int, retryAfter time.Duration) time.Duration {
	base := retryAfter
	if base <= 0 {
		exp := float64(e.BaseDelay) * math.Pow(2, float64(attempt))
		if exp > float64(e.MaxDelay) {
			exp = float64(e.MaxDelay)
		}
		base = time.Duration(exp)
	}
	return base + time.Duration(float64(base)*e.JitterFactor*e.random())
}

func (e *Executor) random() float64 {
	if e.jitter != nil {
		return e.jitter()
	}
	return rand.Float64()
}

func (e *Executor) wait(ctx context.Context, d time.Duration) error {
	if e.sleep != nil {
		return e.sleep(ctx, d)
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
