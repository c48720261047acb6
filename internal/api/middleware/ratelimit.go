package middleware

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// RateLimiter admits up to limit requests per client in each fixed window.
// Counters live in redis so every API replica shares them.
type RateLimiter struct {
	rdb    *redis.Client
	prefix string
	limit  int64
	window time.Duration
	now    func() time.Time
}

// NewRateLimiter sizes the window so that burst requests may arrive at once
// and the long-run rate stays near rps.
func NewRateLimiter(rdb *redis.Client, prefix string, rps float64, burst int) *RateLimiter {
	if burst < 1 {
		burst = 1
	}
	window := time.Second
	if rps > 0 {
		window = time.Duration(float64(burst) / rps * float64(time.Second))
	}
	if window < time.Second {
		window = time.Second
	}
	return &RateLimiter{
		rdb:    rdb,
		prefix: prefix,
		limit:  int64(burst),
		window: window,
		now:    time.Now,
	}
}

func (rl *RateLimiter) Limit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		slot := rl.now().UnixNano() / int64(rl.window)
		key := fmt.Sprintf("%s:ratelimit:%s:%d", rl.prefix, r.RemoteAddr, slot)

		pipe := rl.rdb.TxPipeline()
		incr := pipe.Incr(r.Context(), key)
		pipe.Expire(r.Context(), key, rl.window)
		if _, err := pipe.Exec(r.Context()); err != nil {
			// Fail open.
			slog.Warn("rate limiter unavailable", "error", err)
			next.ServeHTTP(w, r)
			return
		}

		if incr.Val() > rl.limit {
			retryAfter := time.Duration(slot+1)*rl.window - time.Duration(rl.now().UnixNano())
			secs := int(retryAfter.Seconds()) + 1
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set("Retry-After", strconv.Itoa(secs))
			w.WriteHeader(http.StatusTooManyRequests)
			json.NewEncoder(w).Encode(map[string]string{"error": "rate limit exceeded"})
			return
		}

		next.ServeHTTP(w, r)
	})
}
