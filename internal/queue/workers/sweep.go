package workers

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	"github.com/puckettventures/converse/internal/queue"
)

type Sweeper interface {
	Sweep(ctx context.Context, olderThan time.Duration) (int, error)
}

// SweepWorker fails sessions stuck in progress. It only runs when the
// worker registers the periodic sweep task.
type SweepWorker struct {
	sweeper Sweeper
}

func NewSweepWorker(s Sweeper) *SweepWorker {
	return &SweepWorker{sweeper: s}
}

func (w *SweepWorker) ProcessTask(ctx context.Context, t *asynq.Task) error {
	var payload queue.NarrationSweepPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return fmt.Errorf("unmarshal payload: %v: %w", err, asynq.SkipRetry)
	}
	olderThan, err := time.ParseDuration(payload.OlderThan)
	if err != nil || olderThan <= 0 {
		return fmt.Errorf("invalid older_than %q: %w", payload.OlderThan, asynq.SkipRetry)
	}

	n, err := w.sweeper.Sweep(ctx, olderThan)
	if err != nil {
		return fmt.Errorf("sweep sessions: %w", err)
	}
	if n > 0 {
		slog.Warn("stalled sessions failed", "count", n, "older_than", olderThan)
	}
	return nil
}
