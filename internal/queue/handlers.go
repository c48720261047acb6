package queue

import (
	"context"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"
)

type HandlersRegistry struct {
	mux *asynq.ServeMux
}

func NewHandlersRegistry() *HandlersRegistry {
	mux := asynq.NewServeMux()
	mux.Use(loggingMiddleware)
	return &HandlersRegistry{mux: mux}
}

func (r *HandlersRegistry) Register(taskType string, handler asynq.Handler) {
	r.mux.Handle(taskType, handler)
}

func (r *HandlersRegistry) Mux() *asynq.ServeMux {
	return r.mux
}

func loggingMiddleware(next asynq.Handler) asynq.Handler {
	return asynq.HandlerFunc(func(ctx context.Context, t *asynq.Task) error {
		start := time.Now()
		taskID, _ := asynq.GetTaskID(ctx)
		retried, _ := asynq.GetRetryCount(ctx)

		err := next.ProcessTask(ctx, t)
		if err != nil {
			slog.Error("task failed",
				"type", t.Type(),
				"task_id", taskID,
				"retry", retried,
				"duration_ms", time.Since(start).Milliseconds(),
				"error", err,
			)
			return err
		}
		slog.Debug("task done",
			"type", t.Type(),
			"task_id", taskID,
			"duration_ms", time.Since(start).Milliseconds(),
		)
		return nil
	})
}
