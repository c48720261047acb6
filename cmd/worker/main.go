package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/hibiken/asynq"

	"github.com/puckettventures/converse/internal/app"
	"github.com/puckettventures/converse/internal/config"
	"github.com/puckettventures/converse/internal/queue"
	"github.com/puckettventures/converse/internal/queue/workers"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.SlogLevel()}))
	slog.SetDefault(logger)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	if err := run(context.Background(), cfg, quit); err != nil {
		slog.Error("worker error", "error", err)
		os.Exit(1)
	}
}

// run owns every connection it opens; it returns instead of exiting so the
// deferred Close always runs.
func run(ctx context.Context, cfg *config.Config, quit <-chan os.Signal) error {
	// Secrets are fetched here, before any task is consumed.
	core, err := app.Bootstrap(ctx, cfg)
	if err != nil {
		return fmt.Errorf("start: %w", err)
	}
	defer core.Close()

	pipeline, err := core.Pipeline(ctx)
	if err != nil {
		return fmt.Errorf("build pipeline: %w", err)
	}

	srv := asynq.NewServer(
		queue.RedisOpt(cfg.Redis),
		asynq.Config{
			Concurrency: cfg.Worker.Concurrency,
			Queues: map[string]int{
				queue.QueueCritical: 6,
				queue.QueueDefault:  3,
				queue.QueueLow:      1,
			},
		},
	)

	registry := queue.NewHandlersRegistry()

	// Register workers
	paragraphWorker := workers.NewParagraphWorker(core.Narration)
	utteranceWorker := workers.NewUtteranceWorker(pipeline.Synth)
	mergeWorker := workers.NewMergeWorker(pipeline.Merger, core.Narration)
	webhookWorker := workers.NewWebhookWorker(pipeline.Webhooks)
	sweepWorker := workers.NewSweepWorker(core.Narration)

	registry.Register(queue.TypeParagraphPlan, asynq.HandlerFunc(paragraphWorker.ProcessTask))
	registry.Register(queue.TypeUtteranceSynthesize, asynq.HandlerFunc(utteranceWorker.ProcessTask))
	registry.Register(queue.TypeNarrationMerge, asynq.HandlerFunc(mergeWorker.ProcessTask))
	registry.Register(queue.TypeWebhookDeliver, asynq.HandlerFunc(webhookWorker.ProcessTask))
	registry.Register(queue.TypeNarrationSweep, asynq.HandlerFunc(sweepWorker.ProcessTask))

	var scheduler *asynq.Scheduler
	if cfg.Session.StaleAfter > 0 {
		task, err := queue.SweepTask(cfg.Session.StaleAfter)
		if err != nil {
			return fmt.Errorf("build sweep task: %w", err)
		}
		scheduler = asynq.NewScheduler(queue.RedisOpt(cfg.Redis), nil)
		cronspec := "@every " + cfg.Session.SweepInterval.String()
		if _, err := scheduler.Register(cronspec, task); err != nil {
			return fmt.Errorf("register sweep: %w", err)
		}
		if err := scheduler.Start(); err != nil {
			return fmt.Errorf("start scheduler: %w", err)
		}
		defer scheduler.Shutdown()
		slog.Info("stale session sweep enabled", "stale_after", cfg.Session.StaleAfter, "interval", cfg.Session.SweepInterval)
	}

	slog.Info("starting worker", "concurrency", cfg.Worker.Concurrency)
	if err := srv.Start(registry.Mux()); err != nil {
		return fmt.Errorf("start server: %w", err)
	}

	select {
	case <-quit:
	case <-ctx.Done():
	}

	slog.Info("shutting down worker...")
	srv.Shutdown()
	slog.Info("worker stopped")
	return nil
}
