package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	"github.com/puckettventures/converse/internal/config"
	"github.com/puckettventures/converse/internal/models"
)

// retention keeps finished task ids around so late duplicate dispatches
// still collide with them.
const retention = 24 * time.Hour

type Client struct {
	client *asynq.Client
}

func RedisOpt(cfg config.RedisConfig) asynq.RedisClientOpt {
	return asynq.RedisClientOpt{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	}
}

func NewClient(cfg config.RedisConfig) *Client {
	return &Client{
		client: asynq.NewClient(RedisOpt(cfg)),
	}
}

func (c *Client) Close() error {
	return c.client.Close()
}

func (c *Client) DispatchParagraph(ctx context.Context, sessionID string, index int) error {
	return c.enqueue(ctx, TypeParagraphPlan, ParagraphPlanPayload{SessionID: sessionID, Index: index},
		asynq.TaskID(paragraphTaskID(sessionID, index)),
		asynq.Queue(QueueDefault),
		asynq.MaxRetry(10),
		asynq.Timeout(15*time.Minute),
	)
}

func (c *Client) DispatchUtterance(ctx context.Context, u models.Utterance) error {
	return c.enqueue(ctx, TypeUtteranceSynthesize, u,
		asynq.TaskID(utteranceTaskID(u)),
		asynq.Queue(QueueDefault),
		asynq.MaxRetry(10),
		asynq.Timeout(10*time.Minute),
	)
}

func (c *Client) DispatchMerge(ctx context.Context, sessionID string) error {
	return c.enqueue(ctx, TypeNarrationMerge, NarrationMergePayload{SessionID: sessionID},
		asynq.TaskID(mergeTaskID(sessionID)),
		asynq.Queue(QueueCritical),
		asynq.MaxRetry(5),
		asynq.Timeout(30*time.Minute),
	)
}

func (c *Client) DispatchWebhook(ctx context.Context, url string, event models.WebhookEvent) error {
	payload := WebhookDeliverPayload{
		SessionID: event.SessionID,
		URL:       url,
		Event:     "narration." + string(event.Status),
		Payload:   event,
	}
	return c.enqueue(ctx, TypeWebhookDeliver, payload,
		asynq.TaskID(webhookTaskID(event.SessionID, event.Status)),
		asynq.Queue(QueueLow),
		asynq.MaxRetry(5),
		asynq.Timeout(30*time.Second),
	)
}

// SweepTask builds the periodic reconciliation task registered with the
// scheduler.
func SweepTask(olderThan time.Duration) (*asynq.Task, error) {
	data, err := json.Marshal(NarrationSweepPayload{OlderThan: olderThan.String()})
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	return asynq.NewTask(TypeNarrationSweep, data, asynq.Queue(QueueLow), asynq.MaxRetry(1)), nil
}

func (c *Client) enqueue(ctx context.Context, taskType string, payload any, opts ...asynq.Option) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	opts = append(opts, asynq.Retention(retention))
	task := asynq.NewTask(taskType, data)
	_, err = c.client.EnqueueContext(ctx, task, opts...)
	if errors.Is(err, asynq.ErrTaskIDConflict) {
		slog.Debug("task already enqueued", "type", taskType)
		return nil
	}
	if err != nil {
		return fmt.Errorf("enqueue %s: %w", taskType, err)
	}
	return nil
}
