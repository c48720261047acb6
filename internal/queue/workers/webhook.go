package workers

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/hibiken/asynq"

	"github.com/puckettventures/converse/internal/models"
	"github.com/puckettventures/converse/internal/queue"
)

type WebhookDeliverer interface {
	Deliver(ctx context.Context, url, event string, payload models.WebhookEvent) error
}

type WebhookWorker struct {
	deliverer WebhookDeliverer
}

func NewWebhookWorker(d WebhookDeliverer) *WebhookWorker {
	return &WebhookWorker{deliverer: d}
}

func (w *WebhookWorker) ProcessTask(ctx context.Context, t *asynq.Task) error {
	var payload queue.WebhookDeliverPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return fmt.Errorf("unmarshal payload: %v: %w", err, asynq.SkipRetry)
	}
	return w.deliverer.Deliver(ctx, payload.URL, payload.Event, payload.Payload)
}
