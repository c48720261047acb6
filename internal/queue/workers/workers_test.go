package workers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/hibiken/asynq"

	"github.com/puckettventures/converse/internal/models"
	"github.com/puckettventures/converse/internal/narration"
	"github.com/puckettventures/converse/internal/queue"
	"github.com/puckettventures/converse/internal/session"
)

type paragraphFunc func(ctx context.Context, id string, index int) error

func (f paragraphFunc) ProcessParagraph(ctx context.Context, id string, index int) error {
	return f(ctx, id, index)
}

func task(t *testing.T, typ string, payload any) *asynq.Task {
	t.Helper()
	data, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return asynq.NewTask(typ, data)
}

func TestParagraphWorkerSkipsRetryForPermanentErrors(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		skipRetry bool
	}{
		{"ok", nil, false},
		{"out of range", fmt.Errorf("paragraph 9 of 2: %w", narration.ErrParagraphOutOfRange), true},
		{"missing session", fmt.Errorf("load session: %w", session.ErrNotFound), true},
		{"store down", errors.New("connection refused"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var gotID string
			var gotIndex int
			w := NewParagraphWorker(paragraphFunc(func(_ context.Context, id string, index int) error {
				gotID, gotIndex = id, index
				return tt.err
			}))
			err := w.ProcessTask(context.Background(), task(t, queue.TypeParagraphPlan, queue.ParagraphPlanPayload{SessionID: "s1", Index: 4}))
			if gotID != "s1" || gotIndex != 4 {
				t.Fatalf("called with %q %d", gotID, gotIndex)
			}
			if (tt.err == nil) != (err == nil) {
				t.Fatalf("err = %v", err)
			}
			if errors.Is(err, asynq.SkipRetry) != tt.skipRetry {
				t.Fatalf("skip retry = %v, want %v (err %v)", errors.Is(err, asynq.SkipRetry), tt.skipRetry, err)
			}
		})
	}
}

func TestMalformedPayloadSkipsRetry(t *testing.T) {
	w := NewParagraphWorker(paragraphFunc(func(context.Context, string, int) error { return nil }))
	err := w.ProcessTask(context.Background(), asynq.NewTask(queue.TypeParagraphPlan, []byte("{")))
	if !errors.Is(err, asynq.SkipRetry) {
		t.Fatalf("expected SkipRetry, got %v", err)
	}
}

type utteranceRecorder struct{ got models.Utterance }

func (r *utteranceRecorder) Process(_ context.Context, u models.Utterance) error {
	r.got = u
	return nil
}

func TestUtteranceWorkerDecodesOrdinal(t *testing.T) {
	rec := &utteranceRecorder{}
	payload := []byte(`{"session_id":"s1","ordinal":"2-3","speaker":"Alice","voice":"nova","text":"Hi."}`)
	if err := NewUtteranceWorker(rec).ProcessTask(context.Background(), asynq.NewTask(queue.TypeUtteranceSynthesize, payload)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.got.Ordinal != models.SentenceOrdinal(2, 3) || rec.got.Speaker != "Alice" || rec.got.Text != "Hi." {
		t.Fatalf("decoded utterance = %+v", rec.got)
	}
}

type mergeRecorder struct {
	mergeErr error
	merged   []string
	notified []string
}

func (m *mergeRecorder) Merge(_ context.Context, id string) error {
	m.merged = append(m.merged, id)
	return m.mergeErr
}

func (m *mergeRecorder) NotifyTerminal(_ context.Context, id string) error {
	m.notified = append(m.notified, id)
	return nil
}

func TestMergeWorkerNotifiesAfterMerge(t *testing.T) {
	rec := &mergeRecorder{}
	w := NewMergeWorker(rec, rec)
	if err := w.ProcessTask(context.Background(), task(t, queue.TypeNarrationMerge, queue.NarrationMergePayload{SessionID: "s1"})); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(rec.merged) != 1 || len(rec.notified) != 1 {
		t.Fatalf("merged=%v notified=%v", rec.merged, rec.notified)
	}

	rec = &mergeRecorder{mergeErr: errors.New("store down")}
	w = NewMergeWorker(rec, rec)
	if err := w.ProcessTask(context.Background(), task(t, queue.TypeNarrationMerge, queue.NarrationMergePayload{SessionID: "s1"})); err == nil {
		t.Fatal("expected error")
	}
	if len(rec.notified) != 0 {
		t.Fatal("notified after failed merge")
	}
}

type sweepRecorder struct{ olderThan time.Duration }

func (s *sweepRecorder) Sweep(_ context.Context, olderThan time.Duration) (int, error) {
	s.olderThan = olderThan
	return 2, nil
}

func TestSweepWorker(t *testing.T) {
	rec := &sweepRecorder{}
	sweep, err := queue.SweepTask(90 * time.Minute)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := NewSweepWorker(rec).ProcessTask(context.Background(), sweep); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.olderThan != 90*time.Minute {
		t.Fatalf("older than = %s", rec.olderThan)
	}

	bad := task(t, queue.TypeNarrationSweep, queue.NarrationSweepPayload{OlderThan: "soon"})
	if err := NewSweepWorker(rec).ProcessTask(context.Background(), bad); !errors.Is(err, asynq.SkipRetry) {
		t.Fatalf("expected SkipRetry, got %v", err)
	}
}

type webhookRecorder struct {
	url, event string
	payload    models.WebhookEvent
}

func (r *webhookRecorder) Deliver(_ context.Context, url, event string, payload models.WebhookEvent) error {
	r.url, r.event, r.payload = url, event, payload
	return nil
}

func TestWebhookWorker(t *testing.T) {
	rec := &webhookRecorder{}
	p := queue.WebhookDeliverPayload{
		SessionID: "s1",
		URL:       "https://example.com/hook",
		Event:     "narration.completed",
		Payload:   models.WebhookEvent{SessionID: "s1", Status: models.SessionCompleted},
	}
	if err := NewWebhookWorker(rec).ProcessTask(context.Background(), task(t, queue.TypeWebhookDeliver, p)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.url != p.URL || rec.event != p.Event || rec.payload != p.Payload {
		t.Fatalf("delivered %+v", rec)
	}
}
