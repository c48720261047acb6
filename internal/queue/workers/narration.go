package workers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/hibiken/asynq"

	"github.com/puckettventures/converse/internal/models"
	"github.com/puckettventures/converse/internal/narration"
	"github.com/puckettventures/converse/internal/queue"
	"github.com/puckettventures/converse/internal/session"
)

type ParagraphProcessor interface {
	ProcessParagraph(ctx context.Context, id string, index int) error
}

type UtteranceProcessor interface {
	Process(ctx context.Context, u models.Utterance) error
}

type SessionMerger interface {
	Merge(ctx context.Context, id string) error
}

type TerminalNotifier interface {
	NotifyTerminal(ctx context.Context, id string) error
}

type ParagraphWorker struct {
	svc ParagraphProcessor
}

func NewParagraphWorker(svc ParagraphProcessor) *ParagraphWorker {
	return &ParagraphWorker{svc: svc}
}

func (w *ParagraphWorker) ProcessTask(ctx context.Context, t *asynq.Task) error {
	var payload queue.ParagraphPlanPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return fmt.Errorf("unmarshal payload: %v: %w", err, asynq.SkipRetry)
	}

	err := w.svc.ProcessParagraph(ctx, payload.SessionID, payload.Index)
	if errors.Is(err, narration.ErrParagraphOutOfRange) || errors.Is(err, session.ErrNotFound) {
		return fmt.Errorf("%w: %w", err, asynq.SkipRetry)
	}
	return err
}

type UtteranceWorker struct {
	synth UtteranceProcessor
}

func NewUtteranceWorker(synth UtteranceProcessor) *UtteranceWorker {
	return &UtteranceWorker{synth: synth}
}

func (w *UtteranceWorker) ProcessTask(ctx context.Context, t *asynq.Task) error {
	var payload queue.UtteranceSynthesizePayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return fmt.Errorf("unmarshal payload: %v: %w", err, asynq.SkipRetry)
	}

	err := w.synth.Process(ctx, payload)
	if errors.Is(err, session.ErrNotFound) {
		return fmt.Errorf("%w: %w", err, asynq.SkipRetry)
	}
	return err
}

// MergeWorker merges a session and queues its callback once it is
// terminal. A redelivered merge of a finished session only re-notifies.
type MergeWorker struct {
	merger   SessionMerger
	notifier TerminalNotifier
}

func NewMergeWorker(merger SessionMerger, notifier TerminalNotifier) *MergeWorker {
	return &MergeWorker{merger: merger, notifier: notifier}
}

func (w *MergeWorker) ProcessTask(ctx context.Context, t *asynq.Task) error {
	var payload queue.NarrationMergePayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return fmt.Errorf("unmarshal payload: %v: %w", err, asynq.SkipRetry)
	}

	slog.Info("merging narration", "session_id", payload.SessionID)
	if err := w.merger.Merge(ctx, payload.SessionID); err != nil {
		if errors.Is(err, session.ErrNotFound) {
			return fmt.Errorf("%w: %w", err, asynq.SkipRetry)
		}
		return err
	}
	return w.notifier.NotifyTerminal(ctx, payload.SessionID)
}
