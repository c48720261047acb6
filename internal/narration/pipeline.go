package narration

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/puckettventures/converse/internal/models"
	"github.com/puckettventures/converse/internal/session"
)

// ProcessParagraph plans one paragraph and dispatches its utterances. The
// paragraph's own unit stays outstanding until every utterance has been
// counted and dispatched, so the session cannot reach zero early.
//
// Assignment failures retire the paragraph with a failure marker. Only
// store and queue errors are returned.
func (s *Service) ProcessParagraph(ctx context.Context, id string, index int) error {
	sess, err := s.store.Get(ctx, id)
	if err != nil {
		return fmt.Errorf("load session: %w", err)
	}
	if sess.Status.Terminal() {
		slog.Info("session already finished, skipping paragraph",
			"session_id", id, "ordinal", index, "status", sess.Status)
		return nil
	}
	if index < 0 || index >= len(sess.Paragraphs) {
		return fmt.Errorf("paragraph %d of %d: %w", index, len(sess.Paragraphs), ErrParagraphOutOfRange)
	}

	key := models.ParagraphKey(index)
	done, err := s.store.IsRetired(ctx, id, key)
	if err != nil {
		return fmt.Errorf("check paragraph unit: %w", err)
	}
	if done {
		// Redelivery: Retire is a no-op but reports the current count,
		// which lets a crash before Finalize recover.
		return s.retire(ctx, id, models.Unit{Key: key})
	}

	ordinal := models.ParagraphOrdinal(index)
	// A stored plan means an earlier delivery already counted its
	// utterances; finish dispatching those instead of asking the LLM again.
	if prior, ok, err := s.store.Plan(ctx, id, index); err != nil {
		return fmt.Errorf("load plan: %w", err)
	} else if ok {
		slog.Info("paragraph already planned, redispatching",
			"session_id", id, "ordinal", ordinal.String(), "utterances", len(prior))
		return s.dispatchPlan(ctx, id, key, prior)
	}

	plan, err := s.assigner.Assign(ctx, sess, index)
	if err != nil {
		if ctx.Err() != nil {
			return err
		}
		slog.Error("speaker assignment failed",
			"session_id", id, "ordinal", ordinal.String(), "error", err)
		return s.retire(ctx, id, models.Unit{Key: key, Clip: &models.Clip{
			Ordinal: ordinal,
			Kind:    models.ClipFailed,
			Error:   err.Error(),
		}})
	}

	if plan.Skipped || len(plan.Utterances) == 0 {
		slog.Info("paragraph has no speakers, skipping", "session_id", id, "ordinal", ordinal.String())
		return s.retire(ctx, id, models.Unit{Key: key, Clip: &models.Clip{
			Ordinal: ordinal,
			Kind:    models.ClipSkipped,
		}})
	}

	stored, err := s.store.PlanParagraph(ctx, id, index, plan.Utterances)
	if err != nil {
		return fmt.Errorf("plan paragraph: %w", err)
	}
	slog.Info("paragraph planned",
		"session_id", id, "ordinal", ordinal.String(), "utterances", len(stored))
	return s.dispatchPlan(ctx, id, key, stored)
}

// dispatchPlan enqueues every utterance of a stored plan and then retires
// the paragraph unit. Utterance task ids are deterministic, so replaying a
// partially dispatched plan is safe.
func (s *Service) dispatchPlan(ctx context.Context, id, key string, plan []models.Utterance) error {
	for _, u := range plan {
		if err := s.dispatch.DispatchUtterance(ctx, u); err != nil {
			return fmt.Errorf("dispatch utterance %s: %w", u.Ordinal, err)
		}
	}
	return s.retire(ctx, id, models.Unit{Key: key})
}

func (s *Service) retire(ctx context.Context, id string, unit models.Unit) error {
	r, err := s.store.Retire(ctx, id, unit)
	if err != nil {
		return fmt.Errorf("retire %s: %w", unit.Key, err)
	}
	return s.Finalize(ctx, id, r)
}

// Finalize applies the completion rule after a retirement. The caller that
// moves the session from in_progress to merging dispatches the merge. A
// later caller that still sees zero while the session is merging dispatches
// it again; the merge task id makes that idempotent.
func (s *Service) Finalize(ctx context.Context, id string, r session.Retirement) error {
	if r.Remaining != 0 {
		return nil
	}

	moved, err := s.store.Transition(ctx, id, models.SessionInProgress, models.SessionMerging)
	if err != nil {
		return fmt.Errorf("transition to merging: %w", err)
	}
	if moved {
		slog.Info("all units retired, merging", "session_id", id)
		if err := s.dispatch.DispatchMerge(ctx, id); err != nil {
			return fmt.Errorf("dispatch merge: %w", err)
		}
		return nil
	}

	sess, err := s.store.Get(ctx, id)
	if err != nil {
		return fmt.Errorf("load session: %w", err)
	}
	if sess.Status != models.SessionMerging {
		return nil
	}
	slog.Info("re-dispatching merge", "session_id", id, "applied", r.Applied)
	if err := s.dispatch.DispatchMerge(ctx, id); err != nil {
		return fmt.Errorf("dispatch merge: %w", err)
	}
	return nil
}
