package narration

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/puckettventures/converse/internal/models"
)

// StalledReason is recorded on sessions failed by the sweep.
const StalledReason = "stalled"

// NotifyTerminal queues the callback for a session that has reached a
// terminal status. Sessions without a callback URL are ignored.
func (s *Service) NotifyTerminal(ctx context.Context, id string) error {
	sess, err := s.store.Get(ctx, id)
	if err != nil {
		return fmt.Errorf("load session: %w", err)
	}
	if sess.CallbackURL == "" || !sess.Status.Terminal() {
		return nil
	}

	event := models.WebhookEvent{
		SessionID:  sess.ID,
		Status:     sess.Status,
		MergedFile: sess.MergedFile,
		MergedURL:  s.resolveURL(sess.MergedFile),
		Error:      sess.Error,
	}
	if err := s.dispatch.DispatchWebhook(ctx, sess.CallbackURL, event); err != nil {
		return fmt.Errorf("dispatch webhook: %w", err)
	}
	return nil
}

// Sweep fails sessions that have been in progress longer than olderThan
// and returns how many it failed.
func (s *Service) Sweep(ctx context.Context, olderThan time.Duration) (int, error) {
	cutoff := s.now().Add(-olderThan)
	ids, err := s.store.ListStale(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("list stale sessions: %w", err)
	}

	failed := 0
	for _, id := range ids {
		ok, err := s.store.Fail(ctx, id, StalledReason)
		if err != nil {
			return failed, fmt.Errorf("fail session %s: %w", id, err)
		}
		if !ok {
			continue
		}
		failed++
		slog.Warn("failed stalled session", "session_id", id, "cutoff", cutoff)
		if err := s.NotifyTerminal(ctx, id); err != nil {
			slog.Error("failed to notify stalled session", "session_id", id, "error", err)
		}
	}
	return failed, nil
}
