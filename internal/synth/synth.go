// Package synth turns planned utterances into stored audio clips.
package synth

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"regexp"

	"github.com/puckettventures/converse/internal/models"
	"github.com/puckettventures/converse/internal/retry"
	"github.com/puckettventures/converse/internal/session"
	"github.com/puckettventures/converse/internal/storage"
	"github.com/puckettventures/converse/internal/tts"
)

// Finalizer applies the session completion rule after a retirement.
type Finalizer interface {
	Finalize(ctx context.Context, id string, r session.Retirement) error
}

type Synthesizer struct {
	store     session.Store
	provider  tts.Provider
	storage   storage.Storage
	bucket    string
	exec      *retry.Executor
	finalizer Finalizer
}

func New(store session.Store, provider tts.Provider, objects storage.Storage, bucket string, exec *retry.Executor, finalizer Finalizer) *Synthesizer {
	return &Synthesizer{
		store:     store,
		provider:  provider,
		storage:   objects,
		bucket:    bucket,
		exec:      exec,
		finalizer: finalizer,
	}
}

var unsafeKeyChars = regexp.MustCompile(`[^A-Za-z0-9_-]+`)

// ClipKey is the object key of an utterance's clip.
func ClipKey(u models.Utterance, ext string) string {
	speaker := unsafeKeyChars.ReplaceAllString(u.Speaker, "_")
	return fmt.Sprintf("audio/%s/%s-%s%s", u.SessionID, u.Ordinal, speaker, ext)
}

// Process synthesizes and stores one utterance, then retires its unit.
// A synthesis or upload failure retires the unit with a failure marker;
// only session store errors are returned.
func (s *Synthesizer) Process(ctx context.Context, u models.Utterance) error {
	sess, err := s.store.Get(ctx, u.SessionID)
	if err != nil {
		return fmt.Errorf("load session: %w", err)
	}
	if sess.Status.Terminal() {
		slog.Info("session already finished, dropping utterance",
			"session_id", u.SessionID, "ordinal", u.Ordinal.String(), "status", sess.Status)
		return nil
	}

	key := u.UnitKey()
	done, err := s.store.IsRetired(ctx, u.SessionID, key)
	if err != nil {
		return fmt.Errorf("check utterance unit: %w", err)
	}
	if done {
		slog.Info("duplicate utterance delivery", "session_id", u.SessionID, "ordinal", u.Ordinal.String())
		return s.retire(ctx, u.SessionID, models.Unit{Key: key})
	}

	clip, err := s.render(ctx, u)
	if err != nil {
		if ctx.Err() != nil {
			return err
		}
		slog.Error("synthesis failed",
			"session_id", u.SessionID,
			"ordinal", u.Ordinal.String(),
			"speaker", u.Speaker,
			"error", err,
		)
		clip = &models.Clip{
			Ordinal: u.Ordinal,
			Kind:    models.ClipFailed,
			Speaker: u.Speaker,
			Voice:   u.Voice,
			Error:   err.Error(),
		}
	}
	return s.retire(ctx, u.SessionID, models.Unit{Key: key, Clip: clip})
}

func (s *Synthesizer) render(ctx context.Context, u models.Utterance) (*models.Clip, error) {
	result, err := retry.Call(ctx, s.exec, func(ctx context.Context) (*tts.SynthesisResult, error) {
		return s.provider.Synthesize(ctx, tts.SynthesisRequest{Input: u.Text, Voice: u.Voice})
	})
	if err != nil {
		return nil, fmt.Errorf("synthesize: %w", err)
	}

	ref := ClipKey(u, s.provider.Extension())
	if err := s.storage.Upload(ctx, s.bucket, ref, bytes.NewReader(result.Audio), result.ContentType); err != nil {
		return nil, fmt.Errorf("upload clip: %w", err)
	}

	slog.Debug("clip stored",
		"session_id", u.SessionID,
		"ordinal", u.Ordinal.String(),
		"ref", ref,
		"bytes", len(result.Audio),
	)
	return &models.Clip{
		Ordinal: u.Ordinal,
		Kind:    models.ClipAudio,
		Ref:     ref,
		Speaker: u.Speaker,
		Voice:   u.Voice,
	}, nil
}

func (s *Synthesizer) retire(ctx context.Context, id string, unit models.Unit) error {
	r, err := s.store.Retire(ctx, id, unit)
	if err != nil {
		return fmt.Errorf("retire %s: %w", unit.Key, err)
	}
	return s.finalizer.Finalize(ctx, id, r)
}
