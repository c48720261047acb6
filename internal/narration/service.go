// Package narration drives a session through the pipeline: creation,
// paragraph planning, completion detection and terminal notification.
package narration

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/puckettventures/converse/internal/models"
	"github.com/puckettventures/converse/internal/session"
	"github.com/puckettventures/converse/internal/speakers"
	"github.com/puckettventures/converse/pkg/segment"
)

var (
	ErrEmptyText           = errors.New("text is empty")
	ErrParagraphOutOfRange = errors.New("paragraph index out of range")
)

// Dispatcher hands work to the queue. Implementations must make repeated
// dispatches of the same work idempotent.
type Dispatcher interface {
	DispatchParagraph(ctx context.Context, sessionID string, index int) error
	DispatchUtterance(ctx context.Context, u models.Utterance) error
	DispatchMerge(ctx context.Context, sessionID string) error
	DispatchWebhook(ctx context.Context, url string, event models.WebhookEvent) error
}

type Assigner interface {
	IdentifyRoster(ctx context.Context, text string) ([]models.Speaker, error)
	Assign(ctx context.Context, s *models.Session, index int) (speakers.Plan, error)
}

// StatusCache is satisfied by *cache.Cache.
type StatusCache interface {
	Get(ctx context.Context, key string, dest any) error
	Set(ctx context.Context, key string, value any, ttl time.Duration) error
}

type Service struct {
	store    session.Store
	assigner Assigner
	dispatch Dispatcher

	cache     StatusCache
	cacheTTL  time.Duration
	publicURL func(ref string) string
	now       func() time.Time
}

type Option func(*Service)

// WithStatusCache caches views of terminal sessions for ttl.
func WithStatusCache(c StatusCache, ttl time.Duration) Option {
	return func(s *Service) {
		s.cache = c
		s.cacheTTL = ttl
	}
}

// WithPublicURL resolves stored object refs into client-facing URLs.
func WithPublicURL(fn func(ref string) string) Option {
	return func(s *Service) { s.publicURL = fn }
}

func NewService(store session.Store, assigner Assigner, dispatch Dispatcher, opts ...Option) *Service {
	s := &Service{
		store:    store,
		assigner: assigner,
		dispatch: dispatch,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

type CreateRequest struct {
	Text        string `json:"text"`
	CallbackURL string `json:"callback_url,omitempty"`
}

// CreateSession segments the text, identifies the cast, persists the
// session and queues one planning task per paragraph.
func (s *Service) CreateSession(ctx context.Context, req CreateRequest) (*models.Session, error) {
	paragraphs := segment.Paragraphs(req.Text)
	if len(paragraphs) == 0 {
		return nil, ErrEmptyText
	}

	roster, err := s.assigner.IdentifyRoster(ctx, req.Text)
	if err != nil {
		return nil, fmt.Errorf("identify speakers: %w", err)
	}

	sess := &models.Session{
		ID:          uuid.NewString(),
		CreatedAt:   s.now().UTC(),
		Text:        req.Text,
		Paragraphs:  paragraphs,
		Speakers:    roster,
		CallbackURL: strings.TrimSpace(req.CallbackURL),
	}
	if err := s.store.Create(ctx, sess); err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}

	for i := range paragraphs {
		if err := s.dispatch.DispatchParagraph(ctx, sess.ID, i); err != nil {
			reason := fmt.Sprintf("dispatch paragraph %d: %v", i, err)
			if _, ferr := s.store.Fail(context.WithoutCancel(ctx), sess.ID, reason); ferr != nil {
				slog.Error("failed to mark session failed", "session_id", sess.ID, "error", ferr)
			}
			return nil, fmt.Errorf("dispatch paragraph %d: %w", i, err)
		}
	}

	slog.Info("narration session created",
		"session_id", sess.ID,
		"paragraphs", len(paragraphs),
		"speakers", len(roster),
	)
	return sess, nil
}

// StatusView is the client-facing projection of a session.
type StatusView struct {
	SessionID    string               `json:"session_id"`
	Status       models.SessionStatus `json:"status"`
	CreatedAt    time.Time            `json:"created_at"`
	UpdatedAt    time.Time            `json:"updated_at"`
	Paragraphs   int                  `json:"paragraphs"`
	Speakers     []models.Speaker     `json:"speakers"`
	PendingUnits int64                `json:"pending_units"`
	FailedUnits  int64                `json:"failed_units"`
	AudioFiles   []models.Clip        `json:"audio_files"`
	MergedFile   string               `json:"merged_file,omitempty"`
	MergedURL    string               `json:"merged_url,omitempty"`
	Error        string               `json:"error,omitempty"`
}

func statusCacheKey(id string) string { return "status:" + id }

func (s *Service) Status(ctx context.Context, id string) (*StatusView, error) {
	if s.cache != nil {
		var cached StatusView
		if err := s.cache.Get(ctx, statusCacheKey(id), &cached); err == nil {
			return &cached, nil
		}
	}

	sess, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	view := &StatusView{
		SessionID:    sess.ID,
		Status:       sess.Status,
		CreatedAt:    sess.CreatedAt,
		UpdatedAt:    sess.UpdatedAt,
		Paragraphs:   len(sess.Paragraphs),
		Speakers:     sess.Speakers,
		PendingUnits: sess.PendingUnits,
		FailedUnits:  sess.FailedUnits,
		AudioFiles:   sess.AudioFiles,
		MergedFile:   sess.MergedFile,
		MergedURL:    s.resolveURL(sess.MergedFile),
		Error:        sess.Error,
	}
	if view.AudioFiles == nil {
		view.AudioFiles = []models.Clip{}
	}

	if s.cache != nil && sess.Status.Terminal() {
		if err := s.cache.Set(ctx, statusCacheKey(id), view, s.cacheTTL); err != nil {
			slog.Warn("failed to cache status", "session_id", id, "error", err)
		}
	}
	return view, nil
}

func (s *Service) resolveURL(ref string) string {
	if ref == "" || s.publicURL == nil {
		return ""
	}
	return s.publicURL(ref)
}
