// Package session persists narration sessions and their pending-unit
// counter. Every mutation that touches the counter is a single atomic
// operation on the backing store.
package session

import (
	"context"
	"errors"
	"time"

	"github.com/puckettventures/converse/internal/models"
)

var (
	ErrNotFound         = errors.New("session not found")
	ErrAlreadyExists    = errors.New("session already exists")
	ErrCounterUnderflow = errors.New("pending unit counter would go negative")
)

// Retirement is the outcome of retiring a unit. Applied is false when the
// unit had already been retired; Remaining is the pending count after the
// operation either way.
type Retirement struct {
	Applied   bool
	Remaining int64
}

type Store interface {
	Create(ctx context.Context, s *models.Session) error
	Get(ctx context.Context, id string) (*models.Session, error)

	// PlanParagraph records the utterances planned for a paragraph and adds
	// their count to pending_units. Only the first plan for a paragraph is
	// stored; later calls return it unchanged.
	PlanParagraph(ctx context.Context, id string, index int, plan []models.Utterance) ([]models.Utterance, error)
	// Plan returns the stored plan for a paragraph; ok is false when none
	// has been recorded.
	Plan(ctx context.Context, id string, index int) (plan []models.Utterance, ok bool, err error)

	// Retire claims unit.Key, appends unit.Clip (when set) and decrements
	// pending_units in one step. A second retirement of the same key is a
	// no-op.
	Retire(ctx context.Context, id string, unit models.Unit) (Retirement, error)
	IsRetired(ctx context.Context, id, unitKey string) (bool, error)

	Transition(ctx context.Context, id string, from, to models.SessionStatus) (bool, error)
	Complete(ctx context.Context, id, mergedRef string) (bool, error)
	Fail(ctx context.Context, id, reason string) (bool, error)

	// ListStale returns in-progress sessions created before cutoff.
	ListStale(ctx context.Context, cutoff time.Time) ([]string, error)

	Ping(ctx context.Context) error
	Close() error
}

// initialPending is the pending count a new session starts with: one unit
// per paragraph, retired once the paragraph has been planned.
func initialPending(s *models.Session) int64 {
	return int64(len(s.Paragraphs))
}
