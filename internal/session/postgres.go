package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/puckettventures/converse/internal/models"
)

// PostgresStore keeps sessions in narration_sessions with retired units and
// paragraph plans in side tables. The schema lives in migrations/.
type PostgresStore struct {
	db *pgxpool.Pool
}

func NewPostgresStore(db *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Create(ctx context.Context, sess *models.Session) error {
	paragraphs, err := json.Marshal(sess.Paragraphs)
	if err != nil {
		return fmt.Errorf("marshal paragraphs: %w", err)
	}
	speakers, err := json.Marshal(sess.Speakers)
	if err != nil {
		return fmt.Errorf("marshal speakers: %w", err)
	}
	if sess.CreatedAt.IsZero() {
		sess.CreatedAt = time.Now().UTC()
	}
	sess.UpdatedAt = sess.CreatedAt
	sess.Status = models.SessionInProgress
	sess.PendingUnits = initialPending(sess)

	_, err = s.db.Exec(ctx,
		`INSERT INTO narration_sessions
		   (id, status, text, paragraphs, speakers, pending_units, callback_url, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $8)`,
		sess.ID, string(sess.Status), sess.Text, string(paragraphs), string(speakers),
		sess.PendingUnits, sess.CallbackURL, sess.CreatedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ErrAlreadyExists
		}
		return fmt.Errorf("insert session: %w", err)
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, id string) (*models.Session, error) {
	var (
		sess       models.Session
		status     string
		paragraphs []byte
		speakers   []byte
	)
	err := s.db.QueryRow(ctx,
		`SELECT id, status, text, paragraphs, speakers, pending_units, failed_units,
		        merged_file, callback_url, error, created_at, updated_at
		 FROM narration_sessions WHERE id = $1`, id,
	).Scan(&sess.ID, &status, &sess.Text, &paragraphs, &speakers, &sess.PendingUnits, &sess.FailedUnits,
		&sess.MergedFile, &sess.CallbackURL, &sess.Error, &sess.CreatedAt, &sess.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	sess.Status = models.SessionStatus(status)
	if err := json.Unmarshal(paragraphs, &sess.Paragraphs); err != nil {
		return nil, fmt.Errorf("decode paragraphs: %w", err)
	}
	if err := json.Unmarshal(speakers, &sess.Speakers); err != nil {
		return nil, fmt.Errorf("decode speakers: %w", err)
	}

	rows, err := s.db.Query(ctx,
		`SELECT clip FROM narration_units
		 WHERE session_id = $1 AND clip IS NOT NULL ORDER BY seq`, id)
	if err != nil {
		return nil, fmt.Errorf("list clips: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("scan clip: %w", err)
		}
		var c models.Clip
		if err := json.Unmarshal(raw, &c); err != nil {
			return nil, fmt.Errorf("decode clip: %w", err)
		}
		sess.AudioFiles = append(sess.AudioFiles, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list clips: %w", err)
	}
	return &sess, nil
}

func (s *PostgresStore) PlanParagraph(ctx context.Context, id string, index int, plan []models.Utterance) ([]models.Utterance, error) {
	data, err := json.Marshal(plan)
	if err != nil {
		return nil, fmt.Errorf("marshal plan: %w", err)
	}

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := lockSession(ctx, tx, id); err != nil {
		return nil, err
	}

	tag, err := tx.Exec(ctx,
		`INSERT INTO narration_plans (session_id, paragraph_index, plan)
		 VALUES ($1, $2, $3) ON CONFLICT (session_id, paragraph_index) DO NOTHING`,
		id, index, string(data))
	if err != nil {
		return nil, fmt.Errorf("insert plan: %w", err)
	}

	if tag.RowsAffected() == 1 {
		if _, err := tx.Exec(ctx,
			`UPDATE narration_sessions SET pending_units = pending_units + $2, updated_at = now()
			 WHERE id = $1`, id, len(plan)); err != nil {
			return nil, fmt.Errorf("increment pending: %w", err)
		}
		if err := tx.Commit(ctx); err != nil {
			return nil, fmt.Errorf("commit plan: %w", err)
		}
		return plan, nil
	}

	var raw []byte
	if err := tx.QueryRow(ctx,
		`SELECT plan FROM narration_plans WHERE session_id = $1 AND paragraph_index = $2`,
		id, index).Scan(&raw); err != nil {
		return nil, fmt.Errorf("load plan: %w", err)
	}
	var stored []models.Utterance
	if err := json.Unmarshal(raw, &stored); err != nil {
		return nil, fmt.Errorf("decode plan: %w", err)
	}
	return stored, tx.Commit(ctx)
}

func (s *PostgresStore) Plan(ctx context.Context, id string, index int) ([]models.Utterance, bool, error) {
	var raw []byte
	err := s.db.QueryRow(ctx,
		`SELECT plan FROM narration_plans WHERE session_id = $1 AND paragraph_index = $2`,
		id, index).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("load plan %d: %w", index, err)
	}
	var stored []models.Utterance
	if err := json.Unmarshal(raw, &stored); err != nil {
		return nil, false, fmt.Errorf("decode plan: %w", err)
	}
	return stored, true, nil
}

func (s *PostgresStore) Retire(ctx context.Context, id string, unit models.Unit) (Retirement, error) {
	var clip any
	if unit.Clip != nil {
		data, err := json.Marshal(unit.Clip)
		if err != nil {
			return Retirement{}, fmt.Errorf("marshal clip: %w", err)
		}
		clip = string(data)
	}

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return Retirement{}, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var pending int64
	err = tx.QueryRow(ctx,
		`SELECT pending_units FROM narration_sessions WHERE id = $1 FOR UPDATE`, id,
	).Scan(&pending)
	if errors.Is(err, pgx.ErrNoRows) {
		return Retirement{}, ErrNotFound
	}
	if err != nil {
		return Retirement{}, fmt.Errorf("lock session: %w", err)
	}

	tag, err := tx.Exec(ctx,
		`INSERT INTO narration_units (session_id, unit_key, clip)
		 VALUES ($1, $2, $3) ON CONFLICT (session_id, unit_key) DO NOTHING`,
		id, unit.Key, clip)
	if err != nil {
		return Retirement{}, fmt.Errorf("claim unit: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return Retirement{Applied: false, Remaining: pending}, tx.Commit(ctx)
	}
	if pending <= 0 {
		return Retirement{}, ErrCounterUnderflow
	}

	failed := 0
	if unit.Failed() {
		failed = 1
	}
	var remaining int64
	if err := tx.QueryRow(ctx,
		`UPDATE narration_sessions
		 SET pending_units = pending_units - 1, failed_units = failed_units + $2, updated_at = now()
		 WHERE id = $1
		 RETURNING pending_units`, id, failed,
	).Scan(&remaining); err != nil {
		return Retirement{}, fmt.Errorf("decrement pending: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return Retirement{}, fmt.Errorf("commit retire: %w", err)
	}
	return Retirement{Applied: true, Remaining: remaining}, nil
}

func (s *PostgresStore) IsRetired(ctx context.Context, id, unitKey string) (bool, error) {
	var exists bool
	err := s.db.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM narration_units WHERE session_id = $1 AND unit_key = $2)`,
		id, unitKey).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check unit %s: %w", unitKey, err)
	}
	return exists, nil
}

func (s *PostgresStore) Transition(ctx context.Context, id string, from, to models.SessionStatus) (bool, error) {
	if !from.CanTransition(to) {
		return false, fmt.Errorf("illegal transition %s -> %s", from, to)
	}
	tag, err := s.db.Exec(ctx,
		`UPDATE narration_sessions SET status = $3, updated_at = now()
		 WHERE id = $1 AND status = $2`, id, string(from), string(to))
	if err != nil {
		return false, fmt.Errorf("transition to %s: %w", to, err)
	}
	return s.changed(ctx, id, tag)
}

func (s *PostgresStore) Complete(ctx context.Context, id, mergedRef string) (bool, error) {
	tag, err := s.db.Exec(ctx,
		`UPDATE narration_sessions SET status = 'completed', merged_file = $2, updated_at = now()
		 WHERE id = $1 AND status = 'merging'`, id, mergedRef)
	if err != nil {
		return false, fmt.Errorf("complete session: %w", err)
	}
	return s.changed(ctx, id, tag)
}

func (s *PostgresStore) Fail(ctx context.Context, id, reason string) (bool, error) {
	tag, err := s.db.Exec(ctx,
		`UPDATE narration_sessions SET status = 'failed', error = $2, updated_at = now()
		 WHERE id = $1 AND status IN ('in_progress', 'merging')`, id, reason)
	if err != nil {
		return false, fmt.Errorf("fail session: %w", err)
	}
	return s.changed(ctx, id, tag)
}

// changed distinguishes a guarded update that matched nothing because the
// status differed from one that hit a missing session.
func (s *PostgresStore) changed(ctx context.Context, id string, tag pgconn.CommandTag) (bool, error) {
	if tag.RowsAffected() > 0 {
		return true, nil
	}
	var exists bool
	if err := s.db.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM narration_sessions WHERE id = $1)`, id).Scan(&exists); err != nil {
		return false, fmt.Errorf("check session: %w", err)
	}
	if !exists {
		return false, ErrNotFound
	}
	return false, nil
}

func (s *PostgresStore) ListStale(ctx context.Context, cutoff time.Time) ([]string, error) {
	rows, err := s.db.Query(ctx,
		`SELECT id FROM narration_sessions
		 WHERE status = 'in_progress' AND created_at < $1 ORDER BY created_at`, cutoff)
	if err != nil {
		return nil, fmt.Errorf("list stale sessions: %w", err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("scan stale sessions: %w", err)
	}
	return ids, nil
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.Ping(ctx)
}

// Close is a no-op; the pool is owned by the caller.
func (s *PostgresStore) Close() error { return nil }

func lockSession(ctx context.Context, tx pgx.Tx, id string) error {
	var one int
	err := tx.QueryRow(ctx, `SELECT 1 FROM narration_sessions WHERE id = $1 FOR UPDATE`, id).Scan(&one)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("lock session: %w", err)
	}
	return nil
}
