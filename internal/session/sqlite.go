package session

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/puckettventures/converse/internal/models"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS narration_sessions (
    id TEXT PRIMARY KEY,
    status TEXT NOT NULL,
    text TEXT NOT NULL,
    paragraphs TEXT NOT NULL,
    speakers TEXT NOT NULL,
    pending_units INTEGER NOT NULL DEFAULT 0 CHECK (pending_units >= 0),
    failed_units INTEGER NOT NULL DEFAULT 0,
    merged_file TEXT NOT NULL DEFAULT '',
    callback_url TEXT NOT NULL DEFAULT '',
    error TEXT NOT NULL DEFAULT '',
    created_at INTEGER NOT NULL,
    updated_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_narration_sessions_status_created ON narration_sessions(status, created_at);
CREATE TABLE IF NOT EXISTS narration_units (
    seq INTEGER PRIMARY KEY AUTOINCREMENT,
    session_id TEXT NOT NULL,
    unit_key TEXT NOT NULL,
    clip TEXT,
    UNIQUE(session_id, unit_key),
    FOREIGN KEY(session_id) REFERENCES narration_sessions(id) ON DELETE CASCADE
);
CREATE TABLE IF NOT EXISTS narration_plans (
    session_id TEXT NOT NULL,
    paragraph_index INTEGER NOT NULL,
    plan TEXT NOT NULL,
    PRIMARY KEY(session_id, paragraph_index),
    FOREIGN KEY(session_id) REFERENCES narration_sessions(id) ON DELETE CASCADE
);
`

// SQLiteStore is the single-node store for local runs. Writes are serialised
// through one connection, which makes every transaction atomic with respect
// to other workers in the process.
type SQLiteStore struct {
	db    *sql.DB
	clock func() time.Time
}

func OpenSQLite(ctx context.Context, path string) (*SQLiteStore, error) {
	dsn := "file::memory:"
	if path != ":memory:" {
		if dir := filepath.Dir(path); dir != "." && dir != "" {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("create data dir: %w", err)
			}
		}
		dsn = "file:" + path
	}
	dsn += "?_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)&_pragma=busy_timeout(5000)"

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}
	return &SQLiteStore{db: db, clock: time.Now}, nil
}

func (s *SQLiteStore) now() int64 { return s.clock().UTC().UnixNano() }

func (s *SQLiteStore) Create(ctx context.Context, sess *models.Session) error {
	paragraphs, err := json.Marshal(sess.Paragraphs)
	if err != nil {
		return fmt.Errorf("marshal paragraphs: %w", err)
	}
	speakers, err := json.Marshal(sess.Speakers)
	if err != nil {
		return fmt.Errorf("marshal speakers: %w", err)
	}
	if sess.CreatedAt.IsZero() {
		sess.CreatedAt = s.clock().UTC()
	}
	sess.UpdatedAt = sess.CreatedAt
	sess.Status = models.SessionInProgress
	sess.PendingUnits = initialPending(sess)

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO narration_sessions
		   (id, status, text, paragraphs, speakers, pending_units, callback_url, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sess.ID, string(sess.Status), sess.Text, string(paragraphs), string(speakers),
		sess.PendingUnits, sess.CallbackURL, sess.CreatedAt.UnixNano(), sess.CreatedAt.UnixNano(),
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return ErrAlreadyExists
		}
		return fmt.Errorf("insert session: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Get(ctx context.Context, id string) (*models.Session, error) {
	var (
		sess                 models.Session
		status               string
		paragraphs, speakers string
		created, updated     int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, status, text, paragraphs, speakers, pending_units, failed_units,
		        merged_file, callback_url, error, created_at, updated_at
		 FROM narration_sessions WHERE id = ?`, id,
	).Scan(&sess.ID, &status, &sess.Text, &paragraphs, &speakers, &sess.PendingUnits, &sess.FailedUnits,
		&sess.MergedFile, &sess.CallbackURL, &sess.Error, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	sess.Status = models.SessionStatus(status)
	sess.CreatedAt = time.Unix(0, created).UTC()
	sess.UpdatedAt = time.Unix(0, updated).UTC()
	if err := json.Unmarshal([]byte(paragraphs), &sess.Paragraphs); err != nil {
		return nil, fmt.Errorf("decode paragraphs: %w", err)
	}
	if err := json.Unmarshal([]byte(speakers), &sess.Speakers); err != nil {
		return nil, fmt.Errorf("decode speakers: %w", err)
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT clip FROM narration_units WHERE session_id = ? AND clip IS NOT NULL ORDER BY seq`, id)
	if err != nil {
		return nil, fmt.Errorf("list clips: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("scan clip: %w", err)
		}
		var c models.Clip
		if err := json.Unmarshal([]byte(raw), &c); err != nil {
			return nil, fmt.Errorf("decode clip: %w", err)
		}
		sess.AudioFiles = append(sess.AudioFiles, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list clips: %w", err)
	}
	return &sess, nil
}

func (s *SQLiteStore) PlanParagraph(ctx context.Context, id string, index int, plan []models.Utterance) ([]models.Utterance, error) {
	data, err := json.Marshal(plan)
	if err != nil {
		return nil, fmt.Errorf("marshal plan: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := s.pending(ctx, tx, id); err != nil {
		return nil, err
	}

	res, err := tx.ExecContext(ctx,
		`INSERT INTO narration_plans (session_id, paragraph_index, plan) VALUES (?, ?, ?)
		 ON CONFLICT(session_id, paragraph_index) DO NOTHING`, id, index, string(data))
	if err != nil {
		return nil, fmt.Errorf("insert plan: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 1 {
		if _, err := tx.ExecContext(ctx,
			`UPDATE narration_sessions SET pending_units = pending_units + ?, updated_at = ? WHERE id = ?`,
			len(plan), s.now(), id); err != nil {
			return nil, fmt.Errorf("increment pending: %w", err)
		}
		if err := tx.Commit(); err != nil {
			return nil, fmt.Errorf("commit plan: %w", err)
		}
		return plan, nil
	}

	var raw string
	if err := tx.QueryRowContext(ctx,
		`SELECT plan FROM narration_plans WHERE session_id = ? AND paragraph_index = ?`, id, index,
	).Scan(&raw); err != nil {
		return nil, fmt.Errorf("load plan: %w", err)
	}
	var stored []models.Utterance
	if err := json.Unmarshal([]byte(raw), &stored); err != nil {
		return nil, fmt.Errorf("decode plan: %w", err)
	}
	return stored, tx.Commit()
}

func (s *SQLiteStore) Plan(ctx context.Context, id string, index int) ([]models.Utterance, bool, error) {
	var raw string
	err := s.db.QueryRowContext(ctx,
		`SELECT plan FROM narration_plans WHERE session_id = ? AND paragraph_index = ?`,
		id, index).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("load plan %d: %w", index, err)
	}
	var stored []models.Utterance
	if err := json.Unmarshal([]byte(raw), &stored); err != nil {
		return nil, false, fmt.Errorf("decode plan: %w", err)
	}
	return stored, true, nil
}

func (s *SQLiteStore) Retire(ctx context.Context, id string, unit models.Unit) (Retirement, error) {
	var clip any
	if unit.Clip != nil {
		data, err := json.Marshal(unit.Clip)
		if err != nil {
			return Retirement{}, fmt.Errorf("marshal clip: %w", err)
		}
		clip = string(data)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Retirement{}, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	pending, err := s.pending(ctx, tx, id)
	if err != nil {
		return Retirement{}, err
	}

	res, err := tx.ExecContext(ctx,
		`INSERT INTO narration_units (session_id, unit_key, clip) VALUES (?, ?, ?)
		 ON CONFLICT(session_id, unit_key) DO NOTHING`, id, unit.Key, clip)
	if err != nil {
		return Retirement{}, fmt.Errorf("claim unit: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return Retirement{Applied: false, Remaining: pending}, tx.Commit()
	}
	if pending <= 0 {
		return Retirement{}, ErrCounterUnderflow
	}

	failed := 0
	if unit.Failed() {
		failed = 1
	}
	var remaining int64
	if err := tx.QueryRowContext(ctx,
		`UPDATE narration_sessions
		 SET pending_units = pending_units - 1, failed_units = failed_units + ?, updated_at = ?
		 WHERE id = ? RETURNING pending_units`, failed, s.now(), id,
	).Scan(&remaining); err != nil {
		return Retirement{}, fmt.Errorf("decrement pending: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return Retirement{}, fmt.Errorf("commit retire: %w", err)
	}
	return Retirement{Applied: true, Remaining: remaining}, nil
}

func (s *SQLiteStore) IsRetired(ctx context.Context, id, unitKey string) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM narration_units WHERE session_id = ? AND unit_key = ?)`,
		id, unitKey).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check unit %s: %w", unitKey, err)
	}
	return exists, nil
}

func (s *SQLiteStore) Transition(ctx context.Context, id string, from, to models.SessionStatus) (bool, error) {
	if !from.CanTransition(to) {
		return false, fmt.Errorf("illegal transition %s -> %s", from, to)
	}
	return s.update(ctx, id,
		`UPDATE narration_sessions SET status = ?, updated_at = ? WHERE id = ? AND status = ?`,
		string(to), s.now(), id, string(from))
}

func (s *SQLiteStore) Complete(ctx context.Context, id, mergedRef string) (bool, error) {
	return s.update(ctx, id,
		`UPDATE narration_sessions SET status = 'completed', merged_file = ?, updated_at = ?
		 WHERE id = ? AND status = 'merging'`,
		mergedRef, s.now(), id)
}

func (s *SQLiteStore) Fail(ctx context.Context, id, reason string) (bool, error) {
	return s.update(ctx, id,
		`UPDATE narration_sessions SET status = 'failed', error = ?, updated_at = ?
		 WHERE id = ? AND status IN ('in_progress', 'merging')`,
		reason, s.now(), id)
}

func (s *SQLiteStore) update(ctx context.Context, id, query string, args ...any) (bool, error) {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return false, fmt.Errorf("update session: %w", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return true, nil
	}
	var exists bool
	if err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM narration_sessions WHERE id = ?)`, id).Scan(&exists); err != nil {
		return false, fmt.Errorf("check session: %w", err)
	}
	if !exists {
		return false, ErrNotFound
	}
	return false, nil
}

func (s *SQLiteStore) ListStale(ctx context.Context, cutoff time.Time) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id FROM narration_sessions WHERE status = 'in_progress' AND created_at < ? ORDER BY created_at`,
		cutoff.UTC().UnixNano())
	if err != nil {
		return nil, fmt.Errorf("list stale sessions: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan stale session: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) pending(ctx context.Context, tx *sql.Tx, id string) (int64, error) {
	var pending int64
	err := tx.QueryRowContext(ctx, `SELECT pending_units FROM narration_sessions WHERE id = ?`, id).Scan(&pending)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("load session: %w", err)
	}
	return pending, nil
}
