// Package merge joins a session's clips, in ordinal order, into a single
// narrated file with the transcript embedded.
package merge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/puckettventures/converse/internal/config"
	"github.com/puckettventures/converse/internal/models"
	"github.com/puckettventures/converse/internal/session"
	"github.com/puckettventures/converse/internal/storage"
)

// ErrNoAudio fails sessions whose units were all skipped or failed.
var ErrNoAudio = errors.New("no audio clips to merge")

// Muxer writes inputs, in order, to output with the transcript attached.
type Muxer interface {
	Mux(ctx context.Context, inputs []string, transcript, output string) error
}

func NewMuxer(cfg config.MergeConfig) (Muxer, error) {
	switch cfg.Backend {
	case "concat":
		return ConcatMuxer{}, nil
	case "ffmpeg":
		return NewFFmpegMuxer(cfg.FFmpegPath)
	default:
		return nil, fmt.Errorf("unknown merge backend %q", cfg.Backend)
	}
}

type Merger struct {
	store      session.Store
	storage    storage.Storage
	bucket     string
	muxer      Muxer
	scratchDir string
}

func New(store session.Store, objects storage.Storage, bucket string, muxer Muxer, scratchDir string) *Merger {
	return &Merger{
		store:      store,
		storage:    objects,
		bucket:     bucket,
		muxer:      muxer,
		scratchDir: scratchDir,
	}
}

// MergedKey is the object key of a session's merged narration.
func MergedKey(sessionID string) string {
	return fmt.Sprintf("audio/%s/merged/%s-merged.mp3", sessionID, sessionID)
}

// Transcript renders one "Paragraph N: text" line per paragraph, numbered
// from 1.
func Transcript(paragraphs []string) string {
	lines := make([]string, len(paragraphs))
	for i, p := range paragraphs {
		lines[i] = fmt.Sprintf("Paragraph %d: %s", i+1, p)
	}
	return strings.Join(lines, "\n")
}

// Merge produces the merged file for a session in the merging status and
// completes it. Merge failures fail the session; only session store errors
// and cancellation are returned.
func (m *Merger) Merge(ctx context.Context, id string) error {
	sess, err := m.store.Get(ctx, id)
	if err != nil {
		return fmt.Errorf("load session: %w", err)
	}
	if sess.Status != models.SessionMerging {
		slog.Info("session not merging, skipping merge", "session_id", id, "status", sess.Status)
		return nil
	}

	ref, err := m.merge(ctx, sess)
	if err != nil {
		if ctx.Err() != nil {
			return err
		}
		slog.Error("merge failed", "session_id", id, "error", err)
		if _, ferr := m.store.Fail(ctx, id, err.Error()); ferr != nil {
			return fmt.Errorf("mark session failed: %w", ferr)
		}
		return nil
	}

	ok, err := m.store.Complete(ctx, id, ref)
	if err != nil {
		return fmt.Errorf("complete session: %w", err)
	}
	if ok {
		slog.Info("narration completed",
			"session_id", id,
			"merged_file", ref,
			"failed_units", sess.FailedUnits,
		)
	}
	return nil
}

func (m *Merger) merge(ctx context.Context, sess *models.Session) (string, error) {
	clips := audioClips(sess.AudioFiles)
	if len(clips) == 0 {
		return "", ErrNoAudio
	}

	dir, err := os.MkdirTemp(m.scratchDir, "merge-")
	if err != nil {
		return "", fmt.Errorf("create scratch dir: %w", err)
	}
	defer os.RemoveAll(dir)

	inputs := make([]string, 0, len(clips))
	for i, c := range clips {
		local := filepath.Join(dir, fmt.Sprintf("%05d%s", i, path.Ext(c.Ref)))
		if err := m.download(ctx, c.Ref, local); err != nil {
			return "", fmt.Errorf("download clip %s: %w", c.Ordinal, err)
		}
		inputs = append(inputs, local)
	}

	output := filepath.Join(dir, "merged.mp3")
	if err := m.muxer.Mux(ctx, inputs, Transcript(sess.Paragraphs), output); err != nil {
		return "", fmt.Errorf("mux clips: %w", err)
	}

	f, err := os.Open(output)
	if err != nil {
		return "", fmt.Errorf("open merged file: %w", err)
	}
	defer f.Close()

	ref := MergedKey(sess.ID)
	if err := m.storage.Upload(ctx, m.bucket, ref, f, "audio/mpeg"); err != nil {
		return "", fmt.Errorf("upload merged file: %w", err)
	}
	return ref, nil
}

func (m *Merger) download(ctx context.Context, ref, dst string) error {
	rc, err := m.storage.Download(ctx, m.bucket, ref)
	if err != nil {
		return err
	}
	defer rc.Close()

	f, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := f.ReadFrom(rc); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// audioClips keeps the first audio clip per ordinal, sorted by ordinal.
func audioClips(files []models.Clip) []models.Clip {
	seen := make(map[models.Ordinal]bool)
	var out []models.Clip
	for _, c := range files {
		if c.Kind != models.ClipAudio || c.Ref == "" || seen[c.Ordinal] {
			continue
		}
		seen[c.Ordinal] = true
		out = append(out, c)
	}
	models.SortClips(out)
	return out
}
