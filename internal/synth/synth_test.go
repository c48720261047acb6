package synth

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/puckettventures/converse/internal/config"
	"github.com/puckettventures/converse/internal/models"
	"github.com/puckettventures/converse/internal/retry"
	"github.com/puckettventures/converse/internal/session"
	"github.com/puckettventures/converse/internal/storage"
	"github.com/puckettventures/converse/internal/tts"
)

func TestMain(m *testing.M) {
	slog.SetDefault(slog.New(slog.NewTextHandler(io.Discard, nil)))
	os.Exit(m.Run())
}

type fakeTTS struct {
	errs  []error
	calls int
}

func (f *fakeTTS) Name() string      { return "fake" }
func (f *fakeTTS) Extension() string { return ".mp3" }

func (f *fakeTTS) Synthesize(_ context.Context, req tts.SynthesisRequest) (*tts.SynthesisResult, error) {
	f.calls++
	if len(f.errs) > 0 {
		err := f.errs[0]
		f.errs = f.errs[1:]
		if err != nil {
			return nil, err
		}
	}
	return &tts.SynthesisResult{Audio: []byte("ID3" + req.Voice + ":" + req.Input), ContentType: "audio/mpeg"}, nil
}

type countingFinalizer struct {
	calls []session.Retirement
}

func (f *countingFinalizer) Finalize(_ context.Context, _ string, r session.Retirement) error {
	f.calls = append(f.calls, r)
	return nil
}

type fixture struct {
	store   session.Store
	objects *storage.LocalStorage
	tts     *fakeTTS
	final   *countingFinalizer
	synth   *Synthesizer
}

func newFixture(t *testing.T, paragraphs int) *fixture {
	t.Helper()
	ctx := context.Background()
	store, err := session.OpenSQLite(ctx, filepath.Join(t.TempDir(), "sessions.db"))
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	objects, err := storage.NewLocalStorage(t.TempDir())
	if err != nil {
		t.Fatalf("local storage: %v", err)
	}

	paras := make([]string, paragraphs)
	for i := range paras {
		paras[i] = "paragraph"
	}
	if err := store.Create(ctx, &models.Session{ID: "s1", Text: "text", Paragraphs: paras}); err != nil {
		t.Fatalf("create: %v", err)
	}

	f := &fixture{store: store, objects: objects, tts: &fakeTTS{}, final: &countingFinalizer{}}
	exec := retry.NewExecutor(config.RetryConfig{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond})
	f.synth = New(store, f.tts, objects, "narrations", exec, f.final)
	return f
}

func (f *fixture) plan(t *testing.T, u ...models.Utterance) {
	t.Helper()
	if _, err := f.store.PlanParagraph(context.Background(), "s1", u[0].Ordinal.Paragraph, u); err != nil {
		t.Fatalf("plan: %v", err)
	}
}

func TestProcessStoresClipAndRetires(t *testing.T) {
	f := newFixture(t, 1)
	ctx := context.Background()
	u := models.Utterance{SessionID: "s1", Ordinal: models.SentenceOrdinal(0, 1), Speaker: "Dr. Watson", Voice: "echo", Text: "Indeed."}
	f.plan(t, u)

	if err := f.synth.Process(ctx, u); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	sess, err := f.store.Get(ctx, "s1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if len(sess.AudioFiles) != 1 {
		t.Fatalf("audio files = %+v", sess.AudioFiles)
	}
	clip := sess.AudioFiles[0]
	if clip.Kind != models.ClipAudio || clip.Ref != "audio/s1/0-1-Dr_Watson.mp3" || clip.Voice != "echo" {
		t.Fatalf("unexpected clip: %+v", clip)
	}

	rc, err := f.objects.Download(ctx, "narrations", clip.Ref)
	if err != nil {
		t.Fatalf("download: %v", err)
	}
	data, _ := io.ReadAll(rc)
	rc.Close()
	if string(data) != "ID3echo:Indeed." {
		t.Fatalf("stored audio = %q", data)
	}
	// Paragraph unit still outstanding.
	if len(f.final.calls) != 1 || f.final.calls[0].Remaining != 1 || !f.final.calls[0].Applied {
		t.Fatalf("finalize calls = %+v", f.final.calls)
	}
}

func TestProcessDuplicateDeliverySkipsSynthesis(t *testing.T) {
	f := newFixture(t, 1)
	ctx := context.Background()
	u := models.Utterance{SessionID: "s1", Ordinal: models.ParagraphOrdinal(0), Speaker: "Narrator", Voice: "alloy", Text: "Once."}
	f.plan(t, u)

	for range 2 {
		if err := f.synth.Process(ctx, u); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if f.tts.calls != 1 {
		t.Fatalf("tts calls = %d, want 1", f.tts.calls)
	}
	sess, _ := f.store.Get(ctx, "s1")
	if sess.PendingUnits != 1 || len(sess.AudioFiles) != 1 {
		t.Fatalf("duplicate delivery changed the session: %+v", sess)
	}
	// The duplicate still reports the count so a lost Finalize can recover.
	if len(f.final.calls) != 2 || f.final.calls[1].Applied {
		t.Fatalf("finalize calls = %+v", f.final.calls)
	}
}

func TestProcessRetriesRateLimits(t *testing.T) {
	f := newFixture(t, 1)
	f.tts.errs = []error{&retry.RateLimitError{StatusCode: 429, Err: errors.New("slow down")}}
	u := models.Utterance{SessionID: "s1", Ordinal: models.ParagraphOrdinal(0), Speaker: "Narrator", Voice: "alloy", Text: "Once."}
	f.plan(t, u)

	if err := f.synth.Process(context.Background(), u); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	sess, _ := f.store.Get(context.Background(), "s1")
	if f.tts.calls != 2 || sess.AudioFiles[0].Kind != models.ClipAudio {
		t.Fatalf("calls=%d clips=%+v", f.tts.calls, sess.AudioFiles)
	}
}

func TestProcessFailureRetiresWithMarker(t *testing.T) {
	f := newFixture(t, 1)
	rl := &retry.RateLimitError{StatusCode: 429, Err: errors.New("slow down")}
	f.tts.errs = []error{rl, rl, rl}
	u := models.Utterance{SessionID: "s1", Ordinal: models.ParagraphOrdinal(0), Speaker: "Narrator", Voice: "alloy", Text: "Once."}
	f.plan(t, u)

	if err := f.synth.Process(context.Background(), u); err != nil {
		t.Fatalf("synthesis failure should be absorbed, got %v", err)
	}
	sess, _ := f.store.Get(context.Background(), "s1")
	if sess.FailedUnits != 1 || sess.PendingUnits != 1 {
		t.Fatalf("unexpected counters: %+v", sess)
	}
	if sess.AudioFiles[0].Kind != models.ClipFailed || sess.AudioFiles[0].Error == "" {
		t.Fatalf("expected failure marker, got %+v", sess.AudioFiles[0])
	}
}

func TestProcessDropsUtteranceForFinishedSession(t *testing.T) {
	f := newFixture(t, 1)
	ctx := context.Background()
	u := models.Utterance{SessionID: "s1", Ordinal: models.ParagraphOrdinal(0), Speaker: "Narrator", Voice: "alloy", Text: "Once."}
	f.plan(t, u)
	if _, err := f.store.Fail(ctx, "s1", "stalled"); err != nil {
		t.Fatalf("fail: %v", err)
	}

	if err := f.synth.Process(ctx, u); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if f.tts.calls != 0 || len(f.final.calls) != 0 {
		t.Fatalf("finished session should not be synthesized")
	}
}

func TestClipKey(t *testing.T) {
	u := models.Utterance{SessionID: "abc", Ordinal: models.ParagraphOrdinal(12), Speaker: "Mrs. O'Hara / Sr"}
	if got := ClipKey(u, ".wav"); got != "audio/abc/12-Mrs_O_Hara_Sr.wav" {
		t.Fatalf("key = %q", got)
	}
}
