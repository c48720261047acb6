package main

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	"github.com/puckettventures/converse/internal/config"
)

func TestMain(m *testing.M) {
	slog.SetDefault(slog.New(slog.NewTextHandler(io.Discard, nil)))
	os.Exit(m.Run())
}

func TestRunClosesConnectionsOnStartupError(t *testing.T) {
	mr := miniredis.RunT(t)
	t.Setenv("OPENAI_API_KEY", "")

	cfg := config.Default()
	cfg.Redis.Addr = mr.Addr()
	cfg.Storage.Backend = "local"
	cfg.Storage.LocalRoot = t.TempDir()
	cfg.TTS.Backend = "openai"

	// Bootstrap succeeds, then the TTS provider cannot be built.
	err := run(context.Background(), cfg, make(chan os.Signal))
	if err == nil || !strings.Contains(err.Error(), "build pipeline") {
		t.Fatalf("expected pipeline error, got %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for mr.CurrentConnectionCount() > 0 {
		if time.Now().After(deadline) {
			t.Fatalf("redis connections left open: %d", mr.CurrentConnectionCount())
		}
		time.Sleep(10 * time.Millisecond)
	}
}
