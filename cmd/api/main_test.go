package main

import (
	"context"
	"io"
	"log/slog"
	"net"
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

func TestRunReturnsListenError(t *testing.T) {
	mr := miniredis.RunT(t)

	busy, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer busy.Close()

	cfg := config.Default()
	cfg.Redis.Addr = mr.Addr()
	cfg.Storage.Backend = "local"
	cfg.Storage.LocalRoot = t.TempDir()
	cfg.Server.Host = "127.0.0.1"
	cfg.Server.Port = busy.Addr().(*net.TCPAddr).Port

	err = run(context.Background(), cfg, make(chan os.Signal))
	if err == nil || !strings.Contains(err.Error(), "listen") {
		t.Fatalf("expected listen error, got %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for mr.CurrentConnectionCount() > 0 {
		if time.Now().After(deadline) {
			t.Fatalf("redis connections left open: %d", mr.CurrentConnectionCount())
		}
		time.Sleep(10 * time.Millisecond)
	}
}
