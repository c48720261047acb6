package secrets

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/puckettventures/converse/internal/config"
)

func TestFileProvider(t *testing.T) {
	path := filepath.Join(t.TempDir(), "secret.json")
	doc := `{"openai_api_key":"sk-test","jwt_secret":"shh"}`
	if err := os.WriteFile(path, []byte(doc), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}

	p, err := NewProvider(config.SecretsConfig{Backend: "file", Path: path})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	creds, err := p.Fetch(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if creds.OpenAIKey != "sk-test" || creds.JWTSecret != "shh" {
		t.Fatalf("unexpected credentials: %+v", creds)
	}
}

func TestFileProviderMalformed(t *testing.T) {
	path := filepath.Join(t.TempDir(), "secret.json")
	if err := os.WriteFile(path, []byte("not json"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := (FileProvider{Path: path}).Fetch(context.Background()); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestEnvProvider(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "sk-env")
	t.Setenv("WEBHOOK_SECRET", "whsec")
	creds, err := EnvProvider{}.Fetch(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if creds.OpenAIKey != "sk-env" || creds.WebhookSecret != "whsec" {
		t.Fatalf("unexpected credentials: %+v", creds)
	}
}

func TestNewProviderRequiresPath(t *testing.T) {
	if _, err := NewProvider(config.SecretsConfig{Backend: "file"}); err == nil {
		t.Fatal("expected error without path")
	}
}
