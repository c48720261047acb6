// Package secrets loads provider credentials once at process start.
package secrets

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/puckettventures/converse/internal/config"
)

type Credentials struct {
	OpenAIKey             string `json:"openai_api_key"`
	AnthropicKey          string `json:"anthropic_api_key"`
	SupabaseServiceKey    string `json:"supabase_service_key"`
	GoogleCredentialsFile string `json:"google_credentials_file"`
	JWTSecret             string `json:"jwt_secret"`
	WebhookSecret         string `json:"webhook_secret"`
}

type Provider interface {
	Fetch(ctx context.Context) (Credentials, error)
}

func NewProvider(cfg config.SecretsConfig) (Provider, error) {
	switch cfg.Backend {
	case "", "env":
		return EnvProvider{}, nil
	case "file":
		if cfg.Path == "" {
			return nil, fmt.Errorf("SECRETS_FILE is required when SECRETS_BACKEND=file")
		}
		return FileProvider{Path: cfg.Path}, nil
	default:
		return nil, fmt.Errorf("unknown secrets backend %q", cfg.Backend)
	}
}

type EnvProvider struct{}

func (EnvProvider) Fetch(_ context.Context) (Credentials, error) {
	return Credentials{
		OpenAIKey:             os.Getenv("OPENAI_API_KEY"),
		AnthropicKey:          os.Getenv("ANTHROPIC_API_KEY"),
		SupabaseServiceKey:    os.Getenv("SUPABASE_SERVICE_KEY"),
		GoogleCredentialsFile: os.Getenv("GOOGLE_APPLICATION_CREDENTIALS"),
		JWTSecret:             os.Getenv("JWT_SECRET"),
		WebhookSecret:         os.Getenv("WEBHOOK_SECRET"),
	}, nil
}

// FileProvider reads a JSON secret document, the same shape a managed
// secret store returns as its secret string.
type FileProvider struct {
	Path string
}

func (p FileProvider) Fetch(ctx context.Context) (Credentials, error) {
	if err := ctx.Err(); err != nil {
		return Credentials{}, err
	}
	data, err := os.ReadFile(p.Path)
	if err != nil {
		return Credentials{}, fmt.Errorf("read secrets file: %w", err)
	}
	var creds Credentials
	if err := json.Unmarshal(data, &creds); err != nil {
		return Credentials{}, fmt.Errorf("parse secrets file: %w", err)
	}
	return creds, nil
}
