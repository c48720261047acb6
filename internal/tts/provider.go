package tts

import (
	"context"
	"fmt"

	"github.com/puckettventures/converse/internal/config"
	"github.com/puckettventures/converse/internal/secrets"
)

// SynthesisRequest holds the parameters for text-to-speech generation.
type SynthesisRequest struct {
	Input string  `json:"input"`
	Voice string  `json:"voice,omitempty"`
	Speed float64 `json:"speed,omitempty"`
}

// SynthesisResult holds the generated audio and its content type.
type SynthesisResult struct {
	Audio       []byte
	ContentType string // "audio/mpeg" or "audio/wav"
}

// Provider is the interface for text-to-speech backends. Throttling is
// reported as *retry.RateLimitError.
type Provider interface {
	Synthesize(ctx context.Context, req SynthesisRequest) (*SynthesisResult, error)
	Name() string
	// Extension is the file extension, with dot, of the audio produced.
	Extension() string
}

// New builds the provider selected by cfg.Backend.
func New(ctx context.Context, cfg config.TTSConfig, creds secrets.Credentials) (Provider, error) {
	switch cfg.Backend {
	case "openai":
		if creds.OpenAIKey == "" {
			return nil, fmt.Errorf("openai tts requires OPENAI_API_KEY")
		}
		return NewOpenAITTS(OpenAITTSConfig{
			APIKey:       creds.OpenAIKey,
			BaseURL:      cfg.OpenAIBaseURL,
			Model:        cfg.OpenAIModel,
			DefaultVoice: cfg.DefaultVoice,
		}), nil
	case "google":
		return NewGoogleTTS(ctx, GoogleTTSConfig{
			CredentialsFile: creds.GoogleCredentialsFile,
			LanguageCode:    cfg.GoogleLanguageCode,
			DefaultVoice:    cfg.DefaultVoice,
		})
	case "local":
		return NewLocalTTS(LocalTTSConfig{
			PiperBinPath: cfg.LocalBinPath,
			ModelPath:    cfg.LocalModel,
		}), nil
	default:
		return nil, fmt.Errorf("unknown tts backend %q", cfg.Backend)
	}
}
