package tts

import (
	"context"
	"fmt"
	"strings"

	texttospeech "cloud.google.com/go/texttospeech/apiv1"
	"cloud.google.com/go/texttospeech/apiv1/texttospeechpb"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/puckettventures/converse/internal/retry"
)

// GoogleTTSConfig holds configuration for Google Cloud Text-to-Speech.
// An empty CredentialsFile falls back to application default credentials.
type GoogleTTSConfig struct {
	CredentialsFile string
	LanguageCode    string // default: "en-US"
	DefaultVoice    string
}

type GoogleTTS struct {
	client *texttospeech.Client
	cfg    GoogleTTSConfig
}

func NewGoogleTTS(ctx context.Context, cfg GoogleTTSConfig) (*GoogleTTS, error) {
	if cfg.LanguageCode == "" {
		cfg.LanguageCode = "en-US"
	}
	var opts []option.ClientOption
	if cfg.CredentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(cfg.CredentialsFile))
	}
	client, err := texttospeech.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create google tts client: %w", err)
	}
	return &GoogleTTS{client: client, cfg: cfg}, nil
}

func (g *GoogleTTS) Name() string { return "google-tts" }

func (g *GoogleTTS) Extension() string { return ".mp3" }

func (g *GoogleTTS) Close() error { return g.client.Close() }

// Synthesize requests MP3 audio. Voice names such as "en-GB-Neural2-B"
// carry their own language code, which takes precedence over the default.
func (g *GoogleTTS) Synthesize(ctx context.Context, req SynthesisRequest) (*SynthesisResult, error) {
	voice := req.Voice
	if voice == "" {
		voice = g.cfg.DefaultVoice
	}

	selection := &texttospeechpb.VoiceSelectionParams{LanguageCode: g.cfg.LanguageCode}
	if voice != "" && strings.Count(voice, "-") >= 2 {
		selection.Name = voice
		parts := strings.SplitN(voice, "-", 3)
		selection.LanguageCode = parts[0] + "-" + parts[1]
	}

	audioCfg := &texttospeechpb.AudioConfig{AudioEncoding: texttospeechpb.AudioEncoding_MP3}
	// Chirp voices reject speaking rate.
	if req.Speed > 0 && !strings.Contains(strings.ToLower(voice), "chirp") {
		audioCfg.SpeakingRate = req.Speed
	}

	resp, err := g.client.SynthesizeSpeech(ctx, &texttospeechpb.SynthesizeSpeechRequest{
		Input:       &texttospeechpb.SynthesisInput{InputSource: &texttospeechpb.SynthesisInput_Text{Text: req.Input}},
		Voice:       selection,
		AudioConfig: audioCfg,
	})
	if err != nil {
		if status.Code(err) == codes.ResourceExhausted {
			return nil, &retry.RateLimitError{StatusCode: 429, Err: fmt.Errorf("google tts: %w", err)}
		}
		return nil, fmt.Errorf("google tts: %w", err)
	}

	return &SynthesisResult{
		Audio:       resp.GetAudioContent(),
		ContentType: "audio/mpeg",
	}, nil
}
