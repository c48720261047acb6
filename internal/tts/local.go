package tts

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// LocalTTSConfig holds configuration for the local Piper TTS backend.
type LocalTTSConfig struct {
	PiperBinPath string // default: "piper"
	ModelPath    string // required: path to the .onnx voice model
}

// LocalTTS synthesizes speech using the Piper binary via subprocess.
// A voice that names an existing .onnx file overrides the configured model;
// other voice names are ignored.
type LocalTTS struct {
	cfg LocalTTSConfig
}

func NewLocalTTS(cfg LocalTTSConfig) *LocalTTS {
	if cfg.PiperBinPath == "" {
		cfg.PiperBinPath = "piper"
	}
	return &LocalTTS{cfg: cfg}
}

func (l *LocalTTS) Name() string { return "local-piper" }

func (l *LocalTTS) Extension() string { return ".wav" }

// Synthesize pipes text into Piper via stdin and reads the WAV file it writes.
func (l *LocalTTS) Synthesize(ctx context.Context, req SynthesisRequest) (*SynthesisResult, error) {
	model := l.cfg.ModelPath
	if strings.HasSuffix(req.Voice, ".onnx") {
		if _, err := os.Stat(req.Voice); err == nil {
			model = req.Voice
		}
	}
	if model == "" {
		return nil, fmt.Errorf("piper model path is required (set TTS_LOCAL_PIPER_MODEL)")
	}

	dir, err := os.MkdirTemp("", "piper-")
	if err != nil {
		return nil, fmt.Errorf("create temp dir: %w", err)
	}
	defer os.RemoveAll(dir)
	out := filepath.Join(dir, "out.wav")

	cmd := exec.CommandContext(ctx, l.cfg.PiperBinPath, "--model", model, "--output_file", out)
	cmd.Stdin = strings.NewReader(req.Input)

	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("piper failed: %w (stderr: %s)", err, stderr.String())
	}

	audio, err := os.ReadFile(out)
	if err != nil {
		return nil, fmt.Errorf("read piper output: %w", err)
	}

	return &SynthesisResult{
		Audio:       audio,
		ContentType: "audio/wav",
	}, nil
}
