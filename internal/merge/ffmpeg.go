package merge

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/mattn/go-shellwords"
)

// FFmpegMuxer re-encodes clips of any format through ffmpeg's concat
// demuxer.
type FFmpegMuxer struct {
	cmd []string
}

// NewFFmpegMuxer parses command as a shell word list, so wrappers such as
// "nice -n 10 ffmpeg" are accepted.
func NewFFmpegMuxer(command string) (*FFmpegMuxer, error) {
	if command == "" {
		command = "ffmpeg"
	}
	args, err := shellwords.Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse ffmpeg command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("ffmpeg command empty")
	}
	return &FFmpegMuxer{cmd: args}, nil
}

func (f *FFmpegMuxer) Mux(ctx context.Context, inputs []string, transcript, output string) error {
	list := filepath.Join(filepath.Dir(output), "inputs.txt")
	if err := os.WriteFile(list, []byte(concatList(inputs)), 0o600); err != nil {
		return fmt.Errorf("write concat list: %w", err)
	}

	args := append(append([]string{}, f.cmd[1:]...),
		"-hide_banner", "-loglevel", "error", "-y",
		"-f", "concat", "-safe", "0", "-i", list,
		"-c:a", "libmp3lame", "-q:a", "2",
		"-id3v2_version", "3",
		"-metadata", "title=Narration",
		"-metadata", "lyrics="+transcript,
		output,
	)
	cmd := exec.CommandContext(ctx, f.cmd[0], args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("ffmpeg: %w: %s", err, strings.TrimSpace(stderr.String()))
	}
	return nil
}

// concatList renders the concat demuxer input list.
func concatList(inputs []string) string {
	var b strings.Builder
	for _, in := range inputs {
		fmt.Fprintf(&b, "file '%s'\n", strings.ReplaceAll(in, "'", `'\''`))
	}
	return b.String()
}
