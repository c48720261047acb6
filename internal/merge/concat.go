package merge

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/bogem/id3v2/v2"
)

// ConcatMuxer joins MP3 clips by concatenating their frames after removing
// each clip's ID3 tags, then writes a fresh ID3v2 tag carrying the
// transcript as unsynchronised lyrics.
type ConcatMuxer struct{}

func (ConcatMuxer) Mux(ctx context.Context, inputs []string, transcript, output string) error {
	out, err := os.Create(output)
	if err != nil {
		return fmt.Errorf("create output: %w", err)
	}
	for i, in := range inputs {
		if err := ctx.Err(); err != nil {
			out.Close()
			return err
		}
		if !strings.EqualFold(filepath.Ext(in), ".mp3") {
			out.Close()
			return fmt.Errorf("concat merge only joins mp3 clips, got %s", filepath.Base(in))
		}
		data, err := os.ReadFile(in)
		if err != nil {
			out.Close()
			return fmt.Errorf("read clip: %w", err)
		}
		frames, err := stripTags(data)
		if err != nil {
			out.Close()
			return fmt.Errorf("clip %d (%s): %w", i, filepath.Base(in), err)
		}
		if _, err := out.Write(frames); err != nil {
			out.Close()
			return fmt.Errorf("write output: %w", err)
		}
	}
	if err := out.Close(); err != nil {
		return fmt.Errorf("close output: %w", err)
	}
	return writeTranscriptTag(output, transcript)
}

func writeTranscriptTag(file, transcript string) error {
	tag, err := id3v2.Open(file, id3v2.Options{Parse: false})
	if err != nil {
		return fmt.Errorf("open tag: %w", err)
	}
	defer tag.Close()

	tag.SetDefaultEncoding(id3v2.EncodingUTF8)
	tag.SetTitle("Narration")
	tag.AddUnsynchronisedLyricsFrame(id3v2.UnsynchronisedLyricsFrame{
		Encoding:          id3v2.EncodingUTF8,
		Language:          "eng",
		ContentDescriptor: "Transcript",
		Lyrics:            transcript,
	})
	if err := tag.Save(); err != nil {
		return fmt.Errorf("save tag: %w", err)
	}
	return nil
}

// ErrTruncatedTag reports an ID3v2 header whose size runs past the file.
var ErrTruncatedTag = errors.New("id3v2 tag is larger than the clip")

// stripTags drops a leading ID3v2 tag and a trailing ID3v1 tag.
func stripTags(data []byte) ([]byte, error) {
	if len(data) >= 10 && string(data[:3]) == "ID3" {
		size := int(data[6]&0x7f)<<21 | int(data[7]&0x7f)<<14 | int(data[8]&0x7f)<<7 | int(data[9]&0x7f)
		end := 10 + size
		if data[5]&0x10 != 0 {
			end += 10
		}
		if end > len(data) {
			return nil, fmt.Errorf("%w: header claims %d bytes, have %d", ErrTruncatedTag, end, len(data))
		}
		data = data[end:]
	}
	if len(data) >= 128 && string(data[len(data)-128:len(data)-125]) == "TAG" {
		data = data[:len(data)-128]
	}
	return data, nil
}
