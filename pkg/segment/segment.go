// Package segment splits narration text into paragraphs and sentences.
package segment

import (
	"regexp"
	"strings"
	"sync"

	"github.com/neurosnap/sentences"
	"github.com/neurosnap/sentences/english"
)

var paragraphBreak = regexp.MustCompile(`\n\s*\n`)

// Paragraphs splits text on blank lines. Empty paragraphs are dropped
// before indexing so indices are contiguous.
func Paragraphs(text string) []string {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	var out []string
	for _, p := range paragraphBreak.Split(text, -1) {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

var loadTokenizer = sync.OnceValues(func() (*sentences.DefaultSentenceTokenizer, error) {
	return english.NewSentenceTokenizer(nil)
})

// Sentences splits a paragraph with the English Punkt model. A paragraph
// the model cannot split comes back as a single sentence.
func Sentences(paragraph string) []string {
	paragraph = strings.TrimSpace(paragraph)
	if paragraph == "" {
		return nil
	}

	tok, err := loadTokenizer()
	if err != nil {
		return []string{paragraph}
	}

	var out []string
	for _, s := range tok.Tokenize(paragraph) {
		if text := strings.TrimSpace(s.Text); text != "" {
			out = append(out, text)
		}
	}
	if len(out) == 0 {
		return []string{paragraph}
	}
	return out
}

// Window returns paragraphs [index-before, index+after] clamped to the
// slice bounds, joined by newlines.
func Window(paragraphs []string, index, before, after int) string {
	if len(paragraphs) == 0 {
		return ""
	}
	start := max(0, index-before)
	end := min(len(paragraphs), index+after+1)
	if start >= end {
		return ""
	}
	return strings.Join(paragraphs[start:end], "\n")
}
