// Package chunker packs consecutive paragraphs into chunks that fit a
// model's token budget.
package chunker

import (
	"strings"

	"github.com/puckettventures/converse/pkg/segment"
	"github.com/puckettventures/converse/pkg/tokenizer"
)

type Chunk struct {
	Content string
	Index   int
	First   int // index of the first paragraph covered
	Last    int // index of the last paragraph covered
	Tokens  int
}

// Pack groups paragraphs in order so each chunk stays within maxTokens.
// A paragraph that alone exceeds the budget is split on sentence
// boundaries. maxTokens <= 0 yields a single chunk.
func Pack(paragraphs []string, maxTokens int) []Chunk {
	if len(paragraphs) == 0 {
		return nil
	}
	if maxTokens <= 0 {
		content := strings.Join(paragraphs, "\n\n")
		return []Chunk{{Content: content, First: 0, Last: len(paragraphs) - 1, Tokens: tokenizer.CountTokens(content)}}
	}

	var (
		chunks  []Chunk
		current []string
		tokens  int
		first   int
	)
	flush := func(last int) {
		if len(current) == 0 {
			return
		}
		chunks = append(chunks, Chunk{
			Content: strings.Join(current, "\n\n"),
			Index:   len(chunks),
			First:   first,
			Last:    last,
			Tokens:  tokens,
		})
		current = nil
		tokens = 0
	}

	for i, p := range paragraphs {
		n := tokenizer.CountTokens(p)
		if n > maxTokens {
			flush(i - 1)
			for _, part := range splitSentences(p, maxTokens) {
				chunks = append(chunks, Chunk{
					Content: part,
					Index:   len(chunks),
					First:   i,
					Last:    i,
					Tokens:  tokenizer.CountTokens(part),
				})
			}
			continue
		}
		if len(current) > 0 && tokens+n > maxTokens {
			flush(i - 1)
		}
		if len(current) == 0 {
			first = i
		}
		current = append(current, p)
		tokens += n
	}
	flush(len(paragraphs) - 1)
	return chunks
}

func splitSentences(paragraph string, maxTokens int) []string {
	var (
		parts   []string
		current strings.Builder
		tokens  int
	)
	for _, s := range segment.Sentences(paragraph) {
		n := tokenizer.CountTokens(s)
		if current.Len() > 0 && tokens+n > maxTokens {
			parts = append(parts, current.String())
			current.Reset()
			tokens = 0
		}
		if current.Len() > 0 {
			current.WriteByte(' ')
		}
		current.WriteString(s)
		tokens += n
	}
	if current.Len() > 0 {
		parts = append(parts, current.String())
	}
	return parts
}
