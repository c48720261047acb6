package models

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// NoSentence marks an ordinal that addresses a whole paragraph.
const NoSentence = -1

// Ordinal addresses a clip within a session: a paragraph index and, when the
// paragraph was split by speaker, the sentence index inside it.
type Ordinal struct {
	Paragraph int
	Sentence  int
}

func ParagraphOrdinal(index int) Ordinal {
	return Ordinal{Paragraph: index, Sentence: NoSentence}
}

func SentenceOrdinal(index, sentence int) Ordinal {
	return Ordinal{Paragraph: index, Sentence: sentence}
}

func (o Ordinal) IsParagraph() bool { return o.Sentence == NoSentence }

// String renders "3" for paragraph-level ordinals and "3-1" otherwise.
func (o Ordinal) String() string {
	if o.IsParagraph() {
		return strconv.Itoa(o.Paragraph)
	}
	return fmt.Sprintf("%d-%d", o.Paragraph, o.Sentence)
}

// Less orders by paragraph, then sentence. A paragraph-level ordinal sorts
// before any sentence of the same paragraph.
func (o Ordinal) Less(other Ordinal) bool {
	if o.Paragraph != other.Paragraph {
		return o.Paragraph < other.Paragraph
	}
	return o.Sentence < other.Sentence
}

func ParseOrdinal(s string) (Ordinal, error) {
	head, tail, split := strings.Cut(strings.TrimSpace(s), "-")
	p, err := strconv.Atoi(head)
	if err != nil || p < 0 {
		return Ordinal{}, fmt.Errorf("invalid ordinal %q", s)
	}
	if !split {
		return ParagraphOrdinal(p), nil
	}
	n, err := strconv.Atoi(tail)
	if err != nil || n < 0 {
		return Ordinal{}, fmt.Errorf("invalid ordinal %q", s)
	}
	return SentenceOrdinal(p, n), nil
}

func (o Ordinal) MarshalText() ([]byte, error) {
	return []byte(o.String()), nil
}

func (o *Ordinal) UnmarshalText(b []byte) error {
	parsed, err := ParseOrdinal(string(b))
	if err != nil {
		return err
	}
	*o = parsed
	return nil
}

// SortClips orders clips by compound ordinal. The sort is stable so clips
// sharing an ordinal keep their arrival order.
func SortClips(clips []Clip) {
	sort.SliceStable(clips, func(i, j int) bool {
		return clips[i].Ordinal.Less(clips[j].Ordinal)
	})
}
