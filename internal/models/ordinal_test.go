package models

import (
	"encoding/json"
	"testing"
)

func TestParseOrdinal(t *testing.T) {
	cases := []struct {
		in   string
		want Ordinal
	}{
		{"0", ParagraphOrdinal(0)},
		{"12", ParagraphOrdinal(12)},
		{"3-1", SentenceOrdinal(3, 1)},
		{"10-0", SentenceOrdinal(10, 0)},
	}
	for _, tc := range cases {
		got, err := ParseOrdinal(tc.in)
		if err != nil {
			t.Fatalf("ParseOrdinal(%q): unexpected error: %v", tc.in, err)
		}
		if got != tc.want {
			t.Fatalf("ParseOrdinal(%q) = %+v, want %+v", tc.in, got, tc.want)
		}
		if got.String() != tc.in {
			t.Fatalf("String() = %q, want %q", got.String(), tc.in)
		}
	}

	for _, bad := range []string{"", "a", "-1", "3-", "3-x", "1-2-3"} {
		if _, err := ParseOrdinal(bad); err == nil {
			t.Fatalf("ParseOrdinal(%q): expected error", bad)
		}
	}
}

func TestSortClipsNumericCompound(t *testing.T) {
	clips := []Clip{
		{Ordinal: ParagraphOrdinal(10)},
		{Ordinal: SentenceOrdinal(3, 1)},
		{Ordinal: ParagraphOrdinal(2)},
		{Ordinal: SentenceOrdinal(3, 0)},
		{Ordinal: SentenceOrdinal(3, 10)},
		{Ordinal: SentenceOrdinal(3, 2)},
	}
	SortClips(clips)

	want := []string{"2", "3-0", "3-1", "3-2", "3-10", "10"}
	for i, c := range clips {
		if c.Ordinal.String() != want[i] {
			t.Fatalf("position %d: got %s, want %s", i, c.Ordinal, want[i])
		}
	}
}

func TestClipOrdinalJSON(t *testing.T) {
	data, err := json.Marshal(Clip{Ordinal: SentenceOrdinal(4, 2), Kind: ClipAudio, Ref: "audio/s/4-2-Alice.mp3"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var back Clip
	if err := json.Unmarshal(data, &back); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if back.Ordinal != SentenceOrdinal(4, 2) {
		t.Fatalf("ordinal = %+v", back.Ordinal)
	}
}

func TestStatusTransitionsForwardOnly(t *testing.T) {
	if !SessionInProgress.CanTransition(SessionMerging) {
		t.Fatal("in_progress should move to merging")
	}
	if SessionMerging.CanTransition(SessionInProgress) {
		t.Fatal("merging must not move back to in_progress")
	}
	if SessionCompleted.CanTransition(SessionFailed) {
		t.Fatal("completed is terminal")
	}
}
