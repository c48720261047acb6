package segment

import (
	"reflect"
	"testing"
)

func TestParagraphs(t *testing.T) {
	cases := []struct {
		name string
		in   string
		want []string
	}{
		{"single", "Hello there.", []string{"Hello there."}},
		{"two", "First one.\n\nSecond one.", []string{"First one.", "Second one."}},
		{"whitespace line", "A\n   \nB", []string{"A", "B"}},
		{"crlf", "A\r\n\r\nB", []string{"A", "B"}},
		{"leading and trailing blanks", "\n\nA\n\n\n\nB\n\n", []string{"A", "B"}},
		{"soft wrap kept", "line one\nline two", []string{"line one\nline two"}},
		{"empty", "   ", nil},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := Paragraphs(tc.in)
			if !reflect.DeepEqual(got, tc.want) {
				t.Fatalf("got %q, want %q", got, tc.want)
			}
		})
	}
}

func TestSentencesDeterministic(t *testing.T) {
	p := "Tom asked where she was going. Ann said she was going home. She left at once."
	first := Sentences(p)
	if len(first) < 2 {
		t.Fatalf("expected multiple sentences, got %q", first)
	}
	for i := 0; i < 5; i++ {
		if got := Sentences(p); !reflect.DeepEqual(got, first) {
			t.Fatalf("run %d differs: %q vs %q", i, got, first)
		}
	}
}

func TestSentencesSimple(t *testing.T) {
	got := Sentences("Hello there. How are you? I am fine.")
	want := []string{"Hello there.", "How are you?", "I am fine."}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("got %q, want %q", got, want)
	}
}

func TestSentencesFallback(t *testing.T) {
	if got := Sentences("no terminal punctuation here"); len(got) != 1 {
		t.Fatalf("got %q", got)
	}
	if got := Sentences("  "); got != nil {
		t.Fatalf("got %q, want nil", got)
	}
}

func TestWindow(t *testing.T) {
	ps := []string{"p0", "p1", "p2", "p3", "p4"}
	cases := []struct {
		index, before, after int
		want                 string
	}{
		{2, 1, 1, "p1\np2\np3"},
		{0, 10, 10, "p0\np1\np2\np3\np4"},
		{4, 2, 0, "p2\np3\np4"},
		{0, 0, 0, "p0"},
	}
	for _, tc := range cases {
		if got := Window(ps, tc.index, tc.before, tc.after); got != tc.want {
			t.Fatalf("Window(%d,%d,%d) = %q, want %q", tc.index, tc.before, tc.after, got, tc.want)
		}
	}
}
