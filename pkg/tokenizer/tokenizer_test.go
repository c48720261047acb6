package tokenizer

import "testing"

func TestCountTokens(t *testing.T) {
	tests := []struct {
		text string
		want int
	}{
		{"", 0},
		{"   \n\t", 0},
		{"Hello", 1},
		{"one two three", 4},
		{"one two three four five six", 8},
	}
	for _, tt := range tests {
		if got := CountTokens(tt.text); got != tt.want {
			t.Fatalf("CountTokens(%q) = %d, want %d", tt.text, got, tt.want)
		}
	}
}
