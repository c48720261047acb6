// Package tokenizer estimates how many model tokens a text will use.
package tokenizer

import (
	"strings"
)

// CountTokens estimates four tokens per three words, which holds well
// enough for English prose.
func CountTokens(text string) int {
	words := len(strings.Fields(text))
	if words == 0 {
		return 0
	}
	return max(words*4/3, 1)
}
