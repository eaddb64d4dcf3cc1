// Package intent provides approximate token counting, lightweight intent
// classification, and keyword detection for the model picker.
package intent

import (
	"strings"
	"unicode"
)

// CharsPerToken is the heuristic for no-whitespace text (~4 chars per token).
const CharsPerToken = 4

// CountTokens approximates the token count of text as
// max(words, ceil(nonSpaceChars/4)). Both terms can only grow when text is
// appended, so the estimate is monotone under concatenation: a long unspaced
// run keeps its char-based floor no matter what follows it.
func CountTokens(text string) int {
	if text == "" {
		return 0
	}

	words := 0
	chars := 0
	inWord := false
	for _, r := range text {
		if unicode.IsSpace(r) {
			inWord = false
			continue
		}
		chars++
		if !inWord {
			words++
			inWord = true
		}
	}

	byChars := ceilDiv(chars, CharsPerToken)
	if byChars > words {
		return byChars
	}
	return words
}

// CountWords returns the whitespace-separated word count.
func CountWords(text string) int {
	return len(strings.Fields(text))
}

func ceilDiv(a, b int) int {
	return (a + b - 1) / b
}

// ═══════════════════════════════════════════════════════════════════════════════
// KEYWORDS
// ═══════════════════════════════════════════════════════════════════════════════

// FirstKeyword returns the first keyword from the rules table that appears in
// the prompt, matched as a case-insensitive substring. Empty when none match.
func FirstKeyword(prompt string, keywords []string) string {
	lower := strings.ToLower(prompt)
	for _, kw := range keywords {
		if kw == "" {
			continue
		}
		if strings.Contains(lower, strings.ToLower(kw)) {
			return kw
		}
	}
	return ""
}
