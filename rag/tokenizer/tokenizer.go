package tokenizer

import (
	"strings"
	"unicode"
)

// Tokenizer measures and bounds text by token count.
// Implementations must be safe for concurrent use.
type Tokenizer interface {
	CountTokens(text string) int
	// Truncate returns the longest prefix of text within maxTokens.
	Truncate(text string, maxTokens int) string
}

var _ Tokenizer = RuneTokenizer{}

// RuneTokenizer is a stateless approximation used when no model encoding is
// available:
//   - English letters and digits form one token per run
//   - each Han character is one token
//   - every other non-space rune is one token
type RuneTokenizer struct{}

// CountTokens implements Tokenizer.
func (RuneTokenizer) CountTokens(text string) int {
	return len(spans(text))
}

// Truncate implements Tokenizer.
func (RuneTokenizer) Truncate(text string, maxTokens int) string {
	if maxTokens <= 0 {
		return ""
	}
	sp := spans(text)
	if len(sp) <= maxTokens {
		return text
	}
	return strings.TrimSpace(text[:sp[maxTokens-1][1]])
}

// spans returns byte offsets [start, end) of each token.
func spans(s string) [][2]int {
	var (
		out   [][2]int
		start = -1
	)
	flush := func(end int) {
		if start >= 0 {
			out = append(out, [2]int{start, end})
			start = -1
		}
	}

	for i, r := range s {
		switch {
		case unicode.IsSpace(r):
			flush(i)
		case unicode.Is(unicode.Han, r):
			flush(i)
			out = append(out, [2]int{i, i + len(string(r))})
		case r < unicode.MaxASCII && (unicode.IsLetter(r) || unicode.IsDigit(r)):
			if start < 0 {
				start = i
			}
		default:
			flush(i)
			out = append(out, [2]int{i, i + len(string(r))})
		}
	}
	flush(len(s))
	return out
}
