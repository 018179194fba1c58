package tiktoken

import "testing"

func newTestTokenizer(t *testing.T) *Tokenizer {
	t.Helper()
	tok, err := NewTiktokenTokenizer("cl100k_base")
	if err != nil {
		t.Skipf("encoding unavailable: %v", err)
	}
	return tok
}

func TestCountTokensMatchesEncode(t *testing.T) {
	tok := newTestTokenizer(t)
	text := "patient reports fever and cough"
	if got, want := tok.CountTokens(text), len(tok.Encode(text)); got != want {
		t.Fatalf("CountTokens = %d, want %d", got, want)
	}
}

func TestTruncate(t *testing.T) {
	tok := newTestTokenizer(t)
	text := "patient reports fever and cough for three days"
	out := tok.Truncate(text, 3)
	if tok.CountTokens(out) > 3 {
		t.Fatalf("truncated text exceeds budget: %q", out)
	}
	if tok.Truncate(text, 1000) != text {
		t.Fatal("text within budget should be unchanged")
	}
}
