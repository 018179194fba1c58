package diagnosis

import (
	"context"
	"fmt"
	"strings"

	"github.com/sweetpotato0/meddx/rag/tokenizer"
)

// RetrievalSource is a searchable knowledge backend. An empty result is a
// normal outcome, not an error.
type RetrievalSource interface {
	Search(ctx context.Context, q Query, topK int) ([]Evidence, error)
	Tag() SourceTag
}

// SourceFunc adapts a function into a RetrievalSource.
type SourceFunc struct {
	SourceTag SourceTag
	Fn        func(ctx context.Context, q Query, topK int) ([]Evidence, error)
}

// Search implements RetrievalSource.
func (s SourceFunc) Search(ctx context.Context, q Query, topK int) ([]Evidence, error) {
	return s.Fn(ctx, q, topK)
}

// Tag implements RetrievalSource.
func (s SourceFunc) Tag() SourceTag { return s.SourceTag }

// Sources is the capability set available to the router. Secondary may be nil.
type Sources struct {
	Primary   RetrievalSource
	Secondary RetrievalSource
}

// FormatEvidence renders evidence as a numbered list bounded by maxTokens.
// Items that would overflow the budget are dropped whole; the first item is
// truncated rather than dropped.
func FormatEvidence(items []Evidence, tok tokenizer.Tokenizer, maxTokens int) string {
	if len(items) == 0 {
		return noEvidenceText
	}
	if tok == nil {
		tok = tokenizer.RuneTokenizer{}
	}
	var b strings.Builder
	used := 0
	for i, ev := range items {
		entry := formatEvidenceItem(i+1, ev)
		cost := tok.CountTokens(entry)
		if maxTokens > 0 && used+cost > maxTokens {
			if i == 0 {
				b.WriteString(tok.Truncate(entry, maxTokens))
			}
			break
		}
		b.WriteString(entry)
		used += cost
	}
	return strings.TrimSpace(b.String())
}

func formatEvidenceItem(n int, ev Evidence) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%d. %s\n", n, orDefault(ev.Name, "未知疾病"))
	fmt.Fprintf(&b, "   描述：%s\n", orDefault(ev.Description, "无"))
	fmt.Fprintf(&b, "   症状：%s\n", orDefault(ev.Symptoms, "无"))
	fmt.Fprintf(&b, "   相似度：%.3f\n", ev.Score)
	if ev.URL != "" {
		fmt.Fprintf(&b, "   来源：%s\n", ev.URL)
	}
	b.WriteString("\n")
	return b.String()
}

func orDefault(s, def string) string {
	if s = strings.TrimSpace(s); s == "" {
		return def
	}
	return s
}
