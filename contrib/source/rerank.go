package source

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/sweetpotato0/meddx/pkg/logging"
	"github.com/sweetpotato0/meddx/rag/diagnosis"
)

// Ranked is one reranked document: its position in the submitted slice and
// the relevance score the reranker assigned.
type Ranked struct {
	Index int
	Score float32
}

// Reranker scores documents against a query, best first.
type Reranker interface {
	Rerank(ctx context.Context, query string, documents []string) ([]Ranked, error)
}

// RerankSource over-fetches from the inner source, reorders the hits with a
// Reranker and keeps the best topK. Reranker failures keep the inner order.
type RerankSource struct {
	inner     diagnosis.RetrievalSource
	reranker  Reranker
	overfetch int
	logger    *slog.Logger
}

// RerankOption customises a RerankSource.
type RerankOption func(*RerankSource)

// WithOverfetch multiplies topK for the inner search.
func WithOverfetch(n int) RerankOption {
	return func(r *RerankSource) {
		if n > 0 {
			r.overfetch = n
		}
	}
}

// NewRerankSource wraps inner with a reranking stage.
func NewRerankSource(inner diagnosis.RetrievalSource, reranker Reranker, opts ...RerankOption) (*RerankSource, error) {
	if inner == nil || reranker == nil {
		return nil, fmt.Errorf("rerank source requires an inner source and a reranker")
	}
	r := &RerankSource{
		inner:     inner,
		reranker:  reranker,
		overfetch: 3,
		logger:    logging.WithComponent("rerank_source"),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// Tag implements diagnosis.RetrievalSource.
func (r *RerankSource) Tag() diagnosis.SourceTag { return r.inner.Tag() }

// Search implements diagnosis.RetrievalSource.
func (r *RerankSource) Search(ctx context.Context, q diagnosis.Query, topK int) ([]diagnosis.Evidence, error) {
	hits, err := r.inner.Search(ctx, q, topK*r.overfetch)
	if err != nil || len(hits) == 0 {
		return hits, err
	}

	docs := make([]string, len(hits))
	for i, hit := range hits {
		docs[i] = RerankDocument(hit)
	}
	ranked, err := r.reranker.Rerank(ctx, q.SearchText(), docs)
	if err != nil {
		r.logger.Warn("rerank failed, keeping retrieval order", "error", err)
		return truncate(hits, topK), nil
	}

	out := make([]diagnosis.Evidence, 0, len(ranked))
	used := make(map[int]struct{}, len(ranked))
	for _, rk := range ranked {
		if rk.Index < 0 || rk.Index >= len(hits) {
			continue
		}
		if _, dup := used[rk.Index]; dup {
			continue
		}
		used[rk.Index] = struct{}{}
		hit := hits[rk.Index]
		hit.Score = rk.Score
		out = append(out, hit)
	}
	if len(out) == 0 {
		r.logger.Warn("rerank returned no usable results, keeping retrieval order")
		return truncate(hits, topK), nil
	}
	r.logger.Debug("reranked hits", "candidates", len(hits), "kept", min(len(out), topK))
	return truncate(out, topK), nil
}

// RerankDocument renders the text a reranker scores for one hit.
func RerankDocument(ev diagnosis.Evidence) string {
	var b strings.Builder
	if ev.Name != "" {
		b.WriteString("疾病：" + ev.Name + " ")
	}
	if ev.Symptoms != "" {
		b.WriteString("症状：" + ev.Symptoms + " ")
	}
	b.WriteString("描述：" + ev.Description)
	return strings.TrimSpace(b.String())
}

func truncate(items []diagnosis.Evidence, n int) []diagnosis.Evidence {
	if n > 0 && len(items) > n {
		return items[:n]
	}
	return items
}
