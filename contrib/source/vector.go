// Package source adapts knowledge backends into diagnosis retrieval sources.
package source

import (
	"context"
	"fmt"
	"strings"

	"github.com/sweetpotato0/meddx/rag/diagnosis"
	"github.com/sweetpotato0/meddx/vector"
)

// Metadata keys read from stored disease embeddings.
const (
	MetaName    = "name"
	MetaDesc    = "desc"
	MetaSymptom = "symptom"
)

// VectorSource embeds the query and searches a vector index.
type VectorSource struct {
	embedder vector.Embedder
	searcher vector.Searcher
	minScore float32
}

// VectorOption customises a VectorSource.
type VectorOption func(*VectorSource)

// WithMinScore drops hits scoring below s.
func WithMinScore(s float32) VectorOption {
	return func(v *VectorSource) {
		v.minScore = s
	}
}

// NewVectorSource builds a source over any vector.Searcher.
func NewVectorSource(embedder vector.Embedder, searcher vector.Searcher, opts ...VectorOption) (*VectorSource, error) {
	if embedder == nil {
		return nil, fmt.Errorf("embedder is required")
	}
	if searcher == nil {
		return nil, fmt.Errorf("searcher is required")
	}
	v := &VectorSource{embedder: embedder, searcher: searcher}
	for _, opt := range opts {
		opt(v)
	}
	return v, nil
}

// Tag implements diagnosis.RetrievalSource.
func (v *VectorSource) Tag() diagnosis.SourceTag { return diagnosis.SourceVector }

// Search implements diagnosis.RetrievalSource.
func (v *VectorSource) Search(ctx context.Context, q diagnosis.Query, topK int) ([]diagnosis.Evidence, error) {
	text := strings.TrimSpace(q.SearchText())
	if text == "" {
		return nil, nil
	}
	vec, err := v.embedder.Embed(ctx, text)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}
	hits, err := v.searcher.Search(ctx, vec, topK)
	if err != nil {
		return nil, fmt.Errorf("vector search: %w", err)
	}
	out := make([]diagnosis.Evidence, 0, len(hits))
	for _, hit := range hits {
		if hit == nil || hit.Score < v.minScore {
			continue
		}
		out = append(out, EvidenceFromEmbedding(hit))
	}
	return out, nil
}

// EvidenceFromEmbedding maps a stored disease record to Evidence. The name
// falls back to the stored text when metadata carries none.
func EvidenceFromEmbedding(e *vector.Embedding) diagnosis.Evidence {
	name := e.Metadata[MetaName]
	if name == "" {
		name = e.Text
	}
	desc := e.Metadata[MetaDesc]
	if desc == "" {
		desc = e.Text
	}
	return diagnosis.Evidence{
		ID:          e.ID,
		Name:        name,
		Description: desc,
		Symptoms:    e.Metadata[MetaSymptom],
		Score:       e.Score,
		Source:      diagnosis.SourceVector,
	}
}
