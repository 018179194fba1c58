package source

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/sweetpotato0/meddx/pkg/logging"
	"github.com/sweetpotato0/meddx/rag/diagnosis"
)

// MultiSource queries several sources in order and concatenates their hits,
// keeping the first occurrence of each identifier. It fails only when every
// source fails.
type MultiSource struct {
	tag     diagnosis.SourceTag
	sources []diagnosis.RetrievalSource
	logger  *slog.Logger
}

// NewMultiSource builds a merged source reported under tag.
func NewMultiSource(tag diagnosis.SourceTag, sources ...diagnosis.RetrievalSource) (*MultiSource, error) {
	if len(sources) == 0 {
		return nil, fmt.Errorf("at least one source is required")
	}
	return &MultiSource{
		tag:     tag,
		sources: sources,
		logger:  logging.WithComponent("multi_source").With("tag", tag),
	}, nil
}

// Tag implements diagnosis.RetrievalSource.
func (m *MultiSource) Tag() diagnosis.SourceTag { return m.tag }

// Search implements diagnosis.RetrievalSource. topK applies per source.
func (m *MultiSource) Search(ctx context.Context, q diagnosis.Query, topK int) ([]diagnosis.Evidence, error) {
	var (
		set  diagnosis.EvidenceSet
		errs []error
	)
	for _, src := range m.sources {
		hits, err := src.Search(ctx, q, topK)
		if err != nil {
			m.logger.Warn("member source failed", "source", src.Tag(), "error", err)
			errs = append(errs, fmt.Errorf("%s: %w", src.Tag(), err))
			continue
		}
		for i := range hits {
			if hits[i].Source == "" {
				hits[i].Source = src.Tag()
			}
		}
		set = set.Append(hits...)
	}
	if len(errs) == len(m.sources) {
		return nil, errors.Join(errs...)
	}
	return set.Items(), nil
}
