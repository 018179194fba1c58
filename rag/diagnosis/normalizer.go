package diagnosis

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/sweetpotato0/meddx/agent"
	"github.com/sweetpotato0/meddx/pkg/logging"
)

// SymptomNormalizer rewrites a patient description into standard symptom
// terms. A failure returns the error and no symptoms; callers continue with
// the raw text.
type SymptomNormalizer interface {
	Normalize(ctx context.Context, text string) ([]string, error)
}

// LLMNormalizer is the SymptomNormalizer backed by a reasoning collaborator.
type LLMNormalizer struct {
	llm    agent.LLMClient
	cfg    *Config
	logger *slog.Logger
}

// NewLLMNormalizer builds a normalizer backed by llm.
func NewLLMNormalizer(llm agent.LLMClient, opts ...Option) (*LLMNormalizer, error) {
	return newLLMNormalizer(llm, applyOptions(nil, opts))
}

func newLLMNormalizer(llm agent.LLMClient, cfg *Config) (*LLMNormalizer, error) {
	if llm == nil {
		return nil, fmt.Errorf("normalizer client is required")
	}
	return &LLMNormalizer{
		llm:    llm,
		cfg:    cfg,
		logger: logging.WithComponent("symptom_normalizer").With("pipeline", cfg.Name),
	}, nil
}

// Normalize implements SymptomNormalizer.
func (n *LLMNormalizer) Normalize(ctx context.Context, text string) ([]string, error) {
	reply, err := call(ctx, n.llm, n.cfg.CallTimeout, n.cfg.NormalizerSystem, text, n.cfg.NormalizerTemperature, 0)
	if err != nil {
		return nil, newError(KindNormalizationFailure, "normalize.call", err)
	}
	symptoms, err := ParseSymptoms(reply)
	if err != nil {
		return nil, newError(KindNormalizationFailure, "normalize.parse", err)
	}
	n.logger.Debug("symptoms normalized", "count", len(symptoms))
	return symptoms, nil
}
