package diagnosis

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/sweetpotato0/meddx/agent"
	"github.com/sweetpotato0/meddx/pkg/logging"
	"github.com/sweetpotato0/meddx/prompt"
)

// RelevanceJudge classifies how well evidence matches a query.
type RelevanceJudge struct {
	llm    agent.LLMClient
	cfg    *Config
	tmpl   *prompt.Template
	logger *slog.Logger
}

// NewRelevanceJudge builds a judge backed by llm.
func NewRelevanceJudge(llm agent.LLMClient, opts ...Option) (*RelevanceJudge, error) {
	return newRelevanceJudge(llm, applyOptions(nil, opts))
}

func newRelevanceJudge(llm agent.LLMClient, cfg *Config) (*RelevanceJudge, error) {
	if llm == nil {
		return nil, fmt.Errorf("judge client is required")
	}
	tmpl, err := compile("judge", cfg.JudgePrompt)
	if err != nil {
		return nil, err
	}
	return &RelevanceJudge{
		llm:    llm,
		cfg:    cfg,
		tmpl:   tmpl,
		logger: logging.WithComponent("relevance_judge").With("pipeline", cfg.Name),
	}, nil
}

// Judge returns LOW for empty evidence without calling the collaborator.
// Any call or parse failure yields MEDIUM with Degraded set.
func (j *RelevanceJudge) Judge(ctx context.Context, q Query, evidence EvidenceSet) Judgment {
	if evidence.IsEmpty() {
		return Judgment{Tier: TierLow}
	}
	user, err := render(j.tmpl, map[string]any{
		"Symptoms": describeQuery(q),
		"Evidence": FormatEvidence(evidence.Items(), j.cfg.tokenizer, j.cfg.EvidenceTokenLimit),
	})
	if err != nil {
		return j.degrade(newError(KindJudgmentParseFailure, "judge.render", err))
	}
	reply, err := call(ctx, j.llm, j.cfg.CallTimeout, j.cfg.JudgeSystem, user, j.cfg.JudgeTemperature, 0)
	if err != nil {
		return j.degrade(newError(KindJudgmentParseFailure, "judge.call", err))
	}
	tier, err := ParseRelevance(reply)
	if err != nil {
		return j.degrade(newError(KindJudgmentParseFailure, "judge.parse", err))
	}
	j.logger.Debug("relevance judged", "tier", tier.String(), "evidence_count", evidence.Len())
	return Judgment{Tier: tier}
}

func (j *RelevanceJudge) degrade(cause *Error) Judgment {
	j.logger.Warn("relevance judgment degraded to MEDIUM", "error", cause)
	return Judgment{Tier: TierMedium, Degraded: cause}
}
