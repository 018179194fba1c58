package diagnosis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/sweetpotato0/meddx/agent"
	"github.com/sweetpotato0/meddx/pkg/logging"
	"github.com/sweetpotato0/meddx/prompt"
)

// ReviewInput is what the reviewer critiques.
type ReviewInput struct {
	Query       Query
	Evidence    EvidenceSet
	Draft       *DraftDiagnosis
	Constraints ConstraintList
	Attempt     int
}

// Reviewer decides whether a draft is accepted. It never fails: every
// failure resolves to a verdict.
type Reviewer interface {
	Review(ctx context.Context, in ReviewInput) ReviewVerdict
}

// ExpertReviewer is the Reviewer backed by a reasoning collaborator. It fails
// open to ACCEPT.
type ExpertReviewer struct {
	llm    agent.LLMClient
	cfg    *Config
	tmpl   *prompt.Template
	logger *slog.Logger
}

// NewExpertReviewer builds a reviewer backed by llm.
func NewExpertReviewer(llm agent.LLMClient, opts ...Option) (*ExpertReviewer, error) {
	return newExpertReviewer(llm, applyOptions(nil, opts))
}

func newExpertReviewer(llm agent.LLMClient, cfg *Config) (*ExpertReviewer, error) {
	if llm == nil {
		return nil, fmt.Errorf("reviewer client is required")
	}
	tmpl, err := compile("reviewer", cfg.ReviewerPrompt)
	if err != nil {
		return nil, err
	}
	return &ExpertReviewer{
		llm:    llm,
		cfg:    cfg,
		tmpl:   tmpl,
		logger: logging.WithComponent("expert_reviewer").With("pipeline", cfg.Name),
	}, nil
}

// Review implements Reviewer.
func (r *ExpertReviewer) Review(ctx context.Context, in ReviewInput) ReviewVerdict {
	if in.Draft == nil {
		return r.failOpen(in.Attempt, newError(KindJudgmentParseFailure, "review", errors.New("no draft to review")))
	}
	user, err := render(r.tmpl, map[string]any{
		"Query":       describeQuery(in.Query),
		"Evidence":    FormatEvidence(in.Evidence.Items(), r.cfg.tokenizer, r.cfg.EvidenceTokenLimit),
		"Draft":       strings.Join(in.Draft.Diseases, "、"),
		"Constraints": in.Constraints.String(),
	})
	if err != nil {
		return r.failOpen(in.Attempt, newError(KindJudgmentParseFailure, "review.render", err))
	}
	reply, err := call(ctx, r.llm, r.cfg.CallTimeout, r.cfg.ReviewerSystem, user, r.cfg.ReviewerTemperature, 0)
	if err != nil {
		return r.failOpen(in.Attempt, newError(KindJudgmentParseFailure, "review.call", err))
	}
	accepted, err := ParseReview(reply)
	if err != nil {
		return r.failOpen(in.Attempt, newError(KindJudgmentParseFailure, "review.parse", err))
	}
	if accepted {
		r.logger.Info("draft accepted", "attempt", in.Attempt, "diseases", in.Draft.Diseases)
		return ReviewVerdict{Accepted: true}
	}

	suggestion, err := ParseSuggestion(reply)
	if err != nil {
		r.logger.Warn("rejection carried no usable suggestion, using generic guidance", "attempt", in.Attempt, "error", err)
		suggestion = GenericSuggestion()
	}
	r.logger.Info("draft rejected", "attempt", in.Attempt,
		"diseases", in.Draft.Diseases,
		"recommended", suggestion.RecommendedDiseases,
	)
	return ReviewVerdict{Accepted: false, Suggestion: suggestion}
}

func (r *ExpertReviewer) failOpen(attempt int, cause *Error) ReviewVerdict {
	r.logger.Warn("review degraded to ACCEPT", "attempt", attempt, "error", cause)
	return ReviewVerdict{Accepted: true, Degraded: cause}
}
