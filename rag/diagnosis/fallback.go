package diagnosis

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/sweetpotato0/meddx/agent"
	"github.com/sweetpotato0/meddx/pkg/logging"
	"github.com/sweetpotato0/meddx/prompt"
)

// EscalationFallback diagnoses from the query and constraints alone once the
// attempt budget is spent. Its output is final and never reviewed.
type EscalationFallback struct {
	llm    agent.LLMClient
	cfg    *Config
	tmpl   *prompt.Template
	logger *slog.Logger
}

// NewEscalationFallback builds a fallback backed by llm.
func NewEscalationFallback(llm agent.LLMClient, opts ...Option) (*EscalationFallback, error) {
	return newEscalationFallback(llm, applyOptions(nil, opts))
}

func newEscalationFallback(llm agent.LLMClient, cfg *Config) (*EscalationFallback, error) {
	if llm == nil {
		return nil, fmt.Errorf("fallback client is required")
	}
	tmpl, err := compile("fallback", cfg.FallbackPrompt)
	if err != nil {
		return nil, err
	}
	return &EscalationFallback{
		llm:    llm,
		cfg:    cfg,
		tmpl:   tmpl,
		logger: logging.WithComponent("escalation_fallback").With("pipeline", cfg.Name),
	}, nil
}

// Diagnose runs the direct low-temperature call.
func (f *EscalationFallback) Diagnose(ctx context.Context, q Query, constraints ConstraintList) (*DraftDiagnosis, error) {
	user, err := render(f.tmpl, map[string]any{
		"Query":       describeQuery(q),
		"Constraints": constraints.String(),
	})
	if err != nil {
		return nil, newError(KindGenerationFailure, "escalate.render", err)
	}
	reply, err := call(ctx, f.llm, f.cfg.CallTimeout, f.cfg.FallbackSystem, user, f.cfg.FallbackTemperature, f.cfg.DoctorMaxTokens)
	if err != nil {
		f.logger.Error("escalation call failed", "error", err)
		return nil, newError(KindGenerationFailure, "escalate", err)
	}
	draft, err := draftFromReply(reply, f.cfg.DraftTextLimit)
	if err != nil {
		return nil, err
	}
	f.logger.Info("escalation diagnosis produced", "diseases", draft.Diseases, "structured", draft.Structured)
	return draft, nil
}
