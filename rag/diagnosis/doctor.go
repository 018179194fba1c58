package diagnosis

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/sweetpotato0/meddx/agent"
	"github.com/sweetpotato0/meddx/pkg/logging"
	"github.com/sweetpotato0/meddx/prompt"
)

// GenerateInput is everything one generation attempt may see.
type GenerateInput struct {
	Query       Query
	Evidence    EvidenceSet
	Suggestion  *Suggestion
	Constraints ConstraintList
	Attempt     int
}

// DiagnosisGenerator produces a draft diagnosis. A returned error means no
// usable text was produced at all.
type DiagnosisGenerator interface {
	Generate(ctx context.Context, in GenerateInput) (*DraftDiagnosis, error)
}

// LLMGenerator is the DiagnosisGenerator backed by a reasoning collaborator.
type LLMGenerator struct {
	llm    agent.LLMClient
	cfg    *Config
	system *prompt.Template
	user   *prompt.Template
	logger *slog.Logger
}

// NewLLMGenerator builds a generator backed by llm.
func NewLLMGenerator(llm agent.LLMClient, opts ...Option) (*LLMGenerator, error) {
	return newLLMGenerator(llm, applyOptions(nil, opts))
}

func newLLMGenerator(llm agent.LLMClient, cfg *Config) (*LLMGenerator, error) {
	if llm == nil {
		return nil, fmt.Errorf("doctor client is required")
	}
	system, err := compile("doctor_system", cfg.DoctorSystem)
	if err != nil {
		return nil, err
	}
	user, err := compile("doctor", cfg.DoctorPrompt)
	if err != nil {
		return nil, err
	}
	return &LLMGenerator{
		llm:    llm,
		cfg:    cfg,
		system: system,
		user:   user,
		logger: logging.WithComponent("diagnosis_generator").With("pipeline", cfg.Name),
	}, nil
}

// Generate implements DiagnosisGenerator.
func (g *LLMGenerator) Generate(ctx context.Context, in GenerateInput) (*DraftDiagnosis, error) {
	vars := map[string]any{
		"Query":             describeQuery(in.Query),
		"Evidence":          FormatEvidence(in.Evidence.Items(), g.cfg.tokenizer, g.cfg.EvidenceTokenLimit),
		"Constraints":       in.Constraints.String(),
		"Suggestion":        in.Suggestion != nil,
		"SuggestedDiseases": "",
		"SuggestionReason":  "",
	}
	if in.Suggestion != nil {
		vars["SuggestedDiseases"] = orDefault(strings.Join(in.Suggestion.RecommendedDiseases, "、"), "无")
		vars["SuggestionReason"] = orDefault(in.Suggestion.Reason, "无")
	}
	system, err := render(g.system, vars)
	if err != nil {
		return nil, newError(KindGenerationFailure, "generate.render", err)
	}
	user, err := render(g.user, vars)
	if err != nil {
		return nil, newError(KindGenerationFailure, "generate.render", err)
	}

	reply, err := call(ctx, g.llm, g.cfg.CallTimeout, system, user, g.cfg.DoctorTemperature, g.cfg.DoctorMaxTokens)
	if err != nil {
		g.logger.Error("diagnosis generation failed", "attempt", in.Attempt, "error", err)
		return nil, newError(KindGenerationFailure, "generate", err)
	}
	draft, err := draftFromReply(reply, g.cfg.DraftTextLimit)
	if err != nil {
		return nil, err
	}
	if !draft.Structured {
		g.logger.Warn("final_diagnosis tag missing, used text fallback", "attempt", in.Attempt, "diseases", draft.Diseases)
	}
	return draft, nil
}

// draftFromReply parses the tagged diagnosis, then the free-text conclusion
// patterns, then wraps the cleaned reply itself.
func draftFromReply(reply string, limit int) (*DraftDiagnosis, error) {
	if d, err := ParseFinalDiagnosis(reply); err == nil {
		return d, nil
	}
	if names, ok := ExtractDiseases(reply); ok {
		return &DraftDiagnosis{Diseases: names, Raw: reply}, nil
	}
	text := CleanDiagnosisText(reply, limit)
	if text == "" {
		return nil, newError(KindGenerationFailure, "generate.parse", errEmptyReply)
	}
	return &DraftDiagnosis{Diseases: []string{text}, Raw: reply}, nil
}
