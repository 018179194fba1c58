package diagnosis

import (
	"time"

	"github.com/sweetpotato0/meddx/config"
	"github.com/sweetpotato0/meddx/rag/tokenizer"
)

// Config controls the diagnosis pipeline: the attempt budget, retrieval
// sizing, routing policy, per-role generation settings and prompts.
type Config struct {
	Name               string        // Logical name for tracing/logging
	MaxAttempts        int           // Generation attempts before escalation
	TopK               int           // Hits requested from the primary source
	SecondaryTopK      int           // Hits requested from the secondary source
	CallTimeout        time.Duration // Bound on every external call
	Route              RoutePolicy   // Tier to source mapping
	EvidenceTokenLimit int           // Token budget of the evidence summary in prompts
	DraftTextLimit     int           // Rune cap when an untagged reply becomes a diagnosis

	JudgeTemperature      float64
	DoctorTemperature     float64
	DoctorMaxTokens       int64
	ReviewerTemperature   float64
	FallbackTemperature   float64
	NormalizerTemperature float64

	JudgeSystem      string
	JudgePrompt      string
	DoctorSystem     string
	DoctorPrompt     string
	ReviewerSystem   string
	ReviewerPrompt   string
	FallbackSystem   string
	FallbackPrompt   string
	NormalizerSystem string

	constraints ConstraintList
	tokenizer   tokenizer.Tokenizer
	generator   DiagnosisGenerator // Optional override for the LLM generator
	reviewer    Reviewer           // Optional override for the LLM reviewer
	normalizer  SymptomNormalizer  // Optional symptom normalizer
}

// RoutePreset names a RoutePolicy bundle.
type RoutePreset string

const (
	// RoutePresetCorrective judges primary evidence and supplements or
	// replaces it by tier.
	RoutePresetCorrective RoutePreset = "corrective"
	// RoutePresetVanilla trusts the primary source and never calls the judge.
	RoutePresetVanilla RoutePreset = "vanilla"
	// RoutePresetAugmented always merges both sources without judging.
	RoutePresetAugmented RoutePreset = "augmented"
)

// Option customises the pipeline configuration.
type Option func(*Config)

func defaultConfig() *Config {
	return &Config{
		Name:                  "diagnosis",
		MaxAttempts:           3,
		TopK:                  5,
		SecondaryTopK:         5,
		CallTimeout:           60 * time.Second,
		Route:                 PresetPolicy(RoutePresetCorrective),
		EvidenceTokenLimit:    2000,
		DraftTextLimit:        200,
		JudgeTemperature:      0.5,
		DoctorTemperature:     0.1,
		DoctorMaxTokens:       1000,
		ReviewerTemperature:   0.3,
		FallbackTemperature:   0.1,
		NormalizerTemperature: 0.1,
		JudgeSystem:           defaultJudgeSystem,
		JudgePrompt:           defaultJudgePrompt,
		DoctorSystem:          defaultDoctorSystem,
		DoctorPrompt:          defaultDoctorPrompt,
		ReviewerSystem:        defaultReviewerSystem,
		ReviewerPrompt:        defaultReviewerPrompt,
		FallbackSystem:        defaultFallbackSystem,
		FallbackPrompt:        defaultFallbackPrompt,
		NormalizerSystem:      defaultNormalizerSystem,
		tokenizer:             tokenizer.RuneTokenizer{},
	}
}

func applyOptions(cfg *Config, opts []Option) *Config {
	if cfg == nil {
		cfg = defaultConfig()
	}
	for _, opt := range opts {
		if opt != nil {
			opt(cfg)
		}
	}
	return cfg
}

// Validate reports every invalid field at once.
func (c *Config) Validate() error {
	v := config.NewValidator().
		RequirePositive("max_attempts", c.MaxAttempts).
		RequirePositive("top_k", c.TopK).
		RequireNonNegative("secondary_top_k", c.SecondaryTopK).
		RequirePositiveDuration("call_timeout", c.CallTimeout).
		RequirePositive("evidence_token_limit", c.EvidenceTokenLimit).
		ValidateFloatRange("judge_temperature", c.JudgeTemperature, 0, 2).
		ValidateFloatRange("doctor_temperature", c.DoctorTemperature, 0, 2).
		ValidateFloatRange("reviewer_temperature", c.ReviewerTemperature, 0, 2).
		ValidateFloatRange("fallback_temperature", c.FallbackTemperature, 0, 2).
		RequireNonEmpty("doctor_prompt", c.DoctorPrompt).
		RequireNonEmpty("reviewer_prompt", c.ReviewerPrompt).
		RequireNonEmpty("fallback_prompt", c.FallbackPrompt).
		Check(c.tokenizer != nil, "tokenizer", "tokenizer is required")
	return v.Error()
}

// Constraints returns the configured allowed disease names.
func (c *Config) Constraints() ConstraintList { return c.constraints }

// WithName sets the logical pipeline name used in logs and spans.
func WithName(name string) Option {
	return func(cfg *Config) {
		if name != "" {
			cfg.Name = name
		}
	}
}

// WithMaxAttempts overrides how many generate/review cycles run before the
// escalation fallback takes over.
func WithMaxAttempts(n int) Option {
	return func(cfg *Config) {
		if n > 0 {
			cfg.MaxAttempts = n
		}
	}
}

// WithTopK overrides how many hits the primary source returns.
func WithTopK(k int) Option {
	return func(cfg *Config) {
		if k > 0 {
			cfg.TopK = k
		}
	}
}

// WithSecondaryTopK overrides how many hits the secondary source returns.
func WithSecondaryTopK(k int) Option {
	return func(cfg *Config) {
		if k > 0 {
			cfg.SecondaryTopK = k
		}
	}
}

// WithCallTimeout bounds every retrieval and reasoning call.
func WithCallTimeout(d time.Duration) Option {
	return func(cfg *Config) {
		if d > 0 {
			cfg.CallTimeout = d
		}
	}
}

// WithRoutePolicy installs a custom routing policy.
func WithRoutePolicy(policy RoutePolicy) Option {
	return func(cfg *Config) {
		cfg.Route = policy
	}
}

// WithRoutePreset applies one of the predefined routing policies.
func WithRoutePreset(preset RoutePreset) Option {
	return func(cfg *Config) {
		cfg.Route = PresetPolicy(preset)
	}
}

// WithConstraints restricts generator and reviewer output to the given names.
func WithConstraints(list ConstraintList) Option {
	return func(cfg *Config) {
		cfg.constraints = list
	}
}

// WithEvidenceTokenLimit caps the evidence summary placed into prompts.
func WithEvidenceTokenLimit(n int) Option {
	return func(cfg *Config) {
		if n > 0 {
			cfg.EvidenceTokenLimit = n
		}
	}
}

// WithTokenizer overrides how the evidence summary is measured.
func WithTokenizer(t tokenizer.Tokenizer) Option {
	return func(cfg *Config) {
		if t != nil {
			cfg.tokenizer = t
		}
	}
}

// WithFallbackTemperature sets the temperature of the escalation call.
func WithFallbackTemperature(t float64) Option {
	return func(cfg *Config) {
		if t >= 0 {
			cfg.FallbackTemperature = t
		}
	}
}

// WithDoctorMaxTokens caps the generator reply length.
func WithDoctorMaxTokens(n int64) Option {
	return func(cfg *Config) {
		if n > 0 {
			cfg.DoctorMaxTokens = n
		}
	}
}

// WithJudgePrompt replaces the relevance judge user prompt template.
// The template receives .Symptoms and .Evidence.
func WithJudgePrompt(tmpl string) Option {
	return func(cfg *Config) {
		if tmpl != "" {
			cfg.JudgePrompt = tmpl
		}
	}
}

// WithDoctorPrompts replaces the generator system and user templates.
func WithDoctorPrompts(system, user string) Option {
	return func(cfg *Config) {
		if system != "" {
			cfg.DoctorSystem = system
		}
		if user != "" {
			cfg.DoctorPrompt = user
		}
	}
}

// WithReviewerPrompt replaces the reviewer user prompt template.
func WithReviewerPrompt(tmpl string) Option {
	return func(cfg *Config) {
		if tmpl != "" {
			cfg.ReviewerPrompt = tmpl
		}
	}
}

// WithFallbackPrompt replaces the escalation prompt template.
func WithFallbackPrompt(tmpl string) Option {
	return func(cfg *Config) {
		if tmpl != "" {
			cfg.FallbackPrompt = tmpl
		}
	}
}

// WithGenerator replaces the LLM-backed DiagnosisGenerator.
func WithGenerator(g DiagnosisGenerator) Option {
	return func(cfg *Config) {
		cfg.generator = g
	}
}

// WithReviewer replaces the LLM-backed ExpertReviewer.
func WithReviewer(r Reviewer) Option {
	return func(cfg *Config) {
		cfg.reviewer = r
	}
}

// WithNormalizer enables symptom normalization before retrieval.
func WithNormalizer(n SymptomNormalizer) Option {
	return func(cfg *Config) {
		cfg.normalizer = n
	}
}
