package provider

import (
	"context"
	"fmt"
	"strings"

	"github.com/sweetpotato0/meddx/agent"
	"github.com/sweetpotato0/meddx/contrib/provider/claude"
	"github.com/sweetpotato0/meddx/contrib/provider/gemini"
	"github.com/sweetpotato0/meddx/contrib/provider/openai"
)

// Kind names a provider backend.
type Kind string

const (
	KindOpenAI Kind = "openai"
	KindClaude Kind = "claude"
	KindGemini Kind = "gemini"
)

// Spec is the provider-neutral configuration of one LLM endpoint.
type Spec struct {
	Kind        Kind    `koanf:"kind"`
	APIKey      string  `koanf:"api_key"`
	BaseURL     string  `koanf:"base_url"`
	Model       string  `koanf:"model"`
	MaxTokens   int64   `koanf:"max_tokens"`
	Temperature float64 `koanf:"temperature"`
}

// IsZero reports whether the spec names no endpoint.
func (s Spec) IsZero() bool {
	return s.Kind == "" && s.Model == "" && s.APIKey == ""
}

// New builds the agent.LLMClient described by spec. An empty kind means openai.
func New(ctx context.Context, spec Spec) (agent.LLMClient, error) {
	switch Kind(strings.ToLower(string(spec.Kind))) {
	case KindOpenAI, "":
		return openai.New(&openai.Config{
			APIKey:      spec.APIKey,
			BaseURL:     spec.BaseURL,
			Model:       spec.Model,
			MaxTokens:   spec.MaxTokens,
			Temperature: spec.Temperature,
		}), nil
	case KindClaude:
		return claude.New(&claude.Config{
			APIKey:      spec.APIKey,
			BaseURL:     spec.BaseURL,
			Model:       spec.Model,
			MaxTokens:   spec.MaxTokens,
			Temperature: spec.Temperature,
		}), nil
	case KindGemini:
		return gemini.New(ctx, &gemini.Config{
			APIKey:      spec.APIKey,
			Model:       spec.Model,
			MaxTokens:   spec.MaxTokens,
			Temperature: spec.Temperature,
		})
	default:
		return nil, fmt.Errorf("unknown provider kind %q", spec.Kind)
	}
}
