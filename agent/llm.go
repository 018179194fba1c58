package agent

import (
	"context"

	"github.com/sweetpotato0/meddx/message"
)

// LLMClient defines the interface for reasoning collaborators.
// Implementations must be safe for concurrent use; per-call settings travel on the
// request instead of being mutated on the client.
type LLMClient interface {
	Generate(ctx context.Context, req *GenerateRequest) (*GenerateResponse, error)
}

// GenerateRequest bundles inputs for a non-streaming LLM invocation.
type GenerateRequest struct {
	Messages []*message.Message

	// Temperature overrides the provider default when non-nil.
	Temperature *float64
	// MaxTokens overrides the provider default when > 0.
	MaxTokens int64
}

// GenerateResponse captures the LLM reply for non-streaming calls.
type GenerateResponse struct {
	Message *message.Message
}

// Text returns the reply text, tolerating nil responses.
func (r *GenerateResponse) Text() string {
	if r == nil {
		return ""
	}
	return r.Message.Text()
}

// Float is a helper for GenerateRequest.Temperature.
func Float(v float64) *float64 {
	return &v
}

// TemperatureOr resolves the request temperature against a provider default.
func (r *GenerateRequest) TemperatureOr(def float64) float64 {
	if r == nil || r.Temperature == nil {
		return def
	}
	return *r.Temperature
}

// MaxTokensOr resolves the request token cap against a provider default.
func (r *GenerateRequest) MaxTokensOr(def int64) int64 {
	if r == nil || r.MaxTokens <= 0 {
		return def
	}
	return r.MaxTokens
}

// ClientFunc adapts a function into an LLMClient.
type ClientFunc func(ctx context.Context, req *GenerateRequest) (*GenerateResponse, error)

// Generate implements LLMClient.
func (f ClientFunc) Generate(ctx context.Context, req *GenerateRequest) (*GenerateResponse, error) {
	return f(ctx, req)
}
