package openai

import (
	"context"
	"fmt"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
	"github.com/sweetpotato0/meddx/agent"
	"github.com/sweetpotato0/meddx/message"
)

// Config holds OpenAI-compatible provider configuration. DeepSeek, Qwen,
// Groq and local vLLM servers all speak this protocol through BaseURL.
type Config struct {
	APIKey      string
	BaseURL     string
	Model       string
	MaxTokens   int64
	Temperature float64
}

// WithBaseURL set BaseURL.
func (cfg *Config) WithBaseURL(url string) *Config {
	cfg.BaseURL = url
	return cfg
}

// WithAPIKey set api key.
func (cfg *Config) WithAPIKey(apiKey string) *Config {
	cfg.APIKey = apiKey
	return cfg
}

// WithModel set model.
func (cfg *Config) WithModel(model string) *Config {
	cfg.Model = model
	return cfg
}

// DefaultConfig returns default OpenAI configuration
func DefaultConfig() *Config {
	return &Config{
		Model:       "deepseek-chat",
		BaseURL:     "https://api.deepseek.com/v1",
		MaxTokens:   2000,
		Temperature: 0.7,
	}
}

// Provider implements agent.LLMClient. It holds no per-call state and is
// safe for concurrent use.
type Provider struct {
	config Config
	client openai.Client
}

// New creates a new OpenAI provider using official SDK
func New(config *Config, extra ...option.RequestOption) *Provider {
	if config == nil {
		config = DefaultConfig()
	}
	cfg := *config
	if cfg.Model == "" {
		cfg.Model = string(openai.ChatModelGPT4oMini)
	}

	options := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.BaseURL != "" {
		options = append(options, option.WithBaseURL(cfg.BaseURL))
	}
	options = append(options, extra...)

	return &Provider{
		config: cfg,
		client: openai.NewClient(options...),
	}
}

// Model returns the configured model name.
func (p *Provider) Model() string {
	return p.config.Model
}

// Generate implements agent.LLMClient interface
func (p *Provider) Generate(ctx context.Context, req *agent.GenerateRequest) (*agent.GenerateResponse, error) {
	if req == nil {
		return nil, fmt.Errorf("generate request cannot be nil")
	}

	params := openai.ChatCompletionNewParams{
		Messages: convertMessages(req.Messages),
		Model:    openai.ChatModel(p.config.Model),
	}
	if temp := req.TemperatureOr(p.config.Temperature); temp > 0 {
		params.Temperature = openai.Float(temp)
	}
	if maxTokens := req.MaxTokensOr(p.config.MaxTokens); maxTokens > 0 {
		params.MaxTokens = openai.Int(maxTokens)
	}

	completion, err := p.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("OpenAI API error: %w", err)
	}
	if len(completion.Choices) == 0 {
		return nil, fmt.Errorf("no choices returned from OpenAI")
	}

	reply := message.NewMessage(message.RoleAssistant, completion.Choices[0].Message.Content)
	reply.Metadata["model"] = completion.Model
	return &agent.GenerateResponse{Message: reply}, nil
}

func convertMessages(msgs []*message.Message) []openai.ChatCompletionMessageParamUnion {
	out := make([]openai.ChatCompletionMessageParamUnion, 0, len(msgs))
	for _, msg := range msgs {
		if msg == nil {
			continue
		}
		switch msg.Role {
		case message.RoleSystem:
			out = append(out, openai.SystemMessage(msg.Content))
		case message.RoleAssistant:
			out = append(out, openai.AssistantMessage(msg.Content))
		default:
			out = append(out, openai.UserMessage(msg.Content))
		}
	}
	return out
}
