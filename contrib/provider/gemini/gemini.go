package gemini

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/option"

	"github.com/sweetpotato0/meddx/agent"
	"github.com/sweetpotato0/meddx/message"
)

// Config holds Gemini provider configuration
type Config struct {
	APIKey      string
	Model       string
	MaxTokens   int64
	Temperature float64
}

// DefaultConfig returns default Gemini configuration
func DefaultConfig(apiKey string) *Config {
	return &Config{
		APIKey:      apiKey,
		Model:       "gemini-1.5-flash",
		MaxTokens:   2048,
		Temperature: 0.7,
	}
}

// Provider implements agent.LLMClient for Google Gemini
type Provider struct {
	config Config
	client *genai.Client
}

// New creates a new Gemini provider
func New(ctx context.Context, config *Config, extra ...option.ClientOption) (*Provider, error) {
	if config == nil {
		config = DefaultConfig("")
	}
	cfg := *config
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("Gemini API key not configured")
	}
	if cfg.Model == "" {
		cfg.Model = "gemini-1.5-flash"
	}

	opts := append([]option.ClientOption{option.WithAPIKey(cfg.APIKey)}, extra...)
	client, err := genai.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create gemini client: %w", err)
	}
	return &Provider{config: cfg, client: client}, nil
}

// Close releases the underlying connection.
func (p *Provider) Close() error {
	return p.client.Close()
}

// Generate implements agent.LLMClient interface. A model handle is built per
// call so request overrides never touch shared state.
func (p *Provider) Generate(ctx context.Context, req *agent.GenerateRequest) (*agent.GenerateResponse, error) {
	if req == nil {
		return nil, fmt.Errorf("generate request cannot be nil")
	}

	system, history, last := splitMessages(req.Messages)
	if last == nil {
		return nil, fmt.Errorf("generate request has no user content")
	}

	model := p.client.GenerativeModel(p.config.Model)
	model.SetTemperature(float32(req.TemperatureOr(p.config.Temperature)))
	if maxTokens := req.MaxTokensOr(p.config.MaxTokens); maxTokens > 0 {
		model.SetMaxOutputTokens(int32(maxTokens))
	}
	if system != "" {
		model.SystemInstruction = &genai.Content{Parts: []genai.Part{genai.Text(system)}}
	}

	session := model.StartChat()
	session.History = history
	resp, err := session.SendMessage(ctx, last.Parts...)
	if err != nil {
		return nil, fmt.Errorf("Gemini API error: %w", err)
	}

	text := responseText(resp)
	if text == "" {
		return nil, fmt.Errorf("no content in gemini response")
	}
	reply := message.NewMessage(message.RoleAssistant, text)
	reply.Metadata["model"] = p.config.Model
	return &agent.GenerateResponse{Message: reply}, nil
}

// splitMessages separates system text, prior turns and the final user turn.
func splitMessages(msgs []*message.Message) (string, []*genai.Content, *genai.Content) {
	var (
		system []string
		turns  []*genai.Content
	)
	for _, msg := range msgs {
		if msg == nil {
			continue
		}
		switch msg.Role {
		case message.RoleSystem:
			system = append(system, msg.Content)
		case message.RoleAssistant:
			turns = append(turns, &genai.Content{Role: "model", Parts: []genai.Part{genai.Text(msg.Content)}})
		default:
			turns = append(turns, &genai.Content{Role: "user", Parts: []genai.Part{genai.Text(msg.Content)}})
		}
	}
	if len(turns) == 0 {
		return strings.Join(system, "\n"), nil, nil
	}
	return strings.Join(system, "\n"), turns[:len(turns)-1], turns[len(turns)-1]
}

func responseText(resp *genai.GenerateContentResponse) string {
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return ""
	}
	var b strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		if text, ok := part.(genai.Text); ok {
			b.WriteString(string(text))
		}
	}
	return b.String()
}
