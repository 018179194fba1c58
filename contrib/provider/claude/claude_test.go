package claude

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/sweetpotato0/meddx/agent"
	"github.com/sweetpotato0/meddx/message"
)

func TestGenerate(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/messages" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		json.NewDecoder(r.Body).Decode(&got)
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{
			"id": "msg_1",
			"type": "message",
			"role": "assistant",
			"model": "claude-sonnet-4-5-20250929",
			"stop_reason": "end_turn",
			"content": [{"type": "text", "text": "<final_diagnosis>感冒</final_diagnosis>"}],
			"usage": {"input_tokens": 1, "output_tokens": 1}
		}`))
	}))
	defer srv.Close()

	p := New(&Config{APIKey: "k", BaseURL: srv.URL, Temperature: 0.7}, option.WithMaxRetries(0))
	resp, err := p.Generate(context.Background(), &agent.GenerateRequest{
		Messages:    []*message.Message{message.System("you are a doctor"), message.User("发热")},
		Temperature: agent.Float(0.1),
	})
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}
	if resp.Text() != "<final_diagnosis>感冒</final_diagnosis>" {
		t.Fatalf("unexpected reply %q", resp.Text())
	}

	system, _ := got["system"].([]any)
	if len(system) != 1 {
		t.Fatalf("expected system prompt to be lifted, got %v", got["system"])
	}
	if msgs, _ := got["messages"].([]any); len(msgs) != 1 {
		t.Fatalf("expected one conversation message, got %v", got["messages"])
	}
	if got["temperature"] != 0.1 {
		t.Errorf("expected temperature 0.1, got %v", got["temperature"])
	}
	if got["max_tokens"] != float64(4096) {
		t.Errorf("expected default max_tokens, got %v", got["max_tokens"])
	}
}

func TestSplitMessages(t *testing.T) {
	system, conv := splitMessages([]*message.Message{
		message.System("a"),
		nil,
		message.System("b"),
		message.User("q"),
		message.NewMessage(message.RoleAssistant, "r"),
	})
	if system != "a\nb" {
		t.Fatalf("unexpected system %q", system)
	}
	if len(conv) != 2 {
		t.Fatalf("expected 2 conversation messages, got %d", len(conv))
	}
}
