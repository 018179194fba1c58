package diagnosis

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/sweetpotato0/meddx/agent"
	"github.com/sweetpotato0/meddx/message"
	"github.com/sweetpotato0/meddx/prompt"
)

var errEmptyReply = errors.New("empty reply")

// call sends one system+user exchange under timeout and returns the reply
// text. An empty reply is an error.
func call(ctx context.Context, llm agent.LLMClient, timeout time.Duration, system, user string, temperature float64, maxTokens int64) (string, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	msgs := make([]*message.Message, 0, 2)
	if strings.TrimSpace(system) != "" {
		msgs = append(msgs, message.NewMessage(message.RoleSystem, system))
	}
	msgs = append(msgs, message.NewMessage(message.RoleUser, user))

	resp, err := llm.Generate(ctx, &agent.GenerateRequest{
		Messages:    msgs,
		Temperature: agent.Float(temperature),
		MaxTokens:   maxTokens,
	})
	if err != nil {
		return "", err
	}
	text := strings.TrimSpace(resp.Text())
	if text == "" {
		return "", errEmptyReply
	}
	return text, nil
}

func compile(name, content string) (*prompt.Template, error) {
	if strings.TrimSpace(content) == "" {
		return nil, nil
	}
	return prompt.NewTemplate(name, content)
}

func render(t *prompt.Template, vars map[string]any) (string, error) {
	if t == nil {
		return "", nil
	}
	return t.Render(vars)
}

// describeQuery renders the patient text and, when present, the normalized
// symptom list.
func describeQuery(q Query) string {
	if len(q.Symptoms) == 0 {
		return q.Text
	}
	return q.Text + "\n提取的症状：" + strings.Join(q.Symptoms, "、")
}
