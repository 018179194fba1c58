package diagnosis

import (
	"context"
	"errors"
	"sync"

	"github.com/sweetpotato0/meddx/agent"
	"github.com/sweetpotato0/meddx/message"
)

// stubLLM replays scripted replies in order, repeating the last one.
type stubLLM struct {
	mu       sync.Mutex
	replies  []string
	err      error
	calls    int
	requests []*agent.GenerateRequest
}

func newStubLLM(replies ...string) *stubLLM {
	return &stubLLM{replies: replies}
}

func (s *stubLLM) Generate(ctx context.Context, req *agent.GenerateRequest) (*agent.GenerateResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	s.requests = append(s.requests, req)
	if s.err != nil {
		return nil, s.err
	}
	if len(s.replies) == 0 {
		return &agent.GenerateResponse{Message: message.NewMessage(message.RoleAssistant, "")}, nil
	}
	idx := s.calls - 1
	if idx >= len(s.replies) {
		idx = len(s.replies) - 1
	}
	return &agent.GenerateResponse{Message: message.NewMessage(message.RoleAssistant, s.replies[idx])}, nil
}

func (s *stubLLM) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

// userPrompt returns the user message of the i-th call.
func (s *stubLLM) userPrompt(i int) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if i >= len(s.requests) {
		return ""
	}
	msgs := s.requests[i].Messages
	return msgs[len(msgs)-1].Text()
}

func (s *stubLLM) systemPrompt(i int) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if i >= len(s.requests) || len(s.requests[i].Messages) < 2 {
		return ""
	}
	return s.requests[i].Messages[0].Text()
}

type stubSource struct {
	mu    sync.Mutex
	tag   SourceTag
	items []Evidence
	err   error
	calls int
	seen  []Query
}

func (s *stubSource) Search(ctx context.Context, q Query, topK int) ([]Evidence, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	s.seen = append(s.seen, q)
	if s.err != nil {
		return nil, s.err
	}
	if topK > 0 && len(s.items) > topK {
		return append([]Evidence(nil), s.items[:topK]...), nil
	}
	return append([]Evidence(nil), s.items...), nil
}

func (s *stubSource) Tag() SourceTag { return s.tag }

func (s *stubSource) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

var errBoom = errors.New("boom")

func vectorHits() []Evidence {
	return []Evidence{
		{ID: "v1", Name: "百日咳", Description: "急性呼吸道传染病", Symptoms: "阵发性痉挛性咳嗽,吸气时有蝉鸣音", Score: 0.91, Source: SourceVector},
		{ID: "v2", Name: "支气管炎", Description: "支气管黏膜炎症", Symptoms: "咳嗽,咳痰", Score: 0.82, Source: SourceVector},
		{ID: "v3", Name: "肺炎", Description: "肺实质炎症", Symptoms: "发热,咳嗽,呼吸困难", Score: 0.77, Source: SourceVector},
	}
}

func webHits() []Evidence {
	return []Evidence{
		{ID: "https://example.org/a", Name: "百日咳的症状", Description: "痉挛性咳嗽", Score: 0.9, URL: "https://example.org/a"},
		{ID: "https://example.org/b", Name: "儿童咳嗽", Description: "常见原因", Score: 0.9, URL: "https://example.org/b"},
	}
}

const (
	replyHigh    = "分析完毕。<relevance>2</relevance>"
	replyMedium  = "<relevance>1</relevance>"
	replyAccept  = "<think>核对症状</think>诊断正确。<expert_review>1</expert_review>"
	replyDraft   = "分析……<final_diagnosis>{\"diseases\": [\"百日咳\"]}</final_diagnosis>"
	replyFinalNo = "无法判断"
)

func replyReject(diseases string, reason string) string {
	return "<expert_review>0</expert_review><diagnostic_suggestions>{\"recommended_diseases\": [" + diseases + "], \"reason\": \"" + reason + "\"}</diagnostic_suggestions>"
}
