package source

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/sweetpotato0/meddx/agent"
	"github.com/sweetpotato0/meddx/message"
	"github.com/sweetpotato0/meddx/pkg/logging"
	"github.com/sweetpotato0/meddx/rag/diagnosis"
)

const (
	fusionSystem = "你是一位专业的医疗诊断专家，擅长从患者症状中提炼关键医疗问题。"
	fusionPrompt = `基于患者的症状描述，请生成%d个不同角度的医疗相关问题，用于在医疗知识库中搜索相关疾病信息。

患者症状描述：
%s

角度包括：主要症状相关的疾病、伴随症状可能指向的疾病、症状组合可能的诊断方向。

请将每个问题用标签包围，格式如下：
%s
要求：问题具体明确，便于检索，语言简洁专业。`
)

var questionRe = regexp.MustCompile(`(?s)<question(\d+)>(.*?)</question\d+>`)

// FusionSource expands the query into several questions with a reasoning
// collaborator, searches the inner source once per question and merges the
// hits by identifier. Expansion failures fall back to the original query.
type FusionSource struct {
	inner       diagnosis.RetrievalSource
	llm         agent.LLMClient
	questions   int
	temperature float64
	timeout     time.Duration
	logger      *slog.Logger
}

// FusionOption customises a FusionSource.
type FusionOption func(*FusionSource)

// WithQuestions sets how many questions are generated.
func WithQuestions(n int) FusionOption {
	return func(f *FusionSource) {
		if n > 0 {
			f.questions = n
		}
	}
}

// WithExpansionTimeout bounds the expansion call.
func WithExpansionTimeout(d time.Duration) FusionOption {
	return func(f *FusionSource) {
		if d > 0 {
			f.timeout = d
		}
	}
}

// NewFusionSource wraps inner with query expansion.
func NewFusionSource(inner diagnosis.RetrievalSource, llm agent.LLMClient, opts ...FusionOption) (*FusionSource, error) {
	if inner == nil || llm == nil {
		return nil, fmt.Errorf("fusion source requires an inner source and a client")
	}
	f := &FusionSource{
		inner:       inner,
		llm:         llm,
		questions:   3,
		temperature: 0.7,
		timeout:     60 * time.Second,
		logger:      logging.WithComponent("fusion_source"),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f, nil
}

// Tag implements diagnosis.RetrievalSource.
func (f *FusionSource) Tag() diagnosis.SourceTag { return f.inner.Tag() }

// Search implements diagnosis.RetrievalSource. topK applies per question.
func (f *FusionSource) Search(ctx context.Context, q diagnosis.Query, topK int) ([]diagnosis.Evidence, error) {
	questions := f.expand(ctx, q)
	var set diagnosis.EvidenceSet
	var lastErr error
	failures := 0
	for _, question := range questions {
		hits, err := f.inner.Search(ctx, diagnosis.NewQuery(question), topK)
		if err != nil {
			failures++
			lastErr = err
			f.logger.Warn("fusion sub-query failed", "question", question, "error", err)
			continue
		}
		set = set.Append(hits...)
	}
	if failures == len(questions) {
		return nil, fmt.Errorf("all %d fusion queries failed: %w", failures, lastErr)
	}
	f.logger.Debug("fusion search merged", "questions", len(questions), "hits", set.Len())
	return set.Items(), nil
}

func (f *FusionSource) expand(ctx context.Context, q diagnosis.Query) []string {
	original := q.SearchText()
	fallback := []string{original}

	var tags strings.Builder
	for i := 1; i <= f.questions; i++ {
		fmt.Fprintf(&tags, "<question%d>问题</question%d>\n", i, i)
	}
	callCtx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()
	resp, err := f.llm.Generate(callCtx, &agent.GenerateRequest{
		Messages: []*message.Message{
			message.NewMessage(message.RoleSystem, fusionSystem),
			message.NewMessage(message.RoleUser, fmt.Sprintf(fusionPrompt, f.questions, q.Text, tags.String())),
		},
		Temperature: agent.Float(f.temperature),
	})
	if err != nil {
		f.logger.Warn("query expansion failed, using original query", "error", err)
		return fallback
	}
	questions := ParseQuestions(resp.Text(), f.questions)
	if len(questions) == 0 {
		f.logger.Warn("query expansion returned no questions, using original query")
		return fallback
	}
	return questions
}

// ParseQuestions extracts up to limit distinct <questionN> payloads in order.
func ParseQuestions(text string, limit int) []string {
	var out []string
	seen := make(map[string]struct{})
	for _, m := range questionRe.FindAllStringSubmatch(diagnosis.StripReasoning(text), -1) {
		q := strings.TrimSpace(m[2])
		if q == "" {
			continue
		}
		if _, dup := seen[q]; dup {
			continue
		}
		seen[q] = struct{}{}
		out = append(out, q)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out
}
