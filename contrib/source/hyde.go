package source

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/sweetpotato0/meddx/agent"
	"github.com/sweetpotato0/meddx/message"
	"github.com/sweetpotato0/meddx/pkg/logging"
	"github.com/sweetpotato0/meddx/rag/diagnosis"
)

const (
	tagDocument = "document"

	hydeSystem = "你是一位专业的医疗诊断专家，擅长基于症状生成详细的医疗文档。"
	hydePrompt = `基于患者的症状描述，请生成一份假设性的医疗文档，用于在医疗知识库中进行相似性搜索。

患者症状描述：
%s

文档应包含可能的疾病名称和描述、相关的症状特征和表现、诊断要点和鉴别诊断。

请将生成的文档用标签包围：
<document>
假设性医疗文档内容
</document>

要求：内容专业准确，语言简洁，300字以内。`
)

// HyDESource asks a collaborator for a hypothetical disease document and
// searches the inner source with that document instead of the raw query.
// Generation failures search with the original query.
type HyDESource struct {
	inner       diagnosis.RetrievalSource
	llm         agent.LLMClient
	temperature float64
	timeout     time.Duration
	logger      *slog.Logger
}

// HyDEOption customises a HyDESource.
type HyDEOption func(*HyDESource)

// WithDocumentTimeout bounds the generation call.
func WithDocumentTimeout(d time.Duration) HyDEOption {
	return func(h *HyDESource) {
		if d > 0 {
			h.timeout = d
		}
	}
}

// NewHyDESource wraps inner with hypothetical document search.
func NewHyDESource(inner diagnosis.RetrievalSource, llm agent.LLMClient, opts ...HyDEOption) (*HyDESource, error) {
	if inner == nil || llm == nil {
		return nil, fmt.Errorf("hyde source requires an inner source and a client")
	}
	h := &HyDESource{
		inner:       inner,
		llm:         llm,
		temperature: 0.7,
		timeout:     60 * time.Second,
		logger:      logging.WithComponent("hyde_source"),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h, nil
}

// Tag implements diagnosis.RetrievalSource.
func (h *HyDESource) Tag() diagnosis.SourceTag { return h.inner.Tag() }

// Search implements diagnosis.RetrievalSource.
func (h *HyDESource) Search(ctx context.Context, q diagnosis.Query, topK int) ([]diagnosis.Evidence, error) {
	doc, ok := h.document(ctx, q)
	if !ok {
		return h.inner.Search(ctx, q, topK)
	}
	return h.inner.Search(ctx, diagnosis.NewQuery(doc), topK)
}

func (h *HyDESource) document(ctx context.Context, q diagnosis.Query) (string, bool) {
	callCtx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()
	resp, err := h.llm.Generate(callCtx, &agent.GenerateRequest{
		Messages: []*message.Message{
			message.NewMessage(message.RoleSystem, hydeSystem),
			message.NewMessage(message.RoleUser, fmt.Sprintf(hydePrompt, q.Text)),
		},
		Temperature: agent.Float(h.temperature),
	})
	if err != nil {
		h.logger.Warn("hypothetical document failed, using original query", "error", err)
		return "", false
	}
	doc, err := diagnosis.TagContent(resp.Text(), tagDocument)
	if err != nil || doc == "" {
		h.logger.Warn("reply carried no hypothetical document, using original query")
		return "", false
	}
	h.logger.Debug("hypothetical document generated", "chars", len([]rune(doc)))
	return doc, true
}
