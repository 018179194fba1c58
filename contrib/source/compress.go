package source

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/sweetpotato0/meddx/agent"
	"github.com/sweetpotato0/meddx/message"
	"github.com/sweetpotato0/meddx/pkg/logging"
	"github.com/sweetpotato0/meddx/rag/diagnosis"
)

const (
	tagRelevantIDs = "relevant_oids"

	compressSystem = `你是一个信息过滤专家。
你的任务是分析文档片段，找出与用户查询相关的疾病，删除无关内容。

要求：
1. 宁可多选，不可漏掉有助于回答查询的疾病
2. 保持文档的原始顺序
3. 排除所有与查询无关的疾病

将相关疾病的ID放在<relevant_oids>标签中，格式为JSON数组：
<relevant_oids>["id1", "id2"]</relevant_oids>

避免返回空列表，除非真的没有任何相关疾病。`
)

// CompressSource filters the inner hits down to those a collaborator marks
// relevant to the query. Any failure, or an empty selection, keeps every hit.
type CompressSource struct {
	inner       diagnosis.RetrievalSource
	llm         agent.LLMClient
	temperature float64
	timeout     time.Duration
	logger      *slog.Logger
}

// CompressOption customises a CompressSource.
type CompressOption func(*CompressSource)

// WithFilterTimeout bounds the filtering call.
func WithFilterTimeout(d time.Duration) CompressOption {
	return func(c *CompressSource) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// NewCompressSource wraps inner with relevance filtering.
func NewCompressSource(inner diagnosis.RetrievalSource, llm agent.LLMClient, opts ...CompressOption) (*CompressSource, error) {
	if inner == nil || llm == nil {
		return nil, fmt.Errorf("compress source requires an inner source and a client")
	}
	c := &CompressSource{
		inner:       inner,
		llm:         llm,
		temperature: 0.7,
		timeout:     60 * time.Second,
		logger:      logging.WithComponent("compress_source"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Tag implements diagnosis.RetrievalSource.
func (c *CompressSource) Tag() diagnosis.SourceTag { return c.inner.Tag() }

// Search implements diagnosis.RetrievalSource.
func (c *CompressSource) Search(ctx context.Context, q diagnosis.Query, topK int) ([]diagnosis.Evidence, error) {
	hits, err := c.inner.Search(ctx, q, topK)
	if err != nil || len(hits) < 2 {
		return hits, err
	}

	keep, err := c.selectIDs(ctx, q, hits)
	if err != nil {
		c.logger.Warn("evidence filtering failed, keeping every hit", "error", err)
		return hits, nil
	}
	out := make([]diagnosis.Evidence, 0, len(keep))
	for _, hit := range hits {
		if _, ok := keep[hit.ID]; ok {
			out = append(out, hit)
		}
	}
	if len(out) == 0 {
		c.logger.Warn("filter matched no hit, keeping every hit")
		return hits, nil
	}
	c.logger.Debug("evidence filtered", "before", len(hits), "after", len(out))
	return out, nil
}

func (c *CompressSource) selectIDs(ctx context.Context, q diagnosis.Query, hits []diagnosis.Evidence) (map[string]struct{}, error) {
	callCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	resp, err := c.llm.Generate(callCtx, &agent.GenerateRequest{
		Messages: []*message.Message{
			message.NewMessage(message.RoleSystem, compressSystem),
			message.NewMessage(message.RoleUser, fmt.Sprintf("用户查询: %s\n\n文档内容:\n%s", q.Text, compressDocuments(hits))),
		},
		Temperature: agent.Float(c.temperature),
	})
	if err != nil {
		return nil, err
	}
	ids, err := ParseRelevantIDs(resp.Text())
	if err != nil {
		return nil, err
	}
	keep := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		keep[id] = struct{}{}
	}
	return keep, nil
}

func compressDocuments(hits []diagnosis.Evidence) string {
	var b strings.Builder
	for i, hit := range hits {
		fmt.Fprintf(&b, "文档%d:\nID: %s\n疾病名称: %s\n描述: %s\n", i+1, hit.ID, hit.Name, hit.Description)
		if hit.Symptoms != "" {
			fmt.Fprintf(&b, "症状: %s\n", hit.Symptoms)
		}
		b.WriteString("\n")
	}
	return b.String()
}

// ParseRelevantIDs reads the JSON array inside <relevant_oids>. An empty
// array is an error so callers keep the unfiltered hits.
func ParseRelevantIDs(text string) ([]string, error) {
	raw, err := diagnosis.TagContent(text, tagRelevantIDs)
	if err != nil {
		return nil, err
	}
	var ids []string
	if err := json.Unmarshal([]byte(raw), &ids); err != nil {
		return nil, fmt.Errorf("<%s> is not a JSON string array: %w", tagRelevantIDs, err)
	}
	if len(ids) == 0 {
		return nil, fmt.Errorf("<%s> selected nothing", tagRelevantIDs)
	}
	return ids, nil
}
