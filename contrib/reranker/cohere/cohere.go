// Package cohere implements source.Reranker over a Cohere-compatible
// /v1/rerank endpoint (Cohere, SiliconFlow, Jina).
package cohere

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/sweetpotato0/meddx/contrib/source"
)

const (
	defaultBaseURL = "https://api.siliconflow.cn"
	defaultModel   = "Qwen/Qwen3-Reranker-8B"
)

// Client calls a rerank API.
type Client struct {
	apiKey     string
	model      string
	topN       int
	httpClient *http.Client
	endpoint   string
}

var _ source.Reranker = (*Client)(nil)

// Option customises the rerank client.
type Option func(*Client)

// WithModel overrides the rerank model.
func WithModel(model string) Option {
	return func(c *Client) {
		if model != "" {
			c.model = model
		}
	}
}

// WithTopN limits how many documents are returned per call. Zero returns
// every document.
func WithTopN(topN int) Option {
	return func(c *Client) {
		if topN > 0 {
			c.topN = topN
		}
	}
}

// WithHTTPClient swaps the HTTP client (useful for timeouts or proxies).
func WithHTTPClient(client *http.Client) Option {
	return func(c *Client) {
		if client != nil {
			c.httpClient = client
		}
	}
}

// WithBaseURL points the client at another provider. The /v1/rerank path is
// appended.
func WithBaseURL(baseURL string) Option {
	return func(c *Client) {
		if baseURL != "" {
			c.endpoint = strings.TrimRight(baseURL, "/") + "/v1/rerank"
		}
	}
}

// New creates a rerank client.
func New(apiKey string, opts ...Option) (*Client, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("rerank API key not configured")
	}
	client := &Client{
		apiKey:     apiKey,
		model:      defaultModel,
		httpClient: &http.Client{Timeout: 15 * time.Second},
		endpoint:   defaultBaseURL + "/v1/rerank",
	}
	for _, opt := range opts {
		opt(client)
	}
	return client, nil
}

type rerankRequest struct {
	Model     string   `json:"model"`
	Query     string   `json:"query"`
	Documents []string `json:"documents"`
	TopN      int      `json:"top_n,omitempty"`
}

type rerankResponse struct {
	Results []struct {
		Index          int      `json:"index"`
		RelevanceScore *float32 `json:"relevance_score"`
		Score          float32  `json:"score"`
	} `json:"results"`
}

// Rerank implements source.Reranker.
func (c *Client) Rerank(ctx context.Context, query string, documents []string) ([]source.Ranked, error) {
	if len(documents) == 0 {
		return nil, nil
	}
	if strings.TrimSpace(query) == "" {
		return nil, fmt.Errorf("rerank query is empty")
	}

	reqBody, err := json.Marshal(rerankRequest{
		Model:     c.model,
		Query:     query,
		Documents: documents,
		TopN:      c.topN,
	})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(reqBody))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", fmt.Sprintf("Bearer %s", c.apiKey))
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("rerank request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		return nil, fmt.Errorf("rerank failed: status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var rr rerankResponse
	if err := json.NewDecoder(resp.Body).Decode(&rr); err != nil {
		return nil, fmt.Errorf("decode rerank response: %w", err)
	}
	out := make([]source.Ranked, 0, len(rr.Results))
	for _, res := range rr.Results {
		if res.Index < 0 || res.Index >= len(documents) {
			continue
		}
		score := res.Score
		if res.RelevanceScore != nil {
			score = *res.RelevanceScore
		}
		out = append(out, source.Ranked{Index: res.Index, Score: score})
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("rerank returned no results")
	}
	return out, nil
}
