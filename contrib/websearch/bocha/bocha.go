// Package bocha implements a web-search retrieval source over the BochaAI
// web-search API.
package bocha

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/sweetpotato0/meddx/rag/diagnosis"
	"github.com/sweetpotato0/meddx/rag/preprocess"
)

// WebScore is the fixed score given to every web hit.
const WebScore float32 = 0.9

const defaultBaseURL = "https://api.bochaai.com"

// Config holds BochaAI client configuration
type Config struct {
	APIKey      string
	BaseURL     string
	QueryPrefix string        // prepended to every query, e.g. "医疗 医学"
	Summary     bool          // ask the API for long summaries
	Timeout     time.Duration // per request
}

// DefaultConfig returns default BochaAI configuration
func DefaultConfig(apiKey string) *Config {
	return &Config{
		APIKey:      apiKey,
		BaseURL:     defaultBaseURL,
		QueryPrefix: "医疗 医学",
		Summary:     true,
		Timeout:     30 * time.Second,
	}
}

// Source implements diagnosis.RetrievalSource over BochaAI.
type Source struct {
	config Config
	client *http.Client
}

// New creates a BochaAI source. A nil client uses a client bounded by
// config.Timeout.
func New(config *Config, client *http.Client) (*Source, error) {
	if config == nil {
		config = DefaultConfig("")
	}
	cfg := *config
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("BochaAI API key not configured")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURL
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}
	return &Source{config: cfg, client: client}, nil
}

// Tag implements diagnosis.RetrievalSource.
func (s *Source) Tag() diagnosis.SourceTag { return diagnosis.SourceWeb }

type searchRequest struct {
	Query   string `json:"query"`
	Summary bool   `json:"summary"`
	Count   int    `json:"count"`
}

type searchResponse struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
	Data struct {
		WebPages struct {
			Value []webPage `json:"value"`
		} `json:"webPages"`
	} `json:"data"`
}

type webPage struct {
	Name    string `json:"name"`
	URL     string `json:"url"`
	Snippet string `json:"snippet"`
	Summary string `json:"summary"`
}

// Search implements diagnosis.RetrievalSource.
func (s *Source) Search(ctx context.Context, q diagnosis.Query, topK int) ([]diagnosis.Evidence, error) {
	text := strings.TrimSpace(q.SearchText())
	if text == "" {
		return nil, nil
	}
	if s.config.QueryPrefix != "" {
		text = s.config.QueryPrefix + " " + text
	}
	if topK <= 0 {
		topK = 5
	}

	body, err := json.Marshal(searchRequest{Query: text, Summary: s.config.Summary, Count: topK})
	if err != nil {
		return nil, fmt.Errorf("encode web search request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.config.BaseURL+"/v1/web-search", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build web search request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+s.config.APIKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("web search request: %w", err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, fmt.Errorf("read web search response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("web search returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(payload)))
	}

	var out searchResponse
	if err := json.Unmarshal(payload, &out); err != nil {
		return nil, fmt.Errorf("decode web search response: %w", err)
	}
	if out.Code != 0 && out.Code != http.StatusOK {
		return nil, fmt.Errorf("web search returned code %d: %s", out.Code, out.Msg)
	}

	pages := out.Data.WebPages.Value
	if len(pages) > topK {
		pages = pages[:topK]
	}
	evidence := make([]diagnosis.Evidence, 0, len(pages))
	for i, page := range pages {
		if ev, ok := evidenceFromPage(i, page); ok {
			evidence = append(evidence, ev)
		}
	}
	return evidence, nil
}

// evidenceFromPage maps one result page. The id is the url, then the page
// name, then the page position so unnamed pages stay distinct after dedupe.
func evidenceFromPage(index int, page webPage) (diagnosis.Evidence, bool) {
	name := strings.TrimSpace(page.Name)
	url := strings.TrimSpace(page.URL)
	desc := page.Snippet
	if strings.TrimSpace(page.Summary) != "" {
		desc = page.Summary
	}
	desc = preprocess.Preprocess(desc)
	if name == "" && url == "" && desc == "" {
		return diagnosis.Evidence{}, false
	}
	id := url
	if id == "" {
		id = name
	}
	if id == "" {
		id = "web:" + strconv.Itoa(index)
	}
	return diagnosis.Evidence{
		ID:          id,
		Name:        name,
		Description: desc,
		Score:       WebScore,
		Source:      diagnosis.SourceWeb,
		URL:         url,
	}, true
}
