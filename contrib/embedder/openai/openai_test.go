package openai

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/openai/openai-go/v3/option"
)

func newTestServer(t *testing.T, handler http.HandlerFunc) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return srv
}

func TestEmbedBatchOrdersByIndex(t *testing.T) {
	srv := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/embeddings" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"object": "list",
			"model":  "text-embedding-v3",
			"data": []map[string]any{
				{"object": "embedding", "index": 1, "embedding": []float64{0, 1}},
				{"object": "embedding", "index": 0, "embedding": []float64{1, 0}},
			},
			"usage": map[string]any{"prompt_tokens": 2, "total_tokens": 2},
		})
	})

	e := New("test-key", srv.URL, "text-embedding-v3", 2, option.WithMaxRetries(0))
	vecs, err := e.EmbedBatch(context.Background(), []string{"发热", "咳嗽"})
	if err != nil {
		t.Fatalf("EmbedBatch failed: %v", err)
	}
	if vecs[0][0] != 1 || vecs[1][1] != 1 {
		t.Fatalf("vectors not ordered by index: %v", vecs)
	}
}

func TestEmbedCountMismatch(t *testing.T) {
	srv := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"object":"list","model":"m","data":[],"usage":{"prompt_tokens":0,"total_tokens":0}}`))
	})

	e := New("test-key", srv.URL, "m", 2, option.WithMaxRetries(0))
	if _, err := e.Embed(context.Background(), "发热"); err == nil {
		t.Fatal("expected error for empty data")
	}
}

func TestConvertVectorPadsAndTruncates(t *testing.T) {
	if v := convertVector([]float64{1, 2, 3}, 2); len(v) != 2 || v[1] != 2 {
		t.Fatalf("unexpected truncation %v", v)
	}
	if v := convertVector([]float64{1}, 3); len(v) != 3 || v[2] != 0 {
		t.Fatalf("unexpected padding %v", v)
	}
	if v := convertVector([]float64{1, 2}, 0); len(v) != 2 {
		t.Fatalf("zero dimension should keep input length, got %v", v)
	}
}
