package inmemory

import (
	"context"
	stderrors "errors"
	"testing"

	"github.com/sweetpotato0/meddx/pkg/errors"
	"github.com/sweetpotato0/meddx/vector"
)

// TestInMemoryVectorStore tests in-memory vector store
func TestInMemoryVectorStore(t *testing.T) {
	store := NewInMemoryVectorStore()
	ctx := context.Background()

	t.Run("add and retrieve embedding", func(t *testing.T) {
		emb := &vector.Embedding{
			ID:       "d1",
			Text:     "influenza",
			Vector:   []float32{0.1, 0.2, 0.3},
			Metadata: map[string]string{"name": "流行性感冒"},
		}

		if err := store.AddEmbedding(ctx, emb); err != nil {
			t.Fatalf("AddEmbedding failed: %v", err)
		}

		emb.Metadata["name"] = "mutated"

		retrieved, err := store.GetEmbedding(ctx, "d1")
		if err != nil {
			t.Fatalf("GetEmbedding failed: %v", err)
		}
		if retrieved.Metadata["name"] != "流行性感冒" {
			t.Errorf("stored metadata should be isolated from caller, got %q", retrieved.Metadata["name"])
		}
	})

	t.Run("search embeddings", func(t *testing.T) {
		store.Clear(ctx)

		embeddings := []*vector.Embedding{
			{ID: "d1", Text: "cold", Vector: []float32{1.0, 0.0, 0.0}},
			{ID: "d2", Text: "flu", Vector: []float32{0.7, 0.7, 0.0}},
			{ID: "d3", Text: "migraine", Vector: []float32{0.0, 0.0, 1.0}},
			{ID: "d4", Text: "other dim", Vector: []float32{1.0, 0.0}},
		}
		for _, emb := range embeddings {
			if err := store.AddEmbedding(ctx, emb); err != nil {
				t.Fatalf("AddEmbedding failed: %v", err)
			}
		}

		results, err := store.Search(ctx, []float32{1.0, 0.0, 0.0}, 2)
		if err != nil {
			t.Fatalf("Search failed: %v", err)
		}
		if len(results) != 2 {
			t.Fatalf("Expected 2 results, got %d", len(results))
		}
		if results[0].ID != "d1" || results[1].ID != "d2" {
			t.Errorf("unexpected order: %s, %s", results[0].ID, results[1].ID)
		}
		if results[0].Score < 0.99 {
			t.Errorf("expected top score near 1, got %v", results[0].Score)
		}
		if results[1].Score >= results[0].Score {
			t.Errorf("scores should be descending")
		}
	})

	t.Run("delete and count", func(t *testing.T) {
		if err := store.DeleteEmbedding(ctx, "d1"); err != nil {
			t.Fatalf("DeleteEmbedding failed: %v", err)
		}
		if err := store.DeleteEmbedding(ctx, "d1"); !stderrors.Is(err, errors.ErrNotFound) {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
		count, _ := store.Count(ctx)
		if count != 3 {
			t.Errorf("expected 3 remaining, got %d", count)
		}
	})

	t.Run("invalid input", func(t *testing.T) {
		if err := store.AddEmbedding(ctx, &vector.Embedding{ID: "x"}); !stderrors.Is(err, errors.ErrInvalidInput) {
			t.Errorf("expected ErrInvalidInput, got %v", err)
		}
		if _, err := store.Search(ctx, nil, 3); !stderrors.Is(err, errors.ErrInvalidInput) {
			t.Errorf("expected ErrInvalidInput, got %v", err)
		}
	})
}
