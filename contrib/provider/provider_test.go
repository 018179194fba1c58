package provider

import (
	"context"
	"testing"

	"github.com/sweetpotato0/meddx/contrib/provider/claude"
	"github.com/sweetpotato0/meddx/contrib/provider/openai"
)

func TestNew(t *testing.T) {
	ctx := context.Background()

	c, err := New(ctx, Spec{APIKey: "k", Model: "deepseek-chat"})
	if err != nil {
		t.Fatalf("New openai: %v", err)
	}
	if _, ok := c.(*openai.Provider); !ok {
		t.Fatalf("expected openai provider, got %T", c)
	}

	c, err = New(ctx, Spec{Kind: "Claude", APIKey: "k"})
	if err != nil {
		t.Fatalf("New claude: %v", err)
	}
	if _, ok := c.(*claude.Provider); !ok {
		t.Fatalf("expected claude provider, got %T", c)
	}

	if _, err := New(ctx, Spec{Kind: "cohere"}); err == nil {
		t.Fatal("expected error for unknown kind")
	}
	if _, err := New(ctx, Spec{Kind: KindGemini}); err == nil {
		t.Fatal("expected error for gemini without key")
	}
}

func TestSpecIsZero(t *testing.T) {
	if !(Spec{}).IsZero() {
		t.Fatal("empty spec should be zero")
	}
	if (Spec{Model: "m"}).IsZero() {
		t.Fatal("spec with model should not be zero")
	}
}
