package message

import (
	"testing"
)

func TestNewMessage(t *testing.T) {
	msg := NewMessage(RoleUser, "Hello, world!")

	if msg.Role != RoleUser {
		t.Errorf("Expected role %s, got %s", RoleUser, msg.Role)
	}

	if msg.Content != "Hello, world!" {
		t.Errorf("Expected content 'Hello, world!', got '%s'", msg.Content)
	}

	if msg.ID == "" {
		t.Error("Expected non-empty ID")
	}

	if msg.CreatedAt.IsZero() {
		t.Error("Expected non-zero created time")
	}
}

func TestMessageIDsAreUnique(t *testing.T) {
	a := System("a")
	b := User("b")
	if a.ID == b.ID {
		t.Fatalf("expected distinct ids, both were %q", a.ID)
	}
}

func TestTextTrimsAndHandlesNil(t *testing.T) {
	var nilMsg *Message
	if got := nilMsg.Text(); got != "" {
		t.Fatalf("expected empty text for nil message, got %q", got)
	}
	if got := User("  <relevance>2</relevance>\n").Text(); got != "<relevance>2</relevance>" {
		t.Fatalf("unexpected text %q", got)
	}
}
