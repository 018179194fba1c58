package prompt

import "testing"

func TestTemplateRender(t *testing.T) {
	tmpl, err := NewTemplate("judge", "query: {{.query}}")
	if err != nil {
		t.Fatalf("NewTemplate: %v", err)
	}
	out, err := tmpl.Render(map[string]any{"query": "fever"})
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	if out != "query: fever" {
		t.Fatalf("unexpected output %q", out)
	}
}

func TestTemplateMissingKey(t *testing.T) {
	tmpl, err := NewTemplate("judge", "query: {{.query}}")
	if err != nil {
		t.Fatalf("NewTemplate: %v", err)
	}
	if _, err := tmpl.Render(map[string]any{}); err == nil {
		t.Fatal("expected error for missing variable")
	}
}

func TestTemplateParseError(t *testing.T) {
	if _, err := NewTemplate("bad", "{{.unclosed"); err == nil {
		t.Fatal("expected parse error")
	}
}
