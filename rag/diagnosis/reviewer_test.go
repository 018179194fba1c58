package diagnosis

import (
	"context"
	"errors"
	"reflect"
	"strings"
	"testing"
)

func reviewInput() ReviewInput {
	return ReviewInput{
		Query:       NewQuery("咳嗽两周，夜间加重"),
		Evidence:    NewEvidenceSet(vectorHits()...),
		Draft:       &DraftDiagnosis{Diseases: []string{"支气管炎"}},
		Constraints: NewConstraintList("百日咳", "支气管炎", "肺炎"),
		Attempt:     1,
	}
}

func TestReviewerAccepts(t *testing.T) {
	llm := newStubLLM(replyAccept)
	r, err := NewExpertReviewer(llm)
	if err != nil {
		t.Fatalf("NewExpertReviewer error: %v", err)
	}
	v := r.Review(context.Background(), reviewInput())
	if !v.Accepted || v.Degraded != nil || v.Suggestion != nil {
		t.Fatalf("expected clean accept, got %+v", v)
	}
	prompt := llm.userPrompt(0)
	for _, want := range []string{"支气管炎", "可选疾病列表：百日咳, 支气管炎, 肺炎", "咳嗽两周"} {
		if !strings.Contains(prompt, want) {
			t.Fatalf("review prompt missing %q:\n%s", want, prompt)
		}
	}
	if temp := llm.requests[0].TemperatureOr(-1); temp != 0.3 {
		t.Fatalf("expected reviewer temperature 0.3, got %v", temp)
	}
}

func TestReviewerRejectWithSuggestion(t *testing.T) {
	r, _ := NewExpertReviewer(newStubLLM(replyReject(`"百日咳"`, "吸气时有蝉鸣音")))
	v := r.Review(context.Background(), reviewInput())
	if v.Accepted {
		t.Fatalf("expected rejection")
	}
	want := &Suggestion{RecommendedDiseases: []string{"百日咳"}, Reason: "吸气时有蝉鸣音"}
	if !reflect.DeepEqual(v.Suggestion, want) {
		t.Fatalf("suggestion = %+v, want %+v", v.Suggestion, want)
	}
}

func TestReviewerRejectWithoutSuggestionGetsGeneric(t *testing.T) {
	for _, reply := range []string{
		"<expert_review>0</expert_review>",
		"<expert_review>0</expert_review><diagnostic_suggestions>{broken</diagnostic_suggestions>",
	} {
		r, _ := NewExpertReviewer(newStubLLM(reply))
		v := r.Review(context.Background(), reviewInput())
		if v.Accepted {
			t.Fatalf("%q: expected rejection", reply)
		}
		if v.Suggestion == nil || v.Suggestion.Reason != genericSuggestionReason {
			t.Fatalf("%q: expected generic suggestion, got %+v", reply, v.Suggestion)
		}
	}
}

func TestReviewerFailsOpen(t *testing.T) {
	cases := map[string]*stubLLM{
		"unparseable": newStubLLM("看起来不错"),
		"bad digit":   newStubLLM("<expert_review>2</expert_review>"),
		"call error":  {err: errBoom},
	}
	for name, llm := range cases {
		t.Run(name, func(t *testing.T) {
			r, _ := NewExpertReviewer(llm)
			v := r.Review(context.Background(), reviewInput())
			if !v.Accepted {
				t.Fatalf("expected fail-open accept")
			}
			if !errors.Is(v.Degraded, ErrJudgmentParseFailure) {
				t.Fatalf("expected degraded marker, got %v", v.Degraded)
			}
		})
	}
}

func TestReviewerWithoutDraftFailsOpen(t *testing.T) {
	llm := newStubLLM(replyReject(`"百日咳"`, "x"))
	r, _ := NewExpertReviewer(llm)
	in := reviewInput()
	in.Draft = nil
	if v := r.Review(context.Background(), in); !v.Accepted || v.Degraded == nil {
		t.Fatalf("expected degraded accept, got %+v", v)
	}
	if llm.callCount() != 0 {
		t.Fatalf("reviewer must not call without a draft")
	}
}
