package diagnosis

import (
	"context"
	"errors"
	"reflect"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/sweetpotato0/meddx/agent"
	"github.com/sweetpotato0/meddx/message"
)

type harness struct {
	judge    *stubLLM
	doctor   agent.LLMClient
	reviewer *stubLLM
	fallback *stubLLM
	primary  *stubSource
	web      *stubSource
}

func newHarness() *harness {
	return &harness{
		judge:    newStubLLM(replyHigh),
		doctor:   newStubLLM(replyDraft),
		reviewer: newStubLLM(replyAccept),
		fallback: newStubLLM(replyDraft),
		primary:  &stubSource{tag: SourceVector, items: vectorHits()},
		web:      &stubSource{tag: SourceWeb, items: webHits()},
	}
}

func (h *harness) pipeline(t *testing.T, opts ...Option) *Pipeline {
	t.Helper()
	p, err := NewPipeline(Clients{
		Judge:    h.judge,
		Doctor:   h.doctor,
		Reviewer: h.reviewer,
		Fallback: h.fallback,
	}, Sources{Primary: h.primary, Secondary: h.web}, opts...)
	if err != nil {
		t.Fatalf("NewPipeline error: %v", err)
	}
	return p
}

func (h *harness) doctorStub(t *testing.T) *stubLLM {
	t.Helper()
	s, ok := h.doctor.(*stubLLM)
	if !ok {
		t.Fatalf("doctor is not a stubLLM")
	}
	return s
}

// flakyDoctor fails on the listed 1-based call numbers.
func flakyDoctor(failOn ...int) (agent.LLMClient, *[]string) {
	var mu sync.Mutex
	var calls int
	var prompts []string
	fail := make(map[int]bool, len(failOn))
	for _, n := range failOn {
		fail[n] = true
	}
	client := agent.ClientFunc(func(ctx context.Context, req *agent.GenerateRequest) (*agent.GenerateResponse, error) {
		mu.Lock()
		defer mu.Unlock()
		calls++
		prompts = append(prompts, req.Messages[len(req.Messages)-1].Text())
		if fail[calls] {
			return nil, errBoom
		}
		return &agent.GenerateResponse{Message: message.NewMessage(message.RoleAssistant, replyDraft)}, nil
	})
	return client, &prompts
}

func TestScenarioAcceptedFirstAttempt(t *testing.T) {
	h := newHarness()
	p := h.pipeline(t)

	resp, err := p.Run(context.Background(), "阵发性痉挛性咳嗽，吸气时有蝉鸣音")
	if err != nil {
		t.Fatalf("Run error: %v", err)
	}
	if resp.Outcome != StateAccepted {
		t.Fatalf("outcome = %s, want ACCEPTED", resp.Outcome)
	}
	if got := h.doctorStub(t).callCount(); got != 1 {
		t.Fatalf("generation calls = %d, want 1", got)
	}
	if h.reviewer.callCount() != 1 || h.web.callCount() != 0 || h.fallback.callCount() != 0 {
		t.Fatalf("review=%d web=%d fallback=%d", h.reviewer.callCount(), h.web.callCount(), h.fallback.callCount())
	}
	if resp.Tier != TierHigh || !resp.Judged {
		t.Fatalf("expected judged HIGH, got %s", resp.Tier)
	}
	if !reflect.DeepEqual(resp.Diseases(), []string{"百日咳"}) {
		t.Fatalf("diseases = %v", resp.Diseases())
	}
	wantStates := []StateLabel{StateInit, StateGenerating, StateReviewing, StateAccepted}
	if !reflect.DeepEqual(resp.Transitions, wantStates) {
		t.Fatalf("transitions = %v", resp.Transitions)
	}
	if resp.SessionID == "" || len(resp.Evidence) != 3 {
		t.Fatalf("unexpected response %+v", resp)
	}
}

func TestScenarioMediumRejectTwiceThenAccept(t *testing.T) {
	h := newHarness()
	h.judge = newStubLLM(replyMedium)
	h.reviewer = newStubLLM(
		replyReject(`"肺炎"`, "first-reason"),
		replyReject(`"百日咳"`, "second-reason"),
		replyAccept,
	)
	p := h.pipeline(t)

	resp, err := p.Run(context.Background(), "咳嗽两周")
	if err != nil {
		t.Fatalf("Run error: %v", err)
	}
	doctor := h.doctorStub(t)
	if resp.Outcome != StateAccepted {
		t.Fatalf("outcome = %s", resp.Outcome)
	}
	if h.web.callCount() != 1 {
		t.Fatalf("secondary calls = %d, want 1", h.web.callCount())
	}
	if doctor.callCount() != 3 || h.reviewer.callCount() != 3 {
		t.Fatalf("generation=%d review=%d, want 3/3", doctor.callCount(), h.reviewer.callCount())
	}

	if strings.Contains(doctor.userPrompt(0), "专家建议") {
		t.Fatalf("attempt 1 must not see a suggestion")
	}
	if p2 := doctor.userPrompt(1); !strings.Contains(p2, "first-reason") {
		t.Fatalf("attempt 2 must see attempt 1's suggestion:\n%s", p2)
	}
	p3 := doctor.userPrompt(2)
	if !strings.Contains(p3, "second-reason") || strings.Contains(p3, "first-reason") {
		t.Fatalf("attempt 3 must see only attempt 2's suggestion:\n%s", p3)
	}
	if resp.Attempts[2].Suggestion == nil || resp.Attempts[2].Suggestion.Reason != "second-reason" {
		t.Fatalf("attempt 3 suggestion = %+v", resp.Attempts[2].Suggestion)
	}
	for i, a := range resp.Attempts {
		if a.Number != i+1 {
			t.Fatalf("attempt numbers must increase by one: %+v", resp.Attempts)
		}
	}
	want := []StateLabel{
		StateInit,
		StateGenerating, StateReviewing, StateRetrying,
		StateGenerating, StateReviewing, StateRetrying,
		StateGenerating, StateReviewing, StateAccepted,
	}
	if !reflect.DeepEqual(resp.Transitions, want) {
		t.Fatalf("transitions = %v", resp.Transitions)
	}
}

func TestScenarioNoEvidenceEscalates(t *testing.T) {
	h := newHarness()
	h.primary = &stubSource{tag: SourceVector}
	h.web = &stubSource{tag: SourceWeb}
	h.reviewer = newStubLLM(replyReject(`"肺炎"`, "不符"))
	p := h.pipeline(t)

	resp, err := p.Run(context.Background(), "头痛")
	if err != nil {
		t.Fatalf("Run error: %v", err)
	}
	doctor := h.doctorStub(t)
	if resp.Outcome != StateEscalated {
		t.Fatalf("outcome = %s, want ESCALATED", resp.Outcome)
	}
	if doctor.callCount() != 3 || h.reviewer.callCount() != 3 {
		t.Fatalf("generation=%d review=%d, want 3/3", doctor.callCount(), h.reviewer.callCount())
	}
	if h.fallback.callCount() != 1 {
		t.Fatalf("fallback calls = %d, want 1", h.fallback.callCount())
	}
	if h.judge.callCount() != 0 {
		t.Fatalf("judge must not run on empty evidence")
	}
	if len(resp.Evidence) != 0 {
		t.Fatalf("expected empty evidence")
	}
	if strings.Contains(h.fallback.userPrompt(0), "相似度") {
		t.Fatalf("fallback must not see evidence")
	}
	if !reflect.DeepEqual(resp.Diseases(), []string{"百日咳"}) {
		t.Fatalf("final = %v", resp.Diseases())
	}
	if !hasWarning(resp, ErrNoEvidenceFound) {
		t.Fatalf("expected NoEvidenceFound warning, got %v", resp.Warnings)
	}
	if last := resp.Transitions[len(resp.Transitions)-1]; last != StateEscalated {
		t.Fatalf("last state = %s", last)
	}
}

func TestScenarioMalformedRelevanceIsMedium(t *testing.T) {
	h := newHarness()
	h.judge = newStubLLM("<relevance>maybe</relevance>")
	p := h.pipeline(t)

	resp, err := p.Run(context.Background(), "咳嗽")
	if err != nil {
		t.Fatalf("Run error: %v", err)
	}
	if resp.Tier != TierMedium {
		t.Fatalf("tier = %s, want MEDIUM", resp.Tier)
	}
	if !hasWarning(resp, ErrJudgmentParseFailure) {
		t.Fatalf("expected JudgmentParseFailure warning")
	}
	if h.web.callCount() != 1 || len(resp.Evidence) != 5 {
		t.Fatalf("MEDIUM must merge secondary evidence")
	}
}

func TestGenerationFailureConsumesAttempt(t *testing.T) {
	h := newHarness()
	doctor, prompts := flakyDoctor(1)
	h.doctor = doctor
	p := h.pipeline(t)

	resp, err := p.Run(context.Background(), "咳嗽")
	if err != nil {
		t.Fatalf("Run error: %v", err)
	}
	if len(*prompts) != 2 || len(resp.Attempts) != 2 {
		t.Fatalf("expected 2 attempts, got %d", len(resp.Attempts))
	}
	if !errors.Is(resp.Attempts[0].Err, ErrGenerationFailure) || resp.Attempts[0].Verdict != nil {
		t.Fatalf("failed attempt must carry the error and no verdict: %+v", resp.Attempts[0])
	}
	if h.reviewer.callCount() != 1 {
		t.Fatalf("only the successful draft is reviewed")
	}
}

func TestSuggestionVisibleToNextAttemptOnly(t *testing.T) {
	h := newHarness()
	doctor, prompts := flakyDoctor(2)
	h.doctor = doctor
	h.reviewer = newStubLLM(replyReject(`"百日咳"`, "carried-once"), replyAccept)
	p := h.pipeline(t)

	resp, err := p.Run(context.Background(), "咳嗽")
	if err != nil {
		t.Fatalf("Run error: %v", err)
	}
	got := *prompts
	if len(got) != 3 {
		t.Fatalf("expected 3 generation calls, got %d", len(got))
	}
	if !strings.Contains(got[1], "carried-once") {
		t.Fatalf("attempt 2 must receive the suggestion")
	}
	if strings.Contains(got[2], "carried-once") {
		t.Fatalf("suggestion must not leak past the attempt that received it")
	}
	if resp.Outcome != StateAccepted {
		t.Fatalf("outcome = %s", resp.Outcome)
	}
}

func TestSessionFailureWhenFallbackAlsoFails(t *testing.T) {
	h := newHarness()
	doctor, _ := flakyDoctor(1, 2, 3)
	h.doctor = doctor
	h.fallback = &stubLLM{err: errBoom}
	p := h.pipeline(t)

	resp, err := p.Run(context.Background(), "咳嗽")
	if !errors.Is(err, ErrGenerationFailure) {
		t.Fatalf("expected GenerationFailure, got %v", err)
	}
	if !errors.Is(err, errBoom) {
		t.Fatalf("causes must be wrapped: %v", err)
	}
	if resp == nil || resp.Outcome != StateEscalated || resp.Final != nil {
		t.Fatalf("expected escalated partial response, got %+v", resp)
	}
	if h.reviewer.callCount() != 0 || len(resp.Attempts) != 3 {
		t.Fatalf("review=%d attempts=%d", h.reviewer.callCount(), len(resp.Attempts))
	}
}

func TestRunRejectsEmptyQuery(t *testing.T) {
	p := newHarness().pipeline(t)
	resp, err := p.Run(context.Background(), "   ")
	if resp != nil || !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected InvalidInput, got %v / %+v", err, resp)
	}
}

func TestRunIgnoresCallerCancellation(t *testing.T) {
	p := newHarness().pipeline(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	resp, err := p.Run(ctx, "咳嗽")
	if err != nil || resp.Outcome != StateAccepted {
		t.Fatalf("session must run to a terminal state: %v / %+v", err, resp)
	}
}

func TestMaxAttemptsOption(t *testing.T) {
	h := newHarness()
	h.reviewer = newStubLLM(replyReject(`"肺炎"`, "no"))
	p := h.pipeline(t, WithMaxAttempts(1))

	resp, err := p.Run(context.Background(), "咳嗽")
	if err != nil {
		t.Fatalf("Run error: %v", err)
	}
	if h.doctorStub(t).callCount() != 1 || h.fallback.callCount() != 1 || resp.Outcome != StateEscalated {
		t.Fatalf("expected one attempt then escalation")
	}
}

func TestConstraintViolationsSurfaced(t *testing.T) {
	h := newHarness()
	h.reviewer = newStubLLM(replyReject(`"哮喘"`, "喘息"), replyAccept)
	p := h.pipeline(t, WithConstraints(NewConstraintList("百日咳", "肺炎")))

	resp, err := p.Run(context.Background(), "咳嗽")
	if err != nil {
		t.Fatalf("Run error: %v", err)
	}
	if !reflect.DeepEqual(resp.ConstraintViolations, []string{"哮喘"}) {
		t.Fatalf("violations = %v", resp.ConstraintViolations)
	}
	if !strings.Contains(h.doctorStub(t).systemPrompt(0), "百日咳, 肺炎") {
		t.Fatalf("constraints missing from generator prompt")
	}
}

func TestNormalizerFeedsRetrieval(t *testing.T) {
	h := newHarness()
	p, err := NewPipeline(Clients{
		Default:    newStubLLM(replyHigh),
		Doctor:     h.doctor,
		Reviewer:   h.reviewer,
		Normalizer: newStubLLM(`<symptom>{"symptom": ["腹泻", "发热"]}</symptom>`),
	}, Sources{Primary: h.primary}, WithRoutePreset(RoutePresetVanilla))
	if err != nil {
		t.Fatalf("NewPipeline error: %v", err)
	}
	resp, err := p.RunSession(context.Background(), Session{ID: "case-7", Text: "拉肚子还发烧"})
	if err != nil {
		t.Fatalf("RunSession error: %v", err)
	}
	if resp.SessionID != "case-7" {
		t.Fatalf("session id = %q", resp.SessionID)
	}
	if got := h.primary.seen[0].SearchText(); got != "腹泻 发热" {
		t.Fatalf("retrieval searched with %q", got)
	}
}

func TestNormalizerFailureIsRecoverable(t *testing.T) {
	h := newHarness()
	p, err := NewPipeline(Clients{
		Default:    newStubLLM(replyHigh),
		Doctor:     h.doctor,
		Reviewer:   h.reviewer,
		Normalizer: &stubLLM{err: errBoom},
	}, Sources{Primary: h.primary})
	if err != nil {
		t.Fatalf("NewPipeline error: %v", err)
	}
	resp, err := p.Run(context.Background(), "拉肚子")
	if err != nil {
		t.Fatalf("Run error: %v", err)
	}
	if !hasWarning(resp, ErrNormalizationFailure) {
		t.Fatalf("expected NormalizationFailure warning")
	}
	if h.primary.seen[0].SearchText() != "拉肚子" {
		t.Fatalf("raw text must be used for retrieval")
	}
}

func TestConcurrentSessionsAreIndependent(t *testing.T) {
	h := newHarness()
	var reviews atomic.Int32
	reviewer := agent.ClientFunc(func(ctx context.Context, req *agent.GenerateRequest) (*agent.GenerateResponse, error) {
		reviews.Add(1)
		return &agent.GenerateResponse{Message: message.NewMessage(message.RoleAssistant, replyAccept)}, nil
	})
	p, err := NewPipeline(Clients{Judge: h.judge, Doctor: h.doctor, Reviewer: reviewer}, Sources{Primary: h.primary})
	if err != nil {
		t.Fatalf("NewPipeline error: %v", err)
	}

	const sessions = 8
	var wg sync.WaitGroup
	errs := make(chan error, sessions)
	for i := 0; i < sessions; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			resp, err := p.Run(context.Background(), "咳嗽")
			if err == nil && len(resp.Attempts) != 1 {
				err = errors.New("unexpected attempt count")
			}
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("session failed: %v", err)
		}
	}
	if reviews.Load() != sessions || h.doctorStub(t).callCount() != sessions {
		t.Fatalf("expected %d reviews and generations", sessions)
	}
}

func TestWithGeneratorOverride(t *testing.T) {
	h := newHarness()
	gen := generatorFunc(func(ctx context.Context, in GenerateInput) (*DraftDiagnosis, error) {
		return &DraftDiagnosis{Diseases: []string{"自定义"}}, nil
	})
	p := h.pipeline(t, WithGenerator(gen))
	resp, err := p.Run(context.Background(), "咳嗽")
	if err != nil || resp.Diseases()[0] != "自定义" {
		t.Fatalf("override not used: %v / %+v", err, resp)
	}
	if h.doctorStub(t).callCount() != 0 {
		t.Fatalf("doctor client must not be called")
	}
}

type generatorFunc func(ctx context.Context, in GenerateInput) (*DraftDiagnosis, error)

func (f generatorFunc) Generate(ctx context.Context, in GenerateInput) (*DraftDiagnosis, error) {
	return f(ctx, in)
}

func TestNewPipelineValidates(t *testing.T) {
	if _, err := NewPipeline(Clients{Default: newStubLLM()}, Sources{}); err == nil {
		t.Fatalf("expected error without primary source")
	}
	if _, err := NewPipeline(Clients{}, Sources{Primary: &stubSource{tag: SourceVector}}); err == nil {
		t.Fatalf("expected error without clients")
	}
}

func hasWarning(resp *Response, kind *Error) bool {
	for _, w := range resp.Warnings {
		if errors.Is(w, kind) {
			return true
		}
	}
	return false
}
