package diagnosis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"
	"github.com/sweetpotato0/meddx/agent"
	"github.com/sweetpotato0/meddx/graph"
	"github.com/sweetpotato0/meddx/pkg/logging"
	"github.com/sweetpotato0/meddx/pkg/telemetry"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const sessionStateKey = "__diagnosis_session_state"

// Clients groups the reasoning collaborators used by each role. Unset roles
// use Default. Normalizer is opt-in and never falls back to Default.
type Clients struct {
	Default    agent.LLMClient
	Judge      agent.LLMClient
	Doctor     agent.LLMClient
	Reviewer   agent.LLMClient
	Fallback   agent.LLMClient
	Normalizer agent.LLMClient
}

// Session is one diagnosis request. An empty ID is replaced by a UUID.
// Symptoms, when set, skip normalization.
type Session struct {
	ID       string
	Text     string
	Symptoms []string
}

// Pipeline is the IterationController: it routes retrieval once, then runs
// generate/review cycles until a draft is accepted or the attempt budget is
// spent, in which case the escalation fallback produces the final answer.
//
// Sessions share no mutable state; one Pipeline serves concurrent sessions.
type Pipeline struct {
	cfg        *Config
	router     *Router
	generator  DiagnosisGenerator
	reviewer   Reviewer
	fallback   *EscalationFallback
	normalizer SymptomNormalizer
	graph      *graph.Graph
	logger     *slog.Logger
}

type sessionState struct {
	ID        string
	Query     Query
	Retrieval Retrieval
	Iter      IterationState
	Attempts  []Attempt
	Final     *DraftDiagnosis
	Outcome   StateLabel
	Warnings  []*Error
	loopErr   *Error
	failure   error
}

// NewPipeline wires the diagnosis state machine.
func NewPipeline(clients Clients, sources Sources, opts ...Option) (*Pipeline, error) {
	cfg := applyOptions(nil, opts)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	p := &Pipeline{
		cfg:        cfg,
		generator:  cfg.generator,
		reviewer:   cfg.reviewer,
		normalizer: cfg.normalizer,
		logger:     logging.WithComponent("diagnosis_pipeline").With("pipeline", cfg.Name),
	}

	var judge *RelevanceJudge
	if !cfg.Route.SkipJudge {
		var err error
		if judge, err = newRelevanceJudge(pickClient(clients.Judge, clients.Default), cfg); err != nil {
			return nil, err
		}
	}
	router, err := newRouter(sources, judge, cfg)
	if err != nil {
		return nil, err
	}
	p.router = router

	if p.generator == nil {
		if p.generator, err = newLLMGenerator(pickClient(clients.Doctor, clients.Default), cfg); err != nil {
			return nil, err
		}
	}
	if p.reviewer == nil {
		if p.reviewer, err = newExpertReviewer(pickClient(clients.Reviewer, clients.Default), cfg); err != nil {
			return nil, err
		}
	}
	fallbackLLM := pickClient(clients.Fallback, pickClient(clients.Doctor, clients.Default))
	if p.fallback, err = newEscalationFallback(fallbackLLM, cfg); err != nil {
		return nil, err
	}
	if p.normalizer == nil && clients.Normalizer != nil {
		if p.normalizer, err = newLLMNormalizer(clients.Normalizer, cfg); err != nil {
			return nil, err
		}
	}

	g := graph.NewBuilder().
		AddNode("init", graph.NodeTypeStart, p.traced("init", p.initNode)).
		AddNode("generate", graph.NodeTypeStep, p.traced("generate", p.generateNode)).
		AddConditionNode("draft_gate", p.draftGate, map[string]string{
			"review":   "review",
			"retry":    "retry",
			"escalate": "escalate",
		}).
		AddNode("review", graph.NodeTypeStep, p.traced("review", p.reviewNode)).
		AddConditionNode("verdict_gate", p.verdictGate, map[string]string{
			"accept":   "accept",
			"retry":    "retry",
			"escalate": "escalate",
		}).
		AddNode("retry", graph.NodeTypeStep, p.retryNode).
		AddNode("accept", graph.NodeTypeStep, p.acceptNode).
		AddNode("escalate", graph.NodeTypeStep, p.traced("escalate", p.escalateNode)).
		AddNode("end", graph.NodeTypeEnd, nil).
		AddEdge("init", "generate").
		AddEdge("generate", "draft_gate").
		AddEdge("review", "verdict_gate").
		AddEdge("retry", "generate").
		AddEdge("accept", "end").
		AddEdge("escalate", "end").
		SetStart("init").
		SetEnd("end").
		SetMaxVisits(cfg.MaxAttempts).
		OnTransition(p.logTransition).
		Build()
	p.graph = g

	p.logger.Info("diagnosis pipeline initialised",
		"max_attempts", cfg.MaxAttempts,
		"top_k", cfg.TopK,
		"route_policy", cfg.Route.Name,
		"secondary", sources.Secondary != nil,
		"constraints", cfg.constraints.Len(),
		"normalizer", p.normalizer != nil,
	)
	return p, nil
}

func pickClient(primary, fallback agent.LLMClient) agent.LLMClient {
	if primary != nil {
		return primary
	}
	return fallback
}

// Run diagnoses free text under a fresh session id.
func (p *Pipeline) Run(ctx context.Context, text string) (*Response, error) {
	return p.RunSession(ctx, Session{Text: text})
}

// RunSession runs one session to a terminal state. Caller cancellation does
// not interrupt the loop; every external call is bounded by the call
// timeout instead. The error is non-nil only for InvalidInput, or for
// GenerationFailure when both the loop and the fallback produced nothing; the
// partial Response is returned alongside it.
func (p *Pipeline) RunSession(ctx context.Context, s Session) (*Response, error) {
	text := strings.TrimSpace(s.Text)
	if text == "" && len(s.Symptoms) == 0 {
		return nil, newError(KindInvalidInput, "run", errors.New("query text cannot be empty"))
	}
	id := s.ID
	if id == "" {
		id = uuid.NewString()
	}

	ctx, span := telemetry.Tracer().Start(context.WithoutCancel(ctx), "diagnosis.session",
		trace.WithAttributes(
			attribute.String("diagnosis.session_id", id),
			attribute.String("diagnosis.pipeline", p.cfg.Name),
		))

	st := &sessionState{
		ID:    id,
		Query: NewQuery(text, s.Symptoms...),
	}
	logger := p.logger.With("session_id", id)
	logger.Info("diagnosis session started", "query", trimForLog(text, 120))

	_, err := p.graph.Execute(ctx, graph.State{sessionStateKey: st})
	if err == nil {
		err = st.failure
	}
	resp := st.response()
	resp.ConstraintViolations = p.violations(st)
	span.SetAttributes(
		attribute.String("diagnosis.outcome", string(resp.Outcome)),
		attribute.Int("diagnosis.attempts", len(resp.Attempts)),
	)
	telemetry.End(span, err)
	if err != nil {
		logger.Error("diagnosis session failed", "outcome", resp.Outcome, "error", err)
		return resp, err
	}
	logger.Info("diagnosis session completed",
		"outcome", resp.Outcome,
		"attempts", len(resp.Attempts),
		"diseases", resp.Diseases(),
		"warnings", len(resp.Warnings),
	)
	return resp, nil
}

// Config returns the resolved configuration.
func (p *Pipeline) Config() Config { return *p.cfg }

func (p *Pipeline) initNode(ctx context.Context, state graph.State) (graph.State, error) {
	st, err := getState(state)
	if err != nil {
		return state, err
	}
	st.Iter = IterationState{}
	st.Iter.enter(StateInit)

	if p.normalizer != nil && len(st.Query.Symptoms) == 0 {
		symptoms, err := p.normalizer.Normalize(ctx, st.Query.Text)
		if err != nil {
			st.warn(asError(err, KindNormalizationFailure, "normalize"))
			p.logger.Warn("symptom normalization failed, searching with raw text", "session_id", st.ID, "error", err)
		}
		st.Query = NewQuery(st.Query.Text, symptoms...)
	}

	st.Retrieval = p.router.Retrieve(ctx, st.Query)
	for _, w := range st.Retrieval.Warnings {
		st.warn(w)
	}
	p.logger.Info("evidence assembled",
		"session_id", st.ID,
		"tier", st.Retrieval.Tier.String(),
		"judged", st.Retrieval.Judged,
		"evidence_count", st.Retrieval.Evidence.Len(),
		"secondary_calls", st.Retrieval.SecondaryCalls,
	)
	return state, nil
}

func (p *Pipeline) generateNode(ctx context.Context, state graph.State) (graph.State, error) {
	st, err := getState(state)
	if err != nil {
		return state, err
	}
	st.Iter.enter(StateGenerating)
	st.Iter.Attempt++
	suggestion := st.Iter.CarriedSuggestion
	st.Iter.CarriedSuggestion = nil

	rec := Attempt{Number: st.Iter.Attempt, Suggestion: suggestion}
	draft, genErr := p.generator.Generate(ctx, GenerateInput{
		Query:       st.Query,
		Evidence:    st.Retrieval.Evidence,
		Suggestion:  suggestion,
		Constraints: p.cfg.constraints,
		Attempt:     st.Iter.Attempt,
	})
	st.Iter.LastDraft = draft
	st.Iter.LastVerdict = nil
	if genErr != nil {
		rec.Err = asError(genErr, KindGenerationFailure, "generate")
		st.loopErr = rec.Err
		p.logger.Warn("generation attempt failed", "session_id", st.ID, "attempt", rec.Number, "error", genErr)
	} else {
		rec.Draft = draft
	}
	st.Attempts = append(st.Attempts, rec)
	return state, nil
}

func (p *Pipeline) draftGate(ctx context.Context, state graph.State) (string, error) {
	st, err := getState(state)
	if err != nil {
		return "", err
	}
	switch {
	case st.Iter.LastDraft != nil:
		return "review", nil
	case st.Iter.Attempt < p.cfg.MaxAttempts:
		return "retry", nil
	default:
		return "escalate", nil
	}
}

func (p *Pipeline) reviewNode(ctx context.Context, state graph.State) (graph.State, error) {
	st, err := getState(state)
	if err != nil {
		return state, err
	}
	st.Iter.enter(StateReviewing)
	verdict := p.reviewer.Review(ctx, ReviewInput{
		Query:       st.Query,
		Evidence:    st.Retrieval.Evidence,
		Draft:       st.Iter.LastDraft,
		Constraints: p.cfg.constraints,
		Attempt:     st.Iter.Attempt,
	})
	if !verdict.Accepted && verdict.Suggestion == nil {
		verdict.Suggestion = GenericSuggestion()
	}
	if verdict.Degraded != nil {
		st.warn(verdict.Degraded)
	}
	st.Iter.LastVerdict = &verdict
	st.Attempts[len(st.Attempts)-1].Verdict = &verdict
	if !verdict.Accepted && st.Iter.Attempt < p.cfg.MaxAttempts {
		st.Iter.CarriedSuggestion = verdict.Suggestion
	}
	return state, nil
}

func (p *Pipeline) verdictGate(ctx context.Context, state graph.State) (string, error) {
	st, err := getState(state)
	if err != nil {
		return "", err
	}
	switch {
	case st.Iter.LastVerdict != nil && st.Iter.LastVerdict.Accepted:
		return "accept", nil
	case st.Iter.Attempt < p.cfg.MaxAttempts:
		return "retry", nil
	default:
		return "escalate", nil
	}
}

func (p *Pipeline) retryNode(ctx context.Context, state graph.State) (graph.State, error) {
	st, err := getState(state)
	if err != nil {
		return state, err
	}
	st.Iter.enter(StateRetrying)
	return state, nil
}

func (p *Pipeline) acceptNode(ctx context.Context, state graph.State) (graph.State, error) {
	st, err := getState(state)
	if err != nil {
		return state, err
	}
	st.Iter.enter(StateAccepted)
	st.Outcome = StateAccepted
	st.Final = st.Iter.LastDraft
	return state, nil
}

func (p *Pipeline) escalateNode(ctx context.Context, state graph.State) (graph.State, error) {
	st, err := getState(state)
	if err != nil {
		return state, err
	}
	st.Iter.enter(StateEscalated)
	st.Outcome = StateEscalated
	p.logger.Info("attempt budget exhausted, escalating", "session_id", st.ID, "attempts", st.Iter.Attempt)

	draft, ferr := p.fallback.Diagnose(ctx, st.Query, p.cfg.constraints)
	if ferr != nil {
		st.failure = p.sessionFailure(st, ferr)
		return state, nil
	}
	st.Final = draft
	return state, nil
}

func (p *Pipeline) sessionFailure(st *sessionState, fallbackErr error) *Error {
	cause := fmt.Errorf("escalation: %w", fallbackErr)
	if st.loopErr != nil {
		cause = errors.Join(fmt.Errorf("last attempt: %w", st.loopErr), cause)
	}
	return newError(KindGenerationFailure, "session "+st.ID, cause)
}

func (p *Pipeline) traced(name string, fn graph.NodeFunc) graph.NodeFunc {
	return func(ctx context.Context, state graph.State) (graph.State, error) {
		ctx, span := telemetry.Tracer().Start(ctx, "diagnosis."+name)
		if st, err := getState(state); err == nil {
			span.SetAttributes(
				attribute.String("diagnosis.session_id", st.ID),
				attribute.Int("diagnosis.attempt", st.Iter.Attempt),
			)
		}
		next, err := fn(ctx, state)
		telemetry.End(span, err)
		return next, err
	}
}

func (p *Pipeline) logTransition(ctx context.Context, from, to string, state graph.State) {
	st, err := getState(state)
	if err != nil {
		return
	}
	p.logger.Debug("state transition", "session_id", st.ID, "from", from, "to", to, "attempt", st.Iter.Attempt)
}

func (st *sessionState) warn(e *Error) {
	if e != nil {
		st.Warnings = append(st.Warnings, e)
	}
}

func (st *sessionState) response() *Response {
	return &Response{
		SessionID:   st.ID,
		Query:       st.Query,
		Evidence:    st.Retrieval.Evidence.Items(),
		Tier:        st.Retrieval.Tier,
		Judged:      st.Retrieval.Judged,
		Outcome:     st.Outcome,
		Final:       st.Final,
		Attempts:    append([]Attempt(nil), st.Attempts...),
		Transitions: append([]StateLabel(nil), st.Iter.Transitions...),
		Warnings:    append([]*Error(nil), st.Warnings...),
	}
}

func (p *Pipeline) violations(st *sessionState) []string {
	if p.cfg.constraints.IsEmpty() {
		return nil
	}
	var names []string
	for _, a := range st.Attempts {
		if a.Draft != nil {
			names = append(names, a.Draft.Diseases...)
		}
		if a.Verdict != nil && a.Verdict.Suggestion != nil {
			names = append(names, a.Verdict.Suggestion.RecommendedDiseases...)
		}
	}
	if st.Final != nil {
		names = append(names, st.Final.Diseases...)
	}
	return p.cfg.constraints.Violations(names)
}

func getState(state graph.State) (*sessionState, error) {
	raw, ok := state[sessionStateKey]
	if !ok {
		return nil, fmt.Errorf("diagnosis state missing in graph")
	}
	st, ok := raw.(*sessionState)
	if !ok {
		return nil, fmt.Errorf("invalid diagnosis state type")
	}
	return st, nil
}

// asError keeps an existing *Error or wraps err with kind.
func asError(err error, kind ErrorKind, op string) *Error {
	var de *Error
	if errors.As(err, &de) {
		return de
	}
	return newError(kind, op, err)
}

func trimForLog(text string, limit int) string {
	text = strings.TrimSpace(text)
	runes := []rune(text)
	if limit <= 0 || len(runes) <= limit {
		return text
	}
	return string(runes[:limit]) + "..."
}
