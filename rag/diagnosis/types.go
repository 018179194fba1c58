package diagnosis

import (
	"strings"
)

// SourceTag identifies the retrieval backend that produced an Evidence item.
type SourceTag string

const (
	SourceVector SourceTag = "vector"
	SourceGraph  SourceTag = "graph"
	SourceWeb    SourceTag = "web"
)

// Query is the immutable input of one session.
type Query struct {
	Text     string   `json:"text"`
	Symptoms []string `json:"symptoms,omitempty"`
}

// NewQuery trims text and copies the normalized symptom list.
func NewQuery(text string, symptoms ...string) Query {
	q := Query{Text: strings.TrimSpace(text)}
	for _, s := range symptoms {
		if s = strings.TrimSpace(s); s != "" {
			q.Symptoms = append(q.Symptoms, s)
		}
	}
	return q
}

// SearchText is what retrieval sources search with: the normalized symptoms
// when present, the raw text otherwise.
func (q Query) SearchText() string {
	if len(q.Symptoms) > 0 {
		return strings.Join(q.Symptoms, " ")
	}
	return q.Text
}

// Evidence is a single retrieval hit. Scores are in source-specific units
// and are not comparable across sources.
type Evidence struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	Symptoms    string    `json:"symptoms,omitempty"`
	Score       float32   `json:"score"`
	Source      SourceTag `json:"source"`
	URL         string    `json:"url,omitempty"`
}

func (e Evidence) key() string {
	if e.ID != "" {
		return e.ID
	}
	return string(e.Source) + ":" + e.Name
}

// EvidenceSet is an ordered, identifier-unique sequence of Evidence.
// The zero value is an empty set. Sets are values: Append returns a new set.
type EvidenceSet struct {
	items []Evidence
}

// NewEvidenceSet builds a set, dropping later duplicates of an identifier.
func NewEvidenceSet(items ...Evidence) EvidenceSet {
	return EvidenceSet{}.Append(items...)
}

// Append returns a new set holding s followed by the items whose identifier
// is not already present. The first occurrence wins.
func (s EvidenceSet) Append(items ...Evidence) EvidenceSet {
	out := EvidenceSet{items: make([]Evidence, 0, len(s.items)+len(items))}
	seen := make(map[string]struct{}, len(s.items)+len(items))
	for _, group := range [2][]Evidence{s.items, items} {
		for _, ev := range group {
			k := ev.key()
			if _, dup := seen[k]; dup {
				continue
			}
			seen[k] = struct{}{}
			out.items = append(out.items, ev)
		}
	}
	return out
}

// Items returns a copy of the evidence in order.
func (s EvidenceSet) Items() []Evidence {
	return append([]Evidence(nil), s.items...)
}

// Len returns the number of items.
func (s EvidenceSet) Len() int { return len(s.items) }

// IsEmpty reports whether the set holds no evidence.
func (s EvidenceSet) IsEmpty() bool { return len(s.items) == 0 }

// OnlyFrom reports whether every item carries the given source tag.
func (s EvidenceSet) OnlyFrom(tag SourceTag) bool {
	for _, ev := range s.items {
		if ev.Source != tag {
			return false
		}
	}
	return true
}

// RelevanceTier is the judged match between a query and its evidence.
type RelevanceTier int

const (
	TierLow RelevanceTier = iota
	TierMedium
	TierHigh
)

func (t RelevanceTier) String() string {
	switch t {
	case TierLow:
		return "LOW"
	case TierMedium:
		return "MEDIUM"
	case TierHigh:
		return "HIGH"
	default:
		return "UNKNOWN"
	}
}

// MarshalText implements encoding.TextMarshaler.
func (t RelevanceTier) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

// Judgment is the RelevanceJudge result. Degraded is set when the tier is the
// fail-safe default rather than the collaborator's answer.
type Judgment struct {
	Tier     RelevanceTier
	Degraded *Error
}

// DraftDiagnosis is the output of one generation attempt.
type DraftDiagnosis struct {
	Diseases  []string `json:"diseases"`
	Rationale string   `json:"rationale,omitempty"`
	// Raw is the collaborator reply the draft was parsed from.
	Raw string `json:"-"`
	// Structured is false when Diseases came from the text-cleaning fallback.
	Structured bool `json:"structured"`
}

// Suggestion is the reviewer's guidance for the next attempt.
type Suggestion struct {
	RecommendedDiseases []string `json:"recommended_diseases"`
	Reason              string   `json:"reason"`
}

// ReviewVerdict is produced once per reviewed attempt. Suggestion is always
// non-nil when Accepted is false.
type ReviewVerdict struct {
	Accepted   bool        `json:"accepted"`
	Suggestion *Suggestion `json:"suggestion,omitempty"`
	Degraded   *Error      `json:"degraded,omitempty"`
}

// StateLabel names IterationController states.
type StateLabel string

const (
	StateInit       StateLabel = "INIT"
	StateGenerating StateLabel = "GENERATING"
	StateReviewing  StateLabel = "REVIEWING"
	StateRetrying   StateLabel = "RETRYING"
	StateAccepted   StateLabel = "ACCEPTED"
	StateEscalated  StateLabel = "ESCALATED"
)

// IterationState is the per-session record mutated only by the controller.
type IterationState struct {
	Attempt           int
	LastDraft         *DraftDiagnosis
	LastVerdict       *ReviewVerdict
	CarriedSuggestion *Suggestion
	Transitions       []StateLabel
}

func (s *IterationState) enter(label StateLabel) {
	s.Transitions = append(s.Transitions, label)
}

// Attempt records one pass through GENERATING and, when a draft was
// produced, REVIEWING.
type Attempt struct {
	Number int `json:"number"`
	// Suggestion is the carried guidance this attempt was generated with.
	Suggestion *Suggestion     `json:"suggestion,omitempty"`
	Draft      *DraftDiagnosis `json:"draft,omitempty"`
	Verdict    *ReviewVerdict  `json:"verdict,omitempty"`
	Err        *Error          `json:"error,omitempty"`
}

// Response is the outcome of a completed session.
type Response struct {
	SessionID   string          `json:"session_id"`
	Query       Query           `json:"query"`
	Evidence    []Evidence      `json:"evidence"`
	Tier        RelevanceTier   `json:"tier"`
	Judged      bool            `json:"judged"`
	Outcome     StateLabel      `json:"outcome"`
	Final       *DraftDiagnosis `json:"final"`
	Attempts    []Attempt       `json:"attempts"`
	Transitions []StateLabel    `json:"transitions"`
	// Warnings lists recoverable failures and the fail-safe defaults applied.
	Warnings []*Error `json:"warnings,omitempty"`
	// ConstraintViolations lists emitted disease names outside the constraint list.
	ConstraintViolations []string `json:"constraint_violations,omitempty"`
}

// Diseases returns the final disease names.
func (r *Response) Diseases() []string {
	if r == nil || r.Final == nil {
		return nil
	}
	return append([]string(nil), r.Final.Diseases...)
}
