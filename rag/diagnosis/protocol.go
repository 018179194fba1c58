package diagnosis

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"unicode/utf8"
)

// Tags carried inside collaborator replies.
const (
	TagRelevance   = "relevance"
	TagReview      = "expert_review"
	TagSuggestions = "diagnostic_suggestions"
	TagFinal       = "final_diagnosis"
	TagSymptom     = "symptom"
)

// ErrTagNotFound is returned when the enclosing tag is absent from a reply.
var ErrTagNotFound = errors.New("tag not found")

// genericSuggestionReason is used when a rejection carries no usable guidance.
const genericSuggestionReason = "re-evaluate symptoms against full differential"

var (
	thinkBlockRe = regexp.MustCompile(`(?s)<think>.*?</think>`)
	tagPatterns  = map[string]*regexp.Regexp{}

	diseasesArrayRe = regexp.MustCompile(`(?s)"?diseases"?\s*[:：]\s*\[(.*?)\]`)
	listSplitRe     = regexp.MustCompile(`[,，、;；]`)
	fenceRe         = regexp.MustCompile("(?s)```[a-zA-Z]*")
	anyTagRe        = regexp.MustCompile(`</?[a-zA-Z_]+>`)
	spaceRunRe      = regexp.MustCompile(`\s+`)

	// Free-text conclusions, tried in order when no tag is present.
	conclusionPatterns = []*regexp.Regexp{
		regexp.MustCompile(`初步诊断[：:]\s*([^。\n]+)`),
		regexp.MustCompile(`诊断[：:]\s*([^。\n]+)`),
		regexp.MustCompile(`可能的疾病[：:]\s*([^。\n]+)`),
		regexp.MustCompile(`考虑[：:]?\s*([^。\n，,]+)`),
	}
)

func init() {
	for _, tag := range []string{TagRelevance, TagReview, TagSuggestions, TagFinal, TagSymptom} {
		tagPatterns[tag] = regexp.MustCompile(`(?s)<` + tag + `>(.*?)</` + tag + `>`)
	}
}

// StripReasoning drops <think> blocks emitted by reasoning models, including
// an unterminated prefix that ends in </think>.
func StripReasoning(text string) string {
	text = thinkBlockRe.ReplaceAllString(text, "")
	if idx := strings.LastIndex(text, "</think>"); idx >= 0 {
		text = text[idx+len("</think>"):]
	}
	return strings.TrimSpace(text)
}

// TagContent returns the trimmed payload of the last occurrence of tag.
func TagContent(text, tag string) (string, error) {
	re, ok := tagPatterns[tag]
	if !ok {
		re = regexp.MustCompile(`(?s)<` + regexp.QuoteMeta(tag) + `>(.*?)</` + regexp.QuoteMeta(tag) + `>`)
	}
	matches := re.FindAllStringSubmatch(StripReasoning(text), -1)
	if len(matches) == 0 {
		return "", fmt.Errorf("<%s>: %w", tag, ErrTagNotFound)
	}
	return strings.TrimSpace(matches[len(matches)-1][1]), nil
}

// ParseRelevance reads <relevance>N</relevance> with N in {0,1,2}.
func ParseRelevance(text string) (RelevanceTier, error) {
	payload, err := TagContent(text, TagRelevance)
	if err != nil {
		return TierMedium, err
	}
	n, err := strconv.Atoi(payload)
	if err != nil || n < int(TierLow) || n > int(TierHigh) {
		return TierMedium, fmt.Errorf("<%s>: invalid tier %q", TagRelevance, payload)
	}
	return RelevanceTier(n), nil
}

// ParseReview reads <expert_review>N</expert_review>: 1 accepts, 0 rejects.
func ParseReview(text string) (bool, error) {
	payload, err := TagContent(text, TagReview)
	if err != nil {
		return true, err
	}
	switch payload {
	case "1":
		return true, nil
	case "0":
		return false, nil
	default:
		return true, fmt.Errorf("<%s>: invalid verdict %q", TagReview, payload)
	}
}

// ParseSuggestion reads the <diagnostic_suggestions> JSON object. A payload
// with neither diseases nor a reason is an error.
func ParseSuggestion(text string) (*Suggestion, error) {
	payload, err := TagContent(text, TagSuggestions)
	if err != nil {
		return nil, err
	}
	s, err := decodeJSON[Suggestion](payload)
	if err != nil {
		return nil, fmt.Errorf("<%s>: %w", TagSuggestions, err)
	}
	s.RecommendedDiseases = cleanNames(s.RecommendedDiseases)
	s.Reason = strings.TrimSpace(s.Reason)
	if len(s.RecommendedDiseases) == 0 && s.Reason == "" {
		return nil, fmt.Errorf("<%s>: empty suggestion", TagSuggestions)
	}
	return s, nil
}

// GenericSuggestion is the guidance carried forward when a rejection has none.
func GenericSuggestion() *Suggestion {
	return &Suggestion{Reason: genericSuggestionReason}
}

type finalPayload struct {
	Diseases  []string `json:"diseases"`
	Rationale string   `json:"rationale"`
}

// ParseFinalDiagnosis reads the <final_diagnosis> JSON object. A payload whose
// JSON is broken but still carries a bracketed disease list is accepted.
func ParseFinalDiagnosis(text string) (*DraftDiagnosis, error) {
	payload, err := TagContent(text, TagFinal)
	if err != nil {
		return nil, err
	}
	var names []string
	var rationale string
	if p, err := decodeJSON[finalPayload](payload); err == nil {
		names, rationale = p.Diseases, p.Rationale
	} else if m := diseasesArrayRe.FindStringSubmatch(payload); m != nil {
		names = splitList(m[1])
	} else {
		return nil, fmt.Errorf("<%s>: %w", TagFinal, err)
	}
	names = cleanNames(names)
	if len(names) == 0 {
		return nil, fmt.Errorf("<%s>: no diseases", TagFinal)
	}
	return &DraftDiagnosis{
		Diseases:   names,
		Rationale:  strings.TrimSpace(rationale),
		Raw:        text,
		Structured: true,
	}, nil
}

// ParseSymptoms reads <symptom>{"symptom": [...]}</symptom>.
func ParseSymptoms(text string) ([]string, error) {
	payload, err := TagContent(text, TagSymptom)
	if err != nil {
		return nil, err
	}
	p, err := decodeJSON[struct {
		Symptom []string `json:"symptom"`
	}](payload)
	if err != nil {
		return nil, fmt.Errorf("<%s>: %w", TagSymptom, err)
	}
	return cleanNames(p.Symptom), nil
}

// ExtractDiseases recovers disease names from a final answer, preferring the
// <final_diagnosis> tag and falling back to common free-text conclusions.
func ExtractDiseases(text string) ([]string, bool) {
	if d, err := ParseFinalDiagnosis(text); err == nil {
		return d.Diseases, true
	}
	body := StripReasoning(text)
	for _, re := range conclusionPatterns {
		if m := re.FindStringSubmatch(body); m != nil {
			if names := cleanNames(splitList(m[1])); len(names) > 0 {
				return names, true
			}
		}
	}
	return nil, false
}

// CleanDiagnosisText reduces a reply to plain text of at most limit runes.
func CleanDiagnosisText(text string, limit int) string {
	text = StripReasoning(text)
	text = fenceRe.ReplaceAllString(text, "")
	text = anyTagRe.ReplaceAllString(text, " ")
	text = strings.TrimSpace(spaceRunRe.ReplaceAllString(text, " "))
	if limit > 0 && utf8.RuneCountInString(text) > limit {
		text = string([]rune(text)[:limit])
	}
	return text
}

// FormatFinalDiagnosis renders diseases in the terminal output format.
func FormatFinalDiagnosis(diseases []string) string {
	var b strings.Builder
	b.WriteString("<" + TagFinal + ">{\"diseases\": [")
	for i, d := range diseases {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(strconv.Quote(d))
	}
	b.WriteString("]}</" + TagFinal + ">")
	return b.String()
}

func splitList(s string) []string {
	parts := listSplitRe.Split(s, -1)
	for i, p := range parts {
		parts[i] = strings.Trim(strings.TrimSpace(p), `"'“”‘’`)
	}
	return parts
}

func cleanNames(in []string) []string {
	out := make([]string, 0, len(in))
	seen := make(map[string]struct{}, len(in))
	for _, name := range in {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		if _, dup := seen[name]; dup {
			continue
		}
		seen[name] = struct{}{}
		out = append(out, name)
	}
	return out
}
