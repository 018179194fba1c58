package diagnosis

import "errors"

// ErrorKind classifies failures so callers never match on message text.
type ErrorKind string

const (
	// KindRetrievalUnavailable: a retrieval source failed or timed out. Recoverable.
	KindRetrievalUnavailable ErrorKind = "RetrievalUnavailable"
	// KindJudgmentParseFailure: a judge or reviewer reply could not be used. Recoverable.
	KindJudgmentParseFailure ErrorKind = "JudgmentParseFailure"
	// KindGenerationFailure: the generator produced no text at all.
	KindGenerationFailure ErrorKind = "GenerationFailure"
	// KindNoEvidenceFound: every source returned nothing. Recoverable.
	KindNoEvidenceFound ErrorKind = "NoEvidenceFound"
	// KindNormalizationFailure: symptom extraction failed and raw text was used. Recoverable.
	KindNormalizationFailure ErrorKind = "NormalizationFailure"
	// KindInvalidInput: the caller supplied an unusable query.
	KindInvalidInput ErrorKind = "InvalidInput"
)

// Sentinels for errors.Is. They match any *Error of the same kind.
var (
	ErrRetrievalUnavailable = &Error{Kind: KindRetrievalUnavailable}
	ErrJudgmentParseFailure = &Error{Kind: KindJudgmentParseFailure}
	ErrGenerationFailure    = &Error{Kind: KindGenerationFailure}
	ErrNoEvidenceFound      = &Error{Kind: KindNoEvidenceFound}
	ErrNormalizationFailure = &Error{Kind: KindNormalizationFailure}
	ErrInvalidInput         = &Error{Kind: KindInvalidInput}
)

// Error is the typed failure carried on a Response or returned by Run.
type Error struct {
	Kind ErrorKind
	Op   string
	Err  error
}

func newError(kind ErrorKind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}
	msg := string(e.Kind)
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// Is reports kind equality against a bare sentinel.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok || e == nil || t == nil {
		return false
	}
	return t.Err == nil && t.Op == "" && t.Kind == e.Kind
}

// Recoverable reports whether the session continues past this failure.
func (e *Error) Recoverable() bool {
	if e == nil {
		return true
	}
	switch e.Kind {
	case KindGenerationFailure, KindInvalidInput:
		return false
	default:
		return true
	}
}

// MarshalText renders the error for JSON output.
func (e *Error) MarshalText() ([]byte, error) {
	return []byte(e.Error()), nil
}

// KindOf returns the kind of the first *Error in err's chain.
func KindOf(err error) (ErrorKind, bool) {
	var de *Error
	if errors.As(err, &de) && de != nil {
		return de.Kind, true
	}
	return "", false
}
