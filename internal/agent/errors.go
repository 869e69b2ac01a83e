package agent

import (
	"errors"
	"fmt"
)

// Sentinels for the turn error taxonomy. Match with errors.Is.
var (
	// ErrValidation: the request was rejected before any thread
	// mutation or model call.
	ErrValidation = errors.New("invalid request")

	// ErrConfiguration: nothing is available to serve the turn, such
	// as when no model backend initialized.
	ErrConfiguration = errors.New("configuration error")

	// ErrPersistence: the thread could not be loaded or saved.
	ErrPersistence = errors.New("persistence error")

	// ErrRecursionLimit: the model kept requesting tools past the
	// turn's invocation budget.
	ErrRecursionLimit = errors.New("recursion limit exceeded")

	// ErrModelInvocation wraps the cause recorded in
	// [Response.Recovered]. It never fails a turn by itself.
	ErrModelInvocation = errors.New("model invocation failed")
)

// Kind names a class of turn failure.
type Kind string

const (
	KindValidation     Kind = "validation"
	KindConfiguration  Kind = "configuration"
	KindPersistence    Kind = "persistence"
	KindRecursionLimit Kind = "recursion_limit"
)

var kindSentinels = map[Kind]error{
	KindValidation:     ErrValidation,
	KindConfiguration:  ErrConfiguration,
	KindPersistence:    ErrPersistence,
	KindRecursionLimit: ErrRecursionLimit,
}

// TurnError is returned by Execute for every failure the caller must
// handle. ThreadID is set once the thread is known, so a caller can
// still point the user at the persisted history.
type TurnError struct {
	Kind     Kind
	ThreadID string
	Err      error
}

func (e *TurnError) Error() string {
	if e.Err == nil {
		return kindSentinels[e.Kind].Error()
	}
	return fmt.Sprintf("%s: %v", kindSentinels[e.Kind], e.Err)
}

// Unwrap exposes both the kind sentinel and the cause.
func (e *TurnError) Unwrap() []error {
	out := []error{kindSentinels[e.Kind]}
	if e.Err != nil {
		out = append(out, e.Err)
	}
	return out
}

func turnError(kind Kind, threadID string, err error) *TurnError {
	return &TurnError{Kind: kind, ThreadID: threadID, Err: err}
}

// KindOf returns the Kind of a *TurnError in err's chain, or "".
func KindOf(err error) Kind {
	var te *TurnError
	if errors.As(err, &te) {
		return te.Kind
	}
	return ""
}
