package tools

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorKind classifies a failed dispatch.
type ErrorKind string

const (
	// UnknownTool means no tool with the requested name is registered.
	UnknownTool ErrorKind = "unknown_tool"
	// InvalidArguments means the arguments did not satisfy the tool's
	// declared schema or the handler rejected them.
	InvalidArguments ErrorKind = "invalid_arguments"
	// ExecutionFailed means the handler returned an error or panicked.
	ExecutionFailed ErrorKind = "execution_failed"
)

// ErrInvalidArguments may be wrapped by a handler to report that its
// arguments were unusable. Dispatch classifies such errors as
// [InvalidArguments] instead of [ExecutionFailed].
var ErrInvalidArguments = errors.New("invalid arguments")

// Error is returned by [Registry.Dispatch] for every failed tool call.
// The turn loop renders it into the tool-result message so the model
// can see what went wrong.
type Error struct {
	Kind ErrorKind
	Tool string
	Err  error
}

// Error implements the error interface.
func (e *Error) Error() string {
	switch e.Kind {
	case UnknownTool:
		return fmt.Sprintf("tool %q is not available", e.Tool)
	case InvalidArguments:
		// A handler's own rejection already reads as a message for the
		// model; only schema failures need the tool named.
		if errors.Is(e.Err, ErrInvalidArguments) {
			return argumentDetail(e.Err)
		}
		return fmt.Sprintf("invalid arguments for tool %q: %v", e.Tool, e.Err)
	default:
		return fmt.Sprintf("tool %q failed: %v", e.Tool, e.Err)
	}
}

// argumentDetail drops the sentinel's own text from a wrapped
// ErrInvalidArguments.
func argumentDetail(err error) string {
	msg := err.Error()
	if msg == ErrInvalidArguments.Error() {
		return msg
	}
	return strings.TrimPrefix(msg, ErrInvalidArguments.Error()+": ")
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error { return e.Err }

// KindOf returns the ErrorKind carried by err, or "" if err is not a
// dispatch error.
func KindOf(err error) ErrorKind {
	var te *Error
	if errors.As(err, &te) {
		return te.Kind
	}
	return ""
}
