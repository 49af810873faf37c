// Package toolerrors provides a structured error type for tool and run
// failures that preserves a cause chain (supports errors.Is/As) while also
// carrying the four-way failure classification from spec.md §7, so the
// Agent Loop's error path can switch on a typed Kind instead of
// string-matching error messages.
package toolerrors

import (
	"errors"
	"fmt"
)

// Kind classifies a failure per spec.md §7.
type Kind string

const (
	// KindValidation covers bad tool input, bad subagent input, unknown
	// tool, and permission-denied failures. Non-fatal: the loop continues.
	KindValidation Kind = "validation"
	// KindBudget covers stepsRemaining reaching zero. Non-fatal
	// termination: the run ends with endTurn=true.
	KindBudget Kind = "budget"
	// KindHandler covers programmatic step handler failures. Ends the run
	// with output.error set and step status "skipped".
	KindHandler Kind = "handler"
	// KindTransport covers LLM transport / storage contract failures.
	// Fatal to the current run, except HTTP 402 which must be rethrown.
	KindTransport Kind = "transport"
)

// Error represents a structured failure that preserves message and causal
// context while still implementing the standard error interface. Errors
// may be nested via Cause to retain diagnostics across retries and
// agent-as-tool hops (the Cause chain survives JSON (re)serialization when
// a child agent's failure is surfaced through its parent).
type Error struct {
	Message    string
	Kind       Kind
	StatusCode int
	Cause      *Error
}

// New constructs an Error with the given kind and message.
func New(kind Kind, message string) *Error {
	if message == "" {
		message = "tool error"
	}
	return &Error{Kind: kind, Message: message}
}

// Errorf formats according to a format specifier and returns the result as
// an Error of the given kind.
func Errorf(kind Kind, format string, args ...any) *Error {
	return New(kind, fmt.Sprintf(format, args...))
}

// Wrap constructs an Error of the given kind that wraps cause. The cause is
// converted into an *Error chain via FromError so the chain survives
// serialization while still supporting errors.Is/As through Unwrap.
func Wrap(kind Kind, message string, cause error) *Error {
	if message == "" && cause != nil {
		message = cause.Error()
	}
	return &Error{Kind: kind, Message: message, Cause: FromError(cause)}
}

// FromError converts an arbitrary error into an *Error chain, preserving an
// existing *Error's Kind/StatusCode when err already is one.
func FromError(err error) *Error {
	if err == nil {
		return nil
	}
	var te *Error
	if errors.As(err, &te) {
		return te
	}
	return &Error{Message: err.Error(), Kind: KindTransport, Cause: FromError(errors.Unwrap(err))}
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	return e.Message
}

// Unwrap returns the underlying cause to support errors.Is/As.
func (e *Error) Unwrap() error {
	if e == nil || e.Cause == nil {
		return nil
	}
	return e.Cause
}

// IsPaymentRequired reports whether err carries HTTP status 402 anywhere in
// its chain. The Agent Loop rethrows such errors instead of converting them
// to an error output (spec.md §7 kind 4).
func IsPaymentRequired(err error) bool {
	var te *Error
	if !errors.As(err, &te) {
		return false
	}
	for ; te != nil; te = te.Cause {
		if te.StatusCode == 402 {
			return true
		}
	}
	return false
}
