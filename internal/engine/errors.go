package engine

import (
	"errors"
	"fmt"
)

// ErrorKind partitions execution failures for the retry policy.
type ErrorKind string

// Error kinds, ordered roughly by where they surface in the pipeline.
const (
	// KindValidation covers user-input errors. Fatal for the job, never
	// retried.
	KindValidation ErrorKind = "validation"
	// KindNetwork covers DNS, connection, and navigation failures.
	KindNetwork ErrorKind = "network"
	// KindTimeout covers wait-phase deadline expiry, distinct from
	// navigation timeouts which classify as network.
	KindTimeout ErrorKind = "timeout"
	// KindProxy covers lease and proxy-transport failures; the failed lease
	// must be reported before the next attempt.
	KindProxy ErrorKind = "proxy"
	// KindBrowser covers unexpected automation-layer faults. Retried once.
	KindBrowser ErrorKind = "browser"
	// KindPermanent covers errors the target asserted will not change,
	// e.g. a 4xx status. Never retried.
	KindPermanent ErrorKind = "permanent"
	// KindStorage covers finalize persistence failures. Fatal for the job.
	KindStorage ErrorKind = "storage"
)

// Error is a classified execution error. The runner and classifier branch on
// Kind; Message stays human-readable because it ends up on the user-visible
// attempt record.
type Error struct {
	Kind    ErrorKind
	Message string
	Err     error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap exposes the underlying cause.
func (e *Error) Unwrap() error { return e.Err }

// NewError builds a classified error without an underlying cause.
func NewError(kind ErrorKind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// WrapError classifies an underlying error.
func WrapError(kind ErrorKind, err error, message string) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

// KindOf extracts the classification of err. Unclassified errors count as
// browser faults: something in the automation layer failed in a way no
// component anticipated.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindBrowser
}

// UserMessage renders err the way it is shown on an attempt record: kind
// plus underlying message, never a stack trace.
func UserMessage(err error) string {
	var e *Error
	if errors.As(err, &e) {
		if e.Err != nil {
			return fmt.Sprintf("%s: %s (%v)", e.Kind, e.Message, e.Err)
		}
		return fmt.Sprintf("%s: %s", e.Kind, e.Message)
	}
	return err.Error()
}
