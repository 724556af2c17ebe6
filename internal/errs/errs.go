package errs

import (
	"errors"
	"fmt"
)

// Kind classifies an error for routing decisions: HTTP status mapping at the
// API layer and the retry/fallback policy inside the video chain.
type Kind string

const (
	KindInvalidInput    Kind = "invalid_input"     // caller error, never retried
	KindNotFound        Kind = "not_found"         // unknown job or scenario
	KindTooBusy         Kind = "too_busy"          // job cap reached, caller may retry
	KindSeedTransfer    Kind = "seed_transfer"     // reference image not accepted by the provider
	KindTimeout         Kind = "generation_timeout" // external task exceeded its maximum wait
	KindExternalService Kind = "external_service"  // provider reported a terminal failure
	KindAssembly        Kind = "assembly"          // transcoder step failed
)

// Error carries a kind plus an optional wrapped cause and the scenario it
// relates to (empty for job-level errors).
type Error struct {
	Kind     Kind
	Scenario string
	Message  string
	Err      error
}

func (e *Error) Error() string {
	msg := e.Message
	if e.Scenario != "" {
		msg = fmt.Sprintf("%s (scenario=%s)", msg, e.Scenario)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is lets errors.Is match on kind: errors.Is(err, &Error{Kind: KindTimeout}).
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// New creates an error of the given kind.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap creates an error of the given kind wrapping a cause.
func Wrap(kind Kind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

// WithScenario returns a copy tagged with the scenario it occurred in.
func (e *Error) WithScenario(scenario string) *Error {
	c := *e
	c.Scenario = scenario
	return &c
}

// KindOf extracts the kind from err, walking the wrap chain.
// Returns KindExternalService for errors that carry no kind.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindExternalService
}

// IsKind reports whether err (or anything it wraps) has the given kind.
func IsKind(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

func InvalidInput(format string, args ...interface{}) *Error {
	return New(KindInvalidInput, fmt.Sprintf(format, args...))
}

func NotFound(format string, args ...interface{}) *Error {
	return New(KindNotFound, fmt.Sprintf(format, args...))
}
