// Package errors provides structured error handling for portscope operations.
// Every error raised by the scan pipeline carries one of a closed set of
// kinds so callers can decide how far a failure is allowed to propagate.
package errors

import (
	"errors"
	"fmt"
)

// Kind classifies where in the pipeline an error originated.
type Kind string

const (
	// KindValidation marks bad input parameters. The scan never starts.
	KindValidation Kind = "VALIDATION"
	// KindProbe marks a per-port I/O failure. It is recorded on the port
	// result and never fails the scan.
	KindProbe Kind = "PROBE"
	// KindLookup marks an unreachable vulnerability database.
	KindLookup Kind = "LOOKUP"
	// KindOrchestrator marks a pool or setup failure that fails the scan.
	KindOrchestrator Kind = "ORCHESTRATOR"
)

// Sentinels wrapped by lookups of unknown ids.
var (
	ErrScanNotFound  = errors.New("scan not found")
	ErrWatchNotFound = errors.New("watch not found")
)

// Error is the single tagged error type used across portscope.
type Error struct {
	Kind      Kind
	Message   string
	Target    string
	Port      int
	Operation string
	Cause     error
	Context   map[string]interface{}
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := fmt.Sprintf("[%s] %s", e.Kind, e.Message)
	switch {
	case e.Target != "" && e.Port > 0:
		msg = fmt.Sprintf("%s (target: %s:%d)", msg, e.Target, e.Port)
	case e.Target != "":
		msg = fmt.Sprintf("%s (target: %s)", msg, e.Target)
	}
	if e.Cause != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Cause)
	}
	return msg
}

// Unwrap returns the underlying error for error unwrapping.
func (e *Error) Unwrap() error {
	return e.Cause
}

// WithContext adds context information to the error.
func (e *Error) WithContext(key string, value interface{}) *Error {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

// WithTarget records the host (and optionally port) the error relates to.
func (e *Error) WithTarget(target string, port int) *Error {
	e.Target = target
	e.Port = port
	return e
}

// WithOperation records the operation that failed.
func (e *Error) WithOperation(op string) *Error {
	e.Operation = op
	return e
}

// New creates an error of the given kind.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap wraps cause as an error of the given kind.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// Validation creates a validation error.
func Validation(format string, args ...interface{}) *Error {
	return New(KindValidation, fmt.Sprintf(format, args...))
}

// Probe wraps a per-port I/O failure.
func Probe(target string, port int, cause error) *Error {
	return &Error{Kind: KindProbe, Message: "probe failed", Target: target, Port: port, Cause: cause}
}

// Lookup wraps a vulnerability database failure.
func Lookup(message string, cause error) *Error {
	return Wrap(KindLookup, message, cause)
}

// Orchestrator wraps a scan setup failure.
func Orchestrator(message string, cause error) *Error {
	return Wrap(KindOrchestrator, message, cause)
}

// NotFound creates the validation error returned for an unknown scan id.
func NotFound(id string) *Error {
	return &Error{Kind: KindValidation, Message: "unknown scan id " + id, Cause: ErrScanNotFound}
}

// IsKind reports whether any error in err's chain is an *Error of kind.
func IsKind(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

// KindOf returns the kind of the first *Error in err's chain, or the empty
// kind if there is none.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// Is reports whether any error in err's chain matches target.
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// As finds the first error in err's chain that matches target.
func As(err error, target interface{}) bool {
	return errors.As(err, target)
}
