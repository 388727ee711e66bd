package domain

import "fmt"

// ErrorKind is the closed set of error tags the kernel and API surface.
type ErrorKind string

const (
	// User errors: surfaced to the caller, never retried.
	ErrParse           ErrorKind = "ParseError"
	ErrUnknownOperator ErrorKind = "UnknownOperator"
	ErrArity           ErrorKind = "ArityError"
	ErrUnknownVariable ErrorKind = "UnknownVariable"
	ErrUnknownTool     ErrorKind = "UnknownTool"
	ErrArgument        ErrorKind = "ArgumentError"
	ErrUnknownAgent    ErrorKind = "UnknownAgent"
	ErrEmptyQuery      ErrorKind = "EmptyQuery"

	// Transient infrastructure: retried once internally, then surfaced.
	ErrStorageUnavailable   ErrorKind = "StorageUnavailable"
	ErrEmbeddingUnavailable ErrorKind = "EmbeddingUnavailable"

	// Resource limits.
	ErrSandboxViolation     ErrorKind = "SandboxViolation"
	ErrAwaitTimeout         ErrorKind = "AwaitTimeout"
	ErrCognitionTimeout     ErrorKind = "CognitionTimeout"
	ErrBackpressureRejected ErrorKind = "BackpressureRejected"

	// Control flow.
	ErrCancelled ErrorKind = "Cancelled"

	// Shared-record write conflict (optimistic concurrency).
	ErrConflict ErrorKind = "Conflict"
)

// Error is the typed error value that flows through cognition results.
// Span is the source location of the failing IL form when known.
type Error struct {
	Kind    ErrorKind      `json:"kind"`
	Message string         `json:"message"`
	Span    string         `json:"source_span,omitempty"`
	Detail  map[string]any `json:"detail,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Fatal reports whether TRY must let this error propagate. Timeouts of
// the whole cognition and cancellation are fatal; everything else is
// catchable.
func (e *Error) Fatal() bool {
	return e.Kind == ErrCognitionTimeout || e.Kind == ErrCancelled
}

// Retryable reports whether callers may retry the operation as-is.
func (e *Error) Retryable() bool {
	switch e.Kind {
	case ErrStorageUnavailable, ErrEmbeddingUnavailable, ErrBackpressureRejected:
		return true
	}
	return false
}

func NewError(kind ErrorKind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}
