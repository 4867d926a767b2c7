// Package apierrors defines the stable, machine-readable error taxonomy
// returned across conductor's HTTP boundary and threaded through component
// errors so every failure carries a request id and a code.
package apierrors

import "fmt"

// Code is a machine-readable error identifier stable across releases.
type Code string

// Recognized codes, per the ingress API error envelope.
const (
	CodeInvalidJSON          Code = "INVALID_JSON"
	CodeMissingQuery         Code = "MISSING_QUERY"
	CodeMissingField         Code = "MISSING_FIELD"
	CodeMissingParam         Code = "MISSING_PARAM"
	CodeInvalidRequest       Code = "INVALID_REQUEST"
	CodeInvalidStatus        Code = "INVALID_STATUS"
	CodeNotFound             Code = "NOT_FOUND"
	CodeRouteNotFound        Code = "ROUTE_NOT_FOUND"
	CodeRateLimitExceeded    Code = "RATE_LIMIT_EXCEEDED"
	CodeProviderRateLimit    Code = "PROVIDER_RATE_LIMIT"
	CodeGatewayTimeout       Code = "GATEWAY_TIMEOUT"
	CodeWorkflowError        Code = "WORKFLOW_ERROR"
	CodeInternal             Code = "INTERNAL_ERROR"
	CodeConflict             Code = "CONFLICT"
	CodeMissingRequestID     Code = "MISSING_REQUEST_ID"
)

// Error is a coded, user-facing error. It always carries a request id so log
// lines and HTTP responses can be correlated.
type Error struct {
	Code      Code
	Message   string
	RequestID string
	Details   any
	cause     error
}

// New constructs an Error with the given code and message.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Newf constructs an Error with a formatted message.
func Newf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithRequestID returns a copy of the error annotated with a request id.
func (e *Error) WithRequestID(id string) *Error {
	out := *e
	out.RequestID = id
	return &out
}

// WithDetails returns a copy of the error annotated with structured details.
func (e *Error) WithDetails(details any) *Error {
	out := *e
	out.Details = details
	return &out
}

// WithCause returns a copy of the error wrapping the given cause.
func (e *Error) WithCause(err error) *Error {
	out := *e
	out.cause = err
	return &out
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the wrapped cause, if any.
func (e *Error) Unwrap() error { return e.cause }

// Is reports whether target is an *Error with the same Code, so callers can
// use errors.Is against the package's sentinel errors regardless of the
// specific message/details a call site attached.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

// Common, reusable sentinel errors for the taxonomy classes named in spec
// §7: input errors, not-found errors, and invalid-state-transition errors.
var (
	ErrNotFound           = New(CodeNotFound, "resource not found")
	ErrInvalidState       = New(CodeInvalidStatus, "invalid state transition")
	ErrConflict           = New(CodeConflict, "conflicting request id")
	ErrMissingRequestID   = New(CodeMissingRequestID, "could not recover request id from payload")
)

// NotFound returns a CodeNotFound error naming the missing resource.
func NotFound(kind, id string) *Error {
	return Newf(CodeNotFound, "%s %q not found", kind, id)
}

// InvalidState describes a rejected state transition.
func InvalidState(from, to string) *Error {
	return Newf(CodeInvalidStatus, "cannot transition from %q to %q", from, to)
}
