package proxyservice

import (
	"fmt"
	"strings"

	"github.com/MohamedAnouar/containerproxy/pkg/proxytypes"
)

// ErrorCode identifies a category of ProxyError, matching the taxonomy
// in the design's error handling section.
type ErrorCode string

const (
	ErrorCodeAccessDenied      ErrorCode = "ACCESS_DENIED"
	ErrorCodeInvalidParameters ErrorCode = "INVALID_PARAMETERS"
	ErrorCodeNotSupported      ErrorCode = "NOT_SUPPORTED"
	ErrorCodeProxyFailedToStart ErrorCode = "PROXY_FAILED_TO_START"
	ErrorCodeIllegalState      ErrorCode = "ILLEGAL_STATE"
	ErrorCodeNotFound          ErrorCode = "NOT_FOUND"
)

// ProxyError carries a typed error code plus troubleshooting context, the
// way the teacher's launcher.LauncherError does, minus the suggestion
// field — this core has no interactive operator surface to print one to.
type ProxyError struct {
	Code    ErrorCode
	Message string
	Context map[string]any
	Cause   error
}

func (e *ProxyError) Error() string {
	parts := []string{fmt.Sprintf("[%s] %s", e.Code, e.Message)}

	if len(e.Context) > 0 {
		var ctx []string
		for k, v := range e.Context {
			ctx = append(ctx, fmt.Sprintf("%s=%v", k, v))
		}
		parts = append(parts, fmt.Sprintf("context: %s", strings.Join(ctx, ", ")))
	}

	if e.Cause != nil {
		parts = append(parts, fmt.Sprintf("cause: %v", e.Cause))
	}

	return strings.Join(parts, "; ")
}

// Unwrap supports errors.Is / errors.As against the wrapped cause.
func (e *ProxyError) Unwrap() error {
	return e.Cause
}

// NewError constructs a ProxyError with an empty context map.
func NewError(code ErrorCode, message string) *ProxyError {
	return &ProxyError{Code: code, Message: message, Context: make(map[string]any)}
}

// WithContext attaches a troubleshooting key/value pair and returns the
// receiver for chaining.
func (e *ProxyError) WithContext(key string, value any) *ProxyError {
	if e.Context == nil {
		e.Context = make(map[string]any)
	}
	e.Context[key] = value
	return e
}

// WithCause attaches the underlying error and returns the receiver for
// chaining.
func (e *ProxyError) WithCause(cause error) *ProxyError {
	e.Cause = cause
	return e
}

// ErrAccessDenied builds a 403-surfaced AccessDenied error.
func ErrAccessDenied(userID, specID string) *ProxyError {
	return NewError(ErrorCodeAccessDenied, "user is not permitted to access this spec").
		WithContext("user_id", userID).
		WithContext("spec_id", specID)
}

// ErrInvalidParameters builds a 400-surfaced InvalidParameters error.
func ErrInvalidParameters(reason string, cause error) *ProxyError {
	return NewError(ErrorCodeInvalidParameters, reason).WithCause(cause)
}

// ErrNotSupported builds a NotSupported error, e.g. pause on a backend
// without pause capability.
func ErrNotSupported(operation string) *ProxyError {
	return NewError(ErrorCodeNotSupported, fmt.Sprintf("%s is not supported by this backend", operation))
}

// ErrProxyFailedToStart builds a ProxyFailedToStart error; proxyID may
// refer to a proxy that has already been removed from the store by the
// time the caller observes this error.
func ErrProxyFailedToStart(proxyID string, cause error) *ProxyError {
	return NewError(ErrorCodeProxyFailedToStart, "proxy failed to start").
		WithContext("proxy_id", proxyID).
		WithCause(cause)
}

// ErrIllegalState builds an IllegalState error describing a rejected
// transition.
func ErrIllegalState(proxyID string, from, to proxytypes.Status) *ProxyError {
	return NewError(ErrorCodeIllegalState, "illegal state transition").
		WithContext("proxy_id", proxyID).
		WithContext("from", string(from)).
		WithContext("to", string(to))
}

// ErrNotFound builds a NotFound error for an unknown proxy or spec id.
func ErrNotFound(kind, id string) *ProxyError {
	return NewError(ErrorCodeNotFound, fmt.Sprintf("%s not found", kind)).
		WithContext("id", id)
}
