// Package errs provides structured error types and helpers for queueline services.
package errs

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
)

// Code identifies an error category surfaced by the queue engine.
type Code string

const (
	// CodeNotFound indicates a missing resource (ticket, binding).
	CodeNotFound Code = "not_found"
	// CodeUnauthorized indicates a failed session or token check.
	CodeUnauthorized Code = "unauthorized"
	// CodeInvalid indicates invalid input provided by the caller.
	CodeInvalid Code = "invalid_request"
	// CodeConflict indicates a concurrent mutation conflict.
	CodeConflict Code = "conflict"
	// CodeStore indicates a backing-store failure.
	CodeStore Code = "store_error"
	// CodeUnavailable indicates the service is temporarily unavailable.
	CodeUnavailable Code = "unavailable"
)

// E captures structured error information produced across the queueline stack.
type E struct {
	Code    Code
	HTTP    int
	Message string

	cause error
}

// Option configures an error envelope.
type Option func(*E)

// New constructs an error envelope for the given error code.
func New(code Code, opts ...Option) *E {
	e := &E{
		Code:    code,
		HTTP:    0,
		Message: "",
		cause:   nil,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// WithMessage attaches a human-readable message to the error.
func WithMessage(message string) Option {
	trimmed := strings.TrimSpace(message)
	return func(e *E) {
		e.Message = trimmed
	}
}

// WithHTTP records the associated HTTP status code.
func WithHTTP(status int) Option {
	return func(e *E) {
		e.HTTP = status
	}
}

// WithCause sets the underlying cause error.
func WithCause(err error) Option {
	return func(e *E) {
		e.cause = err
	}
}

func (e *E) Error() string {
	if e == nil {
		return "<nil>"
	}
	var parts []string

	code := strings.TrimSpace(string(e.Code))
	if code == "" {
		code = "unknown"
	}
	parts = append(parts, "code="+code)

	if e.HTTP > 0 {
		parts = append(parts, "http="+strconv.Itoa(e.HTTP))
	}
	if e.Message != "" {
		parts = append(parts, "message="+strconv.Quote(e.Message))
	}
	if e.cause != nil {
		parts = append(parts, "cause="+strconv.Quote(e.cause.Error()))
	}
	return strings.Join(parts, " ")
}

// Unwrap exposes the underlying cause for errors.Is / errors.As chains.
func (e *E) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.cause
}

// CodeOf extracts the error code from err, or empty when err is not an *E.
func CodeOf(err error) Code {
	var envelope *E
	if errors.As(err, &envelope) {
		return envelope.Code
	}
	return ""
}

// IsNotFound reports whether err carries CodeNotFound.
func IsNotFound(err error) bool {
	return CodeOf(err) == CodeNotFound
}

// HTTPStatus maps an error to the HTTP status the API layer should emit.
func HTTPStatus(err error) int {
	var envelope *E
	if !errors.As(err, &envelope) {
		return http.StatusInternalServerError
	}
	if envelope.HTTP > 0 {
		return envelope.HTTP
	}
	switch envelope.Code {
	case CodeNotFound:
		return http.StatusNotFound
	case CodeUnauthorized:
		return http.StatusUnauthorized
	case CodeInvalid:
		return http.StatusBadRequest
	case CodeConflict:
		return http.StatusConflict
	case CodeUnavailable:
		return http.StatusServiceUnavailable
	case CodeStore:
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}
