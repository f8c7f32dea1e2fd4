// Package errs provides structured error types and helpers for waitroom services.
package errs

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// Code identifies an error category.
type Code string

const (
	// CodeInvalid indicates invalid input provided by the caller.
	CodeInvalid Code = "invalid_request"
	// CodeNotFound indicates a missing resource.
	CodeNotFound Code = "not_found"
	// CodeCapacityExceeded indicates an admission attempt beyond the active-user limit.
	CodeCapacityExceeded Code = "capacity_exceeded"
	// CodeNotYourTurn indicates a session request from a key that is not yet eligible.
	CodeNotYourTurn Code = "not_your_turn"
	// CodeBusUnavailable indicates the message bus is disconnected or failing.
	CodeBusUnavailable Code = "bus_unavailable"
	// CodeMalformed indicates a message that cannot be parsed or has an unknown action.
	CodeMalformed Code = "malformed_message"
	// CodeRateLimited indicates that the request exceeded rate limits.
	CodeRateLimited Code = "rate_limited"
	// CodeUnauthorized indicates a missing or invalid admin token.
	CodeUnauthorized Code = "unauthorized"
	// CodeUnavailable indicates the service is temporarily unavailable.
	CodeUnavailable Code = "unavailable"
)

// E captures structured error information produced across the waitroom stack.
type E struct {
	Component string
	Code      Code
	HTTP      int
	Message   string
	Details   map[string]any

	cause error
}

// Option configures an error envelope.
type Option func(*E)

// New constructs an error envelope for the component and error code.
func New(component string, code Code, opts ...Option) *E {
	e := &E{
		Component: strings.TrimSpace(component),
		Code:      code,
		HTTP:      0,
		Message:   "",
		Details:   nil,
		cause:     nil,
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

// WithDetail appends a single structured detail, such as the caller's queue position.
func WithDetail(key string, value any) Option {
	return func(e *E) {
		trimmed := strings.TrimSpace(key)
		if trimmed == "" {
			return
		}
		if e.Details == nil {
			e.Details = make(map[string]any, 1)
		}
		e.Details[trimmed] = value
	}
}

// WithDetails merges the provided details into the error envelope.
func WithDetails(details map[string]any) Option {
	return func(e *E) {
		for k, v := range details {
			WithDetail(k, v)(e)
		}
	}
}

func (e *E) Error() string {
	if e == nil {
		return "<nil>"
	}
	var parts []string

	component := strings.TrimSpace(e.Component)
	if component == "" {
		component = "unknown"
	}
	parts = append(parts, "component="+component)

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
	if len(e.Details) > 0 {
		keys := make([]string, 0, len(e.Details))
		for k := range e.Details {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		pairs := make([]string, 0, len(keys))
		for _, k := range keys {
			pairs = append(pairs, k+"="+fmt.Sprint(e.Details[k]))
		}
		parts = append(parts, "details="+strings.Join(pairs, ","))
	}
	if e.cause != nil {
		parts = append(parts, "cause="+strconv.Quote(e.cause.Error()))
	}

	return strings.Join(parts, " ")
}

func (e *E) Unwrap() error { return e.cause }

// CodeOf returns the code of the first envelope in err's chain, or the empty code.
func CodeOf(err error) Code {
	var e *E
	if errors.As(err, &e) && e != nil {
		return e.Code
	}
	return ""
}

// Is reports whether err carries an envelope with the given code.
func Is(err error, code Code) bool {
	return err != nil && CodeOf(err) == code
}

// Malformed returns a standardized error for unparseable bus messages.
func Malformed(component, msg string, cause error) *E {
	return New(component, CodeMalformed, WithMessage(msg), WithCause(cause))
}
