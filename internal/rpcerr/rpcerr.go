// Package rpcerr defines the closed error vocabulary of the RPC surface and
// the mapping from internal errors onto it. Handlers return ordinary Go
// errors; the gateway converts them with From before serializing, so wire
// clients only ever see codes from this set.
package rpcerr

import (
	"context"
	"errors"
	"fmt"

	"github.com/arbor-sh/arbor/internal/events"
	"github.com/arbor-sh/arbor/internal/provider"
	"github.com/arbor-sh/arbor/internal/tokens"
)

// Code identifies an error category on the wire.
type Code string

const (
	// CodeInvalidParams means the request parameters failed validation.
	CodeInvalidParams Code = "INVALID_PARAMS"

	// CodeNotFound means the referenced entity or method does not exist.
	CodeNotFound Code = "NOT_FOUND"

	// CodeNotAvailable means the operation cannot be served right now
	// (queue full, subsystem disabled).
	CodeNotAvailable Code = "NOT_AVAILABLE"

	// CodePermissionDenied means auth or policy rejected the operation.
	CodePermissionDenied Code = "PERMISSION_DENIED"

	// CodeConflict means optimistic concurrency failed; the caller should
	// re-read and retry.
	CodeConflict Code = "CONFLICT"

	// CodeInvalidOperation means the operation is not valid in the current
	// session state.
	CodeInvalidOperation Code = "INVALID_OPERATION"

	// CodeProviderAuth means the model backend rejected our credentials.
	CodeProviderAuth Code = "PROVIDER_AUTH"

	// CodeProviderRateLimit means the model backend is throttling or
	// overloaded.
	CodeProviderRateLimit Code = "PROVIDER_RATE_LIMIT"

	// CodeProviderError covers other model backend failures.
	CodeProviderError Code = "PROVIDER_ERROR"

	// CodeContextOverflow means the prompt cannot fit the model's context
	// window.
	CodeContextOverflow Code = "CONTEXT_OVERFLOW"

	// CodeToolResultFailed means an inbound tool result could not be
	// matched to a pending call.
	CodeToolResultFailed Code = "TOOL_RESULT_FAILED"

	// CodeTokenExtraction means a turn completed without usable usage data.
	CodeTokenExtraction Code = "TOKEN_EXTRACTION"

	// CodeInternal is the fallback for unrecognized errors.
	CodeInternal Code = "INTERNAL"
)

// Error is the wire error envelope. Code and Message are always sent;
// Details carries optional structured context. The wrapped cause is kept
// for server-side logging and never serialized.
type Error struct {
	Code    Code           `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`

	cause error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// New creates an Error with the given code and message.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Newf creates an Error with a formatted message.
func Newf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap creates an Error that records err as its cause.
func Wrap(err error, code Code, message string) *Error {
	return &Error{Code: code, Message: message, cause: err}
}

// WithDetails attaches structured context and returns the error.
func (e *Error) WithDetails(details map[string]any) *Error {
	e.Details = details
	return e
}

// WithDetail attaches a single detail key and returns the error.
func (e *Error) WithDetail(key string, value any) *Error {
	if e.Details == nil {
		e.Details = make(map[string]any, 1)
	}
	e.Details[key] = value
	return e
}

// From maps an internal error to the wire vocabulary. Recognized domain
// errors keep a meaningful code and message; anything else collapses to
// INTERNAL with a generic message so internals never leak to clients. The
// original error is always retained as the cause.
func From(err error) *Error {
	if err == nil {
		return nil
	}

	var rerr *Error
	if errors.As(err, &rerr) {
		return rerr
	}

	switch {
	case errors.Is(err, events.ErrHeadMoved):
		return Wrap(err, CodeConflict, "session head moved")
	case errors.Is(err, events.ErrSessionNotFound):
		return Wrap(err, CodeNotFound, "session not found")
	case errors.Is(err, events.ErrNotFound):
		return Wrap(err, CodeNotFound, "event not found")
	case errors.Is(err, events.ErrUnknownType):
		return Wrap(err, CodeInvalidParams, "unknown event type")
	case errors.Is(err, events.ErrInvalidPayload):
		return Wrap(err, CodeInvalidParams, "invalid event payload")
	}

	var textract *tokens.TokenExtractionError
	if errors.As(err, &textract) {
		return Wrap(err, CodeTokenExtraction, "turn produced no usable token usage").
			WithDetails(map[string]any{
				"provider": textract.Provider,
				"model":    textract.Model,
			})
	}

	if perr, ok := provider.AsError(err); ok {
		return fromProvider(err, perr)
	}

	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return Wrap(err, CodeInvalidOperation, "operation cancelled")
	}

	return Wrap(err, CodeInternal, "internal error")
}

// fromProvider maps a classified provider error. The backend's own message
// is surfaced where it exists; these are client-facing by nature.
func fromProvider(err error, perr *provider.Error) *Error {
	details := map[string]any{
		"provider": perr.Provider,
		"model":    perr.Model,
		"reason":   string(perr.Reason),
	}

	code := CodeProviderError
	message := perr.Message

	switch perr.Reason {
	case provider.ReasonAuth, provider.ReasonBilling:
		code = CodeProviderAuth
		if message == "" {
			message = "provider rejected credentials"
		}
	case provider.ReasonRateLimit, provider.ReasonOverloaded:
		code = CodeProviderRateLimit
		if message == "" {
			message = "provider is rate limiting requests"
		}
	case provider.ReasonContextOverflow:
		code = CodeContextOverflow
		if message == "" {
			message = "prompt exceeds the model context window"
		}
	case provider.ReasonModelUnavailable:
		code = CodeNotAvailable
		if message == "" {
			message = "requested model is not available"
		}
	default:
		if message == "" {
			message = "provider request failed"
		}
	}

	return Wrap(err, code, message).WithDetails(details)
}

// IsCode reports whether err maps to the given code.
func IsCode(err error, code Code) bool {
	var rerr *Error
	if errors.As(err, &rerr) {
		return rerr.Code == code
	}
	return false
}
