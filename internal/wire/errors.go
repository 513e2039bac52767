package wire

import (
	"errors"
	"fmt"
)

// Error envelope types mirrored from the public API.
const (
	ErrTypeInvalidRequest = "invalid_request_error"
	ErrTypeAuthentication = "authentication_error"
	ErrTypeNotFound       = "not_found_error"
	ErrTypeAPI            = "api_error"
	ErrTypeOverloaded     = "overloaded_error"
)

// ValidationError reports a malformed or unsupported request. The Field path
// points at the offending element (for example "messages.2.content.0.type").
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid request: %s: %s", e.Field, e.Message)
}

// UnknownModelError reports a model name that no alias table, provider model
// list, or legacy mapping resolves.
type UnknownModelError struct {
	Model string
}

func (e *UnknownModelError) Error() string {
	return fmt.Sprintf("unknown model: %q", e.Model)
}

// CapabilityMismatchError reports content the resolved provider cannot
// represent, such as image input on a text-only upstream.
type CapabilityMismatchError struct {
	Provider   string
	Capability string
}

func (e *CapabilityMismatchError) Error() string {
	return fmt.Sprintf("provider %s does not support %s", e.Provider, e.Capability)
}

// UpstreamError reports a provider call that failed after retries were
// exhausted (or that failed with a non-retryable status).
type UpstreamError struct {
	Provider string
	Status   int
	Attempts int
	Message  string
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("upstream %s: status %d after %d attempt(s): %s",
		e.Provider, e.Status, e.Attempts, e.Message)
}

// Retryable reports whether another attempt against the provider may succeed.
func (e *UpstreamError) Retryable() bool {
	return e.Status == 0 || e.Status == 429 || e.Status >= 500
}

// CacheError reports a cache backend problem. Callers degrade to a cache
// bypass; this error never propagates to the public surface.
type CacheError struct {
	Op  string
	Err error
}

func (e *CacheError) Error() string {
	return fmt.Sprintf("cache %s: %v", e.Op, e.Err)
}

func (e *CacheError) Unwrap() error { return e.Err }

// ErrorEnvelope is the uniform public error body. Every surfaced failure,
// regardless of the component that raised it, is serialized in this shape.
type ErrorEnvelope struct {
	Type  string      `json:"type"`
	Error ErrorDetail `json:"error"`
}

type ErrorDetail struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// NewErrorEnvelope wraps a message in the public error body.
func NewErrorEnvelope(errType, message string) ErrorEnvelope {
	return ErrorEnvelope{
		Type:  "error",
		Error: ErrorDetail{Type: errType, Message: message},
	}
}

// EnvelopeFor classifies err into the public error body. Every internal
// error type maps to one envelope type; unrecognized errors surface as
// api_error without internal detail.
func EnvelopeFor(err error) ErrorEnvelope {
	var validationErr *ValidationError
	if errors.As(err, &validationErr) {
		return NewErrorEnvelope(ErrTypeInvalidRequest, validationErr.Error())
	}

	var unknownModelErr *UnknownModelError
	if errors.As(err, &unknownModelErr) {
		return NewErrorEnvelope(ErrTypeNotFound, unknownModelErr.Error())
	}

	var mismatchErr *CapabilityMismatchError
	if errors.As(err, &mismatchErr) {
		return NewErrorEnvelope(ErrTypeInvalidRequest, mismatchErr.Error())
	}

	var upstreamErr *UpstreamError
	if errors.As(err, &upstreamErr) {
		if upstreamErr.Status == 429 || upstreamErr.Status >= 500 || upstreamErr.Status == 0 {
			return NewErrorEnvelope(ErrTypeOverloaded, upstreamErr.Error())
		}
		return NewErrorEnvelope(ErrTypeAPI, upstreamErr.Error())
	}

	return NewErrorEnvelope(ErrTypeAPI, "internal error")
}

// StatusFor maps err to the HTTP status the public surface responds with.
func StatusFor(err error) int {
	var validationErr *ValidationError
	var mismatchErr *CapabilityMismatchError
	if errors.As(err, &validationErr) || errors.As(err, &mismatchErr) {
		return 400
	}

	var unknownModelErr *UnknownModelError
	if errors.As(err, &unknownModelErr) {
		return 404
	}

	var upstreamErr *UpstreamError
	if errors.As(err, &upstreamErr) {
		switch {
		case upstreamErr.Status == 429:
			return 429
		case upstreamErr.Status == 0 || upstreamErr.Status >= 500:
			return 502
		default:
			return upstreamErr.Status
		}
	}

	return 500
}
