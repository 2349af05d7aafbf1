package domain

import (
	"context"
	"errors"
)

// Error taxonomy shared by every component. Callers match with errors.Is.
var (
	ErrUnauthorized          = errors.New("unauthorized")
	ErrInvalidInput          = errors.New("invalid input")
	ErrRateLimited           = errors.New("rate limited")
	ErrCredentialUnavailable = errors.New("credential unavailable")
	ErrUpstreamTransport     = errors.New("upstream transport failure")
	ErrUpstreamExhausted     = errors.New("upstream retries exhausted")
	ErrUpstreamEmptyResult   = errors.New("upstream returned no usable result")
	ErrSideEffectDenied      = errors.New("side effect denied")
	ErrCancelled             = errors.New("cancelled")
	ErrNotFound              = errors.New("not found")
	ErrInvalidTransition     = errors.New("invalid state transition")
)

// FailureReason is the stable, client-visible code attached to a failed item.
type FailureReason string

const (
	ReasonNone                  FailureReason = ""
	ReasonUnauthorized          FailureReason = "Unauthorized"
	ReasonInvalidInput          FailureReason = "InvalidInput"
	ReasonRateLimited           FailureReason = "RateLimited"
	ReasonCredentialUnavailable FailureReason = "CredentialUnavailable"
	ReasonUpstreamTransport     FailureReason = "UpstreamTransport"
	ReasonUpstreamExhausted     FailureReason = "UpstreamExhausted"
	ReasonUpstreamEmptyResult   FailureReason = "UpstreamEmptyResult"
	ReasonSideEffectDenied      FailureReason = "SideEffectDenied"
	ReasonCancelled             FailureReason = "Cancelled"
	ReasonUnknown               FailureReason = "Unknown"
)

// reasonOrder is checked top to bottom; wrappers such as ErrUpstreamExhausted
// must come before the causes they usually carry.
var reasonOrder = []struct {
	err    error
	reason FailureReason
}{
	{ErrUpstreamExhausted, ReasonUpstreamExhausted},
	{ErrUnauthorized, ReasonUnauthorized},
	{ErrInvalidInput, ReasonInvalidInput},
	{ErrRateLimited, ReasonRateLimited},
	{ErrSideEffectDenied, ReasonSideEffectDenied},
	{ErrCredentialUnavailable, ReasonCredentialUnavailable},
	{ErrUpstreamEmptyResult, ReasonUpstreamEmptyResult},
	{ErrUpstreamTransport, ReasonUpstreamTransport},
	{ErrCancelled, ReasonCancelled},
	{context.Canceled, ReasonCancelled},
	{context.DeadlineExceeded, ReasonUpstreamTransport},
}

// Reason maps an error chain to its failure reason code.
func Reason(err error) FailureReason {
	if err == nil {
		return ReasonNone
	}
	for _, entry := range reasonOrder {
		if errors.Is(err, entry.err) {
			return entry.reason
		}
	}
	return ReasonUnknown
}

// IsRetryable reports whether a generation attempt that failed with err may be
// tried again. Only transport and credential failures qualify.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrInvalidInput) || errors.Is(err, ErrUpstreamEmptyResult) ||
		errors.Is(err, ErrUnauthorized) || errors.Is(err, context.Canceled) {
		return false
	}
	return errors.Is(err, ErrUpstreamTransport) ||
		errors.Is(err, ErrCredentialUnavailable) ||
		errors.Is(err, context.DeadlineExceeded)
}

// DomainError wraps errors with additional context.
//
//nolint:revive // Name is intentionally verbose to distinguish domain-layer errors
type DomainError struct {
	Err     error
	Code    string
	Message string
	Details map[string]any
}

// NewError builds a DomainError whose code is derived from the wrapped error.
func NewError(err error, message string, details map[string]any) *DomainError {
	return &DomainError{
		Err:     err,
		Code:    string(Reason(err)),
		Message: message,
		Details: details,
	}
}

func (e *DomainError) Error() string {
	if e.Message != "" {
		if e.Err != nil {
			return e.Message + ": " + e.Err.Error()
		}
		return e.Message
	}
	return e.Err.Error()
}

func (e *DomainError) Unwrap() error {
	return e.Err
}

// ErrorResponse defines the standard JSON error model returned by the HTTP API.
// It intentionally avoids exposing sensitive details while providing a stable machine-readable code.
type ErrorResponse struct {
	Code    string `json:"code"`               // Machine-readable error code (e.g., RateLimited)
	Message string `json:"message"`            // Human-readable message (safe for logs)
	TraceID string `json:"trace_id,omitempty"` // Optional trace/correlation ID
}
