package services

import (
	"errors"
	"fmt"
)

// ErrorCode classifies every failure the extraction pipeline can surface.
// The subprocess executor is the only producer of subprocess-derived codes;
// the pool, breaker, and limiter add only their own codes and forward the
// rest unchanged.
type ErrorCode string

const (
	ErrCodeInvalidURL   ErrorCode = "INVALID_URL"
	ErrCodeValidation   ErrorCode = "VALIDATION"
	ErrCodeTimeout      ErrorCode = "TIMEOUT"
	ErrCodeNotFound     ErrorCode = "NOT_FOUND"
	ErrCodeNetworkError ErrorCode = "NETWORK_ERROR"
	ErrCodeRateLimited  ErrorCode = "RATE_LIMITED"
	ErrCodeUnavailable  ErrorCode = "VIDEO_UNAVAILABLE"
	ErrCodeClientClosed ErrorCode = "CLIENT_CLOSED"
	ErrCodeCircuitOpen  ErrorCode = "CIRCUIT_OPEN"
	ErrCodeQueueFull    ErrorCode = "QUEUE_FULL"
	ErrCodeShuttingDown ErrorCode = "SHUTTING_DOWN"
	ErrCodeWorkerError  ErrorCode = "WORKER_ERROR"
	ErrCodeUnknown      ErrorCode = "UNKNOWN"
)

// ExtractError carries a stable code plus context through all pipeline layers.
type ExtractError struct {
	Code          ErrorCode `json:"code"`
	Message       string    `json:"message"`
	StderrExcerpt string    `json:"stderr_excerpt,omitempty"`
	Cause         error     `json:"-"`
}

func (e *ExtractError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s: %s", e.Code, e.Message)
	}
	return string(e.Code)
}

func (e *ExtractError) Unwrap() error {
	return e.Cause
}

// NewExtractError creates an ExtractError with the given code and message.
func NewExtractError(code ErrorCode, message string) *ExtractError {
	return &ExtractError{Code: code, Message: message}
}

// WithCause attaches the underlying error.
func (e *ExtractError) WithCause(err error) *ExtractError {
	e.Cause = err
	return e
}

// WithStderr attaches a bounded stderr excerpt for diagnostics.
func (e *ExtractError) WithStderr(excerpt string) *ExtractError {
	e.StderrExcerpt = excerpt
	return e
}

// CodeOf extracts the ErrorCode from any error in the pipeline,
// defaulting to UNKNOWN.
func CodeOf(err error) ErrorCode {
	var ee *ExtractError
	if errors.As(err, &ee) {
		return ee.Code
	}
	return ErrCodeUnknown
}

// IsCritical reports whether a code trips the circuit breaker on its fast
// path: these indicate the upstream (yt-dlp or YouTube) is unhealthy as a
// whole, not that one video is bad.
func (c ErrorCode) IsCritical() bool {
	switch c {
	case ErrCodeTimeout, ErrCodeNotFound, ErrCodeRateLimited, ErrCodeNetworkError:
		return true
	}
	return false
}

// IsRetryable reports whether a per-request retry may succeed. Deterministic
// failures and backpressure rejections never retry.
func (c ErrorCode) IsRetryable() bool {
	switch c {
	case ErrCodeNetworkError, ErrCodeUnknown:
		return true
	}
	return false
}
