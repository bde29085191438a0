package engine

import (
	"context"
	"errors"
	"strings"

	"github.com/wesheets/personal-ai-agent/internal/persistence"
)

// ErrorKind is the failure taxonomy surfaced in structured results. Nothing
// in this package propagates a bare error past the component boundary.
type ErrorKind string

const (
	KindNotFound      ErrorKind = "not_found"
	KindAlreadyExists ErrorKind = "already_exists"
	KindCapExceeded   ErrorKind = "cap_exceeded"
	KindInference     ErrorKind = "inference_failure"
	KindStorage       ErrorKind = "storage_failure"
	KindUnknown       ErrorKind = "unknown"
)

// inferenceError marks failures from the inference backend so Classify can
// separate them from storage failures.
type inferenceError struct {
	err error
}

func (e *inferenceError) Error() string { return e.err.Error() }
func (e *inferenceError) Unwrap() error { return e.err }

// WrapInference tags an error as coming from the inference backend.
func WrapInference(err error) error {
	if err == nil {
		return nil
	}
	return &inferenceError{err: err}
}

// Classify maps an error to its taxonomy kind.
func Classify(err error) ErrorKind {
	if err == nil {
		return KindUnknown
	}
	var infErr *inferenceError
	if errors.As(err, &infErr) {
		return KindInference
	}
	if errors.Is(err, persistence.ErrNotFound) {
		return KindNotFound
	}
	if errors.Is(err, persistence.ErrAlreadyExists) {
		return KindAlreadyExists
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindInference
	}
	// Remaining errors from this package's collaborators are storage-layer.
	return KindStorage
}

// InferenceErrorClass gives a finer-grained label for inference failures,
// used only in logs and metrics attributes.
type InferenceErrorClass string

const (
	InferenceErrAuth      InferenceErrorClass = "AUTH"
	InferenceErrRateLimit InferenceErrorClass = "RATE_LIMIT"
	InferenceErrTimeout   InferenceErrorClass = "TIMEOUT"
	InferenceErrUnknown   InferenceErrorClass = "UNKNOWN"
)

// ClassifyInferenceError inspects the error message for known backend
// failure patterns.
func ClassifyInferenceError(err error) InferenceErrorClass {
	if err == nil {
		return InferenceErrUnknown
	}
	msg := strings.ToLower(err.Error())

	if strings.Contains(msg, "401") ||
		strings.Contains(msg, "unauthorized") ||
		strings.Contains(msg, "invalid api key") ||
		strings.Contains(msg, "forbidden") ||
		strings.Contains(msg, "403") {
		return InferenceErrAuth
	}
	if strings.Contains(msg, "429") ||
		strings.Contains(msg, "rate limit") ||
		strings.Contains(msg, "rate_limit") ||
		strings.Contains(msg, "quota") ||
		strings.Contains(msg, "too many requests") {
		return InferenceErrRateLimit
	}
	if strings.Contains(msg, "deadline exceeded") ||
		strings.Contains(msg, "timeout") ||
		strings.Contains(msg, "timed out") {
		return InferenceErrTimeout
	}
	return InferenceErrUnknown
}
