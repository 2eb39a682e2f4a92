package analysis

import (
	"errors"
	"fmt"
	"time"
)

// ErrorKind classifies stage failures for the retry decision.
type ErrorKind string

const (
	// KindTransient covers network errors, timeouts and external 5xx responses.
	KindTransient ErrorKind = "transient"
	// KindRateExhausted means a rate-limited resource had no budget; retry after RetryAfter.
	KindRateExhausted ErrorKind = "rate_exhausted"
	// KindMalformedInput means the repository cannot be analyzed; never retried.
	KindMalformedInput ErrorKind = "malformed_input"
	// KindInternal is a bug or invariant violation; never retried, flagged for operators.
	KindInternal ErrorKind = "internal"
)

// ErrCancelled is returned by executors that stop at a checkpoint because
// their job was cancelled.
var ErrCancelled = errors.New("analysis cancelled")

// Retryable reports whether failures of this kind consume retry budget
// instead of failing the job.
func (k ErrorKind) Retryable() bool {
	return k == KindTransient || k == KindRateExhausted
}

// UserFacing reports whether the failure reason is meant for the submitter
// rather than for operators.
func (k ErrorKind) UserFacing() bool {
	return k != KindInternal
}

// StageError is the typed error executors return to the orchestrator.
type StageError struct {
	Kind       ErrorKind
	RetryAfter time.Duration
	Err        error
}

func (e *StageError) Error() string {
	if e.Err == nil {
		return string(e.Kind)
	}

	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *StageError) Unwrap() error {
	return e.Err
}

// Transient wraps err as a retryable failure.
func Transient(err error) error {
	return &StageError{Kind: KindTransient, Err: err}
}

// RateExhausted wraps err as a rate-limit failure to be retried after wait.
func RateExhausted(wait time.Duration, err error) error {
	return &StageError{Kind: KindRateExhausted, RetryAfter: wait, Err: err}
}

// MalformedInput wraps err as a non-retryable input failure.
func MalformedInput(err error) error {
	return &StageError{Kind: KindMalformedInput, Err: err}
}

// Internal wraps err as a non-retryable internal failure.
func Internal(err error) error {
	return &StageError{Kind: KindInternal, Err: err}
}

// KindOf classifies err. Untyped errors are treated as transient.
func KindOf(err error) ErrorKind {
	var stageErr *StageError
	if errors.As(err, &stageErr) {
		return stageErr.Kind
	}

	if errors.Is(err, ErrInvalidRepository) {
		return KindMalformedInput
	}

	if errors.Is(err, ErrUnknownOutput) || errors.Is(err, ErrUnknownStage) {
		return KindInternal
	}

	return KindTransient
}

// RetryAfterOf returns the wait hint carried by a rate-exhausted error, or zero.
func RetryAfterOf(err error) time.Duration {
	var stageErr *StageError
	if errors.As(err, &stageErr) {
		return stageErr.RetryAfter
	}

	return 0
}
