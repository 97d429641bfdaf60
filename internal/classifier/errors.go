package classifier

import (
	"errors"
	"fmt"
)

// RetryableError wraps a failure the classifier has judged worth retrying.
// Components upstream of the classifier (BatchManager) never construct this
// directly; it is produced by Transient and inspected with IsRetryable.
type RetryableError struct {
	Err error
}

func (e RetryableError) Error() string { return e.Err.Error() }
func (e RetryableError) Unwrap() error { return e.Err }

// Transient wraps err to mark it retryable.
func Transient(err error) error {
	return RetryableError{Err: err}
}

// IsRetryable reports whether err (or anything it wraps) is a RetryableError.
func IsRetryable(err error) bool {
	var retryable RetryableError
	return errors.As(err, &retryable)
}

// PanicError records a recovered panic from a task goroutine. Tasks that
// panic are never retried: a panic indicates a programming error, not a
// transient condition.
type PanicError struct {
	Value      any
	StackTrace string
}

func (e PanicError) Error() string {
	return fmt.Sprintf("panic: %v", e.Value)
}

// IsPanic reports whether err is a PanicError.
func IsPanic(err error) bool {
	var panicErr PanicError
	return errors.As(err, &panicErr)
}

// JobCancelled indicates a task must stop permanently without counting
// against the retry budget (e.g. an Abort signal was raised).
type JobCancelled struct {
	Reason string
}

func (e JobCancelled) Error() string {
	return fmt.Sprintf("job cancelled: %s", e.Reason)
}

// IsJobCancelled reports whether err is a JobCancelled.
func IsJobCancelled(err error) bool {
	var cancelled JobCancelled
	return errors.As(err, &cancelled)
}
