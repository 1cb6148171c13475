package core

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrCancelled is the cancellation sentinel. An operation returning it (or
	// an error wrapping it) ends its run as Cancelled rather than Failed.
	ErrCancelled = errors.New("operation cancelled")

	// ErrSchedulingFailed marks process-fatal failures: the work could not be
	// handed to an executor at all.
	ErrSchedulingFailed = errors.New("scheduling failed")

	// ErrNilOperation is reported when RunCancellable is given a nil operation.
	ErrNilOperation = errors.New("operation is nil")

	errOperationExited = errors.New("operation exited without returning")
)

// IsCancellation reports whether err signals that the logical operation was
// cancelled. context.Canceled counts as a cancellation; DeadlineExceeded does not.
func IsCancellation(err error) bool {
	return errors.Is(err, ErrCancelled) || errors.Is(err, context.Canceled)
}

// OperationError wraps an error raised by an operation on its worker.
type OperationError struct {
	Runner string
	Cause  error
}

func (e *OperationError) Error() string {
	return fmt.Sprintf("runner %s: operation failed: %v", e.Runner, e.Cause)
}

func (e *OperationError) Unwrap() error {
	return e.Cause
}

// PanicError is the cause recorded when an operation panics or its goroutine
// is unwound by runtime.Goexit.
type PanicError struct {
	Value any
	Stack []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("operation panicked: %v", e.Value)
}

// SchedulingError reports that an executor refused a submission.
// errors.Is(err, ErrSchedulingFailed) holds for every SchedulingError.
type SchedulingError struct {
	Runner string
	Cause  error
}

func (e *SchedulingError) Error() string {
	return fmt.Sprintf("runner %s: %v: %v", e.Runner, ErrSchedulingFailed, e.Cause)
}

func (e *SchedulingError) Unwrap() []error {
	return []error{ErrSchedulingFailed, e.Cause}
}
