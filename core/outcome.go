package core

import "errors"

// OutcomeKind tags which variant of an Outcome is populated.
type OutcomeKind int

const (
	OutcomeCompleted OutcomeKind = iota
	OutcomeCancelled
	OutcomeFailed
)

func (k OutcomeKind) String() string {
	switch k {
	case OutcomeCompleted:
		return "completed"
	case OutcomeCancelled:
		return "cancelled"
	case OutcomeFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Outcome is the terminal result of one RunCancellable call.
//
// Exactly one variant is populated: Completed carries a value and no error,
// Cancelled carries neither, Failed carries a non-nil error and the zero value.
type Outcome[T any] struct {
	kind  OutcomeKind
	value T
	err   error
}

// Completed builds a completed outcome.
func Completed[T any](value T) Outcome[T] {
	return Outcome[T]{kind: OutcomeCompleted, value: value}
}

// Cancelled builds a cancelled outcome.
func Cancelled[T any]() Outcome[T] {
	return Outcome[T]{kind: OutcomeCancelled}
}

// Failed builds a failed outcome. A nil err is replaced so that a failed
// outcome always carries an error.
func Failed[T any](err error) Outcome[T] {
	if err == nil {
		err = errors.New("unknown failure")
	}
	return Outcome[T]{kind: OutcomeFailed, err: err}
}

func (o Outcome[T]) Kind() OutcomeKind { return o.kind }
func (o Outcome[T]) IsCompleted() bool { return o.kind == OutcomeCompleted }
func (o Outcome[T]) IsCancelled() bool { return o.kind == OutcomeCancelled }
func (o Outcome[T]) IsFailed() bool    { return o.kind == OutcomeFailed }

// IsFatal reports a failure caused by the executor refusing the work, as
// opposed to the operation itself failing.
func (o Outcome[T]) IsFatal() bool {
	return o.kind == OutcomeFailed && errors.Is(o.err, ErrSchedulingFailed)
}

// Value returns the produced value; ok is false unless the outcome is Completed.
func (o Outcome[T]) Value() (value T, ok bool) {
	return o.value, o.kind == OutcomeCompleted
}

// Err returns the failure, or nil for Completed and Cancelled outcomes.
func (o Outcome[T]) Err() error {
	return o.err
}

// Get collapses the outcome into Go's (value, error) convention. A cancelled
// outcome yields ErrCancelled.
func (o Outcome[T]) Get() (T, error) {
	switch o.kind {
	case OutcomeCompleted:
		return o.value, nil
	case OutcomeCancelled:
		var zero T
		return zero, ErrCancelled
	default:
		var zero T
		return zero, o.err
	}
}
