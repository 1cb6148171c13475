package core

import (
	"context"
	"reflect"
	"runtime"
)

// Task is the unit of work an Executor runs (Closure)
type Task func(ctx context.Context)

// Operation is a unit of work that produces a value of type T or fails.
//
// The context passed to the operation carries the CancellationToken of the
// run (see TokenFromContext) and is canceled once the run reaches a terminal
// state. Operations may watch it to stop early; nothing forces them to.
type Operation[T any] func(ctx context.Context) (T, error)

// FromFunc adapts a context-free function into an Operation.
func FromFunc[T any](fn func() (T, error)) Operation[T] {
	if fn == nil {
		return nil
	}
	return func(context.Context) (T, error) {
		return fn()
	}
}

// =============================================================================
// Executor: Define task submission interface
// =============================================================================

// Executor is the work-submission facility used by CancellableRunner.
//
// Submit must not block on the task itself. A non-nil error means the task
// will never run. An executor that accepts a task and later drops it invokes
// it with an already-done context; context.Cause explains why.
type Executor interface {
	Submit(task Task) error
}

// ExecutorFunc adapts a plain function into an Executor.
type ExecutorFunc func(task Task) error

// Submit calls f(task).
func (f ExecutorFunc) Submit(task Task) error {
	return f(task)
}

// GoroutineExecutor runs every task on its own goroutine. It never rejects.
type GoroutineExecutor struct{}

// NewGoroutineExecutor creates an unbounded goroutine-per-task executor.
func NewGoroutineExecutor() *GoroutineExecutor {
	return &GoroutineExecutor{}
}

// Submit starts task on a new goroutine.
func (e *GoroutineExecutor) Submit(task Task) error {
	go task(context.Background())
	return nil
}

func resolveOperationName(fn any) string {
	v := reflect.ValueOf(fn)
	if !v.IsValid() || v.Kind() != reflect.Func || v.IsNil() {
		return "anonymous"
	}

	f := runtime.FuncForPC(v.Pointer())
	if f == nil || f.Name() == "" {
		return "anonymous"
	}
	return f.Name()
}
