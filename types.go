package taskbridge

import (
	"context"

	"github.com/Swind/go-task-bridge/core"
)

// Re-export commonly used types from core package for convenience.
// This allows users to import only the taskbridge package for most use cases.

// Task is the unit of work an Executor runs
type Task = core.Task

// Operation is a unit of work producing a value or an error
type Operation[T any] = core.Operation[T]

// Outcome is the terminal result of a cancellable run
type Outcome[T any] = core.Outcome[T]

// OutcomeKind tags the populated Outcome variant
type OutcomeKind = core.OutcomeKind

// CancellationToken is the poll-checked cancellation flag
type CancellationToken = core.CancellationToken

// CancellableRunner runs operations on an executor while polling for cancellation
type CancellableRunner = core.CancellableRunner

// RunnerConfig configures a CancellableRunner
type RunnerConfig = core.RunnerConfig

// Executor is the work-submission facility
type Executor = core.Executor

// ProgressIndicator is the caller-facing progress object backing a token
type ProgressIndicator = core.ProgressIndicator

// Outcome kinds
const (
	OutcomeCompleted = core.OutcomeCompleted
	OutcomeCancelled = core.OutcomeCancelled
	OutcomeFailed    = core.OutcomeFailed
)

// Sentinel errors
var (
	ErrCancelled        = core.ErrCancelled
	ErrSchedulingFailed = core.ErrSchedulingFailed
)

// Constructors
var (
	NewCancellationToken  = core.NewCancellationToken
	NewTokenFromIndicator = core.NewTokenFromIndicator
	NewCancellableRunner  = core.NewCancellableRunner
	DefaultRunnerConfig   = core.DefaultRunnerConfig
	IsCancellation        = core.IsCancellation
)

// RunCancellable runs op on r and waits for Completed, Cancelled or Failed.
// See core.RunCancellableEvery for the full contract.
func RunCancellable[T any](ctx context.Context, r *CancellableRunner, op Operation[T], token *CancellationToken) Outcome[T] {
	return core.RunCancellable(ctx, r, op, token)
}
