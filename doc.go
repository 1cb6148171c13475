// Package taskbridge runs long-running, error-returning operations on worker
// goroutines while the calling goroutine stays responsive to cancellation.
//
// The caller hands an Operation and a CancellationToken to RunCancellable.
// The operation is submitted to an Executor (a goroutine per task, or a
// GoroutineThreadPool), and the caller polls: check the token, wait up to one
// poll interval for the worker, repeat. The call ends with exactly one of
// Completed(value), Cancelled or Failed(err).
//
// # Quick Start
//
//	taskbridge.InitGlobalThreadPool(4)
//	defer taskbridge.ShutdownGlobalThreadPool()
//
//	runner := taskbridge.NewGlobalCancellableRunner("resolver")
//	token := taskbridge.NewCancellationToken()
//
//	outcome := taskbridge.RunCancellable(ctx, runner,
//		func(ctx context.Context) (int, error) {
//			return resolve(ctx)
//		}, token)
//
//	switch outcome.Kind() {
//	case taskbridge.OutcomeCompleted:
//		v, _ := outcome.Value()
//	case taskbridge.OutcomeCancelled:
//		// token cancelled, ctx done, or the operation returned ErrCancelled
//	case taskbridge.OutcomeFailed:
//		err := outcome.Err() // errors.Unwrap(err) is the operation's own error
//	}
//
// # Cancellation
//
// Cancellation is cooperative. The caller is told Cancelled within one poll
// interval of RequestCancel, but the worker is not preempted: its context is
// canceled and it may keep running until it notices. Whatever it eventually
// returns is discarded.
//
// A token can be backed by a ProgressIndicator; cancelling the indicator
// cancels the token on the next poll. Workers can report transfer progress
// through core.TransferListener, which also hands them ErrCancelled once the
// run is cancelled.
//
// # Errors
//
// Operation errors come back wrapped in *core.OperationError, panics as a
// *core.PanicError cause. If the executor refuses the work the outcome is a
// Failed whose error matches ErrSchedulingFailed (Outcome.IsFatal), reported
// without polling.
package taskbridge
