package core

import (
	"context"
	"errors"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// DefaultPollInterval bounds how long the caller waits between cancellation
// checks when no interval is configured.
const DefaultPollInterval = 50 * time.Millisecond

// RunnerConfig holds configuration options for a CancellableRunner.
// Zero fields fall back to defaults.
type RunnerConfig struct {
	// Name identifies the runner in logs, metrics and run records.
	Name string

	// PollInterval is the maximum wait between cancellation checks.
	PollInterval time.Duration

	// Executor runs the operations. Defaults to GoroutineExecutor.
	Executor Executor

	// Logger defaults to NoOpLogger.
	Logger Logger

	// Metrics defaults to NilMetrics.
	Metrics Metrics

	// PanicHandler defaults to DefaultPanicHandler using Logger.
	PanicHandler PanicHandler

	// HistoryCapacity is the number of RunRecords kept. Defaults to 100.
	HistoryCapacity int
}

// DefaultRunnerConfig returns a config with default values.
func DefaultRunnerConfig() *RunnerConfig {
	return &RunnerConfig{
		Name:            "cancellable",
		PollInterval:    DefaultPollInterval,
		Executor:        NewGoroutineExecutor(),
		Logger:          NewNoOpLogger(),
		Metrics:         &NilMetrics{},
		HistoryCapacity: defaultRunHistoryCapacity,
	}
}

// CancellableRunner runs operations on an Executor while the calling
// goroutine polls for cancellation. It is safe for concurrent use; each
// RunCancellable call is independent.
type CancellableRunner struct {
	name         string
	pollInterval time.Duration
	executor     Executor
	logger       Logger
	metrics      Metrics
	panicHandler PanicHandler
	history      *runHistory

	inFlight  atomic.Int32
	completed atomic.Int64
	cancelled atomic.Int64
	failed    atomic.Int64
}

// NewCancellableRunner creates a runner from config. A nil config uses
// DefaultRunnerConfig.
func NewCancellableRunner(config *RunnerConfig) *CancellableRunner {
	defaults := DefaultRunnerConfig()
	if config == nil {
		config = defaults
	}

	r := &CancellableRunner{
		name:         config.Name,
		pollInterval: config.PollInterval,
		executor:     config.Executor,
		logger:       config.Logger,
		metrics:      config.Metrics,
		panicHandler: config.PanicHandler,
		history:      newRunHistory(config.HistoryCapacity),
	}

	if r.name == "" {
		r.name = defaults.Name
	}
	if r.pollInterval <= 0 {
		r.pollInterval = defaults.PollInterval
	}
	if r.executor == nil {
		r.executor = defaults.Executor
	}
	if r.logger == nil {
		r.logger = defaults.Logger
	}
	if r.metrics == nil {
		r.metrics = defaults.Metrics
	}
	if r.panicHandler == nil {
		r.panicHandler = &DefaultPanicHandler{Logger: r.logger}
	}
	return r
}

var (
	defaultRunner     *CancellableRunner
	defaultRunnerOnce sync.Once
)

func sharedDefaultRunner() *CancellableRunner {
	defaultRunnerOnce.Do(func() {
		defaultRunner = NewCancellableRunner(nil)
	})
	return defaultRunner
}

// Name returns the runner name.
func (r *CancellableRunner) Name() string { return r.name }

// PollInterval returns the default poll interval.
func (r *CancellableRunner) PollInterval() time.Duration { return r.pollInterval }

// Stats returns a snapshot of the runner's counters.
func (r *CancellableRunner) Stats() RunnerStats {
	stats := RunnerStats{
		Name:         r.name,
		Type:         "cancellable",
		InFlight:     int(r.inFlight.Load()),
		Completed:    r.completed.Load(),
		Cancelled:    r.cancelled.Load(),
		Failed:       r.failed.Load(),
		PollInterval: r.pollInterval,
	}
	if last, ok := r.history.Last(); ok {
		stats.LastRunName = last.Name
		stats.LastRunAt = last.FinishedAt
	}
	return stats
}

// RecentRuns returns up to limit run records, newest first.
func (r *CancellableRunner) RecentRuns(limit int) []RunRecord {
	return r.history.Recent(limit)
}

// LastRun returns the most recently finished run.
func (r *CancellableRunner) LastRun() (RunRecord, bool) {
	return r.history.Last()
}

// =============================================================================
// RunCancellable
// =============================================================================

// RunCancellable runs op on r's executor using r's poll interval.
// See RunCancellableEvery.
func RunCancellable[T any](ctx context.Context, r *CancellableRunner, op Operation[T], token *CancellationToken) Outcome[T] {
	return RunCancellableEvery(ctx, r, op, token, 0)
}

// RunCancellableNamed is RunCancellable with an explicit name for logs and run records.
func RunCancellableNamed[T any](ctx context.Context, r *CancellableRunner, name string, op Operation[T], token *CancellationToken) Outcome[T] {
	return runCancellable(ctx, r, name, op, token, 0)
}

// RunCancellableEvery submits op to the executor and waits for it, checking
// token at least every pollInterval. It never returns before one of three
// terminal states is reached:
//
//   - Completed(value) when op returns a nil error.
//   - Cancelled when token is cancelled, when ctx is done (the token is then
//     cancelled too), or when op returns ErrCancelled or context.Canceled.
//   - Failed(err) for any other error or a panic, with the original error
//     reachable through errors.Unwrap / errors.As. A Failed outcome whose error
//     matches ErrSchedulingFailed means the executor refused the work, or
//     accepted it and then dropped it unrun. A refusal is reported at once,
//     without polling.
//
// Cancellation does not stop the worker. The operation's context is canceled
// when RunCancellableEvery returns, but an operation that ignores it keeps
// running and its result is discarded.
//
// A nil r uses a shared default runner, a nil token a fresh one, and
// pollInterval <= 0 the runner's interval.
func RunCancellableEvery[T any](ctx context.Context, r *CancellableRunner, op Operation[T], token *CancellationToken, pollInterval time.Duration) Outcome[T] {
	return runCancellable(ctx, r, "", op, token, pollInterval)
}

func runCancellable[T any](ctx context.Context, r *CancellableRunner, name string, op Operation[T], token *CancellationToken, pollInterval time.Duration) Outcome[T] {
	if r == nil {
		r = sharedDefaultRunner()
	}
	if token == nil {
		token = NewCancellationToken()
	}
	if pollInterval <= 0 {
		pollInterval = r.pollInterval
	}
	if name == "" {
		name = resolveOperationName(op)
	}

	record := RunRecord{
		RunID:      uuid.NewString(),
		Name:       name,
		RunnerName: r.name,
		StartedAt:  time.Now(),
	}
	r.inFlight.Add(1)
	r.logger.Debug("run started",
		F("runner", r.name),
		F("run_id", record.RunID),
		F("name", name),
		F("poll_interval", pollInterval),
	)

	outcome, polls := pollOutcome(ctx, r, record.RunID, op, token, pollInterval)

	r.inFlight.Add(-1)
	record.FinishedAt = time.Now()
	record.Duration = record.FinishedAt.Sub(record.StartedAt)
	record.Polls = polls
	record.Outcome = outcome.Kind()
	if err := outcome.Err(); err != nil {
		record.Error = err.Error()
	}
	r.finish(record, outcome.Err())
	return outcome
}

// pollOutcome is the Submitted -> Polling -> terminal state machine. It returns
// exactly once, with the outcome and the number of poll timeouts observed.
func pollOutcome[T any](ctx context.Context, r *CancellableRunner, runID string, op Operation[T], token *CancellationToken, pollInterval time.Duration) (Outcome[T], int) {
	if op == nil {
		return Failed[T](ErrNilOperation), 0
	}

	workerCtx, stopWorker := context.WithCancel(WithToken(ctx, token))
	defer stopWorker()

	handle := newWorkerHandle[T]()
	if err := r.executor.Submit(func(taskCtx context.Context) {
		if taskCtx.Err() != nil {
			// Dropped by the executor before it ran.
			var zero T
			handle.resolve(zero, &SchedulingError{Runner: r.name, Cause: context.Cause(taskCtx)})
			return
		}
		invokeOperation(workerCtx, r, handle, op)
	}); err != nil {
		r.metrics.RecordTaskRejected(r.name, "submit failed")
		return Failed[T](&SchedulingError{Runner: r.name, Cause: err}), 0
	}

	timer := time.NewTimer(pollInterval)
	defer timer.Stop()

	polls := 0
	for {
		if token.IsCancelled() {
			return abandon[T](r, runID, handle, "token cancelled"), polls
		}

		select {
		case <-handle.done:
			return settle(r.name, handle), polls
		case <-token.Done():
			return abandon[T](r, runID, handle, "token cancelled"), polls
		case <-ctx.Done():
			token.RequestCancel()
			return abandon[T](r, runID, handle, "caller interrupted"), polls
		case <-timer.C:
			polls++
			timer.Reset(pollInterval)
		}
	}
}

func invokeOperation[T any](ctx context.Context, r *CancellableRunner, handle *workerHandle[T], op Operation[T]) {
	var (
		value    T
		err      error
		returned bool
	)
	defer func() {
		var zero T
		if rec := recover(); rec != nil {
			stack := debug.Stack()
			r.panicHandler.HandlePanic(ctx, r.name, -1, rec, stack)
			r.metrics.RecordTaskPanic(r.name, rec)
			handle.resolve(zero, &PanicError{Value: rec, Stack: stack})
			return
		}
		if !returned {
			// runtime.Goexit unwound the operation.
			handle.resolve(zero, &PanicError{Value: errOperationExited, Stack: debug.Stack()})
			return
		}
		handle.resolve(value, err)
	}()

	value, err = op(ctx)
	returned = true
}

// settle maps the worker's terminal state onto an Outcome.
func settle[T any](runnerName string, handle *workerHandle[T]) Outcome[T] {
	value, err := handle.result()
	var schedErr *SchedulingError
	switch {
	case err == nil:
		return Completed(value)
	case errors.As(err, &schedErr):
		return Failed[T](schedErr)
	case IsCancellation(err):
		return Cancelled[T]()
	default:
		return Failed[T](&OperationError{Runner: runnerName, Cause: err})
	}
}

func abandon[T any](r *CancellableRunner, runID string, handle *workerHandle[T], reason string) Outcome[T] {
	if !handle.isDone() {
		r.logger.Debug("worker abandoned, its result will be discarded",
			F("runner", r.name),
			F("run_id", runID),
			F("reason", reason),
		)
	}
	return Cancelled[T]()
}

func (r *CancellableRunner) finish(record RunRecord, err error) {
	fields := []Field{
		F("runner", r.name),
		F("run_id", record.RunID),
		F("name", record.Name),
		F("duration", record.Duration),
		F("polls", record.Polls),
	}

	switch record.Outcome {
	case OutcomeCompleted:
		r.completed.Add(1)
		r.logger.Debug("run completed", fields...)
	case OutcomeCancelled:
		r.cancelled.Add(1)
		r.logger.Info("run cancelled", fields...)
	case OutcomeFailed:
		r.failed.Add(1)
		r.logger.Warn("run failed", append(fields, F("error", err))...)
	}

	r.metrics.RecordOutcome(r.name, record.Outcome, record.Duration)
	if observer, ok := r.metrics.(RunObserver); ok {
		observer.ObserveRun(record)
	}
	r.history.Add(record)
}
