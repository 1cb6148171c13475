package core

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// latencySlack absorbs scheduler jitter on top of the poll interval.
const latencySlack = 50 * time.Millisecond

type recordingMetrics struct {
	mu       sync.Mutex
	outcomes []OutcomeKind
	panics   int
	rejected []string
	records  []RunRecord
}

func (m *recordingMetrics) ObserveRun(record RunRecord) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = append(m.records, record)
}

func (m *recordingMetrics) RecordOutcome(runnerName string, outcome OutcomeKind, duration time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.outcomes = append(m.outcomes, outcome)
}

func (m *recordingMetrics) RecordTaskPanic(runnerName string, panicInfo any) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.panics++
}

func (m *recordingMetrics) RecordQueueDepth(runnerName string, depth int) {}

func (m *recordingMetrics) RecordTaskRejected(runnerName string, reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rejected = append(m.rejected, reason)
}

func (m *recordingMetrics) snapshot() ([]OutcomeKind, int, []string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]OutcomeKind(nil), m.outcomes...), m.panics, append([]string(nil), m.rejected...)
}

type silentPanicHandler struct {
	calls atomic.Int32
}

func (h *silentPanicHandler) HandlePanic(ctx context.Context, runnerName string, workerID int, panicInfo any, stackTrace []byte) {
	h.calls.Add(1)
}

func newTestRunner(metrics Metrics) *CancellableRunner {
	return NewCancellableRunner(&RunnerConfig{
		Name:         "test-runner",
		PollInterval: 50 * time.Millisecond,
		Metrics:      metrics,
		PanicHandler: &silentPanicHandler{},
	})
}

// =============================================================================
// Completion
// =============================================================================

// TestRunCancellable_CompletesWithValue tests a slow operation with no cancellation
// Main test items:
// 1. Outcome is Completed with the exact value produced
// 2. The caller waited roughly as long as the operation
// 3. The polling loop timed out at least 8 times at a 50ms interval
func TestRunCancellable_CompletesWithValue(t *testing.T) {
	runner := newTestRunner(nil)
	token := NewCancellationToken()

	start := time.Now()
	outcome := RunCancellable(context.Background(), runner, func(ctx context.Context) (int, error) {
		time.Sleep(500 * time.Millisecond)
		return 42, nil
	}, token)
	elapsed := time.Since(start)

	if !outcome.IsCompleted() {
		t.Fatalf("expected Completed, got %v (err=%v)", outcome.Kind(), outcome.Err())
	}
	v, ok := outcome.Value()
	if !ok || v != 42 {
		t.Errorf("Value() = (%d, %v), want (42, true)", v, ok)
	}
	if outcome.Err() != nil {
		t.Errorf("completed outcome carries error: %v", outcome.Err())
	}
	if elapsed < 500*time.Millisecond {
		t.Errorf("returned after %v, before the operation finished", elapsed)
	}

	last, ok := runner.LastRun()
	if !ok {
		t.Fatal("expected a run record")
	}
	if last.Polls < 8 {
		t.Errorf("expected at least 8 poll iterations, got %d", last.Polls)
	}
	if last.Outcome != OutcomeCompleted {
		t.Errorf("record outcome = %v, want completed", last.Outcome)
	}
}

// TestRunCancellable_FastOperationReturnsBeforeFirstPoll tests that a quick operation
// is reported as soon as it finishes instead of at the next poll boundary.
func TestRunCancellable_FastOperationReturnsBeforeFirstPoll(t *testing.T) {
	runner := NewCancellableRunner(&RunnerConfig{PollInterval: time.Second})

	start := time.Now()
	outcome := RunCancellable(context.Background(), runner, FromFunc(func() (string, error) {
		return "done", nil
	}), nil)

	if v, _ := outcome.Value(); v != "done" {
		t.Fatalf("Value() = %q, want done", v)
	}
	if elapsed := time.Since(start); elapsed > 500*time.Millisecond {
		t.Errorf("fast operation took %v to report", elapsed)
	}
}

// =============================================================================
// Cancellation
// =============================================================================

// TestRunCancellable_TokenCancelledWhileRunning tests cancellation of a long operation
// Main test items:
// 1. Outcome is Cancelled
// 2. Cancellation is reported within one poll interval of RequestCancel
// 3. The worker is not waited for and keeps running after the caller returns
func TestRunCancellable_TokenCancelledWhileRunning(t *testing.T) {
	runner := newTestRunner(nil)
	token := NewCancellationToken()

	release := make(chan struct{})
	t.Cleanup(func() { close(release) })
	var workerFinished atomic.Bool

	var cancelledAt atomic.Int64
	time.AfterFunc(100*time.Millisecond, func() {
		cancelledAt.Store(time.Now().UnixNano())
		token.RequestCancel()
	})

	start := time.Now()
	outcome := RunCancellable(context.Background(), runner, func(ctx context.Context) (int, error) {
		select {
		case <-release:
		case <-time.After(10 * time.Second):
		}
		workerFinished.Store(true)
		return 1, nil
	}, token)
	returnedAt := time.Now()

	if !outcome.IsCancelled() {
		t.Fatalf("expected Cancelled, got %v", outcome.Kind())
	}
	if outcome.Err() != nil {
		t.Errorf("cancelled outcome carries error: %v", outcome.Err())
	}
	if _, ok := outcome.Value(); ok {
		t.Error("cancelled outcome must not expose a value")
	}

	latency := returnedAt.Sub(time.Unix(0, cancelledAt.Load()))
	if latency > runner.PollInterval()+latencySlack {
		t.Errorf("cancellation observed after %v, want <= %v", latency, runner.PollInterval()+latencySlack)
	}
	if total := returnedAt.Sub(start); total > 150*time.Millisecond+latencySlack {
		t.Errorf("cancelled outcome reported after %v", total)
	}
	if workerFinished.Load() {
		t.Error("worker should still be running after cancellation was reported")
	}
}

// TestRunCancellable_IndicatorCancelledIsPolled tests a token backed by a progress
// indicator. The indicator has no channel, so the cancellation is only seen by polling.
func TestRunCancellable_IndicatorCancelledIsPolled(t *testing.T) {
	runner := newTestRunner(nil)
	indicator := NewBasicIndicator()
	token := NewTokenFromIndicator(indicator)

	var cancelledAt atomic.Int64
	time.AfterFunc(100*time.Millisecond, func() {
		cancelledAt.Store(time.Now().UnixNano())
		indicator.Cancel()
	})

	outcome := RunCancellable(context.Background(), runner, func(ctx context.Context) (int, error) {
		<-ctx.Done()
		return 0, ctx.Err()
	}, token)
	latency := time.Since(time.Unix(0, cancelledAt.Load()))

	if !outcome.IsCancelled() {
		t.Fatalf("expected Cancelled, got %v", outcome.Kind())
	}
	if latency > runner.PollInterval()+latencySlack {
		t.Errorf("indicator cancellation observed after %v", latency)
	}
	if !token.IsCancelled() {
		t.Error("token should stay cancelled")
	}
}

// TestRunCancellable_AlreadyCancelledToken tests that a pre-cancelled token
// ends the run without waiting for the worker.
func TestRunCancellable_AlreadyCancelledToken(t *testing.T) {
	runner := newTestRunner(nil)
	token := NewCancellationToken()
	token.RequestCancel()

	outcome := RunCancellable(context.Background(), runner, func(ctx context.Context) (int, error) {
		time.Sleep(time.Second)
		return 1, nil
	}, token)

	if !outcome.IsCancelled() {
		t.Fatalf("expected Cancelled, got %v", outcome.Kind())
	}
	if last, _ := runner.LastRun(); last.Polls != 0 {
		t.Errorf("expected no poll iterations, got %d", last.Polls)
	}
}

// TestRunCancellable_CallerInterrupted tests the caller's context being canceled while polling
// Main test items:
// 1. Outcome is Cancelled, not Failed
// 2. The operation's context is canceled so a cooperating worker can stop
// 3. The token is cancelled as if the caller had requested it
func TestRunCancellable_CallerInterrupted(t *testing.T) {
	runner := newTestRunner(nil)
	token := NewCancellationToken()

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(100*time.Millisecond, cancel)

	workerStopped := make(chan struct{})
	outcome := RunCancellable(ctx, runner, func(opCtx context.Context) (int, error) {
		defer close(workerStopped)
		select {
		case <-opCtx.Done():
			return 0, errors.New("interrupted: " + opCtx.Err().Error())
		case <-time.After(5 * time.Second):
			return 1, nil
		}
	}, token)

	if !outcome.IsCancelled() {
		t.Fatalf("expected Cancelled, got %v (err=%v)", outcome.Kind(), outcome.Err())
	}
	if !token.IsCancelled() {
		t.Error("caller interruption should cancel the token")
	}

	select {
	case <-workerStopped:
	case <-time.After(time.Second):
		t.Error("operation context was not canceled")
	}
}

// TestRunCancellable_CancellationSentinel tests errors that mean "this operation was cancelled".
func TestRunCancellable_CancellationSentinel(t *testing.T) {
	tests := []struct {
		name string
		err  error
	}{
		{"sentinel", ErrCancelled},
		{"wrapped sentinel", fmt.Errorf("resolve artifact: %w", ErrCancelled)},
		{"context canceled", context.Canceled},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			runner := newTestRunner(nil)
			outcome := RunCancellable(context.Background(), runner, func(ctx context.Context) (int, error) {
				return 0, tt.err
			}, NewCancellationToken())

			if !outcome.IsCancelled() {
				t.Errorf("expected Cancelled, got %v (err=%v)", outcome.Kind(), outcome.Err())
			}
		})
	}
}

// TestRunCancellable_TokenCheckInsideOperation tests an operation that watches
// its token and bails out with the sentinel.
func TestRunCancellable_TokenCheckInsideOperation(t *testing.T) {
	runner := newTestRunner(nil)
	token := NewCancellationToken()

	var sawToken atomic.Bool
	outcome := RunCancellable(context.Background(), runner, func(ctx context.Context) (int, error) {
		tok := TokenFromContext(ctx)
		sawToken.Store(tok == token)
		tok.RequestCancel()
		return 0, tok.Check()
	}, token)

	if !sawToken.Load() {
		t.Error("operation context does not carry the run's token")
	}
	if !outcome.IsCancelled() {
		t.Errorf("expected Cancelled, got %v", outcome.Kind())
	}
}

// =============================================================================
// Failure
// =============================================================================

// TestRunCancellable_OperationError tests an operation failing immediately
// Main test items:
// 1. Outcome is Failed
// 2. The original error is the cause (message and identity preserved)
// 3. Reported within one poll interval
func TestRunCancellable_OperationError(t *testing.T) {
	runner := newTestRunner(nil)
	diskFull := errors.New("disk full")

	start := time.Now()
	outcome := RunCancellable(context.Background(), runner, func(ctx context.Context) (int, error) {
		return 0, diskFull
	}, NewCancellationToken())
	elapsed := time.Since(start)

	if !outcome.IsFailed() {
		t.Fatalf("expected Failed, got %v", outcome.Kind())
	}
	if outcome.IsFatal() {
		t.Error("operation failure must not be reported as fatal")
	}

	err := outcome.Err()
	var opErr *OperationError
	if !errors.As(err, &opErr) {
		t.Fatalf("expected *OperationError, got %T", err)
	}
	if cause := errors.Unwrap(err); cause != diskFull || cause.Error() != "disk full" {
		t.Errorf("cause = %v, want disk full", cause)
	}
	if !errors.Is(err, diskFull) {
		t.Error("errors.Is should find the original error")
	}
	if elapsed > runner.PollInterval()+latencySlack {
		t.Errorf("failure reported after %v", elapsed)
	}
	if _, ok := outcome.Value(); ok {
		t.Error("failed outcome must not expose a value")
	}
}

// TestRunCancellable_DeadlineExceededIsFailure tests that a deadline is not
// mistaken for cancellation.
func TestRunCancellable_DeadlineExceededIsFailure(t *testing.T) {
	runner := newTestRunner(nil)
	outcome := RunCancellable(context.Background(), runner, func(ctx context.Context) (int, error) {
		return 0, context.DeadlineExceeded
	}, nil)

	if !outcome.IsFailed() {
		t.Fatalf("expected Failed, got %v", outcome.Kind())
	}
	if !errors.Is(outcome.Err(), context.DeadlineExceeded) {
		t.Errorf("cause lost: %v", outcome.Err())
	}
}

// TestRunCancellable_PanicBecomesFailure tests that a panic is recovered on the worker
// Main test items:
// 1. Outcome is Failed with a *PanicError cause
// 2. The panic handler and metrics are notified
func TestRunCancellable_PanicBecomesFailure(t *testing.T) {
	metrics := &recordingMetrics{}
	handler := &silentPanicHandler{}
	runner := NewCancellableRunner(&RunnerConfig{
		Name:         "panicky",
		PollInterval: 20 * time.Millisecond,
		Metrics:      metrics,
		PanicHandler: handler,
	})

	outcome := RunCancellable(context.Background(), runner, func(ctx context.Context) (int, error) {
		panic("boom")
	}, nil)

	if !outcome.IsFailed() {
		t.Fatalf("expected Failed, got %v", outcome.Kind())
	}
	var pe *PanicError
	if !errors.As(outcome.Err(), &pe) {
		t.Fatalf("expected *PanicError cause, got %v", outcome.Err())
	}
	if pe.Value != "boom" {
		t.Errorf("panic value = %v, want boom", pe.Value)
	}
	if len(pe.Stack) == 0 {
		t.Error("expected a stack trace")
	}
	if handler.calls.Load() != 1 {
		t.Errorf("panic handler called %d times, want 1", handler.calls.Load())
	}
	if _, panics, _ := metrics.snapshot(); panics != 1 {
		t.Errorf("recorded %d panics, want 1", panics)
	}
}

// TestRunCancellable_GoexitBecomesFailure tests an operation unwound by runtime.Goexit
// Main test items:
// 1. Outcome is Failed, not Completed with a zero value
// 2. The cause is a *PanicError naming the early exit
func TestRunCancellable_GoexitBecomesFailure(t *testing.T) {
	runner := newTestRunner(nil)

	outcome := RunCancellable(context.Background(), runner, func(ctx context.Context) (int, error) {
		runtime.Goexit()
		return 42, nil
	}, nil)

	if !outcome.IsFailed() {
		t.Fatalf("expected Failed, got %v", outcome.Kind())
	}
	if _, ok := outcome.Value(); ok {
		t.Error("Goexit must not produce a value")
	}
	var pe *PanicError
	if !errors.As(outcome.Err(), &pe) {
		t.Fatalf("expected *PanicError cause, got %v", outcome.Err())
	}
	if pe.Value != errOperationExited {
		t.Errorf("PanicError.Value = %v, want %v", pe.Value, errOperationExited)
	}
	if outcome.IsFatal() {
		t.Error("Goexit is an operation failure, not a scheduling failure")
	}
}

// TestRunCancellable_SchedulingFailure tests an executor that refuses the work
// Main test items:
// 1. Outcome is Failed and IsFatal
// 2. The executor's error is preserved and ErrSchedulingFailed matches
// 3. No polling happens
func TestRunCancellable_SchedulingFailure(t *testing.T) {
	metrics := &recordingMetrics{}
	refused := errors.New("pool stopped")
	runner := NewCancellableRunner(&RunnerConfig{
		Name:    "refusing",
		Metrics: metrics,
		Executor: ExecutorFunc(func(task Task) error {
			return refused
		}),
	})

	var ran atomic.Bool
	start := time.Now()
	outcome := RunCancellable(context.Background(), runner, func(ctx context.Context) (int, error) {
		ran.Store(true)
		return 1, nil
	}, nil)

	if !outcome.IsFailed() || !outcome.IsFatal() {
		t.Fatalf("expected fatal Failed, got %v (fatal=%v)", outcome.Kind(), outcome.IsFatal())
	}
	if !errors.Is(outcome.Err(), ErrSchedulingFailed) || !errors.Is(outcome.Err(), refused) {
		t.Errorf("unexpected error chain: %v", outcome.Err())
	}
	var se *SchedulingError
	if !errors.As(outcome.Err(), &se) || se.Runner != "refusing" {
		t.Errorf("expected *SchedulingError for runner refusing, got %v", outcome.Err())
	}
	if time.Since(start) > runner.PollInterval() {
		t.Error("scheduling failure should be reported without polling")
	}
	if ran.Load() {
		t.Error("operation should never have run")
	}
	if _, _, rejected := metrics.snapshot(); len(rejected) != 1 {
		t.Errorf("expected one rejection, got %v", rejected)
	}
}

// TestRunCancellable_DroppedByExecutor tests an executor that accepts the work and later drops it
// Main test items:
// 1. The run does not keep polling; it ends as a fatal Failed outcome
// 2. The executor's drop cause is preserved
// 3. The operation never runs
func TestRunCancellable_DroppedByExecutor(t *testing.T) {
	dropCause := errors.New("executor shut down")
	runner := NewCancellableRunner(&RunnerConfig{
		Name:         "dropping",
		PollInterval: 20 * time.Millisecond,
		Executor: ExecutorFunc(func(task Task) error {
			go func() {
				time.Sleep(30 * time.Millisecond)
				ctx, cancel := context.WithCancelCause(context.Background())
				cancel(dropCause)
				task(ctx)
			}()
			return nil
		}),
	})

	var ran atomic.Bool
	done := make(chan Outcome[int], 1)
	go func() {
		done <- RunCancellable(context.Background(), runner, func(ctx context.Context) (int, error) {
			ran.Store(true)
			return 1, nil
		}, nil)
	}()

	select {
	case outcome := <-done:
		if !outcome.IsFailed() || !outcome.IsFatal() {
			t.Fatalf("expected fatal Failed, got %v (fatal=%v)", outcome.Kind(), outcome.IsFatal())
		}
		if !errors.Is(outcome.Err(), dropCause) {
			t.Errorf("drop cause lost: %v", outcome.Err())
		}
		var se *SchedulingError
		if !errors.As(outcome.Err(), &se) || se.Runner != "dropping" {
			t.Errorf("expected *SchedulingError for runner dropping, got %v", outcome.Err())
		}
	case <-time.After(time.Second):
		t.Fatal("run whose task was dropped is still polling")
	}
	if ran.Load() {
		t.Error("dropped operation should never run")
	}
}

// TestRunCancellable_NilOperation tests the nil-operation precondition.
func TestRunCancellable_NilOperation(t *testing.T) {
	outcome := RunCancellable[int](context.Background(), newTestRunner(nil), nil, nil)
	if !outcome.IsFailed() || !errors.Is(outcome.Err(), ErrNilOperation) {
		t.Errorf("expected Failed(ErrNilOperation), got %v (%v)", outcome.Kind(), outcome.Err())
	}
}

// =============================================================================
// Runner bookkeeping
// =============================================================================

// TestRunCancellable_NilRunnerUsesDefault tests the shared default runner.
func TestRunCancellable_NilRunnerUsesDefault(t *testing.T) {
	outcome := RunCancellable(context.Background(), nil, func(ctx context.Context) (int, error) {
		return 7, nil
	}, nil)
	if v, ok := outcome.Value(); !ok || v != 7 {
		t.Errorf("Value() = (%d, %v), want (7, true)", v, ok)
	}
}

// TestRunCancellableEvery_ExplicitInterval tests the per-call poll interval.
func TestRunCancellableEvery_ExplicitInterval(t *testing.T) {
	runner := NewCancellableRunner(&RunnerConfig{PollInterval: time.Second})

	outcome := RunCancellableEvery(context.Background(), runner, func(ctx context.Context) (int, error) {
		time.Sleep(200 * time.Millisecond)
		return 1, nil
	}, nil, 10*time.Millisecond)

	if !outcome.IsCompleted() {
		t.Fatalf("expected Completed, got %v", outcome.Kind())
	}
	if last, _ := runner.LastRun(); last.Polls < 10 {
		t.Errorf("expected at least 10 polls at 10ms over 200ms, got %d", last.Polls)
	}
}

// TestCancellableRunner_StatsAndHistory tests counters, history and metrics
// Main test items:
// 1. Each outcome kind is counted once
// 2. RecentRuns lists runs newest first with names and run IDs
// 3. Metrics receive one outcome per run
func TestCancellableRunner_StatsAndHistory(t *testing.T) {
	metrics := &recordingMetrics{}
	runner := newTestRunner(metrics)
	ctx := context.Background()

	RunCancellableNamed(ctx, runner, "ok", func(ctx context.Context) (int, error) { return 1, nil }, nil)
	RunCancellableNamed(ctx, runner, "bad", func(ctx context.Context) (int, error) { return 0, errors.New("x") }, nil)
	RunCancellableNamed(ctx, runner, "stop", func(ctx context.Context) (int, error) { return 0, ErrCancelled }, nil)

	stats := runner.Stats()
	if stats.Completed != 1 || stats.Failed != 1 || stats.Cancelled != 1 {
		t.Errorf("stats = %+v, want one of each outcome", stats)
	}
	if stats.InFlight != 0 {
		t.Errorf("in-flight = %d, want 0", stats.InFlight)
	}
	if stats.LastRunName != "stop" {
		t.Errorf("last run = %q, want stop", stats.LastRunName)
	}

	runs := runner.RecentRuns(0)
	if len(runs) != 3 {
		t.Fatalf("expected 3 records, got %d", len(runs))
	}
	wantNames := []string{"stop", "bad", "ok"}
	for i, r := range runs {
		if r.Name != wantNames[i] {
			t.Errorf("runs[%d].Name = %q, want %q", i, r.Name, wantNames[i])
		}
		if r.RunID == "" {
			t.Errorf("runs[%d] has no run ID", i)
		}
		if r.RunnerName != "test-runner" {
			t.Errorf("runs[%d].RunnerName = %q", i, r.RunnerName)
		}
	}
	if runs[1].Error == "" {
		t.Error("failed run should record its error")
	}
	if runs[0].RunID == runs[1].RunID {
		t.Error("run IDs should be unique")
	}

	outcomes, _, _ := metrics.snapshot()
	want := []OutcomeKind{OutcomeCompleted, OutcomeFailed, OutcomeCancelled}
	if fmt.Sprint(outcomes) != fmt.Sprint(want) {
		t.Errorf("recorded outcomes %v, want %v", outcomes, want)
	}

	metrics.mu.Lock()
	observed := append([]RunRecord(nil), metrics.records...)
	metrics.mu.Unlock()
	if len(observed) != 3 || observed[0].Name != "ok" || observed[2].RunID != runs[0].RunID {
		t.Errorf("RunObserver saw %+v", observed)
	}
}

// TestCancellableRunner_Defaults tests that zero config fields fall back to defaults.
func TestCancellableRunner_Defaults(t *testing.T) {
	runner := NewCancellableRunner(&RunnerConfig{})
	if runner.Name() != "cancellable" {
		t.Errorf("Name() = %q", runner.Name())
	}
	if runner.PollInterval() != DefaultPollInterval {
		t.Errorf("PollInterval() = %v, want %v", runner.PollInterval(), DefaultPollInterval)
	}
}

// TestRunCancellable_ConcurrentCalls tests independent runs sharing one runner.
func TestRunCancellable_ConcurrentCalls(t *testing.T) {
	runner := newTestRunner(nil)

	var wg sync.WaitGroup
	results := make([]Outcome[int], 10)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = RunCancellable(context.Background(), runner, func(ctx context.Context) (int, error) {
				time.Sleep(20 * time.Millisecond)
				return i, nil
			}, NewCancellationToken())
		}(i)
	}
	wg.Wait()

	for i, o := range results {
		if v, ok := o.Value(); !ok || v != i {
			t.Errorf("results[%d] = (%d, %v)", i, v, ok)
		}
	}
	if got := runner.Stats().Completed; got != 10 {
		t.Errorf("completed = %d, want 10", got)
	}
}
