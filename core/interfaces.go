package core

import (
	"context"
	"time"
)

// =============================================================================
// PanicHandler: Interface for handling task panics
// =============================================================================

// PanicHandler is called when an operation or pooled task panics.
//
// Implementations should be thread-safe as they may be called concurrently.
type PanicHandler interface {
	// HandlePanic is called when a task panics.
	//
	// Parameters:
	// - ctx: The context of the panicked task
	// - runnerName: The runner or pool where the panic occurred
	// - workerID: The pool worker ID, -1 when the task ran outside a pool worker loop
	// - panicInfo: The recovered panic value
	// - stackTrace: The stack trace at the time of panic
	HandlePanic(ctx context.Context, runnerName string, workerID int, panicInfo any, stackTrace []byte)
}

// DefaultPanicHandler logs panics through Logger (DefaultLogger when nil).
type DefaultPanicHandler struct {
	Logger Logger
}

// HandlePanic logs the panic value and stack at error level.
func (h *DefaultPanicHandler) HandlePanic(ctx context.Context, runnerName string, workerID int, panicInfo any, stackTrace []byte) {
	logger := h.Logger
	if logger == nil {
		logger = NewDefaultLogger()
	}
	logger.Error("task panicked",
		F("runner", runnerName),
		F("worker", workerID),
		F("panic", panicInfo),
		F("stack", string(stackTrace)),
	)
}

// =============================================================================
// Metrics: Interface for observability and monitoring
// =============================================================================

// Metrics collects execution metrics. Implementations can send them to
// monitoring systems (see observability/prometheus).
//
// Methods should be non-blocking and fast; they run on the caller's polling
// goroutine or on pool workers.
type Metrics interface {
	// RecordOutcome records the terminal state of a run and how long the
	// caller waited for it.
	RecordOutcome(runnerName string, outcome OutcomeKind, duration time.Duration)

	// RecordTaskPanic records that an operation or pooled task panicked.
	RecordTaskPanic(runnerName string, panicInfo any)

	// RecordQueueDepth records the current number of queued tasks.
	RecordQueueDepth(runnerName string, depth int)

	// RecordTaskRejected records that work was refused (e.g., pool stopped).
	RecordTaskRejected(runnerName string, reason string)
}

// RunObserver is an optional extension of Metrics. A Metrics value that also
// implements it receives the full record of every finished run.
type RunObserver interface {
	ObserveRun(record RunRecord)
}

// NilMetrics provides a no-op metrics implementation.
// This is the default when no metrics interface is provided.
type NilMetrics struct{}

func (m *NilMetrics) RecordOutcome(runnerName string, outcome OutcomeKind, duration time.Duration) {
}
func (m *NilMetrics) RecordTaskPanic(runnerName string, panicInfo any)    {}
func (m *NilMetrics) RecordQueueDepth(runnerName string, depth int)       {}
func (m *NilMetrics) RecordTaskRejected(runnerName string, reason string) {}

// =============================================================================
// RejectedTaskHandler: Interface for handling rejected tasks
// =============================================================================

// RejectedTaskHandler is called when a pool refuses a task, which happens
// when the pool was never started or is shutting down.
type RejectedTaskHandler interface {
	HandleRejectedTask(poolName string, reason string)
}

// DefaultRejectedTaskHandler logs rejected tasks through Logger (DefaultLogger when nil).
type DefaultRejectedTaskHandler struct {
	Logger Logger
}

func (h *DefaultRejectedTaskHandler) HandleRejectedTask(poolName string, reason string) {
	logger := h.Logger
	if logger == nil {
		logger = NewDefaultLogger()
	}
	logger.Warn("task rejected", F("pool", poolName), F("reason", reason))
}

// =============================================================================
// PoolConfig: Configuration for thread pools
// =============================================================================

// PoolConfig holds handler options for a thread pool.
// All handlers are optional; if not provided, default implementations will be used.
type PoolConfig struct {
	PanicHandler        PanicHandler
	Metrics             Metrics
	RejectedTaskHandler RejectedTaskHandler
}

// DefaultPoolConfig returns a config with default handlers.
func DefaultPoolConfig() *PoolConfig {
	return &PoolConfig{
		PanicHandler:        &DefaultPanicHandler{},
		Metrics:             &NilMetrics{},
		RejectedTaskHandler: &DefaultRejectedTaskHandler{},
	}
}
