package taskbridge

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Swind/go-task-bridge/core"
)

// ErrPoolNotRunning is returned by Submit when the pool was never started or
// has been stopped.
var ErrPoolNotRunning = errors.New("thread pool is not running")

// GoroutineThreadPool manages a fixed set of worker goroutines pulling tasks
// from a FIFO queue. It implements core.Executor.
type GoroutineThreadPool struct {
	id      string
	workers int
	queue   *core.TaskQueue
	signal  chan struct{}

	panicHandler        core.PanicHandler
	metrics             core.Metrics
	rejectedTaskHandler core.RejectedTaskHandler

	metricQueued atomic.Int32 // Waiting in queue
	metricActive atomic.Int32 // Executing in worker

	wg        sync.WaitGroup
	ctx       context.Context
	cancel    context.CancelCauseFunc
	running   bool
	runningMu sync.RWMutex
}

var _ core.Executor = (*GoroutineThreadPool)(nil)

// NewGoroutineThreadPool creates a pool with default handlers.
func NewGoroutineThreadPool(id string, workers int) *GoroutineThreadPool {
	return NewGoroutineThreadPoolWithConfig(id, workers, core.DefaultPoolConfig())
}

// NewGoroutineThreadPoolWithConfig creates a pool with the given handlers.
// Missing handlers fall back to the defaults.
func NewGoroutineThreadPoolWithConfig(id string, workers int, config *core.PoolConfig) *GoroutineThreadPool {
	if workers <= 0 {
		workers = 1
	}
	defaults := core.DefaultPoolConfig()
	if config == nil {
		config = defaults
	}

	tg := &GoroutineThreadPool{
		id:                  id,
		workers:             workers,
		queue:               core.NewTaskQueue(),
		signal:              make(chan struct{}, workers*2),
		panicHandler:        config.PanicHandler,
		metrics:             config.Metrics,
		rejectedTaskHandler: config.RejectedTaskHandler,
	}
	if tg.panicHandler == nil {
		tg.panicHandler = defaults.PanicHandler
	}
	if tg.metrics == nil {
		tg.metrics = defaults.Metrics
	}
	if tg.rejectedTaskHandler == nil {
		tg.rejectedTaskHandler = defaults.RejectedTaskHandler
	}
	return tg
}

// Start starts all worker goroutines
func (tg *GoroutineThreadPool) Start(ctx context.Context) {
	tg.runningMu.Lock()
	defer tg.runningMu.Unlock()

	if tg.running {
		return // Already running
	}

	tg.ctx, tg.cancel = context.WithCancelCause(ctx)
	tg.running = true

	for i := range tg.workers {
		tg.wg.Add(1)
		go tg.workerLoop(i, tg.ctx)
	}
}

// Stop stops the workers and drops queued tasks. Tasks already running are
// waited for. Each dropped task is still invoked once, with a context already
// canceled with a cause matching ErrPoolNotRunning, so that its submitter can
// tell it never ran. A RunCancellable call whose task is dropped ends as a
// fatal Failed outcome.
func (tg *GoroutineThreadPool) Stop() {
	tg.runningMu.Lock()
	if !tg.running {
		tg.runningMu.Unlock()
		return
	}
	tg.running = false
	tg.runningMu.Unlock()

	tg.shutdown()
}

// StopGraceful stops accepting tasks, waits for queued and active tasks to
// finish, then stops the workers. Returns error if timeout is exceeded; the
// remaining queue is dropped in that case, the same way Stop drops it.
func (tg *GoroutineThreadPool) StopGraceful(timeout time.Duration) error {
	tg.runningMu.Lock()
	if !tg.running {
		tg.runningMu.Unlock()
		return nil
	}
	tg.running = false
	tg.runningMu.Unlock()

	var err error
	deadline := time.After(timeout)
	ticker := time.NewTicker(core.DefaultPollInterval)
	defer ticker.Stop()

drain:
	for {
		if tg.QueuedTaskCount() == 0 && tg.ActiveTaskCount() == 0 {
			break
		}
		select {
		case <-deadline:
			err = fmt.Errorf("pool %s: graceful stop timed out after %v, forced clearing", tg.id, timeout)
			break drain
		case <-ticker.C:
		}
	}

	tg.shutdown()
	return err
}

// shutdown drains the queue before stopping workers so that none of them
// picks up a dropped task on its way out. Dropped tasks run on the caller's
// goroutine with the canceled pool context.
func (tg *GoroutineThreadPool) shutdown() {
	dropped := tg.queue.Drain()
	tg.metricQueued.Add(int32(-len(dropped)))

	if tg.cancel != nil {
		tg.cancel(fmt.Errorf("pool %s: %w", tg.id, ErrPoolNotRunning))
	}
	tg.Join()
	tg.metrics.RecordQueueDepth(tg.id, 0)

	for _, task := range dropped {
		tg.runDropped(task)
	}
}

func (tg *GoroutineThreadPool) runDropped(task core.Task) {
	defer func() {
		if r := recover(); r != nil {
			tg.panicHandler.HandlePanic(tg.ctx, tg.id, -1, r, debug.Stack())
			tg.metrics.RecordTaskPanic(tg.id, r)
		}
	}()
	task(tg.ctx)
}

// Submit queues task for execution on a worker.
func (tg *GoroutineThreadPool) Submit(task core.Task) error {
	if task == nil {
		return errors.New("task is nil")
	}

	// Holding the read lock keeps Stop from flipping running between the
	// check and the push.
	tg.runningMu.RLock()
	if !tg.running {
		tg.runningMu.RUnlock()
		tg.rejectedTaskHandler.HandleRejectedTask(tg.id, "not running")
		tg.metrics.RecordTaskRejected(tg.id, "not running")
		return fmt.Errorf("pool %s: %w", tg.id, ErrPoolNotRunning)
	}
	tg.queue.Push(task)
	depth := tg.metricQueued.Add(1)
	tg.runningMu.RUnlock()
	tg.metrics.RecordQueueDepth(tg.id, int(depth))

	select {
	case tg.signal <- struct{}{}:
	default:
		// Signal channel full, but task is already queued
	}
	return nil
}

// ID returns the ID of the thread pool
func (tg *GoroutineThreadPool) ID() string {
	return tg.id
}

// IsRunning returns whether the thread pool is running
func (tg *GoroutineThreadPool) IsRunning() bool {
	tg.runningMu.RLock()
	defer tg.runningMu.RUnlock()
	return tg.running
}

func (tg *GoroutineThreadPool) getWork(stopCh <-chan struct{}) (core.Task, bool) {
	for {
		select {
		case <-stopCh:
			return nil, false
		default:
		}

		if task, ok := tg.queue.Pop(); ok {
			tg.metricQueued.Add(-1)
			return task, true
		}

		select {
		case <-tg.signal:
			continue
		case <-stopCh:
			return nil, false
		}
	}
}

// workerLoop is the main loop for each worker
func (tg *GoroutineThreadPool) workerLoop(id int, ctx context.Context) {
	defer tg.wg.Done()
	stopCh := ctx.Done()

	for {
		task, ok := tg.getWork(stopCh)
		if !ok {
			return
		}

		tg.metricActive.Add(1)
		func() {
			defer func() {
				tg.metricActive.Add(-1)
				if r := recover(); r != nil {
					tg.panicHandler.HandlePanic(ctx, tg.id, id, r, debug.Stack())
					tg.metrics.RecordTaskPanic(tg.id, r)
				}
			}()
			task(ctx)
		}()
	}
}

// Join waits for all worker goroutines to finish
func (tg *GoroutineThreadPool) Join() {
	tg.wg.Wait()
}

// WorkerCount returns the number of workers
func (tg *GoroutineThreadPool) WorkerCount() int {
	return tg.workers
}

func (tg *GoroutineThreadPool) QueuedTaskCount() int {
	return int(tg.metricQueued.Load())
}

func (tg *GoroutineThreadPool) ActiveTaskCount() int {
	return int(tg.metricActive.Load())
}

// Stats returns a snapshot of the pool state.
func (tg *GoroutineThreadPool) Stats() core.PoolStats {
	return core.PoolStats{
		ID:      tg.id,
		Workers: tg.workers,
		Queued:  tg.QueuedTaskCount(),
		Active:  tg.ActiveTaskCount(),
		Running: tg.IsRunning(),
	}
}

// =============================================================================
// Global Thread Pool Helper (Singleton)
// =============================================================================

var (
	globalThreadPool *GoroutineThreadPool
	globalMu         sync.Mutex
)

// InitGlobalThreadPool initializes the global thread pool with specified number of workers.
// It starts the pool immediately.
func InitGlobalThreadPool(workers int) {
	globalMu.Lock()
	defer globalMu.Unlock()

	if globalThreadPool != nil {
		return // Already initialized
	}

	globalThreadPool = NewGoroutineThreadPool("global-pool", workers)
	globalThreadPool.Start(context.Background())
}

// GetGlobalThreadPool returns the global thread pool instance.
// It panics if InitGlobalThreadPool has not been called.
func GetGlobalThreadPool() *GoroutineThreadPool {
	globalMu.Lock()
	defer globalMu.Unlock()

	if globalThreadPool == nil {
		panic("GlobalThreadPool not initialized. Call InitGlobalThreadPool() first.")
	}
	return globalThreadPool
}

// ShutdownGlobalThreadPool stops the global thread pool.
func ShutdownGlobalThreadPool() {
	globalMu.Lock()
	defer globalMu.Unlock()

	if globalThreadPool != nil {
		globalThreadPool.Stop()
		globalThreadPool = nil
	}
}

// NewGlobalCancellableRunner creates a CancellableRunner backed by the global
// thread pool with the default poll interval.
func NewGlobalCancellableRunner(name string) *CancellableRunner {
	return core.NewCancellableRunner(&core.RunnerConfig{
		Name:     name,
		Executor: GetGlobalThreadPool(),
	})
}
