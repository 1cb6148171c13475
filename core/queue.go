package core

import "sync"

const (
	defaultQueueCap     = 16
	compactMinCap       = 64 // Don't compact if capacity is less than this
	compactShrinkFactor = 4  // Trigger compaction when len < cap/4
)

// TaskQueue is a FIFO queue of tasks safe for concurrent use.
type TaskQueue struct {
	mu    sync.Mutex
	tasks []Task
}

func NewTaskQueue() *TaskQueue {
	return &TaskQueue{tasks: make([]Task, 0, defaultQueueCap)}
}

func (q *TaskQueue) Push(t Task) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.tasks = append(q.tasks, t)
}

func (q *TaskQueue) Pop() (Task, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.tasks) == 0 {
		return nil, false
	}

	t := q.tasks[0]
	// Release the reference held by the backing array
	q.tasks[0] = nil
	q.tasks = q.tasks[1:]
	q.maybeCompactLocked()
	return t, true
}

func (q *TaskQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.tasks)
}

// Drain removes every queued task and returns them in FIFO order.
func (q *TaskQueue) Drain() []Task {
	q.mu.Lock()
	defer q.mu.Unlock()
	drained := q.tasks
	q.tasks = make([]Task, 0, defaultQueueCap)
	return drained
}

func (q *TaskQueue) maybeCompactLocked() {
	n, c := len(q.tasks), cap(q.tasks)
	if c < compactMinCap || n*compactShrinkFactor >= c {
		return
	}
	compacted := make([]Task, n, max(c/2, defaultQueueCap, n))
	copy(compacted, q.tasks)
	q.tasks = compacted
}
