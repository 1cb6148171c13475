package core

// workerHandle is the runner's private reference to one in-flight execution.
// The worker resolves it exactly once; closing done publishes value and err.
type workerHandle[T any] struct {
	done  chan struct{}
	value T
	err   error
}

func newWorkerHandle[T any]() *workerHandle[T] {
	return &workerHandle[T]{done: make(chan struct{})}
}

func (h *workerHandle[T]) resolve(value T, err error) {
	h.value = value
	h.err = err
	close(h.done)
}

func (h *workerHandle[T]) isDone() bool {
	select {
	case <-h.done:
		return true
	default:
		return false
	}
}

// result must only be called once isDone reports true.
func (h *workerHandle[T]) result() (T, error) {
	return h.value, h.err
}
