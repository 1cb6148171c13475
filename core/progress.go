package core

import (
	"fmt"
	"sync"
	"sync/atomic"
)

// ProgressIndicator is the caller-facing progress object. The runner polls it
// for cancellation; workers may write progress to it.
type ProgressIndicator interface {
	IsCancelled() bool
	Cancel()
	SetText(text string)
	SetFraction(fraction float64)
}

// BasicIndicator is an in-memory ProgressIndicator safe for concurrent use.
type BasicIndicator struct {
	cancelled atomic.Bool

	mu       sync.RWMutex
	text     string
	fraction float64
}

// NewBasicIndicator creates an indicator with no progress and no cancellation.
func NewBasicIndicator() *BasicIndicator {
	return &BasicIndicator{}
}

func (i *BasicIndicator) IsCancelled() bool { return i.cancelled.Load() }
func (i *BasicIndicator) Cancel()           { i.cancelled.Store(true) }

func (i *BasicIndicator) SetText(text string) {
	i.mu.Lock()
	i.text = text
	i.mu.Unlock()
}

// SetFraction clamps fraction to [0, 1].
func (i *BasicIndicator) SetFraction(fraction float64) {
	fraction = min(max(fraction, 0), 1)
	i.mu.Lock()
	i.fraction = fraction
	i.mu.Unlock()
}

func (i *BasicIndicator) Text() string {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.text
}

func (i *BasicIndicator) Fraction() float64 {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.fraction
}

// =============================================================================
// TransferListener: progress callbacks that double as cancellation checkpoints
// =============================================================================

// TransferListener forwards transfer progress reported by a worker into the
// token's indicator, and hands the cancellation sentinel back to the worker
// once the token is cancelled.
type TransferListener struct {
	token  *CancellationToken
	logger Logger

	mu        sync.Mutex
	total     map[string]int64
	completed map[string]int64
}

// NewTransferListener creates a listener for token. A nil logger discards
// transfer failure reports.
func NewTransferListener(token *CancellationToken, logger Logger) *TransferListener {
	if logger == nil {
		logger = NewNoOpLogger()
	}
	return &TransferListener{
		token:     token,
		logger:    logger,
		total:     make(map[string]int64),
		completed: make(map[string]int64),
	}
}

// TransferStarted registers resource with its expected size (<= 0 if unknown).
func (l *TransferListener) TransferStarted(resource string, total int64) {
	l.mu.Lock()
	l.total[resource] = total
	l.completed[resource] = 0
	l.mu.Unlock()

	if ind := l.token.Indicator(); ind != nil {
		ind.SetText("Downloading " + resource)
		ind.SetFraction(0)
	}
}

// TransferProgress records n more bytes for resource. It returns ErrCancelled
// when the run has been cancelled; the worker should stop the transfer.
func (l *TransferListener) TransferProgress(resource string, n int64) error {
	l.mu.Lock()
	l.completed[resource] += n
	done, total := l.completed[resource], l.total[resource]
	l.mu.Unlock()

	if ind := l.token.Indicator(); ind != nil {
		if total > 0 {
			ind.SetFraction(float64(done) / float64(total))
		} else {
			ind.SetText(fmt.Sprintf("Downloading %s (%d bytes)", resource, done))
		}
	}
	return l.token.Check()
}

// TransferCompleted marks resource finished.
func (l *TransferListener) TransferCompleted(resource string) {
	l.mu.Lock()
	delete(l.total, resource)
	delete(l.completed, resource)
	l.mu.Unlock()

	if ind := l.token.Indicator(); ind != nil {
		ind.SetText("Downloaded " + resource)
		ind.SetFraction(1)
	}
}

// TransferFailed logs a non-fatal transfer failure; the run itself goes on.
func (l *TransferListener) TransferFailed(resource string, err error) {
	l.mu.Lock()
	delete(l.total, resource)
	delete(l.completed, resource)
	l.mu.Unlock()

	l.logger.Warn("transfer failed", F("resource", resource), F("error", err))
}

// Bytes returns the bytes seen so far for an in-flight resource.
func (l *TransferListener) Bytes(resource string) int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.completed[resource]
}
