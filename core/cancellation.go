package core

import (
	"context"
	"sync"
	"sync/atomic"
)

// CancellationToken is a monotonic, poll-checked cancellation flag shared by
// the controller that may cancel a run and the runner that polls it.
//
// A token optionally wraps a ProgressIndicator; a cancellation requested on
// the indicator is picked up by the next IsCancelled call. Tokens cannot be
// reset: a fresh run needs a fresh token. The zero value is ready to use.
type CancellationToken struct {
	cancelled atomic.Bool
	once      sync.Once
	initOnce  sync.Once
	done      chan struct{}
	indicator ProgressIndicator
}

// NewCancellationToken creates a token that is not cancelled.
func NewCancellationToken() *CancellationToken {
	return &CancellationToken{done: make(chan struct{})}
}

// NewTokenFromIndicator creates a token backed by indicator.
func NewTokenFromIndicator(indicator ProgressIndicator) *CancellationToken {
	t := NewCancellationToken()
	t.indicator = indicator
	return t
}

// IsCancelled reports whether cancellation was requested. Safe to call from
// any goroutine, as often as needed.
func (t *CancellationToken) IsCancelled() bool {
	if t == nil {
		return false
	}
	if t.cancelled.Load() {
		return true
	}
	if t.indicator != nil && t.indicator.IsCancelled() {
		t.latch()
		return true
	}
	return false
}

// RequestCancel marks the token cancelled. Calling it more than once has no
// further effect. It may be called from inside a progress callback running on
// the worker.
func (t *CancellationToken) RequestCancel() {
	if t == nil {
		return
	}
	t.latch()
}

// latch forwards to the indicator outside once.Do, so an indicator whose
// Cancel calls back into RequestCancel does not deadlock.
func (t *CancellationToken) latch() {
	first := false
	t.once.Do(func() {
		first = true
		t.cancelled.Store(true)
		close(t.doneChan())
	})
	if first && t.indicator != nil && !t.indicator.IsCancelled() {
		t.indicator.Cancel()
	}
}

// Done returns a channel closed once the token has been latched cancelled.
// Cancellation requested only on a backing indicator is not reflected here
// until IsCancelled has observed it.
func (t *CancellationToken) Done() <-chan struct{} {
	return t.doneChan()
}

func (t *CancellationToken) doneChan() chan struct{} {
	t.initOnce.Do(func() {
		if t.done == nil {
			t.done = make(chan struct{})
		}
	})
	return t.done
}

// Check returns ErrCancelled if the token is cancelled. Operations call it at
// convenient points to end their run as Cancelled.
func (t *CancellationToken) Check() error {
	if t.IsCancelled() {
		return ErrCancelled
	}
	return nil
}

// Indicator returns the backing indicator, or nil.
func (t *CancellationToken) Indicator() ProgressIndicator {
	if t == nil {
		return nil
	}
	return t.indicator
}

// =============================================================================
// Context Helper
// =============================================================================

type tokenKeyType struct{}

var tokenKey tokenKeyType

// WithToken returns a copy of ctx carrying token.
func WithToken(ctx context.Context, token *CancellationToken) context.Context {
	return context.WithValue(ctx, tokenKey, token)
}

// TokenFromContext returns the token stored by WithToken, or nil.
func TokenFromContext(ctx context.Context) *CancellationToken {
	if v, ok := ctx.Value(tokenKey).(*CancellationToken); ok {
		return v
	}
	return nil
}
