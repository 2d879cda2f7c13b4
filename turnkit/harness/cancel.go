package harness

import (
	"context"
	"sync"
)

// CancelToken is a cooperative cancellation signal shared by reference across
// one run. The zero value is ready to use and a nil token is never cancelled.
type CancelToken struct {
	mu     sync.Mutex
	done   chan struct{}
	reason string
	fired  bool
}

// NewCancelToken returns a fresh token.
func NewCancelToken() *CancelToken {
	return &CancelToken{}
}

// Cancel fires the token. Only the first reason is kept.
func (t *CancelToken) Cancel(reason string) {
	if t == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.fired {
		return
	}
	t.fired = true
	t.reason = reason
	if t.done == nil {
		t.done = make(chan struct{})
	}
	close(t.done)
}

// Cancelled reports whether Cancel has been called.
func (t *CancelToken) Cancelled() bool {
	if t == nil {
		return false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.fired
}

// Done returns a channel closed on cancellation. A nil token returns a nil channel.
func (t *CancelToken) Done() <-chan struct{} {
	if t == nil {
		return nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.done == nil {
		t.done = make(chan struct{})
	}
	return t.done
}

// Reason returns the reason given to Cancel.
func (t *CancelToken) Reason() string {
	if t == nil {
		return ""
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.reason
}

// bind derives a context that is cancelled with ErrCancelled when the token fires.
func (t *CancelToken) bind(ctx context.Context) (context.Context, context.CancelFunc) {
	if t == nil {
		return context.WithCancel(ctx)
	}
	bound, cancel := context.WithCancelCause(ctx)
	done := t.Done()
	go func() {
		select {
		case <-done:
			cancel(ErrCancelled)
		case <-bound.Done():
		}
	}()
	return bound, func() { cancel(context.Canceled) }
}
