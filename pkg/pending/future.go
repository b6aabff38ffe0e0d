// Package pending provides the waits that bridge asynchronous resource
// creation and synchronous consumers: single-resolution futures keyed by
// resource, and a bounded wait table for replayed textures.
package pending

import (
	"context"
	"errors"
	"sync"
)

var (
	// ErrShutdown rejects waits that were outstanding when their table shut down.
	ErrShutdown = errors.New("pending: shut down")
	// ErrTimeout is returned by bounded waits whose deadline expired.
	ErrTimeout = errors.New("pending: timed out")
)

// State is the lifecycle state of a Future. Transitions are irreversible.
type State int

const (
	// Pending: neither resolved nor rejected yet.
	Pending State = iota
	// Resolved: completed with a value.
	Resolved
	// Rejected: failed with an error.
	Rejected
)

func (s State) String() string {
	switch s {
	case Pending:
		return "pending"
	case Resolved:
		return "resolved"
	case Rejected:
		return "rejected"
	}
	return "unknown"
}

// Future is a value that settles exactly once. Any number of goroutines may
// wait on it; the first Resolve or Reject wins.
type Future[V any] struct {
	mu    sync.Mutex
	state State
	value V
	err   error
	done  chan struct{}
}

// NewFuture returns a pending future.
func NewFuture[V any]() *Future[V] {
	return &Future[V]{done: make(chan struct{})}
}

// Resolve settles the future with v. It reports whether this call settled it.
func (f *Future[V]) Resolve(v V) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.state != Pending {
		return false
	}
	f.state = Resolved
	f.value = v
	close(f.done)
	return true
}

// Reject settles the future with err. It reports whether this call settled it.
func (f *Future[V]) Reject(err error) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.state != Pending {
		return false
	}
	f.state = Rejected
	f.err = err
	close(f.done)
	return true
}

// Done is closed once the future settles.
func (f *Future[V]) Done() <-chan struct{} {
	return f.done
}

// Poll returns the current state without blocking. The value and error are
// only meaningful once settled.
func (f *Future[V]) Poll() (V, State, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.value, f.state, f.err
}

// Wait parks the calling goroutine until the future settles or ctx is done.
func (f *Future[V]) Wait(ctx context.Context) (V, error) {
	select {
	case <-f.done:
	case <-ctx.Done():
		var zero V
		return zero, ctx.Err()
	}
	v, _, err := f.Poll()
	return v, err
}
