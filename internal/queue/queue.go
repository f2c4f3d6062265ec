// Package queue implements the admission queue (spec.md §4.5): a counting
// semaphore bounding global in-flight forwards, shared across all
// handlers. Grounded on original_source/src/proxy.rs's use of
// tokio::sync::Semaphore with try_acquire / timeout(acquire()).
package queue

import (
	"context"
	"errors"
)

// ErrClosed is returned by Acquire when the queue has been shut down.
var ErrClosed = errors.New("queue: closed")

// ErrTimeout is returned by Acquire when deadline elapses before a permit
// becomes available.
var ErrTimeout = errors.New("queue: timeout")

// ErrBusy is returned by TryAcquire when no permit is immediately
// available.
var ErrBusy = errors.New("queue: busy")

// Release is returned to the caller by a successful acquire. Only the first
// call frees the permit; later calls are no-ops. Call sites always defer
// exactly one Release per successful acquire.
type Release func()

// Admission is a buffered-channel counting semaphore of capacity
// max_concurrent_rpc_requests.
type Admission struct {
	slots  chan struct{}
	closed chan struct{}
}

// New builds an Admission queue with the given permit capacity.
func New(capacity int) *Admission {
	return &Admission{
		slots:  make(chan struct{}, capacity),
		closed: make(chan struct{}),
	}
}

// Capacity returns the configured permit count.
func (a *Admission) Capacity() int {
	return cap(a.slots)
}

// InFlight returns the number of permits currently held.
func (a *Admission) InFlight() int {
	return len(a.slots)
}

// Available returns the number of free permits.
func (a *Admission) Available() int {
	return cap(a.slots) - len(a.slots)
}

// TryAcquire attempts a non-blocking acquire.
func (a *Admission) TryAcquire() (Release, error) {
	select {
	case a.slots <- struct{}{}:
		return a.releaseFunc(), nil
	default:
		return nil, ErrBusy
	}
}

// Acquire blocks until a permit is available, the context is done, or the
// queue is closed, whichever happens first. The caller supplies a context
// already scoped to max_queue_wait_s.
func (a *Admission) Acquire(ctx context.Context) (Release, error) {
	select {
	case <-a.closed:
		return nil, ErrClosed
	default:
	}
	select {
	case a.slots <- struct{}{}:
		return a.releaseFunc(), nil
	case <-a.closed:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ErrTimeout
	}
}

// Close marks the queue closed; subsequent and in-flight Acquire calls
// that haven't already won a permit return ErrClosed. A best-effort drain
// of in-flight requests is the caller's responsibility (spec.md §5).
func (a *Admission) Close() {
	close(a.closed)
}

func (a *Admission) releaseFunc() Release {
	released := false
	return func() {
		if released {
			return
		}
		released = true
		<-a.slots
	}
}
