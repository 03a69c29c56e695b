// Package watch provides the broadcast primitives the device tasks share:
// a latest-value cell with a bounded set of receivers, and a single-slot
// signal where a newer value replaces an unconsumed older one.
package watch

import (
	"context"
	"errors"
	"sync"
)

// ErrNoReceivers is returned when a Watch has handed out all of its receivers.
var ErrNoReceivers = errors.New("watch: no receivers left")

var closedCh = func() chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}()

// Watch holds the most recent value sent to it. Receivers observe the latest
// value only; intermediate values sent between two reads are coalesced.
type Watch[T any] struct {
	mu        sync.Mutex
	value     T
	version   uint64
	changed   chan struct{}
	maxRecv   int
	receivers int
}

// New creates a Watch that hands out at most maxReceivers receivers.
// maxReceivers <= 0 means unlimited.
func New[T any](maxReceivers int) *Watch[T] {
	return &Watch[T]{
		changed: make(chan struct{}),
		maxRecv: maxReceivers,
	}
}

// Send replaces the current value and wakes every waiting receiver.
// It never blocks.
func (w *Watch[T]) Send(v T) {
	w.mu.Lock()
	w.value = v
	w.version++
	close(w.changed)
	w.changed = make(chan struct{})
	w.mu.Unlock()
}

// Peek returns the current value and whether any value has been sent yet.
func (w *Watch[T]) Peek() (T, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.value, w.version > 0
}

// Receiver allocates a new receiver. A fresh receiver sees the current value
// (if any) as unseen.
func (w *Watch[T]) Receiver() (*Receiver[T], error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.maxRecv > 0 && w.receivers >= w.maxRecv {
		return nil, ErrNoReceivers
	}
	w.receivers++
	return &Receiver[T]{w: w}, nil
}

// Receiver tracks which version of a Watch it has already observed.
type Receiver[T any] struct {
	w    *Watch[T]
	seen uint64
}

// Ready returns a channel that is closed once a value newer than the last one
// taken by this receiver exists. Use it in select statements, then call Take.
func (r *Receiver[T]) Ready() <-chan struct{} {
	r.w.mu.Lock()
	defer r.w.mu.Unlock()
	if r.w.version > r.seen {
		return closedCh
	}
	return r.w.changed
}

// Take marks the current value as seen and returns it. ok is false when
// nothing newer than the last taken value exists.
func (r *Receiver[T]) Take() (v T, ok bool) {
	r.w.mu.Lock()
	defer r.w.mu.Unlock()
	if r.w.version == r.seen {
		return v, false
	}
	r.seen = r.w.version
	return r.w.value, true
}

// Peek returns the current value without marking it seen.
func (r *Receiver[T]) Peek() (T, bool) {
	return r.w.Peek()
}

// Changed blocks until a value newer than the last one seen is available.
func (r *Receiver[T]) Changed(ctx context.Context) (T, error) {
	for {
		select {
		case <-r.Ready():
			if v, ok := r.Take(); ok {
				return v, nil
			}
		case <-ctx.Done():
			var zero T
			return zero, ctx.Err()
		}
	}
}

// Get returns the current value without consuming it, waiting only when no
// value has been sent yet.
func (r *Receiver[T]) Get(ctx context.Context) (T, error) {
	for {
		r.w.mu.Lock()
		if r.w.version > 0 {
			v := r.w.value
			r.w.mu.Unlock()
			return v, nil
		}
		ch := r.w.changed
		r.w.mu.Unlock()

		select {
		case <-ch:
		case <-ctx.Done():
			var zero T
			return zero, ctx.Err()
		}
	}
}

// Signal is a single-slot mailbox: Signal never blocks and replaces a value
// that has not been consumed yet, so the waiter always gets the newest one.
type Signal[T any] struct {
	mu sync.Mutex
	ch chan T
}

// NewSignal creates an empty Signal.
func NewSignal[T any]() *Signal[T] {
	return &Signal[T]{ch: make(chan T, 1)}
}

// Signal stores v, dropping any pending value.
func (s *Signal[T]) Signal(v T) {
	s.mu.Lock()
	defer s.mu.Unlock()
	select {
	case <-s.ch:
	default:
	}
	s.ch <- v
}

// C exposes the slot for select statements.
func (s *Signal[T]) C() <-chan T { return s.ch }

// Wait blocks until a value is signalled.
func (s *Signal[T]) Wait(ctx context.Context) (T, error) {
	select {
	case v := <-s.ch:
		return v, nil
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}
