// Package ringchan provides a bounded channel with overwrite-oldest
// semantics. It is used wherever a producer (BLE callback context, scanner
// advertisement handler) must never block on a slow consumer: if the buffer
// is full, the oldest element is discarded and the drop is counted.
package ringchan

import "sync/atomic"

// RingChannel wraps a buffered channel so that sends never block
// indefinitely. Readers consume it like a normal Go channel via C().
type RingChannel[T any] struct {
	ch      chan T
	dropped atomic.Int64
}

// New creates a RingChannel with the given capacity.
func New[T any](capacity int) *RingChannel[T] {
	if capacity <= 0 {
		panic("ringchan: capacity must be > 0")
	}
	return &RingChannel[T]{ch: make(chan T, capacity)}
}

// C returns the underlying receive-only channel. Consumers can range over
// it until the channel is closed.
func (rc *RingChannel[T]) C() <-chan T {
	return rc.ch
}

// Send inserts an item, discarding the oldest buffered element if the
// channel is full. Returns true if an element was dropped to make room.
func (rc *RingChannel[T]) Send(v T) bool {
	select {
	case rc.ch <- v:
		return false
	default:
	}

	dropped := false
	select {
	case <-rc.ch:
		rc.dropped.Add(1)
		dropped = true
	default:
		// Consumer drained the buffer between the two selects.
	}
	rc.ch <- v
	return dropped
}

// TrySend attempts a non-blocking send without displacing anything.
// Returns false if the buffer is full.
func (rc *RingChannel[T]) TrySend(v T) bool {
	select {
	case rc.ch <- v:
		return true
	default:
		return false
	}
}

// Receive blocks until a value is available or the channel is closed.
// The ok result is false if the channel is closed and drained.
func (rc *RingChannel[T]) Receive() (v T, ok bool) {
	v, ok = <-rc.ch
	return
}

// TryReceive attempts a non-blocking receive.
func (rc *RingChannel[T]) TryReceive() (v T, ok bool) {
	select {
	case v, ok = <-rc.ch:
		return
	default:
		var zero T
		return zero, false
	}
}

// Len returns the number of buffered elements.
func (rc *RingChannel[T]) Len() int { return len(rc.ch) }

// Cap returns the channel capacity.
func (rc *RingChannel[T]) Cap() int { return cap(rc.ch) }

// Dropped returns the number of elements discarded to make room for newer
// ones over the lifetime of the channel.
func (rc *RingChannel[T]) Dropped() int64 { return rc.dropped.Load() }

// Close closes the underlying channel. Sending after Close panics, so the
// owner must ensure producers are quiesced first.
func (rc *RingChannel[T]) Close() {
	close(rc.ch)
}
