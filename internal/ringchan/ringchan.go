// Package ringchan provides a bounded channel whose producers never block.
// When the buffer is full the oldest value is evicted; after Close, sends are
// counted and discarded.
package ringchan

import (
	"sync"
	"sync/atomic"
)

// Metrics counts what happened to values handed to Send.
type Metrics struct {
	Sent        int64 // accepted into the buffer
	Overwritten int64 // evicted to make room for a newer value
	Dropped     int64 // refused because the channel was closed
}

// RingChannel is read through C and fed through Send.
//
//	states := ringchan.New[device.AdapterState](4)
//	states.Send(device.AdapterStateOn)
//	for s := range states.C() {
//	    ...
//	}
type RingChannel[T any] struct {
	mu     sync.Mutex // orders Send against Close
	ch     chan T
	closed bool

	sent, overwritten, dropped atomic.Int64
}

// New panics when size is not positive.
func New[T any](size int) *RingChannel[T] {
	if size <= 0 {
		panic("ringchan: size must be positive")
	}
	return &RingChannel[T]{ch: make(chan T, size)}
}

// C is closed by Close once buffered values are drained.
func (rc *RingChannel[T]) C() <-chan T {
	return rc.ch
}

// Send enqueues v, evicting the oldest value when full. It reports false
// after Close.
func (rc *RingChannel[T]) Send(v T) bool {
	rc.mu.Lock()
	defer rc.mu.Unlock()

	if rc.closed {
		rc.dropped.Add(1)
		return false
	}

	for {
		select {
		case rc.ch <- v:
			rc.sent.Add(1)
			return true
		default:
		}
		// Only Send writes, and it holds mu, so a concurrent reader can only make room.
		select {
		case <-rc.ch:
			rc.overwritten.Add(1)
		default:
		}
	}
}

// Close is idempotent.
func (rc *RingChannel[T]) Close() {
	rc.mu.Lock()
	defer rc.mu.Unlock()

	if !rc.closed {
		rc.closed = true
		close(rc.ch)
	}
}

// Len reports how many values are buffered.
func (rc *RingChannel[T]) Len() int {
	return len(rc.ch)
}

func (rc *RingChannel[T]) GetMetrics() Metrics {
	return Metrics{
		Sent:        rc.sent.Load(),
		Overwritten: rc.overwritten.Load(),
		Dropped:     rc.dropped.Load(),
	}
}
