//go:build test

package testutils

import (
	"sync"
	"time"

	"github.com/srg/blebridge/internal/device"
)

// EventRecorder is a caller sink that keeps every delivered event.
type EventRecorder struct {
	mu     sync.Mutex
	events []device.Event
	signal chan struct{}
}

func NewEventRecorder() *EventRecorder {
	return &EventRecorder{signal: make(chan struct{}, 1)}
}

// Deliver implements dispatch.Sink.
func (r *EventRecorder) Deliver(ev device.Event) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()

	select {
	case r.signal <- struct{}{}:
	default:
	}
}

// Events returns a copy of everything delivered so far.
func (r *EventRecorder) Events() []device.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]device.Event(nil), r.events...)
}

// Named returns the delivered events with the given name.
func (r *EventRecorder) Named(name string) []device.Event {
	var out []device.Event
	for _, ev := range r.Events() {
		if ev.EventName() == name {
			out = append(out, ev)
		}
	}
	return out
}

// WaitFor blocks until count events named name were delivered or timeout elapsed.
func (r *EventRecorder) WaitFor(name string, count int, timeout time.Duration) []device.Event {
	deadline := time.After(timeout)
	for {
		if evs := r.Named(name); len(evs) >= count {
			return evs
		}
		select {
		case <-r.signal:
		case <-deadline:
			return r.Named(name)
		case <-time.After(10 * time.Millisecond):
		}
	}
}
