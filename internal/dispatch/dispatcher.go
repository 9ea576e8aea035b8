// Package dispatch delivers correlated results and out-of-band events to the
// single sink the caller listens on.
package dispatch

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hedzr/go-ringbuf/v2/mpmc"
	"github.com/sirupsen/logrus"
	"github.com/srg/blebridge/internal/device"
	"github.com/srg/blebridge/internal/groutine"
)

// Sink is the caller's event channel.
type Sink interface {
	Deliver(ev device.Event)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ev device.Event)

func (f SinkFunc) Deliver(ev device.Event) { f(ev) }

// Metrics provides lock-free counters for the dispatcher.
type Metrics struct {
	Delivered   int64 // events handed to the sink
	Dropped     int64 // events published while stopped or delivered while detached
	Overwritten int64 // scan results lost to ring overflow
}

const (
	StateNotRunning uint32 = iota
	StateRunning
	StateStopping

	// MaxRingSize guards against accidental misconfiguration of the scan ring.
	MaxRingSize uint32 = 1024 * 1024
)

// Dispatcher pumps published events to the attached sink on one named goroutine,
// in publish order. Scan results go through an overwrite-oldest ring so a slow
// sink never stalls the native scan callback.
type Dispatcher struct {
	mu   sync.RWMutex // guards sink; held for reading during delivery
	sink Sink

	queue chan device.Event
	scans mpmc.RichOverlappedRingBuffer[device.ScanResult]
	wake  chan struct{}

	lifeMu  sync.Mutex // guards stop and done across start cycles
	stop    chan struct{}
	done    chan struct{}
	state   uint32
	metrics Metrics
	logger  *logrus.Logger
}

// New creates a stopped dispatcher. queueSize bounds correlated events waiting
// for delivery; ringSize bounds buffered scan results.
func New(queueSize int, ringSize uint32, logger *logrus.Logger) (*Dispatcher, error) {
	if queueSize <= 0 {
		return nil, fmt.Errorf("queue size must be > 0")
	}
	if ringSize == 0 {
		return nil, fmt.Errorf("ring size must be > 0")
	}
	if ringSize > MaxRingSize {
		return nil, fmt.Errorf("ring size %d exceeds maximum %d", ringSize, MaxRingSize)
	}
	if logger == nil {
		logger = logrus.New()
	}
	return &Dispatcher{
		queue:  make(chan device.Event, queueSize),
		scans:  mpmc.NewOverlappedRingBuffer[device.ScanResult](ringSize),
		wake:   make(chan struct{}, 1),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
		state:  StateNotRunning,
		logger: logger,
	}, nil
}

// Attach sets the sink receiving events, replacing any previous one.
func (d *Dispatcher) Attach(sink Sink) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.sink = sink
}

// Detach removes the sink. Once Detach returns no event reaches the old sink.
func (d *Dispatcher) Detach() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.sink = nil
}

// Start launches the delivery goroutine.
func (d *Dispatcher) Start() error {
	if !atomic.CompareAndSwapUint32(&d.state, StateNotRunning, StateRunning) {
		switch currentState := atomic.LoadUint32(&d.state); currentState {
		case StateRunning:
			return fmt.Errorf("dispatcher is already running")
		case StateStopping:
			return fmt.Errorf("dispatcher is stopping, wait for it to finish")
		default:
			return fmt.Errorf("dispatcher is in unknown state %d", currentState)
		}
	}

	// Fresh channels per start cycle so a restart never closes a closed channel.
	d.lifeMu.Lock()
	d.stop = make(chan struct{})
	d.done = make(chan struct{})
	stop, done := d.stop, d.done
	d.lifeMu.Unlock()

	groutine.Go(context.Background(), "event-dispatcher", func(ctx context.Context) {
		defer func() {
			close(done)
			atomic.StoreUint32(&d.state, StateNotRunning)
		}()
		for {
			select {
			case <-stop:
				d.drain()
				return
			case ev := <-d.queue:
				d.deliver(ev)
			case <-d.wake:
				d.drainScans()
			}
		}
	})
	return nil
}

// Stop flushes queued events to the sink and stops the delivery goroutine.
func (d *Dispatcher) Stop() error {
	stop, done := d.channels()
	if !atomic.CompareAndSwapUint32(&d.state, StateRunning, StateStopping) {
		switch atomic.LoadUint32(&d.state) {
		case StateNotRunning:
			return nil
		case StateStopping:
		default:
			return fmt.Errorf("dispatcher is in unknown state %d", atomic.LoadUint32(&d.state))
		}
	} else {
		close(stop)
	}

	select {
	case <-done:
		return nil
	case <-time.After(5 * time.Second):
		<-done
		return fmt.Errorf("stop completed but exceeded 5s timeout (slow sink?)")
	}
}

// Publish queues ev for delivery without blocking. It is safe from any goroutine.
// Events published while the dispatcher is not running, or while the queue is
// full behind a slow sink, are dropped and counted.
func (d *Dispatcher) Publish(ev device.Event) {
	if atomic.LoadUint32(&d.state) != StateRunning {
		d.drop(ev, "dispatcher not running")
		return
	}

	if sr, ok := ev.(device.ScanResult); ok {
		overwrites, err := d.scans.EnqueueM(sr)
		if err != nil {
			d.drop(ev, err.Error())
			return
		}
		atomic.AddInt64(&d.metrics.Overwritten, int64(overwrites))
		select {
		case d.wake <- struct{}{}:
		default:
		}
		return
	}

	stop, _ := d.channels()
	select {
	case <-stop:
		d.drop(ev, "dispatcher stopping")
		return
	default:
	}
	select {
	case d.queue <- ev:
	default:
		d.drop(ev, "event queue full")
	}
}

func (d *Dispatcher) channels() (stop, done chan struct{}) {
	d.lifeMu.Lock()
	defer d.lifeMu.Unlock()
	return d.stop, d.done
}

func (d *Dispatcher) deliver(ev device.Event) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if d.sink == nil {
		d.drop(ev, "no sink attached")
		return
	}
	d.sink.Deliver(ev)
	atomic.AddInt64(&d.metrics.Delivered, 1)
}

func (d *Dispatcher) drainScans() {
	for !d.scans.IsEmpty() {
		sr, err := d.scans.Dequeue()
		if err != nil {
			return
		}
		d.deliver(sr)
	}
}

func (d *Dispatcher) drain() {
	for {
		select {
		case ev := <-d.queue:
			d.deliver(ev)
		default:
			d.drainScans()
			return
		}
	}
}

func (d *Dispatcher) drop(ev device.Event, reason string) {
	atomic.AddInt64(&d.metrics.Dropped, 1)
	d.logger.WithFields(logrus.Fields{
		"event":  ev.EventName(),
		"reason": reason,
	}).Warn("Dropping event")
}

// GetMetrics returns a snapshot of the counters.
func (d *Dispatcher) GetMetrics() Metrics {
	return Metrics{
		Delivered:   atomic.LoadInt64(&d.metrics.Delivered),
		Dropped:     atomic.LoadInt64(&d.metrics.Dropped),
		Overwritten: atomic.LoadInt64(&d.metrics.Overwritten),
	}
}
