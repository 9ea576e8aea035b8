// Package adapterstate republishes the radio power state as a stream with an
// explicit listener lifecycle.
package adapterstate

import (
	"errors"
	"slices"
	"sync"

	"github.com/sirupsen/logrus"
	"github.com/srg/blebridge/internal/device"
	"github.com/srg/blebridge/internal/ringchan"
)

// Source is the native side of the radio power state.
type Source interface {
	State() (device.AdapterState, error)
	WatchState(onChange func(device.AdapterState)) (stop func(), err error)
}

// DefaultListenerBuffer is the per listener backlog before old states are overwritten.
const DefaultListenerBuffer = 8

// Observer watches Source while at least one listener is attached. The watch is
// started by the first Listen and stopped by the last Cancel, exactly once each.
type Observer struct {
	src     Source
	publish func(device.Event)
	logger  *logrus.Logger

	watchMu   sync.Mutex // serializes watch start/stop with listener changes
	mu        sync.Mutex
	listeners map[uint64]*Subscription
	nextID    uint64
	stopWatch func()
	hooks     []func(device.AdapterState)
}

// New creates an observer. publish receives every transition as an
// AdapterStateEvent; it may be nil.
func New(src Source, publish func(device.Event), logger *logrus.Logger) *Observer {
	if logger == nil {
		logger = logrus.New()
	}
	return &Observer{
		src:       src,
		publish:   publish,
		logger:    logger,
		listeners: make(map[uint64]*Subscription),
	}
}

// Current queries the source. An authorization failure of the query itself is
// reported as AdapterStateUnauthorized, any other failure as AdapterStateUnknown.
func (o *Observer) Current() device.AdapterState {
	if o.src == nil {
		return device.AdapterStateUnavailable
	}
	state, err := o.src.State()
	switch {
	case err == nil:
		return state
	case errors.Is(err, device.ErrUnauthorized):
		o.logger.WithError(err).Warn("Adapter state query refused")
		return device.AdapterStateUnauthorized
	default:
		o.logger.WithError(err).Warn("Adapter state query failed")
		return device.AdapterStateUnknown
	}
}

// OnChange registers a hook run on every transition, before listeners are fed.
// Hooks do not keep the watch alive.
func (o *Observer) OnChange(fn func(device.AdapterState)) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.hooks = append(o.hooks, fn)
}

// Listen attaches a listener, starting the native watch if it is the first one.
func (o *Observer) Listen() (*Subscription, error) {
	if o.src == nil {
		return nil, device.ErrUnavailable
	}

	o.watchMu.Lock()
	defer o.watchMu.Unlock()

	o.mu.Lock()
	o.nextID++
	sub := &Subscription{id: o.nextID, observer: o, ch: ringchan.New[device.AdapterState](DefaultListenerBuffer)}
	first := len(o.listeners) == 0
	o.listeners[sub.id] = sub
	o.mu.Unlock()

	if !first {
		return sub, nil
	}

	stop, err := o.src.WatchState(o.handle)
	if err != nil {
		o.mu.Lock()
		delete(o.listeners, sub.id)
		o.mu.Unlock()
		sub.ch.Close()
		return nil, err
	}

	o.mu.Lock()
	o.stopWatch = stop
	o.mu.Unlock()
	o.logger.Debug("Adapter state watch started")
	return sub, nil
}

// Listeners returns the number of attached listeners.
func (o *Observer) Listeners() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.listeners)
}

// Close cancels every listener, which stops the watch.
func (o *Observer) Close() {
	o.mu.Lock()
	subs := make([]*Subscription, 0, len(o.listeners))
	for _, s := range o.listeners {
		subs = append(subs, s)
	}
	o.mu.Unlock()

	for _, s := range subs {
		s.Cancel()
	}
}

func (o *Observer) cancel(sub *Subscription) {
	o.watchMu.Lock()
	defer o.watchMu.Unlock()

	o.mu.Lock()
	if _, ok := o.listeners[sub.id]; !ok {
		o.mu.Unlock()
		return
	}
	delete(o.listeners, sub.id)
	var stop func()
	if len(o.listeners) == 0 {
		stop = o.stopWatch
		o.stopWatch = nil
	}
	o.mu.Unlock()

	sub.ch.Close()
	if stop != nil {
		stop()
		o.logger.Debug("Adapter state watch stopped")
	}
}

// broadcastState folds a broadcast onto the transition states; the query-only
// states cannot be broadcast.
func broadcastState(state device.AdapterState) device.AdapterState {
	switch state {
	case device.AdapterStateOff, device.AdapterStateTurningOff, device.AdapterStateOn, device.AdapterStateTurningOn:
		return state
	default:
		return device.AdapterStateUnknown
	}
}

func (o *Observer) handle(state device.AdapterState) {
	state = broadcastState(state)

	o.mu.Lock()
	subs := make([]*Subscription, 0, len(o.listeners))
	for _, s := range o.listeners {
		subs = append(subs, s)
	}
	hooks := slices.Clone(o.hooks)
	o.mu.Unlock()

	o.logger.WithField("state", state).Info("Adapter state changed")
	for _, fn := range hooks {
		fn(state)
	}
	for _, s := range subs {
		s.ch.Send(state)
	}
	if o.publish != nil {
		o.publish(device.AdapterStateEvent{State: state})
	}
}

// Subscription is one attached listener.
type Subscription struct {
	id       uint64
	observer *Observer
	ch       *ringchan.RingChannel[device.AdapterState]
	once     sync.Once
}

// C delivers the transitions. It is closed by Cancel.
func (s *Subscription) C() <-chan device.AdapterState {
	return s.ch.C()
}

// Cancel detaches the listener. Calling it more than once is a no-op.
func (s *Subscription) Cancel() {
	s.once.Do(func() { s.observer.cancel(s) })
}
