package connection

import (
	"sync"
	"time"

	"github.com/srg/blebridge/internal/device"
)

// OpKind names the GATT operation occupying a connection's in-flight slot.
type OpKind int

const (
	OpDiscoverServices OpKind = iota + 1
	OpReadCharacteristic
	OpWriteCharacteristic
	OpReadDescriptor
	OpWriteDescriptor
	OpSetNotification
	OpRequestMTU
	OpReadRSSI
)

func (k OpKind) String() string {
	switch k {
	case OpDiscoverServices:
		return "discover_services"
	case OpReadCharacteristic:
		return "read_characteristic"
	case OpWriteCharacteristic:
		return "write_characteristic"
	case OpReadDescriptor:
		return "read_descriptor"
	case OpWriteDescriptor:
		return "write_descriptor"
	case OpSetNotification:
		return "set_notification"
	case OpRequestMTU:
		return "request_mtu"
	case OpReadRSSI:
		return "read_rssi"
	default:
		return "none"
	}
}

// Operation is the request a native completion callback is matched against.
// Path is the caller's original path, echoed back in the response.
type Operation struct {
	Kind           OpKind
	Path           device.GattPath
	Characteristic *device.Characteristic
	Descriptor     *device.Descriptor
	Value          []byte
	Enable         bool
	Generation     uint64
}

// Entry is one Device Connection: the native handle owned by the cache plus the
// connection scoped metadata.
type Entry struct {
	address string
	release sync.Once

	mu       sync.Mutex
	gatt     device.Gatt
	mtu      int
	state    device.LinkState
	inflight *Operation
	timer    *time.Timer
	nextGen  uint64
}

func newEntry(address string, mtu int) *Entry {
	return &Entry{address: address, mtu: mtu, state: device.LinkConnecting}
}

func (e *Entry) Address() string {
	return e.address
}

// Gatt returns the native handle. It is nil while the handle is being allocated.
func (e *Entry) Gatt() device.Gatt {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.gatt
}

func (e *Entry) setGatt(g device.Gatt) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.gatt = g
}

func (e *Entry) MTU() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.mtu
}

func (e *Entry) SetMTU(mtu int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.mtu = mtu
}

func (e *Entry) State() device.LinkState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

func (e *Entry) SetState(state device.LinkState) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.state = state
}

// Begin claims the in-flight slot for op. With a positive timeout, onExpire runs
// on a timer goroutine once the slot was still held by op when the timer fired.
// Returns the generation identifying this claim.
func (e *Entry) Begin(op Operation, timeout time.Duration, onExpire func(Operation)) (uint64, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.inflight != nil {
		return 0, device.ErrOperationInFlight
	}
	e.nextGen++
	op.Generation = e.nextGen
	e.inflight = &op

	if timeout > 0 && onExpire != nil {
		gen := op.Generation
		e.timer = time.AfterFunc(timeout, func() {
			if expired, ok := e.expire(gen); ok {
				onExpire(expired)
			}
		})
	}
	return op.Generation, nil
}

// Cancel frees the slot claimed under gen when the native call was refused.
func (e *Entry) Cancel(gen uint64) {
	e.expire(gen)
}

// Finish frees the slot if the pending operation satisfies match, returning it.
func (e *Entry) Finish(match func(*Operation) bool) (Operation, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.inflight == nil || !match(e.inflight) {
		return Operation{}, false
	}
	return e.clearLocked(), true
}

// Abort frees the slot whatever occupies it.
func (e *Entry) Abort() (Operation, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.inflight == nil {
		return Operation{}, false
	}
	return e.clearLocked(), true
}

// Pending returns a copy of the in-flight operation.
func (e *Entry) Pending() (Operation, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.inflight == nil {
		return Operation{}, false
	}
	return *e.inflight, true
}

func (e *Entry) expire(gen uint64) (Operation, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.inflight == nil || e.inflight.Generation != gen {
		return Operation{}, false
	}
	return e.clearLocked(), true
}

func (e *Entry) clearLocked() Operation {
	op := *e.inflight
	e.inflight = nil
	if e.timer != nil {
		e.timer.Stop()
		e.timer = nil
	}
	return op
}

// releaseHandle closes the native handle; later calls are no-ops.
func (e *Entry) releaseHandle() bool {
	released := false
	e.release.Do(func() {
		if g := e.Gatt(); g != nil {
			_ = g.Close()
			released = true
		}
	})
	return released
}
