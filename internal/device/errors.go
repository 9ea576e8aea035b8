package device

import (
	"errors"
	"fmt"
	"strings"
)

// NotFoundError represents an error when a GATT attribute is not found
type NotFoundError struct {
	Resource string   // "service", "secondary service", "characteristic", "descriptor"
	UUIDs    []string // Path segments from the outermost container to the missing attribute
}

func (e *NotFoundError) Error() string {
	if len(e.UUIDs) == 0 {
		return fmt.Sprintf("%s not found", e.Resource)
	}
	if len(e.UUIDs) == 1 {
		return fmt.Sprintf("%s %q not found", e.Resource, e.UUIDs[0])
	}
	// The parent is always the segment right before the missing one
	parentResource := "service"
	switch e.Resource {
	case "descriptor":
		parentResource = "characteristic"
	case "characteristic":
		if len(e.UUIDs) > 2 {
			parentResource = "secondary service"
		}
	}
	return fmt.Sprintf("%s %q not found in %s %q", e.Resource, e.UUIDs[len(e.UUIDs)-1], parentResource, e.UUIDs[len(e.UUIDs)-2])
}

// ConnectionState names why a request could not use a connection.
type ConnectionState string

const (
	NotConnected     ConnectionState = "not_connected"
	AlreadyConnected ConnectionState = "already_connected"
	NotInitialized   ConnectionState = "not_initialized"
)

// ConnectionError is returned when the connection table refuses a request.
// Two ConnectionErrors match under errors.Is when their states agree.
type ConnectionError struct {
	State ConnectionState
	Msg   string
}

func (e *ConnectionError) Error() string {
	switch {
	case e == nil:
		return "<nil>"
	case e.Msg == "":
		return string(e.State)
	default:
		return fmt.Sprintf("%s: %s", e.State, e.Msg)
	}
}

func (e *ConnectionError) Is(target error) bool {
	t, ok := target.(*ConnectionError)
	return ok && e != nil && t != nil && e.State == t.State
}

var (
	ErrNotConnected     = &ConnectionError{State: NotConnected}
	ErrAlreadyConnected = &ConnectionError{State: AlreadyConnected}
	ErrNotInitialized   = &ConnectionError{State: NotInitialized}
)

// PermissionError reports a runtime capability the platform refused.
type PermissionError struct {
	Capability string
	Op         string
}

func (e *PermissionError) Error() string {
	if e.Op == "" {
		return fmt.Sprintf("no permission: %s was not granted", e.Capability)
	}
	return fmt.Sprintf("no permission: %s requires %s", e.Op, e.Capability)
}

// Is matches any PermissionError, so errors.Is(err, ErrPermissionDenied) works.
func (e *PermissionError) Is(target error) bool {
	_, ok := target.(*PermissionError)
	return ok
}

// HardwareError is a synchronous refusal by the native stack. Reason is the
// native failure text, surfaced verbatim.
type HardwareError struct {
	Op     string
	Reason string
	Err    error
}

func (e *HardwareError) Error() string {
	return fmt.Sprintf("%s: %s", e.Op, e.Reason)
}

func (e *HardwareError) Unwrap() error {
	return e.Err
}

// Is matches any HardwareError, so errors.Is(err, ErrHardwareRejected) works.
func (e *HardwareError) Is(target error) bool {
	_, ok := target.(*HardwareError)
	return ok
}

// NewHardwareError wraps a native failure for the given operation.
func NewHardwareError(op string, err error) *HardwareError {
	if err == nil {
		return &HardwareError{Op: op, Reason: "unknown reason"}
	}
	return &HardwareError{Op: op, Reason: err.Error(), Err: err}
}

var (
	ErrUnavailable       = errors.New("bluetooth unavailable: the device does not have bluetooth")
	ErrPermissionDenied  = &PermissionError{}
	ErrHardwareRejected  = &HardwareError{}
	ErrUnauthorized      = errors.New("unauthorized")
	ErrUnsupported       = errors.New("unsupported")
	ErrOperationInFlight = errors.New("operation already in flight")
	ErrInvalidArgument   = errors.New("invalid argument")
	ErrTimeout           = errors.New("timeout")
)

// Machine-readable error categories carried next to the human-readable detail.
const (
	CategoryUnavailable      = "bluetooth_unavailable"
	CategoryNoPermission     = "no_permissions"
	CategoryNotConnected     = "not_connected"
	CategoryAlreadyConnected = "already_connected"
	CategoryNotFound         = "not_found"
	CategoryHardwareRejected = "hardware_rejected"
	CategoryInvalidArgument  = "invalid_argument"
	CategoryUnsupported      = "unsupported"
	CategoryUnauthorized     = "unauthorized"
	CategoryInternal         = "internal_error"
)

// Category maps err onto the short category reported to the caller.
func Category(err error) string {
	var notFound *NotFoundError
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrUnavailable):
		return CategoryUnavailable
	case errors.Is(err, ErrPermissionDenied):
		return CategoryNoPermission
	case errors.Is(err, ErrNotConnected), errors.Is(err, ErrNotInitialized):
		return CategoryNotConnected
	case errors.Is(err, ErrAlreadyConnected):
		return CategoryAlreadyConnected
	case errors.As(err, &notFound):
		return CategoryNotFound
	case errors.Is(err, ErrHardwareRejected), errors.Is(err, ErrOperationInFlight):
		return CategoryHardwareRejected
	case errors.Is(err, ErrInvalidArgument):
		return CategoryInvalidArgument
	case errors.Is(err, ErrUnsupported):
		return CategoryUnsupported
	case errors.Is(err, ErrUnauthorized):
		return CategoryUnauthorized
	default:
		return CategoryInternal
	}
}

// NormalizeError classifies a backend error by its text. The original error
// stays in the chain.
func NormalizeError(err error) error {
	if err == nil {
		return nil
	}

	msg := err.Error()
	switch {
	case containsIgnoreCase(msg, "bluetooth is turned off"):
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	case containsIgnoreCase(msg, "device not connected"), containsIgnoreCase(msg, "disconnected"):
		return fmt.Errorf("%w: %v", ErrNotConnected, err)
	case containsIgnoreCase(msg, "device already connected"):
		return fmt.Errorf("%w: %v", ErrAlreadyConnected, err)
	case containsIgnoreCase(msg, "connection is not initialized"):
		return fmt.Errorf("%w: %v", ErrNotInitialized, err)
	default:
		return err
	}
}

// containsIgnoreCase checks substring case-insensitively
func containsIgnoreCase(s, substr string) bool {
	return strings.Contains(strings.ToLower(s), strings.ToLower(substr))
}

// IsConnectionState reports whether err is a ConnectionError with the given state
func IsConnectionState(err error, state ConnectionState) bool {
	var cerr *ConnectionError
	if errors.As(err, &cerr) {
		return cerr.State == state
	}
	return false
}
