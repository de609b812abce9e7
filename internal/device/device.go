// Package device abstracts the BLE platform driver behind a small interface
// set, adapted from the teacher's internal/device package. It is the
// "external collaborator" named in spec.md §1: the scheduler, cache, and
// batch executor depend only on these interfaces, never on go-ble/ble
// directly, so platform-specific connection quirks stay isolated in
// internal/device/goble.go.
package device

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// NotFoundError reports a missing service, characteristic, or descriptor.
type NotFoundError struct {
	Resource string
	UUIDs    []string
}

func (e *NotFoundError) Error() string {
	if len(e.UUIDs) == 0 {
		return fmt.Sprintf("%s not found", e.Resource)
	}
	if len(e.UUIDs) == 1 {
		return fmt.Sprintf("%s %q not found", e.Resource, e.UUIDs[0])
	}
	parentResource := "service"
	if e.Resource == "descriptor" {
		parentResource = "characteristic"
	}
	return fmt.Sprintf("%s %q not found in %s %q", e.Resource, e.UUIDs[len(e.UUIDs)-1], parentResource, e.UUIDs[0])
}

// ConnectionState enumerates the specific kind of connection-state failure.
type ConnectionState string

const (
	NotConnected     ConnectionState = "not_connected"
	AlreadyConnected ConnectionState = "already_connected"
)

// ConnectionError reports a connection-state problem, comparable via
// errors.Is by State alone.
type ConnectionError struct {
	State ConnectionState
	Msg   string
}

func (e *ConnectionError) Error() string {
	if e.Msg == "" {
		return string(e.State)
	}
	return fmt.Sprintf("%s: %s", e.State, e.Msg)
}

func (e *ConnectionError) Is(target error) bool {
	t, ok := target.(*ConnectionError)
	if !ok {
		return false
	}
	return e.State == t.State
}

var (
	ErrNotConnected     = &ConnectionError{State: NotConnected}
	ErrAlreadyConnected = &ConnectionError{State: AlreadyConnected}
	ErrTimeout          = errors.New("timeout")
)

// IsConnectionState reports whether err is a ConnectionError with state.
func IsConnectionState(err error, state ConnectionState) bool {
	var cerr *ConnectionError
	if errors.As(err, &cerr) {
		return cerr.State == state
	}
	return false
}

// NormalizeError maps known driver error strings to the structured errors
// above, so callers can use errors.Is regardless of the underlying driver's
// exact wording.
func NormalizeError(err error) error {
	if err == nil {
		return nil
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "not connected"):
		return fmt.Errorf("%w: %v", ErrNotConnected, err)
	case strings.Contains(msg, "already connected"):
		return fmt.Errorf("%w: %v", ErrAlreadyConnected, err)
	default:
		return err
	}
}

// NormalizeUUID converts a UUID string to the internal lookup form:
// lowercase, no dashes.
func NormalizeUUID(uuid string) string {
	return strings.ToLower(strings.ReplaceAll(uuid, "-", ""))
}

// Advertisement is the platform-neutral view of one BLE advertisement.
type Advertisement interface {
	LocalName() string
	ManufacturerData() []byte
	Services() []string
	RSSI() int
	Addr() string
	Connectable() bool
}

// CentralEventType distinguishes discovery events from disconnects, per
// spec.md §4.6.1.
type CentralEventType int

const (
	EventDiscovered CentralEventType = iota
	EventDisconnected
)

// CentralEvent is one item off the adapter's central-event stream.
type CentralEvent struct {
	Type CentralEventType
	Adv  Advertisement // populated for EventDiscovered
	Addr string        // populated for EventDisconnected
}

// Adapter is one local BLE radio interface: the source of central events and
// the factory for peripheral connections.
type Adapter interface {
	ID() string
	// CentralEvents streams discovery and disconnect events until ctx is
	// cancelled or the underlying stream ends (io.EOF-equivalent), per
	// spec.md §4.6.1's read-timeout-wrapped loop.
	CentralEvents(ctx context.Context) (<-chan CentralEvent, error)
	// Connect dials a peripheral by address, with the given timeout.
	Connect(ctx context.Context, address string, timeout time.Duration) (Peripheral, error)
	// Peripherals returns every peripheral currently known to the adapter
	// (e.g. seen via scanning), connecting to any that aren't already
	// connected. PeripheralCache.Populate uses this to repopulate the
	// cache with peripherals the collector hasn't matched or scheduled
	// yet, per spec.md §4.4's "enumerates every peripheral currently
	// known to the adapter".
	Peripherals(ctx context.Context) ([]Peripheral, error)
}

// Peripheral represents one connected BLE device: its discovered services
// and characteristics, plus read/write/subscribe operations.
type Peripheral interface {
	Address() string
	IsConnected() bool
	Disconnect() error
	// Services returns the discovered GATT services; empty until
	// DiscoverServices has been called at least once.
	Services() []Service
	DiscoverServices(ctx context.Context) error
	GetCharacteristic(serviceUUID, charUUID string) (Characteristic, error)
	// Notifications streams (serviceUUID, charUUID, value) for every
	// characteristic this peripheral has been Subscribe'd to.
	Notifications() <-chan Notification
}

// Notification is one value pushed from a subscribed characteristic.
type Notification struct {
	ServiceUUID        string
	CharacteristicUUID string
	Value              []byte
}

// Service is a GATT service exposed by a connected peripheral.
type Service interface {
	UUID() string
	Characteristics() []Characteristic
}

// Characteristic is a single readable/writable/notifying data point.
type Characteristic interface {
	UUID() string
	ServiceUUID() string
	CanNotify() bool
	Read(ctx context.Context, timeout time.Duration) ([]byte, error)
	Write(ctx context.Context, data []byte, withResponse bool, timeout time.Duration) error
	Subscribe(ctx context.Context) error
	Unsubscribe(ctx context.Context) error
}
