// Package device talks to the field probe. The probe exposes a single
// characteristic carrying UTF-8 JSON; transports hide how the gateway reaches
// it (serial BLE-UART bridge, HTTP bridge).
package device

import (
	"context"

	"github.com/hydrosense/gateway/internal/readings"
)

// Fixed identifiers advertised by the probe firmware.
const (
	DeviceName         = readings.DefaultSensorName
	ServiceUUID        = "12345678-1234-1234-1234-123456789abc"
	CharacteristicUUID = "87654321-4321-4321-4321-cba987654321"
)

// State of a Reader's link.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateStreaming
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateStreaming:
		return "streaming"
	default:
		return "unknown"
	}
}

// Transport opens sessions to a named device.
type Transport interface {
	Name() string
	Connect(ctx context.Context, deviceName string) (Session, error)
}

// Session is an open link to one device.
type Session interface {
	Characteristic(ctx context.Context, service, characteristic string) (Characteristic, error)
	Close() error
}

// Characteristic is the value endpoint on the device.
type Characteristic interface {
	ReadValue(ctx context.Context) ([]byte, error)
	// StartNotifications blocks, invoking fn for every value pushed by the
	// device, until ctx is done or the link fails.
	StartNotifications(ctx context.Context, fn func([]byte)) error
}

// Source produces one reading on demand.
type Source interface {
	Read(ctx context.Context) (*readings.Reading, error)
}
