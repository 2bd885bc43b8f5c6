package device

import (
	"errors"
	"fmt"
)

// Kind classifies device failures.
type Kind int

const (
	KindUnsupportedTransport Kind = iota + 1
	KindDeviceNotFound
	KindProtocol
	KindDisconnected
)

func (k Kind) String() string {
	switch k {
	case KindUnsupportedTransport:
		return "unsupported transport"
	case KindDeviceNotFound:
		return "device not found"
	case KindProtocol:
		return "protocol error"
	case KindDisconnected:
		return "disconnected"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Error is the single error type surfaced by the device layer.
// Transient marks protocol failures the link layer reports as unexplained
// (the GATT "unknown error" case); those are worth one reconnect-and-retry.
type Error struct {
	Kind      Kind
	Op        string
	Err       error
	Transient bool
}

// Sentinels for errors.Is. They match any *Error of the same Kind.
var (
	ErrUnsupportedTransport = &Error{Kind: KindUnsupportedTransport}
	ErrDeviceNotFound       = &Error{Kind: KindDeviceNotFound}
	ErrProtocol             = &Error{Kind: KindProtocol}
	ErrDisconnected         = &Error{Kind: KindDisconnected}
)

func (e *Error) Error() string {
	msg := e.Kind.String()
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Op == "" && t.Err == nil && t.Kind == e.Kind
}

func newError(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// TransientProtocolError builds the retryable protocol failure.
func TransientProtocolError(op string, err error) *Error {
	return &Error{Kind: KindProtocol, Op: op, Err: err, Transient: true}
}

// IsTransient reports whether err carries a retryable device failure.
func IsTransient(err error) bool {
	var de *Error
	return errors.As(err, &de) && de.Transient
}

// IsUnreachable reports whether err means no device can be talked to at all,
// as opposed to a device answering with garbage.
func IsUnreachable(err error) bool {
	return errors.Is(err, ErrUnsupportedTransport) ||
		errors.Is(err, ErrDeviceNotFound) ||
		errors.Is(err, ErrDisconnected)
}

// asDeviceError wraps foreign errors as Disconnected; I/O failures below the
// protocol layer all mean the link is gone.
func asDeviceError(op string, err error) *Error {
	var de *Error
	if errors.As(err, &de) {
		return de
	}
	return newError(KindDisconnected, op, err)
}
