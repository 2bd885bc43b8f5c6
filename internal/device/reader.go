package device

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"

	"github.com/hydrosense/gateway/internal/readings"
)

// Reader drives a Transport through the connect/read/stream lifecycle.
type Reader struct {
	transport Transport
	logger    *logrus.Logger
	now       func() time.Time

	deviceName     string
	service        string
	characteristic string

	state atomic.Int32

	mu      sync.Mutex
	session Session
	char    Characteristic
}

// NewReader creates a Reader for the probe's fixed identifiers.
func NewReader(transport Transport, logger *logrus.Logger) *Reader {
	return &Reader{
		transport:      transport,
		logger:         logger,
		now:            time.Now,
		deviceName:     DeviceName,
		service:        ServiceUUID,
		characteristic: CharacteristicUUID,
	}
}

// SetClock overrides the clock used to stamp readings without a timestamp.
func (r *Reader) SetClock(now func() time.Time) { r.now = now }

// State returns the current link state.
func (r *Reader) State() State { return State(r.state.Load()) }

func (r *Reader) setState(s State) {
	prev := State(r.state.Swap(int32(s)))
	if prev != s {
		r.logger.WithFields(logrus.Fields{
			"transport": r.transport.Name(),
			"from":      prev.String(),
			"to":        s.String(),
		}).Debug("Device state change")
	}
}

// Connect performs the handshake if not already connected.
func (r *Reader) Connect(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.connectLocked(ctx)
}

func (r *Reader) connectLocked(ctx context.Context) error {
	if r.char != nil {
		return nil
	}
	r.setState(StateConnecting)

	session, err := r.transport.Connect(ctx, r.deviceName)
	if err != nil {
		r.setState(StateDisconnected)
		return asDeviceError("connect", err)
	}
	char, err := session.Characteristic(ctx, r.service, r.characteristic)
	if err != nil {
		session.Close()
		r.setState(StateDisconnected)
		return asDeviceError("discover", err)
	}

	r.session = session
	r.char = char
	r.setState(StateConnected)
	r.logger.WithFields(logrus.Fields{
		"transport": r.transport.Name(),
		"device":    r.deviceName,
	}).Info("Connected to device")
	return nil
}

// Disconnect closes the link. Safe to call in any state.
func (r *Reader) Disconnect() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.disconnectLocked()
}

func (r *Reader) disconnectLocked() {
	if r.session != nil {
		if err := r.session.Close(); err != nil {
			r.logger.WithError(err).Debug("Error closing device session")
		}
	}
	r.session = nil
	r.char = nil
	r.setState(StateDisconnected)
}

// Read performs a one-shot read. A transient protocol failure triggers one
// disconnect, reconnect and retry; a second failure is returned.
func (r *Reader) Read(ctx context.Context) (*readings.Reading, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var (
		out     *readings.Reading
		attempt int
	)
	op := func() error {
		attempt++
		if attempt > 1 {
			r.logger.Warn("Transient device error, reconnecting and retrying once")
			r.disconnectLocked()
		}
		reading, err := r.readOnceLocked(ctx)
		if err != nil {
			if IsTransient(err) {
				return err
			}
			return backoff.Permanent(err)
		}
		out = reading
		return nil
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(&backoff.ZeroBackOff{}, 1), ctx)
	if err := backoff.Retry(op, policy); err != nil {
		return nil, err
	}
	return out, nil
}

func (r *Reader) readOnceLocked(ctx context.Context) (*readings.Reading, error) {
	if err := r.connectLocked(ctx); err != nil {
		return nil, err
	}
	value, err := r.char.ReadValue(ctx)
	if err != nil {
		de := asDeviceError("read", err)
		// Any I/O failure drops the link; the next call reconnects.
		r.disconnectLocked()
		return nil, de
	}
	return r.decode(value)
}

func (r *Reader) decode(value []byte) (*readings.Reading, error) {
	if !utf8.Valid(value) {
		return nil, newError(KindProtocol, "decode", errors.New("value is not valid UTF-8"))
	}
	reading, err := readings.ParseJSON(value, r.now)
	if err != nil {
		return nil, newError(KindProtocol, "decode", err)
	}
	if reading == nil {
		return nil, newError(KindProtocol, "decode", errors.New("payload has no measurement"))
	}
	for _, w := range readings.Validate(reading) {
		r.logger.Warn(w)
	}
	return reading, nil
}

// Stream enables notifications and invokes fn for each decodable value until
// ctx is cancelled or the link fails. Malformed notifications are logged and
// dropped.
func (r *Reader) Stream(ctx context.Context, fn func(*readings.Reading)) error {
	r.mu.Lock()
	if err := r.connectLocked(ctx); err != nil {
		r.mu.Unlock()
		return err
	}
	char := r.char
	r.setState(StateStreaming)
	r.mu.Unlock()

	var dropped int
	err := char.StartNotifications(ctx, func(value []byte) {
		reading, err := r.decode(value)
		if err != nil {
			dropped++
			r.logger.WithError(err).WithField("dropped", dropped).Warn("Dropping malformed notification")
			return
		}
		fn(reading)
	})

	r.mu.Lock()
	defer r.mu.Unlock()
	if ctx.Err() != nil && (err == nil || errors.Is(err, ctx.Err())) {
		// Normal shutdown; keep the link for later one-shot reads.
		if r.char != nil {
			r.setState(StateConnected)
		}
		return nil
	}
	r.disconnectLocked()
	if err == nil {
		return newError(KindDisconnected, "stream", fmt.Errorf("notifications ended"))
	}
	return asDeviceError("stream", err)
}
