package device

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/sirupsen/logrus"
	serial "github.com/tarm/goserial"
)

// SerialTransport reaches the probe through a BLE-UART bridge on a serial
// port. The bridge forwards the probe's characteristic as newline-delimited
// JSON; every line is one value.
type SerialTransport struct {
	port   string
	baud   int
	logger *logrus.Logger

	openPort func(*serial.Config) (io.ReadWriteCloser, error)
}

// NewSerialTransport creates a transport for the given port, e.g. /dev/ttyUSB0.
func NewSerialTransport(port string, baud int, logger *logrus.Logger) *SerialTransport {
	if baud <= 0 {
		baud = 115200
	}
	return &SerialTransport{
		port:     port,
		baud:     baud,
		logger:   logger,
		openPort: serial.OpenPort,
	}
}

func (t *SerialTransport) Name() string { return "serial" }

func (t *SerialTransport) Connect(ctx context.Context, deviceName string) (Session, error) {
	if t.port == "" {
		return nil, newError(KindDeviceNotFound, "connect", fmt.Errorf("no serial port configured for %s", deviceName))
	}

	t.logger.WithFields(logrus.Fields{
		"port": t.port,
		"baud": t.baud,
	}).Debug("Opening serial port")

	rwc, err := t.openPort(&serial.Config{Name: t.port, Baud: t.baud})
	if err != nil {
		return nil, newError(KindDeviceNotFound, "connect", fmt.Errorf("failed to open serial port %s: %w", t.port, err))
	}

	s := &serialSession{
		rwc:    rwc,
		lines:  make(chan []byte, 16),
		done:   make(chan struct{}),
		logger: t.logger,
	}
	go s.pump()
	return s, nil
}

type serialSession struct {
	rwc    io.ReadWriteCloser
	lines  chan []byte
	done   chan struct{}
	logger *logrus.Logger

	closeOnce sync.Once
	errMu     sync.Mutex
	err       error
}

// pump reads lines until the port fails or the session is closed.
func (s *serialSession) pump() {
	defer close(s.lines)

	scanner := bufio.NewScanner(s.rwc)
	scanner.Buffer(make([]byte, 0, 1024), 64*1024)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		value := make([]byte, len(line))
		copy(value, line)

		select {
		case s.lines <- value:
		case <-s.done:
			return
		default:
			// Reader is behind; keep the newest value.
			select {
			case <-s.lines:
			default:
			}
			select {
			case s.lines <- value:
			case <-s.done:
				return
			}
		}
	}

	err := scanner.Err()
	if err == nil {
		err = io.EOF
	}
	s.errMu.Lock()
	s.err = err
	s.errMu.Unlock()
}

func (s *serialSession) linkErr() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	if s.err == nil {
		return io.ErrClosedPipe
	}
	return s.err
}

func (s *serialSession) Characteristic(ctx context.Context, service, characteristic string) (Characteristic, error) {
	// The bridge is flashed for exactly one characteristic.
	if service != ServiceUUID || characteristic != CharacteristicUUID {
		return nil, newError(KindProtocol, "discover", fmt.Errorf("bridge does not expose %s/%s", service, characteristic))
	}
	return s, nil
}

// ReadValue returns the most recent line the bridge has emitted, waiting for
// one when none is buffered. Older buffered lines are discarded.
func (s *serialSession) ReadValue(ctx context.Context) ([]byte, error) {
	var v []byte
	select {
	case line, ok := <-s.lines:
		if !ok {
			return nil, newError(KindDisconnected, "read", s.linkErr())
		}
		v = line
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	for {
		select {
		case line, ok := <-s.lines:
			if !ok {
				return v, nil
			}
			v = line
		default:
			return v, nil
		}
	}
}

func (s *serialSession) StartNotifications(ctx context.Context, fn func([]byte)) error {
	for {
		select {
		case v, ok := <-s.lines:
			if !ok {
				return newError(KindDisconnected, "notify", s.linkErr())
			}
			fn(v)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (s *serialSession) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.done)
		err = s.rwc.Close()
	})
	return err
}
