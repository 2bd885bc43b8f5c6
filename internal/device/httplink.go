package device

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

// HTTPTransport reaches the probe through a bridge that exposes the GATT
// characteristic over HTTP:
//
//	GET {base}/device                      -> {"name": "TarlaSensor"}
//	GET {base}/gatt/{service}/{characteristic} -> raw characteristic value
//
// Notifications are emulated by polling.
type HTTPTransport struct {
	baseURL      string
	httpClient   *http.Client
	logger       *logrus.Logger
	pollInterval time.Duration
}

// NewHTTPTransport creates a bridge client.
func NewHTTPTransport(baseURL string, client *http.Client, logger *logrus.Logger) *HTTPTransport {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &HTTPTransport{
		baseURL:      strings.TrimRight(baseURL, "/"),
		httpClient:   client,
		logger:       logger,
		pollInterval: 2 * time.Second,
	}
}

// SetPollInterval adjusts how often notifications are polled.
func (t *HTTPTransport) SetPollInterval(d time.Duration) { t.pollInterval = d }

func (t *HTTPTransport) Name() string { return "http" }

type bridgeDevice struct {
	Name string `json:"name"`
}

func (t *HTTPTransport) Connect(ctx context.Context, deviceName string) (Session, error) {
	status, body, err := t.get(ctx, "/device")
	if err != nil {
		return nil, newError(KindDeviceNotFound, "connect", err)
	}
	if status == http.StatusNotFound {
		return nil, newError(KindDeviceNotFound, "connect", fmt.Errorf("bridge reports no device"))
	}
	if status != http.StatusOK {
		return nil, newError(KindDeviceNotFound, "connect", fmt.Errorf("bridge returned status %d", status))
	}

	var dev bridgeDevice
	if err := json.Unmarshal(body, &dev); err != nil {
		return nil, newError(KindProtocol, "connect", fmt.Errorf("failed to parse device info: %w", err))
	}
	if dev.Name != deviceName {
		return nil, newError(KindDeviceNotFound, "connect", fmt.Errorf("bridge is paired with %q, want %q", dev.Name, deviceName))
	}

	t.logger.WithFields(logrus.Fields{
		"bridge": t.baseURL,
		"device": dev.Name,
	}).Debug("HTTP bridge handshake complete")
	return &httpSession{t: t}, nil
}

// get performs a GET against the bridge and returns status and body.
func (t *HTTPTransport) get(ctx context.Context, path string) (int, []byte, error) {
	fullURL := t.baseURL + path
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fullURL, nil)
	if err != nil {
		return 0, nil, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := t.httpClient.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("HTTP request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, nil, fmt.Errorf("failed to read response body: %w", err)
	}

	t.logger.WithFields(logrus.Fields{
		"url":           fullURL,
		"status_code":   resp.StatusCode,
		"response_size": len(body),
	}).Debug("Received bridge response")
	return resp.StatusCode, body, nil
}

type httpSession struct {
	t *HTTPTransport
}

func (s *httpSession) Characteristic(ctx context.Context, service, characteristic string) (Characteristic, error) {
	return &httpCharacteristic{
		t:    s.t,
		path: "/gatt/" + url.PathEscape(service) + "/" + url.PathEscape(characteristic),
	}, nil
}

func (s *httpSession) Close() error { return nil }

type httpCharacteristic struct {
	t    *HTTPTransport
	path string
}

func (c *httpCharacteristic) ReadValue(ctx context.Context) ([]byte, error) {
	status, body, err := c.t.get(ctx, c.path)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, newError(KindDisconnected, "read", err)
	}
	switch {
	case status >= 200 && status < 300:
		return body, nil
	case status == http.StatusNotFound:
		return nil, newError(KindProtocol, "read", fmt.Errorf("characteristic not found"))
	case status >= 500:
		// The bridge maps unexplained GATT failures to 5xx.
		return nil, TransientProtocolError("read", fmt.Errorf("bridge returned status %d: %s", status, bytes.TrimSpace(body)))
	default:
		return nil, newError(KindProtocol, "read", fmt.Errorf("bridge returned status %d", status))
	}
}

func (c *httpCharacteristic) StartNotifications(ctx context.Context, fn func([]byte)) error {
	ticker := time.NewTicker(c.t.pollInterval)
	defer ticker.Stop()

	var last []byte
	for {
		value, err := c.ReadValue(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if IsTransient(err) {
				c.t.logger.WithError(err).Debug("Transient bridge error while polling")
			} else {
				return err
			}
		} else if !bytes.Equal(value, last) {
			last = value
			fn(value)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
