package transmission

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"

	"github.com/hydrosense/gateway/internal/readings"
)

// Ingestion paths tried in order: the current API first, then the legacy one.
const (
	PrimaryPath = "/data"
	LegacyPath  = "/sensor"
)

const apiKeyHeader = "x-api-key"

// IngestConfig configures an IngestClient.
type IngestConfig struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration

	// Consecutive failures before an endpoint's breaker opens, and how long
	// it stays open.
	BreakerFailures uint32
	BreakerOpen     time.Duration
}

// Ack is the acknowledgement of a successful delivery.
type Ack struct {
	Endpoint   string
	WithKey    bool
	StatusCode int
	Body       any // decoded JSON body, nil when empty or not JSON
}

type ingestEndpoint struct {
	url     string
	breaker *gobreaker.CircuitBreaker
}

// IngestClient delivers readings to the remote ingestion service, falling
// back across endpoints and header variants.
type IngestClient struct {
	endpoints  []ingestEndpoint
	apiKey     string
	httpClient *http.Client
	logger     *logrus.Logger
	userAgent  string
}

// NewIngestClient creates a client. client may be nil.
func NewIngestClient(cfg IngestConfig, client *http.Client, logger *logrus.Logger) *IngestClient {
	if client == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 10 * time.Second
		}
		client = &http.Client{Timeout: timeout}
	}
	if cfg.BreakerFailures == 0 {
		cfg.BreakerFailures = 5
	}
	if cfg.BreakerOpen <= 0 {
		cfg.BreakerOpen = 30 * time.Second
	}

	base := strings.TrimRight(cfg.BaseURL, "/")
	c := &IngestClient{
		apiKey:     cfg.APIKey,
		httpClient: client,
		logger:     logger,
		userAgent:  "hydrosense-gateway/1.0.0",
	}
	for _, path := range []string{PrimaryPath, LegacyPath} {
		c.endpoints = append(c.endpoints, ingestEndpoint{
			url:     base + path,
			breaker: NewBreaker("ingest"+path, cfg.BreakerFailures, cfg.BreakerOpen, logger),
		})
	}
	return c
}

// NewBreaker returns a breaker that opens after fails consecutive failures
// and stays open for the given duration. HTTP 4xx answers do not count as
// failures.
func NewBreaker(name string, fails uint32, open time.Duration, logger *logrus.Logger) *gobreaker.CircuitBreaker {
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:     name,
		Interval: time.Minute,
		Timeout:  open,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures >= fails
		},
		// A 4xx still proves the endpoint is up.
		IsSuccessful: func(err error) bool {
			var he *HTTPError
			if errors.As(err, &he) {
				return he.StatusCode < 500
			}
			return err == nil
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.WithFields(logrus.Fields{
				"breaker": name,
				"from":    from.String(),
				"to":      to.String(),
			}).Info("Circuit breaker state change")
		},
	})
}

func (c *IngestClient) Name() string { return "ingest" }

// IsConnected always returns true for the HTTP-based client.
func (c *IngestClient) IsConnected() bool { return true }

// Transmit implements Transmitter.
func (c *IngestClient) Transmit(ctx context.Context, r *readings.Reading) error {
	_, err := c.Send(ctx, r)
	return err
}

// Send delivers r. Every endpoint is tried with each header variant in order;
// the first 2xx wins. When all fail the returned *SendError lists every
// attempt.
func (c *IngestClient) Send(ctx context.Context, r *readings.Reading) (*Ack, error) {
	body, err := json.Marshal(BuildPayload(r))
	if err != nil {
		return nil, fmt.Errorf("failed to marshal ingest payload: %w", err)
	}

	variants := []bool{false}
	if c.apiKey != "" {
		variants = []bool{true, false}
	}

	var attempts []Attempt
	for _, ep := range c.endpoints {
		for _, withKey := range variants {
			if err := ctx.Err(); err != nil {
				attempts = append(attempts, Attempt{Endpoint: ep.url, WithKey: withKey, Err: err})
				return nil, &SendError{Attempts: attempts}
			}

			res, err := ep.breaker.Execute(func() (any, error) {
				return c.post(ctx, ep.url, body, withKey)
			})
			if err == nil {
				ack := res.(*Ack)
				c.logger.WithFields(logrus.Fields{
					"endpoint":    ack.Endpoint,
					"with_key":    withKey,
					"status_code": ack.StatusCode,
					"sensor_id":   r.SensorID,
					"attempts":    len(attempts) + 1,
				}).Debug("Reading delivered")
				return ack, nil
			}

			attempts = append(attempts, Attempt{Endpoint: ep.url, WithKey: withKey, Err: err})
			c.logger.WithFields(logrus.Fields{
				"endpoint": ep.url,
				"with_key": withKey,
			}).WithError(err).Debug("Ingest attempt failed")
		}
	}
	return nil, &SendError{Attempts: attempts}
}

func (c *IngestClient) post(ctx context.Context, endpoint string, body []byte, withKey bool) (*Ack, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create ingest request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", c.userAgent)
	if withKey {
		req.Header.Set(apiKeyHeader, c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, ClassifyTransport(endpoint, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, ClassifyTransport(endpoint, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &HTTPError{
			StatusCode: resp.StatusCode,
			Status:     http.StatusText(resp.StatusCode),
			Body:       strings.TrimSpace(string(respBody)),
		}
	}

	ack := &Ack{Endpoint: endpoint, WithKey: withKey, StatusCode: resp.StatusCode}
	if len(bytes.TrimSpace(respBody)) > 0 {
		var decoded any
		if err := json.Unmarshal(respBody, &decoded); err == nil {
			ack.Body = decoded
		}
	}
	return ack, nil
}

// Status reports each endpoint breaker's state for diagnostics.
func (c *IngestClient) Status() map[string]string {
	out := make(map[string]string, len(c.endpoints))
	for _, ep := range c.endpoints {
		out[ep.url] = ep.breaker.State().String()
	}
	return out
}
