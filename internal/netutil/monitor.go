package netutil

import (
	"context"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Prober reports whether the network path to the ingestion service works.
type Prober interface {
	Probe(ctx context.Context) error
}

// ProbeFunc adapts a function to Prober.
type ProbeFunc func(ctx context.Context) error

func (f ProbeFunc) Probe(ctx context.Context) error { return f(ctx) }

// HTTPProber issues a HEAD request; any HTTP answer, even an error status,
// proves connectivity.
type HTTPProber struct {
	URL    string
	Client *http.Client
}

func (p HTTPProber) Probe(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, p.URL, nil)
	if err != nil {
		return err
	}
	client := p.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	resp.Body.Close()
	return nil
}

// TCPProber dials the host of the ingestion URL.
type TCPProber struct {
	Addr string
}

// NewTCPProber derives host:port from a base URL.
func NewTCPProber(baseURL string) (TCPProber, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return TCPProber{}, err
	}
	port := u.Port()
	if port == "" {
		port = "80"
		if u.Scheme == "https" {
			port = "443"
		}
	}
	return TCPProber{Addr: net.JoinHostPort(u.Hostname(), port)}, nil
}

func (p TCPProber) Probe(ctx context.Context) error {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", p.Addr)
	if err != nil {
		return err
	}
	return conn.Close()
}

// Reviver tries to restore the local link after the monitor saw it drop.
type Reviver interface {
	Revive(ctx context.Context) (bool, error)
}

// Monitor tracks online/offline state with a periodic probe and fires the
// registered callbacks on every offline to online transition. It starts out
// assuming the network is online, so the first successful probe does not
// count as a reconnect.
type Monitor struct {
	prober  Prober
	reviver Reviver
	logger  *logrus.Logger
	timeout time.Duration

	mu       sync.RWMutex
	online   bool
	changed  time.Time
	onOnline []func()
}

// NewMonitor creates a monitor. reviver may be nil.
func NewMonitor(prober Prober, reviver Reviver, logger *logrus.Logger) *Monitor {
	return &Monitor{
		prober:  prober,
		reviver: reviver,
		logger:  logger,
		timeout: 5 * time.Second,
		online:  true,
		changed: time.Now(),
	}
}

// OnOnline registers fn to be called (in its own goroutine) whenever the
// network comes back.
func (m *Monitor) OnOnline(fn func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onOnline = append(m.onOnline, fn)
}

// Online reports the last observed state.
func (m *Monitor) Online() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.online
}

// Since returns when the state last changed.
func (m *Monitor) Since() time.Time {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.changed
}

// Check probes once and updates the state. It returns true when this check
// observed an offline to online transition.
func (m *Monitor) Check(ctx context.Context) bool {
	pctx, cancel := context.WithTimeout(ctx, m.timeout)
	err := m.prober.Probe(pctx)
	cancel()

	if err != nil && m.reviver != nil {
		if revived, rerr := m.reviver.Revive(ctx); rerr != nil {
			m.logger.WithError(rerr).Debug("Link revive failed (non-fatal)")
		} else if revived {
			pctx, cancel := context.WithTimeout(ctx, m.timeout)
			err = m.prober.Probe(pctx)
			cancel()
		}
	}

	return m.set(err == nil, err)
}

func (m *Monitor) set(online bool, cause error) bool {
	m.mu.Lock()
	was := m.online
	if was == online {
		m.mu.Unlock()
		return false
	}
	m.online = online
	m.changed = time.Now()
	callbacks := append([]func(){}, m.onOnline...)
	m.mu.Unlock()

	if !online {
		m.logger.WithError(cause).Warn("Network went offline")
		return false
	}
	m.logger.Info("Network is back online")
	for _, fn := range callbacks {
		go fn()
	}
	return true
}

// Run probes every interval until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	m.Check(ctx)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			m.Check(ctx)
		}
	}
}
