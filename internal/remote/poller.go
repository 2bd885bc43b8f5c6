// Package remote polls the ingestion service for the readings it already holds
// and merges them into the dashboard.
package remote

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"

	"github.com/hydrosense/gateway/internal/readings"
	"github.com/hydrosense/gateway/internal/transmission"
)

const (
	LatestPath  = "/data/latest.json"
	HistoryPath = "/data/history.json"
)

// Sink receives fetched readings.
type Sink interface {
	Apply(r readings.Reading) bool
	Merge(rs []readings.Reading) int
}

// Poller fetches latest/history from the remote service. Failures never
// propagate past PollLatest/PollHistory; they are logged and kept as a status
// string.
type Poller struct {
	baseURL    string
	httpClient *http.Client
	logger     *logrus.Logger
	sink       Sink
	now        func() time.Time

	latestCB  *gobreaker.CircuitBreaker
	historyCB *gobreaker.CircuitBreaker

	latestBusy  atomic.Bool
	historyBusy atomic.Bool

	mu        sync.Mutex
	status    string
	lastOK    time.Time
	onOutcome func(kind string, err error)
}

// NewPoller creates a poller merging into sink.
func NewPoller(baseURL string, client *http.Client, sink Sink, logger *logrus.Logger) *Poller {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &Poller{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: client,
		logger:     logger,
		sink:       sink,
		now:        time.Now,
		latestCB:   transmission.NewBreaker("remote-latest", 5, 30*time.Second, logger),
		historyCB:  transmission.NewBreaker("remote-history", 5, 30*time.Second, logger),
	}
}

// OnOutcome registers a hook called after every poll with kind "latest" or
// "history" and the poll error (nil on success). Used for metrics.
func (p *Poller) OnOutcome(fn func(kind string, err error)) { p.onOutcome = fn }

func (p *Poller) get(ctx context.Context, path string) ([]byte, error) {
	fullURL := p.baseURL + path
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fullURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Cache-Control", "no-store")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, transmission.ClassifyTransport(fullURL, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return nil, transmission.ClassifyTransport(fullURL, err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &transmission.HTTPError{
			StatusCode: resp.StatusCode,
			Status:     http.StatusText(resp.StatusCode),
			Body:       strings.TrimSpace(string(body)),
		}
	}
	return body, nil
}

// FetchLatest returns the remote's latest reading, or nil when it has none.
func (p *Poller) FetchLatest(ctx context.Context) (*readings.Reading, error) {
	res, err := p.latestCB.Execute(func() (any, error) {
		body, err := p.get(ctx, LatestPath)
		if err != nil {
			return nil, err
		}
		return readings.DecodeLatest(body, p.now)
	})
	if err != nil {
		return nil, err
	}
	return res.(*readings.Reading), nil
}

// FetchHistory returns the remote's history.
func (p *Poller) FetchHistory(ctx context.Context) ([]readings.Reading, error) {
	res, err := p.historyCB.Execute(func() (any, error) {
		body, err := p.get(ctx, HistoryPath)
		if err != nil {
			return nil, err
		}
		return readings.DecodeHistory(body, p.now)
	})
	if err != nil {
		return nil, err
	}
	return res.([]readings.Reading), nil
}

// PollLatest fetches and merges the latest reading. Returns false when a
// previous run was still in flight and this one was skipped.
func (p *Poller) PollLatest(ctx context.Context) bool {
	if !p.latestBusy.CompareAndSwap(false, true) {
		p.logger.Debug("Latest poll still running, skipping")
		return false
	}
	defer p.latestBusy.Store(false)

	r, err := p.FetchLatest(ctx)
	if err == nil && r != nil {
		p.sink.Apply(*r)
	}
	p.record("latest", err)
	return true
}

// PollHistory fetches and merges the history.
func (p *Poller) PollHistory(ctx context.Context) bool {
	if !p.historyBusy.CompareAndSwap(false, true) {
		p.logger.Debug("History poll still running, skipping")
		return false
	}
	defer p.historyBusy.Store(false)

	rs, err := p.FetchHistory(ctx)
	if err == nil {
		n := p.sink.Merge(rs)
		p.logger.WithFields(logrus.Fields{
			"fetched": len(rs),
			"new":     n,
		}).Debug("Merged remote history")
	}
	p.record("history", err)
	return true
}

func (p *Poller) record(kind string, err error) {
	p.mu.Lock()
	if err != nil {
		p.status = fmt.Sprintf("remote %s unavailable: %v", kind, err)
	} else {
		p.lastOK = p.now()
		p.status = fmt.Sprintf("remote %s updated", kind)
	}
	hook := p.onOutcome
	p.mu.Unlock()

	if err != nil {
		p.logger.WithError(err).WithField("kind", kind).Debug("Remote poll failed")
	}
	if hook != nil {
		hook(kind, err)
	}
}

// Status returns the last poll's status line and the time of the last
// successful poll.
func (p *Poller) Status() (string, time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.status, p.lastOK
}

// Run polls both endpoints on independent tickers until ctx is done. It
// returns only after every poll it started has finished.
func (p *Poller) Run(ctx context.Context, latestEvery, historyEvery time.Duration) error {
	p.logger.WithFields(logrus.Fields{
		"base":          p.baseURL,
		"latest_every":  latestEvery,
		"history_every": historyEvery,
	}).Info("Starting remote poller")

	var wg sync.WaitGroup
	defer wg.Wait()
	spawn := func(poll func(context.Context) bool) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			poll(ctx)
		}()
	}

	// Prime the dashboard once on startup.
	spawn(p.PollHistory)
	spawn(p.PollLatest)

	latestTicker := time.NewTicker(latestEvery)
	defer latestTicker.Stop()
	historyTicker := time.NewTicker(historyEvery)
	defer historyTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-latestTicker.C:
			spawn(p.PollLatest)
		case <-historyTicker.C:
			spawn(p.PollHistory)
		}
	}
}
