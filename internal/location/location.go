// Package location acquires a geolocation fix for the gateway so readings can
// be placed on the map. Acquisition is bounded: it stops once a fix is
// accurate enough or the time budget runs out, and the best fix is cached in
// the key-value store for later runs.
package location

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/hydrosense/gateway/internal/kvstore"
)

// Fix is one position sample.
type Fix struct {
	Latitude  float64   `json:"latitude"`
	Longitude float64   `json:"longitude"`
	Altitude  float64   `json:"altitude"`
	Accuracy  float64   `json:"accuracy"` // horizontal, meters; 0 means unknown
	Provider  string    `json:"provider"`
	Timestamp time.Time `json:"timestamp"`
}

// better reports whether f is more accurate than other. Unknown accuracy
// loses against any known value.
func (f *Fix) better(other *Fix) bool {
	if other == nil {
		return true
	}
	if f.Accuracy <= 0 {
		return false
	}
	return other.Accuracy <= 0 || f.Accuracy < other.Accuracy
}

// Source produces a single fix per call.
type Source interface {
	Name() string
	Fix(ctx context.Context) (*Fix, error)
}

// ErrNoFix is returned when acquisition ended without any fix and nothing is
// cached.
var ErrNoFix = errors.New("no location fix available")

// Acquirer runs bounded acquisitions against a Source.
type Acquirer struct {
	source    Source
	kv        kvstore.KV
	logger    *logrus.Logger
	budget    time.Duration
	interval  time.Duration
	threshold float64
	now       func() time.Time

	mu     sync.RWMutex
	cached *Fix
}

// NewAcquirer creates an acquirer. budget is the wall-clock limit of one
// Acquire call, interval the pause between samples and threshold the accuracy
// (meters) at which acquisition stops early. A previously cached fix is loaded
// from kv when present.
func NewAcquirer(source Source, kv kvstore.KV, budget, interval time.Duration, threshold float64, logger *logrus.Logger) *Acquirer {
	a := &Acquirer{
		source:    source,
		kv:        kv,
		logger:    logger,
		budget:    budget,
		interval:  interval,
		threshold: threshold,
		now:       time.Now,
	}
	a.loadCached()
	return a
}

func (a *Acquirer) loadCached() {
	data, err := a.kv.Get(kvstore.KeyLocation)
	if err != nil {
		if !errors.Is(err, kvstore.ErrNotFound) {
			a.logger.WithError(err).Debug("Failed to read cached location")
		}
		return
	}
	var f Fix
	if err := json.Unmarshal(data, &f); err != nil {
		a.logger.WithError(err).Warn("Cached location is corrupt, ignoring")
		return
	}
	a.cached = &f
}

// Cached returns the last stored fix, if any.
func (a *Acquirer) Cached() (*Fix, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.cached == nil {
		return nil, false
	}
	c := *a.cached
	return &c, true
}

// Acquire samples the source until a fix within the accuracy threshold
// arrives, the budget elapses or ctx is cancelled, whichever comes first. The
// best fix seen is cached and returned. When no sample succeeded the cached
// fix is returned instead, or ErrNoFix if there is none.
func (a *Acquirer) Acquire(ctx context.Context) (*Fix, error) {
	ctx, cancel := context.WithTimeout(ctx, a.budget)
	defer cancel()

	var best *Fix
	var lastErr error
	samples := 0

	for {
		f, err := a.source.Fix(ctx)
		samples++
		if err != nil {
			lastErr = err
			a.logger.WithError(err).WithField("source", a.source.Name()).Debug("Location sample failed")
		} else {
			if f.Timestamp.IsZero() {
				f.Timestamp = a.now().UTC()
			}
			if f.better(best) {
				best = f
			}
			if best.Accuracy > 0 && best.Accuracy <= a.threshold {
				break
			}
		}

		wait := time.NewTimer(a.interval)
		select {
		case <-ctx.Done():
			wait.Stop()
		case <-wait.C:
			continue
		}
		break
	}

	if best == nil {
		if c, ok := a.Cached(); ok {
			a.logger.WithField("samples", samples).Debug("No fresh location, using cached fix")
			return c, nil
		}
		if lastErr != nil {
			return nil, fmt.Errorf("%w: %v", ErrNoFix, lastErr)
		}
		return nil, ErrNoFix
	}

	a.store(best)
	a.logger.WithFields(logrus.Fields{
		"latitude":  best.Latitude,
		"longitude": best.Longitude,
		"accuracy":  best.Accuracy,
		"provider":  best.Provider,
		"samples":   samples,
	}).Debug("Location acquired")

	out := *best
	return &out, nil
}

func (a *Acquirer) store(f *Fix) {
	c := *f
	a.mu.Lock()
	a.cached = &c
	a.mu.Unlock()

	data, err := json.Marshal(f)
	if err != nil {
		return
	}
	if err := a.kv.Put(kvstore.KeyLocation, data); err != nil {
		a.logger.WithError(err).Warn("Failed to cache location fix")
	}
}

// Run re-acquires a fix every refresh period until ctx is done.
func (a *Acquirer) Run(ctx context.Context, refresh time.Duration) error {
	a.logger.WithField("source", a.source.Name()).Debug("Location acquirer started")

	if _, err := a.Acquire(ctx); err != nil {
		a.logger.WithError(err).Debug("Initial location acquisition failed")
	}

	ticker := time.NewTicker(refresh)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			a.logger.Debug("Location acquirer stopped")
			return nil
		case <-ticker.C:
			if _, err := a.Acquire(ctx); err != nil {
				a.logger.WithError(err).Debug("Location acquisition failed")
			}
		}
	}
}

// StaticSource always returns the configured coordinates.
type StaticSource struct {
	Lat, Lon float64
}

func (s StaticSource) Name() string { return "static" }

func (s StaticSource) Fix(context.Context) (*Fix, error) {
	// Accuracy 1 m so the acquirer stops after the first sample.
	return &Fix{Latitude: s.Lat, Longitude: s.Lon, Accuracy: 1, Provider: "static"}, nil
}

// NoSource is used when geolocation is disabled.
type NoSource struct{}

func (NoSource) Name() string { return "none" }

func (NoSource) Fix(context.Context) (*Fix, error) {
	return nil, errors.New("geolocation disabled")
}
