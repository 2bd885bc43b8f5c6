package transmission

import (
	"context"
	"sync"

	"github.com/hydrosense/gateway/internal/readings"
)

// Transmitter delivers a reading to one downstream system.
type Transmitter interface {
	Name() string
	Transmit(ctx context.Context, r *readings.Reading) error
	IsConnected() bool
}

// ChangeFilter wraps a mirror transmitter so that a reading identical to the
// previous one from the same sensor (ignoring timestamp, queue ID and GPS
// jitter) is not sent again.
type ChangeFilter struct {
	next Transmitter

	mu   sync.Mutex
	prev map[string]*readings.Reading
}

// OnChange returns next wrapped in a ChangeFilter.
func OnChange(next Transmitter) *ChangeFilter {
	return &ChangeFilter{next: next, prev: make(map[string]*readings.Reading)}
}

func (f *ChangeFilter) Name() string { return f.next.Name() }

func (f *ChangeFilter) IsConnected() bool { return f.next.IsConnected() }

// Transmit forwards r when it differs from the last successfully forwarded
// reading of the same sensor.
func (f *ChangeFilter) Transmit(ctx context.Context, r *readings.Reading) error {
	f.mu.Lock()
	prev := f.prev[r.SensorID]
	f.mu.Unlock()

	if !readings.Changed(prev, r) {
		return nil
	}
	if err := f.next.Transmit(ctx, r); err != nil {
		return err
	}

	c := r.Clone()
	f.mu.Lock()
	f.prev[r.SensorID] = &c
	f.mu.Unlock()
	return nil
}
