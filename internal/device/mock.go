package device

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/hydrosense/gateway/internal/readings"
)

// Ranges produced by MockGenerator.
const (
	MockTDSMin, MockTDSMax                 = 500.0, 2300.0
	MockMoistureMin, MockMoistureMax       = 0.0, 100.0
	MockTemperatureMin, MockTemperatureMax = 15.0, 30.0
)

// UnsupportedTransport is used when the host has no way to reach the probe.
type UnsupportedTransport struct{}

func (UnsupportedTransport) Name() string { return "none" }

func (UnsupportedTransport) Connect(ctx context.Context, deviceName string) (Session, error) {
	return nil, newError(KindUnsupportedTransport, "connect", errors.New("no device transport configured"))
}

// MockGenerator produces plausible synthetic readings so the pipeline can run
// without hardware.
type MockGenerator struct {
	mu  sync.Mutex
	rng *rand.Rand
	now func() time.Time
}

// NewMockGenerator creates a generator. A zero seed uses the current time.
func NewMockGenerator(seed int64) *MockGenerator {
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return &MockGenerator{
		rng: rand.New(rand.NewSource(seed)),
		now: time.Now,
	}
}

// SetClock overrides the timestamp source.
func (g *MockGenerator) SetClock(now func() time.Time) { g.now = now }

func (g *MockGenerator) between(lo, hi float64) float64 {
	v := lo + g.rng.Float64()*(hi-lo)
	return math.Round(v*10) / 10
}

// Read never fails.
func (g *MockGenerator) Read(ctx context.Context) (*readings.Reading, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	return &readings.Reading{
		TDS:         readings.Float(math.Round(g.between(MockTDSMin, MockTDSMax))),
		Moisture:    readings.Float(g.between(MockMoistureMin, MockMoistureMax)),
		Temperature: readings.Float(g.between(MockTemperatureMin, MockTemperatureMax)),
		Timestamp:   g.now().UTC(),
		SensorID:    readings.DefaultSensorID,
		SensorName:  readings.DefaultSensorName,
	}, nil
}

// FallbackSource reads from the device and, when no device is reachable,
// from a mock generator. Protocol errors from a reachable device are not
// masked.
type FallbackSource struct {
	primary  Source
	fallback Source
	logger   *logrus.Logger
}

// NewFallbackSource wraps primary. A nil fallback disables the fallback.
func NewFallbackSource(primary, fallback Source, logger *logrus.Logger) *FallbackSource {
	return &FallbackSource{primary: primary, fallback: fallback, logger: logger}
}

func (f *FallbackSource) Read(ctx context.Context) (*readings.Reading, error) {
	r, err := f.primary.Read(ctx)
	if err == nil {
		return r, nil
	}
	if f.fallback == nil || !IsUnreachable(err) {
		return nil, err
	}

	f.logger.WithError(err).Info("Device unreachable, using mock reading")
	r, ferr := f.fallback.Read(ctx)
	if ferr != nil {
		return nil, fmt.Errorf("fallback failed after %v: %w", err, ferr)
	}
	return r, nil
}
