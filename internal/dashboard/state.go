// Package dashboard keeps the gateway's in-memory view of every known sensor:
// latest value, bounded history, derived risk, and the view settings (risk
// filter, selection, panel visibility) that the HTTP API renders.
package dashboard

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/hydrosense/gateway/internal/readings"
)

// MaxDataPoints bounds each sensor's history.
const MaxDataPoints = 120

// Sensor is the derived per-device view.
type Sensor struct {
	ID         string             `json:"id"`
	Name       string             `json:"name"`
	Latest     readings.Reading   `json:"latest"`
	RiskLevel  readings.RiskLevel `json:"riskLevel"`
	DataPoints []readings.Reading `json:"dataPoints"`
	UpdatedAt  time.Time          `json:"updatedAt"`
}

func (s *Sensor) clone() Sensor {
	out := *s
	out.Latest = s.Latest.Clone()
	out.DataPoints = make([]readings.Reading, len(s.DataPoints))
	for i, p := range s.DataPoints {
		out.DataPoints[i] = p.Clone()
	}
	return out
}

// Panels holds UI panel visibility.
type Panels struct {
	Map     bool `json:"map"`
	Sidebar bool `json:"sidebar"`
}

// Status is the human-readable outcome of the last user-visible operation.
type Status struct {
	Message string    `json:"message"`
	At      time.Time `json:"at"`
}

// State is safe for concurrent use.
type State struct {
	mu sync.RWMutex

	sensors  map[string]*Sensor
	latest   *readings.Reading
	filter   map[readings.RiskLevel]bool
	selected string
	panels   Panels
	status   Status

	now func() time.Time
}

// New returns an empty state with every risk level visible and the sidebar
// open.
func New() *State {
	s := &State{
		sensors: make(map[string]*Sensor),
		filter:  make(map[readings.RiskLevel]bool),
		panels:  Panels{Map: false, Sidebar: true},
		now:     time.Now,
	}
	for _, l := range readings.AllRiskLevels {
		s.filter[l] = true
	}
	return s
}

// SetClock overrides the clock used for UpdatedAt and status times.
func (s *State) SetClock(now func() time.Time) { s.now = now }

// Apply upserts the sensor for r. A reading with a timestamp already present
// in that sensor's history is ignored. Reports whether anything changed.
func (s *State) Apply(r readings.Reading) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.applyLocked(r)
}

// Merge applies a batch (e.g. fetched history) and returns how many readings
// were new.
func (s *State) Merge(rs []readings.Reading) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, r := range rs {
		if s.applyLocked(r) {
			n++
		}
	}
	return n
}

func (s *State) applyLocked(r readings.Reading) bool {
	if !r.Meaningful() {
		return false
	}
	id := r.SensorID
	if id == "" {
		id = readings.DefaultSensorID
		r.SensorID = id
	}

	sensor, ok := s.sensors[id]
	if !ok {
		sensor = &Sensor{ID: id}
		s.sensors[id] = sensor
	}
	// The ingestion backend restamps readings on receipt, so a reading that
	// comes back through history is matched by its queue ID.
	for _, p := range sensor.DataPoints {
		if p.Timestamp.Equal(r.Timestamp) || (r.ID != "" && p.ID == r.ID) {
			return false
		}
	}

	entry := r.Clone()
	sensor.DataPoints = append(sensor.DataPoints, entry)
	sort.SliceStable(sensor.DataPoints, func(i, j int) bool {
		return sensor.DataPoints[i].Timestamp.Before(sensor.DataPoints[j].Timestamp)
	})
	if n := len(sensor.DataPoints); n > MaxDataPoints {
		sensor.DataPoints = append([]readings.Reading(nil), sensor.DataPoints[n-MaxDataPoints:]...)
	}

	newest := sensor.DataPoints[len(sensor.DataPoints)-1]
	sensor.Latest = newest.Clone()
	if newest.SensorName != "" {
		sensor.Name = newest.SensorName
	} else if sensor.Name == "" {
		sensor.Name = id
	}
	sensor.RiskLevel = readings.DeriveRiskLevel(newest.TDS)
	sensor.UpdatedAt = s.now()

	if s.latest == nil || !entry.Timestamp.Before(s.latest.Timestamp) {
		c := entry.Clone()
		s.latest = &c
	}
	return true
}

// Latest returns the newest reading seen from any sensor.
func (s *State) Latest() (readings.Reading, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.latest == nil {
		return readings.Reading{}, false
	}
	return s.latest.Clone(), true
}

// Sensor returns one sensor regardless of the filter.
func (s *State) Sensor(id string) (Sensor, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sensor, ok := s.sensors[id]
	if !ok {
		return Sensor{}, false
	}
	return sensor.clone(), true
}

// Sensors returns the sensors whose risk level passes the active filter,
// ordered by ID.
func (s *State) Sensors() []Sensor {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.filteredLocked(s.filter)
}

// SensorsMatching is Sensors with an explicit set of levels instead of the
// stored filter.
func (s *State) SensorsMatching(levels []readings.RiskLevel) []Sensor {
	f := make(map[readings.RiskLevel]bool, len(levels))
	for _, l := range levels {
		f[l] = true
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.filteredLocked(f)
}

func (s *State) filteredLocked(f map[readings.RiskLevel]bool) []Sensor {
	out := make([]Sensor, 0, len(s.sensors))
	for _, sensor := range s.sensors {
		if f[sensor.RiskLevel] {
			out = append(out, sensor.clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Count returns the number of known sensors.
func (s *State) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sensors)
}

// SetFilter replaces the set of visible risk levels.
func (s *State) SetFilter(levels []readings.RiskLevel) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.filter = make(map[readings.RiskLevel]bool, len(levels))
	for _, l := range levels {
		s.filter[l] = true
	}
}

// ToggleRisk flips one level's visibility and returns the new value.
func (s *State) ToggleRisk(level readings.RiskLevel) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.filter[level] = !s.filter[level]
	return s.filter[level]
}

// Filter returns the visible risk levels in canonical order.
func (s *State) Filter() []readings.RiskLevel {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := []readings.RiskLevel{}
	for _, l := range readings.AllRiskLevels {
		if s.filter[l] {
			out = append(out, l)
		}
	}
	return out
}

// Select marks a sensor as selected. An empty id clears the selection.
func (s *State) Select(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id != "" {
		if _, ok := s.sensors[id]; !ok {
			return fmt.Errorf("unknown sensor %q", id)
		}
	}
	s.selected = id
	return nil
}

// Selected returns the selected sensor, if any.
func (s *State) Selected() (Sensor, bool) {
	s.mu.RLock()
	id := s.selected
	s.mu.RUnlock()
	if id == "" {
		return Sensor{}, false
	}
	return s.Sensor(id)
}

// SetPanels replaces panel visibility.
func (s *State) SetPanels(p Panels) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.panels = p
}

// Panels returns panel visibility.
func (s *State) Panels() Panels {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.panels
}

// SetStatus records a user-facing status line.
func (s *State) SetStatus(format string, args ...any) {
	msg := format
	if len(args) > 0 {
		msg = fmt.Sprintf(format, args...)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status = Status{Message: msg, At: s.now()}
}

// Status returns the last status line.
func (s *State) Status() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status
}
