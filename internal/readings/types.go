package readings

import (
	"math"
	"time"
)

// Identity used when a payload does not name its originating device. The
// field kit ships a single probe advertised as TarlaSensor.
const (
	DefaultSensorID   = "tarla-01"
	DefaultSensorName = "TarlaSensor"
)

// Reading is one normalized sensor sample.
// Measurements are pointers so a missing value (nil) is distinguishable from 0.
type Reading struct {
	ID string `json:"id,omitempty"`

	TDS         *float64 `json:"tds"`         // total dissolved solids, ppm
	Moisture    *float64 `json:"moisture"`    // soil moisture, %
	Temperature *float64 `json:"temperature"` // °C

	Timestamp time.Time `json:"timestamp"`

	SensorID   string `json:"sensorId"`
	SensorName string `json:"sensorName"`

	Lat *float64 `json:"lat"`
	Lon *float64 `json:"lon"`
}

// Meaningful reports whether at least one measurement is a finite number.
func (r *Reading) Meaningful() bool {
	if r == nil {
		return false
	}
	return finite(r.TDS) || finite(r.Moisture) || finite(r.Temperature)
}

// HasLocation reports whether both coordinates are set.
func (r *Reading) HasLocation() bool {
	return r != nil && finite(r.Lat) && finite(r.Lon)
}

// Clone returns a deep copy; pointer fields are duplicated so the copy can be
// mutated independently.
func (r Reading) Clone() Reading {
	r.TDS = copyFloat(r.TDS)
	r.Moisture = copyFloat(r.Moisture)
	r.Temperature = copyFloat(r.Temperature)
	r.Lat = copyFloat(r.Lat)
	r.Lon = copyFloat(r.Lon)
	return r
}

// ToMap renders the reading with its canonical keys, the shape Normalize
// accepts back.
func (r Reading) ToMap() map[string]any {
	m := map[string]any{
		"timestamp":  r.Timestamp.UTC().Format(time.RFC3339Nano),
		"sensorId":   r.SensorID,
		"sensorName": r.SensorName,
	}
	if r.ID != "" {
		m["id"] = r.ID
	}
	put := func(k string, v *float64) {
		if v != nil {
			m[k] = *v
		}
	}
	put("tds", r.TDS)
	put("moisture", r.Moisture)
	put("temperature", r.Temperature)
	put("lat", r.Lat)
	put("lon", r.Lon)
	return m
}

// Float returns a pointer to v.
func Float(v float64) *float64 { return &v }

func finite(v *float64) bool {
	return v != nil && !math.IsNaN(*v) && !math.IsInf(*v, 0)
}

func copyFloat(v *float64) *float64 {
	if v == nil {
		return nil
	}
	c := *v
	return &c
}
