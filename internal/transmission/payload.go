package transmission

import (
	"time"

	"github.com/hydrosense/gateway/internal/readings"
)

// IngestPayload is the body POSTed to the ingestion service. Absent
// measurements are sent as null. moisture and tds duplicate soil and salinity
// for older backends. ID is the gateway queue ID, echoed back by history so
// the dashboard can recognise readings it already shows.
type IngestPayload struct {
	ID         string   `json:"id,omitempty"`
	Soil       *float64 `json:"soil"`
	Salinity   *float64 `json:"salinity"`
	Temp       *float64 `json:"temp"`
	Timestamp  string   `json:"timestamp"`
	SensorID   string   `json:"sensor_id"`
	SensorName string   `json:"sensor_name"`
	Lat        *float64 `json:"lat"`
	Lon        *float64 `json:"lon"`

	Moisture *float64 `json:"moisture"`
	TDS      *float64 `json:"tds"`
}

// BuildPayload maps a reading to the ingestion wire shape.
func BuildPayload(r *readings.Reading) IngestPayload {
	return IngestPayload{
		ID:         r.ID,
		Soil:       r.Moisture,
		Salinity:   r.TDS,
		Temp:       r.Temperature,
		Timestamp:  r.Timestamp.UTC().Format(time.RFC3339Nano),
		SensorID:   r.SensorID,
		SensorName: r.SensorName,
		Lat:        r.Lat,
		Lon:        r.Lon,
		Moisture:   r.Moisture,
		TDS:        r.TDS,
	}
}
