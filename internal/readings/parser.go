package readings

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// Accepted payload keys per canonical field, in precedence order. Devices,
// the remote API and locally queued rows all spell fields differently; every
// spelling we have seen in the wild is listed here and nowhere else.
var (
	tdsKeys         = []string{"tds", "TDS", "tdsValue", "salinity"}
	moistureKeys    = []string{"moisture", "humidity", "soil", "soil_moisture", "nem"}
	temperatureKeys = []string{"temperature", "temp", "sicaklik"}
	timestampKeys   = []string{"timestamp", "syncedAt"}
	sensorIDKeys    = []string{"sensorId", "sensor_id", "sensorID"}
	sensorNameKeys  = []string{"sensorName", "sensor_name", "name"}
	latKeys         = []string{"lat", "latitude"}
	lonKeys         = []string{"lon", "lng", "longitude"}
)

// Normalize converts an arbitrary decoded payload into a canonical Reading.
// It returns nil when none of the three measurements is present, which means
// "not a meaningful reading". now supplies the timestamp for payloads that
// carry none.
func Normalize(raw map[string]any, now func() time.Time) *Reading {
	if raw == nil {
		return nil
	}

	r := &Reading{
		TDS:         numberField(raw, tdsKeys),
		Moisture:    numberField(raw, moistureKeys),
		Temperature: numberField(raw, temperatureKeys),
		Lat:         numberField(raw, latKeys),
		Lon:         numberField(raw, lonKeys),
		SensorID:    stringField(raw, sensorIDKeys),
		SensorName:  stringField(raw, sensorNameKeys),
		ID:          stringField(raw, []string{"id"}),
	}
	if !r.Meaningful() {
		return nil
	}

	if ts, ok := timeField(raw, timestampKeys); ok {
		r.Timestamp = ts
	} else if now != nil {
		r.Timestamp = now().UTC()
	} else {
		r.Timestamp = time.Now().UTC()
	}

	if r.SensorID == "" {
		r.SensorID = DefaultSensorID
	}
	if r.SensorName == "" {
		if r.SensorID == DefaultSensorID {
			r.SensorName = DefaultSensorName
		} else {
			r.SensorName = r.SensorID
		}
	}
	return r
}

// ParseJSON decodes a JSON object and normalizes it. A payload that is not a
// JSON object is an error; an object without measurements yields (nil, nil).
func ParseJSON(data []byte, now func() time.Time) (*Reading, error) {
	raw, err := decodeObject(data)
	if err != nil {
		return nil, err
	}
	return Normalize(raw, now), nil
}

// DecodeLatest accepts either a bare reading object or {"latest": reading}.
// Responses such as {"status":"no data"} decode to (nil, nil).
func DecodeLatest(data []byte, now func() time.Time) (*Reading, error) {
	raw, err := decodeObject(data)
	if err != nil {
		return nil, err
	}
	if inner, ok := raw["latest"].(map[string]any); ok {
		raw = inner
	}
	return Normalize(raw, now), nil
}

// DecodeHistory accepts either an array of readings or {"history": [...]}.
// Entries without measurements are dropped.
func DecodeHistory(data []byte, now func() time.Time) ([]Reading, error) {
	var v any
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("failed to unmarshal history: %w", err)
	}

	var items []any
	switch t := v.(type) {
	case []any:
		items = t
	case map[string]any:
		h, ok := t["history"].([]any)
		if !ok {
			return nil, fmt.Errorf("history object has no history array")
		}
		items = h
	default:
		return nil, fmt.Errorf("unexpected history payload type %T", v)
	}

	out := make([]Reading, 0, len(items))
	for _, item := range items {
		obj, ok := item.(map[string]any)
		if !ok {
			continue
		}
		if r := Normalize(obj, now); r != nil {
			out = append(out, *r)
		}
	}
	return out, nil
}

// Validate performs basic range checks and returns human-readable warnings.
// Out-of-range values are kept; the warnings only feed the logs.
func Validate(r *Reading) []string {
	var warnings []string
	if r == nil {
		return warnings
	}

	if r.TDS != nil && *r.TDS < 0 {
		warnings = append(warnings, fmt.Sprintf("TDS below zero: %.1f ppm", *r.TDS))
	}
	if r.Moisture != nil && (*r.Moisture < 0 || *r.Moisture > 100) {
		warnings = append(warnings, fmt.Sprintf("Moisture out of range: %.1f%%", *r.Moisture))
	}
	if r.Temperature != nil && (*r.Temperature < -40 || *r.Temperature > 85) {
		warnings = append(warnings, fmt.Sprintf("Temperature out of reasonable range: %.1f°C", *r.Temperature))
	}
	if r.Lat != nil && (*r.Lat < -90 || *r.Lat > 90) {
		warnings = append(warnings, fmt.Sprintf("Latitude out of range: %.5f", *r.Lat))
	}
	if r.Lon != nil && (*r.Lon < -180 || *r.Lon > 180) {
		warnings = append(warnings, fmt.Sprintf("Longitude out of range: %.5f", *r.Lon))
	}
	return warnings
}

func decodeObject(data []byte) (map[string]any, error) {
	var raw map[string]any
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&raw); err != nil {
		return nil, fmt.Errorf("failed to unmarshal payload: %w", err)
	}
	return raw, nil
}

// lookup returns the first present, non-null value among keys.
func lookup(raw map[string]any, keys []string) (any, bool) {
	for _, k := range keys {
		if v, ok := raw[k]; ok && v != nil {
			return v, true
		}
	}
	return nil, false
}

func numberField(raw map[string]any, keys []string) *float64 {
	v, ok := lookup(raw, keys)
	if !ok {
		return nil
	}
	f, ok := toFloat(v)
	if !ok || math.IsNaN(f) || math.IsInf(f, 0) {
		return nil
	}
	return &f
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint8:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	case string:
		s := strings.TrimSpace(n)
		if s == "" {
			return 0, false
		}
		f, err := strconv.ParseFloat(s, 64)
		return f, err == nil
	default:
		return 0, false
	}
}

func stringField(raw map[string]any, keys []string) string {
	v, ok := lookup(raw, keys)
	if !ok {
		return ""
	}
	switch s := v.(type) {
	case string:
		return strings.TrimSpace(s)
	case json.Number:
		return s.String()
	case float64:
		return strconv.FormatFloat(s, 'f', -1, 64)
	default:
		return ""
	}
}

var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05",
}

// maxEpochMillis is about 31,700 years either side of 1970; anything larger
// cannot be converted to int64 milliseconds reliably.
const maxEpochMillis = 1e15

func timeField(raw map[string]any, keys []string) (time.Time, bool) {
	v, ok := lookup(raw, keys)
	if !ok {
		return time.Time{}, false
	}
	switch t := v.(type) {
	case time.Time:
		return t.UTC(), !t.IsZero()
	case string:
		s := strings.TrimSpace(t)
		for _, layout := range timeLayouts {
			if ts, err := time.Parse(layout, s); err == nil {
				return ts.UTC(), true
			}
		}
		return time.Time{}, false
	default:
		// Epoch milliseconds, as produced by Date.now() on the device bridge.
		ms, ok := toFloat(v)
		if !ok || math.IsNaN(ms) || math.Abs(ms) > maxEpochMillis {
			return time.Time{}, false
		}
		return time.UnixMilli(int64(ms)).UTC(), true
	}
}
