package queue

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/hydrosense/gateway/internal/readings"
)

// Codec serializes the whole queue list into the single stored value.
type Codec interface {
	Name() string
	Marshal([]readings.Reading) ([]byte, error)
	Unmarshal([]byte) ([]readings.Reading, error)
}

// CodecByName returns the codec for "json" (default) or "msgpack".
func CodecByName(name string) (Codec, error) {
	switch name {
	case "", "json":
		return JSONCodec{}, nil
	case "msgpack":
		return MsgpackCodec{}, nil
	default:
		return nil, fmt.Errorf("unsupported queue codec: %s (supported: json, msgpack)", name)
	}
}

// JSONCodec stores the queue as a JSON array of reading objects.
type JSONCodec struct{}

func (JSONCodec) Name() string { return "json" }

func (JSONCodec) Marshal(list []readings.Reading) ([]byte, error) {
	if list == nil {
		list = []readings.Reading{}
	}
	return json.Marshal(list)
}

func (JSONCodec) Unmarshal(data []byte) ([]readings.Reading, error) {
	var list []readings.Reading
	if err := json.Unmarshal(data, &list); err != nil {
		return nil, err
	}
	return list, nil
}

// msgpackEntry is the compact on-disk shape; timestamps are unix nanoseconds.
type msgpackEntry struct {
	ID          string   `msgpack:"i"`
	TDS         *float64 `msgpack:"t,omitempty"`
	Moisture    *float64 `msgpack:"m,omitempty"`
	Temperature *float64 `msgpack:"c,omitempty"`
	Timestamp   int64    `msgpack:"ts"`
	SensorID    string   `msgpack:"sid"`
	SensorName  string   `msgpack:"sn"`
	Lat         *float64 `msgpack:"la,omitempty"`
	Lon         *float64 `msgpack:"lo,omitempty"`
}

// MsgpackCodec stores the queue as a msgpack array; roughly a third of the
// JSON size for typical readings.
type MsgpackCodec struct{}

func (MsgpackCodec) Name() string { return "msgpack" }

func (MsgpackCodec) Marshal(list []readings.Reading) ([]byte, error) {
	entries := make([]msgpackEntry, 0, len(list))
	for _, r := range list {
		entries = append(entries, msgpackEntry{
			ID:          r.ID,
			TDS:         r.TDS,
			Moisture:    r.Moisture,
			Temperature: r.Temperature,
			Timestamp:   r.Timestamp.UnixNano(),
			SensorID:    r.SensorID,
			SensorName:  r.SensorName,
			Lat:         r.Lat,
			Lon:         r.Lon,
		})
	}
	return msgpack.Marshal(entries)
}

func (MsgpackCodec) Unmarshal(data []byte) ([]readings.Reading, error) {
	var entries []msgpackEntry
	if err := msgpack.Unmarshal(data, &entries); err != nil {
		return nil, err
	}
	list := make([]readings.Reading, 0, len(entries))
	for _, e := range entries {
		list = append(list, readings.Reading{
			ID:          e.ID,
			TDS:         e.TDS,
			Moisture:    e.Moisture,
			Temperature: e.Temperature,
			Timestamp:   time.Unix(0, e.Timestamp).UTC(),
			SensorID:    e.SensorID,
			SensorName:  e.SensorName,
			Lat:         e.Lat,
			Lon:         e.Lon,
		})
	}
	return list, nil
}
