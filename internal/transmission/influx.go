package transmission

import (
	"context"
	"fmt"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api/write"
	"github.com/sirupsen/logrus"

	"github.com/hydrosense/gateway/internal/readings"
)

const influxMeasurement = "soil_reading"

// PointWriter is the part of influxdb2's blocking write API we use.
type PointWriter interface {
	WritePoint(ctx context.Context, point ...*write.Point) error
}

// InfluxConfig identifies the target bucket.
type InfluxConfig struct {
	URL    string
	Token  string
	Org    string
	Bucket string
}

// InfluxTransmitter mirrors readings into an InfluxDB v2 bucket.
type InfluxTransmitter struct {
	writer PointWriter
	close  func()
	logger *logrus.Logger
}

// NewInfluxTransmitter connects to InfluxDB using cfg.
func NewInfluxTransmitter(cfg InfluxConfig, logger *logrus.Logger) (*InfluxTransmitter, error) {
	if cfg.URL == "" || cfg.Org == "" || cfg.Bucket == "" {
		return nil, fmt.Errorf("influx config incomplete")
	}
	client := influxdb2.NewClient(cfg.URL, cfg.Token)
	return &InfluxTransmitter{
		writer: client.WriteAPIBlocking(cfg.Org, cfg.Bucket),
		close:  client.Close,
		logger: logger,
	}, nil
}

// NewInfluxTransmitterWithWriter is used when the caller owns the client.
func NewInfluxTransmitterWithWriter(w PointWriter, logger *logrus.Logger) *InfluxTransmitter {
	return &InfluxTransmitter{writer: w, close: func() {}, logger: logger}
}

func (t *InfluxTransmitter) Name() string { return "influx" }

func (t *InfluxTransmitter) IsConnected() bool { return true }

// Point converts r into a line-protocol point.
func Point(r *readings.Reading) *write.Point {
	tags := map[string]string{
		"sensor_id":   r.SensorID,
		"sensor_name": r.SensorName,
		"risk_level":  string(readings.DeriveRiskLevel(r.TDS)),
	}
	fields := map[string]any{}
	put := func(k string, v *float64) {
		if v != nil {
			fields[k] = *v
		}
	}
	put("tds", r.TDS)
	put("moisture", r.Moisture)
	put("temperature", r.Temperature)
	put("lat", r.Lat)
	put("lon", r.Lon)

	return influxdb2.NewPoint(influxMeasurement, tags, fields, r.Timestamp)
}

func (t *InfluxTransmitter) Transmit(ctx context.Context, r *readings.Reading) error {
	if err := t.writer.WritePoint(ctx, Point(r)); err != nil {
		return fmt.Errorf("influx write failed: %w", err)
	}
	t.logger.WithField("sensor_id", r.SensorID).Debug("Reading written to InfluxDB")
	return nil
}

// Close releases the underlying client.
func (t *InfluxTransmitter) Close() { t.close() }
