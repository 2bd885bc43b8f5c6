package transmission

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/hydrosense/gateway/internal/readings"
)

// Publisher is the subset of the MQTT client used by MQTTTransmitter.
type Publisher interface {
	Publish(topic string, payload []byte, retained bool) error
	IsConnected() bool
}

// MQTTTransmitter mirrors readings to MQTT with Home Assistant discovery.
type MQTTTransmitter struct {
	client          Publisher
	baseTopic       string
	discoveryPrefix string
	logger          *logrus.Logger

	mu        sync.Mutex
	published map[string]bool // discovery configs already sent
}

// HADiscoveryConfig represents Home Assistant MQTT discovery configuration
type HADiscoveryConfig struct {
	Name              string   `json:"name"`
	UniqueID          string   `json:"unique_id"`
	StateTopic        string   `json:"state_topic"`
	ValueTemplate     string   `json:"value_template,omitempty"`
	DeviceClass       string   `json:"device_class,omitempty"`
	UnitOfMeasurement string   `json:"unit_of_measurement,omitempty"`
	Device            HADevice `json:"device"`
	AvailabilityTopic string   `json:"availability_topic"`
	Icon              string   `json:"icon,omitempty"`
	StateClass        string   `json:"state_class,omitempty"`
}

// HADevice represents the device information for Home Assistant
type HADevice struct {
	Identifiers  []string `json:"identifiers"`
	Name         string   `json:"name"`
	Model        string   `json:"model"`
	Manufacturer string   `json:"manufacturer"`
	SWVersion    string   `json:"sw_version,omitempty"`
}

type entityConfig struct {
	Name        string
	EntityID    string
	DeviceClass string
	Unit        string
	Icon        string
	StateClass  string
}

var mqttEntities = []entityConfig{
	{Name: "Salinity (TDS)", EntityID: "tds", Unit: "ppm", Icon: "mdi:water-opacity", StateClass: "measurement"},
	{Name: "Soil moisture", EntityID: "moisture", DeviceClass: "moisture", Unit: "%", StateClass: "measurement"},
	{Name: "Temperature", EntityID: "temperature", DeviceClass: "temperature", Unit: "°C", StateClass: "measurement"},
	{Name: "Salinity risk", EntityID: "risk_level", Icon: "mdi:alert"},
}

// NewMQTTTransmitter creates a new MQTT transmitter. baseTopic is usually
// "hydrosense"; per-sensor topics hang below it.
func NewMQTTTransmitter(client Publisher, baseTopic, discoveryPrefix string, logger *logrus.Logger) *MQTTTransmitter {
	return &MQTTTransmitter{
		client:          client,
		baseTopic:       baseTopic,
		discoveryPrefix: discoveryPrefix,
		logger:          logger,
		published:       make(map[string]bool),
	}
}

func (t *MQTTTransmitter) Name() string { return "mqtt" }

func (t *MQTTTransmitter) sensorTopic(sensorID string) string {
	return fmt.Sprintf("%s/%s", t.baseTopic, sensorID)
}

func haDevice(r *readings.Reading) HADevice {
	return HADevice{
		Identifiers:  []string{fmt.Sprintf("hydrosense_%s", r.SensorID)},
		Name:         r.SensorName,
		Model:        "Soil probe",
		Manufacturer: "HydroSense",
		SWVersion:    "1.0.0",
	}
}

// publishDiscovery sends every entity config for r's sensor once.
func (t *MQTTTransmitter) publishDiscovery(r *readings.Reading) {
	device := haDevice(r)
	baseTopic := t.sensorTopic(r.SensorID)

	for _, e := range mqttEntities {
		uniqueID := fmt.Sprintf("hydrosense_%s_%s", r.SensorID, e.EntityID)

		t.mu.Lock()
		done := t.published[uniqueID]
		t.mu.Unlock()
		if done {
			continue
		}

		config := HADiscoveryConfig{
			Name:              e.Name,
			UniqueID:          uniqueID,
			StateTopic:        baseTopic + "/state",
			ValueTemplate:     fmt.Sprintf("{{ value_json.%s }}", e.EntityID),
			AvailabilityTopic: baseTopic + "/availability",
			Device:            device,
			DeviceClass:       e.DeviceClass,
			UnitOfMeasurement: e.Unit,
			Icon:              e.Icon,
			StateClass:        e.StateClass,
		}
		topic := fmt.Sprintf("%s/sensor/hydrosense_%s/%s/config", t.discoveryPrefix, r.SensorID, e.EntityID)
		if err := t.publishJSON(topic, config, true); err != nil {
			t.logger.WithError(err).WithField("entity", e.EntityID).Error("Failed to publish discovery config")
			continue
		}

		t.mu.Lock()
		t.published[uniqueID] = true
		t.mu.Unlock()

		t.logger.WithFields(logrus.Fields{
			"entity_id": e.EntityID,
			"topic":     topic,
		}).Info("Published sensor discovery config")
	}

	if r.HasLocation() {
		key := "tracker_" + r.SensorID
		t.mu.Lock()
		done := t.published[key]
		t.mu.Unlock()
		if done {
			return
		}
		config := map[string]any{
			"name":                  "Location",
			"unique_id":             fmt.Sprintf("hydrosense_%s_location", r.SensorID),
			"json_attributes_topic": baseTopic + "/location",
			"source_type":           "gps",
			"device":                device,
			"availability_topic":    baseTopic + "/availability",
		}
		topic := fmt.Sprintf("%s/device_tracker/hydrosense_%s/config", t.discoveryPrefix, r.SensorID)
		if err := t.publishJSON(topic, config, true); err != nil {
			t.logger.WithError(err).Warn("Failed to publish device_tracker discovery")
			return
		}
		t.mu.Lock()
		t.published[key] = true
		t.mu.Unlock()
	}
}

func (t *MQTTTransmitter) publishJSON(topic string, v any, retained bool) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal payload for %s: %w", topic, err)
	}
	return t.client.Publish(topic, payload, retained)
}

func statePayload(r *readings.Reading) map[string]any {
	state := map[string]any{
		"timestamp":  r.Timestamp.UTC().Format(time.RFC3339),
		"risk_level": string(readings.DeriveRiskLevel(r.TDS)),
	}
	if r.TDS != nil {
		state["tds"] = *r.TDS
	}
	if r.Moisture != nil {
		state["moisture"] = *r.Moisture
	}
	if r.Temperature != nil {
		state["temperature"] = *r.Temperature
	}
	return state
}

// Transmit publishes discovery (first time), state, location and availability.
func (t *MQTTTransmitter) Transmit(ctx context.Context, r *readings.Reading) error {
	if !t.client.IsConnected() {
		return fmt.Errorf("MQTT client not connected")
	}

	t.publishDiscovery(r)

	baseTopic := t.sensorTopic(r.SensorID)
	if err := t.publishJSON(baseTopic+"/state", statePayload(r), true); err != nil {
		return fmt.Errorf("failed to publish sensor data: %w", err)
	}

	if r.HasLocation() {
		loc := map[string]any{
			"latitude":  *r.Lat,
			"longitude": *r.Lon,
		}
		if err := t.publishJSON(baseTopic+"/location", loc, false); err != nil {
			t.logger.WithError(err).Warn("Failed to publish location data")
		}
	}

	if err := t.client.Publish(baseTopic+"/availability", []byte("online"), true); err != nil {
		return fmt.Errorf("failed to publish availability: %w", err)
	}

	t.logger.WithField("sensor_id", r.SensorID).Debug("Reading mirrored to MQTT")
	return nil
}

// IsConnected checks if the MQTT client is connected
func (t *MQTTTransmitter) IsConnected() bool {
	return t.client.IsConnected()
}
