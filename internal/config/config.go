// Package config holds the gateway configuration: defaults, an optional YAML
// file, HYDROSENSE_* environment variables and command-line flags, applied in
// that order.
package config

import (
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v2"
)

// Duration is a time.Duration that reads "30s"-style strings from YAML.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(v)
	return nil
}

func (d Duration) MarshalYAML() (interface{}, error) { return time.Duration(d).String(), nil }

// D returns the value as a time.Duration.
func (d Duration) D() time.Duration { return time.Duration(d) }

// DeviceConfig selects how the field probe is reached.
type DeviceConfig struct {
	Transport    string   `yaml:"transport"` // serial | http | none
	SerialPort   string   `yaml:"serial_port"`
	SerialBaud   int      `yaml:"serial_baud"`
	BridgeURL    string   `yaml:"bridge_url"`
	MockFallback bool     `yaml:"mock_fallback"`
	MockSeed     int64    `yaml:"mock_seed"`
	ReadInterval Duration `yaml:"read_interval"` // 0 disables the periodic collector
	Stream       bool     `yaml:"stream"`
}

type StorageConfig struct {
	Backend string `yaml:"backend"` // file | sqlite | memory
	Path    string `yaml:"path"`
	Codec   string `yaml:"codec"` // json | msgpack
}

type IngestConfig struct {
	BaseURL     string   `yaml:"base_url"`
	APIKey      string   `yaml:"api_key"`
	Timeout     Duration `yaml:"timeout"`
	InsecureTLS bool     `yaml:"insecure_tls"`
}

type SyncConfig struct {
	AutoInterval    Duration `yaml:"auto_interval"`
	ProbeInterval   Duration `yaml:"probe_interval"`
	LatestInterval  Duration `yaml:"latest_interval"`
	HistoryInterval Duration `yaml:"history_interval"`
	RemotePolling   bool     `yaml:"remote_polling"`
	WiFiRevive      bool     `yaml:"wifi_revive"`
}

type LocationConfig struct {
	Source   string   `yaml:"source"` // none | static | dumpsys
	Lat      float64  `yaml:"lat"`
	Lon      float64  `yaml:"lon"`
	Budget   Duration `yaml:"budget"`
	Interval Duration `yaml:"interval"`
	Accuracy float64  `yaml:"accuracy"` // meters
	Refresh  Duration `yaml:"refresh"`
	Attach   bool     `yaml:"attach"` // stamp device readings with the gateway fix
}

type MQTTConfig struct {
	URL             string `yaml:"url"`
	DiscoveryPrefix string `yaml:"discovery_prefix"`
}

type InfluxConfig struct {
	URL    string `yaml:"url"`
	Token  string `yaml:"token"`
	Org    string `yaml:"org"`
	Bucket string `yaml:"bucket"`
}

// Config holds all configuration options for the gateway.
type Config struct {
	GatewayID string `yaml:"gateway_id"`
	Verbose   bool   `yaml:"verbose"`
	LogFile   string `yaml:"log_file"`
	Listen    string `yaml:"listen"`
	Termux    bool   `yaml:"termux"`

	Device   DeviceConfig   `yaml:"device"`
	Storage  StorageConfig  `yaml:"storage"`
	Ingest   IngestConfig   `yaml:"ingest"`
	Sync     SyncConfig     `yaml:"sync"`
	Location LocationConfig `yaml:"location"`
	MQTT     MQTTConfig     `yaml:"mqtt"`
	Influx   InfluxConfig   `yaml:"influx"`
}

// GetDefaultConfig returns a configuration with sensible defaults.
func GetDefaultConfig() *Config {
	return &Config{
		GatewayID: "field-gateway",
		Listen:    ":8090",
		Device: DeviceConfig{
			Transport:    "serial",
			SerialPort:   "/dev/ttyUSB0",
			SerialBaud:   115200,
			MockFallback: true,
			MockSeed:     1,
			ReadInterval: Duration(DefaultReadInterval),
		},
		Storage: StorageConfig{
			Backend: "file",
			Path:    "data",
			Codec:   "json",
		},
		Ingest: IngestConfig{
			BaseURL: "http://localhost:3000",
			Timeout: Duration(IngestTimeout),
		},
		Sync: SyncConfig{
			AutoInterval:    Duration(AutoSyncInterval),
			ProbeInterval:   Duration(ProbeInterval),
			LatestInterval:  Duration(LatestPollInterval),
			HistoryInterval: Duration(HistoryPollInterval),
			RemotePolling:   true,
		},
		Location: LocationConfig{
			Source:   "none",
			Budget:   Duration(LocationBudget),
			Interval: Duration(LocationSampleInterval),
			Accuracy: LocationAccuracy,
			Refresh:  Duration(LocationRefresh),
		},
		MQTT: MQTTConfig{
			DiscoveryPrefix: "homeassistant",
		},
	}
}

// LoadFile overlays the YAML file at path onto c.
func (c *Config) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.UnmarshalStrict(data, c); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return nil
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if c.GatewayID == "" {
		return fmt.Errorf("gateway ID is required")
	}

	switch c.Device.Transport {
	case "serial":
		if c.Device.SerialPort == "" {
			return fmt.Errorf("serial transport requires a serial port")
		}
	case "http":
		if c.Device.BridgeURL == "" {
			return fmt.Errorf("http transport requires a bridge URL")
		}
	case "none":
	default:
		return fmt.Errorf("unsupported device transport: %s (supported: serial, http, none)", c.Device.Transport)
	}

	switch c.Storage.Backend {
	case "file", "sqlite", "memory":
	default:
		return fmt.Errorf("unsupported storage backend: %s (supported: file, sqlite, memory)", c.Storage.Backend)
	}
	switch c.Storage.Codec {
	case "json", "msgpack":
	default:
		return fmt.Errorf("unsupported queue codec: %s (supported: json, msgpack)", c.Storage.Codec)
	}

	u, err := url.Parse(c.Ingest.BaseURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("ingest base URL must be an http(s) URL, got %q", c.Ingest.BaseURL)
	}

	if c.MQTT.URL != "" {
		if !strings.HasPrefix(c.MQTT.URL, "ws://") &&
			!strings.HasPrefix(c.MQTT.URL, "wss://") &&
			!strings.HasPrefix(c.MQTT.URL, "mqtt://") &&
			!strings.HasPrefix(c.MQTT.URL, "mqtts://") {
			return fmt.Errorf("MQTT URL must use supported protocol (ws://, wss://, mqtt://, or mqtts://)")
		}
	}

	if c.Influx.URL != "" && (c.Influx.Org == "" || c.Influx.Bucket == "") {
		return fmt.Errorf("influx org and bucket are required when an influx URL is set")
	}

	switch c.Location.Source {
	case "none", "dumpsys":
	case "static":
		if c.Location.Lat < -90 || c.Location.Lat > 90 || c.Location.Lon < -180 || c.Location.Lon > 180 {
			return fmt.Errorf("static location out of range: %v,%v", c.Location.Lat, c.Location.Lon)
		}
	default:
		return fmt.Errorf("unsupported location source: %s (supported: none, static, dumpsys)", c.Location.Source)
	}

	// Fall back to defaults for unusable values.
	if c.Ingest.Timeout <= 0 {
		c.Ingest.Timeout = Duration(IngestTimeout)
	}
	if c.Device.SerialBaud <= 0 {
		c.Device.SerialBaud = 115200
	}
	if c.Sync.ProbeInterval <= 0 {
		c.Sync.ProbeInterval = Duration(ProbeInterval)
	}
	if c.Sync.LatestInterval <= 0 {
		c.Sync.LatestInterval = Duration(LatestPollInterval)
	}
	if c.Sync.HistoryInterval <= 0 {
		c.Sync.HistoryInterval = Duration(HistoryPollInterval)
	}
	if c.Location.Budget <= 0 {
		c.Location.Budget = Duration(LocationBudget)
	}
	if c.Location.Interval <= 0 {
		c.Location.Interval = Duration(LocationSampleInterval)
	}
	if c.Location.Refresh <= 0 {
		c.Location.Refresh = Duration(LocationRefresh)
	}
	return nil
}

// HasMQTT returns true if MQTT is configured
func (c *Config) HasMQTT() bool { return c.MQTT.URL != "" }

// HasInflux returns true if an InfluxDB mirror is configured
func (c *Config) HasInflux() bool { return c.Influx.URL != "" }
