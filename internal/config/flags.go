package config

import (
	"flag"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// EnvPrefix prefixes every environment variable the gateway reads.
const EnvPrefix = "HYDROSENSE_"

// Load builds the configuration from defaults, the YAML file named by -config
// (or HYDROSENSE_CONFIG), environment variables and finally the flags in
// args. The returned FlagSet lets the caller read non-config flags such as
// -version.
func Load(name string, args []string, getenv func(string) string) (*Config, *flag.FlagSet, error) {
	cfg := GetDefaultConfig()

	if path := configPath(args, getenv); path != "" {
		if err := cfg.LoadFile(path); err != nil {
			return nil, nil, err
		}
	}

	env := envReader{getenv: getenv}
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.String("config", "", "YAML config file (env "+EnvPrefix+"CONFIG)")
	fs.Bool("version", false, "Show version and exit")

	fs.StringVar(&cfg.GatewayID, "gateway-id", env.str("GATEWAY_ID", cfg.GatewayID), "Gateway identifier")
	fs.BoolVar(&cfg.Verbose, "verbose", env.boolean("VERBOSE", cfg.Verbose), "Verbose logging")
	fs.StringVar(&cfg.LogFile, "log-file", env.str("LOG_FILE", cfg.LogFile), "Also write logs to this rotated file")
	fs.StringVar(&cfg.Listen, "listen", env.str("LISTEN", cfg.Listen), "HTTP API listen address")
	fs.BoolVar(&cfg.Termux, "termux", env.boolean("TERMUX", cfg.Termux), "Post status to an Android notification")

	fs.StringVar(&cfg.Device.Transport, "device-transport", env.str("DEVICE_TRANSPORT", cfg.Device.Transport), "Device link: serial, http or none")
	fs.StringVar(&cfg.Device.SerialPort, "serial-port", env.str("SERIAL_PORT", cfg.Device.SerialPort), "Serial port of the BLE-UART bridge")
	fs.IntVar(&cfg.Device.SerialBaud, "serial-baud", env.integer("SERIAL_BAUD", cfg.Device.SerialBaud), "Serial baud rate")
	fs.StringVar(&cfg.Device.BridgeURL, "bridge-url", env.str("BRIDGE_URL", cfg.Device.BridgeURL), "Base URL of the device HTTP bridge")
	fs.BoolVar(&cfg.Device.MockFallback, "mock-fallback", env.boolean("MOCK_FALLBACK", cfg.Device.MockFallback), "Generate mock readings when the device is unreachable")
	fs.Int64Var(&cfg.Device.MockSeed, "mock-seed", int64(env.integer("MOCK_SEED", int(cfg.Device.MockSeed))), "Mock generator seed")
	durationVar(fs, &cfg.Device.ReadInterval, "read-interval", env.duration("READ_INTERVAL", cfg.Device.ReadInterval), "Periodic device read (0 = off)")
	fs.BoolVar(&cfg.Device.Stream, "stream", env.boolean("STREAM", cfg.Device.Stream), "Subscribe to device notifications")

	fs.StringVar(&cfg.Storage.Backend, "storage", env.str("STORAGE", cfg.Storage.Backend), "Local store: file, sqlite or memory")
	fs.StringVar(&cfg.Storage.Path, "storage-path", env.str("STORAGE_PATH", cfg.Storage.Path), "Directory (file) or database file (sqlite)")
	fs.StringVar(&cfg.Storage.Codec, "queue-codec", env.str("QUEUE_CODEC", cfg.Storage.Codec), "Queue serialization: json or msgpack")

	fs.StringVar(&cfg.Ingest.BaseURL, "ingest-url", env.str("INGEST_URL", cfg.Ingest.BaseURL), "Ingestion service base URL")
	fs.StringVar(&cfg.Ingest.APIKey, "api-key", env.str("API_KEY", cfg.Ingest.APIKey), "x-api-key for the ingestion service")
	durationVar(fs, &cfg.Ingest.Timeout, "ingest-timeout", env.duration("INGEST_TIMEOUT", cfg.Ingest.Timeout), "Ingestion request timeout")
	fs.BoolVar(&cfg.Ingest.InsecureTLS, "insecure-tls", env.boolean("INSECURE_TLS", cfg.Ingest.InsecureTLS), "Skip TLS verification")

	durationVar(fs, &cfg.Sync.AutoInterval, "sync-interval", env.duration("SYNC_INTERVAL", cfg.Sync.AutoInterval), "Automatic flush period (0 = off)")
	durationVar(fs, &cfg.Sync.ProbeInterval, "probe-interval", env.duration("PROBE_INTERVAL", cfg.Sync.ProbeInterval), "Connectivity probe period")
	durationVar(fs, &cfg.Sync.LatestInterval, "latest-interval", env.duration("LATEST_INTERVAL", cfg.Sync.LatestInterval), "Remote latest poll period")
	durationVar(fs, &cfg.Sync.HistoryInterval, "history-interval", env.duration("HISTORY_INTERVAL", cfg.Sync.HistoryInterval), "Remote history poll period")
	fs.BoolVar(&cfg.Sync.RemotePolling, "remote-polling", env.boolean("REMOTE_POLLING", cfg.Sync.RemotePolling), "Poll the ingestion service for readings")
	fs.BoolVar(&cfg.Sync.WiFiRevive, "wifi-revive", env.boolean("WIFI_REVIVE", cfg.Sync.WiFiRevive), "Re-enable Android WiFi when offline")

	fs.StringVar(&cfg.Location.Source, "location", env.str("LOCATION", cfg.Location.Source), "Location source: none, static or dumpsys")
	fs.Float64Var(&cfg.Location.Lat, "lat", env.float("LAT", cfg.Location.Lat), "Static latitude")
	fs.Float64Var(&cfg.Location.Lon, "lon", env.float("LON", cfg.Location.Lon), "Static longitude")
	fs.BoolVar(&cfg.Location.Attach, "attach-location", env.boolean("ATTACH_LOCATION", cfg.Location.Attach), "Stamp readings without coordinates with the gateway fix")

	fs.StringVar(&cfg.MQTT.URL, "mqtt-url", env.str("MQTT_URL", cfg.MQTT.URL), "MQTT URL")
	fs.StringVar(&cfg.MQTT.DiscoveryPrefix, "discovery-prefix", env.str("DISCOVERY_PREFIX", cfg.MQTT.DiscoveryPrefix), "HA discovery prefix")

	fs.StringVar(&cfg.Influx.URL, "influx-url", env.str("INFLUX_URL", cfg.Influx.URL), "InfluxDB URL")
	fs.StringVar(&cfg.Influx.Token, "influx-token", env.str("INFLUX_TOKEN", cfg.Influx.Token), "InfluxDB token")
	fs.StringVar(&cfg.Influx.Org, "influx-org", env.str("INFLUX_ORG", cfg.Influx.Org), "InfluxDB organization")
	fs.StringVar(&cfg.Influx.Bucket, "influx-bucket", env.str("INFLUX_BUCKET", cfg.Influx.Bucket), "InfluxDB bucket")

	if env.err != nil {
		return nil, nil, env.err
	}
	if err := fs.Parse(args); err != nil {
		return nil, nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, nil, err
	}
	return cfg, fs, nil
}

// configPath finds -config/--config in args before the full parse so the file
// can seed the flag defaults.
func configPath(args []string, getenv func(string) string) string {
	for i, a := range args {
		name, value, hasValue := strings.Cut(strings.TrimLeft(a, "-"), "=")
		if !strings.HasPrefix(a, "-") || name != "config" {
			continue
		}
		if hasValue {
			return value
		}
		if i+1 < len(args) {
			return args[i+1]
		}
	}
	return getenv(EnvPrefix + "CONFIG")
}

// envReader reads prefixed variables and remembers the first malformed one.
type envReader struct {
	getenv func(string) string
	err    error
}

func (e *envReader) lookup(key string) (string, bool) {
	v := e.getenv(EnvPrefix + key)
	return v, v != ""
}

func (e *envReader) fail(key, v string, err error) {
	if e.err == nil {
		e.err = fmt.Errorf("invalid %s%s=%q: %w", EnvPrefix, key, v, err)
	}
}

func (e *envReader) str(key, def string) string {
	if v, ok := e.lookup(key); ok {
		return v
	}
	return def
}

func (e *envReader) boolean(key string, def bool) bool {
	v, ok := e.lookup(key)
	if !ok {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		e.fail(key, v, err)
		return def
	}
	return b
}

func (e *envReader) integer(key string, def int) int {
	v, ok := e.lookup(key)
	if !ok {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		e.fail(key, v, err)
		return def
	}
	return n
}

func (e *envReader) float(key string, def float64) float64 {
	v, ok := e.lookup(key)
	if !ok {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		e.fail(key, v, err)
		return def
	}
	return f
}

// duration accepts Go duration strings or plain seconds.
func (e *envReader) duration(key string, def Duration) Duration {
	v, ok := e.lookup(key)
	if !ok {
		return def
	}
	d, err := parseDuration(v)
	if err != nil {
		e.fail(key, v, err)
		return def
	}
	return Duration(d)
}

func parseDuration(v string) (time.Duration, error) {
	if d, err := time.ParseDuration(v); err == nil {
		return d, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("not a duration")
	}
	return time.Duration(n) * time.Second, nil
}

// durationFlag lets Duration fields be set from the command line.
type durationFlag struct{ d *Duration }

func (f durationFlag) String() string {
	if f.d == nil {
		return ""
	}
	return f.d.D().String()
}

func (f durationFlag) Set(v string) error {
	d, err := parseDuration(v)
	if err != nil {
		return err
	}
	*f.d = Duration(d)
	return nil
}

func durationVar(fs *flag.FlagSet, p *Duration, name string, def Duration, usage string) {
	*p = def
	fs.Var(durationFlag{p}, name, usage)
}
