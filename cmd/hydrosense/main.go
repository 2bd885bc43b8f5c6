package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/hydrosense/gateway/internal/api"
	"github.com/hydrosense/gateway/internal/app"
	"github.com/hydrosense/gateway/internal/config"
	"github.com/hydrosense/gateway/internal/dashboard"
	"github.com/hydrosense/gateway/internal/device"
	"github.com/hydrosense/gateway/internal/kvstore"
	"github.com/hydrosense/gateway/internal/location"
	"github.com/hydrosense/gateway/internal/metrics"
	"github.com/hydrosense/gateway/internal/mqtt"
	"github.com/hydrosense/gateway/internal/netutil"
	"github.com/hydrosense/gateway/internal/notify"
	"github.com/hydrosense/gateway/internal/prefs"
	"github.com/hydrosense/gateway/internal/queue"
	"github.com/hydrosense/gateway/internal/remote"
	"github.com/hydrosense/gateway/internal/transmission"
)

// version is injected at build time via ldflags
var version = "dev"

func main() {
	cfg, fs, err := config.Load("hydrosense", os.Args[1:], os.Getenv)
	if errors.Is(err, flag.ErrHelp) {
		os.Exit(0)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "hydrosense: %v\n", err)
		os.Exit(2)
	}
	if v := fs.Lookup("version"); v != nil && v.Value.String() == "true" {
		fmt.Printf("hydrosense %s\n", version)
		os.Exit(0)
	}

	logger := setupLogger(cfg.Verbose, cfg.LogFile)
	if cfg.Termux {
		setupCustomDNSResolver(logger)
	}

	logger.WithFields(logrus.Fields{
		"version":    version,
		"gateway_id": cfg.GatewayID,
		"device":     cfg.Device.Transport,
		"storage":    cfg.Storage.Backend,
		"ingest":     cfg.Ingest.BaseURL,
		"sync_int":   cfg.Sync.AutoInterval.D(),
	}).Info("Starting HydroSense gateway")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Storage ------------------------------------------------------------------
	kv, err := kvstore.Open(cfg.Storage.Backend, cfg.Storage.Path)
	if err != nil {
		logger.WithError(err).Fatal("Failed to open local storage")
	}
	defer kv.Close()

	codec, err := queue.CodecByName(cfg.Storage.Codec)
	if err != nil {
		logger.WithError(err).Fatal("Invalid queue codec")
	}
	q := queue.Open(kv, codec, logger)

	// Device -------------------------------------------------------------------
	var transport device.Transport
	switch cfg.Device.Transport {
	case "serial":
		transport = device.NewSerialTransport(cfg.Device.SerialPort, cfg.Device.SerialBaud, logger)
	case "http":
		transport = device.NewHTTPTransport(cfg.Device.BridgeURL, netutil.NewHTTPClient(cfg.Ingest.Timeout.D(), false, logger), logger)
	default:
		transport = device.UnsupportedTransport{}
	}
	reader := device.NewReader(transport, logger)
	defer reader.Disconnect()

	var source device.Source = reader
	if cfg.Device.MockFallback {
		source = device.NewFallbackSource(reader, device.NewMockGenerator(cfg.Device.MockSeed), logger)
		logger.Info("Mock readings enabled when the device is unreachable")
	}

	// Remote -------------------------------------------------------------------
	httpClient := netutil.NewHTTPClient(cfg.Ingest.Timeout.D(), cfg.Ingest.InsecureTLS, logger)
	ingest := transmission.NewIngestClient(transmission.IngestConfig{
		BaseURL: cfg.Ingest.BaseURL,
		APIKey:  cfg.Ingest.APIKey,
		Timeout: cfg.Ingest.Timeout.D(),
	}, httpClient, logger)

	dash := dashboard.New()
	var poller *remote.Poller
	if cfg.Sync.RemotePolling {
		poller = remote.NewPoller(cfg.Ingest.BaseURL, httpClient, dash, logger)
	}

	var prober netutil.Prober
	if p, err := netutil.NewTCPProber(cfg.Ingest.BaseURL); err == nil {
		prober = p
	} else {
		prober = netutil.HTTPProber{URL: cfg.Ingest.BaseURL, Client: httpClient}
	}
	var reviver netutil.Reviver
	if cfg.Sync.WiFiRevive {
		reviver = netutil.NewAndroidWiFi(logger)
	}
	monitor := netutil.NewMonitor(prober, reviver, logger)

	// Location -----------------------------------------------------------------
	var locator *location.Acquirer
	var locSource location.Source
	switch cfg.Location.Source {
	case "static":
		locSource = location.StaticSource{Lat: cfg.Location.Lat, Lon: cfg.Location.Lon}
	case "dumpsys":
		locSource = &location.DumpsysSource{}
	}
	if locSource != nil {
		locator = location.NewAcquirer(locSource, kv, cfg.Location.Budget.D(), cfg.Location.Interval.D(), cfg.Location.Accuracy, logger)
	}

	// Notifications ------------------------------------------------------------
	var notifier notify.Notifier = notify.LogNotifier{Logger: logger}
	if cfg.Termux {
		notifier = notify.Multi{notifier, notify.NewTermuxNotifier(logger)}
	}

	// Mirrors ------------------------------------------------------------------
	var mirrors []transmission.Transmitter
	var commander app.Commander
	if cfg.HasMQTT() {
		client, err := mqtt.NewClient(ctx, cfg.MQTT.URL, cfg.GatewayID, config.MQTTConnectWait, logger)
		if err != nil {
			logger.WithError(err).Warn("MQTT unavailable; continuing without the MQTT mirror")
		} else {
			defer client.Disconnect(250)
			mirrors = append(mirrors, transmission.NewMQTTTransmitter(client, client.BaseTopic(), cfg.MQTT.DiscoveryPrefix, logger))
			commander = client
			logger.Info("MQTT transmitter ready")
		}
	}
	if cfg.HasInflux() {
		tx, err := transmission.NewInfluxTransmitter(transmission.InfluxConfig{
			URL:    cfg.Influx.URL,
			Token:  cfg.Influx.Token,
			Org:    cfg.Influx.Org,
			Bucket: cfg.Influx.Bucket,
		}, logger)
		if err != nil {
			logger.WithError(err).Fatal("Failed to create InfluxDB transmitter")
		}
		defer tx.Close()
		mirrors = append(mirrors, tx)
		logger.Info("InfluxDB transmitter ready")
	}

	// Run application ----------------------------------------------------------
	m := metrics.New()
	gw, err := app.New(app.Options{
		Config:    cfg,
		Source:    source,
		Reader:    reader,
		Queue:     q,
		Ingest:    ingest,
		Dashboard: dash,
		Prefs:     prefs.Load(kv, logger),
		Poller:    poller,
		Monitor:   monitor,
		Locator:   locator,
		Mirrors:   mirrors,
		Metrics:   m,
		Notifier:  notifier,
		Commander: commander,
		Logger:    logger,
	})
	if err != nil {
		logger.WithError(err).Fatal("Failed to assemble gateway")
	}

	if err := gw.Run(ctx, api.NewRouter(gw, m.Handler(), logger)); err != nil {
		logger.WithError(err).Error("Gateway stopped with error")
		os.Exit(1)
	}
	logger.Info("HydroSense gateway stopped")
}

func setupLogger(verbose bool, logFile string) *logrus.Logger {
	l := logrus.New()
	l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true, TimestampFormat: time.RFC3339})
	if verbose {
		l.SetLevel(logrus.DebugLevel)
	} else {
		l.SetLevel(logrus.InfoLevel)
	}
	if logFile != "" {
		l.SetOutput(io.MultiWriter(os.Stderr, &lumberjack.Logger{
			Filename:   logFile,
			MaxSize:    10, // megabytes
			MaxBackups: 3,
			MaxAge:     14, // days
			Compress:   true,
		}))
	}
	return l
}

// setupCustomDNSResolver bypasses the Android resolver, which Go binaries
// running under Termux cannot reach.
func setupCustomDNSResolver(logger *logrus.Logger) {
	net.DefaultResolver = &net.Resolver{
		PreferGo: true,
		Dial: func(ctx context.Context, network, address string) (net.Conn, error) {
			d := net.Dialer{Timeout: time.Second}
			return d.DialContext(ctx, network, "1.1.1.1:53")
		},
	}
	logger.Debug("Custom DNS resolver installed (1.1.1.1)")
}
