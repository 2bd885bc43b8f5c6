package config

import "time"

// Central place for all application-wide timing constants and other defaults.

const (
	// Collection / sync intervals
	DefaultReadInterval = 60 * time.Second // Periodic device read
	AutoSyncInterval    = 5 * time.Minute  // Timer-driven queue flush
	ProbeInterval       = 15 * time.Second // Connectivity probe
	LatestPollInterval  = 10 * time.Second // Remote latest.json
	HistoryPollInterval = 60 * time.Second // Remote history.json

	// Operation time-outs
	IngestTimeout   = 10 * time.Second // One ingestion POST
	MQTTConnectWait = 30 * time.Second // Give up on the broker after this
	ShutdownTimeout = 5 * time.Second  // HTTP server drain

	// Geolocation acquisition
	LocationBudget         = 20 * time.Second // Wall-clock cap for one acquisition
	LocationSampleInterval = 2 * time.Second
	LocationAccuracy       = 25.0 // meters; stop early at or below
	LocationRefresh        = 10 * time.Minute
)
