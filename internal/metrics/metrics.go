// Package metrics exposes the gateway's Prometheus collectors on a private
// registry.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/hydrosense/gateway/internal/readings"
	"github.com/hydrosense/gateway/internal/syncer"
)

const namespace = "hydrosense"

// Metrics groups every collector the gateway updates.
type Metrics struct {
	Registry *prometheus.Registry

	ReadingsTotal  *prometheus.CounterVec // by source: device, mock, remote
	DeviceErrors   *prometheus.CounterVec // by kind
	QueueDepth     prometheus.Gauge
	FlushTotal     *prometheus.CounterVec // by outcome
	SentTotal      prometheus.Counter
	SkippedTotal   prometheus.Counter
	FlushDuration  prometheus.Histogram
	MirrorErrors   *prometheus.CounterVec // by transmitter
	PollErrors     *prometheus.CounterVec // by endpoint kind
	Online         prometheus.Gauge
	LatestTDS      *prometheus.GaugeVec // by sensor_id
	LatestMoisture *prometheus.GaugeVec // by sensor_id
	SensorsByRisk  *prometheus.GaugeVec // by risk_level
}

// New registers all collectors, plus the Go and process collectors, on a
// fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		Registry: reg,
		ReadingsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "readings_total",
			Help: "Readings accepted, by source.",
		}, []string{"source"}),
		DeviceErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "device_errors_total",
			Help: "Device read failures, by error kind.",
		}, []string{"kind"}),
		QueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "queue_depth",
			Help: "Readings waiting for delivery.",
		}),
		FlushTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "flush_total",
			Help: "Queue flushes, by outcome.",
		}, []string{"outcome"}),
		SentTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "readings_sent_total",
			Help: "Readings acknowledged by the ingestion service.",
		}),
		SkippedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "readings_skipped_total",
			Help: "Queued readings dropped as meaningless.",
		}),
		FlushDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Name: "flush_duration_seconds",
			Help:    "Wall time of one queue flush.",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 10),
		}),
		MirrorErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "mirror_errors_total",
			Help: "Failed mirror transmissions, by transmitter.",
		}, []string{"transmitter"}),
		PollErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "remote_poll_errors_total",
			Help: "Failed remote polls, by endpoint.",
		}, []string{"endpoint"}),
		Online: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "network_online",
			Help: "1 when the ingestion service is reachable.",
		}),
		LatestTDS: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "sensor_tds_ppm",
			Help: "Latest TDS per sensor.",
		}, []string{"sensor_id"}),
		LatestMoisture: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "sensor_moisture_percent",
			Help: "Latest soil moisture per sensor.",
		}, []string{"sensor_id"}),
		SensorsByRisk: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "sensors_by_risk",
			Help: "Known sensors per salinity risk level.",
		}, []string{"risk_level"}),
	}

	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.ReadingsTotal, m.DeviceErrors, m.QueueDepth, m.FlushTotal,
		m.SentTotal, m.SkippedTotal, m.FlushDuration, m.MirrorErrors,
		m.PollErrors, m.Online, m.LatestTDS, m.LatestMoisture, m.SensorsByRisk,
	)
	m.Online.Set(1)
	return m
}

// Handler serves the registry in the exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})
}

// ObserveReading updates the per-sensor gauges.
func (m *Metrics) ObserveReading(source string, r readings.Reading) {
	m.ReadingsTotal.WithLabelValues(source).Inc()
	if r.TDS != nil {
		m.LatestTDS.WithLabelValues(r.SensorID).Set(*r.TDS)
	}
	if r.Moisture != nil {
		m.LatestMoisture.WithLabelValues(r.SensorID).Set(*r.Moisture)
	}
}

// ObserveFlush records one flush result.
func (m *Metrics) ObserveFlush(res syncer.Result, seconds float64) {
	m.FlushTotal.WithLabelValues(res.Outcome.String()).Inc()
	m.SentTotal.Add(float64(res.Sent))
	m.SkippedTotal.Add(float64(res.Skipped))
	m.QueueDepth.Set(float64(res.Remaining))
	m.FlushDuration.Observe(seconds)
}

// SetRiskCounts replaces the per-level sensor counts.
func (m *Metrics) SetRiskCounts(counts map[readings.RiskLevel]int) {
	for _, l := range readings.AllRiskLevels {
		m.SensorsByRisk.WithLabelValues(string(l)).Set(float64(counts[l]))
	}
}

// SetOnline records the connectivity state.
func (m *Metrics) SetOnline(online bool) {
	if online {
		m.Online.Set(1)
		return
	}
	m.Online.Set(0)
}
