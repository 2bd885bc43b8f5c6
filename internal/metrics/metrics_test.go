package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/hydrosense/gateway/internal/readings"
	"github.com/hydrosense/gateway/internal/syncer"
)

func TestObserve(t *testing.T) {
	m := New()

	m.ObserveReading("device", readings.Reading{SensorID: "S1", TDS: readings.Float(1800), Moisture: readings.Float(40)})
	m.ObserveReading("device", readings.Reading{SensorID: "S1", TDS: readings.Float(1900)})
	m.ObserveFlush(syncer.Result{Outcome: syncer.OutcomePartial, Sent: 2, Skipped: 1, Remaining: 3}, 0.2)
	m.SetRiskCounts(map[readings.RiskLevel]int{readings.RiskHigh: 2})
	m.SetOnline(false)

	checks := []struct {
		name string
		got  float64
		want float64
	}{
		{"readings", testutil.ToFloat64(m.ReadingsTotal.WithLabelValues("device")), 2},
		{"tds", testutil.ToFloat64(m.LatestTDS.WithLabelValues("S1")), 1900},
		{"moisture", testutil.ToFloat64(m.LatestMoisture.WithLabelValues("S1")), 40},
		{"flush", testutil.ToFloat64(m.FlushTotal.WithLabelValues("partial")), 1},
		{"sent", testutil.ToFloat64(m.SentTotal), 2},
		{"skipped", testutil.ToFloat64(m.SkippedTotal), 1},
		{"depth", testutil.ToFloat64(m.QueueDepth), 3},
		{"high", testutil.ToFloat64(m.SensorsByRisk.WithLabelValues("high")), 2},
		{"low", testutil.ToFloat64(m.SensorsByRisk.WithLabelValues("low")), 0},
		{"online", testutil.ToFloat64(m.Online), 0},
	}
	for _, c := range checks {
		if c.got != c.want {
			t.Errorf("%s = %v, want %v", c.name, c.got, c.want)
		}
	}
}

func TestHandler(t *testing.T) {
	m := New()
	m.QueueDepth.Set(4)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	body, _ := io.ReadAll(rec.Body)
	if !strings.Contains(string(body), "hydrosense_queue_depth 4") {
		t.Errorf("exposition missing queue depth:\n%s", body)
	}
}
