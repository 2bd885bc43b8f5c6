package dashboard

import (
	"fmt"
	"math"
	"testing"
	"time"

	"github.com/hydrosense/gateway/internal/readings"
)

var t0 = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func rd(sensor string, tds float64, minute int) readings.Reading {
	return readings.Reading{
		TDS:        readings.Float(tds),
		Timestamp:  t0.Add(time.Duration(minute) * time.Minute),
		SensorID:   sensor,
		SensorName: "Probe " + sensor,
	}
}

func TestApplyDerivesRisk(t *testing.T) {
	s := New()
	s.Apply(rd("A", 1200, 1))
	s.Apply(rd("B", 3200, 2))

	a, _ := s.Sensor("A")
	b, _ := s.Sensor("B")
	if a.RiskLevel != readings.RiskLow {
		t.Errorf("A risk = %s, want low", a.RiskLevel)
	}
	if b.RiskLevel != readings.RiskHigh {
		t.Errorf("B risk = %s, want high", b.RiskLevel)
	}

	latest, ok := s.Latest()
	if !ok || latest.SensorID != "B" {
		t.Errorf("latest = %+v", latest)
	}
}

func TestApplyHistory(t *testing.T) {
	s := New()
	if !s.Apply(rd("A", 100, 5)) {
		t.Fatal("first reading not applied")
	}
	if s.Apply(rd("A", 999, 5)) {
		t.Error("duplicate timestamp applied")
	}
	// An older reading lands in history but does not replace the latest.
	s.Apply(rd("A", 2000, 1))
	a, _ := s.Sensor("A")
	if len(a.DataPoints) != 2 || *a.Latest.TDS != 100 {
		t.Fatalf("sensor = %+v", a)
	}
	if !a.DataPoints[0].Timestamp.Before(a.DataPoints[1].Timestamp) {
		t.Error("history not sorted")
	}

	if s.Apply(readings.Reading{SensorID: "A", Timestamp: t0}) {
		t.Error("meaningless reading applied")
	}
}

func TestRestampedHistoryNotDuplicated(t *testing.T) {
	s := New()
	local := rd("A", 1200, 0)
	local.ID = "q-1"
	if !s.Apply(local) {
		t.Fatal("local reading not applied")
	}

	echoed := local
	echoed.Timestamp = local.Timestamp.Add(90 * time.Second)
	other := rd("A", 1300, 5)
	if n := s.Merge([]readings.Reading{echoed, other}); n != 1 {
		t.Errorf("merged %d, want 1", n)
	}
	a, _ := s.Sensor("A")
	if len(a.DataPoints) != 2 {
		t.Fatalf("data points = %d, want 2", len(a.DataPoints))
	}
	if a.DataPoints[0].ID != "q-1" {
		t.Errorf("first point id = %q", a.DataPoints[0].ID)
	}
}

func TestHistoryCapped(t *testing.T) {
	s := New()
	batch := make([]readings.Reading, 0, MaxDataPoints+30)
	for i := 0; i < MaxDataPoints+30; i++ {
		batch = append(batch, rd("A", float64(i), i))
	}
	if n := s.Merge(batch); n != MaxDataPoints+30 {
		t.Errorf("merged = %d", n)
	}
	a, _ := s.Sensor("A")
	if len(a.DataPoints) != MaxDataPoints {
		t.Fatalf("history = %d, want %d", len(a.DataPoints), MaxDataPoints)
	}
	if *a.DataPoints[0].TDS != 30 {
		t.Errorf("oldest kept = %v, want 30", *a.DataPoints[0].TDS)
	}
}

func TestFilterAndSelect(t *testing.T) {
	s := New()
	s.Apply(rd("A", 1200, 1))
	s.Apply(rd("B", 2000, 1))
	s.Apply(rd("C", 3500, 1))

	if got := len(s.Sensors()); got != 3 {
		t.Fatalf("unfiltered = %d", got)
	}
	s.SetFilter([]readings.RiskLevel{readings.RiskHigh})
	got := s.Sensors()
	if len(got) != 1 || got[0].ID != "C" {
		t.Errorf("high only = %+v", got)
	}
	if on := s.ToggleRisk(readings.RiskLow); !on {
		t.Error("toggle should enable low")
	}
	if f := s.Filter(); fmt.Sprint(f) != "[low high]" {
		t.Errorf("filter = %v", f)
	}

	if err := s.Select("nope"); err == nil {
		t.Error("selecting unknown sensor should fail")
	}
	if err := s.Select("B"); err != nil {
		t.Fatal(err)
	}
	if sel, ok := s.Selected(); !ok || sel.ID != "B" {
		t.Errorf("selected = %+v", sel)
	}
	s.Select("")
	if _, ok := s.Selected(); ok {
		t.Error("selection not cleared")
	}
}

func TestStats(t *testing.T) {
	s := New()
	if st := s.Stats(); st.Count != 0 || st.AvgTDS != nil {
		t.Errorf("empty stats = %+v", st)
	}

	for i, v := range []float64{1000, 2000, 3000} {
		s.Apply(rd(fmt.Sprintf("S%d", i), v, 0))
	}
	s.Apply(readings.Reading{Moisture: readings.Float(30), SensorID: "M", Timestamp: t0})

	st := s.Stats()
	if st.Count != 4 {
		t.Errorf("count = %d, want 4", st.Count)
	}
	if *st.AvgTDS != 2000 || *st.MaxTDS != 3000 || *st.MinTDS != 1000 {
		t.Errorf("stats = avg %v max %v min %v", *st.AvgTDS, *st.MaxTDS, *st.MinTDS)
	}
	wantStd := math.Sqrt(2e6 / 3)
	if math.Abs(*st.StdTDS-wantStd) > 1e-9 {
		t.Errorf("std = %v, want %v", *st.StdTDS, wantStd)
	}
}

func TestIndicators(t *testing.T) {
	tests := []struct {
		name         string
		tds          []float64
		wantSinkhole readings.RiskLevel
		wantPct      int
		wantSalinity string
	}{
		{"none", nil, readings.RiskLow, 0, SalinityNormal},
		{"all low", []float64{1000, 1100}, readings.RiskLow, 0, SalinityNormal},
		{"one of five high", []float64{1000, 1000, 1000, 1000, 3000}, readings.RiskMedium, 20, SalinityNormal},
		{"half high", []float64{2000, 3100}, readings.RiskHigh, 50, SalinityHigh},
		{"medium salinity", []float64{1900, 2000}, readings.RiskLow, 0, SalinityMedium},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := New()
			for i, v := range tt.tds {
				s.Apply(rd(fmt.Sprintf("S%d", i), v, 0))
			}
			ind := s.Indicators()
			if ind.SinkholeRisk != tt.wantSinkhole || ind.HighRiskPct != tt.wantPct || ind.Salinity != tt.wantSalinity {
				t.Errorf("indicators = %+v", ind)
			}
			if ind.SinkholeMeter < 10 {
				t.Errorf("meter = %d, floor is 10", ind.SinkholeMeter)
			}
		})
	}
}

func TestIndicatorsFallBackToAllSensors(t *testing.T) {
	s := New()
	s.Apply(rd("A", 1900, 0))
	s.Apply(rd("B", 2000, 0))
	s.SetFilter(nil)

	ind := s.Indicators()
	if ind.Salinity != SalinityMedium {
		t.Errorf("salinity = %s, want medium from the unfiltered mean", ind.Salinity)
	}
	if ind.HighRiskPct != 0 {
		t.Errorf("high pct = %d, want 0 with nothing visible", ind.HighRiskPct)
	}
}

func TestStatus(t *testing.T) {
	s := New()
	s.SetClock(func() time.Time { return t0 })
	s.SetStatus("sent %d of %d", 2, 3)
	st := s.Status()
	if st.Message != "sent 2 of 3" || !st.At.Equal(t0) {
		t.Errorf("status = %+v", st)
	}
}
