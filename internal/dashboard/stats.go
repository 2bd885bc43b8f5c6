package dashboard

import (
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"github.com/hydrosense/gateway/internal/readings"
)

// Stats summarizes TDS across the filtered sensors. Sensors without a TDS
// value count towards Count but not towards the TDS figures.
type Stats struct {
	Count  int      `json:"count"`
	AvgTDS *float64 `json:"avgTds"`
	MaxTDS *float64 `json:"maxTds"`
	MinTDS *float64 `json:"minTds"`
	StdTDS *float64 `json:"stdTds"`
}

// Stats computes Stats over Sensors().
func (s *State) Stats() Stats {
	return computeStats(s.Sensors())
}

func tdsValues(sensors []Sensor) []float64 {
	vals := make([]float64, 0, len(sensors))
	for _, sensor := range sensors {
		if sensor.Latest.TDS != nil {
			vals = append(vals, *sensor.Latest.TDS)
		}
	}
	return vals
}

func computeStats(sensors []Sensor) Stats {
	st := Stats{Count: len(sensors)}
	vals := tdsValues(sensors)
	if len(vals) == 0 {
		return st
	}

	mean, std := stat.PopMeanStdDev(vals, nil)
	maxV, minV := floats.Max(vals), floats.Min(vals)
	if math.IsNaN(std) {
		std = 0
	}
	st.AvgTDS = &mean
	st.MaxTDS = &maxV
	st.MinTDS = &minV
	st.StdTDS = &std
	return st
}

// Salinity classes.
const (
	SalinityNormal = "normal"
	SalinityMedium = "medium"
	SalinityHigh   = "high"
)

// Indicators are the farmer-facing summaries.
type Indicators struct {
	// Sinkhole risk from the share of high-risk sensors.
	SinkholeRisk  readings.RiskLevel `json:"sinkholeRisk"`
	HighRiskPct   int                `json:"highRiskPct"`
	SinkholeMeter int                `json:"sinkholeMeter"`

	// Salinity class from the mean TDS.
	Salinity      string  `json:"salinity"`
	AvgTDS        float64 `json:"avgTds"`
	SalinityMeter int     `json:"salinityMeter"`
}

// Indicators derives the summaries from the filtered sensors. The mean TDS
// falls back to all sensors when the filter hides every one of them.
func (s *State) Indicators() Indicators {
	filtered := s.Sensors()
	source := filtered
	if len(source) == 0 {
		source = s.SensorsMatching(readings.AllRiskLevels)
	}
	return computeIndicators(filtered, source)
}

func computeIndicators(filtered, tdsSource []Sensor) Indicators {
	var ind Indicators

	high := 0
	for _, sensor := range filtered {
		if sensor.RiskLevel == readings.RiskHigh {
			high++
		}
	}
	total := len(filtered)
	if total == 0 {
		total = 1
	}
	ind.HighRiskPct = int(math.Round(float64(high) / float64(total) * 100))
	switch {
	case ind.HighRiskPct >= 50:
		ind.SinkholeRisk = readings.RiskHigh
	case ind.HighRiskPct >= 20:
		ind.SinkholeRisk = readings.RiskMedium
	default:
		ind.SinkholeRisk = readings.RiskLow
	}
	ind.SinkholeMeter = min(100, max(10, ind.HighRiskPct))

	if vals := tdsValues(tdsSource); len(vals) > 0 {
		ind.AvgTDS = stat.Mean(vals, nil)
	}
	switch {
	case ind.AvgTDS > 2500:
		ind.Salinity, ind.SalinityMeter = SalinityHigh, 90
	case ind.AvgTDS > 1800:
		ind.Salinity, ind.SalinityMeter = SalinityMedium, 60
	default:
		ind.Salinity, ind.SalinityMeter = SalinityNormal, 30
	}
	return ind
}
