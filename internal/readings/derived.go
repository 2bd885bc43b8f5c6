package readings

import "math"

// RiskLevel is the three-tier salinity classification shown on the dashboard.
type RiskLevel string

const (
	RiskLow    RiskLevel = "low"
	RiskMedium RiskLevel = "medium"
	RiskHigh   RiskLevel = "high"
)

// TDS thresholds (ppm) separating the risk tiers.
const (
	MediumRiskTDS = 1500.0
	HighRiskTDS   = 3000.0
)

// AllRiskLevels lists the tiers from lowest to highest.
var AllRiskLevels = []RiskLevel{RiskLow, RiskMedium, RiskHigh}

// DeriveRiskLevel classifies a TDS value:
//  1. below 1500 ppm (or unknown) → low
//  2. below 3000 ppm → medium
//  3. otherwise → high
func DeriveRiskLevel(tds *float64) RiskLevel {
	if !finite(tds) || *tds < MediumRiskTDS {
		return RiskLow
	}
	if *tds < HighRiskTDS {
		return RiskMedium
	}
	return RiskHigh
}

// ParseRiskLevel maps a string onto a known level.
func ParseRiskLevel(s string) (RiskLevel, bool) {
	for _, l := range AllRiskLevels {
		if string(l) == s {
			return l, true
		}
	}
	return "", false
}

// Changed returns true if cur differs from prev beyond tolerated jitter. ID and
// Timestamp are ignored, and location moves under 10 m count as unchanged.
func Changed(prev, cur *Reading) bool {
	if prev == nil && cur == nil {
		return false
	}
	if prev == nil || cur == nil {
		return true
	}

	if prev.SensorID != cur.SensorID || prev.SensorName != cur.SensorName {
		return true
	}
	if !sameFloat(prev.TDS, cur.TDS) ||
		!sameFloat(prev.Moisture, cur.Moisture) ||
		!sameFloat(prev.Temperature, cur.Temperature) {
		return true
	}

	if prev.HasLocation() != cur.HasLocation() {
		return true
	}
	if prev.HasLocation() {
		const distThr = 10.0 // metres
		if haversineMeters(*prev.Lat, *prev.Lon, *cur.Lat, *cur.Lon) >= distThr {
			return true
		}
	}
	return false
}

func sameFloat(a, b *float64) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

func haversineMeters(lat1, lon1, lat2, lon2 float64) float64 {
	const r = 6371000.0 // Earth radius in metres
	dLat := toRad(lat2 - lat1)
	dLon := toRad(lon2 - lon1)

	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(toRad(lat1))*math.Cos(toRad(lat2))*
			math.Sin(dLon/2)*math.Sin(dLon/2)
	return r * 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
}

func toRad(deg float64) float64 { return deg * math.Pi / 180 }
