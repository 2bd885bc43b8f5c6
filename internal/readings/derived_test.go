package readings

import (
	"fmt"
	"testing"
)

func TestDeriveRiskLevel(t *testing.T) {
	tests := []struct {
		tds  *float64
		want RiskLevel
	}{
		{nil, RiskLow},
		{Float(0), RiskLow},
		{Float(1200), RiskLow},
		{Float(1499.9), RiskLow},
		{Float(1500), RiskMedium},
		{Float(2999), RiskMedium},
		{Float(3000), RiskHigh},
		{Float(3200), RiskHigh},
	}

	for _, tt := range tests {
		if got := DeriveRiskLevel(tt.tds); got != tt.want {
			v := "nil"
			if tt.tds != nil {
				v = fmt.Sprint(*tt.tds)
			}
			t.Errorf("DeriveRiskLevel(%s) = %s, want %s", v, got, tt.want)
		}
	}
}

func TestChanged(t *testing.T) {
	base := &Reading{SensorID: "S1", TDS: Float(1000), Lat: Float(38.72690), Lon: Float(32.48290)}

	tests := []struct {
		name string
		prev *Reading
		cur  *Reading
		want bool
	}{
		{"both nil", nil, nil, false},
		{"first", nil, base, true},
		{"same values new id", base, &Reading{ID: "x", SensorID: "S1", TDS: Float(1000), Lat: Float(38.72690), Lon: Float(32.48290)}, false},
		{"tds moved", base, &Reading{SensorID: "S1", TDS: Float(1001), Lat: Float(38.72690), Lon: Float(32.48290)}, true},
		{"gps jitter", base, &Reading{SensorID: "S1", TDS: Float(1000), Lat: Float(38.72691), Lon: Float(32.48291)}, false},
		{"moved 1km", base, &Reading{SensorID: "S1", TDS: Float(1000), Lat: Float(38.7359), Lon: Float(32.48290)}, true},
		{"location dropped", base, &Reading{SensorID: "S1", TDS: Float(1000)}, true},
		{"other sensor", base, &Reading{SensorID: "S2", TDS: Float(1000), Lat: Float(38.72690), Lon: Float(32.48290)}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Changed(tt.prev, tt.cur); got != tt.want {
				t.Errorf("Changed() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestMeaningful(t *testing.T) {
	if (&Reading{}).Meaningful() {
		t.Error("empty reading reported meaningful")
	}
	var nilReading *Reading
	if nilReading.Meaningful() {
		t.Error("nil reading reported meaningful")
	}
	if !(&Reading{Temperature: Float(0)}).Meaningful() {
		t.Error("zero temperature is a valid measurement")
	}
}
