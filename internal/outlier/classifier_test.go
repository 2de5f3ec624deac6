package outlier

import (
	"math"
	"testing"

	"github.com/afroash/climate-ingest/internal/models"
)

func f(v float64) *float64 { return &v }

func TestClassify_Bounds(t *testing.T) {
	for _, rule := range Rules() {
		rule := rule
		set := func(v float64) *models.SensorReading {
			r := &models.SensorReading{DeviceID: "dev"}
			switch rule.Field {
			case "temperature":
				r.Temperature = f(v)
			case "humidity":
				r.Humidity = f(v)
			case "pressure":
				r.Pressure = f(v)
			case "voltage":
				r.BatteryVoltage = f(v)
			default:
				t.Fatalf("unknown field %q", rule.Field)
			}
			return r
		}

		t.Run(rule.Field, func(t *testing.T) {
			tests := []struct {
				name    string
				value   float64
				outlier bool
			}{
				{"min inclusive", rule.Min, false},
				{"max inclusive", rule.Max, false},
				{"just below min", math.Nextafter(rule.Min, math.Inf(-1)), true},
				{"just above max", math.Nextafter(rule.Max, math.Inf(1)), true},
			}

			for _, tt := range tests {
				v := Classify(set(tt.value))
				if v.IsOutlier != tt.outlier {
					t.Errorf("%s (%v): IsOutlier = %v, want %v", tt.name, tt.value, v.IsOutlier, tt.outlier)
				}
				if tt.outlier && v.Reason != rule.Reason {
					t.Errorf("%s: Reason = %q, want %q", tt.name, v.Reason, rule.Reason)
				}
				if !tt.outlier && v.Reason != "" {
					t.Errorf("%s: Reason = %q, want empty", tt.name, v.Reason)
				}
			}
		})
	}
}

func TestClassify_FirstMatchWins(t *testing.T) {
	r := &models.SensorReading{
		Temperature:    f(25),
		Humidity:       f(150),
		BatteryVoltage: f(0.5),
	}

	v := Classify(r)
	if !v.IsOutlier || v.Reason != "humidity_out_of_range" {
		t.Errorf("Classify() = %+v, want humidity_out_of_range", v)
	}
}

func TestClassify_AbsentFieldsSkipped(t *testing.T) {
	v := Classify(&models.SensorReading{DeviceID: "dev"})
	if v.IsOutlier {
		t.Errorf("Empty reading should not be an outlier, got %+v", v)
	}
}

func TestApply(t *testing.T) {
	r := &models.SensorReading{Temperature: f(85)}

	Apply(r)
	if !r.IsOutlier || r.OutlierReason == nil || *r.OutlierReason != "temperature_out_of_range" {
		t.Errorf("Apply should flag reading, got outlier=%v reason=%v", r.IsOutlier, r.OutlierReason)
	}

	r.Temperature = f(20)
	Apply(r)
	if r.IsOutlier || r.OutlierReason != nil {
		t.Error("Apply should clear a stale verdict")
	}
}
