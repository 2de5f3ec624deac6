package outlier

import "github.com/afroash/climate-ingest/internal/models"

// Verdict is the result of classifying one reading
type Verdict struct {
	IsOutlier bool
	Reason    string
}

// Rule is one plausibility range. Bounds are inclusive.
type Rule struct {
	Field  string
	Min    float64
	Max    float64
	Reason string
	value  func(r *models.SensorReading) *float64
}

var rules = []Rule{
	{
		Field:  "temperature",
		Min:    -40,
		Max:    60,
		Reason: "temperature_out_of_range",
		value:  func(r *models.SensorReading) *float64 { return r.Temperature },
	},
	{
		Field:  "humidity",
		Min:    0,
		Max:    100,
		Reason: "humidity_out_of_range",
		value:  func(r *models.SensorReading) *float64 { return r.Humidity },
	},
	{
		Field:  "pressure",
		Min:    50000,
		Max:    115000,
		Reason: "pressure_out_of_range",
		value:  func(r *models.SensorReading) *float64 { return r.Pressure },
	},
	{
		Field:  "voltage",
		Min:    1.6,
		Max:    3.65,
		Reason: "voltage_out_of_range",
		value:  func(r *models.SensorReading) *float64 { return r.BatteryVoltage },
	},
}

// Rules returns a copy of the rule table in evaluation order
func Rules() []Rule {
	out := make([]Rule, len(rules))
	copy(out, rules)
	return out
}

// Classify checks the reading against the rules in order. Absent fields are
// skipped and the first violated rule decides the reason.
func Classify(r *models.SensorReading) Verdict {
	for _, rule := range rules {
		v := rule.value(r)
		if v == nil {
			continue
		}
		if *v < rule.Min || *v > rule.Max {
			return Verdict{IsOutlier: true, Reason: rule.Reason}
		}
	}
	return Verdict{}
}

// Apply classifies the reading and records the verdict on it
func Apply(r *models.SensorReading) Verdict {
	verdict := Classify(r)
	r.MarkOutlier(verdict.Reason)
	return verdict
}
