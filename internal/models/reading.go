package models

import (
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"time"
)

// Tag is a single record inside a gateway batch, as the gateway app sends it.
// Every measurement is optional; only id and updateAt are required. Counters
// are decoded as numbers of any form and rounded when the row is built.
type Tag struct {
	ID                        string   `json:"id"`
	UpdateAt                  string   `json:"updateAt"`
	Temperature               *float64 `json:"temperature,omitempty"`
	Humidity                  *float64 `json:"humidity,omitempty"`
	Pressure                  *float64 `json:"pressure,omitempty"`
	Voltage                   *float64 `json:"voltage,omitempty"`
	RSSI                      *float64 `json:"rssi,omitempty"`
	MovementCounter           *float64 `json:"movementCounter,omitempty"`
	TxPower                   *float64 `json:"txPower,omitempty"`
	AccelX                    *float64 `json:"accelX,omitempty"`
	AccelY                    *float64 `json:"accelY,omitempty"`
	AccelZ                    *float64 `json:"accelZ,omitempty"`
	MeasurementSequenceNumber *float64 `json:"measurementSequenceNumber,omitempty"`
	DataFormat                *float64 `json:"dataFormat,omitempty"`
	Name                      *string  `json:"name,omitempty"`
}

// timestampLayouts are the formats gateways have been seen to send in updateAt
var timestampLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05.000-0700",
	"2006-01-02T15:04:05-0700",
	"2006-01-02T15:04:05.000Z0700",
	"2006-01-02 15:04:05Z07:00",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
}

// ParseTag decodes one raw tag. The raw bytes are kept by the caller for forensics.
func ParseTag(raw json.RawMessage) (*Tag, error) {
	var tag Tag
	if err := json.Unmarshal(raw, &tag); err != nil {
		return nil, fmt.Errorf("invalid tag: %w", err)
	}
	return &tag, nil
}

// MeasuredAt parses updateAt into an instant. Layouts without a zone are read as UTC.
func (t *Tag) MeasuredAt() (time.Time, error) {
	s := strings.TrimSpace(t.UpdateAt)
	if s == "" {
		return time.Time{}, fmt.Errorf("updateAt is empty")
	}
	for _, layout := range timestampLayouts {
		if ts, err := time.Parse(layout, s); err == nil {
			return ts.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unable to parse updateAt: %q", s)
}

// DisplayName returns the name a new device is registered under
func (t *Tag) DisplayName() string {
	if t.Name != nil && strings.TrimSpace(*t.Name) != "" {
		return *t.Name
	}
	return DefaultDisplayName
}

// SensorReading is one stored measurement from one physical sensor.
// Pressure is in Pa as received from the gateway.
type SensorReading struct {
	ID                  int64           `db:"id" json:"id"`
	DeviceID            string          `db:"device_id" json:"device_id"`
	MeasuredAt          time.Time       `db:"measured_at" json:"measured_at"`
	Temperature         *float64        `db:"temperature" json:"temperature"`
	Humidity            *float64        `db:"humidity" json:"humidity"`
	Pressure            *float64        `db:"pressure" json:"pressure"`
	BatteryVoltage      *float64        `db:"battery_voltage" json:"battery_voltage"`
	RSSI                *int64          `db:"rssi" json:"rssi"`
	MovementCounter     *int64          `db:"movement_counter" json:"movement_counter"`
	TxPower             *float64        `db:"tx_power" json:"tx_power"`
	AccelX              *float64        `db:"accel_x" json:"accel_x"`
	AccelY              *float64        `db:"accel_y" json:"accel_y"`
	AccelZ              *float64        `db:"accel_z" json:"accel_z"`
	MeasurementSequence *int64          `db:"measurement_sequence" json:"measurement_sequence"`
	DataFormat          *int64          `db:"data_format" json:"data_format"`
	SensorName          *string         `db:"sensor_name" json:"sensor_name"`
	IsOutlier           bool            `db:"is_outlier" json:"is_outlier"`
	OutlierReason       *string         `db:"outlier_reason" json:"outlier_reason"`
	RawPayload          json.RawMessage `db:"raw_payload" json:"raw_payload"`
	CreatedAt           time.Time       `db:"created_at" json:"created_at"`
}

// NewSensorReading builds the row for a tag. The verdict is unset (not an outlier).
func NewSensorReading(tag *Tag, measuredAt time.Time, raw json.RawMessage) *SensorReading {
	return &SensorReading{
		DeviceID:            tag.ID,
		MeasuredAt:          measuredAt.UTC(),
		Temperature:         tag.Temperature,
		Humidity:            tag.Humidity,
		Pressure:            tag.Pressure,
		BatteryVoltage:      tag.Voltage,
		RSSI:                roundCount(tag.RSSI),
		MovementCounter:     roundCount(tag.MovementCounter),
		TxPower:             tag.TxPower,
		AccelX:              tag.AccelX,
		AccelY:              tag.AccelY,
		AccelZ:              tag.AccelZ,
		MeasurementSequence: roundCount(tag.MeasurementSequenceNumber),
		DataFormat:          roundCount(tag.DataFormat),
		SensorName:          tag.Name,
		RawPayload:          raw,
	}
}

// roundCount converts a counter to an integer column value. Values outside
// the int64 range are dropped.
func roundCount(v *float64) *int64 {
	if v == nil {
		return nil
	}
	rounded := math.Round(*v)
	if rounded < math.MinInt64 || rounded >= math.MaxInt64 {
		return nil
	}
	n := int64(rounded)
	return &n
}

// MarkOutlier flags the reading. An empty reason clears the flag, so the
// reason is set iff the flag is.
func (r *SensorReading) MarkOutlier(reason string) {
	if reason == "" {
		r.IsOutlier = false
		r.OutlierReason = nil
		return
	}
	r.IsOutlier = true
	r.OutlierReason = &reason
}

// String returns the reading for log lines
func (r *SensorReading) String() string {
	return fmt.Sprintf("DeviceID: %s, MeasuredAt: %s, Temperature: %s, Humidity: %s, Outlier: %t",
		r.DeviceID,
		r.MeasuredAt.Format(time.RFC3339),
		formatOptional(r.Temperature),
		formatOptional(r.Humidity),
		r.IsOutlier)
}

func formatOptional(v *float64) string {
	if v == nil {
		return "n/a"
	}
	return fmt.Sprintf("%.2f", *v)
}
