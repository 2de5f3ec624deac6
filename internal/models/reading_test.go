// internal/models/reading_test.go
package models

import (
	"encoding/json"
	"testing"
	"time"
)

func TestParseTag(t *testing.T) {
	raw := json.RawMessage(`{
		"id": "C5:3A:11:22:33:44",
		"updateAt": "2024-01-15T10:30:00.000+0200",
		"temperature": 21.5,
		"humidity": 40.25,
		"pressure": 101325,
		"voltage": 2.95,
		"rssi": -71,
		"movementCounter": 12,
		"txPower": 4,
		"measurementSequenceNumber": 4242,
		"dataFormat": 5,
		"name": "Bedroom"
	}`)

	tag, err := ParseTag(raw)
	if err != nil {
		t.Fatalf("ParseTag failed: %v", err)
	}

	if tag.ID != "C5:3A:11:22:33:44" {
		t.Errorf("ID = %q", tag.ID)
	}
	if tag.Temperature == nil || *tag.Temperature != 21.5 {
		t.Errorf("Temperature = %v, want 21.5", tag.Temperature)
	}
	if tag.RSSI == nil || *tag.RSSI != -71.0 {
		t.Errorf("RSSI = %v, want -71", tag.RSSI)
	}
	if tag.AccelX != nil {
		t.Errorf("AccelX = %v, want nil", *tag.AccelX)
	}
	if tag.DisplayName() != "Bedroom" {
		t.Errorf("DisplayName() = %q, want Bedroom", tag.DisplayName())
	}
}

func TestParseTag_FractionalCounters(t *testing.T) {
	raw := json.RawMessage(`{
		"id": "aa",
		"updateAt": "2024-01-15T10:30:00Z",
		"rssi": -71.5,
		"movementCounter": 12.0,
		"measurementSequenceNumber": 4242.4,
		"dataFormat": 5
	}`)

	tag, err := ParseTag(raw)
	if err != nil {
		t.Fatalf("fractional counters must not invalidate the tag: %v", err)
	}
	reading := NewSensorReading(tag, time.Date(2024, 1, 15, 10, 30, 0, 0, time.UTC), raw)

	tests := []struct {
		name string
		got  *int64
		want int64
	}{
		{"rssi", reading.RSSI, -72},
		{"movement counter", reading.MovementCounter, 12},
		{"sequence", reading.MeasurementSequence, 4242},
		{"data format", reading.DataFormat, 5},
	}
	for _, tt := range tests {
		if tt.got == nil || *tt.got != tt.want {
			t.Errorf("%s = %v, want %d", tt.name, tt.got, tt.want)
		}
	}
	if string(reading.RawPayload) != string(raw) {
		t.Error("raw payload must keep the values as received")
	}
}

func TestRoundCount_OutOfRange(t *testing.T) {
	huge := 1e20
	if got := roundCount(&huge); got != nil {
		t.Errorf("roundCount(1e20) = %d, want nil", *got)
	}
	if got := roundCount(nil); got != nil {
		t.Errorf("roundCount(nil) = %d, want nil", *got)
	}
}

func TestParseTag_WrongType(t *testing.T) {
	_, err := ParseTag(json.RawMessage(`{"id": "a", "updateAt": "2024-01-15T10:30:00Z", "temperature": "warm"}`))
	if err == nil {
		t.Fatal("Expected error for non-numeric temperature")
	}
}

func TestTag_MeasuredAt(t *testing.T) {
	want := time.Date(2024, 1, 15, 8, 30, 0, 0, time.UTC)

	tests := []struct {
		name     string
		updateAt string
		wantErr  bool
	}{
		{name: "RFC3339 with offset", updateAt: "2024-01-15T10:30:00+02:00"},
		{name: "RFC3339 UTC", updateAt: "2024-01-15T08:30:00Z"},
		{name: "millis with compact offset", updateAt: "2024-01-15T10:30:00.000+0200"},
		{name: "compact offset", updateAt: "2024-01-15T10:30:00+0200"},
		{name: "no zone", updateAt: "2024-01-15T08:30:00"},
		{name: "empty", updateAt: "", wantErr: true},
		{name: "garbage", updateAt: "yesterday", wantErr: true},
		{name: "invalid date", updateAt: "2024-13-45T10:30:00Z", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tag := Tag{ID: "dev", UpdateAt: tt.updateAt}
			got, err := tag.MeasuredAt()
			if tt.wantErr {
				if err == nil {
					t.Errorf("MeasuredAt() expected error, got %v", got)
				}
				return
			}
			if err != nil {
				t.Fatalf("MeasuredAt() unexpected error: %v", err)
			}
			if !got.Equal(want) {
				t.Errorf("MeasuredAt() = %v, want %v", got, want)
			}
			if got.Location() != time.UTC {
				t.Errorf("MeasuredAt() location = %v, want UTC", got.Location())
			}
		})
	}
}

func TestTag_DisplayName_Fallback(t *testing.T) {
	blank := "   "
	tests := []struct {
		name string
		tag  Tag
	}{
		{name: "no name", tag: Tag{ID: "a"}},
		{name: "blank name", tag: Tag{ID: "a", Name: &blank}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.tag.DisplayName(); got != DefaultDisplayName {
				t.Errorf("DisplayName() = %q, want %q", got, DefaultDisplayName)
			}
		})
	}
}

func TestNewSensorReading(t *testing.T) {
	temp := 22.5
	voltage := 3.01
	tag := &Tag{ID: "dev-01", Temperature: &temp, Voltage: &voltage}
	raw := json.RawMessage(`{"id":"dev-01"}`)
	at := time.Date(2024, 1, 1, 12, 0, 0, 0, time.FixedZone("EET", 2*3600))

	reading := NewSensorReading(tag, at, raw)

	if reading.DeviceID != "dev-01" {
		t.Errorf("DeviceID = %q", reading.DeviceID)
	}
	if reading.MeasuredAt.Location() != time.UTC {
		t.Error("MeasuredAt should be normalised to UTC")
	}
	if !reading.MeasuredAt.Equal(at) {
		t.Errorf("MeasuredAt = %v, want %v", reading.MeasuredAt, at)
	}
	if reading.BatteryVoltage == nil || *reading.BatteryVoltage != 3.01 {
		t.Errorf("BatteryVoltage = %v, want 3.01", reading.BatteryVoltage)
	}
	if reading.IsOutlier || reading.OutlierReason != nil {
		t.Error("New reading should not be flagged")
	}
	if string(reading.RawPayload) != `{"id":"dev-01"}` {
		t.Errorf("RawPayload = %s", reading.RawPayload)
	}
}

func TestSensorReading_MarkOutlier(t *testing.T) {
	reading := &SensorReading{DeviceID: "dev-01"}

	reading.MarkOutlier("humidity_out_of_range")
	if !reading.IsOutlier {
		t.Error("IsOutlier should be true")
	}
	if reading.OutlierReason == nil || *reading.OutlierReason != "humidity_out_of_range" {
		t.Errorf("OutlierReason = %v", reading.OutlierReason)
	}

	reading.MarkOutlier("")
	if reading.IsOutlier || reading.OutlierReason != nil {
		t.Error("Empty reason should clear the flag and the reason")
	}
}
