package readings

import (
	"encoding/json"
	"testing"
	"time"
)

func TestFromRaw_ResolvesAlternateFieldNames(t *testing.T) {
	raw := map[string]any{
		"created_at":              "2025-03-01T10:00:00Z",
		"lat":                     "44.81",
		"lng":                     20.46,
		"electrical_conductivity": 1.7,
		"soil_moisture":           json.Number("31.5"),
		"pH":                      6.4,
		"n":                       12,
	}

	s := FromRaw(raw, "SN-1")

	if s.SerialNumber != "SN-1" {
		t.Fatalf("expected fallback serial, got %q", s.SerialNumber)
	}
	if !s.Timestamp.Equal(time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)) {
		t.Fatalf("unexpected timestamp %v", s.Timestamp)
	}
	if s.Latitude == nil || *s.Latitude != 44.81 {
		t.Fatalf("expected latitude from string, got %v", s.Latitude)
	}
	if s.EC == nil || *s.EC != 1.7 {
		t.Fatalf("expected ec from electrical_conductivity, got %v", s.EC)
	}
	if s.Moisture == nil || *s.Moisture != 31.5 {
		t.Fatalf("expected moisture from soil_moisture, got %v", s.Moisture)
	}
	if s.PH == nil || *s.PH != 6.4 {
		t.Fatalf("expected ph, got %v", s.PH)
	}
	if s.Nitrogen == nil || *s.Nitrogen != 12 {
		t.Fatalf("expected nitrogen, got %v", s.Nitrogen)
	}
	if s.Temperature != nil {
		t.Fatalf("expected temperature to be absent, got %v", *s.Temperature)
	}
	if !s.HasLocation() {
		t.Fatalf("expected location")
	}
}

func TestFromRaw_PrefersCanonicalKey(t *testing.T) {
	s := FromRaw(map[string]any{"ec": 2.0, "electrical_conductivity": 9.0, "serialNumber": "SN-9"}, "")
	if s.EC == nil || *s.EC != 2.0 {
		t.Fatalf("expected canonical ec to win, got %v", s.EC)
	}
	if s.SerialNumber != "SN-9" {
		t.Fatalf("expected payload serial, got %q", s.SerialNumber)
	}
}

func TestText_ResolvesAliasesInOrder(t *testing.T) {
	raw := map[string]any{
		"serial_number": "  ",
		"device_serial": " SN-7 ",
		"displayName":   "Orchard",
		"owner_name":    json.Number("42"),
	}
	if got := Text(raw, FieldSerialNumber); got != "SN-7" {
		t.Fatalf("expected blank canonical serial to fall through to device_serial, got %q", got)
	}
	if got := Text(raw, FieldName); got != "Orchard" {
		t.Fatalf("expected displayName alias, got %q", got)
	}
	if got := Text(raw, FieldOwner); got != "42" {
		t.Fatalf("expected numeric owner rendered as text, got %q", got)
	}
	if got := Text(raw, "unknown_field"); got != "" {
		t.Fatalf("expected unknown field to resolve empty, got %q", got)
	}
}

func TestFromRaw_IgnoresGarbageNumbers(t *testing.T) {
	s := FromRaw(map[string]any{"latitude": "n/a", "longitude": 20.0}, "SN-1")
	if s.Latitude != nil {
		t.Fatalf("expected nil latitude, got %v", *s.Latitude)
	}
	if s.HasLocation() {
		t.Fatalf("expected no location")
	}
}

func TestHasLocation_RejectsOutOfRange(t *testing.T) {
	lat, lng := 91.0, 10.0
	if (Snapshot{Latitude: &lat, Longitude: &lng}).HasLocation() {
		t.Fatalf("expected out-of-range latitude to be rejected")
	}
}

func TestNewest(t *testing.T) {
	t0 := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	snaps := []Snapshot{
		{SerialNumber: "a", Timestamp: t0},
		{SerialNumber: "b", Timestamp: t0.Add(time.Minute)},
		{SerialNumber: "c", Timestamp: t0.Add(time.Minute)},
	}
	got, ok := Newest(snaps)
	if !ok || got.SerialNumber != "b" {
		t.Fatalf("expected b, got %+v ok=%v", got, ok)
	}
	if _, ok := Newest(nil); ok {
		t.Fatalf("expected ok=false for empty input")
	}
}

func TestDisplayName(t *testing.T) {
	blank := "  "
	name := " North field "
	if got := (Device{SerialNumber: "SN-1", Name: &blank}).DisplayName(); got != "SN-1" {
		t.Fatalf("expected serial fallback, got %q", got)
	}
	if got := (Device{SerialNumber: "SN-1", Name: &name}).DisplayName(); got != "North field" {
		t.Fatalf("expected trimmed name, got %q", got)
	}
}

func TestHealth(t *testing.T) {
	now := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	if got := Health(now, time.Time{}, 0); got != HealthNoData {
		t.Fatalf("expected no_data, got %q", got)
	}
	if got := Health(now, now.Add(-10*time.Minute), 0); got != HealthOnline {
		t.Fatalf("expected online, got %q", got)
	}
	if got := Health(now, now.Add(-31*time.Minute), 0); got != HealthOffline {
		t.Fatalf("expected offline, got %q", got)
	}
	if got := Health(now, now.Add(-10*time.Minute), 5*time.Minute); got != HealthOffline {
		t.Fatalf("expected offline with custom threshold, got %q", got)
	}
}
