package readings

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"
)

const (
	FieldSerialNumber = "serial_number"
	FieldName         = "name"
	FieldOwner        = "owner"
	FieldTimestamp    = "timestamp"
	FieldLatitude     = "latitude"
	FieldLongitude    = "longitude"
	FieldTemperature  = "temperature"
	FieldMoisture     = "moisture"
	FieldPH           = "ph"
	FieldEC           = "ec"
	FieldNitrogen     = "nitrogen"
	FieldPhosphorus   = "phosphorus"
	FieldPotassium    = "potassium"
)

// fieldSources maps each canonical field to the backend keys that may carry it, in priority order.
// The backend has used several spellings over time; this table is the only place they are resolved.
var fieldSources = map[string][]string{
	FieldSerialNumber: {"serial_number", "serialNumber", "serial", "device_serial"},
	FieldName:         {"name", "display_name", "displayName"},
	FieldOwner:        {"owner", "owner_name", "ownerName"},
	FieldTimestamp:    {"timestamp", "created_at", "createdAt", "recorded_at", "time"},
	FieldLatitude:     {"latitude", "lat"},
	FieldLongitude:    {"longitude", "lng", "lon", "long"},
	FieldTemperature:  {"temperature", "soil_temperature", "temp"},
	FieldMoisture:     {"moisture", "soil_moisture", "humidity"},
	FieldPH:           {"ph", "pH", "soil_ph"},
	FieldEC:           {"ec", "electrical_conductivity", "conductivity"},
	FieldNitrogen:     {"nitrogen", "n"},
	FieldPhosphorus:   {"phosphorus", "p"},
	FieldPotassium:    {"potassium", "k"},
}

func lookup(raw map[string]any, canonical string) (any, bool) {
	for _, k := range fieldSources[canonical] {
		if v, ok := raw[k]; ok && v != nil {
			return v, true
		}
	}
	return nil, false
}

// Text resolves a canonical field to its first non-blank string value, trimmed.
func Text(raw map[string]any, canonical string) string {
	for _, k := range fieldSources[canonical] {
		if s := strings.TrimSpace(toString(raw[k])); s != "" {
			return s
		}
	}
	return ""
}

// FromRaw converts a loosely-typed backend payload into a Snapshot. fallbackSerial is used when the
// payload does not name its device (the per-device endpoints usually omit it).
func FromRaw(raw map[string]any, fallbackSerial string) Snapshot {
	s := Snapshot{SerialNumber: fallbackSerial}
	if serial := Text(raw, FieldSerialNumber); serial != "" {
		s.SerialNumber = serial
	}
	if v, ok := lookup(raw, FieldTimestamp); ok {
		if ts, ok := toTime(v); ok {
			s.Timestamp = ts
		}
	}
	s.Latitude = number(raw, FieldLatitude)
	s.Longitude = number(raw, FieldLongitude)
	s.Temperature = number(raw, FieldTemperature)
	s.Moisture = number(raw, FieldMoisture)
	s.PH = number(raw, FieldPH)
	s.EC = number(raw, FieldEC)
	s.Nitrogen = number(raw, FieldNitrogen)
	s.Phosphorus = number(raw, FieldPhosphorus)
	s.Potassium = number(raw, FieldPotassium)
	return s
}

func number(raw map[string]any, canonical string) *float64 {
	v, ok := lookup(raw, canonical)
	if !ok {
		return nil
	}
	f, ok := toFloat(v)
	if !ok {
		return nil
	}
	return &f
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		return f, err == nil
	default:
		return 0, false
	}
}

func toString(v any) string {
	switch s := v.(type) {
	case string:
		return s
	case json.Number:
		return s.String()
	case float64:
		return strconv.FormatFloat(s, 'f', -1, 64)
	default:
		return ""
	}
}

var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02 15:04:05-07",
}

func toTime(v any) (time.Time, bool) {
	switch t := v.(type) {
	case time.Time:
		return t.UTC(), true
	case string:
		t = strings.TrimSpace(t)
		for _, layout := range timeLayouts {
			if ts, err := time.Parse(layout, t); err == nil {
				return ts.UTC(), true
			}
		}
		return time.Time{}, false
	default:
		// Numeric timestamps are epoch milliseconds.
		ms, ok := toFloat(v)
		if !ok {
			return time.Time{}, false
		}
		return time.UnixMilli(int64(ms)).UTC(), true
	}
}
