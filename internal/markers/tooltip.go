package markers

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"soilmap/core-go/internal/locations"
)

// TooltipFunc renders the tooltip content bound to a device marker.
type TooltipFunc func(loc locations.DeviceLocation) string

// DefaultTooltip lists the device name, serial number, reading time and every reported channel.
func DefaultTooltip(loc locations.DeviceLocation) string {
	var sb strings.Builder
	sb.WriteString(loc.Device.DisplayName())
	if loc.Device.DisplayName() != loc.Device.SerialNumber {
		fmt.Fprintf(&sb, " (%s)", loc.Device.SerialNumber)
	}

	r := loc.LastReading
	if !r.Timestamp.IsZero() {
		sb.WriteString("\nLast reading: ")
		sb.WriteString(r.Timestamp.UTC().Format(time.RFC3339))
	}

	channels := []struct {
		label string
		value *float64
		unit  string
	}{
		{"Temperature", r.Temperature, "°C"},
		{"Moisture", r.Moisture, "%"},
		{"pH", r.PH, ""},
		{"EC", r.EC, "mS/cm"},
		{"N", r.Nitrogen, "mg/kg"},
		{"P", r.Phosphorus, "mg/kg"},
		{"K", r.Potassium, "mg/kg"},
	}
	for _, ch := range channels {
		if ch.value == nil {
			continue
		}
		sb.WriteString("\n")
		sb.WriteString(ch.label)
		sb.WriteString(": ")
		sb.WriteString(strconv.FormatFloat(*ch.value, 'f', -1, 64))
		if ch.unit != "" {
			sb.WriteString(" ")
			sb.WriteString(ch.unit)
		}
	}
	return sb.String()
}
