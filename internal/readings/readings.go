package readings

import (
	"errors"
	"sort"
	"strings"
	"time"
)

// ErrNoReadings is returned by sources when a device has never reported.
var ErrNoReadings = errors.New("device has no readings")

// Device is the stable identity of a soil sensor. SerialNumber is the primary key.
type Device struct {
	SerialNumber string  `json:"serial_number"`
	Name         *string `json:"name,omitempty"`
	Owner        *string `json:"owner,omitempty"`
}

// DisplayName returns the trimmed device name, or the serial number when no usable name is set.
func (d Device) DisplayName() string {
	if d.Name != nil {
		if n := strings.TrimSpace(*d.Name); n != "" {
			return n
		}
	}
	return d.SerialNumber
}

// Snapshot is a point-in-time reading reported by one device. Channels the backend did not report
// are nil.
type Snapshot struct {
	SerialNumber string    `json:"serial_number"`
	Timestamp    time.Time `json:"timestamp"`
	Latitude     *float64  `json:"latitude,omitempty"`
	Longitude    *float64  `json:"longitude,omitempty"`
	Temperature  *float64  `json:"temperature,omitempty"`
	Moisture     *float64  `json:"moisture,omitempty"`
	PH           *float64  `json:"ph,omitempty"`
	EC           *float64  `json:"ec,omitempty"`
	Nitrogen     *float64  `json:"nitrogen,omitempty"`
	Phosphorus   *float64  `json:"phosphorus,omitempty"`
	Potassium    *float64  `json:"potassium,omitempty"`
}

// HasLocation reports whether the snapshot carries a usable WGS84 coordinate pair.
func (s Snapshot) HasLocation() bool {
	if s.Latitude == nil || s.Longitude == nil {
		return false
	}
	lat, lng := *s.Latitude, *s.Longitude
	return lat >= -90 && lat <= 90 && lng >= -180 && lng <= 180
}

// Newest returns the snapshot with the latest timestamp. Ties keep the earlier element, which
// matches the most-recent-first order the backend returns.
func Newest(snaps []Snapshot) (Snapshot, bool) {
	if len(snaps) == 0 {
		return Snapshot{}, false
	}
	best := snaps[0]
	for _, s := range snaps[1:] {
		if s.Timestamp.After(best.Timestamp) {
			best = s
		}
	}
	return best, true
}

// SortNewestFirst orders snapshots most-recent-first in place.
func SortNewestFirst(snaps []Snapshot) {
	sort.SliceStable(snaps, func(i, j int) bool {
		return snaps[i].Timestamp.After(snaps[j].Timestamp)
	})
}
