package readings

import "time"

const (
	HealthOnline  = "online"
	HealthOffline = "offline"
	HealthNoData  = "no_data"
)

// DefaultOfflineAfter is how old the newest reading may be before a device counts as offline.
const DefaultOfflineAfter = 30 * time.Minute

// Health classifies a device from the timestamp of its newest reading.
func Health(now, last time.Time, offlineAfter time.Duration) string {
	if last.IsZero() {
		return HealthNoData
	}
	if offlineAfter <= 0 {
		offlineAfter = DefaultOfflineAfter
	}
	if now.Sub(last) > offlineAfter {
		return HealthOffline
	}
	return HealthOnline
}
