package sqlcgen

import "time"

type Device struct {
	SerialNumber string
	Name         *string
	Owner        *string
}

type DeviceReading struct {
	ID           int64
	SerialNumber string
	RecordedAt   time.Time
	Payload      map[string]any
}
