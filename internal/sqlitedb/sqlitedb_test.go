package sqlitedb

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func openTestDB(t *testing.T, limit int) *DB {
	t.Helper()
	db, err := Open(context.Background(), zerolog.Nop(), filepath.Join(t.TempDir(), "soilmap.db"), limit)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func strPtr(s string) *string { return &s }

func addDevice(t *testing.T, db *DB, serial string, name *string) {
	t.Helper()
	var n any
	if name != nil {
		n = *name
	}
	_, err := db.sql.Exec(`
INSERT INTO devices (serial_number, name) VALUES (?, ?)
ON CONFLICT (serial_number) DO UPDATE SET name = excluded.name`, serial, n)
	if err != nil {
		t.Fatalf("add device %s: %v", serial, err)
	}
}

func addRawReading(db *DB, serial string, at time.Time, payload string) error {
	_, err := db.sql.Exec(`INSERT INTO device_readings (serial_number, recorded_at, payload) VALUES (?, ?, ?)`,
		serial, at.UnixMilli(), payload)
	return err
}

func addReading(t *testing.T, db *DB, serial string, at time.Time, payload map[string]any) {
	t.Helper()
	b, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("encode payload: %v", err)
	}
	if err := addRawReading(db, serial, at, string(b)); err != nil {
		t.Fatalf("add reading for %s: %v", serial, err)
	}
}

func TestOpen_RequiresPath(t *testing.T) {
	if _, err := Open(context.Background(), zerolog.Nop(), "  ", 0); err == nil {
		t.Fatalf("expected empty path to fail")
	}
}

func TestSource_RoundTrip(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t, 2)

	addDevice(t, db, "SN-2", nil)
	addDevice(t, db, "SN-1", strPtr("North field"))
	addDevice(t, db, "SN-1", strPtr("North field sensor"))

	devices, err := db.ListDevices(ctx)
	if err != nil {
		t.Fatalf("ListDevices: %v", err)
	}
	if len(devices) != 2 || devices[0].SerialNumber != "SN-1" || devices[1].SerialNumber != "SN-2" {
		t.Fatalf("expected SN-1, SN-2 in order, got %+v", devices)
	}
	if devices[0].Name == nil || *devices[0].Name != "North field sensor" {
		t.Fatalf("expected refreshed name, got %+v", devices[0].Name)
	}
	if devices[1].Name != nil {
		t.Fatalf("expected NULL name to stay nil, got %q", *devices[1].Name)
	}

	base := time.Date(2025, 6, 1, 8, 0, 0, 0, time.UTC)
	for i, lat := range []float64{44.1, 44.2, 44.3} {
		payload := map[string]any{"lat": lat, "lng": 20.4, "serial_number": "spoofed", "ph": "6.5"}
		addReading(t, db, "SN-1", base.Add(time.Duration(i)*time.Minute), payload)
	}

	got, err := db.ListDeviceReadings(ctx, "SN-1")
	if err != nil {
		t.Fatalf("ListDeviceReadings: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected readings limit of 2, got %d", len(got))
	}
	if !got[0].Timestamp.Equal(base.Add(2*time.Minute)) || got[0].Latitude == nil || *got[0].Latitude != 44.3 {
		t.Fatalf("expected newest reading first, got %+v", got[0])
	}
	if got[0].SerialNumber != "SN-1" {
		t.Fatalf("expected row serial to win over payload, got %q", got[0].SerialNumber)
	}
	if got[0].PH == nil || *got[0].PH != 6.5 {
		t.Fatalf("expected string ph to be parsed, got %+v", got[0].PH)
	}

	latest, err := db.LatestDeviceReading(ctx, "SN-1")
	if err != nil {
		t.Fatalf("LatestDeviceReading: %v", err)
	}
	if !latest.Timestamp.Equal(got[0].Timestamp) {
		t.Fatalf("expected latest to match newest listed reading, got %s", latest.Timestamp)
	}
}

func TestListDeviceReadings_SkipsCorruptPayload(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t, 0)
	addDevice(t, db, "SN-1", nil)

	base := time.Date(2025, 6, 1, 8, 0, 0, 0, time.UTC)
	addReading(t, db, "SN-1", base, map[string]any{"lat": 44.1, "lng": 20.4})
	if err := addRawReading(db, "SN-1", base.Add(time.Minute), `{"lat": 44.2,`); err != nil {
		t.Fatalf("add corrupt reading: %v", err)
	}
	addReading(t, db, "SN-1", base.Add(2*time.Minute), map[string]any{"lat": 44.3, "lng": 20.4})

	got, err := db.ListDeviceReadings(ctx, "SN-1")
	if err != nil {
		t.Fatalf("expected corrupt row to be skipped, got %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 readable rows, got %d", len(got))
	}
	if !got[0].Timestamp.Equal(base.Add(2*time.Minute)) || !got[1].Timestamp.Equal(base) {
		t.Fatalf("expected readable rows in newest-first order, got %s, %s", got[0].Timestamp, got[1].Timestamp)
	}
}

func TestLatestDeviceReading_NoRows(t *testing.T) {
	db := openTestDB(t, 0)
	_, err := db.LatestDeviceReading(context.Background(), "SN-404")
	if !errors.Is(err, ErrNoReadings) {
		t.Fatalf("expected ErrNoReadings, got %v", err)
	}
}

func TestReadings_RequireKnownDevice(t *testing.T) {
	db := openTestDB(t, 0)
	if err := addRawReading(db, "SN-404", time.Now(), "{}"); err == nil {
		t.Fatalf("expected foreign key violation for unknown device")
	}
}

func TestPing(t *testing.T) {
	db := openTestDB(t, 0)
	if err := db.Ping(context.Background()); err != nil {
		t.Fatalf("Ping: %v", err)
	}
	var nilDB *DB
	if err := nilDB.Ping(context.Background()); err == nil {
		t.Fatalf("expected nil DB ping to fail")
	}
}
