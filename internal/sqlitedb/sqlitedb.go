// Package sqlitedb serves devices and reading logs from a local SQLite file. It is the embedded
// alternative to the Postgres source for single-node gateway installs.
package sqlitedb

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"
	_ "modernc.org/sqlite"

	"soilmap/core-go/internal/readings"
)

const DefaultReadingsLimit = 500

// ErrNoReadings is returned by LatestDeviceReading when the device has never reported.
var ErrNoReadings = readings.ErrNoReadings

//go:embed schema.sql
var schema string

type DB struct {
	sql   *sql.DB
	log   zerolog.Logger
	limit int
}

// Open opens (creating if needed) the database at path and applies the schema.
func Open(ctx context.Context, log zerolog.Logger, path string, readingsLimit int) (*DB, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, errors.New("sqlite path is required")
	}
	if readingsLimit <= 0 {
		readingsLimit = DefaultReadingsLimit
	}

	conn, err := sql.Open("sqlite", dsn(path))
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	// SQLite allows one writer at a time.
	conn.SetMaxOpenConns(1)

	if err := conn.PingContext(ctx); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("ping sqlite %s: %w", path, err)
	}
	if _, err := conn.ExecContext(ctx, schema); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("apply sqlite schema: %w", err)
	}
	return &DB{sql: conn, log: log, limit: readingsLimit}, nil
}

func dsn(path string) string {
	q := url.Values{}
	q.Add("_pragma", "foreign_keys(1)")
	q.Add("_pragma", "busy_timeout(5000)")
	q.Add("_pragma", "journal_mode(WAL)")
	return "file:" + path + "?" + q.Encode()
}

func (d *DB) Close() error {
	if d == nil || d.sql == nil {
		return nil
	}
	return d.sql.Close()
}

func (d *DB) Ping(ctx context.Context) error {
	if d == nil || d.sql == nil {
		return errors.New("sqlite not configured")
	}
	return d.sql.PingContext(ctx)
}

func (d *DB) ListDevices(ctx context.Context) ([]readings.Device, error) {
	rows, err := d.sql.QueryContext(ctx, `SELECT serial_number, name, owner FROM devices ORDER BY serial_number`)
	if err != nil {
		return nil, fmt.Errorf("list devices: %w", err)
	}
	defer rows.Close()

	var out []readings.Device
	for rows.Next() {
		var (
			dev         readings.Device
			name, owner sql.NullString
		)
		if err := rows.Scan(&dev.SerialNumber, &name, &owner); err != nil {
			return nil, fmt.Errorf("list devices: %w", err)
		}
		dev.Name = nullable(name)
		dev.Owner = nullable(owner)
		out = append(out, dev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list devices: %w", err)
	}
	return out, nil
}

func (d *DB) ListDeviceReadings(ctx context.Context, serialNumber string) ([]readings.Snapshot, error) {
	rows, err := d.sql.QueryContext(ctx, `
SELECT id, serial_number, recorded_at, payload
FROM device_readings
WHERE serial_number = ?
ORDER BY recorded_at DESC, id DESC
LIMIT ?`, serialNumber, d.limit)
	if err != nil {
		return nil, fmt.Errorf("list readings for %s: %w", serialNumber, err)
	}
	defer rows.Close()

	out := make([]readings.Snapshot, 0)
	for rows.Next() {
		var r row
		if err := r.scan(rows); err != nil {
			return nil, fmt.Errorf("list readings for %s: %w", serialNumber, err)
		}
		s, err := r.snapshot()
		if err != nil {
			d.log.Warn().Err(err).Str("serial_number", serialNumber).Int64("id", r.id).Msg("skipping unreadable reading row")
			continue
		}
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list readings for %s: %w", serialNumber, err)
	}
	return out, nil
}

func (d *DB) LatestDeviceReading(ctx context.Context, serialNumber string) (readings.Snapshot, error) {
	var r row
	err := r.scan(d.sql.QueryRowContext(ctx, `
SELECT id, serial_number, recorded_at, payload
FROM device_readings
WHERE serial_number = ?
ORDER BY recorded_at DESC, id DESC
LIMIT 1`, serialNumber))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return readings.Snapshot{}, fmt.Errorf("latest reading for %s: %w", serialNumber, ErrNoReadings)
		}
		return readings.Snapshot{}, fmt.Errorf("latest reading for %s: %w", serialNumber, err)
	}
	s, err := r.snapshot()
	if err != nil {
		return readings.Snapshot{}, fmt.Errorf("latest reading for %s: %w", serialNumber, err)
	}
	return s, nil
}

type scanner interface {
	Scan(dest ...any) error
}

type row struct {
	id         int64
	serial     string
	recordedAt int64
	payload    string
}

func (r *row) scan(sc scanner) error {
	return sc.Scan(&r.id, &r.serial, &r.recordedAt, &r.payload)
}

// snapshot trusts the row's serial number and recorded_at over anything in the payload.
func (r row) snapshot() (readings.Snapshot, error) {
	raw := map[string]any{}
	dec := json.NewDecoder(strings.NewReader(r.payload))
	dec.UseNumber()
	if err := dec.Decode(&raw); err != nil {
		return readings.Snapshot{}, fmt.Errorf("decode payload of reading %d: %w", r.id, err)
	}

	s := readings.FromRaw(raw, r.serial)
	s.SerialNumber = r.serial
	s.Timestamp = time.UnixMilli(r.recordedAt).UTC()
	return s, nil
}

func nullable(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	v := ns.String
	return &v
}
