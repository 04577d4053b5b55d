package sqlcgen

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// DBTX matches the minimal interface needed from pgxpool.Pool or pgx.Tx.
type DBTX interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, optionsAndArgs ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, optionsAndArgs ...any) pgx.Row
}

type Queries struct {
	db DBTX
}

func New(db DBTX) *Queries {
	return &Queries{db: db}
}

func (q *Queries) WithTx(tx pgx.Tx) *Queries {
	return &Queries{db: tx}
}

const listDevices = `-- name: ListDevices :many
SELECT serial_number,
       name,
       owner
FROM devices
ORDER BY created_at ASC, serial_number ASC
`

func (q *Queries) ListDevices(ctx context.Context) ([]Device, error) {
	rows, err := q.db.Query(ctx, listDevices)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []Device
	for rows.Next() {
		var i Device
		if err := rows.Scan(&i.SerialNumber, &i.Name, &i.Owner); err != nil {
			return nil, err
		}
		items = append(items, i)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return items, nil
}

const listDeviceReadings = `-- name: ListDeviceReadings :many
SELECT id,
       serial_number,
       recorded_at,
       payload
FROM device_readings
WHERE serial_number = $1
ORDER BY recorded_at DESC, id DESC
LIMIT $2
`

type ListDeviceReadingsParams struct {
	SerialNumber string
	Limit        int32
}

func (q *Queries) ListDeviceReadings(ctx context.Context, arg ListDeviceReadingsParams) ([]DeviceReading, error) {
	rows, err := q.db.Query(ctx, listDeviceReadings, arg.SerialNumber, arg.Limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []DeviceReading
	for rows.Next() {
		var i DeviceReading
		if err := rows.Scan(&i.ID, &i.SerialNumber, &i.RecordedAt, &i.Payload); err != nil {
			return nil, err
		}
		items = append(items, i)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return items, nil
}

const latestDeviceReading = `-- name: LatestDeviceReading :one
SELECT id,
       serial_number,
       recorded_at,
       payload
FROM device_readings
WHERE serial_number = $1
ORDER BY recorded_at DESC, id DESC
LIMIT 1
`

func (q *Queries) LatestDeviceReading(ctx context.Context, serialNumber string) (DeviceReading, error) {
	row := q.db.QueryRow(ctx, latestDeviceReading, serialNumber)
	var i DeviceReading
	err := row.Scan(&i.ID, &i.SerialNumber, &i.RecordedAt, &i.Payload)
	return i, err
}

const upsertDevice = `-- name: UpsertDevice :one
INSERT INTO devices (serial_number, name, owner)
VALUES ($1, $2, $3)
ON CONFLICT (serial_number) DO UPDATE
SET name = EXCLUDED.name,
    owner = EXCLUDED.owner,
    updated_at = now()
RETURNING serial_number, name, owner
`

type UpsertDeviceParams struct {
	SerialNumber string
	Name         *string
	Owner        *string
}

func (q *Queries) UpsertDevice(ctx context.Context, arg UpsertDeviceParams) (Device, error) {
	row := q.db.QueryRow(ctx, upsertDevice, arg.SerialNumber, arg.Name, arg.Owner)
	var i Device
	err := row.Scan(&i.SerialNumber, &i.Name, &i.Owner)
	return i, err
}

const insertDeviceReading = `-- name: InsertDeviceReading :exec
INSERT INTO device_readings (serial_number, recorded_at, payload)
VALUES ($1, $2, COALESCE($3, '{}'::jsonb))
`

type InsertDeviceReadingParams struct {
	SerialNumber string
	RecordedAt   time.Time
	Payload      map[string]any
}

func (q *Queries) InsertDeviceReading(ctx context.Context, arg InsertDeviceReadingParams) error {
	_, err := q.db.Exec(ctx, insertDeviceReading, arg.SerialNumber, arg.RecordedAt, arg.Payload)
	return err
}
