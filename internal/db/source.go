package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"soilmap/core-go/internal/readings"
	"soilmap/core-go/internal/sqlcgen"
)

const DefaultReadingsLimit = 500

// ErrNoReadings is returned by LatestDeviceReading when the device has never reported.
var ErrNoReadings = readings.ErrNoReadings

// Queries is the subset of *sqlcgen.Queries the map source reads.
type Queries interface {
	ListDevices(ctx context.Context) ([]sqlcgen.Device, error)
	ListDeviceReadings(ctx context.Context, arg sqlcgen.ListDeviceReadingsParams) ([]sqlcgen.DeviceReading, error)
	LatestDeviceReading(ctx context.Context, serialNumber string) (sqlcgen.DeviceReading, error)
}

// Source serves devices and their reading logs straight from Postgres.
type Source struct {
	q     Queries
	limit int32
}

func NewSource(q Queries, readingsLimit int) *Source {
	if readingsLimit <= 0 {
		readingsLimit = DefaultReadingsLimit
	}
	return &Source{q: q, limit: int32(readingsLimit)}
}

func (s *Source) ListDevices(ctx context.Context) ([]readings.Device, error) {
	rows, err := s.q.ListDevices(ctx)
	if err != nil {
		return nil, fmt.Errorf("list devices: %w", err)
	}
	out := make([]readings.Device, 0, len(rows))
	for _, r := range rows {
		out = append(out, readings.Device{SerialNumber: r.SerialNumber, Name: r.Name, Owner: r.Owner})
	}
	return out, nil
}

func (s *Source) ListDeviceReadings(ctx context.Context, serialNumber string) ([]readings.Snapshot, error) {
	rows, err := s.q.ListDeviceReadings(ctx, sqlcgen.ListDeviceReadingsParams{
		SerialNumber: serialNumber,
		Limit:        s.limit,
	})
	if err != nil {
		return nil, fmt.Errorf("list readings for %s: %w", serialNumber, err)
	}
	out := make([]readings.Snapshot, 0, len(rows))
	for _, r := range rows {
		out = append(out, snapshotFromRow(r))
	}
	return out, nil
}

func (s *Source) LatestDeviceReading(ctx context.Context, serialNumber string) (readings.Snapshot, error) {
	r, err := s.q.LatestDeviceReading(ctx, serialNumber)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return readings.Snapshot{}, fmt.Errorf("latest reading for %s: %w", serialNumber, ErrNoReadings)
		}
		return readings.Snapshot{}, fmt.Errorf("latest reading for %s: %w", serialNumber, err)
	}
	return snapshotFromRow(r), nil
}

// snapshotFromRow trusts the row's serial number and recorded_at over anything in the payload.
func snapshotFromRow(r sqlcgen.DeviceReading) readings.Snapshot {
	s := readings.FromRaw(r.Payload, r.SerialNumber)
	s.SerialNumber = r.SerialNumber
	s.Timestamp = r.RecordedAt
	return s
}
