package locations

import (
	"context"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"soilmap/core-go/internal/readings"
)

const (
	DefaultBatchSize  = 5
	DefaultBatchDelay = 100 * time.Millisecond
)

// Readings is the read-through cache the store pulls device logs from.
type Readings interface {
	Get(ctx context.Context, serialNumber string) []readings.Snapshot
}

// DeviceLocation is a device that can be drawn on the map, positioned at its newest reading.
type DeviceLocation struct {
	Device      readings.Device   `json:"device"`
	Lat         float64           `json:"lat"`
	Lng         float64           `json:"lng"`
	LastReading readings.Snapshot `json:"last_reading"`
}

type Options struct {
	BatchSize  int
	BatchDelay time.Duration
}

// Store turns a device list into the renderable marker set.
type Store struct {
	log        zerolog.Logger
	readings   Readings
	batchSize  int
	batchDelay time.Duration

	// started is bumped when a refresh begins; published is the highest sequence delivered.
	started atomic.Uint64
	// deliverMu orders subscriber callbacks across publishes.
	deliverMu sync.Mutex

	mu          sync.Mutex
	latest      []DeviceLocation
	published   uint64
	subscribers map[int]func([]DeviceLocation)
	nextSubID   int
}

func New(log zerolog.Logger, r Readings, opts Options) *Store {
	size := opts.BatchSize
	if size <= 0 {
		size = DefaultBatchSize
	}
	delay := opts.BatchDelay
	if delay < 0 {
		delay = 0
	}
	return &Store{
		log:         log,
		readings:    r,
		batchSize:   size,
		batchDelay:  delay,
		subscribers: make(map[int]func([]DeviceLocation)),
	}
}

// Refresh fetches readings for every device in batches and returns the devices whose newest reading
// carries coordinates, in input order. It never fails: devices that cannot be resolved are omitted.
// If ctx is canceled between batches the devices resolved so far are returned and nothing is
// published to subscribers. Overlapping refreshes publish in start order: a refresh that finishes
// after a later one has already published is returned but not published.
func (s *Store) Refresh(ctx context.Context, devices []readings.Device) []DeviceLocation {
	seq := s.started.Add(1)
	resolved := make([]*DeviceLocation, len(devices))

	canceled := false
	for start := 0; start < len(devices); start += s.batchSize {
		if start > 0 && !s.pause(ctx) {
			canceled = true
			break
		}
		if ctx.Err() != nil {
			canceled = true
			break
		}

		end := min(start+s.batchSize, len(devices))
		g, gctx := errgroup.WithContext(ctx)
		for i := start; i < end; i++ {
			g.Go(func() error {
				resolved[i] = s.resolve(gctx, devices[i])
				return nil
			})
		}
		_ = g.Wait()
	}

	out := make([]DeviceLocation, 0, len(devices))
	for _, loc := range resolved {
		if loc != nil {
			out = append(out, *loc)
		}
	}

	if canceled {
		s.log.Debug().Int("resolved", len(out)).Int("devices", len(devices)).Msg("location refresh canceled")
		return out
	}

	if !s.publish(seq, out) {
		s.log.Debug().Uint64("seq", seq).Msg("superseded location refresh not published")
	}
	return out
}

func (s *Store) pause(ctx context.Context) bool {
	if s.batchDelay <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(s.batchDelay)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func (s *Store) resolve(ctx context.Context, d readings.Device) (loc *DeviceLocation) {
	serial := strings.TrimSpace(d.SerialNumber)
	if serial == "" {
		return nil
	}
	defer func() {
		// A panicking Readings implementation only drops this device.
		if r := recover(); r != nil {
			s.log.Error().Interface("panic", r).Str("serial_number", serial).Msg("resolving device location panicked")
			loc = nil
		}
	}()

	newest, ok := readings.Newest(s.readings.Get(ctx, serial))
	if !ok {
		s.log.Debug().Str("serial_number", serial).Msg("device has no readings")
		return nil
	}
	if !newest.HasLocation() {
		s.log.Debug().Str("serial_number", serial).Msg("newest reading has no location")
		return nil
	}
	return &DeviceLocation{
		Device:      d,
		Lat:         *newest.Latitude,
		Lng:         *newest.Longitude,
		LastReading: newest,
	}
}

// Subscribe registers fn to receive every completed refresh result. The returned func removes it.
func (s *Store) Subscribe(fn func([]DeviceLocation)) (unsubscribe func()) {
	s.mu.Lock()
	id := s.nextSubID
	s.nextSubID++
	s.subscribers[id] = fn
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.subscribers, id)
			s.mu.Unlock()
		})
	}
}

// Latest returns the most recently published location set.
func (s *Store) Latest() []DeviceLocation {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.latest)
}

func (s *Store) publish(seq uint64, locs []DeviceLocation) bool {
	s.deliverMu.Lock()
	defer s.deliverMu.Unlock()

	s.mu.Lock()
	if seq < s.published {
		s.mu.Unlock()
		return false
	}
	s.published = seq
	s.latest = slices.Clone(locs)
	subs := make([]func([]DeviceLocation), 0, len(s.subscribers))
	for _, fn := range s.subscribers {
		subs = append(subs, fn)
	}
	s.mu.Unlock()

	for _, fn := range subs {
		fn(slices.Clone(locs))
	}
	return true
}
