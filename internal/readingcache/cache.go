package readingcache

import (
	"context"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"soilmap/core-go/internal/metrics"
	"soilmap/core-go/internal/readings"
)

const (
	DefaultFreshTTL     = 3 * time.Minute
	DefaultStaleTTL     = 5 * time.Minute
	DefaultFetchTimeout = 15 * time.Second
)

// Fetcher is the backend call the cache reads through.
type Fetcher interface {
	ListDeviceReadings(ctx context.Context, serialNumber string) ([]readings.Snapshot, error)
}

// Entry is the cached state for one device. Entries are replaced on every successful fetch.
type Entry struct {
	Data         []readings.Snapshot
	FetchedAt    time.Time
	Revalidating bool
}

type Options struct {
	FreshTTL     time.Duration
	StaleTTL     time.Duration
	FetchTimeout time.Duration
	Now          func() time.Time
}

// Cache holds the most recent readings per device with fresh, stale-but-usable and expired zones.
// Lookups never fail: backend errors degrade to older data or an empty result.
type Cache struct {
	log          zerolog.Logger
	fetcher      Fetcher
	metrics      *metrics.Metrics
	freshTTL     time.Duration
	staleTTL     time.Duration
	fetchTimeout time.Duration
	now          func() time.Time

	mu      sync.Mutex
	entries map[string]Entry

	flights    singleflight.Group
	background sync.WaitGroup
}

func New(log zerolog.Logger, f Fetcher, opts Options, m *metrics.Metrics) *Cache {
	fresh := opts.FreshTTL
	if fresh <= 0 {
		fresh = DefaultFreshTTL
	}
	stale := opts.StaleTTL
	if stale <= 0 {
		stale = DefaultStaleTTL
	}
	if stale < fresh {
		stale = fresh
	}
	timeout := opts.FetchTimeout
	if timeout <= 0 {
		timeout = DefaultFetchTimeout
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Cache{
		log:          log,
		fetcher:      f,
		metrics:      m,
		freshTTL:     fresh,
		staleTTL:     stale,
		fetchTimeout: timeout,
		now:          now,
		entries:      make(map[string]Entry),
	}
}

// Get returns the readings for a device, most-recent-first.
//
// Fresh entries are returned without a backend call. Stale entries are returned immediately and
// trigger at most one background revalidation per key. Missing or expired entries are fetched
// synchronously; if that fails the previous entry (however old) or an empty result is returned.
func (c *Cache) Get(ctx context.Context, serialNumber string) []readings.Snapshot {
	serialNumber = strings.TrimSpace(serialNumber)
	if serialNumber == "" {
		return nil
	}

	now := c.now()

	c.mu.Lock()
	e, ok := c.entries[serialNumber]
	if ok {
		age := now.Sub(e.FetchedAt)
		if age < c.freshTTL {
			c.mu.Unlock()
			c.metrics.IncCacheLookup("fresh")
			return slices.Clone(e.Data)
		}
		if age < c.staleTTL {
			if !e.Revalidating {
				e.Revalidating = true
				c.entries[serialNumber] = e
				c.background.Add(1)
				go c.revalidate(context.WithoutCancel(ctx), serialNumber)
			}
			c.mu.Unlock()
			c.metrics.IncCacheLookup("stale")
			return slices.Clone(e.Data)
		}
	}
	c.mu.Unlock()

	if ok {
		c.metrics.IncCacheLookup("expired")
	} else {
		c.metrics.IncCacheLookup("miss")
	}

	data, err := c.load(ctx, serialNumber)
	if err != nil {
		c.log.Warn().Err(err).Str("serial_number", serialNumber).Msg("reading fetch failed")
		if prev, ok := c.Peek(serialNumber); ok {
			return prev.Data
		}
		return nil
	}
	return data
}

// Peek returns the current entry without fetching or triggering revalidation.
func (c *Cache) Peek(serialNumber string) (Entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[serialNumber]
	if !ok {
		return Entry{}, false
	}
	e.Data = slices.Clone(e.Data)
	return e, true
}

// Len returns the number of cached devices.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Wait blocks until every in-flight background revalidation has finished.
func (c *Cache) Wait() {
	c.background.Wait()
}

// load performs one backend fetch per key at a time; concurrent callers share the result.
// The shared fetch does not inherit any single caller's cancellation.
func (c *Cache) load(ctx context.Context, serialNumber string) ([]readings.Snapshot, error) {
	detached := context.WithoutCancel(ctx)
	ch := c.flights.DoChan(serialNumber, func() (any, error) {
		return c.fetchAndInstall(detached, serialNumber)
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		data, _ := res.Val.([]readings.Snapshot)
		return slices.Clone(data), nil
	}
}

func (c *Cache) fetchAndInstall(ctx context.Context, serialNumber string) ([]readings.Snapshot, error) {
	fetchCtx, cancel := context.WithTimeout(ctx, c.fetchTimeout)
	defer cancel()

	data, err := c.fetcher.ListDeviceReadings(fetchCtx, serialNumber)
	if err != nil {
		c.metrics.IncUpstreamFetch("error")
		return nil, err
	}
	c.metrics.IncUpstreamFetch("ok")

	data = slices.Clone(data)
	c.install(serialNumber, data, c.now())
	return data, nil
}

func (c *Cache) install(serialNumber string, data []readings.Snapshot, fetchedAt time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if cur, ok := c.entries[serialNumber]; ok && fetchedAt.Before(cur.FetchedAt) {
		// fetchedAt never moves backwards for a key.
		cur.Revalidating = false
		c.entries[serialNumber] = cur
		return
	}
	c.entries[serialNumber] = Entry{Data: data, FetchedAt: fetchedAt}
}

func (c *Cache) revalidate(ctx context.Context, serialNumber string) {
	defer c.background.Done()

	_, err, _ := c.flights.Do(serialNumber, func() (any, error) {
		return c.fetchAndInstall(ctx, serialNumber)
	})
	if err == nil {
		c.metrics.IncRevalidation("ok")
		return
	}

	c.metrics.IncRevalidation("error")
	c.log.Warn().Err(err).Str("serial_number", serialNumber).Msg("background revalidation failed; keeping stale entry")

	c.mu.Lock()
	if e, ok := c.entries[serialNumber]; ok {
		e.Revalidating = false
		c.entries[serialNumber] = e
	}
	c.mu.Unlock()
}
