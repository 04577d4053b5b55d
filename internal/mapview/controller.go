package mapview

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"soilmap/core-go/internal/hover"
	"soilmap/core-go/internal/locations"
	"soilmap/core-go/internal/markers"
	"soilmap/core-go/internal/metrics"
	"soilmap/core-go/internal/readingcache"
	"soilmap/core-go/internal/readings"
)

var (
	ErrNotMounted    = errors.New("map view not mounted")
	ErrUnknownDevice = errors.New("unknown device")
)

// Source is the soil backend the map reads from.
type Source interface {
	ListDevices(ctx context.Context) ([]readings.Device, error)
	ListDeviceReadings(ctx context.Context, serialNumber string) ([]readings.Snapshot, error)
	LatestDeviceReading(ctx context.Context, serialNumber string) (readings.Snapshot, error)
}

// Peeker reads cached readings without touching the network.
type Peeker interface {
	Peek(serialNumber string) (readingcache.Entry, bool)
}

// Store produces the location snapshots the map renders.
type Store interface {
	Refresh(ctx context.Context, devices []readings.Device) []locations.DeviceLocation
	Subscribe(fn func([]locations.DeviceLocation)) (unsubscribe func())
	Latest() []locations.DeviceLocation
}

// firer is implemented by renderers that can replay pointer events captured elsewhere.
type firer interface {
	Fire(h markers.Handle, ev markers.EventType) error
}

type Options struct {
	Tooltip        markers.TooltipFunc
	RefreshTimeout time.Duration
}

// Controller wires the location store, marker registry and hover state machine for one map view.
type Controller struct {
	log            zerolog.Logger
	source         Source
	cache          Peeker
	store          Store
	registry       *markers.Registry
	hover          *hover.Machine
	metrics        *metrics.Metrics
	refreshTimeout time.Duration

	alive   atomic.Bool
	loading atomic.Bool

	// refreshSem admits one Refresh at a time so device lists and location snapshots land in order.
	refreshSem chan struct{}

	// eventMu serializes hover transitions with marker syncs.
	eventMu sync.Mutex
	known   map[string]locations.DeviceLocation

	mu          sync.Mutex
	renderer    markers.Renderer
	ctx         context.Context
	cancel      context.CancelFunc
	unsubscribe func()
	devices     []readings.Device
	listeners   map[int]Listener
	nextID      int
}

func New(log zerolog.Logger, source Source, cache Peeker, store Store, opts Options, m *metrics.Metrics) *Controller {
	timeout := opts.RefreshTimeout
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	c := &Controller{
		log:            log,
		source:         source,
		cache:          cache,
		store:          store,
		hover:          hover.NewMachine(),
		metrics:        m,
		refreshTimeout: timeout,
		refreshSem:     make(chan struct{}, 1),
		known:          make(map[string]locations.DeviceLocation),
		listeners:      make(map[int]Listener),
	}
	c.registry = markers.New(log, c.onMarkerEvent, markers.Options{Tooltip: opts.Tooltip})
	c.loading.Store(true)
	return c
}

// Mount attaches the view to a renderer and starts accepting location snapshots. The last known
// snapshot, if any, is drawn immediately.
func (c *Controller) Mount(renderer markers.Renderer) {
	c.mu.Lock()
	if c.alive.Load() {
		c.mu.Unlock()
		c.Unmount()
		c.mu.Lock()
	}
	c.ctx, c.cancel = context.WithCancel(context.Background())
	c.renderer = renderer
	c.unsubscribe = c.store.Subscribe(c.onLocations)
	c.alive.Store(true)
	c.mu.Unlock()

	c.eventMu.Lock()
	c.registry.Attach(renderer)
	c.eventMu.Unlock()

	if latest := c.store.Latest(); len(latest) > 0 {
		c.onLocations(latest)
	}
	c.log.Info().Msg("map view mounted")
}

// Unmount tears the view down: results of in-flight refreshes are discarded, all listeners and
// markers are removed and the hover state returns to Idle.
func (c *Controller) Unmount() {
	c.mu.Lock()
	if !c.alive.Swap(false) {
		c.mu.Unlock()
		return
	}
	if c.cancel != nil {
		c.cancel()
	}
	if c.unsubscribe != nil {
		c.unsubscribe()
		c.unsubscribe = nil
	}
	c.renderer = nil
	c.mu.Unlock()

	c.eventMu.Lock()
	removed := c.registry.Detach()
	c.hover.Reset()
	c.known = make(map[string]locations.DeviceLocation)
	c.eventMu.Unlock()

	c.metrics.SetMarkers(0)
	c.log.Info().Int("markers_removed", len(removed)).Msg("map view unmounted")
}

func (c *Controller) Mounted() bool { return c.alive.Load() }

// Loading is true until the first refresh completes.
func (c *Controller) Loading() bool { return c.loading.Load() }

// Refresh lists devices and rebuilds the location snapshot. If the device list cannot be fetched
// the previous list is reused and the listing error is returned after the refresh completes.
// Concurrent calls run one after another; a caller whose ctx ends while waiting gets ctx.Err().
func (c *Controller) Refresh(ctx context.Context) error {
	if !c.alive.Load() {
		return ErrNotMounted
	}
	select {
	case c.refreshSem <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { <-c.refreshSem }()

	c.mu.Lock()
	if !c.alive.Load() {
		c.mu.Unlock()
		return ErrNotMounted
	}
	viewCtx := c.ctx
	c.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, c.refreshTimeout)
	defer cancel()
	stop := context.AfterFunc(viewCtx, cancel)
	defer stop()

	defer c.loading.Store(false)

	devices, listErr := c.source.ListDevices(ctx)
	if !c.alive.Load() {
		return ErrNotMounted
	}

	c.mu.Lock()
	if listErr != nil {
		devices = append([]readings.Device(nil), c.devices...)
	} else {
		c.devices = append([]readings.Device(nil), devices...)
	}
	c.mu.Unlock()

	if listErr != nil {
		c.log.Warn().Err(listErr).Int("cached_devices", len(devices)).Msg("list devices failed; using last known device list")
		listErr = fmt.Errorf("list devices: %w", listErr)
		if len(devices) == 0 {
			return listErr
		}
	}

	locs := c.store.Refresh(ctx, devices)
	if !c.alive.Load() {
		return ErrNotMounted
	}
	c.log.Debug().Int("devices", len(devices)).Int("located", len(locs)).Msg("map refresh complete")
	return listErr
}

// Devices returns the last device list fetched from the source.
func (c *Controller) Devices() []readings.Device {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]readings.Device(nil), c.devices...)
}

// HasDevice reports whether serialNumber is in the last device list fetched from the source.
func (c *Controller) HasDevice(serialNumber string) bool {
	serialNumber = strings.TrimSpace(serialNumber)
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, d := range c.devices {
		if d.SerialNumber == serialNumber {
			return true
		}
	}
	return false
}

// LatestReading returns the newest reading for a known device. Cached readings are used when
// present; otherwise the source is asked for its latest reading.
func (c *Controller) LatestReading(ctx context.Context, serialNumber string) (readings.Snapshot, error) {
	serialNumber = strings.TrimSpace(serialNumber)
	if !c.HasDevice(serialNumber) {
		return readings.Snapshot{}, fmt.Errorf("%w: %s", ErrUnknownDevice, serialNumber)
	}
	if e, ok := c.cache.Peek(serialNumber); ok {
		if newest, ok := readings.Newest(e.Data); ok {
			return newest, nil
		}
	}
	latest, err := c.source.LatestDeviceReading(ctx, serialNumber)
	if err != nil {
		return readings.Snapshot{}, fmt.Errorf("latest reading for %s: %w", serialNumber, err)
	}
	return latest, nil
}

// Markers returns the markers currently drawn.
func (c *Controller) Markers() []markers.Entry {
	return c.registry.Entries()
}

// Active returns the hover state and, when a device is active, its location.
func (c *Controller) Active() (hover.State, *locations.DeviceLocation) {
	c.eventMu.Lock()
	defer c.eventMu.Unlock()
	s := c.hover.State()
	if !s.Active() {
		return s, nil
	}
	loc, ok := c.registry.Location(s.Serial)
	if !ok {
		return s, nil
	}
	return s, &loc
}

// Pointer delivers a pointer event captured by the client for the marker of serialNumber.
func (c *Controller) Pointer(serialNumber string, ev markers.EventType) error {
	if !c.alive.Load() {
		return ErrNotMounted
	}
	serialNumber = strings.TrimSpace(serialNumber)
	h, ok := c.registry.Handle(serialNumber)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownDevice, serialNumber)
	}

	c.mu.Lock()
	renderer := c.renderer
	c.mu.Unlock()

	if f, ok := renderer.(firer); ok {
		return f.Fire(h, ev)
	}
	c.onMarkerEvent(serialNumber, ev)
	return nil
}

// AddListener registers l for hover and selection events. The returned func removes it.
func (c *Controller) AddListener(l Listener) (remove func()) {
	c.mu.Lock()
	id := c.nextID
	c.nextID++
	c.listeners[id] = l
	c.mu.Unlock()

	return func() {
		c.mu.Lock()
		delete(c.listeners, id)
		c.mu.Unlock()
	}
}

func (c *Controller) onLocations(locs []locations.DeviceLocation) {
	if !c.alive.Load() {
		return
	}

	c.eventMu.Lock()
	defer c.eventMu.Unlock()

	if !c.alive.Load() {
		return
	}

	res := c.registry.Sync(locs)
	effects := c.hover.Prune(c.registry.Has)
	c.emitLocked(effects)

	c.known = make(map[string]locations.DeviceLocation, len(locs))
	for _, loc := range locs {
		c.known[loc.Device.SerialNumber] = loc
	}

	c.metrics.SetMarkers(c.registry.Len())
	c.log.Debug().
		Int("added", len(res.Added)).
		Int("updated", len(res.Updated)).
		Int("removed", len(res.Removed)).
		Bool("queued", res.Queued).
		Msg("markers synced")
}

func (c *Controller) onMarkerEvent(serialNumber string, ev markers.EventType) {
	if !c.alive.Load() {
		return
	}

	var e hover.Event
	switch ev {
	case markers.MouseOver:
		e = hover.Event{Kind: hover.MouseOver, Serial: serialNumber}
	case markers.MouseOut:
		e = hover.Event{Kind: hover.MouseOut, Serial: serialNumber}
	case markers.Click:
		e = hover.Event{Kind: hover.Click, Serial: serialNumber}
	default:
		return
	}

	c.eventMu.Lock()
	defer c.eventMu.Unlock()

	// A sync may have removed the marker after its callback fired.
	if !c.alive.Load() || !c.registry.Has(serialNumber) {
		return
	}
	c.emitLocked(c.hover.Dispatch(e))
}

func (c *Controller) emitLocked(effects []hover.Effect) {
	if len(effects) == 0 {
		return
	}

	c.mu.Lock()
	ls := make([]Listener, 0, len(c.listeners))
	for _, l := range c.listeners {
		ls = append(ls, l)
	}
	c.mu.Unlock()

	for _, eff := range effects {
		device := c.deviceFor(eff.Serial)
		var rs []readings.Snapshot
		if e, ok := c.cache.Peek(eff.Serial); ok {
			rs = e.Data
		}

		c.log.Debug().Str("serial_number", eff.Serial).Str("effect", eff.Kind.String()).Msg("hover effect")
		for _, l := range ls {
			switch eff.Kind {
			case hover.Activated:
				l.OnDeviceHover(device, rs, true)
			case hover.Deactivated:
				l.OnDeviceHover(device, rs, false)
			case hover.Selected:
				l.OnDeviceSelect(device, rs)
			}
		}
	}
}

func (c *Controller) deviceFor(serial string) readings.Device {
	if loc, ok := c.registry.Location(serial); ok {
		return loc.Device
	}
	if loc, ok := c.known[serial]; ok {
		return loc.Device
	}
	return readings.Device{SerialNumber: serial}
}
