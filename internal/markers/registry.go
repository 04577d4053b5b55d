package markers

import (
	"errors"
	"slices"
	"sort"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"soilmap/core-go/internal/locations"
)

// EventSink receives pointer events from live markers.
type EventSink func(serialNumber string, ev EventType)

type Options struct {
	Tooltip TooltipFunc
}

// SyncResult reports what a sync changed. Queued is set when no renderer was attached.
type SyncResult struct {
	Added   []string
	Updated []string
	Removed []string
	Queued  bool
}

type marker struct {
	handle   Handle
	loc      locations.DeviceLocation
	tooltip  string
	removers []func()
	gen      uint64
}

// Registry keeps exactly one renderer marker per device serial number.
type Registry struct {
	log     zerolog.Logger
	sink    EventSink
	tooltip TooltipFunc

	mu         sync.Mutex
	renderer   Renderer
	markers    map[string]*marker
	pending    []locations.DeviceLocation
	hasPending bool
	fitted     bool
	gen        uint64
}

func New(log zerolog.Logger, sink EventSink, opts Options) *Registry {
	tooltip := opts.Tooltip
	if tooltip == nil {
		tooltip = DefaultTooltip
	}
	return &Registry{
		log:     log,
		sink:    sink,
		tooltip: tooltip,
		markers: make(map[string]*marker),
	}
}

// Attach binds the registry to a renderer and applies any sync that arrived while detached.
// Attaching over an existing renderer tears the old markers down first.
func (r *Registry) Attach(renderer Renderer) SyncResult {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.renderer != nil {
		r.teardownLocked()
	}
	r.renderer = renderer
	r.fitted = false
	if renderer == nil || !r.hasPending {
		return SyncResult{}
	}

	pending := r.pending
	r.pending = nil
	r.hasPending = false
	return r.applyLocked(pending)
}

// Detach removes every listener and marker from the renderer and forgets them. Event callbacks
// still queued inside the renderer are dropped.
func (r *Registry) Detach() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	removed := r.teardownLocked()
	r.renderer = nil
	r.pending = nil
	r.hasPending = false
	r.fitted = false
	return removed
}

// Sync reconciles the registered markers with locs. Existing markers are updated in place.
func (r *Registry) Sync(locs []locations.DeviceLocation) SyncResult {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.renderer == nil {
		r.pending = slices.Clone(locs)
		r.hasPending = true
		return SyncResult{Queued: true}
	}
	return r.applyLocked(locs)
}

// Has reports whether serialNumber currently has a marker.
func (r *Registry) Has(serialNumber string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.markers[serialNumber]
	return ok
}

// Handle returns the renderer handle for serialNumber.
func (r *Registry) Handle(serialNumber string) (Handle, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.markers[serialNumber]
	if !ok {
		return 0, false
	}
	return m.handle, true
}

// Location returns the location last synced for serialNumber.
func (r *Registry) Location(serialNumber string) (locations.DeviceLocation, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.markers[serialNumber]
	if !ok {
		return locations.DeviceLocation{}, false
	}
	return m.loc, true
}

// Serials returns the registered serial numbers, sorted.
func (r *Registry) Serials() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.markers))
	for s := range r.markers {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// Entry is a read-only view of one registered marker.
type Entry struct {
	Serial   string
	Handle   Handle
	Location locations.DeviceLocation
	Tooltip  string
}

// Entries returns every registered marker, sorted by serial number.
func (r *Registry) Entries() []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Entry, 0, len(r.markers))
	for serial, m := range r.markers {
		out = append(out, Entry{Serial: serial, Handle: m.handle, Location: m.loc, Tooltip: m.tooltip})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Serial < out[j].Serial })
	return out
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.markers)
}

func (r *Registry) applyLocked(locs []locations.DeviceLocation) SyncResult {
	var res SyncResult

	incoming := make(map[string]locations.DeviceLocation, len(locs))
	order := make([]string, 0, len(locs))
	for _, loc := range locs {
		serial := strings.TrimSpace(loc.Device.SerialNumber)
		if serial == "" {
			continue
		}
		if _, dup := incoming[serial]; dup {
			continue
		}
		incoming[serial] = loc
		order = append(order, serial)
	}

	stale := make([]string, 0)
	for serial := range r.markers {
		if _, ok := incoming[serial]; !ok {
			stale = append(stale, serial)
		}
	}
	sort.Strings(stale)
	for _, serial := range stale {
		r.destroyLocked(serial)
		res.Removed = append(res.Removed, serial)
	}

	for _, serial := range order {
		loc := incoming[serial]
		if m, ok := r.markers[serial]; ok {
			r.updateLocked(serial, m, loc)
			res.Updated = append(res.Updated, serial)
			continue
		}
		if r.createLocked(serial, loc) {
			res.Added = append(res.Added, serial)
		}
	}

	if !r.fitted && len(r.markers) > 0 {
		handles := make([]Handle, 0, len(r.markers))
		for _, serial := range order {
			if m, ok := r.markers[serial]; ok {
				handles = append(handles, m.handle)
			}
		}
		if err := r.renderer.FitBounds(handles); err != nil {
			r.logRendererErr(err, "", "fit bounds")
		} else {
			r.fitted = true
		}
	}

	return res
}

func (r *Registry) createLocked(serial string, loc locations.DeviceLocation) bool {
	h, err := r.renderer.CreateMarker(loc.Lat, loc.Lng)
	if err != nil {
		r.logRendererErr(err, serial, "create marker")
		return false
	}

	r.gen++
	m := &marker{handle: h, loc: loc, gen: r.gen}

	// An unbound tooltip stays empty so the next sync retries the bind.
	if content := r.tooltip(loc); content != "" {
		if err := r.renderer.BindTooltip(h, content); err != nil {
			r.logRendererErr(err, serial, "bind tooltip")
		} else {
			m.tooltip = content
		}
	}

	for _, ev := range []EventType{MouseOver, MouseOut, Click} {
		remove, err := r.renderer.On(h, ev, r.callback(serial, m.gen, ev))
		if err != nil {
			r.logRendererErr(err, serial, "bind "+string(ev))
			continue
		}
		if remove != nil {
			m.removers = append(m.removers, remove)
		}
	}

	r.markers[serial] = m
	return true
}

func (r *Registry) updateLocked(serial string, m *marker, loc locations.DeviceLocation) {
	if m.loc.Lat != loc.Lat || m.loc.Lng != loc.Lng {
		if err := r.renderer.MoveMarker(m.handle, loc.Lat, loc.Lng); err != nil {
			r.logRendererErr(err, serial, "move marker")
		}
	}
	if content := r.tooltip(loc); content != m.tooltip {
		if err := r.renderer.BindTooltip(m.handle, content); err != nil {
			r.logRendererErr(err, serial, "rebind tooltip")
		} else {
			m.tooltip = content
		}
	}
	m.loc = loc
}

// destroyLocked removes the marker from the renderer before forgetting it.
func (r *Registry) destroyLocked(serial string) {
	m, ok := r.markers[serial]
	if !ok {
		return
	}
	for _, remove := range m.removers {
		remove()
	}
	if r.renderer != nil {
		if err := r.renderer.UnbindTooltip(m.handle); err != nil && !errors.Is(err, ErrDetached) {
			r.logRendererErr(err, serial, "unbind tooltip")
		}
		if err := r.renderer.DestroyMarker(m.handle); err != nil {
			r.logRendererErr(err, serial, "destroy marker")
		}
	}
	delete(r.markers, serial)
}

func (r *Registry) teardownLocked() []string {
	removed := make([]string, 0, len(r.markers))
	for serial := range r.markers {
		removed = append(removed, serial)
	}
	sort.Strings(removed)
	for _, serial := range removed {
		r.destroyLocked(serial)
	}
	return removed
}

func (r *Registry) callback(serial string, gen uint64, ev EventType) func() {
	return func() {
		r.mu.Lock()
		m, ok := r.markers[serial]
		live := ok && m.gen == gen
		r.mu.Unlock()
		if !live || r.sink == nil {
			return
		}
		r.sink(serial, ev)
	}
}

func (r *Registry) logRendererErr(err error, serial, op string) {
	evt := r.log.Warn()
	if errors.Is(err, ErrDetached) {
		evt = r.log.Debug()
	}
	if serial != "" {
		evt = evt.Str("serial_number", serial)
	}
	evt.Err(err).Str("op", op).Msg("map renderer operation skipped")
}
