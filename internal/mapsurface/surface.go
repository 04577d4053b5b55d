// Package mapsurface is an in-memory map renderer. It holds marker positions, tooltips and pointer
// listeners so a thin browser client can draw them and post pointer events back.
package mapsurface

import (
	"fmt"
	"math"
	"sort"
	"sync"

	"soilmap/core-go/internal/markers"
)

type Marker struct {
	Handle  markers.Handle `json:"handle"`
	Lat     float64        `json:"lat"`
	Lng     float64        `json:"lng"`
	Tooltip string         `json:"tooltip,omitempty"`
}

type Bounds struct {
	South float64 `json:"south"`
	West  float64 `json:"west"`
	North float64 `json:"north"`
	East  float64 `json:"east"`
}

type listener struct {
	id uint64
	fn func()
}

type entry struct {
	marker    Marker
	listeners map[markers.EventType][]listener
}

type Surface struct {
	mu        sync.Mutex
	attached  bool
	next      markers.Handle
	nextLID   uint64
	entries   map[markers.Handle]*entry
	bounds    Bounds
	hasBounds bool
}

var _ markers.Renderer = (*Surface)(nil)

func New() *Surface {
	return &Surface{attached: true, entries: make(map[markers.Handle]*entry)}
}

func (s *Surface) CreateMarker(lat, lng float64) (markers.Handle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.attached {
		return 0, markers.ErrDetached
	}
	s.next++
	s.entries[s.next] = &entry{
		marker:    Marker{Handle: s.next, Lat: lat, Lng: lng},
		listeners: make(map[markers.EventType][]listener),
	}
	return s.next, nil
}

func (s *Surface) DestroyMarker(h markers.Handle) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.attached {
		return markers.ErrDetached
	}
	if _, ok := s.entries[h]; !ok {
		return fmt.Errorf("destroy marker %d: unknown handle", h)
	}
	delete(s.entries, h)
	return nil
}

func (s *Surface) MoveMarker(h markers.Handle, lat, lng float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, err := s.lookupLocked(h)
	if err != nil {
		return err
	}
	e.marker.Lat, e.marker.Lng = lat, lng
	return nil
}

func (s *Surface) BindTooltip(h markers.Handle, content string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, err := s.lookupLocked(h)
	if err != nil {
		return err
	}
	e.marker.Tooltip = content
	return nil
}

func (s *Surface) UnbindTooltip(h markers.Handle) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, err := s.lookupLocked(h)
	if err != nil {
		return err
	}
	e.marker.Tooltip = ""
	return nil
}

func (s *Surface) On(h markers.Handle, ev markers.EventType, fn func()) (func(), error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, err := s.lookupLocked(h)
	if err != nil {
		return nil, err
	}
	s.nextLID++
	id := s.nextLID
	e.listeners[ev] = append(e.listeners[ev], listener{id: id, fn: fn})

	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		e, ok := s.entries[h]
		if !ok {
			return
		}
		ls := e.listeners[ev]
		for i, l := range ls {
			if l.id == id {
				e.listeners[ev] = append(ls[:i:i], ls[i+1:]...)
				break
			}
		}
	}, nil
}

func (s *Surface) FitBounds(handles []markers.Handle) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.attached {
		return markers.ErrDetached
	}
	b := Bounds{South: math.Inf(1), West: math.Inf(1), North: math.Inf(-1), East: math.Inf(-1)}
	n := 0
	for _, h := range handles {
		e, ok := s.entries[h]
		if !ok {
			continue
		}
		n++
		b.South = math.Min(b.South, e.marker.Lat)
		b.North = math.Max(b.North, e.marker.Lat)
		b.West = math.Min(b.West, e.marker.Lng)
		b.East = math.Max(b.East, e.marker.Lng)
	}
	if n == 0 {
		return nil
	}
	s.bounds = b
	s.hasBounds = true
	return nil
}

// Fire delivers a pointer event to every listener bound on h. Listeners run on the caller's
// goroutine, outside the surface lock.
func (s *Surface) Fire(h markers.Handle, ev markers.EventType) error {
	s.mu.Lock()
	e, err := s.lookupLocked(h)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	fns := make([]func(), 0, len(e.listeners[ev]))
	for _, l := range e.listeners[ev] {
		fns = append(fns, l.fn)
	}
	s.mu.Unlock()

	for _, fn := range fns {
		fn()
	}
	return nil
}

// Markers returns the live markers ordered by handle.
func (s *Surface) Markers() []Marker {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Marker, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, e.marker)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Handle < out[j].Handle })
	return out
}

func (s *Surface) Bounds() (Bounds, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bounds, s.hasBounds
}

// Detach drops every marker and listener; later calls fail with markers.ErrDetached.
func (s *Surface) Detach() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attached = false
	s.entries = make(map[markers.Handle]*entry)
	s.hasBounds = false
}

func (s *Surface) lookupLocked(h markers.Handle) (*entry, error) {
	if !s.attached {
		return nil, markers.ErrDetached
	}
	e, ok := s.entries[h]
	if !ok {
		return nil, fmt.Errorf("marker %d: unknown handle", h)
	}
	return e, nil
}
