package markers

import "errors"

// Handle identifies a marker inside a Renderer. Its value means nothing outside that renderer.
type Handle uint64

type EventType string

const (
	MouseOver EventType = "mouseover"
	MouseOut  EventType = "mouseout"
	Click     EventType = "click"
)

// ParseEventType maps a raw pointer event name onto an EventType.
func ParseEventType(raw string) (EventType, bool) {
	switch EventType(raw) {
	case MouseOver, MouseOut, Click:
		return EventType(raw), true
	default:
		return "", false
	}
}

// ErrDetached is returned by a Renderer whose drawing surface is not (or no longer) attached.
var ErrDetached = errors.New("map surface detached")

// Renderer is the map drawing surface. Implementations must not invoke event callbacks
// synchronously from inside any of these methods.
type Renderer interface {
	CreateMarker(lat, lng float64) (Handle, error)
	DestroyMarker(h Handle) error
	MoveMarker(h Handle, lat, lng float64) error
	BindTooltip(h Handle, content string) error
	UnbindTooltip(h Handle) error
	On(h Handle, ev EventType, fn func()) (remove func(), err error)
	FitBounds(handles []Handle) error
}
