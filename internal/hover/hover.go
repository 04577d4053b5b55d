// Package hover decides which single device is active for tooltip and side-panel display.
//
// Transition is a pure function; Machine holds the one live State for a map view and serializes
// access to it.
package hover

import "sync"

type Kind int

const (
	Idle Kind = iota
	Hovering
	Locked
)

func (k Kind) String() string {
	switch k {
	case Hovering:
		return "hovering"
	case Locked:
		return "locked"
	default:
		return "idle"
	}
}

// State is Idle, Hovering(Serial) or Locked(Serial). Serial is empty when Idle.
type State struct {
	Kind   Kind
	Serial string
}

func (s State) Active() bool { return s.Kind != Idle }

type EventKind int

const (
	MouseOver EventKind = iota
	MouseOut
	Click
	// Removed reports that a device no longer has a marker.
	Removed
)

type Event struct {
	Kind   EventKind
	Serial string
}

type EffectKind int

const (
	Activated EffectKind = iota
	Deactivated
	Selected
)

func (k EffectKind) String() string {
	switch k {
	case Activated:
		return "activated"
	case Deactivated:
		return "deactivated"
	default:
		return "selected"
	}
}

type Effect struct {
	Kind   EffectKind
	Serial string
}

// Transition computes the next state and the effects to emit for one event.
func Transition(s State, e Event) (State, []Effect) {
	switch e.Kind {
	case MouseOver:
		if e.Serial == "" {
			return s, nil
		}
		next := State{Kind: Hovering, Serial: e.Serial}
		if s.Active() && s.Serial == e.Serial {
			return next, nil
		}
		return next, []Effect{{Kind: Activated, Serial: e.Serial}}

	case MouseOut:
		if s.Kind == Hovering && s.Serial == e.Serial {
			return State{Kind: Locked, Serial: e.Serial}, nil
		}
		return s, nil

	case Click:
		if e.Serial == "" {
			return s, nil
		}
		return s, []Effect{{Kind: Selected, Serial: e.Serial}}

	case Removed:
		if s.Active() && s.Serial == e.Serial {
			return State{Kind: Idle}, []Effect{{Kind: Deactivated, Serial: e.Serial}}
		}
		return s, nil
	}
	return s, nil
}

// Machine owns the hover state for one map view.
type Machine struct {
	mu    sync.Mutex
	state State
}

func NewMachine() *Machine {
	return &Machine{}
}

// Dispatch applies e and returns the effects it produced.
func (m *Machine) Dispatch(e Event) []Effect {
	m.mu.Lock()
	defer m.mu.Unlock()
	next, effects := Transition(m.state, e)
	m.state = next
	return effects
}

// Prune returns the machine to Idle if the active device is no longer present.
func (m *Machine) Prune(present func(serial string) bool) []Effect {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.state.Active() || present(m.state.Serial) {
		return nil
	}
	next, effects := Transition(m.state, Event{Kind: Removed, Serial: m.state.Serial})
	m.state = next
	return effects
}

func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Reset forces the machine back to Idle without emitting effects.
func (m *Machine) Reset() {
	m.mu.Lock()
	m.state = State{}
	m.mu.Unlock()
}
