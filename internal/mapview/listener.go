package mapview

import "soilmap/core-go/internal/readings"

// Listener receives hover and selection changes. Calls are made synchronously while pointer events
// are serialized, so implementations must not call back into the Controller.
type Listener interface {
	OnDeviceHover(device readings.Device, rs []readings.Snapshot, hovering bool)
	OnDeviceSelect(device readings.Device, rs []readings.Snapshot)
}

// ListenerFuncs adapts plain functions to Listener. Nil fields are skipped.
type ListenerFuncs struct {
	Hover  func(device readings.Device, rs []readings.Snapshot, hovering bool)
	Select func(device readings.Device, rs []readings.Snapshot)
}

func (l ListenerFuncs) OnDeviceHover(device readings.Device, rs []readings.Snapshot, hovering bool) {
	if l.Hover != nil {
		l.Hover(device, rs, hovering)
	}
}

func (l ListenerFuncs) OnDeviceSelect(device readings.Device, rs []readings.Snapshot) {
	if l.Select != nil {
		l.Select(device, rs)
	}
}
