package app

import (
	"github.com/jwulff/microchat/internal/connection"
	"github.com/jwulff/microchat/internal/db"
	"github.com/jwulff/microchat/internal/relay"
)

// DevicesLoadedMsg carries the device book read from SQLite.
type DevicesLoadedMsg struct {
	Devices []db.Device
	Err     error
}

// DevicesChangedMsg signals that the devices table changed.
type DevicesChangedMsg struct{}

// DeviceAddedMsg is sent when an interactive request paired a device.
type DeviceAddedMsg struct {
	Device db.Device
}

// DeviceRequestErrorMsg is sent when adding a device failed.
type DeviceRequestErrorMsg struct {
	Err error
}

// DeviceRecordMsg carries the live record of the device being viewed.
type DeviceRecordMsg struct {
	View   int
	Device *db.Device
}

// SnapshotMsg carries the connection state of the device view.
type SnapshotMsg struct {
	View     int
	Snapshot connection.Snapshot
}

// PreviousLoadedMsg carries the scrollback of earlier visits.
type PreviousLoadedMsg struct {
	View int
	Text string
}

// PickRequestMsg asks the user to choose a device.
type PickRequestMsg struct {
	Request *PickRequest
}

// RelayReadyMsg is sent once the relay bridge is connected.
type RelayReadyMsg struct {
	Bridge *relay.Bridge
}

// RelayErrorMsg is sent when the relay could not be reached.
type RelayErrorMsg struct {
	Err error
}

// StoreErrorMsg reports a failed device book write.
type StoreErrorMsg struct {
	Err error
}

// ClearTransientErrorMsg clears a transient error after a timeout.
type ClearTransientErrorMsg struct{}

// viewClosedMsg is returned once a device view finished tearing down.
type viewClosedMsg struct{}
