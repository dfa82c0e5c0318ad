package provisioner

import "time"

// State is the readiness state of the served model.
type State int

const (
	// StateAbsent means no usable artifact is on disk. A download may be started.
	StateAbsent State = iota
	// StateDownloading means provisioning (download and/or load) is in flight.
	StateDownloading
	// StateReady means the model is loaded and can be invoked.
	StateReady
	// StateLoadFailed means the artifact exists but could not be loaded. The
	// state is terminal until the artifact is removed.
	StateLoadFailed
)

// String implements fmt.Stringer.
func (s State) String() string {
	switch s {
	case StateAbsent:
		return "Absent"
	case StateDownloading:
		return "Downloading"
	case StateReady:
		return "Ready"
	case StateLoadFailed:
		return "LoadFailed"
	default:
		return "Unknown"
	}
}

// Status is a snapshot of the provisioner.
type Status struct {
	State State
	// Reason is the last failure reason. Empty when the model is ready.
	Reason    string
	UpdatedAt time.Time
}
