package serverunit

import (
	"time"
)

// State is the lifecycle state of a unit
type State string

const (
	StateIdle     State = "idle"     // no worker yet
	StateStarting State = "starting" // worker spawned, not yet accepting connections
	StateReady    State = "ready"    // accepting connections
	StateStopping State = "stopping" // shutdown signal sent
	StateStopped  State = "stopped"  // worker exited cleanly
	StateFailed   State = "failed"   // terminal failure, worker reaped
)

// IsTerminal reports whether no further transitions are possible
func (s State) IsTerminal() bool {
	return s == StateStopped || s == StateFailed
}

// Diagnostics is a point-in-time snapshot of a unit
type Diagnostics struct {
	ID          string
	Spec        Spec
	State       State
	PID         int
	ExitCode    *int
	LastError   error
	StartTime   *time.Time
	LinesLogged int64
}
