//go:build !windows

package serverunit

import (
	"os"
	"syscall"
)

// terminatedByShutdownSignal covers a worker that received SIGTERM before it
// installed its handler; the runtime's default action then ends it.
func terminatedByShutdownSignal(state *os.ProcessState) bool {
	status, ok := state.Sys().(syscall.WaitStatus)
	return ok && status.Signaled() && status.Signal() == syscall.SIGTERM
}
