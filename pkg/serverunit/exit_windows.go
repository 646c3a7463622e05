//go:build windows

package serverunit

import (
	"os"
)

// On Windows the shutdown signal is TerminateProcess, which exits with code 1.
func terminatedByShutdownSignal(state *os.ProcessState) bool {
	return state.ExitCode() == 1
}
