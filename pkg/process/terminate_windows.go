//go:build windows

package process

import (
	"os"
)

// SendTerminationSignal has no cooperative equivalent for a console-less
// worker on Windows, so it terminates the process outright.
func SendTerminationSignal(pid int) error {
	return KillProcessGroup(pid)
}

func KillProcessGroup(pid int) error {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return nil
	}
	if err := proc.Kill(); err != nil && err != os.ErrProcessDone {
		return err
	}
	return nil
}
