//go:build !windows

package process

import (
	"golang.org/x/sys/unix"
)

// SendTerminationSignal asks the worker's process group to shut down.
// A group that is already gone is not an error.
func SendTerminationSignal(pid int) error {
	if err := unix.Kill(-pid, unix.SIGTERM); err != nil && err != unix.ESRCH {
		return err
	}
	return nil
}

// KillProcessGroup force-kills the worker's process group.
func KillProcessGroup(pid int) error {
	if err := unix.Kill(-pid, unix.SIGKILL); err != nil && err != unix.ESRCH {
		return err
	}
	return nil
}
