package servergroup

import (
	"fmt"

	"github.com/core-tools/hsu-testserver/pkg/serverunit"
)

// GroupStartupError reports the first unit that failed to start or become
// ready. Every unit of the group has been stopped when it is returned.
type GroupStartupError struct {
	FailedSpec serverunit.Spec
	Index      int
	Cause      error
}

func (e *GroupStartupError) Error() string {
	return fmt.Sprintf("group startup failed at server %d (%s): %v", e.Index, e.FailedSpec, e.Cause)
}

func (e *GroupStartupError) Unwrap() error {
	return e.Cause
}

// GroupShutdownError carries the first stop failure. Failures lists all of
// them in stop order.
type GroupShutdownError struct {
	Cause    error
	Failures []error
}

func (e *GroupShutdownError) Error() string {
	if len(e.Failures) > 1 {
		return fmt.Sprintf("group shutdown failed (%d servers): %v", len(e.Failures), e.Cause)
	}
	return fmt.Sprintf("group shutdown failed: %v", e.Cause)
}

func (e *GroupShutdownError) Unwrap() error {
	return e.Cause
}
