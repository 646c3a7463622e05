package servergroup

import (
	"context"
	"testing"

	"github.com/core-tools/hsu-testserver/pkg/logging"
	"github.com/core-tools/hsu-testserver/pkg/serverunit"
)

// Start enters a group for the duration of a test. The group is exited
// through t.Cleanup and a shutdown failure fails the test.
func Start(t testing.TB, specs ...serverunit.Spec) *Group {
	t.Helper()
	return StartWithOptions(t, Options{}, specs...)
}

func StartWithOptions(t testing.TB, options Options, specs ...serverunit.Spec) *Group {
	t.Helper()

	logger := logging.NewLogger("", logging.LogFuncs{
		Debugf: t.Logf,
		Infof:  t.Logf,
		Warnf:  t.Logf,
		Errorf: t.Logf,
	})

	group, err := New(specs, options, logger)
	if err != nil {
		t.Fatalf("invalid server group: %v", err)
	}
	if err := group.Enter(context.Background()); err != nil {
		t.Fatalf("server group failed to start: %v", err)
	}
	t.Cleanup(func() {
		if err := group.Exit(context.Background(), nil); err != nil {
			t.Errorf("server group failed to stop: %v", err)
		}
	})
	return group
}
