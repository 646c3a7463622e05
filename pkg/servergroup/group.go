// Package servergroup starts a set of static servers as one unit: either
// all of them become ready or none is left running.
package servergroup

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/core-tools/hsu-testserver/pkg/errors"
	"github.com/core-tools/hsu-testserver/pkg/logcollection"
	"github.com/core-tools/hsu-testserver/pkg/logging"
	"github.com/core-tools/hsu-testserver/pkg/serverunit"
)

type Options struct {
	// ID names the group in logs. Defaults to a random UUID.
	ID string

	// Unit is applied to every member
	Unit serverunit.Options

	// BindTimeout is used for specs that do not set their own
	BindTimeout time.Duration
}

type Group struct {
	id     string
	units  []*serverunit.Unit
	logger logging.Logger
}

// New validates the specs and creates idle units. No process is spawned.
func New(specs []serverunit.Spec, options Options, logger logging.Logger) (*Group, error) {
	id := options.ID
	if id == "" {
		id = uuid.NewString()
	}
	groupLogger := logging.WithPrefix(logger, fmt.Sprintf("group: %s , ", id))

	unitOptions := options.Unit
	if unitOptions.WorkerLogger != nil {
		unitOptions.WorkerLogger = unitOptions.WorkerLogger.WithFields(logcollection.Group(id))
	}

	units := make([]*serverunit.Unit, 0, len(specs))
	for i, spec := range specs {
		if spec.BindTimeout == 0 {
			spec.BindTimeout = options.BindTimeout
		}
		resolved, err := spec.Resolve()
		if err != nil {
			return nil, errors.NewValidationError("invalid server spec", err).WithContext("index", i)
		}
		if err := resolved.Validate(); err != nil {
			return nil, errors.NewValidationError("invalid server spec", err).WithContext("index", i).WithContext("spec", resolved.String())
		}

		unit, err := serverunit.New(unitID(id, i), resolved, unitOptions, groupLogger)
		if err != nil {
			return nil, err
		}
		units = append(units, unit)
	}

	groupLogger.Debugf("Group created with %d servers", len(units))
	return &Group{
		id:     id,
		units:  units,
		logger: groupLogger,
	}, nil
}

func unitID(groupID string, index int) string {
	short := groupID
	if len(short) > 8 {
		short = short[:8]
	}
	return fmt.Sprintf("%s-%d", short, index)
}

func (g *Group) ID() string {
	return g.id
}

// Units returns the members in spec order
func (g *Group) Units() []*serverunit.Unit {
	units := make([]*serverunit.Unit, len(g.units))
	copy(units, g.units)
	return units
}

func (g *Group) Len() int {
	return len(g.units)
}

// URL returns the http URL of path on the i-th server
func (g *Group) URL(i int, path string) string {
	return g.units[i].URL(path)
}

// Enter starts every server, then waits for each to accept connections, in
// spec order. On the first failure all servers are stopped and a
// *GroupStartupError is returned.
func (g *Group) Enter(ctx context.Context) error {
	g.logger.Infof("Starting %d servers", len(g.units))

	for i, unit := range g.units {
		if err := unit.Start(ctx); err != nil {
			return g.rollback(ctx, i, err)
		}
	}

	for i, unit := range g.units {
		if err := unit.WaitReady(ctx, 0); err != nil {
			return g.rollback(ctx, i, err)
		}
	}

	g.logger.Infof("All %d servers ready", len(g.units))
	return nil
}

func (g *Group) rollback(ctx context.Context, index int, cause error) error {
	failed := g.units[index]
	g.logger.Errorf("Server %s failed to start, rolling back: %v", failed.ID(), cause)

	// Cleanup must run even if the caller's context is what failed.
	if err := g.stopAll(context.WithoutCancel(ctx)); err != nil {
		g.logger.Errorf("Rollback left errors: %v", err)
	}

	return &GroupStartupError{
		FailedSpec: failed.Spec(),
		Index:      index,
		Cause:      cause,
	}
}

// Exit stops every server in spec order regardless of individual failures.
// A non-nil bodyErr is returned unchanged and any stop failure is only
// logged; otherwise the first stop failure is returned as *GroupShutdownError.
func (g *Group) Exit(ctx context.Context, bodyErr error) error {
	stopErr := g.stopAll(ctx)

	if bodyErr != nil {
		if stopErr != nil {
			g.logger.Errorf("Server shutdown failed while handling another error: %v", stopErr)
		}
		return bodyErr
	}
	if stopErr != nil {
		return stopErr
	}
	g.logger.Infof("All servers stopped")
	return nil
}

func (g *Group) stopAll(ctx context.Context) error {
	errs := errors.NewErrorCollection()
	for _, unit := range g.units {
		if err := unit.Stop(ctx); err != nil {
			g.logger.Errorf("Failed to stop server %s: %v", unit.ID(), err)
			errs.Add(err)
		}
	}
	if !errs.HasErrors() {
		return nil
	}
	return &GroupShutdownError{
		Cause:    errs.First(),
		Failures: errs.Errors,
	}
}

// ErrBodyAborted is the body error Run hands to Exit when body ends through
// runtime.Goexit, as t.FailNow and require do.
var ErrBodyAborted = errors.NewCancelledError("group body exited without returning", nil)

// Run enters the group, runs body and always exits the group afterwards.
// A panic in body is re-raised once every server is stopped. If body calls
// runtime.Goexit the servers are stopped and the goroutine keeps unwinding.
func (g *Group) Run(ctx context.Context, body func(ctx context.Context, g *Group) error) error {
	if err := g.Enter(ctx); err != nil {
		return err
	}

	exited := false
	defer func() {
		if exited {
			return
		}
		if r := recover(); r != nil {
			g.Exit(context.WithoutCancel(ctx), fmt.Errorf("panic: %v", r))
			panic(r)
		}
		g.Exit(context.WithoutCancel(ctx), ErrBodyAborted)
	}()

	bodyErr := body(ctx, g)
	exited = true
	return g.Exit(context.WithoutCancel(ctx), bodyErr)
}
