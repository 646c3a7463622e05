// Package serverunit runs one static file server in its own worker process
// and tracks it through start, readiness and stop.
package serverunit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/core-tools/hsu-testserver/pkg/errors"
	"github.com/core-tools/hsu-testserver/pkg/logcollection"
	"github.com/core-tools/hsu-testserver/pkg/logging"
	"github.com/core-tools/hsu-testserver/pkg/probe"
	"github.com/core-tools/hsu-testserver/pkg/process"
	"github.com/core-tools/hsu-testserver/pkg/processfile"
	"github.com/core-tools/hsu-testserver/pkg/staticserver"
)

type Options struct {
	// Execution selects the worker binary. An empty ExecutablePath re-executes
	// the running binary, which must call staticserver.RunIfWorker early.
	Execution process.ExecutionConfig

	// WorkerLogger receives the worker's output lines. Defaults to a no-op logger.
	WorkerLogger logcollection.StructuredLogger

	// ProcessFiles records worker PIDs while they run. Optional.
	ProcessFiles *processfile.ProcessFileManager

	// ProbeInterval overrides the readiness poll interval
	ProbeInterval time.Duration
}

type Unit struct {
	id      string
	spec    Spec
	options Options
	logger  logging.Logger

	mutex     sync.RWMutex
	state     State
	worker    *worker
	stopped   chan struct{}
	lastError error
	startTime *time.Time
}

// New creates an idle unit. No process is spawned until Start.
func New(id string, spec Spec, options Options, logger logging.Logger) (*Unit, error) {
	if id == "" {
		return nil, errors.NewValidationError("unit id is required", nil)
	}
	resolved, err := spec.Resolve()
	if err != nil {
		return nil, err
	}
	if options.WorkerLogger == nil {
		options.WorkerLogger = logcollection.NewZapAdapterFromLogger(zap.NewNop())
	}

	return &Unit{
		id:      id,
		spec:    resolved,
		options: options,
		logger:  logging.WithPrefix(logger, fmt.Sprintf("unit: %s , ", id)),
		state:   StateIdle,
		stopped: make(chan struct{}),
	}, nil
}

func (u *Unit) ID() string {
	return u.id
}

func (u *Unit) Spec() Spec {
	return u.spec
}

// URL returns the http URL of path on this unit's server
func (u *Unit) URL(path string) string {
	return u.spec.URL(path)
}

func (u *Unit) State() State {
	u.mutex.RLock()
	defer u.mutex.RUnlock()
	return u.state
}

func (u *Unit) Diagnostics() Diagnostics {
	u.mutex.RLock()
	defer u.mutex.RUnlock()

	diagnostics := Diagnostics{
		ID:        u.id,
		Spec:      u.spec,
		State:     u.state,
		LastError: u.lastError,
		StartTime: u.startTime,
	}
	if u.worker != nil {
		diagnostics.PID = u.worker.process.Pid
		diagnostics.LinesLogged = u.worker.collector.LinesProcessed()
		if u.worker.exited() {
			code := u.worker.exitCode
			diagnostics.ExitCode = &code
		}
	}
	return diagnostics
}

// Start spawns the worker. It returns once the process exists; the worker
// may not be accepting connections yet.
func (u *Unit) Start(ctx context.Context) error {
	if ctx == nil {
		return errors.NewValidationError("context cannot be nil", nil)
	}

	u.mutex.Lock()
	defer u.mutex.Unlock()

	if u.state != StateIdle {
		return errors.NewValidationError(
			fmt.Sprintf("cannot start unit in state '%s': operation not allowed", u.state),
			nil).WithContext("unit_id", u.id).WithContext("current_state", string(u.state))
	}

	u.state = StateStarting
	u.logger.Debugf("State transition: idle -> starting")

	w, err := u.spawn(ctx)
	if err != nil {
		u.failUnderLock(err)
		return err
	}

	now := time.Now()
	u.worker = w
	u.startTime = &now

	if u.options.ProcessFiles != nil {
		if err := u.options.ProcessFiles.WritePIDFile(u.id, w.process.Pid); err != nil {
			u.logger.Warnf("Failed to write PID file: %v", err)
		}
	}

	u.logger.Infof("Worker started, PID: %d, serving %s", w.process.Pid, u.spec)
	return nil
}

func (u *Unit) spawn(ctx context.Context) (*worker, error) {
	// A foreign listener would otherwise pass the readiness probe.
	listening, err := probe.IsListening(ctx, u.spec.Address, u.spec.Port)
	if err != nil {
		return nil, err
	}
	if listening {
		return nil, errors.NewConflictError("address already in use", nil).WithContext("address", u.spec.HostPort())
	}

	execution := u.options.Execution
	if execution.ExecutablePath == "" {
		execution, err = process.SelfExecution()
		if err != nil {
			return nil, err
		}
		execution.WaitDelay = u.options.Execution.WaitDelay
	}
	execution = execution.
		WithArgs(staticserver.WorkerArgs(staticserver.Options{
			Directory: u.spec.Directory,
			Address:   u.spec.Address,
			Port:      u.spec.Port,
		})...).
		WithEnvironment(staticserver.WorkerEnvironment())

	execute := process.NewStdExecuteCmd(execution, u.id, u.logger)
	proc, output, err := execute(ctx)
	if err != nil {
		return nil, err
	}

	collector := logcollection.NewStreamCollector(u.id, u.options.WorkerLogger.WithFields(logcollection.PID(proc.Pid)))
	w := newWorker(proc, output, collector)
	go w.wait(u.logger)
	return w, nil
}

// WaitReady blocks until the worker accepts connections. A zero timeout
// uses Spec.BindTimeout, then the probe default. On failure the
// worker is reaped and the unit ends in Failed.
func (u *Unit) WaitReady(ctx context.Context, timeout time.Duration) error {
	if ctx == nil {
		return errors.NewValidationError("context cannot be nil", nil)
	}

	u.mutex.RLock()
	state, w := u.state, u.worker
	u.mutex.RUnlock()

	switch state {
	case StateReady:
		return nil
	case StateStarting:
	default:
		return errors.NewValidationError(
			fmt.Sprintf("cannot wait for readiness in state '%s'", state), nil).WithContext("unit_id", u.id)
	}

	if timeout <= 0 {
		timeout = u.spec.BindTimeout
	}

	err := probe.WaitListening(ctx, u.spec.Address, u.spec.Port, probe.Options{
		Interval: u.options.ProbeInterval,
		Timeout:  timeout,
		Abort:    w.done,
	}, u.logger)

	if err == nil && w.exited() {
		err = probe.ErrAborted
	}
	if err == nil {
		return u.markReady(w)
	}

	if errors.Is(err, probe.ErrAborted) {
		err = errors.NewWorkerExitError(w.exitCode, w.waitErr).WithContext("unit_id", u.id).WithContext("address", u.spec.HostPort())
	}
	u.logger.Errorf("Worker did not become ready: %v", err)
	return u.failAndReap(w, err)
}

func (u *Unit) markReady(w *worker) error {
	u.mutex.Lock()
	defer u.mutex.Unlock()

	if u.state != StateStarting || u.worker != w {
		return errors.NewCancelledError("unit stopped while waiting for readiness", nil).WithContext("unit_id", u.id)
	}
	u.state = StateReady
	u.logger.Debugf("State transition: starting -> ready")
	return nil
}

// failAndReap moves a starting unit to Failed and makes sure its worker is gone.
func (u *Unit) failAndReap(w *worker, cause error) error {
	if !u.claimForFailure(w, cause) {
		// Stop owns the worker now.
		return cause
	}

	w.kill(u.logger)
	u.releaseWorker(w)
	close(u.stopped)
	return cause
}

func (u *Unit) claimForFailure(w *worker, cause error) bool {
	u.mutex.Lock()
	defer u.mutex.Unlock()

	if u.state != StateStarting || u.worker != w {
		return false
	}
	u.failUnderLock(cause)
	return true
}

func (u *Unit) failUnderLock(cause error) {
	u.logger.Debugf("State transition: %s -> failed", u.state)
	u.state = StateFailed
	u.lastError = cause
	if u.worker == nil {
		close(u.stopped)
	}
}

// stopPlan holds data extracted under lock for a stop
type stopPlan struct {
	worker        *worker
	waitFor       <-chan struct{}
	shouldProceed bool
}

func (u *Unit) validateAndPlanStop() *stopPlan {
	u.mutex.Lock()
	defer u.mutex.Unlock()

	plan := &stopPlan{}

	switch u.state {
	case StateIdle:
		u.logger.Debugf("Stop on idle unit, nothing to do")
		return plan
	case StateStopping, StateStopped, StateFailed:
		// A failed unit may still be reaping its worker.
		plan.waitFor = u.stopped
		return plan
	}

	u.logger.Debugf("State transition: %s -> stopping", u.state)
	u.state = StateStopping
	plan.worker = u.worker
	plan.shouldProceed = true
	return plan
}

// Stop sets the shutdown signal and waits for the worker to exit. Stopping
// an idle, stopped or failed unit is a no-op. If ctx ends first the worker
// is killed and a cancelled error is returned.
func (u *Unit) Stop(ctx context.Context) error {
	if ctx == nil {
		return errors.NewValidationError("context cannot be nil", nil)
	}

	plan := u.validateAndPlanStop()
	if !plan.shouldProceed {
		if plan.waitFor != nil {
			select {
			case <-plan.waitFor:
			case <-ctx.Done():
				return errors.NewCancelledError("waiting for concurrent stop cancelled", ctx.Err()).WithContext("unit_id", u.id)
			}
		}
		return nil
	}

	w := plan.worker
	w.requestShutdown(u.logger)

	var stopErr error
	select {
	case <-w.done:
		if !w.cleanExit() {
			stopErr = errors.NewWorkerExitError(w.exitCode, w.waitErr).WithContext("unit_id", u.id)
		}
	case <-ctx.Done():
		u.logger.Warnf("Context ended while waiting for worker PID %d to exit", w.process.Pid)
		w.kill(u.logger)
		stopErr = errors.NewCancelledError("stop cancelled, worker killed", ctx.Err()).WithContext("unit_id", u.id)
	}

	u.releaseWorker(w)
	u.finalizeStop(stopErr)

	if stopErr != nil {
		u.logger.Errorf("Worker stop failed: %v", stopErr)
		return stopErr
	}
	u.logger.Infof("Worker stopped")
	return nil
}

func (u *Unit) finalizeStop(stopErr error) {
	u.mutex.Lock()
	defer u.mutex.Unlock()

	if stopErr != nil {
		u.state = StateFailed
		u.lastError = stopErr
	} else {
		u.state = StateStopped
	}
	u.logger.Debugf("State transition: stopping -> %s", u.state)
	close(u.stopped)
}

func (u *Unit) releaseWorker(w *worker) {
	w.release(u.logger)
	if u.options.ProcessFiles != nil {
		if err := u.options.ProcessFiles.RemovePIDFile(u.id); err != nil {
			u.logger.Warnf("Failed to remove PID file: %v", err)
		}
	}
}
