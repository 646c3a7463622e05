package serverunit

import (
	"io"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/core-tools/hsu-testserver/pkg/logcollection"
	"github.com/core-tools/hsu-testserver/pkg/logging"
	"github.com/core-tools/hsu-testserver/pkg/process"
)

// reapTimeout bounds the wait for a worker that was sent SIGKILL
const reapTimeout = 5 * time.Second

// outputDrainTimeout bounds the wait for the output pipe to reach EOF
// after the worker is gone. A descendant outside the worker's process
// group can keep the write end open indefinitely.
var outputDrainTimeout = 2 * time.Second

// worker is the handle of one spawned worker process. exitCode and
// exitedOnRequest are written once before done is closed.
type worker struct {
	process   *os.Process
	output    io.ReadCloser
	collector *logcollection.StreamCollector

	shutdownOnce sync.Once
	shutdownSent atomic.Bool

	done            chan struct{}
	exitCode        int
	exitedOnRequest bool
	waitErr         error
}

func newWorker(proc *os.Process, output io.ReadCloser, collector *logcollection.StreamCollector) *worker {
	w := &worker{
		process:   proc,
		output:    output,
		collector: collector,
		done:      make(chan struct{}),
	}
	collector.Collect(output, logcollection.StdoutStream)
	return w
}

func (w *worker) wait(logger logging.Logger) {
	state, err := w.process.Wait()
	if err != nil {
		logger.Warnf("Worker PID %d wait failed: %v", w.process.Pid, err)
		w.waitErr = err
		w.exitCode = -1
	} else {
		logger.Infof("Worker PID %d exited with status: %v", w.process.Pid, state)
		w.exitCode = state.ExitCode()
		w.exitedOnRequest = terminatedByShutdownSignal(state)
	}
	close(w.done)
}

func (w *worker) exited() bool {
	select {
	case <-w.done:
		return true
	default:
		return false
	}
}

// requestShutdown sets the cross-process shutdown signal once
func (w *worker) requestShutdown(logger logging.Logger) {
	w.shutdownOnce.Do(func() {
		w.shutdownSent.Store(true)
		logger.Infof("Sending termination signal to worker PID %d", w.process.Pid)
		if err := process.SendTerminationSignal(w.process.Pid); err != nil {
			logger.Warnf("Failed to send termination signal to PID %d: %v", w.process.Pid, err)
		}
	})
}

// kill force-terminates the worker and waits for it to be reaped
func (w *worker) kill(logger logging.Logger) bool {
	if !w.exited() {
		logger.Warnf("Force killing worker PID %d", w.process.Pid)
		if err := process.KillProcessGroup(w.process.Pid); err != nil {
			logger.Warnf("Failed to kill process group %d: %v", w.process.Pid, err)
			w.process.Kill()
		}
	}
	select {
	case <-w.done:
		return true
	case <-time.After(reapTimeout):
		logger.Errorf("Worker PID %d did not exit after kill", w.process.Pid)
		return false
	}
}

// cleanExit reports whether the worker ended the way a requested shutdown should end
func (w *worker) cleanExit() bool {
	if w.waitErr != nil {
		return false
	}
	return w.exitCode == 0 || (w.shutdownSent.Load() && w.exitedOnRequest)
}

// release drains the output stream and closes it. If the worker was never
// reaped the stream is closed first so the collector stops at once.
func (w *worker) release(logger logging.Logger) {
	if !w.exited() {
		w.output.Close()
	}

	drained := make(chan struct{})
	go func() {
		w.collector.Wait()
		close(drained)
	}()

	select {
	case <-drained:
	case <-time.After(outputDrainTimeout):
		logger.Warnf("Output of worker PID %d still open after exit, closing it", w.process.Pid)
		w.output.Close()
		<-drained
	}
	w.output.Close()
}
