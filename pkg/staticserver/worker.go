package staticserver

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"syscall"

	sprintfLogging "github.com/core-tools/hsu-core/pkg/logging/sprintf"
	flags "github.com/jessevdk/go-flags"

	"github.com/core-tools/hsu-testserver/pkg/errors"
	"github.com/core-tools/hsu-testserver/pkg/logging"
)

// WorkerEnvVar marks a process as a static server worker. A binary that
// calls RunIfWorker first thing in main or TestMain can re-execute itself
// as a worker by setting it.
const WorkerEnvVar = "HSU_TESTSERVER_WORKER"

const WorkerEnvValue = "1"

// Worker exit codes
const (
	ExitOK         = 0
	ExitServeError = 1
	ExitBadArgs    = 2
)

// WorkerEnvironment returns the environment entry that selects worker mode
func WorkerEnvironment() string {
	return WorkerEnvVar + "=" + WorkerEnvValue
}

// WorkerArgs renders opts as worker command line flags
func WorkerArgs(opts Options) []string {
	return []string{
		"--directory", opts.Directory,
		"--address", opts.Address,
		"--port", fmt.Sprint(opts.Port),
	}
}

// RunIfWorker runs the worker and exits when the process was started in
// worker mode. Otherwise it returns immediately.
func RunIfWorker() {
	if os.Getenv(WorkerEnvVar) != WorkerEnvValue {
		return
	}
	os.Exit(WorkerMain(os.Args[1:]))
}

// WorkerMain parses argv, serves until SIGTERM or SIGINT and returns the
// process exit code.
func WorkerMain(argv []string) int {
	var opts Options
	parser := flags.NewParser(&opts, flags.HelpFlag)
	if _, err := parser.ParseArgs(argv); err != nil {
		fmt.Printf("Command line flags parsing failed: %v\n", err)
		return ExitBadArgs
	}

	sprintfLogger := sprintfLogging.NewStdSprintfLogger()
	logger := logging.NewLogger(fmt.Sprintf("staticsrv[%d]: ", os.Getpid()), logging.LogFuncs{
		Debugf: sprintfLogger.Debugf,
		Infof:  sprintfLogger.Infof,
		Warnf:  sprintfLogger.Warnf,
		Errorf: sprintfLogger.Errorf,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sig := make(chan os.Signal, 1)
	if runtime.GOOS == "windows" {
		signal.Notify(sig, os.Interrupt)
	} else {
		signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	}
	defer signal.Stop(sig)

	go func() {
		select {
		case received := <-sig:
			logger.Infof("Received signal: %v", received)
			cancel()
		case <-ctx.Done():
		}
	}()

	err := Serve(ctx, opts, logger)
	if err == nil {
		return ExitOK
	}
	logger.Errorf("Worker failed: %v", err)
	if errors.IsValidationError(err) {
		return ExitBadArgs
	}
	return ExitServeError
}
