// Package fixture runs a server group described by a YAML fixture file
// until it is interrupted, for manual browser testing outside go test.
package fixture

import (
	"context"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/core-tools/hsu-testserver/pkg/errors"
	"github.com/core-tools/hsu-testserver/pkg/logcollection"
	"github.com/core-tools/hsu-testserver/pkg/logging"
	"github.com/core-tools/hsu-testserver/pkg/process"
	"github.com/core-tools/hsu-testserver/pkg/processfile"
	"github.com/core-tools/hsu-testserver/pkg/servergroup"
	"github.com/core-tools/hsu-testserver/pkg/serverunit"
)

type RunOptions struct {
	ConfigFile string

	// RunDuration stops the fixture after the given time; zero runs until signalled
	RunDuration time.Duration

	// OnReady is called once every server accepts connections
	OnReady func(group *servergroup.Group)
}

// Run loads the fixture, enters the group, waits for SIGINT/SIGTERM, the
// run duration or ctx, then exits the group.
func Run(ctx context.Context, options RunOptions, logger logging.Logger) error {
	logger.Infof("Using CONFIGURATION FILE: %s", options.ConfigFile)

	config, err := LoadConfigFromFile(options.ConfigFile)
	if err != nil {
		return err
	}
	if err := ValidateConfig(config); err != nil {
		return errors.NewValidationError("configuration validation failed", err).WithContext("config_file", options.ConfigFile)
	}

	workerLogger, err := logcollection.NewZapAdapter(config.Log)
	if err != nil {
		return errors.NewIOError("failed to create worker logger", err)
	}
	defer workerLogger.Sync()

	group, err := servergroup.New(config.Specs(), servergroup.Options{
		ID:          config.Fixture.ID,
		Unit:        unitOptions(config, workerLogger, logger),
		BindTimeout: config.Fixture.BindTimeout,
	}, logger)
	if err != nil {
		return err
	}

	if options.RunDuration > 0 {
		logger.Infof("Using RUN DURATION of %v", options.RunDuration)
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, options.RunDuration)
		defer cancel()
	}

	sig := make(chan os.Signal, 1)
	if runtime.GOOS == "windows" {
		signal.Notify(sig, os.Interrupt)
	} else {
		signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	}
	defer signal.Stop(sig)

	if err := group.Enter(ctx); err != nil {
		return err
	}

	if options.OnReady != nil {
		options.OnReady(group)
	}

	select {
	case receivedSignal := <-sig:
		logger.Infof("Fixture received signal: %v", receivedSignal)
	case <-ctx.Done():
		logger.Infof("Fixture run ended: %v", ctx.Err())
	}

	stopCtx, cancel := context.WithTimeout(context.Background(), config.Fixture.StopTimeout)
	defer cancel()
	return group.Exit(stopCtx, nil)
}

func unitOptions(config *FixtureConfig, workerLogger logcollection.StructuredLogger, logger logging.Logger) serverunit.Options {
	options := serverunit.Options{
		Execution:     config.Worker.Execution,
		WorkerLogger:  workerLogger,
		ProbeInterval: config.Worker.ProbeInterval,
	}
	if config.Worker.ProcessFiles != nil {
		options.ProcessFiles = processfile.NewProcessFileManager(*config.Worker.ProcessFiles, logger)
	}
	return options
}

// Reap terminates workers left behind by a fixture run that did not shut
// down, using the PID files configured in the fixture.
func Reap(configFile string, logger logging.Logger) (int, error) {
	config, err := LoadConfigFromFile(configFile)
	if err != nil {
		return 0, err
	}

	pidConfig := processfile.ProcessFileConfig{}
	if config.Worker.ProcessFiles != nil {
		pidConfig = *config.Worker.ProcessFiles
	}
	manager := processfile.NewProcessFileManager(pidConfig, logger)
	logger.Infof("Reaping stale workers from %s", manager.Directory())

	return manager.Reap(process.KillProcessGroup)
}

// ValidateConfigFile loads and validates a fixture without running it
func ValidateConfigFile(configFile string) error {
	config, err := LoadConfigFromFile(configFile)
	if err != nil {
		return err
	}
	if err := ValidateConfig(config); err != nil {
		return errors.NewValidationError("configuration validation failed", err).WithContext("config_file", configFile)
	}
	return nil
}
