package main

import (
	"context"
	"fmt"
	"os"
	"time"

	sprintfLogging "github.com/core-tools/hsu-core/pkg/logging/sprintf"
	"github.com/fatih/color"
	flags "github.com/jessevdk/go-flags"

	"github.com/core-tools/hsu-testserver/pkg/errors"
	"github.com/core-tools/hsu-testserver/pkg/fixture"
	"github.com/core-tools/hsu-testserver/pkg/logging"
	"github.com/core-tools/hsu-testserver/pkg/servergroup"
	"github.com/core-tools/hsu-testserver/pkg/staticserver"
)

type flagOptions struct {
	Config      string        `long:"config" short:"c" description:"fixture configuration file" required:"true"`
	RunDuration time.Duration `long:"run-duration" description:"stop after this long (e.g. 30s), zero runs until interrupted"`
	Reap        bool          `long:"reap" description:"terminate workers left behind by an earlier run and exit"`
	Validate    bool          `long:"validate" description:"validate the configuration and exit"`
}

func logPrefix(module string) string {
	return fmt.Sprintf("module: %s , ", module)
}

func main() {
	// The fixture re-executes this binary for each server.
	staticserver.RunIfWorker()

	var opts flagOptions
	var argv []string = os.Args[1:]
	var parser = flags.NewParser(&opts, flags.HelpFlag)
	_, err := parser.ParseArgs(argv)
	if err != nil {
		fmt.Printf("Command line flags parsing failed: %v\n", err)
		os.Exit(staticserver.ExitBadArgs)
	}

	sprintfLogger := sprintfLogging.NewStdSprintfLogger()
	logger := logging.NewLogger(logPrefix("fixture"), logging.LogFuncs{
		Debugf: sprintfLogger.Debugf,
		Infof:  sprintfLogger.Infof,
		Warnf:  sprintfLogger.Warnf,
		Errorf: sprintfLogger.Errorf,
	})

	logger.Infof("opts: %+v", opts)

	switch {
	case opts.Validate:
		if err := fixture.ValidateConfigFile(opts.Config); err != nil {
			fail(err)
		}
		color.Green("Configuration %s is valid", opts.Config)

	case opts.Reap:
		reaped, err := fixture.Reap(opts.Config, logger)
		if err != nil {
			color.Yellow("Reaped %d workers with errors", reaped)
			fail(err)
		}
		color.Green("Reaped %d stale workers", reaped)

	default:
		err := fixture.Run(context.Background(), fixture.RunOptions{
			ConfigFile:  opts.Config,
			RunDuration: opts.RunDuration,
			OnReady:     printReady,
		}, logger)
		if err != nil {
			fail(err)
		}
		color.Green("All servers stopped")
	}
}

func printReady(group *servergroup.Group) {
	color.New(color.Bold).Printf("Fixture %s ready, press Ctrl+C to stop\n", group.ID())
	for _, unit := range group.Units() {
		fmt.Printf("  %s  %s\n", color.CyanString(unit.URL("/")), unit.Spec().Directory)
	}
}

func fail(err error) {
	color.Red("Error: %v", err)
	if code, ok := errors.ExitCode(err); ok && code > 0 {
		os.Exit(code)
	}
	os.Exit(1)
}
