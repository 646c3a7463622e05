package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	flags "github.com/jessevdk/go-flags"

	"github.com/core-tools/hsu-testserver/pkg/logcollection"
	"github.com/core-tools/hsu-testserver/pkg/tabevents"
)

type flagOptions struct {
	Seed     int64         `long:"seed" description:"random seed, defaults to the current time"`
	Duration time.Duration `long:"duration" description:"stop after this long, zero runs until interrupted"`
	MinDelay time.Duration `long:"min-delay" default:"100ms" description:"minimum pause between bursts"`
}

func main() {
	var opts flagOptions
	var parser = flags.NewParser(&opts, flags.HelpFlag)
	if _, err := parser.ParseArgs(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "Command line flags parsing failed: %v\n", err)
		os.Exit(2)
	}

	// stdout carries the event stream, so logs go to stderr
	structured, logger, err := logcollection.NewLogger(logcollection.DefaultZapConfig())
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer structured.Sync()

	if opts.Seed == 0 {
		opts.Seed = time.Now().UnixNano()
	}

	config := tabevents.DefaultGeneratorConfig()
	config.MinDelay = opts.MinDelay
	generator, err := tabevents.NewGenerator(config, opts.Seed, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if opts.Duration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Duration)
		defer cancel()
	}

	out := bufio.NewWriter(os.Stdout)
	err = generator.Run(ctx, tabevents.NewEncoder(flushWriter{out}))
	out.Flush()
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
}

// flushWriter pushes each frame out immediately so a reading host sees
// events as they are generated.
type flushWriter struct {
	w *bufio.Writer
}

func (f flushWriter) Write(p []byte) (int, error) {
	n, err := f.w.Write(p)
	if err != nil {
		return n, err
	}
	return n, f.w.Flush()
}
