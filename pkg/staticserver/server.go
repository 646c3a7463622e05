// Package staticserver is the worker side of a server unit: it serves one
// directory over HTTP on one address until told to shut down.
package staticserver

import (
	"context"
	"net"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/core-tools/hsu-testserver/pkg/errors"
	"github.com/core-tools/hsu-testserver/pkg/logging"
)

type Options struct {
	Directory string `long:"directory" required:"true" description:"Directory to serve"`
	Address   string `long:"address" default:"127.0.0.1" description:"Address to bind"`
	Port      int    `long:"port" required:"true" description:"Port to bind"`
}

func (o Options) Validate() error {
	if o.Directory == "" {
		return errors.NewValidationError("directory is required", nil)
	}
	info, err := os.Stat(o.Directory)
	if err != nil {
		return errors.NewValidationError("directory not accessible: "+o.Directory, err)
	}
	if !info.IsDir() {
		return errors.NewValidationError("not a directory: "+o.Directory, nil)
	}
	if o.Port <= 0 || o.Port > 65535 {
		return errors.NewValidationError("port must be between 1 and 65535", nil).WithContext("port", o.Port)
	}
	if o.Address == "" {
		return errors.NewValidationError("address is required", nil)
	}
	return nil
}

func (o Options) hostPort() string {
	return net.JoinHostPort(o.Address, strconv.Itoa(o.Port))
}

// Serve binds the listener, serves the directory and blocks until ctx is
// done. On cancellation it stops accepting, waits for in-flight requests to
// finish and returns nil.
func Serve(ctx context.Context, opts Options, logger logging.Logger) error {
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	if err := opts.Validate(); err != nil {
		return err
	}

	listener, err := net.Listen("tcp", opts.hostPort())
	if err != nil {
		return errors.NewProcessError("failed to bind", err).WithContext("address", opts.hostPort())
	}

	server := &http.Server{
		Handler:           logRequests(http.FileServer(http.Dir(opts.Directory)), logger),
		ReadHeaderTimeout: 10 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- server.Serve(listener)
	}()

	logger.Infof("Serving %s on http://%s", opts.Directory, listener.Addr())

	select {
	case err := <-serveErr:
		return errors.NewProcessError("server stopped unexpectedly", err).WithContext("address", opts.hostPort())
	case <-ctx.Done():
	}

	logger.Infof("Shutting down http://%s", listener.Addr())
	if err := server.Shutdown(context.Background()); err != nil {
		return errors.NewProcessError("graceful shutdown failed", err).WithContext("address", opts.hostPort())
	}
	<-serveErr

	logger.Infof("Stopped http://%s", listener.Addr())
	return nil
}

func logRequests(next http.Handler, logger logging.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		logger.Debugf("%s %s from %s", r.Method, r.URL.Path, r.RemoteAddr)
		next.ServeHTTP(w, r)
	})
}
