// Package probe answers "is something accepting TCP connections at address:port right now?".
package probe

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/core-tools/hsu-testserver/pkg/errors"
	"github.com/core-tools/hsu-testserver/pkg/logging"
)

const (
	DefaultInterval    = 100 * time.Millisecond
	DefaultTimeout     = 5000 * time.Millisecond
	DefaultDialTimeout = 500 * time.Millisecond
)

// Resolve validates address and port and returns the TCP address to dial.
// Failures are address_resolution errors and must not be retried.
func Resolve(address string, port int) (*net.TCPAddr, error) {
	if port <= 0 || port > 65535 {
		return nil, errors.NewAddressResolutionError(fmt.Sprintf("port must be between 1 and 65535, got %d", port), nil).
			WithContext("address", address).WithContext("port", port)
	}
	if address == "" {
		return nil, errors.NewAddressResolutionError("address cannot be empty", nil).WithContext("port", port)
	}
	tcpAddr, err := net.ResolveTCPAddr("tcp", net.JoinHostPort(address, strconv.Itoa(port)))
	if err != nil {
		return nil, errors.NewAddressResolutionError("failed to resolve address", err).
			WithContext("address", address).WithContext("port", port)
	}
	return tcpAddr, nil
}

// IsListening connects to address:port and immediately closes the connection.
// Refused or unreachable connections report false without error.
func IsListening(ctx context.Context, address string, port int) (bool, error) {
	tcpAddr, err := Resolve(address, port)
	if err != nil {
		return false, err
	}
	return dial(ctx, tcpAddr, DefaultDialTimeout), nil
}

func dial(ctx context.Context, tcpAddr *net.TCPAddr, timeout time.Duration) bool {
	dialer := net.Dialer{Timeout: timeout}
	conn, err := dialer.DialContext(ctx, "tcp", tcpAddr.String())
	if err != nil {
		return false
	}
	conn.Close()
	return true
}

// Options configures WaitListening
type Options struct {
	Interval    time.Duration
	Timeout     time.Duration
	DialTimeout time.Duration

	// Abort ends the wait early when closed, e.g. because the server process exited
	Abort <-chan struct{}
}

func (o Options) withDefaults() Options {
	if o.Interval <= 0 {
		o.Interval = DefaultInterval
	}
	if o.Timeout <= 0 {
		o.Timeout = DefaultTimeout
	}
	if o.DialTimeout <= 0 {
		o.DialTimeout = DefaultDialTimeout
	}
	return o
}

// ErrAborted is the cause reported when Options.Abort fires before readiness
var ErrAborted = fmt.Errorf("wait aborted")

// WaitListening polls IsListening at a fixed interval until it succeeds or the
// cumulative wait exceeds the timeout. The time spent inside a dial is not
// counted, matching a poll loop that sleeps and adds the interval.
func WaitListening(ctx context.Context, address string, port int, options Options, logger logging.Logger) error {
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	options = options.withDefaults()

	tcpAddr, err := Resolve(address, port)
	if err != nil {
		return err
	}

	var waited time.Duration
	attempts := 0
	for {
		attempts++
		if dial(ctx, tcpAddr, options.DialTimeout) {
			logger.Debugf("Listener is up, address: %s, attempts: %d, waited: %v", tcpAddr, attempts, waited)
			return nil
		}

		if waited >= options.Timeout {
			break
		}

		timer := time.NewTimer(options.Interval)
		select {
		case <-timer.C:
		case <-options.Abort:
			timer.Stop()
			return errors.NewCancelledError("readiness wait aborted", ErrAborted).WithContext("address", tcpAddr.String())
		case <-ctx.Done():
			timer.Stop()
			return errors.NewCancelledError("readiness wait cancelled", ctx.Err()).WithContext("address", tcpAddr.String())
		}
		waited += options.Interval
	}

	logger.Warnf("Timed out waiting for listener, address: %s, attempts: %d, timeout: %v", tcpAddr, attempts, options.Timeout)
	return errors.NewStartupTimeoutError(
		fmt.Sprintf("timed out after %v waiting for %s to accept connections", options.Timeout, tcpAddr), nil).
		WithContext("address", tcpAddr.String()).WithContext("attempts", attempts)
}
