package probe

import (
	"context"
	"net"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/launchdarkly/go-test-helpers/v2/httphelpers"
	"github.com/phayes/freeport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/core-tools/hsu-testserver/pkg/errors"
)

func hostPort(t *testing.T, server *httptest.Server) (string, int) {
	t.Helper()
	host, portStr, err := net.SplitHostPort(server.Listener.Addr().String())
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)
	return host, port
}

func TestIsListening_Listening(t *testing.T) {
	httphelpers.WithServer(httphelpers.HandlerWithStatus(204), func(server *httptest.Server) {
		host, port := hostPort(t, server)

		ok, err := IsListening(context.Background(), host, port)
		require.NoError(t, err)
		assert.True(t, ok)
	})
}

func TestIsListening_Refused(t *testing.T) {
	port, err := freeport.GetFreePort()
	require.NoError(t, err)

	ok, err := IsListening(context.Background(), "127.0.0.1", port)
	require.NoError(t, err, "connection refused means not ready yet, not an error")
	assert.False(t, ok)
}

func TestIsListening_AddressResolutionErrors(t *testing.T) {
	tests := []struct {
		name    string
		address string
		port    int
	}{
		{"zero_port", "127.0.0.1", 0},
		{"port_too_large", "127.0.0.1", 70000},
		{"empty_address", "", 8080},
		{"unresolvable_host", "no-such-host.invalid", 8080},
		{"malformed_ip", "127.0.0.1.5.6", 8080},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ok, err := IsListening(context.Background(), tt.address, tt.port)
			assert.False(t, ok)
			require.Error(t, err)
			assert.True(t, errors.IsAddressResolutionError(err), "got %v", err)
		})
	}
}

func TestWaitListening_BecomesReady(t *testing.T) {
	port, err := freeport.GetFreePort()
	require.NoError(t, err)

	ready := make(chan net.Listener, 1)
	go func() {
		time.Sleep(300 * time.Millisecond)
		listener, err := net.Listen("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)))
		if err != nil {
			close(ready)
			return
		}
		ready <- listener
	}()

	start := time.Now()
	err = WaitListening(context.Background(), "127.0.0.1", port, Options{Timeout: 3 * time.Second}, nil)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, time.Since(start), 250*time.Millisecond)

	listener, ok := <-ready
	require.True(t, ok)
	listener.Close()
}

func TestWaitListening_Timeout(t *testing.T) {
	port, err := freeport.GetFreePort()
	require.NoError(t, err)

	start := time.Now()
	err = WaitListening(context.Background(), "127.0.0.1", port,
		Options{Interval: 20 * time.Millisecond, Timeout: 200 * time.Millisecond}, nil)
	require.Error(t, err)
	assert.True(t, errors.IsStartupTimeoutError(err), "got %v", err)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestWaitListening_ResolutionFailureIsImmediate(t *testing.T) {
	start := time.Now()
	err := WaitListening(context.Background(), "127.0.0.1", -1, Options{Timeout: 5 * time.Second}, nil)
	require.Error(t, err)
	assert.True(t, errors.IsAddressResolutionError(err))
	assert.Less(t, time.Since(start), time.Second)
}

func TestWaitListening_Abort(t *testing.T) {
	port, err := freeport.GetFreePort()
	require.NoError(t, err)

	abort := make(chan struct{})
	time.AfterFunc(100*time.Millisecond, func() { close(abort) })

	err = WaitListening(context.Background(), "127.0.0.1", port, Options{Timeout: 5 * time.Second, Abort: abort}, nil)
	require.Error(t, err)
	assert.True(t, errors.IsCancelledError(err))
	assert.ErrorIs(t, err, ErrAborted)
}

func TestWaitListening_ContextCancelled(t *testing.T) {
	port, err := freeport.GetFreePort()
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 150*time.Millisecond)
	defer cancel()

	err = WaitListening(ctx, "127.0.0.1", port, Options{Timeout: 5 * time.Second}, nil)
	require.Error(t, err)
	assert.True(t, errors.IsCancelledError(err))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
