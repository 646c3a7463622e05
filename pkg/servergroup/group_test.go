package servergroup

import (
	"context"
	stderrors "errors"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/phayes/freeport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/core-tools/hsu-testserver/pkg/errors"
	"github.com/core-tools/hsu-testserver/pkg/processstate"
	"github.com/core-tools/hsu-testserver/pkg/serverunit"
	"github.com/core-tools/hsu-testserver/pkg/staticserver"
)

func TestMain(m *testing.M) {
	staticserver.RunIfWorker()
	os.Exit(m.Run())
}

// MockLogger is a mock implementation of logging.Logger
type MockLogger struct {
	mock.Mock
}

func (m *MockLogger) LogLevelf(level int, format string, args ...interface{}) {
	m.Called(level, format, args)
}

func (m *MockLogger) Debugf(format string, args ...interface{}) {
	m.Called(format, args)
}

func (m *MockLogger) Infof(format string, args ...interface{}) {
	m.Called(format, args)
}

func (m *MockLogger) Warnf(format string, args ...interface{}) {
	m.Called(format, args)
}

func (m *MockLogger) Errorf(format string, args ...interface{}) {
	m.Called(format, args)
}

func newMockLogger() *MockLogger {
	logger := &MockLogger{}
	logger.On("Debugf", mock.Anything, mock.Anything).Maybe()
	logger.On("Infof", mock.Anything, mock.Anything).Maybe()
	logger.On("Warnf", mock.Anything, mock.Anything).Maybe()
	logger.On("Errorf", mock.Anything, mock.Anything).Maybe()
	return logger
}

func writeSite(t *testing.T, files map[string]string) string {
	t.Helper()
	dir := t.TempDir()
	for name, content := range files {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0644))
	}
	return dir
}

func freePorts(t *testing.T, n int) []int {
	t.Helper()
	ports, err := freeport.GetFreePorts(n)
	require.NoError(t, err)
	return ports
}

func twoSpecs(t *testing.T) []serverunit.Spec {
	ports := freePorts(t, 2)
	return []serverunit.Spec{
		{Directory: writeSite(t, map[string]string{"one.html": "<title>One Site</title>"}), Port: ports[0]},
		{Directory: writeSite(t, map[string]string{"two.html": "<title>Two Site</title>"}), Port: ports[1]},
	}
}

func fetch(t *testing.T, url string) (int, string) {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, string(body)
}

func isListening(hostPort string) bool {
	conn, err := net.DialTimeout("tcp", hostPort, time.Second)
	if err != nil {
		return false
	}
	conn.Close()
	return true
}

func assertAllGone(t *testing.T, g *Group) {
	t.Helper()
	for _, unit := range g.Units() {
		d := unit.Diagnostics()
		assert.True(t, d.State.IsTerminal() || d.State == serverunit.StateIdle, "unit %s in state %s", d.ID, d.State)
		if d.PID != 0 {
			running, err := processstate.IsProcessRunning(d.PID)
			require.NoError(t, err)
			assert.False(t, running, "worker of %s still running", d.ID)
		}
		assert.False(t, isListening(d.Spec.HostPort()), "%s still listening", d.Spec.HostPort())
	}
}

func TestGroup_EnterExit(t *testing.T) {
	g, err := New(twoSpecs(t), Options{}, newMockLogger())
	require.NoError(t, err)
	assert.NotEmpty(t, g.ID())
	assert.Equal(t, 2, g.Len())

	ctx := context.Background()
	require.NoError(t, g.Enter(ctx))

	for _, unit := range g.Units() {
		assert.Equal(t, serverunit.StateReady, unit.State())
		assert.True(t, isListening(unit.Spec().HostPort()))
	}

	status, body := fetch(t, g.URL(0, "one.html"))
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "<title>One Site</title>", body)

	status, body = fetch(t, g.URL(1, "/two.html"))
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "<title>Two Site</title>", body)

	status, _ = fetch(t, g.URL(1, "one.html"))
	assert.Equal(t, http.StatusNotFound, status, "each server only serves its own directory")

	require.NoError(t, g.Exit(ctx, nil))
	for _, unit := range g.Units() {
		assert.Equal(t, serverunit.StateStopped, unit.State())
	}
	assertAllGone(t, g)

	require.NoError(t, g.Exit(ctx, nil), "exit is idempotent")
}

func TestNew_MissingDirectory(t *testing.T) {
	specs := twoSpecs(t)
	specs[1].Directory = filepath.Join(t.TempDir(), "does-not-exist")

	_, err := New(specs, Options{}, nil)
	require.Error(t, err)
	assert.True(t, errors.IsValidationError(err))
}

func TestNew_UnitIDsAndBindTimeout(t *testing.T) {
	specs := twoSpecs(t)
	specs[1].BindTimeout = 3 * time.Second

	g, err := New(specs, Options{ID: "fixture-group", BindTimeout: 7 * time.Second}, nil)
	require.NoError(t, err)

	units := g.Units()
	assert.Equal(t, "fixture-0", units[0].ID())
	assert.Equal(t, "fixture-1", units[1].ID())
	assert.Equal(t, 7*time.Second, units[0].Spec().BindTimeout)
	assert.Equal(t, 3*time.Second, units[1].Spec().BindTimeout)
}

func TestGroup_EnterRollsBackOnUnreachableDirectory(t *testing.T) {
	specs := twoSpecs(t)
	g, err := New(specs, Options{}, newMockLogger())
	require.NoError(t, err)

	// The directory disappears between construction and start.
	require.NoError(t, os.RemoveAll(specs[1].Directory))

	err = g.Enter(context.Background())
	require.Error(t, err)

	var startupErr *GroupStartupError
	require.True(t, stderrors.As(err, &startupErr))
	assert.Equal(t, 1, startupErr.Index)
	assert.Equal(t, g.Units()[1].Spec(), startupErr.FailedSpec)
	assert.True(t, errors.IsWorkerExitError(startupErr.Cause), "got %v", startupErr.Cause)

	assert.Equal(t, serverunit.StateStopped, g.Units()[0].State())
	assert.Equal(t, serverunit.StateFailed, g.Units()[1].State())
	assertAllGone(t, g)
}

func TestGroup_EnterRollsBackOnOccupiedPort(t *testing.T) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer listener.Close()
	occupied := listener.Addr().(*net.TCPAddr).Port

	dir := writeSite(t, map[string]string{"one.html": "<title>One Site</title>"})
	ports := freePorts(t, 2)
	specs := []serverunit.Spec{
		{Directory: dir, Address: "127.0.0.1", Port: ports[0]},
		{Directory: dir, Address: "127.0.0.1", Port: occupied},
		{Directory: dir, Address: "127.0.0.1", Port: ports[1]},
	}

	g, err := New(specs, Options{}, newMockLogger())
	require.NoError(t, err)

	err = g.Enter(context.Background())
	var startupErr *GroupStartupError
	require.True(t, stderrors.As(err, &startupErr))
	assert.Equal(t, 1, startupErr.Index)
	assert.Equal(t, occupied, startupErr.FailedSpec.Port)
	assert.True(t, errors.IsConflictError(err))

	// The first unit was already spawned and must be gone again.
	first := g.Units()[0].Diagnostics()
	assert.Equal(t, serverunit.StateStopped, first.State)
	running, err := processstate.IsProcessRunning(first.PID)
	require.NoError(t, err)
	assert.False(t, running)

	assert.Equal(t, serverunit.StateFailed, g.Units()[1].State())

	last := g.Units()[2].Diagnostics()
	assert.Equal(t, serverunit.StateIdle, last.State, "units after the failure are never started")
	assert.Zero(t, last.PID)

	assert.False(t, isListening(specs[0].HostPort()))
	assert.False(t, isListening(specs[2].HostPort()))
	assert.True(t, isListening(specs[1].HostPort()), "the foreign listener is left alone")
}

func TestGroup_ExitReportsKilledWorker(t *testing.T) {
	g, err := New(twoSpecs(t), Options{}, newMockLogger())
	require.NoError(t, err)
	require.NoError(t, g.Enter(context.Background()))

	proc, err := os.FindProcess(g.Units()[0].Diagnostics().PID)
	require.NoError(t, err)
	require.NoError(t, proc.Kill())

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	err = g.Exit(ctx, nil)
	require.Error(t, err)

	var shutdownErr *GroupShutdownError
	require.True(t, stderrors.As(err, &shutdownErr))
	assert.Len(t, shutdownErr.Failures, 1)
	assert.True(t, errors.IsWorkerExitError(err))

	assert.Equal(t, serverunit.StateFailed, g.Units()[0].State())
	assert.Equal(t, serverunit.StateStopped, g.Units()[1].State(), "later units are stopped despite the failure")
	assertAllGone(t, g)
}

func TestGroup_RunBodyErrorOutranksStopError(t *testing.T) {
	logger := newMockLogger()
	g, err := New(twoSpecs(t), Options{}, logger)
	require.NoError(t, err)

	bodyErr := stderrors.New("assertion failed in body")
	err = g.Run(context.Background(), func(ctx context.Context, g *Group) error {
		proc, err := os.FindProcess(g.Units()[1].Diagnostics().PID)
		require.NoError(t, err)
		require.NoError(t, proc.Kill())
		return bodyErr
	})

	assert.Same(t, bodyErr, err)
	assertAllGone(t, g)
	logger.AssertCalled(t, "Errorf", mock.MatchedBy(func(format string) bool {
		return strings.HasSuffix(format, "Server shutdown failed while handling another error: %v")
	}), mock.Anything)
}

func TestGroup_RunPanicStillCleansUp(t *testing.T) {
	g, err := New(twoSpecs(t), Options{}, nil)
	require.NoError(t, err)

	assert.PanicsWithValue(t, "boom", func() {
		g.Run(context.Background(), func(ctx context.Context, g *Group) error {
			panic("boom")
		})
	})

	for _, unit := range g.Units() {
		assert.Equal(t, serverunit.StateStopped, unit.State())
	}
	assertAllGone(t, g)
}

func TestGroup_RunGoexitInBodyStillCleansUp(t *testing.T) {
	g, err := New(twoSpecs(t), Options{}, newMockLogger())
	require.NoError(t, err)

	var (
		recovered interface{}
		returned  bool
	)
	done := make(chan struct{})
	go func() {
		defer close(done)
		defer func() { recovered = recover() }()
		g.Run(context.Background(), func(ctx context.Context, g *Group) error {
			// What t.FailNow does from inside a body.
			runtime.Goexit()
			return nil
		})
		returned = true
	}()

	select {
	case <-done:
	case <-time.After(30 * time.Second):
		t.Fatal("Run did not unwind after Goexit")
	}

	assert.Nil(t, recovered)
	assert.False(t, returned, "Goexit keeps unwinding the calling goroutine")
	for _, unit := range g.Units() {
		assert.Equal(t, serverunit.StateStopped, unit.State())
	}
	assertAllGone(t, g)
}

func TestGroup_RunStartupFailureSkipsBody(t *testing.T) {
	specs := twoSpecs(t)
	g, err := New(specs, Options{}, nil)
	require.NoError(t, err)
	require.NoError(t, os.RemoveAll(specs[0].Directory))

	called := false
	err = g.Run(context.Background(), func(ctx context.Context, g *Group) error {
		called = true
		return nil
	})

	var startupErr *GroupStartupError
	assert.True(t, stderrors.As(err, &startupErr))
	assert.Equal(t, 0, startupErr.Index)
	assert.False(t, called)
	assertAllGone(t, g)
}

func TestStart_TestHelper(t *testing.T) {
	var g *Group
	t.Run("scoped", func(t *testing.T) {
		g = Start(t, twoSpecs(t)...)
		status, _ := fetch(t, g.URL(0, "one.html"))
		assert.Equal(t, http.StatusOK, status)
	})

	require.NotNil(t, g)
	assertAllGone(t, g)
}

func TestGroup_TwoLoopbackAddresses(t *testing.T) {
	if runtime.GOOS != "linux" {
		t.Skip("only Linux routes all of 127.0.0.0/8 to loopback")
	}

	port := freePorts(t, 1)[0]
	specs := []serverunit.Spec{
		{Directory: writeSite(t, map[string]string{"one.html": "<title>One Site</title>"}), Address: "127.0.121.1", Port: port},
		{Directory: writeSite(t, map[string]string{"two.html": "<title>Two Site</title>"}), Address: "127.0.99.1", Port: port},
	}

	g := Start(t, specs...)

	status, body := fetch(t, "http://127.0.121.1:"+strconv.Itoa(port)+"/one.html")
	assert.Equal(t, http.StatusOK, status)
	assert.Contains(t, body, "One Site")

	status, body = fetch(t, "http://127.0.99.1:"+strconv.Itoa(port)+"/two.html")
	assert.Equal(t, http.StatusOK, status)
	assert.Contains(t, body, "Two Site")

	status, _ = fetch(t, g.URL(1, "one.html"))
	assert.Equal(t, http.StatusNotFound, status)
}

func TestGroupErrors_Messages(t *testing.T) {
	cause := errors.NewStartupTimeoutError("timed out", nil)
	startupErr := &GroupStartupError{FailedSpec: serverunit.Spec{Directory: "/srv/a", Address: "127.0.0.1", Port: 80}, Index: 2, Cause: cause}
	assert.Equal(t, "group startup failed at server 2 (/srv/a on 127.0.0.1:80): startup_timeout: timed out", startupErr.Error())
	assert.True(t, errors.IsStartupTimeoutError(startupErr))

	first := errors.NewWorkerExitError(1, nil)
	shutdownErr := &GroupShutdownError{Cause: first, Failures: []error{first, errors.NewWorkerExitError(-1, nil)}}
	assert.Contains(t, shutdownErr.Error(), "(2 servers)")
	code, ok := errors.ExitCode(shutdownErr)
	require.True(t, ok)
	assert.Equal(t, 1, code)
}
