package fixture

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/phayes/freeport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/core-tools/hsu-testserver/pkg/errors"
	"github.com/core-tools/hsu-testserver/pkg/logging"
	"github.com/core-tools/hsu-testserver/pkg/servergroup"
	"github.com/core-tools/hsu-testserver/pkg/staticserver"
)

func TestMain(m *testing.M) {
	staticserver.RunIfWorker()
	os.Exit(m.Run())
}

func TestRun_ServesUntilCancelled(t *testing.T) {
	ports, err := freeport.GetFreePorts(2)
	require.NoError(t, err)
	pidDir := filepath.Join(t.TempDir(), "pids")

	path := writeFixture(t, fmt.Sprintf(`
fixture:
  id: runner-test
log:
  level: debug
  output: %s
worker:
  process_files:
    base_directory: %s
servers:
  - directory: site-one
    port: %d
  - directory: site-two
    port: %d
`, filepath.Join(t.TempDir(), "workers.log"), pidDir, ports[0], ports[1]))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var bodies []string
	err = Run(ctx, RunOptions{
		ConfigFile: path,
		OnReady: func(group *servergroup.Group) {
			defer cancel()
			for i, page := range []string{"one.html", "two.html"} {
				resp, err := http.Get(group.URL(i, page))
				if !assert.NoError(t, err) {
					return
				}
				body, _ := io.ReadAll(resp.Body)
				resp.Body.Close()
				bodies = append(bodies, string(body))
			}

			entries, err := os.ReadDir(pidDir)
			assert.NoError(t, err)
			assert.Len(t, entries, 2, "one PID file per running worker")
		},
	}, logging.NewNopLogger())

	require.NoError(t, err)
	assert.Equal(t, []string{"<title>One Site</title>", "<title>Two Site</title>"}, bodies)

	entries, err := os.ReadDir(pidDir)
	require.NoError(t, err)
	assert.Empty(t, entries, "PID files removed after exit")
}

func TestRun_RunDuration(t *testing.T) {
	port, err := freeport.GetFreePort()
	require.NoError(t, err)
	path := writeFixture(t, fmt.Sprintf("servers:\n  - directory: site-one\n    port: %d\n", port))

	start := time.Now()
	err = Run(context.Background(), RunOptions{ConfigFile: path, RunDuration: 2 * time.Second}, logging.NewNopLogger())
	require.NoError(t, err)
	assert.GreaterOrEqual(t, time.Since(start), 2*time.Second)
}

func TestRun_InvalidConfig(t *testing.T) {
	path := writeFixture(t, "servers: []")
	err := Run(context.Background(), RunOptions{ConfigFile: path}, logging.NewNopLogger())
	assert.True(t, errors.IsValidationError(err))

	assert.Error(t, ValidateConfigFile(path))
}

func TestReap_NoStaleWorkers(t *testing.T) {
	path := writeFixture(t, fmt.Sprintf("worker:\n  process_files:\n    base_directory: %s\nservers:\n  - directory: site-one\n    port: 9919\n",
		filepath.Join(t.TempDir(), "pids")))

	terminated, err := Reap(path, logging.NewNopLogger())
	require.NoError(t, err)
	assert.Zero(t, terminated)
}
