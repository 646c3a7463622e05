package processfile

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/core-tools/hsu-testserver/pkg/errors"
	"github.com/core-tools/hsu-testserver/pkg/logging"
	"github.com/core-tools/hsu-testserver/pkg/process"
	"github.com/core-tools/hsu-testserver/pkg/processstate"
)

const DefaultAppName = "hsu-testserver"

const pidFileSuffix = ".pid"

// ProcessFileConfig holds configuration for worker PID files
type ProcessFileConfig struct {
	// Base directory for PID files. If empty, uses the user runtime directory
	BaseDirectory string `yaml:"base_directory,omitempty"`

	// Subdirectory created below the default base directory
	AppName string `yaml:"app_name,omitempty"`
}

// ProcessFileManager records the PID of every running worker so that workers
// orphaned by a crashed harness can be found and reaped later.
type ProcessFileManager struct {
	config ProcessFileConfig
	logger logging.Logger
}

func NewProcessFileManager(config ProcessFileConfig, logger logging.Logger) *ProcessFileManager {
	if config.AppName == "" {
		config.AppName = DefaultAppName
	}
	if logger == nil {
		logger = logging.NewNopLogger()
	}

	return &ProcessFileManager{
		config: config,
		logger: logger,
	}
}

// Directory returns the directory holding the PID files
func (m *ProcessFileManager) Directory() string {
	if m.config.BaseDirectory != "" {
		return m.config.BaseDirectory
	}
	if runtimeDir := os.Getenv("XDG_RUNTIME_DIR"); runtimeDir != "" {
		return filepath.Join(runtimeDir, m.config.AppName)
	}
	return filepath.Join(os.TempDir(), m.config.AppName)
}

// GeneratePIDFilePath generates the PID file path for the given unit ID
func (m *ProcessFileManager) GeneratePIDFilePath(unitID string) string {
	return filepath.Join(m.Directory(), unitID+pidFileSuffix)
}

// WritePIDFile writes the worker PID for the given unit ID
func (m *ProcessFileManager) WritePIDFile(unitID string, pid int) error {
	pidFilePath := m.GeneratePIDFilePath(unitID)

	if err := ValidatePIDFileDirectory(pidFilePath); err != nil {
		m.logger.Errorf("PID file directory validation failed, unit: %s, path: %s, error: %v", unitID, pidFilePath, err)
		return err
	}

	pidContent := fmt.Sprintf("%d\n", pid)
	if err := os.WriteFile(pidFilePath, []byte(pidContent), 0644); err != nil {
		return errors.NewIOError("failed to write PID file", err).WithContext("pid_file", pidFilePath).WithContext("pid", pid)
	}

	m.logger.Debugf("PID file written, unit: %s, pid: %d, path: %s", unitID, pid, pidFilePath)
	return nil
}

// ReadPIDFile reads the worker PID recorded for the given unit ID
func (m *ProcessFileManager) ReadPIDFile(unitID string) (int, error) {
	pidFilePath := m.GeneratePIDFilePath(unitID)

	content, err := os.ReadFile(pidFilePath)
	if err != nil {
		return 0, errors.NewIOError("failed to read PID file", err).WithContext("pid_file", pidFilePath)
	}

	pid, err := process.ValidatePID(string(content))
	if err != nil {
		return 0, errors.NewValidationError("invalid PID file content", err).WithContext("pid_file", pidFilePath)
	}
	return pid, nil
}

// RemovePIDFile deletes the PID file for the given unit ID; a missing file is fine
func (m *ProcessFileManager) RemovePIDFile(unitID string) error {
	pidFilePath := m.GeneratePIDFilePath(unitID)
	if err := os.Remove(pidFilePath); err != nil && !os.IsNotExist(err) {
		return errors.NewIOError("failed to remove PID file", err).WithContext("pid_file", pidFilePath)
	}
	return nil
}

// ListUnits returns the unit IDs that currently have a PID file
func (m *ProcessFileManager) ListUnits() ([]string, error) {
	entries, err := os.ReadDir(m.Directory())
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.NewIOError("failed to list PID files", err).WithContext("directory", m.Directory())
	}

	var units []string
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), pidFileSuffix) {
			continue
		}
		units = append(units, strings.TrimSuffix(entry.Name(), pidFileSuffix))
	}
	return units, nil
}

// Reap terminates every worker that still runs under a recorded PID and
// removes all PID files. It returns how many live workers were terminated.
func (m *ProcessFileManager) Reap(terminate func(pid int) error) (int, error) {
	units, err := m.ListUnits()
	if err != nil {
		return 0, err
	}

	errs := errors.NewErrorCollection()
	terminated := 0
	for _, unitID := range units {
		pid, err := m.ReadPIDFile(unitID)
		if err != nil {
			m.logger.Warnf("Skipping unreadable PID file, unit: %s, error: %v", unitID, err)
		} else if running, _ := processstate.IsProcessRunning(pid); running {
			m.logger.Infof("Terminating stale worker, unit: %s, pid: %d", unitID, pid)
			if err := terminate(pid); err != nil {
				errs.Add(errors.NewProcessError("failed to terminate stale worker", err).WithContext("unit_id", unitID).WithContext("pid", pid))
				continue
			}
			terminated++
		}
		if err := m.RemovePIDFile(unitID); err != nil {
			errs.Add(err)
		}
	}
	return terminated, errs.ToError()
}

// ValidatePIDFileDirectory makes sure the PID file directory exists and is writable
func ValidatePIDFileDirectory(pidFilePath string) error {
	dir := filepath.Dir(pidFilePath)

	info, err := os.Stat(dir)
	if err != nil {
		if !os.IsNotExist(err) {
			return errors.NewIOError("failed to access PID file directory", err).WithContext("directory", dir)
		}
		if err := os.MkdirAll(dir, 0755); err != nil {
			return errors.NewIOError("failed to create PID file directory", err).WithContext("directory", dir)
		}
	} else if !info.IsDir() {
		return errors.NewValidationError("PID file path is not a directory", nil).WithContext("path", dir)
	}

	testFile := filepath.Join(dir, ".write_test")
	file, err := os.Create(testFile)
	if err != nil {
		return errors.NewIOError("PID file directory is not writable", err).WithContext("directory", dir)
	}
	file.Close()
	os.Remove(testFile)

	return nil
}
