package process

import (
	"context"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"time"

	"github.com/core-tools/hsu-testserver/pkg/errors"
	"github.com/core-tools/hsu-testserver/pkg/logging"
)

type ExecutionConfig struct {
	ExecutablePath   string        `yaml:"executable_path"`
	Args             []string      `yaml:"args,omitempty"`
	Environment      []string      `yaml:"environment,omitempty"`
	WorkingDirectory string        `yaml:"working_directory,omitempty"`
	WaitDelay        time.Duration `yaml:"wait_delay,omitempty"`
}

// WithArgs returns a copy of the config with extra arguments appended
func (c ExecutionConfig) WithArgs(args ...string) ExecutionConfig {
	merged := make([]string, 0, len(c.Args)+len(args))
	merged = append(merged, c.Args...)
	c.Args = append(merged, args...)
	return c
}

// WithEnvironment returns a copy of the config with extra KEY=VALUE entries appended
func (c ExecutionConfig) WithEnvironment(env ...string) ExecutionConfig {
	merged := make([]string, 0, len(c.Environment)+len(env))
	merged = append(merged, c.Environment...)
	c.Environment = append(merged, env...)
	return c
}

// SelfExecution describes a re-execution of the running binary.
func SelfExecution() (ExecutionConfig, error) {
	executable, err := os.Executable()
	if err != nil {
		return ExecutionConfig{}, errors.NewIOError("failed to locate running executable", err)
	}
	return ExecutionConfig{ExecutablePath: executable}, nil
}

// StdExecuteCmd spawns the worker and returns its process together with the
// combined stdout/stderr stream. The caller owns both.
type StdExecuteCmd func(ctx context.Context) (*os.Process, io.ReadCloser, error)

func NewStdExecuteCmd(execution ExecutionConfig, id string, logger logging.Logger) StdExecuteCmd {
	return func(ctx context.Context) (*os.Process, io.ReadCloser, error) {
		if ctx == nil {
			return nil, nil, errors.NewValidationError("context cannot be nil", nil).WithContext("id", id)
		}
		if err := ctx.Err(); err != nil {
			return nil, nil, errors.NewCancelledError("spawn cancelled", err).WithContext("id", id)
		}

		if err := ValidateExecutionConfig(execution); err != nil {
			logger.Errorf("Execution configuration validation failed, id: %s, error: %v", id, err)
			return nil, nil, errors.NewValidationError("invalid execution configuration", err).WithContext("id", id)
		}

		if err := ensureExecutable(execution.ExecutablePath); err != nil {
			return nil, nil, err
		}

		workDir := execution.WorkingDirectory
		if workDir == "" {
			absPath, err := filepath.Abs(execution.ExecutablePath)
			if err != nil {
				return nil, nil, errors.NewIOError("failed to get absolute path", err).WithContext("id", id).WithContext("executable_path", execution.ExecutablePath)
			}
			workDir = filepath.Dir(absPath)
		}

		logger.Debugf("Executing worker: id: %s, executable path: '%s', args: %v, working directory: '%s'",
			id, execution.ExecutablePath, execution.Args, workDir)

		env := os.Environ()
		env = append(env, execution.Environment...)

		// The worker must outlive the context that spawned it; termination goes
		// through SendTerminationSignal so exec.CommandContext is not used here.
		cmd := exec.Command(execution.ExecutablePath, execution.Args...)
		cmd.Dir = workDir
		cmd.Env = env

		setupProcessAttributes(cmd)

		cmd.WaitDelay = execution.WaitDelay

		stdout, err := cmd.StdoutPipe()
		if err != nil {
			return nil, nil, errors.NewProcessError("failed to create stdout pipe", err).WithContext("id", id)
		}
		cmd.Stderr = cmd.Stdout

		if err := cmd.Start(); err != nil {
			stdout.Close()
			return nil, nil, errors.NewProcessError("failed to start the worker", err).WithContext("id", id).WithContext("executable_path", execution.ExecutablePath)
		}

		logger.Infof("Worker started, id: %s, PID: %d", id, cmd.Process.Pid)

		return cmd.Process, stdout, nil
	}
}

// ensureExecutable makes sure the execute bit is set on Unix
func ensureExecutable(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return errors.NewIOError("file does not exist", err).WithContext("path", path)
	}
	if runtime.GOOS == "windows" {
		return nil
	}

	mode := info.Mode()
	if mode&0111 != 0 {
		return nil
	}
	if err := os.Chmod(path, mode|0111); err != nil {
		return errors.NewProcessError("failed to make file executable", err).WithContext("path", path)
	}
	return nil
}
