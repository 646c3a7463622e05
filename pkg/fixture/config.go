package fixture

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/core-tools/hsu-testserver/pkg/errors"
	"github.com/core-tools/hsu-testserver/pkg/logcollection"
	"github.com/core-tools/hsu-testserver/pkg/process"
	"github.com/core-tools/hsu-testserver/pkg/processfile"
	"github.com/core-tools/hsu-testserver/pkg/serverunit"
)

// FixtureConfig is the top-level structure of a fixture file
type FixtureConfig struct {
	Fixture FixtureOptions          `yaml:"fixture"`
	Log     logcollection.ZapConfig `yaml:"log"`
	Worker  WorkerConfig            `yaml:"worker"`
	Servers []ServerConfig          `yaml:"servers"`
}

type FixtureOptions struct {
	ID          string        `yaml:"id,omitempty"`
	BindTimeout time.Duration `yaml:"bind_timeout,omitempty"`
	StopTimeout time.Duration `yaml:"stop_timeout,omitempty"`
}

// WorkerConfig selects the worker binary. With no executable path the
// running binary is re-executed in worker mode.
type WorkerConfig struct {
	Execution     process.ExecutionConfig       `yaml:"execution,omitempty"`
	ProcessFiles  *processfile.ProcessFileConfig `yaml:"process_files,omitempty"`
	ProbeInterval time.Duration                 `yaml:"probe_interval,omitempty"`
}

type ServerConfig struct {
	Directory   string        `yaml:"directory"`
	Address     string        `yaml:"address,omitempty"`
	Port        int           `yaml:"port"`
	BindTimeout time.Duration `yaml:"bind_timeout,omitempty"`
	Enabled     *bool         `yaml:"enabled,omitempty"` // Pointer to distinguish unset from false
}

const (
	DefaultBindTimeout = 5 * time.Second
	DefaultStopTimeout = 30 * time.Second
)

// LoadConfigFromFile reads a fixture file. Relative server directories are
// resolved against the file's directory.
func LoadConfigFromFile(filename string) (*FixtureConfig, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, errors.NewIOError("failed to read configuration file", err).WithContext("filename", filename)
	}

	var config FixtureConfig
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, errors.NewValidationError("failed to parse YAML configuration", err).WithContext("filename", filename)
	}

	absFile, err := filepath.Abs(filename)
	if err != nil {
		return nil, errors.NewIOError("failed to resolve configuration path", err).WithContext("filename", filename)
	}
	setConfigDefaults(&config, filepath.Dir(absFile))

	return &config, nil
}

// ValidateConfig validates the entire configuration structure
func ValidateConfig(config *FixtureConfig) error {
	if config == nil {
		return errors.NewValidationError("configuration cannot be nil", nil)
	}

	if config.Fixture.BindTimeout < 0 || config.Fixture.StopTimeout < 0 {
		return errors.NewValidationError("fixture timeouts cannot be negative", nil)
	}

	if _, err := logcollection.ParseLogLevel(config.Log.Level); err != nil {
		return errors.NewValidationError("invalid log configuration", err)
	}

	if config.Worker.Execution.ExecutablePath != "" {
		if err := process.ValidateExecutionConfig(config.Worker.Execution); err != nil {
			return errors.NewValidationError("invalid worker configuration", err)
		}
	}

	specs := config.Specs()
	if len(specs) == 0 {
		return errors.NewValidationError("at least one enabled server is required", nil)
	}
	for i, spec := range specs {
		if err := spec.Validate(); err != nil {
			return errors.NewValidationError(fmt.Sprintf("invalid server at index %d", i), err)
		}
	}

	return nil
}

// Specs returns the enabled servers in file order
func (c *FixtureConfig) Specs() []serverunit.Spec {
	var specs []serverunit.Spec
	for _, server := range c.Servers {
		if server.Enabled != nil && !*server.Enabled {
			continue
		}
		specs = append(specs, serverunit.Spec{
			Directory:   server.Directory,
			Address:     server.Address,
			Port:        server.Port,
			BindTimeout: server.BindTimeout,
		})
	}
	return specs
}

func setConfigDefaults(config *FixtureConfig, baseDir string) {
	if config.Fixture.BindTimeout == 0 {
		config.Fixture.BindTimeout = DefaultBindTimeout
	}
	if config.Fixture.StopTimeout == 0 {
		config.Fixture.StopTimeout = DefaultStopTimeout
	}

	defaults := logcollection.DefaultZapConfig()
	if config.Log.Level == "" {
		config.Log.Level = defaults.Level
	}
	if config.Log.Format == "" {
		config.Log.Format = defaults.Format
	}
	if config.Log.Output == "" {
		config.Log.Output = defaults.Output
	}

	for i := range config.Servers {
		server := &config.Servers[i]
		if server.Enabled == nil {
			enabled := true
			server.Enabled = &enabled
		}
		if server.Address == "" {
			server.Address = serverunit.DefaultAddress
		}
		if server.BindTimeout == 0 {
			server.BindTimeout = config.Fixture.BindTimeout
		}
		if server.Directory != "" && !filepath.IsAbs(server.Directory) {
			server.Directory = filepath.Join(baseDir, server.Directory)
		}
	}
}
