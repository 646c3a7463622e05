package serverunit

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/core-tools/hsu-testserver/pkg/errors"
)

// Spec describes one static server: which directory to serve and where.
// Duplicate address/port pairs across specs are not detected.
type Spec struct {
	Directory   string        `yaml:"directory"`
	Address     string        `yaml:"address,omitempty"`
	Port        int           `yaml:"port"`
	BindTimeout time.Duration `yaml:"bind_timeout,omitempty"`
}

const DefaultAddress = "127.0.0.1"

// HostPort returns address:port in dialable form
func (s Spec) HostPort() string {
	return net.JoinHostPort(s.Address, strconv.Itoa(s.Port))
}

// URL returns the http URL of path on this server
func (s Spec) URL(path string) string {
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	return fmt.Sprintf("http://%s%s", s.HostPort(), path)
}

// Resolve fills in the default address and makes the directory absolute.
func (s Spec) Resolve() (Spec, error) {
	if s.Address == "" {
		s.Address = DefaultAddress
	}
	if s.Directory == "" {
		return s, errors.NewValidationError("directory is required", nil)
	}
	absDir, err := filepath.Abs(s.Directory)
	if err != nil {
		return s, errors.NewValidationError("failed to resolve directory", err).WithContext("directory", s.Directory)
	}
	s.Directory = absDir
	return s, nil
}

// Validate checks a resolved spec, including that the directory exists
func (s Spec) Validate() error {
	info, err := os.Stat(s.Directory)
	if err != nil {
		return errors.NewValidationError("directory not accessible: "+s.Directory, err)
	}
	if !info.IsDir() {
		return errors.NewValidationError("not a directory: "+s.Directory, nil)
	}
	if s.Port <= 0 || s.Port > 65535 {
		return errors.NewValidationError(fmt.Sprintf("port must be between 1 and 65535, got %d", s.Port), nil)
	}
	if s.Address == "" {
		return errors.NewValidationError("address is required", nil)
	}
	if s.BindTimeout < 0 {
		return errors.NewValidationError("bind timeout cannot be negative", nil)
	}
	return nil
}

func (s Spec) String() string {
	return fmt.Sprintf("%s on %s", s.Directory, s.HostPort())
}
