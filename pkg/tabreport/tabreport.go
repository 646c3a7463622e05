// Package tabreport drives the tabreport command line tool that lists and
// activates browser tabs through the extension's native host.
package tabreport

import (
	"bytes"
	"context"
	"encoding/json"
	"os/exec"
	"strconv"
	"strings"

	"github.com/alessio/shellescape"

	"github.com/core-tools/hsu-testserver/pkg/errors"
	"github.com/core-tools/hsu-testserver/pkg/logging"
)

const DefaultExecutable = "tabreport"

// TabInfo is one entry of the tabreport JSON listing
type TabInfo struct {
	TabID    int    `json:"tab_id"`
	Title    string `json:"title"`
	URL      string `json:"url"`
	WindowID int    `json:"window_id"`
}

// ActivateOptions controls how a tab is activated
type ActivateOptions struct {
	// Mark prefixes the window title so the window can be found from outside the browser
	Mark string
	// Reset removes a previously set mark
	Reset bool
}

type Client struct {
	executable string
	logger     logging.Logger
}

func NewClient(executable string, logger logging.Logger) *Client {
	if executable == "" {
		executable = DefaultExecutable
	}
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	return &Client{executable: executable, logger: logger}
}

// List returns every tab the extension currently knows about
func (c *Client) List(ctx context.Context) ([]TabInfo, error) {
	output, err := c.run(ctx)
	if err != nil {
		return nil, err
	}

	var tabs []TabInfo
	if err := json.Unmarshal(output, &tabs); err != nil {
		return nil, errors.NewValidationError("failed to parse tab listing", err).WithContext("output", string(output))
	}
	return tabs, nil
}

// Activate focuses the tab with the given id
func (c *Client) Activate(ctx context.Context, tabID int, options ActivateOptions) error {
	args := []string{strconv.Itoa(tabID)}
	if options.Mark != "" {
		args = append(args, "--mark", options.Mark)
	}
	if options.Reset {
		args = append(args, "--reset")
	}

	_, err := c.run(ctx, args...)
	return err
}

func (c *Client) run(ctx context.Context, args ...string) ([]byte, error) {
	commandLine := shellescape.QuoteCommand(append([]string{c.executable}, args...))
	c.logger.Debugf("Running %s", commandLine)

	var stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, c.executable, args...)
	cmd.Stderr = &stderr

	output, err := cmd.Output()
	if err != nil {
		c.logger.Warnf("Command failed: %s: %v", commandLine, err)
		if ctx.Err() != nil {
			return nil, errors.NewCancelledError("tabreport cancelled", ctx.Err()).WithContext("command", commandLine)
		}
		domainErr := errors.NewProcessError("tabreport failed", err).
			WithContext("command", commandLine).
			WithContext("stderr", strings.TrimSpace(stderr.String()))
		if exitErr, ok := err.(*exec.ExitError); ok {
			domainErr = domainErr.WithContext(errors.ContextKeyExitCode, exitErr.ExitCode())
		}
		return nil, domainErr
	}
	return output, nil
}

// FindByURL returns the only tab showing url. No match or more than one
// match is an error, so tests must use distinct URLs per tab.
func FindByURL(tabs []TabInfo, url string) (TabInfo, error) {
	var found *TabInfo
	for i := range tabs {
		if tabs[i].URL != url {
			continue
		}
		if found != nil {
			return TabInfo{}, errors.NewConflictError("more than one tab with URL "+url, nil)
		}
		found = &tabs[i]
	}
	if found == nil {
		return TabInfo{}, errors.NewValidationError("no tab with URL "+url, nil)
	}
	return *found, nil
}

// FilterByWindow returns the tabs belonging to windowID, in listing order
func FilterByWindow(tabs []TabInfo, windowID int) []TabInfo {
	var result []TabInfo
	for _, tab := range tabs {
		if tab.WindowID == windowID {
			result = append(result, tab)
		}
	}
	return result
}
