package tabevents

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/core-tools/hsu-testserver/pkg/errors"
	"github.com/core-tools/hsu-testserver/pkg/logging"
)

type GeneratorConfig struct {
	MaxBurst    int           `yaml:"max_burst"`
	MaxTabID    int           `yaml:"max_tab_id"`
	MaxWindowID int           `yaml:"max_window_id"`
	HostCount   int           `yaml:"host_count"`
	MinDelay    time.Duration `yaml:"min_delay"`
	MaxJitter   time.Duration `yaml:"max_jitter"`
}

func DefaultGeneratorConfig() GeneratorConfig {
	return GeneratorConfig{
		MaxBurst:    4,
		MaxTabID:    30,
		MaxWindowID: 200,
		HostCount:   50,
		MinDelay:    100 * time.Millisecond,
		MaxJitter:   2 * time.Second,
	}
}

func (c GeneratorConfig) Validate() error {
	if c.MaxBurst < 1 {
		return errors.NewValidationError("max burst must be at least 1", nil)
	}
	if c.MaxTabID < 0 || c.MaxWindowID < 1 || c.HostCount < 1 {
		return errors.NewValidationError("tab, window and host ranges must be positive", nil)
	}
	if c.MinDelay < 0 || c.MaxJitter < 0 {
		return errors.NewValidationError("delays must not be negative", nil)
	}
	return nil
}

// Generator emits random bursts of tab events until stopped. It may be
// run again after Run returns.
type Generator struct {
	config GeneratorConfig
	logger logging.Logger

	mutex   sync.Mutex
	rand    *rand.Rand
	running bool
}

func NewGenerator(config GeneratorConfig, seed int64, logger logging.Logger) (*Generator, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	return &Generator{
		config: config,
		logger: logger,
		rand:   rand.New(rand.NewSource(seed)),
	}, nil
}

// Burst returns between one and MaxBurst random events
func (g *Generator) Burst() []Event {
	g.mutex.Lock()
	defer g.mutex.Unlock()

	count := 1 + g.rand.Intn(g.config.MaxBurst)
	events := make([]Event, 0, count)
	for i := 0; i < count; i++ {
		events = append(events, g.eventUnderLock())
	}
	return events
}

func (g *Generator) eventUnderLock() Event {
	tabID := g.rand.Intn(g.config.MaxTabID + 1)
	if g.rand.Intn(2) == 0 {
		return Event{Action: ActionRemove, TabID: tabID}
	}
	return Event{
		Action:   ActionUpdate,
		TabID:    tabID,
		Title:    fmt.Sprintf("Tab with index %d", tabID),
		URL:      fmt.Sprintf("http://www.test%d.com", 1+g.rand.Intn(g.config.HostCount)),
		WindowID: 1 + g.rand.Intn(g.config.MaxWindowID),
	}
}

func (g *Generator) delay() time.Duration {
	g.mutex.Lock()
	defer g.mutex.Unlock()

	if g.config.MaxJitter == 0 {
		return g.config.MinDelay
	}
	return g.config.MinDelay + time.Duration(g.rand.Int63n(int64(g.config.MaxJitter)+1))
}

// Run writes bursts to encoder until ctx is done, which is the normal way
// to stop it and yields a nil error. Only one Run may be active at a time.
func (g *Generator) Run(ctx context.Context, encoder *Encoder) error {
	if err := g.claim(); err != nil {
		return err
	}
	defer g.release()

	bursts := 0
	for {
		for _, event := range g.Burst() {
			if err := encoder.Encode(event); err != nil {
				return err
			}
		}
		bursts++

		timer := time.NewTimer(g.delay())
		select {
		case <-ctx.Done():
			timer.Stop()
			g.logger.Debugf("Generator stopped after %d bursts", bursts)
			return nil
		case <-timer.C:
		}
	}
}

func (g *Generator) claim() error {
	g.mutex.Lock()
	defer g.mutex.Unlock()

	if g.running {
		return errors.NewConflictError("generator already running", nil)
	}
	g.running = true
	return nil
}

func (g *Generator) release() {
	g.mutex.Lock()
	defer g.mutex.Unlock()
	g.running = false
}
