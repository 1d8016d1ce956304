// Package traffic generates tenant-skewed request traffic against a
// handler at a time-varying target rate.
package traffic

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/enterprise-tim/ctxbench/internal/metrics"
)

// ErrAlreadyRunning is returned when Run is called on a running generator.
var ErrAlreadyRunning = errors.New("traffic: generator already running")

// Dispatch handles one request for the selected tenant. It runs on its
// own goroutine; the generator never waits for it.
type Dispatch func(ctx context.Context, tenantID string)

// GeneratorConfig tunes the traffic generator.
type GeneratorConfig struct {
	Profile        Profile       `yaml:"profile" json:"profile"`
	BaseRate       float64       `yaml:"base_rate" json:"base_rate"` // req/s
	Population     int           `yaml:"population" json:"population"`
	Alpha          float64       `yaml:"alpha" json:"alpha"`
	Seed           int64         `yaml:"seed" json:"seed"`
	RateAdjustTick time.Duration `yaml:"rate_adjust_tick" json:"rate_adjust_tick"`
}

// ApplyDefaults fills in default values.
func (c *GeneratorConfig) ApplyDefaults() {
	if c.Profile == "" {
		c.Profile = ProfileSteady
	}
	if c.BaseRate == 0 {
		c.BaseRate = 1000
	}
	if c.Population == 0 {
		c.Population = 2000
	}
	if c.Alpha == 0 {
		c.Alpha = 1.1
	}
	if c.RateAdjustTick == 0 {
		c.RateAdjustTick = 250 * time.Millisecond
	}
}

// Validate checks configuration.
func (c *GeneratorConfig) Validate() error {
	if !c.Profile.Valid() {
		return errors.New("traffic: invalid profile")
	}
	if c.BaseRate <= 0 {
		return errors.New("traffic: base rate must be positive")
	}
	if c.Population <= 0 {
		return errors.New("traffic: population must be positive")
	}
	return nil
}

// Generator drives requests at the profile's instantaneous rate with a
// lossy-shedding backpressure policy: when in-flight work exceeds twice
// the base rate, new dispatches are dropped rather than queued. That is
// a deliberate, observable policy, not a bug.
type Generator struct {
	config    GeneratorConfig
	selector  *ZipfSelector
	collector *metrics.Collector
	logger    *zap.Logger

	inFlight atomic.Int64
	shed     atomic.Int64

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
}

// NewGenerator creates a generator.
func NewGenerator(config GeneratorConfig, collector *metrics.Collector, logger *zap.Logger) (*Generator, error) {
	config.ApplyDefaults()
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	seed := config.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	selector, err := NewZipfSelector(config.Population, config.Alpha, seed)
	if err != nil {
		return nil, err
	}
	return &Generator{
		config:    config,
		selector:  selector,
		collector: collector,
		logger:    logger,
	}, nil
}

// Selector exposes the tenant distribution (the mode flipper reuses it
// to know the population).
func (g *Generator) Selector() *ZipfSelector {
	return g.selector
}

// Run dispatches traffic for the given duration, blocking until it
// elapses or the context is cancelled. Each dispatch is fire-and-forget
// on its own goroutine, bounded by the shedding ceiling.
func (g *Generator) Run(ctx context.Context, duration time.Duration, dispatch Dispatch) error {
	g.mu.Lock()
	if g.running {
		g.mu.Unlock()
		return ErrAlreadyRunning
	}
	runCtx, cancel := context.WithTimeout(ctx, duration)
	g.running = true
	g.cancel = cancel
	g.mu.Unlock()

	defer func() {
		cancel()
		g.mu.Lock()
		g.running = false
		g.cancel = nil
		g.mu.Unlock()
	}()

	start := time.Now()
	ceiling := int64(2 * g.config.BaseRate)

	initial, err := g.config.Profile.RateAt(0, g.config.BaseRate)
	if err != nil {
		return err
	}
	limiter := rate.NewLimiter(rateLimit(initial), burstFor(initial))

	adjust := time.NewTicker(g.config.RateAdjustTick)
	defer adjust.Stop()

	var wg sync.WaitGroup
	defer wg.Wait()

	for {
		select {
		case <-runCtx.Done():
			return nil
		case <-adjust.C:
			target, err := g.config.Profile.RateAt(time.Since(start), g.config.BaseRate)
			if err != nil {
				return err
			}
			limiter.SetLimit(rateLimit(target))
			limiter.SetBurst(burstFor(target))
			continue
		default:
		}

		if err := limiter.Wait(runCtx); err != nil {
			return nil // duration elapsed
		}

		if g.inFlight.Load() >= ceiling {
			g.shed.Add(1)
			if g.collector != nil {
				g.collector.RecordShed()
			}
			continue
		}

		tenantID := g.selector.Pick()
		g.inFlight.Add(1)
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer g.inFlight.Add(-1)
			dispatch(runCtx, tenantID)
		}()
	}
}

// Stop cancels an in-progress run.
func (g *Generator) Stop() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.cancel != nil {
		g.cancel()
	}
}

// InFlight returns the current in-flight request count.
func (g *Generator) InFlight() int64 {
	return g.inFlight.Load()
}

// Shed returns the number of dispatches dropped by backpressure.
func (g *Generator) Shed() int64 {
	return g.shed.Load()
}

// rateLimit converts a target rate to a limiter limit, treating zero and
// negative targets as fully idle.
func rateLimit(target float64) rate.Limit {
	if target <= 0 {
		return rate.Limit(0)
	}
	return rate.Limit(target)
}

// burstFor sizes the limiter burst to roughly 10ms of traffic so pacing
// stays smooth without starving sudden profile jumps.
func burstFor(target float64) int {
	b := int(target / 100)
	if b < 1 {
		b = 1
	}
	return b
}
