// Package flipper injects rate-limiter instability by randomly toggling
// tenants between soft and punitive modes on a fixed interval.
package flipper

import (
	"math/rand"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/enterprise-tim/ctxbench/internal/bucket"
)

// Config tunes the mode flipper.
type Config struct {
	Interval   time.Duration `yaml:"interval" json:"interval"`
	Percentage float64       `yaml:"percentage" json:"percentage"` // fraction of population per flip, 0..1
	Seed       int64         `yaml:"seed" json:"seed"`
}

// ApplyDefaults fills in default values.
func (c *Config) ApplyDefaults() {
	if c.Interval == 0 {
		c.Interval = 2 * time.Second
	}
	if c.Percentage == 0 {
		c.Percentage = 0.1
	}
}

// Flipper periodically toggles a random subset of tenants. Its purpose is
// to force handlers that captured a mode at request entry onto their
// stale-value-vs-live-re-query codepath.
type Flipper struct {
	config  Config
	limiter *bucket.TokenBucket
	tenants []string
	logger  *zap.Logger
	rng     *rand.Rand

	mu      sync.Mutex
	stopCh  chan struct{}
	running bool
}

// New creates a flipper over the given tenant population.
func New(config Config, limiter *bucket.TokenBucket, tenants []string, logger *zap.Logger) *Flipper {
	config.ApplyDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	seed := config.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return &Flipper{
		config:  config,
		limiter: limiter,
		tenants: tenants,
		logger:  logger,
		rng:     rand.New(rand.NewSource(seed)),
	}
}

// Start begins flipping on the configured interval. Safe to call once.
func (f *Flipper) Start() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.running {
		return
	}
	f.running = true
	f.stopCh = make(chan struct{})

	go func(stop chan struct{}) {
		ticker := time.NewTicker(f.config.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				f.FlipOnce()
			case <-stop:
				return
			}
		}
	}(f.stopCh)
}

// Stop halts the flip loop.
func (f *Flipper) Stop() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.running {
		return
	}
	f.running = false
	close(f.stopCh)
}

// FlipOnce toggles one random subset immediately. Exposed so the runner
// and tests can force a flip deterministically.
func (f *Flipper) FlipOnce() int {
	n := int(f.config.Percentage * float64(len(f.tenants)))
	if n == 0 && len(f.tenants) > 0 && f.config.Percentage > 0 {
		n = 1
	}
	if n > len(f.tenants) {
		n = len(f.tenants)
	}

	f.mu.Lock()
	picks := f.rng.Perm(len(f.tenants))[:n]
	f.mu.Unlock()

	for _, idx := range picks {
		tenantID := f.tenants[idx]
		next := f.limiter.Mode(tenantID).Toggle()
		f.limiter.SetMode(tenantID, next)
	}
	f.logger.Debug("flipped tenant modes", zap.Int("count", n))
	return n
}
