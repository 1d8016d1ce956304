// Package simulate provides latency envelopes and failure injection for
// the benchmark's simulated downstream calls.
package simulate

import (
	"context"
	"math/rand"
	"sync"
	"time"
)

// Envelope bounds a simulated call's latency. Sampling is uniform between
// Min and Max; the p99 figures in config files are descriptive only.
type Envelope struct {
	Min time.Duration `yaml:"min" json:"min"`
	Max time.Duration `yaml:"max" json:"max"`
}

// Normalize fixes inverted or negative bounds.
func (e Envelope) Normalize() Envelope {
	if e.Min < 0 {
		e.Min = 0
	}
	if e.Max < e.Min {
		e.Max = e.Min
	}
	return e
}

// Simulator draws latencies and injects failures from a seeded source.
type Simulator struct {
	mu  sync.Mutex
	rng *rand.Rand
}

// New creates a simulator seeded from the clock.
func New() *Simulator {
	return NewSeeded(time.Now().UnixNano())
}

// NewSeeded creates a simulator with a fixed seed, for reproducible runs.
func NewSeeded(seed int64) *Simulator {
	return &Simulator{rng: rand.New(rand.NewSource(seed))}
}

// Draw samples a latency from the envelope.
func (s *Simulator) Draw(env Envelope) time.Duration {
	env = env.Normalize()
	spread := env.Max - env.Min
	if spread <= 0 {
		return env.Min
	}
	s.mu.Lock()
	d := env.Min + time.Duration(s.rng.Int63n(int64(spread)+1))
	s.mu.Unlock()
	return d
}

// Sleep waits for a sampled latency. It parks on a timer so other
// in-flight requests keep making progress, and returns early if the
// context is cancelled.
func (s *Simulator) Sleep(ctx context.Context, env Envelope) error {
	d := s.Draw(env)
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Fail reports true with probability p. Used to inject downstream
// failures on simulated API calls.
func (s *Simulator) Fail(p float64) bool {
	if p <= 0 {
		return false
	}
	if p >= 1 {
		return true
	}
	s.mu.Lock()
	v := s.rng.Float64()
	s.mu.Unlock()
	return v < p
}

// Jitter returns d scaled by a random factor in [1-fraction, 1+fraction].
func (s *Simulator) Jitter(d time.Duration, fraction float64) time.Duration {
	if fraction <= 0 {
		return d
	}
	s.mu.Lock()
	f := 1 + fraction*(2*s.rng.Float64()-1)
	s.mu.Unlock()
	return time.Duration(float64(d) * f)
}
