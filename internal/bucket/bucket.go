// Package bucket implements the simulated distributed token-bucket rate
// limiter: per-tenant refillable credit with two enforcement modes and a
// mode-change subscription mechanism.
package bucket

import (
	"context"
	"math"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/enterprise-tim/ctxbench/internal/simulate"
)

// Mode selects the limiter's enforcement policy for a tenant.
type Mode string

const (
	// ModeSoft prioritizes availability: insufficient tokens are still
	// granted and the balance goes negative (debt).
	ModeSoft Mode = "soft"
	// ModePunitive enforces the limit: depleted tenants wait or are
	// rejected.
	ModePunitive Mode = "punitive"
)

// Toggle returns the opposite mode.
func (m Mode) Toggle() Mode {
	if m == ModeSoft {
		return ModePunitive
	}
	return ModeSoft
}

// Decision is the outcome of a reservation attempt.
type Decision string

const (
	DecisionOK     Decision = "ok"
	DecisionWait   Decision = "wait"
	DecisionReject Decision = "reject"
)

// Reservation is the immutable outcome of a rate-limit check.
type Reservation struct {
	Decision      Decision
	WaitFor       time.Duration
	TokensGranted float64
	Mode          Mode
	Timestamp     time.Time
}

// Config holds bucket defaults and the simulated remote round-trip.
type Config struct {
	Capacity   float64           `yaml:"capacity" json:"capacity"`
	RefillRate float64           `yaml:"refill_rate" json:"refill_rate"` // tokens per second
	RoundTrip  simulate.Envelope `yaml:"round_trip" json:"round_trip"`
}

// DefaultConfig returns the fixed defaults tenants are initialized with.
func DefaultConfig() Config {
	return Config{
		Capacity:   150,
		RefillRate: 50,
		RoundTrip: simulate.Envelope{
			Min: 500 * time.Microsecond,
			Max: 3 * time.Millisecond,
		},
	}
}

// state is one tenant's bucket. The mutex covers tokens, mode, and the
// subscriber list so a mode mutation can never race a notification.
type state struct {
	mu         sync.Mutex
	tokens     float64
	capacity   float64
	refillRate float64
	lastRefill time.Time
	mode       Mode
	subs       map[int]func(Mode)
	nextSubID  int
}

// refillLocked advances the balance linearly by elapsed time, capped at
// capacity. Caller holds the mutex.
func (s *state) refillLocked(now time.Time) {
	elapsed := now.Sub(s.lastRefill).Seconds()
	if elapsed <= 0 {
		return
	}
	s.tokens = math.Min(s.capacity, s.tokens+elapsed*s.refillRate)
	s.lastRefill = now
}

// TokenBucket is the per-tenant rate limiter. Tenants are created lazily
// on first reservation and live for the process.
type TokenBucket struct {
	config Config
	sim    *simulate.Simulator
	logger *zap.Logger

	mu      sync.RWMutex
	tenants map[string]*state
}

// New creates a token bucket limiter.
func New(config Config, sim *simulate.Simulator, logger *zap.Logger) *TokenBucket {
	if logger == nil {
		logger = zap.NewNop()
	}
	if sim == nil {
		sim = simulate.New()
	}
	return &TokenBucket{
		config:  config,
		sim:     sim,
		logger:  logger,
		tenants: make(map[string]*state),
	}
}

// tenant returns the state for tenantID, creating it with defaults on
// first use. Only the map lookup uses the bucket-wide lock; all balance
// mutation happens under the per-tenant mutex so tenants do not serialize
// each other.
func (b *TokenBucket) tenant(tenantID string) *state {
	b.mu.RLock()
	s, ok := b.tenants[tenantID]
	b.mu.RUnlock()
	if ok {
		return s
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if s, ok = b.tenants[tenantID]; ok {
		return s
	}
	s = &state{
		tokens:     b.config.Capacity,
		capacity:   b.config.Capacity,
		refillRate: b.config.RefillRate,
		lastRefill: time.Now(),
		mode:       ModeSoft,
		subs:       make(map[int]func(Mode)),
	}
	b.tenants[tenantID] = s
	return s
}

// Reserve attempts to take units tokens for the tenant. It first incurs a
// simulated remote round-trip, then refills and debits under the tenant
// lock. Soft mode always grants, allowing debt; punitive mode returns a
// wait hint while tokens remain, and a rejection once depleted.
func (b *TokenBucket) Reserve(ctx context.Context, tenantID string, units float64) (*Reservation, error) {
	if err := b.sim.Sleep(ctx, b.config.RoundTrip); err != nil {
		return nil, err
	}

	s := b.tenant(tenantID)
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	s.refillLocked(now)

	res := &Reservation{Mode: s.mode, Timestamp: now}

	switch {
	case s.tokens >= units:
		s.tokens -= units
		res.Decision = DecisionOK
		res.TokensGranted = units

	case s.mode == ModeSoft:
		// Availability over enforcement: grant into debt.
		s.tokens -= units
		res.Decision = DecisionOK
		res.TokensGranted = units

	case s.tokens > 0:
		deficit := units - s.tokens
		waitMs := math.Ceil(deficit / s.refillRate * 1000)
		res.Decision = DecisionWait
		res.WaitFor = time.Duration(waitMs) * time.Millisecond

	default:
		res.Decision = DecisionReject
	}

	return res, nil
}

// Consume confirms a prior reservation. The balance was already debited by
// Reserve; this models the confirmation round-trip only.
func (b *TokenBucket) Consume(ctx context.Context, tenantID string, units float64) error {
	return b.sim.Sleep(ctx, b.config.RoundTrip)
}

// SetMode switches a tenant's enforcement mode and synchronously notifies
// subscribers. Notification runs under the tenant lock, so a subscriber
// never observes a mode older than the one it was called with.
func (b *TokenBucket) SetMode(tenantID string, mode Mode) {
	s := b.tenant(tenantID)
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.mode == mode {
		return
	}
	s.mode = mode
	b.logger.Debug("tenant mode changed",
		zap.String("tenant", tenantID),
		zap.String("mode", string(mode)))
	for _, fn := range s.subs {
		fn(mode)
	}
}

// Mode returns the tenant's live mode. The explicit handler variant uses
// this to re-query instead of trusting a captured value.
func (b *TokenBucket) Mode(tenantID string) Mode {
	s := b.tenant(tenantID)
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mode
}

// Tokens returns the tenant's current balance after refill.
func (b *TokenBucket) Tokens(tenantID string) float64 {
	s := b.tenant(tenantID)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.refillLocked(time.Now())
	return s.tokens
}

// Subscribe registers a callback invoked on every mode change for the
// tenant. The returned function removes the subscription.
func (b *TokenBucket) Subscribe(tenantID string, fn func(Mode)) func() {
	s := b.tenant(tenantID)
	s.mu.Lock()
	id := s.nextSubID
	s.nextSubID++
	s.subs[id] = fn
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		delete(s.subs, id)
		s.mu.Unlock()
	}
}

// TenantCount returns the number of lazily created tenants.
func (b *TokenBucket) TenantCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.tenants)
}
