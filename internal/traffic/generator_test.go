package traffic

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/enterprise-tim/ctxbench/internal/metrics"
)

func TestGeneratorConfig_Defaults(t *testing.T) {
	cfg := GeneratorConfig{}
	cfg.ApplyDefaults()

	assert.Equal(t, ProfileSteady, cfg.Profile)
	assert.Equal(t, 1000.0, cfg.BaseRate)
	assert.Equal(t, 2000, cfg.Population)
	assert.Equal(t, 1.1, cfg.Alpha)
}

func TestGenerator_DispatchesAtTargetRate(t *testing.T) {
	collector := metrics.NewCollector()
	gen, err := NewGenerator(GeneratorConfig{
		Profile:    ProfileSteady,
		BaseRate:   200,
		Population: 10,
		Seed:       1,
	}, collector, nil)
	require.NoError(t, err)

	var dispatched atomic.Int64
	err = gen.Run(context.Background(), 500*time.Millisecond, func(ctx context.Context, tenantID string) {
		dispatched.Add(1)
	})
	require.NoError(t, err)

	// 200 req/s for 0.5s: allow generous slack for scheduling.
	got := dispatched.Load()
	assert.Greater(t, got, int64(40))
	assert.LessOrEqual(t, got, int64(220))
}

func TestGenerator_BackpressureSheds(t *testing.T) {
	collector := metrics.NewCollector()
	// Base rate 10 means a ceiling of 20 in-flight requests; ~30
	// dispatch attempts over 3s with workers that never finish should
	// push well past it.
	gen, err := NewGenerator(GeneratorConfig{
		Profile:    ProfileSteady,
		BaseRate:   10,
		Population: 5,
		Seed:       1,
	}, collector, nil)
	require.NoError(t, err)

	block := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = gen.Run(context.Background(), 3*time.Second, func(ctx context.Context, tenantID string) {
			select {
			case <-block:
			case <-ctx.Done():
			}
		})
	}()
	<-done
	close(block)

	assert.Greater(t, gen.Shed(), int64(0), "saturated workers should shed dispatches")
	assert.Equal(t, gen.Shed(), collector.Stats().ShedRequests)
}

func TestGenerator_RejectsConcurrentRuns(t *testing.T) {
	gen, err := NewGenerator(GeneratorConfig{BaseRate: 10, Population: 5, Seed: 1}, nil, nil)
	require.NoError(t, err)

	started := make(chan struct{})
	go func() {
		close(started)
		_ = gen.Run(context.Background(), 400*time.Millisecond, func(context.Context, string) {})
	}()
	<-started
	time.Sleep(50 * time.Millisecond)

	err = gen.Run(context.Background(), time.Millisecond, func(context.Context, string) {})
	assert.ErrorIs(t, err, ErrAlreadyRunning)

	gen.Stop()
}

func TestGenerator_StopCancelsRun(t *testing.T) {
	gen, err := NewGenerator(GeneratorConfig{BaseRate: 100, Population: 5, Seed: 1}, nil, nil)
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = gen.Run(context.Background(), time.Minute, func(context.Context, string) {})
	}()

	time.Sleep(100 * time.Millisecond)
	gen.Stop()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("generator did not stop")
	}
}
