// Package runner orchestrates benchmark runs: it wires the limiter,
// traffic generator, mode flipper, and a handler variant together,
// drives the warmup and measurement windows, and assembles the result
// record.
package runner

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/enterprise-tim/ctxbench/internal/bucket"
	"github.com/enterprise-tim/ctxbench/internal/flipper"
	"github.com/enterprise-tim/ctxbench/internal/handler"
	"github.com/enterprise-tim/ctxbench/internal/metrics"
	"github.com/enterprise-tim/ctxbench/internal/report"
	"github.com/enterprise-tim/ctxbench/internal/simulate"
	"github.com/enterprise-tim/ctxbench/internal/traffic"
)

// Variant names the propagation strategy under test.
const (
	VariantImplicit = "implicit"
	VariantExplicit = "explicit"
)

// Config tunes one benchmark run.
type Config struct {
	Variant string        `yaml:"variant" json:"variant"`
	Warmup  time.Duration `yaml:"warmup" json:"warmup"`
	Measure time.Duration `yaml:"measure" json:"measure"`
	Seed    int64         `yaml:"seed" json:"seed"`

	Traffic traffic.GeneratorConfig `yaml:"traffic" json:"traffic"`
	Bucket  bucket.Config           `yaml:"bucket" json:"bucket"`
	Handler handler.Config          `yaml:"handler" json:"handler"`

	// HeavyPath routes implicit-variant traffic through the heavier
	// concurrent code path instead of the operation graph.
	HeavyPath bool `yaml:"heavy_path" json:"heavy_path"`

	FlipModes bool           `yaml:"flip_modes" json:"flip_modes"`
	Flip      flipper.Config `yaml:"flip" json:"flip"`
}

// ApplyDefaults fills in default values.
func (c *Config) ApplyDefaults() {
	if c.Variant == "" {
		c.Variant = VariantExplicit
	}
	if c.Warmup == 0 {
		c.Warmup = 2 * time.Second
	}
	if c.Measure == 0 {
		c.Measure = 10 * time.Second
	}
	c.Traffic.ApplyDefaults()
	if c.Bucket.Capacity == 0 && c.Bucket.RefillRate == 0 {
		c.Bucket = bucket.DefaultConfig()
	}
	c.Handler.ApplyDefaults()
	c.Flip.ApplyDefaults()
}

// Validate checks configuration.
func (c *Config) Validate() error {
	if c.Variant != VariantImplicit && c.Variant != VariantExplicit {
		return fmt.Errorf("runner: unknown variant %q", c.Variant)
	}
	if c.Measure <= 0 {
		return errors.New("runner: measurement window must be positive")
	}
	if c.Warmup < 0 {
		return errors.New("runner: warmup must not be negative")
	}
	if c.HeavyPath && c.Variant != VariantImplicit {
		return errors.New("runner: heavy path applies only to the implicit variant")
	}
	return c.Traffic.Validate()
}

// variantHandler is what the runner needs from either handler.
type variantHandler interface {
	Name() string
	Handle(ctx context.Context, req handler.Request) *handler.Outcome
	Close()
}

// Runner executes benchmark runs for one configuration.
type Runner struct {
	config Config
	logger *zap.Logger
}

// New builds a runner.
func New(config Config, logger *zap.Logger) (*Runner, error) {
	config.ApplyDefaults()
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Runner{config: config, logger: logger}, nil
}

// Run executes one complete warmup-then-measure cycle and returns the
// result record. All benchmark state is scoped to this call: parallel
// runs never share a limiter, collector, or generator.
func (r *Runner) Run(ctx context.Context) (*report.Record, error) {
	return r.RunWith(ctx, metrics.NewCollector())
}

// RunWith is Run with a caller-supplied collector, so the status server
// can serve live snapshots of an in-progress run.
func (r *Runner) RunWith(ctx context.Context, collector *metrics.Collector) (*report.Record, error) {
	cfg := r.config

	var sim *simulate.Simulator
	if cfg.Seed != 0 {
		sim = simulate.NewSeeded(cfg.Seed)
	} else {
		sim = simulate.New()
	}

	limiter := bucket.New(cfg.Bucket, sim, r.logger.Named("bucket"))
	gen, err := traffic.NewGenerator(cfg.Traffic, collector, r.logger.Named("traffic"))
	if err != nil {
		return nil, err
	}

	var h variantHandler
	switch cfg.Variant {
	case VariantImplicit:
		h = handler.NewImplicit(cfg.Handler, limiter, sim, collector, r.logger.Named("handler"))
	case VariantExplicit:
		h = handler.NewExplicit(cfg.Handler, limiter, sim, collector, r.logger.Named("handler"))
	default:
		return nil, fmt.Errorf("runner: unknown variant %q", cfg.Variant)
	}
	defer h.Close()

	if cfg.FlipModes {
		flip := flipper.New(cfg.Flip, limiter, gen.Selector().Population(), r.logger.Named("flipper"))
		flip.Start()
		defer flip.Stop()
	}

	dispatch := func(ctx context.Context, tenantID string) {
		req := handler.Request{
			RequestID: uuid.New().String(),
			TenantID:  tenantID,
			Units:     cfg.Handler.UnitsPerCall,
		}
		collector.InFlightAdd(1)
		defer collector.InFlightAdd(-1)
		out := h.Handle(ctx, req)
		switch {
		case out.Err == nil && out.Decision == bucket.DecisionOK:
			collector.RecordRequest(out.Latency)
		case out.Decision == bucket.DecisionWait:
			collector.RecordWaitDecision()
		case out.Decision == bucket.DecisionReject:
			collector.RecordRejectDecision()
		}
	}
	if cfg.HeavyPath {
		imp, ok := h.(*handler.Implicit)
		if !ok {
			return nil, errors.New("runner: heavy path applies only to the implicit variant")
		}
		dispatch = func(ctx context.Context, tenantID string) {
			start := time.Now()
			collector.InFlightAdd(1)
			defer collector.InFlightAdd(-1)
			out := imp.HandleHeavy(ctx, handler.Request{
				RequestID: uuid.New().String(),
				TenantID:  tenantID,
				Units:     cfg.Handler.UnitsPerCall,
			})
			if len(out.Errs) == 0 {
				collector.RecordRequest(time.Since(start))
			}
		}
	}

	if cfg.Warmup > 0 {
		r.logger.Info("warmup window",
			zap.String("variant", h.Name()),
			zap.Duration("duration", cfg.Warmup))
		if err := gen.Run(ctx, cfg.Warmup, dispatch); err != nil {
			return nil, fmt.Errorf("runner: warmup: %w", err)
		}
	}

	// Discard everything observed during warmup.
	collector.Reset()

	r.logger.Info("measurement window",
		zap.String("variant", h.Name()),
		zap.Duration("duration", cfg.Measure))
	measureStart := time.Now()
	if err := gen.Run(ctx, cfg.Measure, dispatch); err != nil {
		return nil, fmt.Errorf("runner: measure: %w", err)
	}
	wallClock := time.Since(measureStart)

	stats := collector.Stats()
	rec := report.NewRecord(cfg.Variant)
	rec.Profile = string(cfg.Traffic.Profile)
	rec.Population = cfg.Traffic.Population
	rec.BaseRate = cfg.Traffic.BaseRate
	rec.WarmupSec = cfg.Warmup.Seconds()
	rec.MeasureSec = cfg.Measure.Seconds()
	rec.ModeFlips = cfg.FlipModes
	rec.HeavyPath = cfg.HeavyPath
	rec.WallClockSec = wallClock.Seconds()
	rec.FillStats(stats)
	rec.AuditLog = collector.AuditTrail()

	if err := report.Validate(rec); err != nil {
		return nil, err
	}

	r.logger.Info("run complete",
		zap.String("variant", cfg.Variant),
		zap.Int64("throughput", stats.Throughput),
		zap.Float64("p99_ms", stats.P99Ms),
		zap.Int64("integrity_errors", stats.IntegrityErrors))
	return rec, nil
}

// RunParallel executes n identical runs concurrently and folds their
// records into one. Throughput and latency percentiles are averaged
// arithmetically across workers; averaging percentiles is a statistical
// approximation and the merged record says so. Integrity and
// contamination counts are summed, since a violation anywhere is a
// violation of the whole experiment.
func (r *Runner) RunParallel(ctx context.Context, n int) (*report.Record, error) {
	if n <= 0 {
		return nil, fmt.Errorf("runner: worker count must be positive, got %d", n)
	}
	if n == 1 {
		return r.Run(ctx)
	}

	records := make([]*report.Record, n)
	errs := make([]error, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			records[i], errs[i] = r.Run(ctx)
		}(i)
	}
	wg.Wait()

	for _, err := range errs {
		if err != nil {
			return nil, fmt.Errorf("runner: worker failed: %w", err)
		}
	}
	return mergeRecords(r.config, records), nil
}

func mergeRecords(cfg Config, records []*report.Record) *report.Record {
	merged := report.NewRecord(cfg.Variant)
	merged.Profile = string(cfg.Traffic.Profile)
	merged.Population = cfg.Traffic.Population
	merged.BaseRate = cfg.Traffic.BaseRate
	merged.WarmupSec = cfg.Warmup.Seconds()
	merged.MeasureSec = cfg.Measure.Seconds()
	merged.ModeFlips = cfg.FlipModes
	merged.HeavyPath = cfg.HeavyPath
	merged.WorkerCount = len(records)
	merged.PercentilesAveraged = true

	n := float64(len(records))
	var throughput float64
	for _, rec := range records {
		throughput += float64(rec.Throughput)
		merged.RequestsPerSec += rec.RequestsPerSec / n
		merged.P50Ms += rec.P50Ms / n
		merged.P95Ms += rec.P95Ms / n
		merged.P99Ms += rec.P99Ms / n
		merged.P999Ms += rec.P999Ms / n
		merged.MaxMs += rec.MaxMs / n

		merged.IntegrityErrors += rec.IntegrityErrors
		merged.Contaminations += rec.Contaminations
		merged.PropagationEdges += rec.PropagationEdges
		merged.Errors += rec.Errors
		merged.ShedRequests += rec.ShedRequests
		merged.WaitDecisions += rec.WaitDecisions
		merged.RejectDecisions += rec.RejectDecisions

		if rec.WallClockSec > merged.WallClockSec {
			merged.WallClockSec = rec.WallClockSec
		}
		merged.AuditLog = append(merged.AuditLog, rec.AuditLog...)
	}
	merged.Throughput = int64(throughput / n)
	return merged
}
