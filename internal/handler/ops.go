package handler

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"
	"go.uber.org/zap"

	"github.com/enterprise-tim/ctxbench/internal/bucket"
	"github.com/enterprise-tim/ctxbench/internal/metrics"
	"github.com/enterprise-tim/ctxbench/internal/queue"
	"github.com/enterprise-tim/ctxbench/internal/simulate"
)

// Sentinel errors.
var (
	ErrDeadlineExceeded = errors.New("handler: request deadline exceeded")
	ErrInjectedFailure  = errors.New("handler: injected downstream failure")
	ErrTenantDrift      = errors.New("handler: tenant identity drifted across transform")
	ErrAuditUnbuilt     = errors.New("handler: audit record build failed, fallback substituted")
	ErrMetricsUnbuilt   = errors.New("handler: metrics record build failed, fallback substituted")
)

// Config tunes the simulated operation graph shared by both variants.
type Config struct {
	DBLatency     simulate.Envelope `yaml:"db_latency" json:"db_latency"`
	APILatency    simulate.Envelope `yaml:"api_latency" json:"api_latency"`
	StreamLatency simulate.Envelope `yaml:"stream_latency" json:"stream_latency"`
	QueueLatency  simulate.Envelope `yaml:"queue_latency" json:"queue_latency"`

	APIFailureRate float64       `yaml:"api_failure_rate" json:"api_failure_rate"`
	Deadline       time.Duration `yaml:"deadline" json:"deadline"`
	Retry          RetryPolicy   `yaml:"retry" json:"retry"`
	UnitsPerCall   float64       `yaml:"units_per_call" json:"units_per_call"`
}

// DefaultConfig returns the benchmark's standard operation-graph tuning.
func DefaultConfig() Config {
	return Config{
		DBLatency:      simulate.Envelope{Min: time.Millisecond, Max: 8 * time.Millisecond},
		APILatency:     simulate.Envelope{Min: 2 * time.Millisecond, Max: 15 * time.Millisecond},
		StreamLatency:  simulate.Envelope{Min: 500 * time.Microsecond, Max: 4 * time.Millisecond},
		QueueLatency:   simulate.Envelope{Min: 200 * time.Microsecond, Max: 2 * time.Millisecond},
		APIFailureRate: 0.02,
		Deadline:       250 * time.Millisecond,
		Retry:          DefaultRetryPolicy(),
		UnitsPerCall:   1,
	}
}

// ApplyDefaults fills zero fields from DefaultConfig.
func (c *Config) ApplyDefaults() {
	defaults := DefaultConfig()
	if c.Deadline == 0 {
		c.Deadline = defaults.Deadline
	}
	if c.Retry.MaxAttempts == 0 {
		c.Retry = defaults.Retry
	}
	if c.UnitsPerCall == 0 {
		c.UnitsPerCall = defaults.UnitsPerCall
	}
}

// streamChunkCount is the fixed size of the simulated pipeline source.
const streamChunkCount = 4

// ops holds the shared plumbing for simulated downstream calls. Both
// handler variants embed it; only the context-threading differs.
type ops struct {
	config    Config
	limiter   *bucket.TokenBucket
	sim       *simulate.Simulator
	collector *metrics.Collector
	logger    *zap.Logger

	encoder *zstd.Encoder
	decoder *zstd.Decoder
	once    sync.Once
	codecEr error
}

func newOps(config Config, limiter *bucket.TokenBucket, sim *simulate.Simulator, collector *metrics.Collector, logger *zap.Logger) *ops {
	config.ApplyDefaults()
	if sim == nil {
		sim = simulate.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ops{
		config:    config,
		limiter:   limiter,
		sim:       sim,
		collector: collector,
		logger:    logger,
	}
}

func (o *ops) codec() (*zstd.Encoder, *zstd.Decoder, error) {
	o.once.Do(func() {
		o.encoder, o.codecEr = zstd.NewWriter(nil,
			zstd.WithEncoderLevel(zstd.SpeedFastest),
			zstd.WithEncoderConcurrency(1))
		if o.codecEr != nil {
			return
		}
		o.decoder, o.codecEr = zstd.NewReader(nil, zstd.WithDecoderConcurrency(1))
	})
	return o.encoder, o.decoder, o.codecEr
}

// dbCall simulates one database read.
func (o *ops) dbCall(ctx context.Context) error {
	return o.sim.Sleep(ctx, o.config.DBLatency)
}

// apiCall simulates one downstream API call with probabilistic failure.
func (o *ops) apiCall(ctx context.Context) error {
	if err := o.sim.Sleep(ctx, o.config.APILatency); err != nil {
		return err
	}
	if o.sim.Fail(o.config.APIFailureRate) {
		return ErrInjectedFailure
	}
	return nil
}

// backoff computes the delay before retry attempt n (0-based):
// base x 2^n with proportional jitter.
func (o *ops) backoff(policy RetryPolicy, attempt int) time.Duration {
	d := policy.BackoffBase << uint(attempt)
	return o.sim.Jitter(d, policy.JitterFraction)
}

// streamSource builds the fixed-size chunk set for one pipeline run. Each
// chunk carries the tenant tag so the transform boundary can be checked
// for identity drift.
func streamSource(tenantTag string) [][]byte {
	chunks := make([][]byte, streamChunkCount)
	for i := range chunks {
		chunks[i] = []byte(fmt.Sprintf("chunk-%d|%s|payload-data-for-compression-stage", i, tenantTag))
	}
	return chunks
}

// streamTransform runs one chunk set through the compression stage and
// returns the recovered tenant tag plus compressed byte count. A tag that
// fails to round-trip is identity drift.
func (o *ops) streamTransform(ctx context.Context, tenantTag string) (int, error) {
	if err := o.sim.Sleep(ctx, o.config.StreamLatency); err != nil {
		return 0, err
	}
	encoder, decoder, err := o.codec()
	if err != nil {
		return 0, fmt.Errorf("handler: stream codec: %w", err)
	}

	var compressedBytes int
	for _, chunk := range streamSource(tenantTag) {
		compressed := encoder.EncodeAll(chunk, nil)
		compressedBytes += len(compressed)

		restored, err := decoder.DecodeAll(compressed, nil)
		if err != nil {
			return compressedBytes, fmt.Errorf("handler: stream decode: %w", err)
		}
		if !bytes.Contains(restored, []byte(tenantTag)) {
			return compressedBytes, ErrTenantDrift
		}
	}
	return compressedBytes, nil
}

// queueRoundTrip pushes the envelope through a queue hop and returns the
// consumer-side decode. Each request gets its own hop: the boundary
// models a deferred microtask, not a shared work queue, so one request's
// envelope must never be consumed by another's continuation.
func (o *ops) queueRoundTrip(ctx context.Context, env queue.Envelope) (queue.Envelope, time.Duration, error) {
	if err := o.sim.Sleep(ctx, o.config.QueueLatency); err != nil {
		return queue.Envelope{}, 0, err
	}

	hop := queue.New(1)
	defer hop.Close()

	msg, err := queue.Encode(env)
	if err != nil {
		return queue.Envelope{}, 0, err
	}
	if err := hop.Enqueue(ctx, msg); err != nil {
		return queue.Envelope{}, 0, err
	}

	// Consume on a separate goroutine so the hop is a real asynchronous
	// boundary rather than an inlined function call.
	type received struct {
		env     queue.Envelope
		latency time.Duration
		err     error
	}
	ch := make(chan received, 1)
	go func() {
		msg, err := hop.Receive(ctx)
		if err != nil {
			ch <- received{err: err}
			return
		}
		decoded, err := queue.Decode(msg)
		ch <- received{env: decoded, latency: time.Since(msg.EnqueuedAt), err: err}
	}()

	select {
	case r := <-ch:
		return r.env, r.latency, r.err
	case <-ctx.Done():
		return queue.Envelope{}, 0, ctx.Err()
	}
}

// Close releases the codec.
func (o *ops) Close() {
	if o.encoder != nil {
		_ = o.encoder.Close()
	}
	if o.decoder != nil {
		o.decoder.Close()
	}
}
