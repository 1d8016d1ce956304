package handler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/enterprise-tim/ctxbench/internal/bucket"
	"github.com/enterprise-tim/ctxbench/internal/metrics"
	"github.com/enterprise-tim/ctxbench/internal/queue"
	"github.com/enterprise-tim/ctxbench/internal/simulate"
)

// Synthetic record sizes for the heavy path.
const (
	auditFieldCount    = 200
	metricsBucketCount = 100
	cpuFillerRounds    = 2000
)

// Implicit is the runtime-carried variant: context.Context transports the
// request scope through every downstream call and goroutine, so a single
// assertion at entry suffices. The assertion exists to catch runtime
// regressions, not application bugs.
type Implicit struct {
	*ops
}

// modeWatch receives pushed mode changes for the lifetime of one request.
// The implicit variant subscribes it at entry and reads the last pushed
// value instead of re-querying the limiter, the way ambient state stays
// current without a round-trip.
type modeWatch struct {
	mu   sync.Mutex
	mode bucket.Mode
}

func newModeWatch(initial bucket.Mode) *modeWatch {
	return &modeWatch{mode: initial}
}

func (w *modeWatch) update(m bucket.Mode) {
	w.mu.Lock()
	w.mode = m
	w.mu.Unlock()
}

func (w *modeWatch) current() bucket.Mode {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.mode
}

// NewImplicit creates the ambient-propagation handler.
func NewImplicit(config Config, limiter *bucket.TokenBucket, sim *simulate.Simulator, collector *metrics.Collector, logger *zap.Logger) *Implicit {
	return &Implicit{ops: newOps(config, limiter, sim, collector, logger)}
}

// Name identifies the variant in result records.
func (h *Implicit) Name() string { return "implicit" }

// assertAmbient verifies the ambient scope is present and matches the
// request. Violations are counted, never thrown.
func (h *Implicit) assertAmbient(ctx context.Context, req Request) bool {
	requestID, tenantID, _, err := AmbientFrom(ctx)
	if err != nil || requestID != req.RequestID {
		h.collector.RecordIntegrityError(metrics.AuditEntry{
			RequestID: req.RequestID,
			TenantID:  req.TenantID,
			Kind:      metrics.AuditIntegrityViolation,
			Detail:    "ambient scope missing or mismatched",
		})
		h.logger.Warn("ambient context missing",
			zap.String("request", req.RequestID))
		return false
	}
	if tenantID != req.TenantID {
		h.collector.RecordContamination(metrics.AuditEntry{
			RequestID: req.RequestID,
			TenantID:  tenantID,
			Kind:      metrics.AuditContamination,
			Detail:    "ambient tenant " + tenantID + " != request tenant " + req.TenantID,
		})
		return false
	}
	return true
}

// Handle processes one request with the ambient scope established once
// at entry and carried by the runtime from there on.
func (h *Implicit) Handle(ctx context.Context, req Request) *Outcome {
	start := time.Now()
	out := &Outcome{RequestID: req.RequestID, TenantID: req.TenantID}

	units := req.Units
	if units == 0 {
		units = h.config.UnitsPerCall
	}
	res, err := h.limiter.Reserve(ctx, req.TenantID, units)
	if err != nil {
		out.Err = err
		out.Latency = time.Since(start)
		return out
	}
	out.Decision = res.Decision
	if res.Decision != bucket.DecisionOK {
		out.Latency = time.Since(start)
		return out
	}

	ctx = WithAmbient(ctx, req.RequestID, req.TenantID, start)
	h.assertAmbient(ctx, req)

	// Track the tenant's mode by subscription for the rest of the
	// request: flips arrive pushed, so the retry path never goes back to
	// the limiter.
	watch := newModeWatch(res.Mode)
	unsubscribe := h.limiter.Subscribe(req.TenantID, watch.update)
	defer unsubscribe()

	deadline := start.Add(h.config.Deadline)
	if time.Now().After(deadline) {
		out.Err = ErrDeadlineExceeded
		h.collector.RecordError(metrics.AuditEntry{
			RequestID: req.RequestID,
			TenantID:  req.TenantID,
			Kind:      metrics.AuditDeadlineExceeded,
		})
		out.Latency = time.Since(start)
		return out
	}

	var results []opResult

	// Three parallel DB reads: the ambient scope rides along in ctx with
	// no manual wiring.
	dbResults := make([]opResult, 3)
	var wg sync.WaitGroup
	for i := range dbResults {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			dbResults[i] = opResult{Kind: opDB, Name: "db", Err: h.dbCall(ctx)}
		}(i)
	}
	wg.Wait()
	results = append(results, dbResults...)

	// Two API calls with bounded retry while the live mode stays soft.
	apiResults := make([]opResult, 2)
	for i := range apiResults {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			apiResults[i] = h.apiWithRetry(ctx, watch)
		}(i)
	}
	wg.Wait()
	results = append(results, apiResults...)

	// Two parallel streaming runs; the transform confirms the ambient
	// tenant did not drift.
	streamResults := make([]opResult, 2)
	for i := range streamResults {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			streamResults[i] = h.streamRun(ctx)
		}(i)
	}
	wg.Wait()
	results = append(results, streamResults...)

	results = append(results, h.queueHop(ctx, req, deadline, start))

	aggregate(out, results)
	out.Latency = time.Since(start)
	return out
}

// apiWithRetry retries while the subscription-fed mode stays soft. Where
// the explicit variant re-queries the limiter each time, this variant
// trusts the pushed value; the two staleness disciplines are the
// comparison under measurement.
func (h *Implicit) apiWithRetry(ctx context.Context, watch *modeWatch) opResult {
	result := opResult{Kind: opAPI, Name: "api"}
	for attempt := 0; ; attempt++ {
		result.Attempts = attempt + 1
		result.Err = h.apiCall(ctx)
		if result.Err == nil || ctx.Err() != nil {
			return result
		}
		if attempt >= h.config.Retry.MaxAttempts {
			return result
		}
		if watch.current() != bucket.ModeSoft {
			return result
		}
		delay := h.backoff(h.config.Retry, attempt)
		if err := h.sim.Sleep(ctx, simulate.Envelope{Min: delay, Max: delay}); err != nil {
			result.Err = err
			return result
		}
	}
}

func (h *Implicit) streamRun(ctx context.Context) opResult {
	result := opResult{Kind: opStream, Name: "stream"}
	_, tenantID, _, err := AmbientFrom(ctx)
	if err != nil {
		result.Err = err
		return result
	}
	result.Bytes, result.Err = h.streamTransform(ctx, tenantID)
	return result
}

// queueHop defers a continuation across the queue boundary and
// re-validates that the ambient scope survived the hop.
func (h *Implicit) queueHop(ctx context.Context, req Request, deadline, start time.Time) opResult {
	result := opResult{Kind: opQueue, Name: "queue"}

	decoded, latency, err := h.queueRoundTrip(ctx, queue.Envelope{
		RequestID:        req.RequestID,
		TenantID:         req.TenantID,
		OriginalTenantID: req.TenantID,
		Deadline:         deadline,
		StartTime:        start,
	})
	result.Latency = latency
	if err != nil {
		result.Err = err
		return result
	}

	// The continuation still sees the ambient scope through ctx; check
	// it agrees with what came off the wire.
	if !h.assertAmbient(ctx, Request{RequestID: decoded.RequestID, TenantID: decoded.TenantID}) {
		result.Err = ErrTenantDrift
	}
	return result
}

// HeavyOutcome is the result of the heavier concurrent code path. Any
// sub-operation's failure substitutes a safe fallback object; the other
// two results are never corrupted by it.
type HeavyOutcome struct {
	RequestID     string
	ConsumeOK     bool
	AuditFields   int
	MetricBuckets int
	Fallbacks     int
	Errs          []error
}

// HandleHeavy runs the secondary path: token consumption, a ~200-field
// audit record build, and a ~100-bucket metrics record build, all
// concurrent, plus bounded CPU-bound filler work.
func (h *Implicit) HandleHeavy(ctx context.Context, req Request) *HeavyOutcome {
	ctx = WithAmbient(ctx, req.RequestID, req.TenantID, time.Now())
	h.assertAmbient(ctx, req)

	out := &HeavyOutcome{RequestID: req.RequestID}

	var (
		wg         sync.WaitGroup
		mu         sync.Mutex
		consumeErr error
		audit      map[string]string
		buckets    []int64
	)

	wg.Add(3)
	go func() {
		defer wg.Done()
		err := h.limiter.Consume(ctx, req.TenantID, h.config.UnitsPerCall)
		mu.Lock()
		consumeErr = err
		mu.Unlock()
	}()
	go func() {
		defer wg.Done()
		record := buildAuditRecord(ctx)
		mu.Lock()
		audit = record
		mu.Unlock()
	}()
	go func() {
		defer wg.Done()
		record := buildMetricsRecord(ctx)
		mu.Lock()
		buckets = record
		mu.Unlock()
	}()

	// Bounded CPU-bound filler alongside the fan-out.
	sink := 0
	for i := 0; i < cpuFillerRounds; i++ {
		sink += i * i % 7919
	}
	_ = sink

	wg.Wait()

	out.ConsumeOK = consumeErr == nil
	if consumeErr != nil {
		out.Errs = append(out.Errs, consumeErr)
	}

	// Substitute safe fallbacks for whatever went missing, surfacing the
	// failure alongside; a rejected operation must not corrupt its
	// siblings.
	if audit == nil {
		audit = map[string]string{"fallback": "true"}
		out.Fallbacks++
		out.Errs = append(out.Errs, ErrAuditUnbuilt)
	}
	if buckets == nil {
		buckets = make([]int64, metricsBucketCount)
		out.Fallbacks++
		out.Errs = append(out.Errs, ErrMetricsUnbuilt)
	}
	out.AuditFields = len(audit)
	out.MetricBuckets = len(buckets)
	return out
}

// buildAuditRecord assembles the synthetic wide audit record, stamping
// each field with the ambient tenant so corruption would be visible.
func buildAuditRecord(ctx context.Context) map[string]string {
	if ctx.Err() != nil {
		return nil
	}
	requestID, tenantID, _, err := AmbientFrom(ctx)
	if err != nil {
		return nil
	}
	record := make(map[string]string, auditFieldCount)
	for i := 0; i < auditFieldCount; i++ {
		record[fmt.Sprintf("field_%03d", i)] = tenantID + "/" + requestID
	}
	return record
}

// buildMetricsRecord assembles the synthetic histogram bucket set.
func buildMetricsRecord(ctx context.Context) []int64 {
	if ctx.Err() != nil {
		return nil
	}
	buckets := make([]int64, metricsBucketCount)
	for i := range buckets {
		buckets[i] = int64(i * i)
	}
	return buckets
}
