package handler

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/enterprise-tim/ctxbench/internal/bucket"
	"github.com/enterprise-tim/ctxbench/internal/metrics"
	"github.com/enterprise-tim/ctxbench/internal/queue"
	"github.com/enterprise-tim/ctxbench/internal/simulate"
)

// Explicit is the manual-threading variant: the request context record is
// passed by hand through every function boundary, callback, and stream
// transform, and validated at fifteen named probes. Every successful
// pass-through is one propagation edge, quantifying the wiring cost the
// ambient variant avoids by construction.
type Explicit struct {
	*ops
}

// NewExplicit creates the explicit-propagation handler.
func NewExplicit(config Config, limiter *bucket.TokenBucket, sim *simulate.Simulator, collector *metrics.Collector, logger *zap.Logger) *Explicit {
	return &Explicit{ops: newOps(config, limiter, sim, collector, logger)}
}

// Name identifies the variant in result records.
func (h *Explicit) Name() string { return "explicit" }

// probe validates the threaded context at one boundary. Missing or
// malformed context and tenant drift each increment their counter exactly
// once per violating probe; a clean pass-through counts one edge.
func (h *Explicit) probe(name string, rc *RequestContext) bool {
	if rc == nil || !rc.Complete() {
		entry := metrics.AuditEntry{Probe: name, Kind: metrics.AuditIntegrityViolation}
		if rc != nil {
			entry.RequestID = rc.RequestID
			entry.TenantID = rc.TenantID
		}
		h.collector.RecordIntegrityError(entry)
		h.logger.Warn("context integrity violation",
			zap.String("probe", name),
			zap.String("request", entry.RequestID))
		return false
	}
	if rc.Contaminated() {
		h.collector.RecordContamination(metrics.AuditEntry{
			RequestID: rc.RequestID,
			TenantID:  rc.TenantID,
			Probe:     name,
			Kind:      metrics.AuditContamination,
			Detail:    "tenant " + rc.TenantID + " != original " + rc.OriginalTenantID,
		})
		h.logger.Warn("cross-tenant contamination",
			zap.String("probe", name),
			zap.String("request", rc.RequestID),
			zap.String("tenant", rc.TenantID),
			zap.String("original", rc.OriginalTenantID))
		return false
	}
	h.collector.RecordPropagationEdge()
	return true
}

// Handle processes one request end to end.
func (h *Explicit) Handle(ctx context.Context, req Request) *Outcome {
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

	rc := &RequestContext{
		RequestID:        req.RequestID,
		TenantID:         req.TenantID,
		OriginalTenantID: req.TenantID,
		Mode:             res.Mode,
		Reservation:      res,
		Deadline:         start.Add(h.config.Deadline),
		Retry:            h.config.Retry,
		StartTime:        start,
		Limiter:          h.limiter,
	}

	h.probe(ProbeEntry, rc)
	h.probe(ProbeRouter, rc)

	h.runGraph(ctx, rc, out)

	h.probe(ProbePreResponse, rc)
	h.probe(ProbePostResponse, rc)
	h.probe(ProbeAuditSink, rc)
	h.probe(ProbeExit, rc)

	out.Latency = time.Since(start)
	return out
}

// runGraph executes the fixed operation graph under the threaded context.
// Sub-operation failures are tolerated and counted; only an elapsed
// deadline at graph entry fails the request outright, and in that case
// zero sub-operations run.
func (h *Explicit) runGraph(ctx context.Context, rc *RequestContext, out *Outcome) {
	if rc.Expired(time.Now()) {
		out.Err = ErrDeadlineExceeded
		h.collector.RecordError(metrics.AuditEntry{
			RequestID: rc.RequestID,
			TenantID:  rc.TenantID,
			Kind:      metrics.AuditDeadlineExceeded,
		})
		return
	}

	var results []opResult

	// Three parallel DB reads.
	h.probe(ProbePreDB, rc)
	dbResults := make([]opResult, 3)
	var wg sync.WaitGroup
	for i := range dbResults {
		wg.Add(1)
		go func(i int, rc *RequestContext) {
			defer wg.Done()
			dbResults[i] = opResult{Kind: opDB, Name: "db", Err: h.dbCall(ctx)}
		}(i, rc)
	}
	wg.Wait()
	h.probe(ProbePostDB, rc)
	results = append(results, dbResults...)

	// Two API calls with bounded retry.
	h.probe(ProbePreAPI, rc)
	apiResults := make([]opResult, 2)
	for i := range apiResults {
		wg.Add(1)
		go func(i int, rc *RequestContext) {
			defer wg.Done()
			apiResults[i] = h.apiWithRetry(ctx, rc)
		}(i, rc)
	}
	wg.Wait()
	h.probe(ProbePostAPI, rc)
	results = append(results, apiResults...)

	// Two parallel streaming-pipeline runs through the compression stage.
	streamResults := make([]opResult, 2)
	for i := range streamResults {
		wg.Add(1)
		go func(i int, rc *RequestContext) {
			defer wg.Done()
			streamResults[i] = h.streamRun(ctx, rc)
		}(i, rc)
	}
	wg.Wait()
	h.probe(ProbeFanoutJoin, rc)
	results = append(results, streamResults...)

	// One queue-style hop.
	results = append(results, h.queueHop(ctx, rc))

	aggregate(out, results)
}

// apiWithRetry attempts one simulated API call with at most
// Retry.MaxAttempts additional tries, exponential backoff plus
// proportional jitter, retrying only while the tenant's live mode is
// soft. The live re-query is deliberate: the captured rc.Mode may be
// stale, which is exactly the tradeoff this variant exists to expose.
func (h *Explicit) apiWithRetry(ctx context.Context, rc *RequestContext) opResult {
	result := opResult{Kind: opAPI, Name: "api"}
	for attempt := 0; ; attempt++ {
		result.Attempts = attempt + 1
		result.Err = h.apiCall(ctx)
		if result.Err == nil || ctx.Err() != nil {
			return result
		}
		if attempt >= rc.Retry.MaxAttempts {
			return result
		}
		if rc.Limiter.Mode(rc.TenantID) != bucket.ModeSoft {
			return result
		}
		if !h.probe(ProbeRetryScheduler, rc) {
			return result
		}
		delay := h.backoff(rc.Retry, attempt)
		if err := h.sim.Sleep(ctx, simulate.Envelope{Min: delay, Max: delay}); err != nil {
			result.Err = err
			return result
		}
	}
}

// streamRun executes one pipeline pass and confirms tenant identity
// survived the transform boundary.
func (h *Explicit) streamRun(ctx context.Context, rc *RequestContext) opResult {
	result := opResult{Kind: opStream, Name: "stream"}
	compressed, err := h.streamTransform(ctx, rc.TenantID)
	result.Bytes = compressed
	result.Err = err
	if err == nil {
		h.probe(ProbeStreamTransform, rc)
	}
	return result
}

// queueHop routes the context through the queue boundary and re-validates
// the decoded record on the consumer side.
func (h *Explicit) queueHop(ctx context.Context, rc *RequestContext) opResult {
	result := opResult{Kind: opQueue, Name: "queue"}

	h.probe(ProbeQueueEnqueue, rc)
	decoded, latency, err := h.queueRoundTrip(ctx, queue.Envelope{
		RequestID:        rc.RequestID,
		TenantID:         rc.TenantID,
		OriginalTenantID: rc.OriginalTenantID,
		Deadline:         rc.Deadline,
		StartTime:        rc.StartTime,
	})
	result.Latency = latency
	if err != nil {
		result.Err = err
		return result
	}

	// Rebuild the context record from the wire form and validate it at
	// the dequeue boundary; drift introduced across the hop shows up
	// here.
	restored := &RequestContext{
		RequestID:        decoded.RequestID,
		TenantID:         decoded.TenantID,
		OriginalTenantID: decoded.OriginalTenantID,
		Mode:             rc.Mode,
		Reservation:      rc.Reservation,
		Deadline:         decoded.Deadline,
		Retry:            rc.Retry,
		StartTime:        decoded.StartTime,
		Limiter:          rc.Limiter,
	}
	if !h.probe(ProbeQueueDequeue, restored) {
		result.Err = ErrTenantDrift
	}
	return result
}
