// Package metrics accumulates per-run benchmark observations: throughput,
// latency samples, context-integrity counters, and the audit trail.
package metrics

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// AuditEntry is one recorded event in the run's audit trail.
type AuditEntry struct {
	Timestamp time.Time `json:"timestamp"`
	RequestID string    `json:"request_id"`
	TenantID  string    `json:"tenant_id"`
	Probe     string    `json:"probe,omitempty"`
	Kind      string    `json:"kind"`
	Detail    string    `json:"detail,omitempty"`
}

// Audit entry kinds.
const (
	AuditIntegrityViolation = "integrity_violation"
	AuditContamination      = "cross_tenant_contamination"
	AuditDeadlineExceeded   = "deadline_exceeded"
	AuditShedRequest        = "shed_request"
)

// Stats is the flat, serializable statistics snapshot derived from a
// collector. Percentile fields are zero-valued (never NaN) when no
// samples were recorded.
type Stats struct {
	Throughput       int64   `json:"throughput"`
	RequestsPerSec   float64 `json:"requests_per_sec"`
	Samples          int64   `json:"samples"`
	P50Ms            float64 `json:"p50_ms"`
	P95Ms            float64 `json:"p95_ms"`
	P99Ms            float64 `json:"p99_ms"`
	P999Ms           float64 `json:"p999_ms"`
	MaxMs            float64 `json:"max_ms"`
	IntegrityErrors  int64   `json:"integrity_errors"`
	Contaminations   int64   `json:"contaminations"`
	PropagationEdges int64   `json:"propagation_edges"`
	Errors           int64   `json:"errors"`
	ShedRequests     int64   `json:"shed_requests"`
	WaitDecisions    int64   `json:"wait_decisions"`
	RejectDecisions  int64   `json:"reject_decisions"`
}

// Collector is the per-run metrics sink. One instance is created for each
// benchmark invocation and injected into every component; it is never a
// process-wide singleton.
type Collector struct {
	throughput       atomic.Int64
	integrityErrors  atomic.Int64
	contaminations   atomic.Int64
	propagationEdges atomic.Int64
	errors           atomic.Int64
	shed             atomic.Int64
	waitDecisions    atomic.Int64
	rejectDecisions  atomic.Int64

	mu        sync.Mutex
	startTime time.Time
	latencies []time.Duration
	audit     []AuditEntry

	bridge *PromBridge
}

// NewCollector creates an empty collector. The clock starts on creation
// and restarts on Reset.
func NewCollector() *Collector {
	return &Collector{
		startTime: time.Now(),
		latencies: make([]time.Duration, 0, 16384),
	}
}

// SetBridge attaches a Prometheus bridge that mirrors counter increments.
func (c *Collector) SetBridge(b *PromBridge) {
	c.bridge = b
}

// RecordRequest records one completed request and its latency.
func (c *Collector) RecordRequest(latency time.Duration) {
	c.throughput.Add(1)
	c.mu.Lock()
	c.latencies = append(c.latencies, latency)
	c.mu.Unlock()
	if c.bridge != nil {
		c.bridge.requests.Inc()
		c.bridge.latency.Observe(latency.Seconds())
	}
}

// RecordIntegrityError records a probe that found missing or malformed
// request context.
func (c *Collector) RecordIntegrityError(entry AuditEntry) {
	c.integrityErrors.Add(1)
	c.appendAudit(entry)
	if c.bridge != nil {
		c.bridge.integrityErrors.Inc()
	}
}

// RecordContamination records a probe that observed a tenant identity
// diverging from the request's original tenant.
func (c *Collector) RecordContamination(entry AuditEntry) {
	c.contaminations.Add(1)
	c.appendAudit(entry)
	if c.bridge != nil {
		c.bridge.contaminations.Inc()
	}
}

// RecordPropagationEdge counts one explicit context hand-off across a
// function or callback boundary. Diagnostic for the explicit variant.
func (c *Collector) RecordPropagationEdge() {
	c.propagationEdges.Add(1)
}

// RecordError records a request-level failure (deadline, structural).
func (c *Collector) RecordError(entry AuditEntry) {
	c.errors.Add(1)
	c.appendAudit(entry)
}

// RecordShed counts a dispatch dropped by generator backpressure.
func (c *Collector) RecordShed() {
	c.shed.Add(1)
}

// RecordWaitDecision counts a reservation answered with a wait hint.
// Turned-away traffic is an expected outcome, not an error.
func (c *Collector) RecordWaitDecision() {
	c.waitDecisions.Add(1)
}

// RecordRejectDecision counts a reservation rejected outright.
func (c *Collector) RecordRejectDecision() {
	c.rejectDecisions.Add(1)
}

// InFlightAdd mirrors the in-flight request count onto the bridge gauge
// when one is attached.
func (c *Collector) InFlightAdd(delta float64) {
	if c.bridge != nil {
		c.bridge.InFlightAdd(delta)
	}
}

func (c *Collector) appendAudit(entry AuditEntry) {
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}
	c.mu.Lock()
	c.audit = append(c.audit, entry)
	c.mu.Unlock()
}

// AuditTrail returns a copy of the accumulated audit entries.
func (c *Collector) AuditTrail() []AuditEntry {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]AuditEntry, len(c.audit))
	copy(out, c.audit)
	return out
}

// Throughput returns the current request count.
func (c *Collector) Throughput() int64 {
	return c.throughput.Load()
}

// PropagationEdges returns the current edge count.
func (c *Collector) PropagationEdges() int64 {
	return c.propagationEdges.Load()
}

// IntegrityErrors returns the current integrity-error count.
func (c *Collector) IntegrityErrors() int64 {
	return c.integrityErrors.Load()
}

// Contaminations returns the current contamination count.
func (c *Collector) Contaminations() int64 {
	return c.contaminations.Load()
}

// Stats computes the statistics snapshot. Calling it twice without an
// intervening request returns identical percentiles: it sorts a copy and
// never mutates the sample list.
func (c *Collector) Stats() Stats {
	c.mu.Lock()
	elapsed := time.Since(c.startTime).Seconds()
	sorted := make([]time.Duration, len(c.latencies))
	copy(sorted, c.latencies)
	c.mu.Unlock()

	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	stats := Stats{
		Throughput:       c.throughput.Load(),
		Samples:          int64(len(sorted)),
		IntegrityErrors:  c.integrityErrors.Load(),
		Contaminations:   c.contaminations.Load(),
		PropagationEdges: c.propagationEdges.Load(),
		Errors:           c.errors.Load(),
		ShedRequests:     c.shed.Load(),
		WaitDecisions:    c.waitDecisions.Load(),
		RejectDecisions:  c.rejectDecisions.Load(),
	}
	if elapsed > 0 {
		stats.RequestsPerSec = float64(stats.Throughput) / elapsed
	}
	if len(sorted) > 0 {
		stats.P50Ms = ms(percentile(sorted, 0.50))
		stats.P95Ms = ms(percentile(sorted, 0.95))
		stats.P99Ms = ms(percentile(sorted, 0.99))
		stats.P999Ms = ms(percentile(sorted, 0.999))
		stats.MaxMs = ms(sorted[len(sorted)-1])
	}
	return stats
}

// Reset clears all state and restarts the clock. Used to discard warmup
// observations at the warmup/measurement boundary.
func (c *Collector) Reset() {
	c.throughput.Store(0)
	c.integrityErrors.Store(0)
	c.contaminations.Store(0)
	c.propagationEdges.Store(0)
	c.errors.Store(0)
	c.shed.Store(0)
	c.waitDecisions.Store(0)
	c.rejectDecisions.Store(0)
	c.mu.Lock()
	c.startTime = time.Now()
	c.latencies = c.latencies[:0]
	c.audit = nil
	c.mu.Unlock()
}

// percentile indexes a sorted sample list by rank.
func percentile(sorted []time.Duration, q float64) time.Duration {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(float64(len(sorted)-1) * q)
	return sorted[idx]
}

func ms(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}
