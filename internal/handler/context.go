// Package handler implements the two request-handling strategies under
// comparison: ambient context propagation via context.Context, and
// explicit manual threading of a request-context record through every
// boundary, with integrity probes at each stage.
package handler

import (
	"time"

	"github.com/enterprise-tim/ctxbench/internal/bucket"
)

// Probe names. The explicit variant validates the threaded context at
// each of these representative boundaries.
const (
	ProbeEntry           = "entry"
	ProbeRouter          = "router"
	ProbePreDB           = "pre_db"
	ProbePostDB          = "post_db"
	ProbePreAPI          = "pre_api"
	ProbePostAPI         = "post_api"
	ProbeRetryScheduler  = "retry_scheduler"
	ProbeStreamTransform = "stream_transform"
	ProbeQueueEnqueue    = "queue_enqueue"
	ProbeQueueDequeue    = "queue_dequeue"
	ProbeFanoutJoin      = "fanout_join"
	ProbePreResponse     = "pre_response"
	ProbePostResponse    = "post_response"
	ProbeAuditSink       = "audit_sink"
	ProbeExit            = "exit"
)

// ProbeNames lists every probe boundary in graph order.
var ProbeNames = []string{
	ProbeEntry, ProbeRouter, ProbePreDB, ProbePostDB, ProbePreAPI,
	ProbePostAPI, ProbeRetryScheduler, ProbeStreamTransform,
	ProbeQueueEnqueue, ProbeQueueDequeue, ProbeFanoutJoin,
	ProbePreResponse, ProbePostResponse, ProbeAuditSink, ProbeExit,
}

// RetryPolicy bounds retries of simulated API calls.
type RetryPolicy struct {
	MaxAttempts    int           `yaml:"max_attempts" json:"max_attempts"` // additional attempts after the first
	BackoffBase    time.Duration `yaml:"backoff_base" json:"backoff_base"`
	JitterFraction float64       `yaml:"jitter_fraction" json:"jitter_fraction"`
}

// DefaultRetryPolicy matches the benchmark's standard settings.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:    2,
		BackoffBase:    5 * time.Millisecond,
		JitterFraction: 0.25,
	}
}

// Request is one unit of incoming traffic.
type Request struct {
	RequestID string
	TenantID  string
	Units     float64
}

// RequestContext is the datum being propagated. In the explicit variant
// it is hand-threaded through every call, callback, and transform; its
// TenantID must never diverge from OriginalTenantID for the lifetime of
// the request. The Limiter reference lets downstream code re-query the
// live mode rather than trust the value captured at entry.
type RequestContext struct {
	RequestID        string
	TenantID         string
	OriginalTenantID string
	Mode             bucket.Mode
	Reservation      *bucket.Reservation
	Deadline         time.Time
	Retry            RetryPolicy
	StartTime        time.Time
	Limiter          *bucket.TokenBucket
}

// Complete reports whether the five required fields are present. A probe
// that finds them missing records an integrity violation.
func (rc *RequestContext) Complete() bool {
	return rc.RequestID != "" &&
		rc.TenantID != "" &&
		rc.OriginalTenantID != "" &&
		!rc.Deadline.IsZero() &&
		!rc.StartTime.IsZero()
}

// Contaminated reports whether tenant identity drifted from the
// originating request.
func (rc *RequestContext) Contaminated() bool {
	return rc.TenantID != rc.OriginalTenantID
}

// Expired reports whether the deadline has elapsed.
func (rc *RequestContext) Expired(now time.Time) bool {
	return now.After(rc.Deadline)
}
