package handler

import (
	"time"

	"github.com/enterprise-tim/ctxbench/internal/bucket"
)

// opKind tags a sub-operation result.
type opKind string

const (
	opDB     opKind = "db"
	opAPI    opKind = "api"
	opStream opKind = "stream"
	opQueue  opKind = "queue"
)

// opResult is one sub-operation's outcome. The graph unions these at the
// aggregation point instead of passing ad hoc shapes around.
type opResult struct {
	Kind     opKind
	Name     string
	Err      error
	Attempts int           // api only
	Bytes    int           // stream only: compressed size
	Latency  time.Duration // queue only: enqueue-to-dequeue
}

// Outcome is the structured per-request result both variants return.
type Outcome struct {
	RequestID string
	TenantID  string
	Decision  bucket.Decision
	Latency   time.Duration
	Successes int
	Failures  int
	Err       error
}

// aggregate unions sub-operation results with partial-failure tolerance:
// individual failures are counted, not escalated.
func aggregate(out *Outcome, results []opResult) {
	for _, r := range results {
		if r.Err != nil {
			out.Failures++
		} else {
			out.Successes++
		}
	}
}
