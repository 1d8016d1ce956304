// Package report defines the flat result record that is the engine's
// sole contract with the external reporting and visualization layer, and
// validates it against the contract schema before hand-off.
package report

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"

	"github.com/enterprise-tim/ctxbench/internal/metrics"
)

// Record is the structured result of one benchmark invocation. It is
// deliberately flat and serializable: the reporting layer consumes it
// as-is and renders files or screens from it.
type Record struct {
	RunID     string    `json:"run_id"`
	Variant   string    `json:"variant"`
	Profile   string    `json:"profile"`
	StartedAt time.Time `json:"started_at"`

	// Options echo the inputs that shaped the run.
	Population  int     `json:"population"`
	BaseRate    float64 `json:"base_rate"`
	WarmupSec   float64 `json:"warmup_sec"`
	MeasureSec  float64 `json:"measure_sec"`
	ModeFlips   bool    `json:"mode_flips"`
	HeavyPath   bool    `json:"heavy_path,omitempty"`
	WorkerCount int     `json:"worker_count"`

	// Stats derived from the metrics snapshot.
	Throughput       int64   `json:"throughput"`
	RequestsPerSec   float64 `json:"requests_per_sec"`
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

	// WallClockSec is the measured test duration.
	WallClockSec float64 `json:"wall_clock_sec"`

	// PercentilesAveraged marks records produced by the multi-worker
	// aggregator, whose arithmetic mean of percentiles is a known
	// statistical approximation, not a design goal.
	PercentilesAveraged bool `json:"percentiles_averaged,omitempty"`

	AuditLog []metrics.AuditEntry `json:"audit_log,omitempty"`
}

// NewRecord stamps a fresh record with a run ID and start time.
func NewRecord(variant string) *Record {
	return &Record{
		RunID:       uuid.New().String(),
		Variant:     variant,
		StartedAt:   time.Now().UTC(),
		WorkerCount: 1,
	}
}

// FillStats copies a metrics snapshot into the record.
func (r *Record) FillStats(stats metrics.Stats) {
	r.Throughput = stats.Throughput
	r.RequestsPerSec = stats.RequestsPerSec
	r.P50Ms = stats.P50Ms
	r.P95Ms = stats.P95Ms
	r.P99Ms = stats.P99Ms
	r.P999Ms = stats.P999Ms
	r.MaxMs = stats.MaxMs
	r.IntegrityErrors = stats.IntegrityErrors
	r.Contaminations = stats.Contaminations
	r.PropagationEdges = stats.PropagationEdges
	r.Errors = stats.Errors
	r.ShedRequests = stats.ShedRequests
	r.WaitDecisions = stats.WaitDecisions
	r.RejectDecisions = stats.RejectDecisions
}

// WriteJSON writes the record as indented JSON.
func WriteJSON(w io.Writer, rec *Record) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(rec); err != nil {
		return fmt.Errorf("report: encode record: %w", err)
	}
	return nil
}
