package report

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

// recordSchema is the contract the reporting layer depends on. Records
// are validated against it before hand-off so a schema drift fails the
// producing run, not the consumer.
const recordSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "required": [
    "run_id", "variant", "profile", "started_at",
    "population", "base_rate", "worker_count",
    "throughput", "requests_per_sec",
    "p50_ms", "p95_ms", "p99_ms", "p999_ms", "max_ms",
    "integrity_errors", "contaminations", "propagation_edges",
    "errors", "shed_requests", "wait_decisions", "reject_decisions",
    "wall_clock_sec"
  ],
  "properties": {
    "run_id": {"type": "string", "minLength": 1},
    "variant": {"type": "string", "enum": ["implicit", "explicit"]},
    "profile": {"type": "string", "enum": ["steady", "burst", "surge"]},
    "started_at": {"type": "string"},
    "population": {"type": "integer", "minimum": 1},
    "base_rate": {"type": "number", "minimum": 0},
    "warmup_sec": {"type": "number", "minimum": 0},
    "measure_sec": {"type": "number", "minimum": 0},
    "mode_flips": {"type": "boolean"},
    "worker_count": {"type": "integer", "minimum": 1},
    "throughput": {"type": "integer", "minimum": 0},
    "requests_per_sec": {"type": "number", "minimum": 0},
    "p50_ms": {"type": "number", "minimum": 0},
    "p95_ms": {"type": "number", "minimum": 0},
    "p99_ms": {"type": "number", "minimum": 0},
    "p999_ms": {"type": "number", "minimum": 0},
    "max_ms": {"type": "number", "minimum": 0},
    "integrity_errors": {"type": "integer", "minimum": 0},
    "contaminations": {"type": "integer", "minimum": 0},
    "propagation_edges": {"type": "integer", "minimum": 0},
    "errors": {"type": "integer", "minimum": 0},
    "shed_requests": {"type": "integer", "minimum": 0},
    "wait_decisions": {"type": "integer", "minimum": 0},
    "reject_decisions": {"type": "integer", "minimum": 0},
    "heavy_path": {"type": "boolean"},
    "wall_clock_sec": {"type": "number", "minimum": 0},
    "percentiles_averaged": {"type": "boolean"},
    "audit_log": {"type": "array"}
  }
}`

// Validate checks a record against the contract schema.
func Validate(rec *Record) error {
	raw, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("report: marshal record: %w", err)
	}
	result, err := gojsonschema.Validate(
		gojsonschema.NewStringLoader(recordSchema),
		gojsonschema.NewBytesLoader(raw),
	)
	if err != nil {
		return fmt.Errorf("report: validate record: %w", err)
	}
	if result.Valid() {
		return nil
	}
	var b strings.Builder
	for i, desc := range result.Errors() {
		if i > 0 {
			b.WriteString("; ")
		}
		b.WriteString(desc.String())
	}
	return fmt.Errorf("report: record violates contract: %s", b.String())
}
