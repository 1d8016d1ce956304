package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// PromBridge mirrors collector counters onto a Prometheus registry so the
// status server can expose a live view of the run. The registry is
// per-run, not the process default, so parallel runs do not collide.
type PromBridge struct {
	registry *prometheus.Registry

	requests        prometheus.Counter
	integrityErrors prometheus.Counter
	contaminations  prometheus.Counter
	latency         prometheus.Histogram
	inFlight        prometheus.Gauge
}

// NewPromBridge creates a bridge with its own registry.
func NewPromBridge(variant string) *PromBridge {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)
	labels := prometheus.Labels{"variant": variant}

	return &PromBridge{
		registry: registry,
		requests: factory.NewCounter(prometheus.CounterOpts{
			Name:        "ctxbench_requests_total",
			Help:        "Total number of benchmark requests completed",
			ConstLabels: labels,
		}),
		integrityErrors: factory.NewCounter(prometheus.CounterOpts{
			Name:        "ctxbench_integrity_errors_total",
			Help:        "Total number of context-integrity violations observed",
			ConstLabels: labels,
		}),
		contaminations: factory.NewCounter(prometheus.CounterOpts{
			Name:        "ctxbench_contaminations_total",
			Help:        "Total number of cross-tenant contamination events",
			ConstLabels: labels,
		}),
		latency: factory.NewHistogram(prometheus.HistogramOpts{
			Name:        "ctxbench_request_duration_seconds",
			Help:        "End-to-end request latency",
			Buckets:     prometheus.DefBuckets,
			ConstLabels: labels,
		}),
		inFlight: factory.NewGauge(prometheus.GaugeOpts{
			Name:        "ctxbench_requests_in_flight",
			Help:        "Number of requests currently in flight",
			ConstLabels: labels,
		}),
	}
}

// Registry returns the bridge's registry for the status server.
func (b *PromBridge) Registry() *prometheus.Registry {
	return b.registry
}

// InFlightAdd adjusts the in-flight gauge.
func (b *PromBridge) InFlightAdd(delta float64) {
	b.inFlight.Add(delta)
}
