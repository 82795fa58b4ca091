// Package observability hosts the kernel's ambient metrics and tracing
// surface: encore.dev/metrics counters/histograms for compute throughput
// and latency, and a Tracer interface whose default implementation is a
// safe no-op. There is no bespoke aggregation, alerting, or dashboard
// service here — Encore's own generated metrics/tracing endpoints cover
// that surface, and standing up a second one would duplicate it.
package observability

import (
	"time"

	"encore.dev/metrics"
)

// outcomeLabels tags TasksTotal by how a Compute call finished.
type outcomeLabels struct {
	Outcome string
}

var (
	// TasksTotal counts Compute calls by outcome: "hit" (served from
	// cache), "miss" (computed and cached), or "error" (the unit failed).
	// Calls rejected by admission control or naming an unknown unit are
	// not counted.
	TasksTotal = metrics.NewCounterGroup[outcomeLabels, uint64]("kernel_tasks_total", metrics.CounterConfig{})

	// CacheHitsTotal and CacheMissesTotal duplicate the cache-specific
	// slice of TasksTotal as plain counters, for dashboards that only
	// care about cache effectiveness and don't want to filter by label.
	CacheHitsTotal   = metrics.NewCounter[uint64]("kernel_cache_hits_total", metrics.CounterConfig{})
	CacheMissesTotal = metrics.NewCounter[uint64]("kernel_cache_misses_total", metrics.CounterConfig{})

	// ComputeLatencySeconds observes end-to-end Compute duration,
	// including retry backoff.
	ComputeLatencySeconds = metrics.NewHistogram[float64]("kernel_compute_latency_seconds", metrics.HistogramConfig{})
)

// RecordOutcome increments the task counter for the given outcome and
// observes latency when it is non-zero (a cache hit reports zero elapsed
// pool time and is skipped).
func RecordOutcome(outcome string, latency time.Duration) {
	TasksTotal.With(outcomeLabels{Outcome: outcome}).Increment()
	switch outcome {
	case "hit":
		CacheHitsTotal.Increment()
	case "miss":
		CacheMissesTotal.Increment()
	}
	if latency > 0 {
		ComputeLatencySeconds.Observe(latency.Seconds())
	}
}
