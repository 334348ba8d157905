package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var loadsStartedCounter = promauto.NewCounter(prometheus.CounterOpts{
	Name: "sage_kb_loads_started_total",
	Help: "counter of knowledge load requests started",
})

var loadsCompletedCounter = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "sage_kb_loads_completed_total",
	Help: "counter of knowledge load requests completed, by terminal status",
}, []string{"status"})

var loadDurationHistogram = promauto.NewHistogram(prometheus.HistogramOpts{
	Name:    "sage_kb_load_duration_seconds",
	Help:    "histogram of end-to-end knowledge load durations",
	Buckets: prometheus.ExponentialBuckets(0.001, 2, 14),
})

var layerOutcomeCounter = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "sage_kb_layer_outcomes_total",
	Help: "counter of per-layer load outcomes (complete, timeout, fallback)",
}, []string{"outcome"})

var cacheOutcomeCounter = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "sage_kb_cache_outcomes_total",
	Help: "counter of cache lookups by outcome (hit, stale_hit, miss)",
}, []string{"outcome"})

var cacheEvictionCounter = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "sage_kb_cache_evictions_total",
	Help: "counter of cache evictions by reason (capacity, expired)",
}, []string{"reason"})

var breakerTransitionCounter = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "sage_kb_breaker_transitions_total",
	Help: "counter of circuit breaker state transitions, by scope and new state",
}, []string{"scope", "state"})

var capabilityOutcomeCounter = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "sage_kb_capability_outcomes_total",
	Help: "counter of capability dispatches by capability key and outcome",
}, []string{"capability", "outcome"})

var indexRescanCounter = promauto.NewCounter(prometheus.CounterOpts{
	Name: "sage_kb_index_rescans_total",
	Help: "counter of content index rescans",
})

var busDroppedCounter = promauto.NewCounter(prometheus.CounterOpts{
	Name: "sage_kb_bus_dropped_events_total",
	Help: "counter of lifecycle events shed from full subscriber queues",
})
