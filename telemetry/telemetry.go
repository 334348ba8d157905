// Package telemetry turns bus events into metrics, log lines, and trace
// spans. Everything here is a subscriber of the ops bus: the load path
// publishes events and stays entirely free of instrumentation concerns.
package telemetry

import (
	"sync"

	"github.com/HengYangDS/sage-kb-sub007/ops"
)

// Options selects which sinks the observer feeds.
type Options struct {
	// Metrics updates the package's prometheus collectors.
	Metrics bool
	// LogMirror writes events to logrus (debug level for routine
	// traffic, warn for degradation).
	LogMirror bool
	// Traces records a span per load, via the global OTel provider.
	Traces bool
}

// Observer consumes one bus subscription on a background goroutine.
type Observer struct {
	sub  *ops.Subscription
	opts Options

	spans *spanTracker

	done      chan struct{}
	closeOnce sync.Once
}

// Start subscribes to the bus and begins observing. Close when done.
func Start(bus *ops.Bus, opts Options) *Observer {
	var o = &Observer{
		sub:  bus.Subscribe(),
		opts: opts,
		done: make(chan struct{}),
	}
	if opts.Traces {
		o.spans = newSpanTracker()
	}
	go o.run()
	return o
}

func (o *Observer) run() {
	defer close(o.done)
	for ev := range o.sub.C() {
		if o.opts.Metrics {
			observeMetrics(ev)
		}
		if o.opts.LogMirror {
			mirrorToLog(ev)
		}
		if o.spans != nil {
			o.spans.observe(ev)
		}
	}
}

// Close cancels the subscription and waits for in-flight observation to
// finish. Dangling spans are ended.
func (o *Observer) Close() {
	o.closeOnce.Do(func() {
		o.sub.Cancel()
		<-o.done
		if o.spans != nil {
			o.spans.drain()
		}
	})
}

func observeMetrics(ev ops.Event) {
	switch ev.Kind {
	case ops.LoadStart:
		loadsStartedCounter.Inc()
	case ops.LoadComplete:
		loadsCompletedCounter.WithLabelValues(ev.Status).Inc()
		loadDurationHistogram.Observe(ev.Duration.Seconds())
	case ops.LoadLayerComplete:
		layerOutcomeCounter.WithLabelValues("complete").Inc()
	case ops.LoadLayerTimeout:
		layerOutcomeCounter.WithLabelValues("timeout").Inc()
	case ops.LoadLayerFallback:
		layerOutcomeCounter.WithLabelValues("fallback").Inc()
	case ops.CacheHit:
		cacheOutcomeCounter.WithLabelValues("hit").Inc()
	case ops.CacheStaleHit:
		cacheOutcomeCounter.WithLabelValues("stale_hit").Inc()
	case ops.CacheMiss:
		cacheOutcomeCounter.WithLabelValues("miss").Inc()
	case ops.CacheEvict:
		cacheEvictionCounter.WithLabelValues(ev.Reason).Inc()
	case ops.BreakerOpen:
		breakerTransitionCounter.WithLabelValues(ev.Scope, "open").Inc()
	case ops.BreakerHalfOpen:
		breakerTransitionCounter.WithLabelValues(ev.Scope, "half-open").Inc()
	case ops.BreakerClose:
		breakerTransitionCounter.WithLabelValues(ev.Scope, "closed").Inc()
	case ops.CapabilityComplete:
		capabilityOutcomeCounter.WithLabelValues(ev.Scope, ev.Status).Inc()
	case ops.CapabilityTimeout:
		capabilityOutcomeCounter.WithLabelValues(ev.Scope, "timeout").Inc()
	case ops.IndexRescan:
		indexRescanCounter.Inc()
	case ops.BusDrop:
		busDroppedCounter.Add(float64(ev.Count))
	}
}
