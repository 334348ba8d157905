// Package ops carries the runtime's lifecycle events. Components publish
// Events through a Publisher; the Bus fans them out to subscribers over
// bounded queues without ever blocking or failing the publisher. All
// observability (metrics, tracing, log mirroring) hangs off this package
// so that the load path itself stays free of instrumentation.
package ops

import (
	"context"
	"time"
)

// Kind names one lifecycle event. The set is closed: subscribers may
// switch exhaustively over it.
type Kind string

const (
	LoadStart         Kind = "load.start"
	LoadLayerStart    Kind = "load.layer.start"
	LoadLayerComplete Kind = "load.layer.complete"
	LoadLayerTimeout  Kind = "load.layer.timeout"
	LoadLayerFallback Kind = "load.layer.fallback"
	LoadComplete      Kind = "load.complete"

	CacheHit      Kind = "cache.hit"
	CacheMiss     Kind = "cache.miss"
	CacheStaleHit Kind = "cache.stale_hit"
	CacheEvict    Kind = "cache.evict"

	BreakerOpen     Kind = "breaker.open"
	BreakerHalfOpen Kind = "breaker.halfopen"
	BreakerClose    Kind = "breaker.close"

	CapabilityStart    Kind = "capability.start"
	CapabilityComplete Kind = "capability.complete"
	CapabilityTimeout  Kind = "capability.timeout"

	IndexRescan Kind = "index.rescan"

	// BusDrop reports subscriber queue overflow. Count carries the number
	// of events dropped since the last report on that queue.
	BusDrop Kind = "bus.drop"
)

// Event is one lifecycle notification. Only the fields relevant to the
// Kind are set; the rest are zero.
type Event struct {
	Kind        Kind
	At          time.Time
	Correlation string

	Layer    string
	File     string
	Scope    string // breaker scope or capability key
	Status   string // terminal load status
	Reason   string
	Duration time.Duration
	Count    int
}

// Publisher accepts events. Implementations must not block and must not
// surface subscriber failures to the caller.
type Publisher interface {
	Publish(ctx context.Context, ev Event)
}

// NopPublisher discards all events.
type NopPublisher struct{}

func (NopPublisher) Publish(context.Context, Event) {}

var _ Publisher = NopPublisher{}
