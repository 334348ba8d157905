// Package loader is the knowledge-delivery facade: selection, per-layer
// assembly, caching, breaker protection, fallback substitution, and event
// emission behind a single Load operation. The read path never returns an
// error; degradation is expressed in the LoadResult itself. Only an
// invalid request is rejected, as a BadRequestError.
package loader

import (
	"bytes"
	"context"

	log "github.com/sirupsen/logrus"

	"github.com/HengYangDS/sage-kb-sub007/breaker"
	"github.com/HengYangDS/sage-kb-sub007/cache"
	"github.com/HengYangDS/sage-kb-sub007/clock"
	"github.com/HengYangDS/sage-kb-sub007/config"
	"github.com/HengYangDS/sage-kb-sub007/fallback"
	"github.com/HengYangDS/sage-kb-sub007/index"
	"github.com/HengYangDS/sage-kb-sub007/ops"
)

// Loader owns the cache, breaker registry, fallback provider, and index.
// One instance serves all concurrent requests.
type Loader struct {
	clk      clock.Clock
	timeouts *clock.Manager
	bus      ops.Publisher

	cache    *cache.Cache
	breakers *breaker.Registry
	content  *breaker.Scope
	fallback *fallback.Provider
	ix       *index.Index

	triggers    []config.CompiledTrigger
	defaults    []string
	maxTokens   int
	concurrency int
	source      Source

	watchEnabled bool
	watchOpts    index.WatchOptions
	watcher      *index.Watcher
}

// Option adjusts construction; mainly a seam for tests.
type Option func(*Loader)

// WithSource replaces the filesystem read used for content files.
func WithSource(src Source) Option {
	return func(l *Loader) { l.source = src }
}

// New wires the loader from configuration. Trigger compilation problems
// are logged, never fatal.
func New(cfg *config.Config, clk clock.Clock, bus ops.Publisher, opts ...Option) (*Loader, error) {
	var triggers, warnings = config.CompileTriggers(cfg.Loading.Triggers)
	for _, w := range warnings {
		log.WithField("key", w.Key).Warn(w.Reason)
	}

	var c, err = cache.New(cache.Options{
		MaxEntries: cfg.Cache.MaxEntries,
		MaxBytes:   cfg.Cache.MaxBytes,
		TTL:        cfg.CacheTTL(),
		Stale:      cfg.CacheStale(),
		WarmDir:    cfg.Cache.WarmDir,
	}, clk, bus)
	if err != nil {
		return nil, err
	}

	var fb *fallback.Provider
	if fb, err = fallback.New(); err != nil {
		return nil, err
	}

	var breakers = breaker.NewRegistry(breaker.Options{
		FailureThreshold: cfg.CircuitBreaker.FailureThreshold,
		ResetTimeout:     cfg.BreakerResetTimeout(),
		HalfOpenRequests: cfg.CircuitBreaker.HalfOpenRequests,
	}, bus)

	var l = &Loader{
		clk:      clk,
		timeouts: clock.NewManager(clk, cfg.TimeoutLevels(), cfg.AbsoluteMax()),
		bus:      bus,

		cache:    c,
		breakers: breakers,
		content:  breakers.Scope(breaker.ScopeContent),
		fallback: fb,
		ix:       index.New(cfg.ContentRoot, clk, bus),

		triggers:    triggers,
		defaults:    cfg.Loading.DefaultLayers,
		maxTokens:   cfg.Loading.MaxTokens,
		concurrency: cfg.Loading.Concurrency,
		source:      FileSource,

		watchEnabled: cfg.Index.Watch,
		watchOpts: index.WatchOptions{
			Poll:          cfg.RescanInterval(),
			RescanTimeout: cfg.AbsoluteMax(),
		},
	}
	for _, o := range opts {
		o(l)
	}
	return l, nil
}

// Start scans the content tree off the request path and begins watching
// it when configured. A failed initial scan is logged and retried lazily
// by the first request; the runtime keeps serving fallbacks meanwhile.
func (l *Loader) Start(ctx context.Context) {
	var scanCtx, cancel = l.timeouts.WithDeadline(ctx, clock.LevelComplex, 0)
	defer cancel()
	if _, err := l.ix.Rescan(scanCtx); err != nil {
		log.WithField("error", err).Error("initial content scan failed; serving fallback content until a rescan succeeds")
	}

	if l.watchEnabled {
		var w, err = index.Watch(l.ix, l.watchOpts)
		if err != nil {
			log.WithField("error", err).Warn("content watching unavailable")
			return
		}
		l.watcher = w
	}
}

// Close stops background watching.
func (l *Loader) Close() error {
	if l.watcher != nil {
		return l.watcher.Close()
	}
	return nil
}

// Snapshot exposes the current index snapshot.
func (l *Loader) Snapshot() *index.Snapshot { return l.ix.Snapshot() }

// Rescan forces an index rescan.
func (l *Loader) Rescan(ctx context.Context) (*index.Snapshot, error) { return l.ix.Rescan(ctx) }

// CacheStats reports cache occupancy.
func (l *Loader) CacheStats() cache.Stats { return l.cache.Stats() }

// BreakerStates reports every breaker scope's state.
func (l *Loader) BreakerStates() map[string]string { return l.breakers.States() }

// Breakers exposes the shared breaker registry for capability dispatch.
func (l *Loader) Breakers() *breaker.Registry { return l.breakers }

// Timeouts exposes the deadline manager for capability dispatch.
func (l *Loader) Timeouts() *clock.Manager { return l.timeouts }

// Load is the top-level read operation.
func (l *Loader) Load(ctx context.Context, req LoadRequest) (LoadResult, error) {
	if err := req.validate(); err != nil {
		return LoadResult{}, err
	}

	if req.CorrelationID == "" {
		ctx, req.CorrelationID = clock.EnsureCorrelation(ctx)
	} else {
		ctx = clock.WithCorrelation(ctx, req.CorrelationID)
	}

	var started = l.clk.Now()
	l.bus.Publish(ctx, ops.Event{Kind: ops.LoadStart})

	var loadCtx, cancel = l.timeouts.WithDeadline(ctx, clock.LevelFull, req.OverrideTimeout)
	defer cancel()

	var snap = l.ix.Snapshot()
	if snap.ScannedAt.IsZero() {
		// Never scanned: do it now, bounded like a layer read.
		var scanCtx, cancelScan = l.timeouts.WithDeadline(loadCtx, clock.LevelLayer, 0)
		if fresh, err := l.ix.Rescan(scanCtx); err == nil {
			snap = fresh
		} else {
			log.WithField("error", err).Warn("on-demand content scan failed")
		}
		cancelScan()
	}

	var budget = req.TokenBudget
	if budget == 0 {
		budget = l.maxTokens
	}
	var sel = Select(snap, l.triggers, l.defaults, req, budget)

	var res = LoadResult{
		LayersRequested: sel.Requested,
		Warnings:        sel.Warnings,
		CorrelationID:   req.CorrelationID,
	}

	var parts [][]byte
	var sawFresh, sawFallback, cancelled bool
	var circuitOnly = true

	for i, id := range sel.Admitted {
		if err := loadCtx.Err(); err != nil {
			var reason = ReasonSkippedDeadline
			if clock.IsCancel(err) {
				reason = ReasonSkippedCancelled
				cancelled = true
			}
			for _, rest := range sel.Admitted[i:] {
				res.Warnings = append(res.Warnings, Warning{Layer: rest, Reason: reason})
			}
			break
		}

		var lay, _ = snap.Layer(id)
		l.bus.Publish(ctx, ops.Event{Kind: ops.LoadLayerStart, Layer: id})
		var layerStarted = l.clk.Now()
		var out = l.loadLayer(loadCtx, lay)

		if out.aborted {
			cancelled = true
			for _, rest := range sel.Admitted[i:] {
				res.Warnings = append(res.Warnings, Warning{Layer: rest, Reason: ReasonSkippedCancelled})
			}
			break
		}

		parts = append(parts, out.content)
		res.LayersLoaded = append(res.LayersLoaded, id)
		res.ApproximateTokens += out.tokens
		res.Warnings = append(res.Warnings, out.warnings...)

		if out.tier == fallback.TierFresh {
			sawFresh = true
			circuitOnly = false
			l.bus.Publish(ctx, ops.Event{
				Kind:     ops.LoadLayerComplete,
				Layer:    id,
				Duration: l.clk.Since(layerStarted),
			})
			continue
		}

		sawFallback = true
		if !out.circuitOpen {
			circuitOnly = false
		}
		if out.timedOut {
			l.bus.Publish(ctx, ops.Event{Kind: ops.LoadLayerTimeout, Layer: id})
		}
		l.bus.Publish(ctx, ops.Event{
			Kind:     ops.LoadLayerFallback,
			Layer:    id,
			Reason:   out.tier.String(),
			Duration: l.clk.Since(layerStarted),
		})
	}

	if !cancelled && clock.IsCancel(loadCtx.Err()) {
		cancelled = true
	}
	if cancelled {
		res.Warnings = append(res.Warnings, Warning{Reason: ReasonCancelled})
	}

	res.Content = bytes.Join(parts, layerSeparator)
	var deadlineHit = clock.IsTimeout(loadCtx.Err())
	switch {
	case len(res.LayersLoaded) > 0 && sawFallback && circuitOnly && !sawFresh:
		res.Status = StatusCircuitOpen
	case deadlineHit && !sawFresh:
		res.Status = StatusTimeout
	case sawFallback:
		res.Status = StatusFallback
	case cancelled || len(res.LayersLoaded) < len(res.LayersRequested):
		res.Status = StatusPartial
	default:
		res.Status = StatusSuccess
	}

	res.DurationMs = l.clk.Since(started).Milliseconds()
	l.bus.Publish(ctx, ops.Event{
		Kind:     ops.LoadComplete,
		Status:   string(res.Status),
		Duration: l.clk.Since(started),
		Count:    len(res.LayersLoaded),
	})
	return res, nil
}
