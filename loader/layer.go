package loader

import (
	"bytes"
	"context"
	"errors"
	"os"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/HengYangDS/sage-kb-sub007/breaker"
	"github.com/HengYangDS/sage-kb-sub007/cache"
	"github.com/HengYangDS/sage-kb-sub007/clock"
	"github.com/HengYangDS/sage-kb-sub007/fallback"
	"github.com/HengYangDS/sage-kb-sub007/fingerprint"
	"github.com/HengYangDS/sage-kb-sub007/index"
)

// Source reads one file's bytes. Production uses FileSource; tests
// substitute slow or failing sources.
type Source func(ctx context.Context, path string) ([]byte, error)

// FileSource reads from the local filesystem. os.ReadFile cannot be
// interrupted, so the read runs aside and an elapsed deadline abandons it.
func FileSource(ctx context.Context, path string) ([]byte, error) {
	type outcome struct {
		data []byte
		err  error
	}
	var ch = make(chan outcome, 1)
	go func() {
		var data, err = os.ReadFile(path)
		ch <- outcome{data, err}
	}()

	select {
	case out := <-ch:
		return out.data, out.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

var layerSeparator = []byte("\n\n")

// fileSlot is one file's contribution to a layer, held in assembly order.
type fileSlot struct {
	data      []byte
	tier      fallback.Tier
	warning   *Warning
	timedOut  bool
	cancelled bool
}

// layerOutcome aggregates one layer's slots.
type layerOutcome struct {
	id       string
	content  []byte
	tokens   int
	tier     fallback.Tier
	warnings []Warning

	timedOut    bool
	circuitOpen bool
	aborted     bool
}

// loadLayer assembles one layer under the layer deadline. Files read in
// bounded parallelism; slots keep index order so assembly stays
// deterministic regardless of completion order. A failed slot is
// substituted in place from the fallback ladder. Caller cancellation
// aborts the whole layer instead of fabricating fallback content.
func (l *Loader) loadLayer(ctx context.Context, lay index.Layer) layerOutcome {
	var out = layerOutcome{id: lay.ID, tier: fallback.TierFresh}

	var layerCtx, cancel = l.timeouts.WithDeadline(ctx, clock.LevelLayer, 0)
	defer cancel()

	var slots = make([]fileSlot, len(lay.Files))
	var grp = new(errgroup.Group)
	grp.SetLimit(l.concurrency)
	for i := range lay.Files {
		grp.Go(func() error {
			slots[i] = l.loadFile(layerCtx, lay.ID, lay.Files[i])
			return nil
		})
	}
	_ = grp.Wait()

	for i := range slots {
		if slots[i].cancelled {
			out.aborted = true
			return out
		}
	}

	var degraded, refused int
	var parts = make([][]byte, 0, len(slots))
	for i := range slots {
		var s = &slots[i]
		parts = append(parts, s.data)
		if s.tier > out.tier {
			out.tier = s.tier
		}
		if s.warning != nil {
			out.warnings = append(out.warnings, *s.warning)
		}
		if s.timedOut {
			out.timedOut = true
		}
		if s.tier != fallback.TierFresh {
			degraded++
			if s.warning != nil && s.warning.Reason == ReasonCircuitOpen {
				refused++
			}
		}
	}
	out.content = bytes.Join(parts, layerSeparator)
	for _, p := range parts {
		out.tokens += fingerprint.Estimate(p)
	}
	out.circuitOpen = len(slots) > 0 && degraded == len(slots) && refused == degraded
	return out
}

// loadFile resolves one file: cache first, then a single-flighted read
// through the content breaker under the file deadline, then the fallback
// ladder with whatever stale entry the cache still held.
func (l *Loader) loadFile(ctx context.Context, layerID string, f index.FileRef) fileSlot {
	var key = cache.Key{Path: f.Rel, Fingerprint: f.Fingerprint}
	var file = strings.TrimPrefix(f.Rel, layerID+"/")

	// The lookup runs under the cache deadline so a slow warm-tier disk
	// cannot eat the layer budget; an expired lookup is just a miss.
	var cacheCtx, cancelCache = l.timeouts.WithDeadline(ctx, clock.LevelCache, 0)
	var entry, state = l.cache.Get(cacheCtx, key)
	cancelCache()
	if state == cache.Fresh {
		return fileSlot{data: entry.Data, tier: fallback.TierFresh}
	}
	var stale []byte
	if state == cache.Stale {
		stale = entry.Data
	}

	if err := ctx.Err(); err != nil {
		return l.degrade(layerID, file, stale, err)
	}

	var fresh, err = l.cache.Refresh(ctx, key, func(ctx context.Context) ([]byte, error) {
		var data []byte
		var doErr = l.content.Do(ctx, func(ctx context.Context) error {
			var fileCtx, cancelFile = l.timeouts.WithDeadline(ctx, clock.LevelFile, 0)
			defer cancelFile()
			var readErr error
			data, readErr = l.source(fileCtx, f.Abs)
			return readErr
		})
		return data, doErr
	})
	if err == nil {
		return fileSlot{data: fresh.Data, tier: fallback.TierFresh}
	}
	return l.degrade(layerID, file, stale, err)
}

// degrade classifies the failure and substitutes fallback content. The
// substitution occupies the failed file's position in assembly order.
func (l *Loader) degrade(layerID, file string, stale []byte, err error) fileSlot {
	if errors.Is(err, context.Canceled) {
		return fileSlot{cancelled: true}
	}

	var reason = ReasonIO
	var timedOut bool
	switch {
	case breaker.IsOpen(err):
		reason = ReasonCircuitOpen
	case clock.IsTimeout(err):
		reason = ReasonTimeout
		timedOut = true
	}

	var data, tier = l.fallback.For(layerID, stale)
	return fileSlot{
		data:     data,
		tier:     tier,
		warning:  &Warning{Layer: layerID, File: file, Reason: reason},
		timedOut: timedOut,
	}
}
