// Package cache is the two-tier content cache: a hot in-memory LRU
// bounded by entries and bytes, and an optional warm on-disk tier of
// content-addressed records that survives restarts. Entries are keyed by
// (path, fingerprint) so content changes can never serve mixed bytes.
package cache

import (
	"context"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"github.com/HengYangDS/sage-kb-sub007/clock"
	"github.com/HengYangDS/sage-kb-sub007/fingerprint"
	"github.com/HengYangDS/sage-kb-sub007/ops"
)

// Key addresses one cached blob. Path is the absolute, slash-normalized
// source path; Fingerprint is the content identity the index observed.
type Key struct {
	Path        string
	Fingerprint fingerprint.Fingerprint
}

func (k Key) flightID() string { return k.Path + "\x00" + k.Fingerprint.String() }

// Entry is one cached blob plus its admission metadata.
type Entry struct {
	Key        Key
	Data       []byte
	Tokens     int
	InsertedAt time.Time
}

// State classifies a lookup against the freshness horizons.
type State int

const (
	Miss State = iota
	Fresh
	Stale
)

func (s State) String() string {
	switch s {
	case Fresh:
		return "fresh"
	case Stale:
		return "stale"
	}
	return "miss"
}

// Options bound the cache. A zero WarmDir disables the warm tier.
type Options struct {
	MaxEntries int
	MaxBytes   int64
	TTL        time.Duration
	Stale      time.Duration
	WarmDir    string
}

// Cache is safe for concurrent use.
type Cache struct {
	opts Options
	clk  clock.Clock
	bus  ops.Publisher

	hot    *hotTier
	warm   *warmTier
	flight singleflight.Group
}

// New builds the cache. The warm directory is created when configured.
func New(opts Options, clk clock.Clock, bus ops.Publisher) (*Cache, error) {
	var hot, err = newHotTier(opts.MaxEntries, opts.MaxBytes)
	if err != nil {
		return nil, err
	}
	var c = &Cache{opts: opts, clk: clk, bus: bus, hot: hot}
	if opts.WarmDir != "" {
		if c.warm, err = newWarmTier(opts.WarmDir); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// Get classifies key against the hot tier first, then the warm tier.
// A warm record whose payload matches the fingerprint hydrates the hot
// tier and counts as fresh: identical bytes need no re-read. Expired hot
// entries are removed on sight. An ended context reports a miss without
// touching either tier; callers run lookups under the cache deadline
// level, which bounds the warm tier's disk read.
func (c *Cache) Get(ctx context.Context, key Key) (Entry, State) {
	if ctx.Err() != nil {
		return Entry{}, Miss
	}

	if e, ok := c.hot.get(key); ok {
		var age = c.clk.Now().Sub(e.InsertedAt)
		switch {
		case age <= c.opts.TTL:
			c.bus.Publish(ctx, ops.Event{Kind: ops.CacheHit, File: key.Path})
			return e, Fresh
		case age <= c.opts.Stale:
			c.bus.Publish(ctx, ops.Event{Kind: ops.CacheStaleHit, File: key.Path})
			return e, Stale
		default:
			if removed, ok := c.hot.remove(key); ok {
				c.bus.Publish(ctx, ops.Event{Kind: ops.CacheEvict, File: removed.Key.Path, Reason: "expired"})
			}
		}
	}

	if c.warm != nil && !key.Fingerprint.IsZero() {
		if data, ok := c.warm.get(ctx, key.Fingerprint); ok {
			var e = c.insert(ctx, key, data, false)
			c.bus.Publish(ctx, ops.Event{Kind: ops.CacheHit, File: key.Path, Reason: "warm"})
			return e, Fresh
		}
	}

	c.bus.Publish(ctx, ops.Event{Kind: ops.CacheMiss, File: key.Path})
	return Entry{}, Miss
}

// Put stores data under key in both tiers. Warm-tier failures are logged
// and otherwise ignored: the disk tier is an optimization, never a
// correctness dependency.
func (c *Cache) Put(ctx context.Context, key Key, data []byte) Entry {
	return c.insert(ctx, key, data, true)
}

func (c *Cache) insert(ctx context.Context, key Key, data []byte, spill bool) Entry {
	var e = Entry{
		Key:        key,
		Data:       data,
		Tokens:     fingerprint.Estimate(data),
		InsertedAt: c.clk.Now(),
	}
	for _, evicted := range c.hot.add(key, e) {
		c.bus.Publish(ctx, ops.Event{Kind: ops.CacheEvict, File: evicted.Key.Path, Reason: "capacity"})
	}
	// The warm record is addressed by the hash of what was actually read,
	// not by the key's fingerprint: if the index snapshot lags the file,
	// the disk tier must still only ever vouch for bytes it can prove.
	if spill && c.warm != nil {
		if err := c.warm.put(fingerprint.Sum(data), data); err != nil {
			log.WithFields(log.Fields{
				"path":  key.Path,
				"error": err,
			}).Warn("warm cache write failed")
		}
	}
	return e
}

// Refresh reads and caches key's content with at most one concurrent read
// per key: concurrent callers share a single execution of read and its
// result. Waiters stop waiting when their own context ends.
func (c *Cache) Refresh(ctx context.Context, key Key, read func(context.Context) ([]byte, error)) (Entry, error) {
	var ch = c.flight.DoChan(key.flightID(), func() (interface{}, error) {
		var data, err = read(ctx)
		if err != nil {
			return nil, err
		}
		return c.Put(ctx, key, data), nil
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return Entry{}, res.Err
		}
		return res.Val.(Entry), nil
	case <-ctx.Done():
		return Entry{}, ctx.Err()
	}
}

// Stats reports current occupancy.
type Stats struct {
	HotEntries int
	HotBytes   int64
	WarmTier   bool
}

func (c *Cache) Stats() Stats {
	var count, bytes = c.hot.stats()
	return Stats{HotEntries: count, HotBytes: bytes, WarmTier: c.warm != nil}
}
