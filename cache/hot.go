package cache

import (
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
)

// hotTier is the in-memory tier: an LRU bounded by both entry count and
// total payload bytes. All byte accounting happens under mu; the inner
// LRU's eviction callback only records what fell out so add can report it.
type hotTier struct {
	mu       sync.Mutex
	entries  *lru.Cache[Key, Entry]
	bytes    int64
	maxBytes int64

	// evicted collects callback output during a single mutating call.
	evicted []Entry
}

func newHotTier(maxEntries int, maxBytes int64) (*hotTier, error) {
	var h = &hotTier{maxBytes: maxBytes}
	var entries, err = lru.NewWithEvict[Key, Entry](maxEntries, func(_ Key, e Entry) {
		h.bytes -= int64(len(e.Data))
		h.evicted = append(h.evicted, e)
	})
	if err != nil {
		return nil, err
	}
	h.entries = entries
	return h, nil
}

// add inserts e and returns whatever the count or byte cap pushed out.
func (h *hotTier) add(key Key, e Entry) []Entry {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.evicted = h.evicted[:0]

	// Replacing an existing key does not fire the eviction callback, so
	// settle its bytes here.
	if old, ok := h.entries.Peek(key); ok {
		h.bytes -= int64(len(old.Data))
	}
	h.entries.Add(key, e)
	h.bytes += int64(len(e.Data))

	// The byte cap is strict: a payload larger than maxBytes evicts
	// everything including itself and is simply not cached.
	for h.bytes > h.maxBytes && h.entries.Len() > 0 {
		if _, _, ok := h.entries.RemoveOldest(); !ok {
			break
		}
	}
	return append([]Entry(nil), h.evicted...)
}

func (h *hotTier) get(key Key) (Entry, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.entries.Get(key)
}

// remove drops key, returning the entry if it was present.
func (h *hotTier) remove(key Key) (Entry, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.evicted = h.evicted[:0]
	if !h.entries.Remove(key) {
		return Entry{}, false
	}
	return h.evicted[0], true
}

func (h *hotTier) stats() (count int, bytes int64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.entries.Len(), h.bytes
}
