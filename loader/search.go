package loader

import (
	"context"
	"sort"
	"strings"

	"github.com/HengYangDS/sage-kb-sub007/cache"
	"github.com/HengYangDS/sage-kb-sub007/clock"
	"github.com/HengYangDS/sage-kb-sub007/index"
)

// SearchHit is one file matching a search query.
type SearchHit struct {
	Layer   string `json:"layer"`
	File    string `json:"file"`
	Line    int    `json:"line"`
	Snippet string `json:"snippet"`
	Matches int    `json:"matches"`
}

const searchSnippetMax = 160

// Search scans indexed content for the query, case-insensitively, under
// the complex deadline. Layers defaults to every top-level layer. Files
// that cannot be read in time are skipped; an elapsed deadline returns
// whatever was found so far. Hits rank by match count, then by path.
func (l *Loader) Search(ctx context.Context, query string, layers []string, limit int) ([]SearchHit, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, &BadRequestError{Reason: "search query must not be empty"}
	}
	if limit <= 0 {
		limit = 20
	}

	var searchCtx, cancel = l.timeouts.WithDeadline(ctx, clock.LevelComplex, 0)
	defer cancel()

	var snap = l.ix.Snapshot()
	var scan []index.Layer
	if len(layers) == 0 {
		scan = snap.TopLevel()
	} else {
		for _, id := range layers {
			if lay, ok := snap.Layer(normalizeLayerID(id)); ok {
				scan = append(scan, lay)
			}
		}
	}

	var needle = strings.ToLower(query)
	var hits []SearchHit
	var seen = map[string]bool{}

	for _, lay := range scan {
		for _, f := range lay.Files {
			if searchCtx.Err() != nil {
				return rank(hits, limit), nil
			}
			if seen[f.Rel] {
				continue
			}
			seen[f.Rel] = true

			var data, ok = l.fileContent(searchCtx, f)
			if !ok {
				continue
			}
			var lower = strings.ToLower(string(data))
			var matches = strings.Count(lower, needle)
			if matches == 0 {
				continue
			}

			var line, snippet = firstMatch(string(data), lower, needle)
			hits = append(hits, SearchHit{
				Layer:   f.Layer,
				File:    f.Rel,
				Line:    line,
				Snippet: snippet,
				Matches: matches,
			})
		}
	}
	return rank(hits, limit), nil
}

// FileBytes reads one indexed file through the cache and the content
// breaker. A false return means the file could not be served in time;
// callers decide whether that is fatal.
func (l *Loader) FileBytes(ctx context.Context, f index.FileRef) ([]byte, bool) {
	return l.fileContent(ctx, f)
}

// fileContent fetches one file for search: cached content of any
// freshness, else a breaker-guarded read. Failures just skip the file.
func (l *Loader) fileContent(ctx context.Context, f index.FileRef) ([]byte, bool) {
	var key = cache.Key{Path: f.Rel, Fingerprint: f.Fingerprint}
	var cacheCtx, cancelCache = l.timeouts.WithDeadline(ctx, clock.LevelCache, 0)
	var entry, state = l.cache.Get(cacheCtx, key)
	cancelCache()
	if state != cache.Miss {
		return entry.Data, true
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
	if err != nil {
		return nil, false
	}
	return fresh.Data, true
}

func firstMatch(original, lower, needle string) (line int, snippet string) {
	var offset = strings.Index(lower, needle)
	line = 1 + strings.Count(lower[:offset], "\n")

	var start = strings.LastIndexByte(original[:offset], '\n') + 1
	var end = strings.IndexByte(original[offset:], '\n')
	if end < 0 {
		end = len(original)
	} else {
		end += offset
	}
	snippet = strings.TrimSpace(original[start:end])
	if len(snippet) > searchSnippetMax {
		snippet = snippet[:searchSnippetMax]
	}
	return line, snippet
}

func rank(hits []SearchHit, limit int) []SearchHit {
	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Matches != hits[j].Matches {
			return hits[i].Matches > hits[j].Matches
		}
		return hits[i].File < hits[j].File
	})
	if len(hits) > limit {
		hits = hits[:limit]
	}
	return hits
}
