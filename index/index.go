// Package index scans the content root into immutable snapshots. A layer
// is any directory under the root holding Markdown (directly or through
// subdirectories), addressed by its slash-relative path; loading a layer
// means loading its whole subtree. Snapshots swap atomically: readers keep
// whatever snapshot they started with for the life of a request.
package index

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/text"
	"golang.org/x/sync/singleflight"

	"github.com/HengYangDS/sage-kb-sub007/clock"
	"github.com/HengYangDS/sage-kb-sub007/fingerprint"
	"github.com/HengYangDS/sage-kb-sub007/ops"
)

// FileRef is one indexed Markdown file. Layer is the file's immediate
// parent directory; ancestors of that directory also list the file.
type FileRef struct {
	Layer       string
	Rel         string
	Abs         string
	Size        int64
	ModTime     time.Time
	Fingerprint fingerprint.Fingerprint
	Tokens      int
}

// Layer aggregates one directory's subtree. Files holds every Markdown
// file under it, sorted by relative path, which is also assembly order.
type Layer struct {
	ID     string
	Title  string
	Files  []FileRef
	Bytes  int64
	Tokens int
}

// Snapshot is one complete scan result. It is never mutated after build.
type Snapshot struct {
	Root      string
	ScannedAt time.Time

	layers    map[string]Layer
	ids       []string
	fileCount int
}

func emptySnapshot(root string) *Snapshot {
	return &Snapshot{Root: root, layers: map[string]Layer{}}
}

// Layer returns the layer by id.
func (s *Snapshot) Layer(id string) (Layer, bool) {
	var l, ok = s.layers[id]
	return l, ok
}

// Has reports whether id names a known layer.
func (s *Snapshot) Has(id string) bool {
	var _, ok = s.layers[id]
	return ok
}

// Layers returns every layer ordered by id.
func (s *Snapshot) Layers() []Layer {
	var out = make([]Layer, 0, len(s.ids))
	for _, id := range s.ids {
		out = append(out, s.layers[id])
	}
	return out
}

// TopLevel returns only the layers directly under the root.
func (s *Snapshot) TopLevel() []Layer {
	var out []Layer
	for _, id := range s.ids {
		if !strings.Contains(id, "/") {
			out = append(out, s.layers[id])
		}
	}
	return out
}

// FileCount is the number of distinct indexed files.
func (s *Snapshot) FileCount() int { return s.fileCount }

// Index owns the current snapshot and re-scans on demand. Concurrent
// rescans collapse to one filesystem walk.
type Index struct {
	root string
	clk  clock.Clock
	bus  ops.Publisher

	snap   atomic.Pointer[Snapshot]
	flight singleflight.Group
}

func New(root string, clk clock.Clock, bus ops.Publisher) *Index {
	var ix = &Index{root: root, clk: clk, bus: bus}
	ix.snap.Store(emptySnapshot(root))
	return ix
}

// Snapshot returns the current snapshot. Before the first successful scan
// it is empty with a zero ScannedAt.
func (ix *Index) Snapshot() *Snapshot { return ix.snap.Load() }

// Rescan walks the content root and swaps in the new snapshot. A failed
// or cancelled walk leaves the previous snapshot serving. Waiters that
// join an in-flight scan stop waiting when their own context ends.
func (ix *Index) Rescan(ctx context.Context) (*Snapshot, error) {
	var start = ix.clk.Now()
	var ch = ix.flight.DoChan("rescan", func() (interface{}, error) {
		var snap, err = scan(ctx, ix.root, ix.clk)
		if err != nil {
			return nil, err
		}
		ix.snap.Store(snap)
		ix.bus.Publish(ctx, ops.Event{
			Kind:     ops.IndexRescan,
			Count:    snap.FileCount(),
			Duration: ix.clk.Since(start),
		})
		return snap, nil
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, fmt.Errorf("scanning %s: %w", ix.root, res.Err)
		}
		return res.Val.(*Snapshot), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func scan(ctx context.Context, root string, clk clock.Clock) (*Snapshot, error) {
	var abs, err = filepath.Abs(root)
	if err != nil {
		return nil, err
	}

	var files []FileRef
	var titles = map[string]string{}
	var titleFromIndex = map[string]bool{}

	err = filepath.WalkDir(abs, func(p string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			if p == abs {
				return walkErr
			}
			log.WithFields(log.Fields{"path": p, "error": walkErr}).Warn("skipping unreadable path")
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		var name = d.Name()
		if d.IsDir() {
			if p != abs && strings.HasPrefix(name, ".") {
				return fs.SkipDir
			}
			return nil
		}
		if strings.HasPrefix(name, ".") || !strings.EqualFold(filepath.Ext(name), ".md") {
			return nil
		}

		var rel, relErr = filepath.Rel(abs, p)
		if relErr != nil {
			return relErr
		}
		rel = filepath.ToSlash(rel)

		var layer = path.Dir(rel)
		if layer == "." {
			// Files directly under the root belong to no layer.
			return nil
		}

		var data, readErr = os.ReadFile(p)
		if readErr != nil {
			log.WithFields(log.Fields{"path": p, "error": readErr}).Warn("skipping unreadable file")
			return nil
		}
		var info, infoErr = d.Info()
		if infoErr != nil {
			return nil
		}

		files = append(files, FileRef{
			Layer:       layer,
			Rel:         rel,
			Abs:         p,
			Size:        int64(len(data)),
			ModTime:     info.ModTime(),
			Fingerprint: fingerprint.Sum(data),
			Tokens:      fingerprint.Estimate(data),
		})

		// Layer titles come from INDEX.md when present, else the first
		// file encountered.
		if strings.EqualFold(name, "INDEX.md") && !titleFromIndex[layer] {
			if t := markdownTitle(data); t != "" {
				titles[layer] = t
				titleFromIndex[layer] = true
			}
		} else if _, ok := titles[layer]; !ok {
			titles[layer] = markdownTitle(data)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	var snap = &Snapshot{
		Root:      abs,
		ScannedAt: clk.Now(),
		layers:    make(map[string]Layer),
		fileCount: len(files),
	}

	// Every ancestor directory of a file is an addressable layer listing
	// the file; "frameworks" therefore subsumes "frameworks/go".
	var build = map[string]*Layer{}
	for _, f := range files {
		for _, ancestor := range ancestors(f.Layer) {
			var l, ok = build[ancestor]
			if !ok {
				l = &Layer{ID: ancestor}
				build[ancestor] = l
			}
			l.Files = append(l.Files, f)
			l.Bytes += f.Size
			l.Tokens += f.Tokens
		}
	}

	for id, l := range build {
		sort.Slice(l.Files, func(i, j int) bool { return l.Files[i].Rel < l.Files[j].Rel })
		l.Title = titles[id]
		if l.Title == "" {
			l.Title = path.Base(id)
		}
		snap.layers[id] = *l
		snap.ids = append(snap.ids, id)
	}
	sort.Strings(snap.ids)
	return snap, nil
}

// ancestors lists the layer chain for a directory: "a/b/c" yields
// ["a", "a/b", "a/b/c"].
func ancestors(dir string) []string {
	var out []string
	for i := 0; i < len(dir); i++ {
		if dir[i] == '/' {
			out = append(out, dir[:i])
		}
	}
	return append(out, dir)
}

var markdown = goldmark.New()

// markdownTitle extracts the first heading's text.
func markdownTitle(src []byte) string {
	var doc = markdown.Parser().Parse(text.NewReader(src))
	var title string
	_ = ast.Walk(doc, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			return ast.WalkContinue, nil
		}
		if _, ok := n.(*ast.Heading); ok {
			title = string(n.Text(src))
			return ast.WalkStop, nil
		}
		return ast.WalkContinue, nil
	})
	return strings.TrimSpace(title)
}
