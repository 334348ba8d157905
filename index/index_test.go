package index

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	clocktesting "k8s.io/utils/clock/testing"

	"github.com/HengYangDS/sage-kb-sub007/ops"
)

func writeTree(t *testing.T, root string, files map[string]string) {
	t.Helper()
	for rel, content := range files {
		var p = filepath.Join(root, filepath.FromSlash(rel))
		require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
		require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
	}
}

func testTree(t *testing.T) string {
	var root = t.TempDir()
	writeTree(t, root, map[string]string{
		"core/a.md":                   "# Core Principles\n\naaa",
		"core/b.md":                   "bb",
		"guidelines/INDEX.md":         "# Guideline Overview\n",
		"guidelines/style.md":         "# Style\n\nrules",
		"frameworks/intro.md":         "framework notes",
		"frameworks/go/concurrency.md": "# Go Concurrency\n\nchannels",
		"README.md":                   "# Root readme, not part of any layer",
		".hidden/secret.md":           "# Hidden",
		"core/notes.txt":              "not markdown",
	})
	return root
}

func TestScanBuildsLayers(t *testing.T) {
	var root = testTree(t)
	var ix = New(root, clocktesting.NewFakeClock(time.Now()), ops.NopPublisher{})

	var snap, err = ix.Rescan(context.Background())
	require.NoError(t, err)

	require.True(t, snap.Has("core"))
	require.True(t, snap.Has("guidelines"))
	require.True(t, snap.Has("frameworks"))
	require.True(t, snap.Has("frameworks/go"))
	require.False(t, snap.Has(".hidden"))
	require.Equal(t, 6, snap.FileCount()) // root README.md is not indexed

	var core, _ = snap.Layer("core")
	require.Equal(t, []string{"core/a.md", "core/b.md"}, relPaths(core.Files))
	require.Equal(t, "Core Principles", core.Title)

	// Subtree subsumption: frameworks lists its nested layer's files.
	var frameworks, _ = snap.Layer("frameworks")
	require.Equal(t, []string{"frameworks/go/concurrency.md", "frameworks/intro.md"}, relPaths(frameworks.Files))

	var nested, _ = snap.Layer("frameworks/go")
	require.Equal(t, []string{"frameworks/go/concurrency.md"}, relPaths(nested.Files))
	require.Equal(t, "Go Concurrency", nested.Title)
}

func relPaths(files []FileRef) []string {
	var out = make([]string, len(files))
	for i, f := range files {
		out[i] = f.Rel
	}
	return out
}

func TestScanMetadata(t *testing.T) {
	var root = testTree(t)
	var ix = New(root, clocktesting.NewFakeClock(time.Now()), ops.NopPublisher{})
	var snap, err = ix.Rescan(context.Background())
	require.NoError(t, err)

	var core, _ = snap.Layer("core")
	require.EqualValues(t, len("# Core Principles\n\naaa")+len("bb"), core.Bytes)
	require.Equal(t, core.Files[0].Tokens+core.Files[1].Tokens, core.Tokens)
	require.False(t, core.Files[0].Fingerprint.IsZero())
	require.NotEqual(t, core.Files[0].Fingerprint, core.Files[1].Fingerprint)

	// INDEX.md wins the layer title even though it sorts first anyway.
	var guidelines, _ = snap.Layer("guidelines")
	require.Equal(t, "Guideline Overview", guidelines.Title)

	// No heading anywhere: fall back to the directory name... intro.md has
	// no heading so frameworks falls back to its first file's empty title.
	var frameworks, _ = snap.Layer("frameworks")
	require.Equal(t, "frameworks", frameworks.Title)
}

func TestTopLevelExcludesNested(t *testing.T) {
	var root = testTree(t)
	var ix = New(root, clocktesting.NewFakeClock(time.Now()), ops.NopPublisher{})
	var snap, err = ix.Rescan(context.Background())
	require.NoError(t, err)

	var ids []string
	for _, l := range snap.TopLevel() {
		ids = append(ids, l.ID)
	}
	require.Equal(t, []string{"core", "frameworks", "guidelines"}, ids)
}

func TestRescanSwapsAtomically(t *testing.T) {
	var root = testTree(t)
	var clk = clocktesting.NewFakeClock(time.Now())
	var ix = New(root, clk, ops.NopPublisher{})

	var before, err = ix.Rescan(context.Background())
	require.NoError(t, err)

	writeTree(t, root, map[string]string{"core/c.md": "new file"})

	var after *Snapshot
	after, err = ix.Rescan(context.Background())
	require.NoError(t, err)

	// The old snapshot still answers from its own world.
	var oldCore, _ = before.Layer("core")
	require.Len(t, oldCore.Files, 2)
	var newCore, _ = after.Layer("core")
	require.Len(t, newCore.Files, 3)

	require.Same(t, after, ix.Snapshot())
}

func TestRescanEmitsEvent(t *testing.T) {
	var root = testTree(t)
	var bus = capturing()
	var ix = New(root, clocktesting.NewFakeClock(time.Now()), bus)

	var _, err = ix.Rescan(context.Background())
	require.NoError(t, err)

	require.Len(t, bus.events, 1)
	require.Equal(t, ops.IndexRescan, bus.events[0].Kind)
	require.Equal(t, 6, bus.events[0].Count)
}

type captureBus struct{ events []ops.Event }

func capturing() *captureBus { return &captureBus{} }

func (c *captureBus) Publish(_ context.Context, ev ops.Event) { c.events = append(c.events, ev) }

func TestRescanCancelledKeepsOldSnapshot(t *testing.T) {
	var root = testTree(t)
	var ix = New(root, clocktesting.NewFakeClock(time.Now()), ops.NopPublisher{})

	var ctx, cancel = context.WithCancel(context.Background())
	cancel()
	var _, err = ix.Rescan(ctx)
	require.Error(t, err)

	require.True(t, ix.Snapshot().ScannedAt.IsZero())
	require.Empty(t, ix.Snapshot().Layers())
}

func TestMissingRootFails(t *testing.T) {
	var ix = New(filepath.Join(t.TempDir(), "nope"), clocktesting.NewFakeClock(time.Now()), ops.NopPublisher{})
	var _, err = ix.Rescan(context.Background())
	require.Error(t, err)
}

func TestAncestors(t *testing.T) {
	require.Equal(t, []string{"a"}, ancestors("a"))
	require.Equal(t, []string{"a", "a/b", "a/b/c"}, ancestors("a/b/c"))
}

func TestMarkdownTitle(t *testing.T) {
	require.Equal(t, "Hello world", markdownTitle([]byte("# Hello *world*\n\nbody")))
	require.Equal(t, "Second", markdownTitle([]byte("plain intro\n\n## Second\n")))
	require.Equal(t, "", markdownTitle([]byte("no headings here")))
}

func TestWatcherTriggersRescan(t *testing.T) {
	var root = testTree(t)
	var ix = New(root, clocktesting.NewFakeClock(time.Now()), ops.NopPublisher{})
	var _, err = ix.Rescan(context.Background())
	require.NoError(t, err)

	var w *Watcher
	w, err = Watch(ix, WatchOptions{Debounce: 50 * time.Millisecond})
	require.NoError(t, err)
	defer w.Close()

	writeTree(t, root, map[string]string{"scenarios/deploy.md": "# Deploy\n"})

	require.Eventually(t, func() bool {
		return ix.Snapshot().Has("scenarios")
	}, 5*time.Second, 25*time.Millisecond)
}

func TestWatcherPollsWithoutEvents(t *testing.T) {
	var root = testTree(t)
	var ix = New(root, clocktesting.NewFakeClock(time.Now()), ops.NopPublisher{})

	// No initial scan; polling alone must populate the snapshot.
	var w, err = Watch(ix, WatchOptions{Poll: 50 * time.Millisecond, Debounce: time.Hour})
	require.NoError(t, err)
	defer w.Close()

	require.Eventually(t, func() bool {
		return ix.Snapshot().FileCount() == 6
	}, 5*time.Second, 25*time.Millisecond)
}
