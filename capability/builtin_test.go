package capability

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/HengYangDS/sage-kb-sub007/clock"
	"github.com/HengYangDS/sage-kb-sub007/config"
	"github.com/HengYangDS/sage-kb-sub007/loader"
	"github.com/HengYangDS/sage-kb-sub007/ops"
)

func builtinFixture(t *testing.T) (*Registry, *loader.Loader) {
	t.Helper()

	var root = t.TempDir()
	var write = func(rel, content string) {
		var p = filepath.Join(root, filepath.FromSlash(rel))
		require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
		require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
	}
	write("core/INDEX.md", "# Core Principles\n\nSee [guides](../guidelines/style.md).\n")
	write("core/habits.md", "## Habits\n\nSmall steps. A [missing](gone.md) link.\n")
	write("guidelines/style.md", "# Style\n\n```go\nvar x = 1\n```\n")

	var cfg = config.Default()
	cfg.ContentRoot = root
	cfg.Index.Watch = false

	var clk = clock.Real()
	var ldr, err = loader.New(cfg, clk, ops.NopPublisher{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = ldr.Close() })
	_, err = ldr.Rescan(context.Background())
	require.NoError(t, err)

	var reg = NewRegistry()
	require.NoError(t, RegisterBuiltins(reg, ldr, clk, cfg.CacheTTL()))
	return reg, ldr
}

func TestBuiltinsCoverEveryFamily(t *testing.T) {
	var reg, _ = builtinFixture(t)
	var families = map[Family]bool{}
	for _, d := range reg.List() {
		families[d.Family] = true
	}
	for _, f := range Families() {
		require.True(t, families[f], "no builtin for family %s", f)
	}
}

func TestStructureAnalyzerOnInlineText(t *testing.T) {
	var reg, _ = builtinFixture(t)
	var run, _ = reg.Get(FamilyAnalyzer, "structure")

	var out, err = run.Handler(context.Background(), Input{Text: "# Title\n\n## Sub\n\nA [link](a.md).\n\n```sh\nls\n```\n"})
	require.NoError(t, err)
	require.Equal(t, "json", out.Kind)

	var report struct {
		Headings   map[string]int `json:"headings"`
		Links      int            `json:"links"`
		CodeBlocks int            `json:"codeBlocks"`
		Outline    []string       `json:"outline"`
	}
	require.NoError(t, json.Unmarshal([]byte(out.Text), &report))
	require.Equal(t, 1, report.Headings["h1"])
	require.Equal(t, 1, report.Headings["h2"])
	require.Equal(t, 1, report.Links)
	require.Equal(t, 1, report.CodeBlocks)
	require.Equal(t, []string{"# Title", "## Sub"}, report.Outline)
}

func TestStructureAnalyzerOnLayer(t *testing.T) {
	var reg, _ = builtinFixture(t)
	var run, _ = reg.Get(FamilyAnalyzer, "structure")

	var out, err = run.Handler(context.Background(), Input{Layer: "core"})
	require.NoError(t, err)

	var report struct {
		Headings map[string]int `json:"headings"`
	}
	require.NoError(t, json.Unmarshal([]byte(out.Text), &report))
	require.Equal(t, 1, report.Headings["h1"])
	require.Equal(t, 1, report.Headings["h2"])

	_, err = run.Handler(context.Background(), Input{})
	require.Error(t, err)
}

func TestLinksCheckerFindsBrokenTargets(t *testing.T) {
	var reg, _ = builtinFixture(t)
	var run, _ = reg.Get(FamilyChecker, "links")

	var out, err = run.Handler(context.Background(), Input{Layer: "core"})
	require.NoError(t, err)

	var report struct {
		Checked int `json:"linksChecked"`
		Broken  []struct {
			File   string `json:"file"`
			Target string `json:"target"`
		} `json:"broken"`
	}
	require.NoError(t, json.Unmarshal([]byte(out.Text), &report))
	require.Equal(t, 2, report.Checked)
	require.Len(t, report.Broken, 1)
	require.Equal(t, "core/habits.md", report.Broken[0].File)
	require.Equal(t, "gone.md", report.Broken[0].Target)
}

func TestFreshnessMonitorReportsLayers(t *testing.T) {
	var reg, _ = builtinFixture(t)
	var run, _ = reg.Get(FamilyMonitor, "freshness")

	var out, err = run.Handler(context.Background(), Input{})
	require.NoError(t, err)

	var report []struct {
		Layer string `json:"layer"`
		Files int    `json:"files"`
		Stale bool   `json:"beyondCacheTTL"`
	}
	require.NoError(t, json.Unmarshal([]byte(out.Text), &report))
	require.Len(t, report, 2)
	for _, r := range report {
		require.False(t, r.Stale, "freshly written layer %s reported stale", r.Layer)
	}

	_, err = run.Handler(context.Background(), Input{Layer: "nope"})
	require.Error(t, err)
}

func TestPlaintextConverterStripsMarkup(t *testing.T) {
	var reg, _ = builtinFixture(t)
	var run, _ = reg.Get(FamilyConverter, "plaintext")

	var out, err = run.Handler(context.Background(), Input{Text: "# Title\n\nSome *emphasis* and a [link](a.md).\n"})
	require.NoError(t, err)
	require.Equal(t, "text", out.Kind)
	require.Contains(t, out.Text, "Title")
	require.Contains(t, out.Text, "Some emphasis and a link.")
	require.NotContains(t, out.Text, "*")
	require.NotContains(t, out.Text, "](")
}

func TestDigestGeneratorRendersMarkdown(t *testing.T) {
	var reg, _ = builtinFixture(t)
	var run, _ = reg.Get(FamilyGenerator, "digest")

	var out, err = run.Handler(context.Background(), Input{})
	require.NoError(t, err)
	require.Equal(t, "markdown", out.Kind)
	require.Contains(t, out.Text, "## core — Core Principles")
	require.Contains(t, out.Text, "- core/habits.md")
	require.Contains(t, out.Text, "## guidelines — Style")
}

func TestDispatcherRunsBuiltinsEndToEnd(t *testing.T) {
	var reg, ldr = builtinFixture(t)
	var d = NewDispatcher(reg, clock.Real(), ldr.Timeouts(), ldr.Breakers(), ops.NopPublisher{})

	var res, err = d.Run(context.Background(), FamilyGenerator, "digest", Input{}, time.Second)
	require.NoError(t, err)
	require.Equal(t, StatusOK, res.Status)
	require.Contains(t, res.Output.Text, "Knowledge base digest")
}
