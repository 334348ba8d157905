package capability

import (
	"context"
	"encoding/json"
	"fmt"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/text"

	"github.com/HengYangDS/sage-kb-sub007/clock"
	"github.com/HengYangDS/sage-kb-sub007/index"
	"github.com/HengYangDS/sage-kb-sub007/loader"
)

// Builtins provide one capability per family so the dispatcher contract
// is exercised end to end:
//
//	analyzer/structure:  outline and link statistics for a layer or text
//	checker/links:       relative Markdown links resolve inside the tree
//	monitor/freshness:   per-layer content age against the cache TTL
//	converter/plaintext: Markdown rendered down to plain text
//	generator/digest:    Markdown digest of the indexed layers
type Builtins struct {
	ldr *loader.Loader
	clk clock.Clock
	ttl time.Duration
}

// RegisterBuiltins registers every built-in capability. ttl is the cache
// fresh horizon the freshness monitor reports against.
func RegisterBuiltins(reg *Registry, ldr *loader.Loader, clk clock.Clock, ttl time.Duration) error {
	var b = &Builtins{ldr: ldr, clk: clk, ttl: ttl}

	var entries = []struct {
		d Descriptor
		h Handler
	}{
		{Descriptor{
			Name: "structure", Family: FamilyAnalyzer, Version: "1",
			InputKind: "layer|markdown", OutputKind: "json",
			TimeoutLevel: clock.LevelComplex,
		}, b.structure},
		{Descriptor{
			Name: "links", Family: FamilyChecker, Version: "1",
			InputKind: "layer", OutputKind: "json",
			TimeoutLevel: clock.LevelComplex,
		}, b.links},
		{Descriptor{
			Name: "freshness", Family: FamilyMonitor, Version: "1",
			InputKind: "layer", OutputKind: "json",
			TimeoutLevel: clock.LevelLayer,
		}, b.freshness},
		{Descriptor{
			Name: "plaintext", Family: FamilyConverter, Version: "1",
			InputKind: "layer|markdown", OutputKind: "text",
			TimeoutLevel: clock.LevelComplex,
		}, b.plaintext},
		{Descriptor{
			Name: "digest", Family: FamilyGenerator, Version: "1",
			InputKind: "layer", OutputKind: "markdown",
			TimeoutLevel: clock.LevelLayer,
		}, b.digest},
	}
	for _, e := range entries {
		if err := reg.Register(e.d, e.h); err != nil {
			return err
		}
	}
	return nil
}

var markdown = goldmark.New()

// sourceText resolves the capability input to Markdown bytes: inline text
// wins, else the named layer's files are concatenated.
func (b *Builtins) sourceText(ctx context.Context, in Input) ([]byte, error) {
	if in.Text != "" {
		return []byte(in.Text), nil
	}
	if in.Layer == "" {
		return nil, fmt.Errorf("either a layer id or inline text is required")
	}
	var lay, ok = b.ldr.Snapshot().Layer(in.Layer)
	if !ok {
		return nil, fmt.Errorf("unknown layer %q", in.Layer)
	}

	var parts [][]byte
	for _, f := range lay.Files {
		if data, ok := b.ldr.FileBytes(ctx, f); ok {
			parts = append(parts, data)
		}
	}
	if len(parts) == 0 {
		return nil, fmt.Errorf("no readable content in layer %q", in.Layer)
	}
	var joined = make([]byte, 0)
	for i, p := range parts {
		if i > 0 {
			joined = append(joined, '\n', '\n')
		}
		joined = append(joined, p...)
	}
	return joined, nil
}

// structure reports heading, link, and code-block statistics.
func (b *Builtins) structure(ctx context.Context, in Input) (Output, error) {
	var src, err = b.sourceText(ctx, in)
	if err != nil {
		return Output{}, err
	}

	var report = struct {
		Headings   map[string]int `json:"headings"`
		Links      int            `json:"links"`
		Images     int            `json:"images"`
		CodeBlocks int            `json:"codeBlocks"`
		Words      int            `json:"words"`
		Tokens     int            `json:"approximateTokens"`
		Outline    []string       `json:"outline"`
	}{Headings: map[string]int{}}

	var doc = markdown.Parser().Parse(text.NewReader(src))
	err = ast.Walk(doc, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			return ast.WalkContinue, nil
		}
		switch v := n.(type) {
		case *ast.Heading:
			report.Headings[fmt.Sprintf("h%d", v.Level)]++
			var title = strings.TrimSpace(string(v.Text(src)))
			report.Outline = append(report.Outline, strings.Repeat("#", v.Level)+" "+title)
		case *ast.Link, *ast.AutoLink:
			report.Links++
		case *ast.Image:
			report.Images++
		case *ast.FencedCodeBlock, *ast.CodeBlock:
			report.CodeBlocks++
		}
		return ast.WalkContinue, nil
	})
	if err != nil {
		return Output{}, err
	}
	report.Words = len(strings.Fields(string(src)))
	report.Tokens = (len(src) + 3) / 4

	return jsonOutput(report)
}

// brokenLink is one link whose target does not resolve inside the tree.
type brokenLink struct {
	File   string `json:"file"`
	Target string `json:"target"`
}

// links verifies that relative Markdown links inside a layer resolve to
// indexed files. External and anchor-only links are out of scope.
func (b *Builtins) links(ctx context.Context, in Input) (Output, error) {
	if in.Layer == "" {
		return Output{}, fmt.Errorf("a layer id is required")
	}
	var snap = b.ldr.Snapshot()
	var lay, ok = snap.Layer(in.Layer)
	if !ok {
		return Output{}, fmt.Errorf("unknown layer %q", in.Layer)
	}

	var indexed = map[string]bool{}
	for _, l := range snap.Layers() {
		for _, f := range l.Files {
			indexed[f.Rel] = true
		}
	}

	var report = struct {
		Layer   string       `json:"layer"`
		Files   int          `json:"files"`
		Checked int          `json:"linksChecked"`
		Broken  []brokenLink `json:"broken"`
	}{Layer: in.Layer, Files: len(lay.Files), Broken: []brokenLink{}}

	for _, f := range lay.Files {
		var src, ok = b.ldr.FileBytes(ctx, f)
		if !ok {
			continue
		}
		for _, target := range relativeLinks(src) {
			report.Checked++
			var resolved = path.Clean(path.Join(path.Dir(f.Rel), target))
			if !indexed[resolved] {
				report.Broken = append(report.Broken, brokenLink{File: f.Rel, Target: target})
			}
		}
	}
	return jsonOutput(report)
}

// relativeLinks extracts link destinations that point at Markdown files
// within the tree.
func relativeLinks(src []byte) []string {
	var doc = markdown.Parser().Parse(text.NewReader(src))
	var out []string
	_ = ast.Walk(doc, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			return ast.WalkContinue, nil
		}
		var link, ok = n.(*ast.Link)
		if !ok {
			return ast.WalkContinue, nil
		}
		var dest = string(link.Destination)
		if dest == "" || strings.Contains(dest, "://") || strings.HasPrefix(dest, "#") || strings.HasPrefix(dest, "/") {
			return ast.WalkContinue, nil
		}
		if i := strings.IndexByte(dest, '#'); i >= 0 {
			dest = dest[:i]
		}
		if strings.EqualFold(path.Ext(dest), ".md") {
			out = append(out, dest)
		}
		return ast.WalkContinue, nil
	})
	return out
}

// layerFreshness is one layer's age report.
type layerFreshness struct {
	Layer     string `json:"layer"`
	Files     int    `json:"files"`
	NewestAge string `json:"newestAge"`
	OldestAge string `json:"oldestAge"`
	Stale     bool   `json:"beyondCacheTTL"`
}

// freshness reports per-layer content age against the cache TTL. With no
// layer input it covers every top-level layer.
func (b *Builtins) freshness(_ context.Context, in Input) (Output, error) {
	var snap = b.ldr.Snapshot()
	var layers []index.Layer
	if in.Layer != "" {
		var lay, ok = snap.Layer(in.Layer)
		if !ok {
			return Output{}, fmt.Errorf("unknown layer %q", in.Layer)
		}
		layers = []index.Layer{lay}
	} else {
		layers = snap.TopLevel()
	}

	var now = b.clk.Now()
	var report = make([]layerFreshness, 0, len(layers))
	for _, lay := range layers {
		if len(lay.Files) == 0 {
			continue
		}
		var newest, oldest = lay.Files[0].ModTime, lay.Files[0].ModTime
		for _, f := range lay.Files[1:] {
			if f.ModTime.After(newest) {
				newest = f.ModTime
			}
			if f.ModTime.Before(oldest) {
				oldest = f.ModTime
			}
		}
		report = append(report, layerFreshness{
			Layer:     lay.ID,
			Files:     len(lay.Files),
			NewestAge: now.Sub(newest).Round(time.Second).String(),
			OldestAge: now.Sub(oldest).Round(time.Second).String(),
			Stale:     now.Sub(newest) > b.ttl,
		})
	}
	return jsonOutput(report)
}

// plaintext strips Markdown structure, leaving readable text.
func (b *Builtins) plaintext(ctx context.Context, in Input) (Output, error) {
	var src, err = b.sourceText(ctx, in)
	if err != nil {
		return Output{}, err
	}

	var sb strings.Builder
	var doc = markdown.Parser().Parse(text.NewReader(src))
	_ = ast.Walk(doc, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		switch v := n.(type) {
		case *ast.Text:
			if entering {
				sb.Write(v.Segment.Value(src))
				if v.SoftLineBreak() || v.HardLineBreak() {
					sb.WriteByte('\n')
				}
			}
		case *ast.Paragraph, *ast.Heading, *ast.ListItem:
			if !entering {
				sb.WriteString("\n\n")
			}
		case *ast.FencedCodeBlock:
			if entering {
				var lines = v.Lines()
				for i := 0; i < lines.Len(); i++ {
					var seg = lines.At(i)
					sb.Write(seg.Value(src))
				}
				sb.WriteByte('\n')
			}
		}
		return ast.WalkContinue, nil
	})

	return Output{Kind: "text", Text: strings.TrimSpace(sb.String()) + "\n"}, nil
}

// digest renders a Markdown overview of the indexed layers.
func (b *Builtins) digest(_ context.Context, in Input) (Output, error) {
	var snap = b.ldr.Snapshot()
	var layers []index.Layer
	if in.Layer != "" {
		var lay, ok = snap.Layer(in.Layer)
		if !ok {
			return Output{}, fmt.Errorf("unknown layer %q", in.Layer)
		}
		layers = []index.Layer{lay}
	} else {
		layers = snap.TopLevel()
	}
	sort.Slice(layers, func(i, j int) bool { return layers[i].ID < layers[j].ID })

	var sb strings.Builder
	sb.WriteString("# Knowledge base digest\n\n")
	fmt.Fprintf(&sb, "Indexed %d files under %s.\n\n", snap.FileCount(), snap.Root)
	for _, lay := range layers {
		fmt.Fprintf(&sb, "## %s — %s\n\n", lay.ID, lay.Title)
		fmt.Fprintf(&sb, "%d files, %d bytes, ~%d tokens.\n\n", len(lay.Files), lay.Bytes, lay.Tokens)
		for _, f := range lay.Files {
			fmt.Fprintf(&sb, "- %s (~%d tokens)\n", f.Rel, f.Tokens)
		}
		sb.WriteString("\n")
	}
	return Output{Kind: "markdown", Text: sb.String()}, nil
}

func jsonOutput(v interface{}) (Output, error) {
	var data, err = json.MarshalIndent(v, "", "  ")
	if err != nil {
		return Output{}, fmt.Errorf("encoding capability report: %w", err)
	}
	return Output{Kind: "json", Text: string(data)}, nil
}
