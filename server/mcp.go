package server

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/HengYangDS/sage-kb-sub007/capability"
	"github.com/HengYangDS/sage-kb-sub007/loader"
)

// MCP exposes the runtime as Model-Context-Protocol tools and resources
// over stdio.
type MCP struct {
	ldr  *loader.Loader
	disp *capability.Dispatcher
	srv  *mcpserver.MCPServer
}

func NewMCP(ldr *loader.Loader, disp *capability.Dispatcher, version string) *MCP {
	var m = &MCP{ldr: ldr, disp: disp}
	m.srv = mcpserver.NewMCPServer("sage-kb", version,
		mcpserver.WithToolCapabilities(false),
		mcpserver.WithResourceCapabilities(false, true),
		mcpserver.WithRecovery(),
	)

	m.srv.AddTool(mcp.NewTool("get_knowledge",
		mcp.WithDescription("Assemble task-relevant knowledge within a token budget. Provide a task description, explicit layers, or both."),
		mcp.WithString("task", mcp.Description("Free-form task description used for trigger-based layer selection")),
		mcp.WithString("layers", mcp.Description("Comma-separated layer ids; '*' admits every top-level layer")),
		mcp.WithNumber("budget", mcp.Description("Token budget; 0 uses the configured ceiling")),
		mcp.WithNumber("timeout_ms", mcp.Description("Overall deadline override in milliseconds")),
	), m.handleGetKnowledge)

	m.srv.AddTool(mcp.NewTool("get_layer",
		mcp.WithDescription("Load one layer's assembled content."),
		mcp.WithString("layer", mcp.Required(), mcp.Description("Layer id, e.g. 'core' or 'frameworks/go'")),
	), m.handleGetLayer)

	m.srv.AddTool(mcp.NewTool("list_layers",
		mcp.WithDescription("List indexed layers with file, byte, and token totals."),
		mcp.WithBoolean("all", mcp.Description("Include nested layers, not just top-level ones")),
	), m.handleListLayers)

	m.srv.AddTool(mcp.NewTool("search",
		mcp.WithDescription("Case-insensitive term search across indexed content."),
		mcp.WithString("query", mcp.Required(), mcp.Description("Term to search for")),
		mcp.WithString("layers", mcp.Description("Comma-separated layer ids to restrict the search")),
		mcp.WithNumber("limit", mcp.Description("Maximum hits to return")),
	), m.handleSearch)

	m.srv.AddTool(mcp.NewTool("run_capability",
		mcp.WithDescription("Run a registered capability (analyzer, checker, monitor, converter, or generator)."),
		mcp.WithString("family", mcp.Required(), mcp.Description("Capability family")),
		mcp.WithString("name", mcp.Required(), mcp.Description("Capability name")),
		mcp.WithString("layer", mcp.Description("Layer id input, when the capability reads indexed content")),
		mcp.WithString("text", mcp.Description("Inline Markdown input")),
	), m.handleRunCapability)

	m.srv.AddResourceTemplate(mcp.NewResourceTemplate(
		"kb://layer/{id}", "Knowledge layer",
		mcp.WithTemplateDescription("Assembled Markdown content of one knowledge layer"),
		mcp.WithTemplateMIMEType("text/markdown"),
	), m.handleLayerResource)

	return m
}

// ServeStdio blocks, serving MCP over stdin/stdout.
func (m *MCP) ServeStdio() error { return mcpserver.ServeStdio(m.srv) }

// Server exposes the underlying MCP server, mainly for tests.
func (m *MCP) Server() *mcpserver.MCPServer { return m.srv }

func (m *MCP) handleGetKnowledge(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var args = request.GetArguments()
	var res, err = m.ldr.Load(ctx, loader.LoadRequest{
		Task:            stringArg(args, "task", ""),
		ExplicitLayers:  splitLayers(stringArg(args, "layers", "")),
		TokenBudget:     intArg(args, "budget", 0),
		OverrideTimeout: time.Duration(intArg(args, "timeout_ms", 0)) * time.Millisecond,
	})
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return jsonResult(renderLoad(res))
}

func (m *MCP) handleGetLayer(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var layer = stringArg(request.GetArguments(), "layer", "")
	var res, err = m.ldr.Load(ctx, loader.LoadRequest{ExplicitLayers: splitLayers(layer)})
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return jsonResult(renderLoad(res))
}

func (m *MCP) handleListLayers(_ context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var all = boolArg(request.GetArguments(), "all", false)
	return jsonResult(renderLayers(m.ldr.Snapshot(), all))
}

func (m *MCP) handleSearch(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var args = request.GetArguments()
	var hits, err = m.ldr.Search(ctx,
		stringArg(args, "query", ""),
		splitLayers(stringArg(args, "layers", "")),
		intArg(args, "limit", 0))
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	if hits == nil {
		hits = []loader.SearchHit{}
	}
	return jsonResult(hits)
}

func (m *MCP) handleRunCapability(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var args = request.GetArguments()
	var family, ok = capability.ParseFamily(stringArg(args, "family", ""))
	if !ok {
		return mcp.NewToolResultError("unknown capability family"), nil
	}

	var res, err = m.disp.Run(ctx, family, stringArg(args, "name", ""), capability.Input{
		Layer: stringArg(args, "layer", ""),
		Text:  stringArg(args, "text", ""),
	}, 0)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return jsonResult(res)
}

func (m *MCP) handleLayerResource(ctx context.Context, request mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
	var id = strings.TrimPrefix(request.Params.URI, "kb://layer/")
	if id == "" || id == request.Params.URI {
		return nil, fmt.Errorf("malformed layer resource URI %q", request.Params.URI)
	}

	var res, err = m.ldr.Load(ctx, loader.LoadRequest{ExplicitLayers: []string{id}})
	if err != nil {
		return nil, err
	}
	return []mcp.ResourceContents{mcp.TextResourceContents{
		URI:      request.Params.URI,
		MIMEType: "text/markdown",
		Text:     string(res.Content),
	}}, nil
}

func jsonResult(v interface{}) (*mcp.CallToolResult, error) {
	var data, err = json.MarshalIndent(v, "", "  ")
	if err != nil {
		return mcp.NewToolResultError("encoding result: " + err.Error()), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}

func stringArg(args map[string]interface{}, key, fallback string) string {
	if v, ok := args[key].(string); ok {
		return v
	}
	return fallback
}

func intArg(args map[string]interface{}, key string, fallback int) int {
	// JSON numbers decode as float64.
	if v, ok := args[key].(float64); ok {
		return int(v)
	}
	return fallback
}

func boolArg(args map[string]interface{}, key string, fallback bool) bool {
	if v, ok := args[key].(bool); ok {
		return v
	}
	return fallback
}
