package server

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/require"
)

func mcpFixture(t *testing.T) *MCP {
	t.Helper()
	var h = serverFixture(t)
	return NewMCP(h.ldr, h.disp, "test")
}

func callToolRequest(args map[string]interface{}) mcp.CallToolRequest {
	var req mcp.CallToolRequest
	req.Params.Arguments = args
	return req
}

func toolText(t *testing.T, res *mcp.CallToolResult) string {
	t.Helper()
	require.NotEmpty(t, res.Content)
	var text, ok = res.Content[0].(mcp.TextContent)
	require.True(t, ok, "expected text content")
	return text.Text
}

func TestMCPGetKnowledge(t *testing.T) {
	var m = mcpFixture(t)
	var res, err = m.handleGetKnowledge(context.Background(), callToolRequest(map[string]interface{}{
		"layers": "core",
		"budget": float64(1000),
	}))
	require.NoError(t, err)
	require.False(t, res.IsError)

	var body loadBody
	require.NoError(t, json.Unmarshal([]byte(toolText(t, res)), &body))
	require.Equal(t, "aaa\n\nbb", body.Content)
	require.Equal(t, "success", string(body.Status))
	require.Equal(t, []string{"core"}, body.LayersLoaded)
}

func TestMCPGetKnowledgeBadRequest(t *testing.T) {
	var m = mcpFixture(t)
	var res, err = m.handleGetKnowledge(context.Background(), callToolRequest(map[string]interface{}{}))
	require.NoError(t, err)
	require.True(t, res.IsError)
}

func TestMCPGetLayer(t *testing.T) {
	var m = mcpFixture(t)
	var res, err = m.handleGetLayer(context.Background(), callToolRequest(map[string]interface{}{
		"layer": "guidelines",
	}))
	require.NoError(t, err)
	require.False(t, res.IsError)

	var body loadBody
	require.NoError(t, json.Unmarshal([]byte(toolText(t, res)), &body))
	require.Contains(t, body.Content, "Prefer small diffs.")
}

func TestMCPListLayers(t *testing.T) {
	var m = mcpFixture(t)
	var res, err = m.handleListLayers(context.Background(), callToolRequest(nil))
	require.NoError(t, err)

	var layers []layerBody
	require.NoError(t, json.Unmarshal([]byte(toolText(t, res)), &layers))
	require.Len(t, layers, 2)
	require.Equal(t, "core", layers[0].ID)
	require.Equal(t, "guidelines", layers[1].ID)
}

func TestMCPSearch(t *testing.T) {
	var m = mcpFixture(t)
	var res, err = m.handleSearch(context.Background(), callToolRequest(map[string]interface{}{
		"query": "small diffs",
	}))
	require.NoError(t, err)
	require.False(t, res.IsError)
	require.Contains(t, toolText(t, res), "guidelines/style.md")

	res, err = m.handleSearch(context.Background(), callToolRequest(map[string]interface{}{}))
	require.NoError(t, err)
	require.True(t, res.IsError)
}

func TestMCPRunCapability(t *testing.T) {
	var m = mcpFixture(t)
	var res, err = m.handleRunCapability(context.Background(), callToolRequest(map[string]interface{}{
		"family": "converter",
		"name":   "plaintext",
		"text":   "# Hi\n\nSome *markup*.\n",
	}))
	require.NoError(t, err)
	require.False(t, res.IsError)
	require.Contains(t, toolText(t, res), "Some markup.")

	res, err = m.handleRunCapability(context.Background(), callToolRequest(map[string]interface{}{
		"family": "converter",
		"name":   "nope",
	}))
	require.NoError(t, err)
	require.True(t, res.IsError)
}

func TestMCPLayerResource(t *testing.T) {
	var m = mcpFixture(t)
	var req mcp.ReadResourceRequest
	req.Params.URI = "kb://layer/core"

	var contents, err = m.handleLayerResource(context.Background(), req)
	require.NoError(t, err)
	require.Len(t, contents, 1)

	var text, ok = contents[0].(mcp.TextResourceContents)
	require.True(t, ok)
	require.Equal(t, "text/markdown", text.MIMEType)
	require.Equal(t, "aaa\n\nbb", text.Text)

	req.Params.URI = "nonsense"
	_, err = m.handleLayerResource(context.Background(), req)
	require.Error(t, err)
}
