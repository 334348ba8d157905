// Package server hosts the HTTP and MCP adapters. Adapters translate
// transport payloads to LoadRequests and render LoadResults back; all
// actual behavior lives in the loader and dispatcher.
package server

import (
	"strings"
	"time"

	"github.com/HengYangDS/sage-kb-sub007/index"
	"github.com/HengYangDS/sage-kb-sub007/loader"
)

// loadPayload is the inbound request body shared by HTTP and MCP.
type loadPayload struct {
	Task          string   `json:"task,omitempty"`
	Layers        []string `json:"layers,omitempty"`
	TokenBudget   int      `json:"tokenBudget,omitempty"`
	TimeoutMs     int      `json:"timeoutMs,omitempty"`
	CorrelationID string   `json:"correlationId,omitempty"`
}

func (p loadPayload) toRequest() loader.LoadRequest {
	return loader.LoadRequest{
		Task:            p.Task,
		ExplicitLayers:  p.Layers,
		TokenBudget:     p.TokenBudget,
		OverrideTimeout: time.Duration(p.TimeoutMs) * time.Millisecond,
		CorrelationID:   p.CorrelationID,
	}
}

// loadBody is the outbound shape shared by HTTP and MCP.
type loadBody struct {
	Content           string           `json:"content"`
	Status            loader.Status    `json:"status"`
	LayersRequested   []string         `json:"layersRequested"`
	LayersLoaded      []string         `json:"layersLoaded"`
	DurationMs        int64            `json:"durationMs"`
	ApproximateTokens int              `json:"approximateTokens"`
	Warnings          []loader.Warning `json:"warnings"`
	CorrelationID     string           `json:"correlationId"`
}

func renderLoad(res loader.LoadResult) loadBody {
	var body = loadBody{
		Content:           string(res.Content),
		Status:            res.Status,
		LayersRequested:   res.LayersRequested,
		LayersLoaded:      res.LayersLoaded,
		DurationMs:        res.DurationMs,
		ApproximateTokens: res.ApproximateTokens,
		Warnings:          res.Warnings,
		CorrelationID:     res.CorrelationID,
	}
	// JSON arrays, never nulls: adapters promise a stable shape.
	if body.LayersRequested == nil {
		body.LayersRequested = []string{}
	}
	if body.LayersLoaded == nil {
		body.LayersLoaded = []string{}
	}
	if body.Warnings == nil {
		body.Warnings = []loader.Warning{}
	}
	return body
}

// layerBody describes one indexed layer.
type layerBody struct {
	ID     string `json:"id"`
	Title  string `json:"title"`
	Files  int    `json:"files"`
	Bytes  int64  `json:"bytes"`
	Tokens int    `json:"tokens"`
}

func renderLayers(snap *index.Snapshot, all bool) []layerBody {
	var layers []index.Layer
	if all {
		layers = snap.Layers()
	} else {
		layers = snap.TopLevel()
	}
	var out = make([]layerBody, 0, len(layers))
	for _, l := range layers {
		out = append(out, layerBody{
			ID:     l.ID,
			Title:  l.Title,
			Files:  len(l.Files),
			Bytes:  l.Bytes,
			Tokens: l.Tokens,
		})
	}
	return out
}

// errorBody is the 400-range response shape.
type errorBody struct {
	Error string `json:"error"`
}

// splitLayers parses a comma-separated layer list.
func splitLayers(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
