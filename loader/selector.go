package loader

import (
	"sort"
	"strings"

	"github.com/HengYangDS/sage-kb-sub007/config"
	"github.com/HengYangDS/sage-kb-sub007/index"
)

// Selection is the selector's verdict: the deduplicated candidate order,
// the budget-admitted prefix, and the diagnostics explaining the rest.
type Selection struct {
	// Requested is every candidate after expansion and containment
	// collapse, in admission order, including layers later skipped.
	Requested []string
	// Admitted is the ordered sublist that survived the unknown filter
	// and the token budget.
	Admitted []string

	Warnings        []Warning
	TriggersFired   []string
	EstimatedTokens int
}

// Select maps a request onto ordered layers. It is a pure function of its
// inputs: the only data consulted is the snapshot's already-indexed sizes.
//
// Order: seed layers first (explicit layers verbatim, else configured
// defaults), then trigger contributions by priority high > medium > low,
// ties in configuration order. Duplicates and layers subsumed by an
// earlier ancestor collapse silently. The token budget admits a prefix:
// the first layer that would overflow, and everything after it, is
// skipped:budget.
func Select(snap *index.Snapshot, triggers []config.CompiledTrigger, defaults []string, req LoadRequest, budget int) Selection {
	var sel Selection

	var seed = req.ExplicitLayers
	if len(seed) == 0 {
		seed = defaults
	}

	var candidates []string
	for _, id := range seed {
		if id == "*" {
			for _, l := range snap.TopLevel() {
				candidates = append(candidates, l.ID)
			}
			continue
		}
		candidates = append(candidates, normalizeLayerID(id))
	}

	if req.Task != "" {
		type fired struct {
			order    int
			priority config.Priority
			layers   []string
			name     string
		}
		var matches []fired
		for i, t := range triggers {
			if t.Matches(req.Task) {
				matches = append(matches, fired{order: i, priority: t.Priority, layers: t.Layers, name: t.Name})
			}
		}
		sort.SliceStable(matches, func(i, j int) bool {
			return matches[i].priority > matches[j].priority
		})
		for _, m := range matches {
			sel.TriggersFired = append(sel.TriggersFired, m.name)
			for _, id := range m.layers {
				candidates = append(candidates, normalizeLayerID(id))
			}
		}
	}

	// Containment collapse: an exact duplicate, or a layer whose ancestor
	// was already kept, adds nothing.
	for _, id := range candidates {
		if id == "" || subsumed(sel.Requested, id) {
			continue
		}
		sel.Requested = append(sel.Requested, id)
	}

	var known []string
	for _, id := range sel.Requested {
		if !snap.Has(id) {
			sel.Warnings = append(sel.Warnings, Warning{Layer: id, Reason: ReasonUnknown})
			continue
		}
		known = append(known, id)
	}

	// The budget is a high-water mark: layers are admitted while the
	// cumulative estimate has not yet crossed it, so the crossing layer
	// itself is still served and everything after it is skipped.
	var overBudget bool
	for _, id := range known {
		if overBudget || (budget > 0 && sel.EstimatedTokens > budget) {
			overBudget = true
			sel.Warnings = append(sel.Warnings, Warning{Layer: id, Reason: ReasonSkippedBudget})
			continue
		}
		var l, _ = snap.Layer(id)
		sel.EstimatedTokens += l.Tokens
		sel.Admitted = append(sel.Admitted, id)
	}
	return sel
}

func subsumed(kept []string, id string) bool {
	for _, k := range kept {
		if k == id || strings.HasPrefix(id, k+"/") {
			return true
		}
	}
	return false
}

func normalizeLayerID(id string) string {
	return strings.Trim(strings.TrimSpace(strings.ReplaceAll(id, "\\", "/")), "/")
}
