// Package fallback decides what to serve when a layer's files cannot be
// read fresh: a stale cache entry if the caller holds one, else a packaged
// default embedded with the binary, else a hardcoded emergency blurb. The
// provider never fails and never performs I/O.
package fallback

import (
	_ "embed"
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

//go:embed defaults.yaml
var packagedYAML []byte

// Tier identifies which rung of the fallback ladder served content.
// TierFresh is included so callers can label the no-fallback case.
type Tier int

const (
	TierFresh Tier = iota + 1
	TierStale
	TierPackaged
	TierEmergency
)

func (t Tier) String() string {
	switch t {
	case TierFresh:
		return "fresh"
	case TierStale:
		return "stale"
	case TierPackaged:
		return "packaged"
	case TierEmergency:
		return "emergency"
	}
	return fmt.Sprintf("tier(%d)", int(t))
}

// Emergency is the last-resort content: always available, never empty.
const Emergency = `# Knowledge unavailable

Knowledge delivery is degraded; no layer content could be served. Prefer
small reversible changes, verify with tests, and surface uncertainty
rather than guessing.`

// Provider holds the parsed packaged defaults.
type Provider struct {
	packaged map[string]string
}

// New parses the embedded defaults.
func New() (*Provider, error) {
	var packaged map[string]string
	if err := yaml.Unmarshal(packagedYAML, &packaged); err != nil {
		return nil, fmt.Errorf("parsing packaged fallback content: %w", err)
	}
	return &Provider{packaged: packaged}, nil
}

// For returns fallback content for one file slot of the given layer.
// A non-nil stale blob wins (tier 2); otherwise the layer's packaged
// default or its nearest ancestor's (tier 3); otherwise Emergency.
func (p *Provider) For(layer string, stale []byte) ([]byte, Tier) {
	if stale != nil {
		return stale, TierStale
	}
	for id := layer; id != ""; id = parent(id) {
		if md, ok := p.packaged[id]; ok {
			return []byte(md), TierPackaged
		}
	}
	return []byte(Emergency), TierEmergency
}

// Packaged reports the packaged default for exactly this layer id.
func (p *Provider) Packaged(layer string) (string, bool) {
	var md, ok = p.packaged[layer]
	return md, ok
}

func parent(id string) string {
	var i = strings.LastIndex(id, "/")
	if i < 0 {
		return ""
	}
	return id[:i]
}
