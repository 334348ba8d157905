// Package capability is the typed registry and dispatcher for auxiliary
// operations over the knowledge base: analyzers, checkers, monitors,
// converters, and generators. Capabilities run under the same deadline
// and breaker discipline as content loads; the dispatcher returns typed
// results, never panics or raw errors, except for an unknown capability
// which is a BadRequestError.
package capability

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/HengYangDS/sage-kb-sub007/clock"
)

// Family partitions the registry. Each family shares one breaker scope.
type Family string

const (
	FamilyAnalyzer  Family = "analyzer"
	FamilyChecker   Family = "checker"
	FamilyMonitor   Family = "monitor"
	FamilyConverter Family = "converter"
	FamilyGenerator Family = "generator"
)

// Families lists every family in a stable order.
func Families() []Family {
	return []Family{FamilyAnalyzer, FamilyChecker, FamilyMonitor, FamilyConverter, FamilyGenerator}
}

// ParseFamily maps the external spelling to a Family.
func ParseFamily(s string) (Family, bool) {
	switch Family(strings.ToLower(strings.TrimSpace(s))) {
	case FamilyAnalyzer:
		return FamilyAnalyzer, true
	case FamilyChecker:
		return FamilyChecker, true
	case FamilyMonitor:
		return FamilyMonitor, true
	case FamilyConverter:
		return FamilyConverter, true
	case FamilyGenerator:
		return FamilyGenerator, true
	}
	return "", false
}

// Descriptor declares one capability's contract.
type Descriptor struct {
	Name    string `json:"name"`
	Family  Family `json:"family"`
	Version string `json:"version"`
	// InputKind documents what Input fields the capability consumes:
	// "layer", "markdown", "layer|markdown", or "none".
	InputKind string `json:"inputKind"`
	// OutputKind documents the Output.Kind it produces: "markdown",
	// "text", or "json".
	OutputKind string `json:"outputKind"`
	// TimeoutLevel is the deadline applied per invocation unless the
	// caller overrides it with a tighter one.
	TimeoutLevel clock.Level `json:"-"`
}

// Key identifies a capability within the registry.
func (d Descriptor) Key() string { return string(d.Family) + "/" + d.Name }

// Input is the invocation payload. Capabilities consume the fields their
// descriptor's InputKind names and ignore the rest.
type Input struct {
	// Layer addresses indexed content by layer id.
	Layer string
	// Text is inline Markdown supplied by the caller.
	Text string
}

// Output is a successful capability result.
type Output struct {
	Kind string `json:"kind"`
	Text string `json:"text"`
}

// Handler executes one capability. A nil error with a zero Output is
// valid; any returned error is classified by the dispatcher.
type Handler func(ctx context.Context, in Input) (Output, error)

// Registration pairs a descriptor with its handler.
type Registration struct {
	Descriptor Descriptor
	Handler    Handler
}

// Registry indexes capabilities by (family, name). Registration happens
// at startup; lookups are concurrent-safe thereafter.
type Registry struct {
	mu   sync.RWMutex
	regs map[string]Registration
}

func NewRegistry() *Registry {
	return &Registry{regs: make(map[string]Registration)}
}

// Register adds a capability. Re-registering a (family, name) pair is a
// programming error and rejected.
func (r *Registry) Register(d Descriptor, h Handler) error {
	if d.Name == "" {
		return fmt.Errorf("registering capability: name must not be empty")
	}
	if _, ok := ParseFamily(string(d.Family)); !ok {
		return fmt.Errorf("registering capability %q: unknown family %q", d.Name, d.Family)
	}
	if h == nil {
		return fmt.Errorf("registering capability %s: nil handler", d.Key())
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.regs[d.Key()]; ok {
		return fmt.Errorf("registering capability %s: already registered", d.Key())
	}
	r.regs[d.Key()] = Registration{Descriptor: d, Handler: h}
	return nil
}

// Get returns the registration for (family, name).
func (r *Registry) Get(family Family, name string) (Registration, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var reg, ok = r.regs[string(family)+"/"+name]
	return reg, ok
}

// List returns every descriptor, ordered by family then name.
func (r *Registry) List() []Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out = make([]Descriptor, 0, len(r.regs))
	for _, reg := range r.regs {
		out = append(out, reg.Descriptor)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Family != out[j].Family {
			return out[i].Family < out[j].Family
		}
		return out[i].Name < out[j].Name
	})
	return out
}
