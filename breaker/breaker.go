// Package breaker wraps sony/gobreaker with named scopes and event
// emission. Every scope trips independently: content reads share
// "io.content" while each capability family gets "capability.<family>",
// so a failing checker cannot shed load for file reads.
package breaker

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sony/gobreaker/v2"

	"github.com/HengYangDS/sage-kb-sub007/ops"
)

// Scope names used by the runtime.
const ScopeContent = "io.content"

// ScopeCapability returns the breaker scope shared by one capability family.
func ScopeCapability(family string) string { return "capability." + family }

// Options parameterize every scope identically.
type Options struct {
	// FailureThreshold is the consecutive-failure count that opens a scope.
	FailureThreshold int
	// ResetTimeout is how long an open scope waits before probing.
	ResetTimeout time.Duration
	// HalfOpenRequests caps concurrent probes while half-open, and is the
	// number of consecutive probe successes required to close again.
	HalfOpenRequests int
}

// Scope is one independent breaker.
type Scope struct {
	name string
	cb   *gobreaker.CircuitBreaker[struct{}]
}

// Registry creates scopes on first use and tracks them for inspection.
type Registry struct {
	opts Options
	bus  ops.Publisher

	mu     sync.Mutex
	scopes map[string]*Scope
}

func NewRegistry(opts Options, bus ops.Publisher) *Registry {
	return &Registry{opts: opts, bus: bus, scopes: make(map[string]*Scope)}
}

// Scope returns the named breaker, creating it closed on first use.
func (r *Registry) Scope(name string) *Scope {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.scopes[name]; ok {
		return s
	}

	var s = &Scope{name: name}
	s.cb = gobreaker.NewCircuitBreaker[struct{}](gobreaker.Settings{
		Name:        name,
		MaxRequests: uint32(r.opts.HalfOpenRequests),
		Timeout:     r.opts.ResetTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= uint32(r.opts.FailureThreshold)
		},
		OnStateChange: func(name string, _, to gobreaker.State) {
			var kind ops.Kind
			switch to {
			case gobreaker.StateOpen:
				kind = ops.BreakerOpen
			case gobreaker.StateHalfOpen:
				kind = ops.BreakerHalfOpen
			case gobreaker.StateClosed:
				kind = ops.BreakerClose
			default:
				return
			}
			r.bus.Publish(context.Background(), ops.Event{Kind: kind, Scope: name})
		},
		IsSuccessful: func(err error) bool {
			// A caller hanging up is not resource distress; a deadline
			// expiry inside the protected operation is.
			return err == nil || errors.Is(err, context.Canceled)
		},
	})
	r.scopes[name] = s
	return s
}

// States snapshots every known scope's state, keyed by scope name.
func (r *Registry) States() map[string]string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out = make(map[string]string, len(r.scopes))
	for name, s := range r.scopes {
		out[name] = s.cb.State().String()
	}
	return out
}

// Do runs fn under the scope. When the scope is open (or half-open and
// saturated) fn is not invoked and the returned error satisfies IsOpen.
func (s *Scope) Do(ctx context.Context, fn func(context.Context) error) error {
	var _, err = s.cb.Execute(func() (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

// State reports "closed", "half-open", or "open".
func (s *Scope) State() string { return s.cb.State().String() }

// Name returns the scope name.
func (s *Scope) Name() string { return s.name }

// IsOpen reports whether err is the breaker refusing the call outright,
// either fully open or half-open with all probe slots taken.
func IsOpen(err error) bool {
	return errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests)
}
