package capability

import (
	"context"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/HengYangDS/sage-kb-sub007/breaker"
	"github.com/HengYangDS/sage-kb-sub007/clock"
	"github.com/HengYangDS/sage-kb-sub007/loader"
	"github.com/HengYangDS/sage-kb-sub007/ops"
)

// ResultStatus classifies one dispatch outcome.
type ResultStatus string

const (
	StatusOK          ResultStatus = "ok"
	StatusTimeout     ResultStatus = "timeout"
	StatusCircuitOpen ResultStatus = "circuit_open"
	// StatusError covers handler failures and internal invariant breaches.
	StatusError ResultStatus = "invocation_error"
)

// Result is the dispatcher's only answer for a known capability: failures
// surface as Status and Error, never as returned errors.
type Result struct {
	Status        ResultStatus `json:"status"`
	Output        Output       `json:"output"`
	Error         string       `json:"error,omitempty"`
	DurationMs    int64        `json:"durationMs"`
	CorrelationID string       `json:"correlationId"`
}

// Dispatcher runs registered capabilities under a deadline and the
// per-family breaker scope.
type Dispatcher struct {
	reg      *Registry
	clk      clock.Clock
	timeouts *clock.Manager
	breakers *breaker.Registry
	bus      ops.Publisher
}

func NewDispatcher(reg *Registry, clk clock.Clock, timeouts *clock.Manager, breakers *breaker.Registry, bus ops.Publisher) *Dispatcher {
	return &Dispatcher{reg: reg, clk: clk, timeouts: timeouts, breakers: breakers, bus: bus}
}

// Registry exposes the backing registry for listing.
func (d *Dispatcher) Registry() *Registry { return d.reg }

// Run dispatches (family, name) with the given input. An unknown
// capability is the only returned error, as a loader.BadRequestError;
// everything else is expressed in the Result.
func (d *Dispatcher) Run(ctx context.Context, family Family, name string, in Input, override time.Duration) (Result, error) {
	var reg, ok = d.reg.Get(family, name)
	if !ok {
		return Result{}, &loader.BadRequestError{
			Reason: fmt.Sprintf("unknown capability %s/%s", family, name),
		}
	}

	var correlation string
	ctx, correlation = clock.EnsureCorrelation(ctx)
	var scope = d.breakers.Scope(breaker.ScopeCapability(string(family)))
	var key = reg.Descriptor.Key()

	d.bus.Publish(ctx, ops.Event{Kind: ops.CapabilityStart, Scope: key})
	var started = d.clk.Now()

	var out Output
	var err = scope.Do(ctx, func(ctx context.Context) error {
		var _, runErr = d.timeouts.Run(ctx, reg.Descriptor.TimeoutLevel, override, func(ctx context.Context) error {
			var invokeErr error
			out, invokeErr = invoke(reg.Handler, ctx, in)
			return invokeErr
		})
		return runErr
	})

	var res = Result{
		Status:        StatusOK,
		Output:        out,
		DurationMs:    d.clk.Since(started).Milliseconds(),
		CorrelationID: correlation,
	}
	switch {
	case err == nil:
	case breaker.IsOpen(err):
		res.Status = StatusCircuitOpen
		res.Error = err.Error()
	case clock.IsTimeout(err):
		res.Status = StatusTimeout
		res.Error = err.Error()
	default:
		res.Status = StatusError
		res.Error = err.Error()
	}

	if res.Status == StatusTimeout {
		d.bus.Publish(ctx, ops.Event{Kind: ops.CapabilityTimeout, Scope: key, Duration: d.clk.Since(started)})
	} else {
		d.bus.Publish(ctx, ops.Event{
			Kind:     ops.CapabilityComplete,
			Scope:    key,
			Status:   string(res.Status),
			Duration: d.clk.Since(started),
		})
	}
	return res, nil
}

// invoke shields the dispatcher from handler panics: a panicking
// capability yields an invocation error and a loud log line, and the
// process keeps serving.
func invoke(h Handler, ctx context.Context, in Input) (out Output, err error) {
	defer func() {
		if r := recover(); r != nil {
			log.WithField("panic", r).Error("capability handler panicked")
			err = fmt.Errorf("capability panicked: %v", r)
		}
	}()
	return h(ctx, in)
}
