// Package clock provides the time source, correlation ids, and the named
// deadline levels used by every blocking operation in the runtime. All
// components take a Clock so tests can substitute a fake one.
package clock

import (
	"context"

	"github.com/google/uuid"
	utilclock "k8s.io/utils/clock"
)

// Clock is the runtime's time source. time.Time values carry Go's monotonic
// reading, so elapsed measurements are immune to wall-clock jumps.
type Clock = utilclock.Clock

// Real returns the wall clock.
func Real() Clock { return utilclock.RealClock{} }

type correlationKey struct{}

// WithCorrelation returns a context carrying the given correlation id.
func WithCorrelation(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, correlationKey{}, id)
}

// Correlation returns the correlation id carried by ctx, or "".
func Correlation(ctx context.Context) string {
	if id, ok := ctx.Value(correlationKey{}).(string); ok {
		return id
	}
	return ""
}

// EnsureCorrelation returns ctx carrying a correlation id, generating a new
// one when absent. The id is also returned for direct use.
func EnsureCorrelation(ctx context.Context) (context.Context, string) {
	if id := Correlation(ctx); id != "" {
		return ctx, id
	}
	var id = uuid.NewString()
	return WithCorrelation(ctx, id), id
}
