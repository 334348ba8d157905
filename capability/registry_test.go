package capability

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/HengYangDS/sage-kb-sub007/breaker"
	"github.com/HengYangDS/sage-kb-sub007/clock"
	"github.com/HengYangDS/sage-kb-sub007/loader"
	"github.com/HengYangDS/sage-kb-sub007/ops"
)

func testDispatcher(t *testing.T, reg *Registry) *Dispatcher {
	t.Helper()
	var clk = clock.Real()
	var levels = clock.DefaultLevels()
	levels.Cache = 20 * time.Millisecond
	levels.File = 20 * time.Millisecond
	levels.Layer = 50 * time.Millisecond
	levels.Full = 100 * time.Millisecond
	levels.Complex = 100 * time.Millisecond

	var breakers = breaker.NewRegistry(breaker.Options{
		FailureThreshold: 2,
		ResetTimeout:     time.Minute,
		HalfOpenRequests: 1,
	}, ops.NopPublisher{})
	return NewDispatcher(reg, clk, clock.NewManager(clk, levels, time.Second), breakers, ops.NopPublisher{})
}

func TestRegistryRejectsDuplicatesAndBadFamilies(t *testing.T) {
	var reg = NewRegistry()
	var d = Descriptor{Name: "noop", Family: FamilyAnalyzer, TimeoutLevel: clock.LevelComplex}
	var h = func(context.Context, Input) (Output, error) { return Output{}, nil }

	require.NoError(t, reg.Register(d, h))
	require.Error(t, reg.Register(d, h))
	require.Error(t, reg.Register(Descriptor{Name: "x", Family: "mangler"}, h))
	require.Error(t, reg.Register(Descriptor{Family: FamilyChecker}, h))
	require.Error(t, reg.Register(Descriptor{Name: "nil", Family: FamilyChecker}, nil))
}

func TestRegistryListOrdersByFamilyThenName(t *testing.T) {
	var reg = NewRegistry()
	var h = func(context.Context, Input) (Output, error) { return Output{}, nil }
	for _, d := range []Descriptor{
		{Name: "zeta", Family: FamilyChecker},
		{Name: "alpha", Family: FamilyChecker},
		{Name: "mid", Family: FamilyAnalyzer},
	} {
		require.NoError(t, reg.Register(d, h))
	}

	var keys []string
	for _, d := range reg.List() {
		keys = append(keys, d.Key())
	}
	require.Equal(t, []string{"analyzer/mid", "checker/alpha", "checker/zeta"}, keys)
}

func TestDispatchUnknownCapabilityIsBadRequest(t *testing.T) {
	var d = testDispatcher(t, NewRegistry())
	var _, err = d.Run(context.Background(), FamilyAnalyzer, "nope", Input{}, 0)
	require.True(t, loader.IsBadRequest(err))
}

func TestDispatchSuccess(t *testing.T) {
	var reg = NewRegistry()
	require.NoError(t, reg.Register(
		Descriptor{Name: "echo", Family: FamilyConverter, TimeoutLevel: clock.LevelComplex},
		func(_ context.Context, in Input) (Output, error) {
			return Output{Kind: "text", Text: in.Text}, nil
		}))
	var d = testDispatcher(t, reg)

	var res, err = d.Run(context.Background(), FamilyConverter, "echo", Input{Text: "hi"}, 0)
	require.NoError(t, err)
	require.Equal(t, StatusOK, res.Status)
	require.Equal(t, "hi", res.Output.Text)
	require.NotEmpty(t, res.CorrelationID)
}

func TestDispatchTimeout(t *testing.T) {
	var reg = NewRegistry()
	require.NoError(t, reg.Register(
		Descriptor{Name: "slow", Family: FamilyAnalyzer, TimeoutLevel: clock.LevelComplex},
		func(ctx context.Context, _ Input) (Output, error) {
			select {
			case <-time.After(time.Second):
				return Output{}, nil
			case <-ctx.Done():
				return Output{}, ctx.Err()
			}
		}))
	var d = testDispatcher(t, reg)

	var res, err = d.Run(context.Background(), FamilyAnalyzer, "slow", Input{}, 20*time.Millisecond)
	require.NoError(t, err)
	require.Equal(t, StatusTimeout, res.Status)
}

func TestDispatchOpensFamilyBreaker(t *testing.T) {
	var reg = NewRegistry()
	var boom = errors.New("boom")
	require.NoError(t, reg.Register(
		Descriptor{Name: "fails", Family: FamilyChecker, TimeoutLevel: clock.LevelComplex},
		func(context.Context, Input) (Output, error) { return Output{}, boom }))
	require.NoError(t, reg.Register(
		Descriptor{Name: "fine", Family: FamilyMonitor, TimeoutLevel: clock.LevelComplex},
		func(context.Context, Input) (Output, error) { return Output{Kind: "text"}, nil }))
	var d = testDispatcher(t, reg)

	// Threshold is 2: two invocation errors, then the checker scope is open.
	for i := 0; i < 2; i++ {
		var res, err = d.Run(context.Background(), FamilyChecker, "fails", Input{}, 0)
		require.NoError(t, err)
		require.Equal(t, StatusError, res.Status)
	}
	var res, err = d.Run(context.Background(), FamilyChecker, "fails", Input{}, 0)
	require.NoError(t, err)
	require.Equal(t, StatusCircuitOpen, res.Status)

	// Scopes are independent: the monitor family still serves.
	res, err = d.Run(context.Background(), FamilyMonitor, "fine", Input{}, 0)
	require.NoError(t, err)
	require.Equal(t, StatusOK, res.Status)
}

func TestDispatchRecoversPanics(t *testing.T) {
	var reg = NewRegistry()
	require.NoError(t, reg.Register(
		Descriptor{Name: "panics", Family: FamilyGenerator, TimeoutLevel: clock.LevelComplex},
		func(context.Context, Input) (Output, error) { panic("unreachable state") }))
	var d = testDispatcher(t, reg)

	var res, err = d.Run(context.Background(), FamilyGenerator, "panics", Input{}, 0)
	require.NoError(t, err)
	require.Equal(t, StatusError, res.Status)
	require.Contains(t, res.Error, "panicked")
}

func TestDispatchEmitsLifecycleEvents(t *testing.T) {
	var reg = NewRegistry()
	require.NoError(t, reg.Register(
		Descriptor{Name: "echo", Family: FamilyConverter, TimeoutLevel: clock.LevelComplex},
		func(_ context.Context, in Input) (Output, error) { return Output{Kind: "text", Text: in.Text}, nil }))

	var clk = clock.Real()
	var bus = ops.NewBus(clk, 16)
	defer bus.Close()
	var sub = bus.Subscribe()

	var breakers = breaker.NewRegistry(breaker.Options{FailureThreshold: 2, ResetTimeout: time.Minute, HalfOpenRequests: 1}, bus)
	var d = NewDispatcher(reg, clk, clock.NewManager(clk, clock.DefaultLevels(), 0), breakers, bus)

	var _, err = d.Run(context.Background(), FamilyConverter, "echo", Input{Text: "x"}, 0)
	require.NoError(t, err)
	bus.Close()

	var kinds []ops.Kind
	for ev := range sub.C() {
		kinds = append(kinds, ev.Kind)
	}
	require.Equal(t, []ops.Kind{ops.CapabilityStart, ops.CapabilityComplete}, kinds)
}
