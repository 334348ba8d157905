package clock

import (
	"context"
	"errors"
	"time"
)

// Level names one of the five canonical deadlines. Levels order from the
// cheapest operation (a cache probe) to the most expensive (complex
// analysis); configured durations must be monotonically non-decreasing.
type Level int

const (
	LevelCache   Level = iota // T1: cache probe
	LevelFile                 // T2: single file read
	LevelLayer                // T3: one layer assembly, index rescan
	LevelFull                 // T4: a whole load request
	LevelComplex              // T5: capability / analysis work
)

func (l Level) String() string {
	switch l {
	case LevelCache:
		return "cache"
	case LevelFile:
		return "file"
	case LevelLayer:
		return "layer"
	case LevelFull:
		return "full"
	case LevelComplex:
		return "complex"
	default:
		return "unknown"
	}
}

// Levels holds the configured duration of each timeout level.
type Levels struct {
	Cache   time.Duration
	File    time.Duration
	Layer   time.Duration
	Full    time.Duration
	Complex time.Duration
}

// DefaultLevels returns the canonical defaults: 100ms / 500ms / 2s / 5s / 10s.
func DefaultLevels() Levels {
	return Levels{
		Cache:   100 * time.Millisecond,
		File:    500 * time.Millisecond,
		Layer:   2 * time.Second,
		Full:    5 * time.Second,
		Complex: 10 * time.Second,
	}
}

// Of returns the duration configured for a level.
func (ls Levels) Of(l Level) time.Duration {
	switch l {
	case LevelCache:
		return ls.Cache
	case LevelFile:
		return ls.File
	case LevelLayer:
		return ls.Layer
	case LevelFull:
		return ls.Full
	default:
		return ls.Complex
	}
}

// Manager derives deadlines from configured levels, per-call overrides, and
// the absolute ceiling. The effective deadline of a call is always
// min(parent deadline, configured level, override, absolute max).
type Manager struct {
	clock       Clock
	levels      Levels
	absoluteMax time.Duration
}

// NewManager returns a Manager. A non-positive absoluteMax disables the
// ceiling.
func NewManager(c Clock, levels Levels, absoluteMax time.Duration) *Manager {
	return &Manager{clock: c, levels: levels, absoluteMax: absoluteMax}
}

// Clock returns the manager's time source.
func (m *Manager) Clock() Clock { return m.clock }

// Duration resolves the budget for a level: the configured duration, reduced
// by a positive override, clamped to the absolute ceiling.
func (m *Manager) Duration(level Level, override time.Duration) time.Duration {
	var d = m.levels.Of(level)
	if override > 0 && override < d {
		d = override
	}
	if m.absoluteMax > 0 && d > m.absoluteMax {
		d = m.absoluteMax
	}
	return d
}

// WithDeadline returns a child context whose deadline is the effective budget
// of the level. The parent's tighter deadline wins automatically.
func (m *Manager) WithDeadline(ctx context.Context, level Level, override time.Duration) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, m.Duration(level, override))
}

// Run executes fn under the level's deadline, returning fn's error and the
// elapsed time. fn must honor ctx cancellation; Run waits for it to return.
func (m *Manager) Run(ctx context.Context, level Level, override time.Duration, fn func(context.Context) error) (time.Duration, error) {
	var runCtx, cancel = m.WithDeadline(ctx, level, override)
	defer cancel()

	var begun = m.clock.Now()
	var err = fn(runCtx)
	return m.clock.Since(begun), err
}

// IsTimeout reports whether err is a deadline expiry at any level.
func IsTimeout(err error) bool {
	return errors.Is(err, context.DeadlineExceeded)
}

// IsCancel reports whether err is a caller cancellation (not a deadline).
func IsCancel(err error) bool {
	return errors.Is(err, context.Canceled)
}
