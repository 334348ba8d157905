package loader

import (
	"errors"
	"fmt"
	"time"
)

// Status is the terminal classification of one Load call.
type Status string

const (
	// StatusSuccess: every requested layer produced fresh or cache-fresh
	// content.
	StatusSuccess Status = "success"
	// StatusPartial: at least one layer was skipped (budget, deadline,
	// cancellation, or unknown id) but nothing was served from fallback.
	StatusPartial Status = "partial"
	// StatusFallback: at least one layer's content came from the fallback
	// ladder (stale, packaged, or emergency).
	StatusFallback Status = "fallback"
	// StatusTimeout: the overall deadline elapsed before any admitted
	// layer produced fresh content.
	StatusTimeout Status = "timeout"
	// StatusCircuitOpen: every admitted layer was fallback-substituted
	// because the breaker refused all reads.
	StatusCircuitOpen Status = "circuit_open"
)

// LoadRequest describes one knowledge load. At least one of Task or
// ExplicitLayers must be set. ExplicitLayers replaces the configured
// default seed; the single element "*" expands to every top-level layer.
type LoadRequest struct {
	Task            string
	ExplicitLayers  []string
	TokenBudget     int // 0 uses the configured ceiling; the ceiling 0 means unlimited
	OverrideTimeout time.Duration
	CorrelationID   string
}

func (r *LoadRequest) validate() error {
	if r.Task == "" && len(r.ExplicitLayers) == 0 {
		return &BadRequestError{Reason: "either task or explicit layers must be provided"}
	}
	if r.TokenBudget < 0 {
		return &BadRequestError{Reason: fmt.Sprintf("token budget must not be negative, got %d", r.TokenBudget)}
	}
	if r.OverrideTimeout < 0 {
		return &BadRequestError{Reason: "timeout override must not be negative"}
	}
	return nil
}

// Warning is a non-fatal degradation note attached to a LoadResult.
type Warning struct {
	Layer  string `json:"layer,omitempty"`
	File   string `json:"file,omitempty"`
	Reason string `json:"reason"`
}

// Warning reasons used by the loader.
const (
	ReasonTimeout          = "timeout"
	ReasonIO               = "io"
	ReasonCircuitOpen      = "circuit_open"
	ReasonUnknown          = "unknown"
	ReasonSkippedBudget    = "skipped:budget"
	ReasonSkippedDeadline  = "skipped:deadline"
	ReasonSkippedCancelled = "skipped:cancelled"
	ReasonCancelled        = "cancelled"
)

// LoadResult is the loader's only answer for the read path: failures
// surface as status and warnings, never as errors.
type LoadResult struct {
	Content           []byte
	Status            Status
	LayersRequested   []string
	LayersLoaded      []string
	DurationMs        int64
	ApproximateTokens int
	Warnings          []Warning
	CorrelationID     string
}

// BadRequestError rejects an invalid request; it is the only error the
// read path ever returns.
type BadRequestError struct {
	Reason string
}

func (e *BadRequestError) Error() string { return "bad request: " + e.Reason }

// IsBadRequest reports whether err is a request-validation failure.
func IsBadRequest(err error) bool {
	var br *BadRequestError
	return errors.As(err, &br)
}
