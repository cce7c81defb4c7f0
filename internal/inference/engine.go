// Package inference adapts the local LLM runtime behind a narrow engine
// contract: Load (idempotent), Generate (a lazy, finite, non-restartable
// token stream), Unload. At most one loaded model lives in the process;
// Generate is safe for concurrent use by the dispatcher's workers.
package inference

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/habibiahmada/openclass-NexusAI-sub002/internal/edgeerr"
)

// Limits bounds one generate call.
type Limits struct {
	MaxOutputTokens int
	Temperature     float64
	TopP            float64
	PerCallTimeout  time.Duration
}

// DefaultLimits returns the documented defaults.
func DefaultLimits() Limits {
	return Limits{
		MaxOutputTokens: 512,
		Temperature:     0.7,
		TopP:            0.9,
		PerCallTimeout:  60 * time.Second,
	}
}

// Fragment is one element of a token stream. A Fragment with Err set is
// the error sentinel and is always the last element; normal completion is
// signaled by closing the channel with no error sentinel. Token order
// matches decoding order.
type Fragment struct {
	Text string
	Err  error
}

// Engine is the inference adapter contract. Any backend implementing it
// is substitutable.
type Engine interface {
	// Load prepares the model. Idempotent: a second call without Unload is
	// a no-op after the first success. May fail with ModelMissing,
	// OutOfMemory, or Incompatible.
	Load(ctx context.Context) error

	// Generate produces a non-restartable token stream for one prompt.
	// The returned channel is closed after the terminal element. Fails
	// immediately with ModelMissing if no model is loaded.
	Generate(ctx context.Context, prompt string, limits Limits) (<-chan Fragment, error)

	// Unload releases resources; Generate fails until a fresh Load.
	Unload() error

	// Loaded reports whether a model is currently usable.
	Loaded() bool

	// Version identifies the active model for health and telemetry.
	Version() string
}

// processLoaded enforces the single-instance rule: at most one loaded
// model per process across all Engine implementations.
var processLoaded atomic.Bool

func claimProcessSlot() error {
	if !processLoaded.CompareAndSwap(false, true) {
		return edgeerr.Wrapf(edgeerr.KindIncompatible, nil,
			"another model is already loaded in this process")
	}
	return nil
}

func releaseProcessSlot() {
	processLoaded.Store(false)
}
