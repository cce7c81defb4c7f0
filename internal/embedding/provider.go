// Package embedding computes query embeddings for retrieval. Two backends
// are supported: a local Ollama server (the offline default) and Google
// GenAI for deployments with managed connectivity. The core never assumes
// a dimension beyond matching the vector store's.
package embedding

import (
	"context"
	"fmt"

	"github.com/habibiahmada/openclass-NexusAI-sub002/internal/config"
)

// Provider computes embedding vectors of a fixed dimension.
type Provider interface {
	// Embed returns the embedding for one text.
	Embed(ctx context.Context, text string) ([]float32, error)

	// EmbedBatch returns embeddings for several texts in input order.
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)

	// Dimensions is the vector dimensionality this provider produces.
	Dimensions() int

	// Name identifies the backend for health and telemetry output.
	Name() string
}

// HealthChecker is implemented by providers that can verify reachability
// before batch work starts.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// NewProvider builds the configured backend.
func NewProvider(cfg config.EmbeddingConfig) (Provider, error) {
	switch cfg.Provider {
	case "ollama":
		return NewOllamaProvider(cfg.Endpoint, cfg.Model)
	case "genai":
		return NewGenAIProvider(cfg.APIKey, cfg.Model)
	default:
		return nil, fmt.Errorf("unsupported embedding provider: %s (use 'ollama' or 'genai')", cfg.Provider)
	}
}
