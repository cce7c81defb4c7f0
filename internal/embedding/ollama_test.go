package embedding

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/habibiahmada/openclass-NexusAI-sub002/internal/config"
)

func newOllamaStub(t *testing.T, embed http.HandlerFunc) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	if embed != nil {
		mux.HandleFunc("/api/embeddings", embed)
	}
	mux.HandleFunc("/api/tags", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestOllamaEmbed(t *testing.T) {
	var gotModel, gotPrompt string
	srv := newOllamaStub(t, func(w http.ResponseWriter, r *http.Request) {
		var req ollamaEmbedRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		gotModel, gotPrompt = req.Model, req.Prompt
		_ = json.NewEncoder(w).Encode(ollamaEmbedResponse{Embedding: []float32{0.1, 0.2, 0.3}})
	})

	p, err := NewOllamaProvider(srv.URL, "embeddinggemma")
	require.NoError(t, err)

	vec, err := p.Embed(context.Background(), "apa itu fotosintesis")
	require.NoError(t, err)
	assert.Equal(t, []float32{0.1, 0.2, 0.3}, vec)
	assert.Equal(t, "embeddinggemma", gotModel)
	assert.Equal(t, "apa itu fotosintesis", gotPrompt)
}

func TestOllamaEmbedBatchPreservesOrder(t *testing.T) {
	srv := newOllamaStub(t, func(w http.ResponseWriter, r *http.Request) {
		var req ollamaEmbedRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		// Encode the prompt length so order is observable.
		_ = json.NewEncoder(w).Encode(ollamaEmbedResponse{
			Embedding: []float32{float32(len(req.Prompt))},
		})
	})

	p, err := NewOllamaProvider(srv.URL, "")
	require.NoError(t, err)

	vecs, err := p.EmbedBatch(context.Background(), []string{"a", "bb", "ccc"})
	require.NoError(t, err)
	require.Len(t, vecs, 3)
	assert.Equal(t, float32(1), vecs[0][0])
	assert.Equal(t, float32(2), vecs[1][0])
	assert.Equal(t, float32(3), vecs[2][0])
}

func TestOllamaEmbedServerError(t *testing.T) {
	srv := newOllamaStub(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model not found", http.StatusNotFound)
	})

	p, err := NewOllamaProvider(srv.URL, "")
	require.NoError(t, err)

	_, err = p.Embed(context.Background(), "x")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "404")
}

func TestOllamaHealthCheck(t *testing.T) {
	srv := newOllamaStub(t, nil)
	p, err := NewOllamaProvider(srv.URL, "")
	require.NoError(t, err)
	assert.NoError(t, p.HealthCheck(context.Background()))

	srv.Close()
	assert.Error(t, p.HealthCheck(context.Background()))
}

func TestOllamaDefaults(t *testing.T) {
	p, err := NewOllamaProvider("", "")
	require.NoError(t, err)
	assert.Equal(t, 768, p.Dimensions())
	assert.Equal(t, "ollama:embeddinggemma", p.Name())
}

func TestNewProviderSelection(t *testing.T) {
	p, err := NewProvider(config.EmbeddingConfig{Provider: "ollama"})
	require.NoError(t, err)
	assert.Contains(t, p.Name(), "ollama:")

	_, err = NewProvider(config.EmbeddingConfig{Provider: "genai"})
	assert.Error(t, err, "genai without an API key is rejected")

	_, err = NewProvider(config.EmbeddingConfig{Provider: "openai"})
	assert.Error(t, err)
}
