package embedding

import (
	"context"
	"fmt"

	"google.golang.org/genai"
)

// GenAIProvider computes embeddings through Google's Gemini API. Retrieval
// task types are fixed: queries and documents are the only inputs the
// orchestrator embeds.
type GenAIProvider struct {
	client *genai.Client
	model  string
}

// NewGenAIProvider creates the provider. An API key is required.
func NewGenAIProvider(apiKey, model string) (*GenAIProvider, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("genai API key is required")
	}
	if model == "" {
		model = "gemini-embedding-001"
	}
	client, err := genai.NewClient(context.Background(), &genai.ClientConfig{APIKey: apiKey})
	if err != nil {
		return nil, fmt.Errorf("create genai client: %w", err)
	}
	return &GenAIProvider{client: client, model: model}, nil
}

// Embed computes one query embedding.
func (p *GenAIProvider) Embed(ctx context.Context, text string) ([]float32, error) {
	result, err := p.client.Models.EmbedContent(ctx, p.model,
		[]*genai.Content{genai.NewContentFromText(text, genai.RoleUser)},
		&genai.EmbedContentConfig{TaskType: "RETRIEVAL_QUERY"})
	if err != nil {
		return nil, fmt.Errorf("genai embed failed: %w", err)
	}
	if len(result.Embeddings) == 0 {
		return nil, fmt.Errorf("no embeddings returned")
	}
	return result.Embeddings[0].Values, nil
}

// EmbedBatch embeds several texts in one call.
func (p *GenAIProvider) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	contents := make([]*genai.Content, len(texts))
	for i, text := range texts {
		contents[i] = genai.NewContentFromText(text, genai.RoleUser)
	}
	result, err := p.client.Models.EmbedContent(ctx, p.model, contents,
		&genai.EmbedContentConfig{TaskType: "RETRIEVAL_DOCUMENT"})
	if err != nil {
		return nil, fmt.Errorf("genai batch embed failed: %w", err)
	}
	out := make([][]float32, len(result.Embeddings))
	for i, emb := range result.Embeddings {
		out[i] = emb.Values
	}
	return out, nil
}

// Dimensions reports 768, the gemini-embedding-001 output size.
func (p *GenAIProvider) Dimensions() int { return 768 }

// Name identifies the backend.
func (p *GenAIProvider) Name() string { return "genai:" + p.model }
