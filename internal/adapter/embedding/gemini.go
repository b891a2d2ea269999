package embedding

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"

	"google.golang.org/genai"

	"docqa/internal/domain"
	"docqa/internal/port"
)

// GeminiProvider embeds through the Gemini API. gemini-embedding-001 supports
// output dimensionalities up to 3072.
type GeminiProvider struct {
	id        string
	model     string
	dimension int
	client    *genai.Client
}

var _ port.EmbeddingProvider = (*GeminiProvider)(nil)

func NewGeminiProvider(ctx context.Context, id, apiKeyEnv, model string, dimension int) (*GeminiProvider, error) {
	apiKey := os.Getenv(apiKeyEnv)
	if apiKey == "" {
		return nil, fmt.Errorf("API key not found in environment variable: %s", apiKeyEnv)
	}
	if model == "" {
		model = "gemini-embedding-001"
	}
	if dimension <= 0 {
		return nil, fmt.Errorf("gemini model %q: dimension must be configured", model)
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create Gemini client: %w", err)
	}

	return &GeminiProvider{
		id:        id,
		model:     model,
		dimension: dimension,
		client:    client,
	}, nil
}

func (p *GeminiProvider) ID() string {
	return p.id
}

func (p *GeminiProvider) Dimension() int {
	return p.dimension
}

func (p *GeminiProvider) Embed(ctx context.Context, texts []string, task domain.TaskType) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	contents := make([]*genai.Content, len(texts))
	for i, text := range texts {
		contents[i] = genai.NewContentFromText(text, genai.RoleUser)
	}

	dim := int32(p.dimension)
	resp, err := p.client.Models.EmbedContent(ctx, p.model, contents, &genai.EmbedContentConfig{
		TaskType:             geminiTaskType(task),
		OutputDimensionality: &dim,
	})
	if err != nil {
		var apiErr genai.APIError
		if errors.As(err, &apiErr) && apiErr.Code == http.StatusTooManyRequests {
			return nil, fmt.Errorf("%s: %w: %s", p.id, domain.ErrQuotaExceeded, apiErr.Message)
		}
		return nil, fmt.Errorf("%s: embed content: %w", p.id, err)
	}

	if len(resp.Embeddings) != len(texts) {
		return nil, fmt.Errorf("%s: expected %d embeddings, got %d", p.id, len(texts), len(resp.Embeddings))
	}

	vectors := make([][]float32, len(texts))
	for i, emb := range resp.Embeddings {
		if emb == nil || len(emb.Values) != p.dimension {
			got := 0
			if emb != nil {
				got = len(emb.Values)
			}
			return nil, fmt.Errorf("%s: %w: expected %d, got %d", p.id, domain.ErrDimensionMismatch, p.dimension, got)
		}
		vectors[i] = emb.Values
	}
	return vectors, nil
}

func geminiTaskType(task domain.TaskType) string {
	if task == domain.TaskQuery {
		return "RETRIEVAL_QUERY"
	}
	return "RETRIEVAL_DOCUMENT"
}
