package embedding

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"docqa/internal/domain"
	"docqa/internal/port"
)

// OpenAIProvider talks to any OpenAI-compatible /embeddings endpoint.
type OpenAIProvider struct {
	id             string
	apiKey         string
	model          string
	baseURL        string
	dimension      int
	sendDimensions bool
	client         *http.Client
}

var _ port.EmbeddingProvider = (*OpenAIProvider)(nil)

var modelDimensions = map[string]int{
	"text-embedding-3-small": 1536,
	"text-embedding-3-large": 3072,
	"text-embedding-ada-002": 1536,
	"jina-embeddings-v3":     1024,
	"jina-embeddings-v4":     2048,
	"nomic-embed-text":       768,
	"mxbai-embed-large":      1024,
	"all-minilm":             384,
}

// Models that accept the "dimensions" request field.
var shortenable = map[string]bool{
	"text-embedding-3-small": true,
	"text-embedding-3-large": true,
}

type embeddingRequest struct {
	Input      []string `json:"input"`
	Model      string   `json:"model"`
	Dimensions int      `json:"dimensions,omitempty"`
}

type embeddingResponse struct {
	Data  []embeddingData `json:"data"`
	Usage embeddingUsage  `json:"usage"`
	Error *apiError       `json:"error,omitempty"`
}

type embeddingData struct {
	Embedding []float32 `json:"embedding"`
	Index     int       `json:"index"`
}

type embeddingUsage struct {
	PromptTokens int `json:"prompt_tokens"`
	TotalTokens  int `json:"total_tokens"`
}

type apiError struct {
	Message string `json:"message"`
	Type    string `json:"type"`
}

func NewOpenAIProvider(id, apiKeyEnv, model string, dimension int) (*OpenAIProvider, error) {
	return NewOpenAICompatibleProvider(id, apiKeyEnv, model, "https://api.openai.com/v1", dimension)
}

func NewDeepSeekProvider(id, apiKeyEnv, model string, dimension int) (*OpenAIProvider, error) {
	return NewOpenAICompatibleProvider(id, apiKeyEnv, model, "https://api.deepseek.com/v1", dimension)
}

func NewJinaProvider(id, apiKeyEnv, model string, dimension int) (*OpenAIProvider, error) {
	return NewOpenAICompatibleProvider(id, apiKeyEnv, model, "https://api.jina.ai/v1", dimension)
}

// NewOllamaProvider uses Ollama's OpenAI-compatible endpoint; no key needed.
func NewOllamaProvider(id, model, baseURL string, dimension int) (*OpenAIProvider, error) {
	if baseURL == "" {
		baseURL = "http://localhost:11434/v1"
	}
	if dimension <= 0 {
		dimension = modelDimensions[model]
	}
	if dimension <= 0 {
		return nil, fmt.Errorf("ollama model %q: dimension must be configured", model)
	}

	return &OpenAIProvider{
		id:        id,
		apiKey:    "ollama",
		model:     model,
		baseURL:   baseURL,
		dimension: dimension,
		client: &http.Client{
			Timeout: 120 * time.Second,
		},
	}, nil
}

// NewOpenAICompatibleProvider reads the API key from apiKeyEnv once, at
// construction. A zero dimension means the model's native size.
func NewOpenAICompatibleProvider(id, apiKeyEnv, model, baseURL string, dimension int) (*OpenAIProvider, error) {
	apiKey := os.Getenv(apiKeyEnv)
	if apiKey == "" {
		return nil, fmt.Errorf("API key not found in environment variable: %s", apiKeyEnv)
	}

	native, known := modelDimensions[model]
	if dimension <= 0 {
		if !known {
			return nil, fmt.Errorf("model %q: dimension must be configured", model)
		}
		dimension = native
	}

	return &OpenAIProvider{
		id:             id,
		apiKey:         apiKey,
		model:          model,
		baseURL:        baseURL,
		dimension:      dimension,
		sendDimensions: shortenable[model] && dimension != native,
		client: &http.Client{
			Timeout: 60 * time.Second,
		},
	}, nil
}

func (e *OpenAIProvider) ID() string {
	return e.id
}

func (e *OpenAIProvider) Dimension() int {
	return e.dimension
}

func (e *OpenAIProvider) ModelName() string {
	return e.model
}

// Embed ignores the task type; OpenAI-style models embed queries and
// documents the same way.
func (e *OpenAIProvider) Embed(ctx context.Context, texts []string, _ domain.TaskType) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	const maxBatch = 100
	allEmbeddings := make([][]float32, 0, len(texts))

	for i := 0; i < len(texts); i += maxBatch {
		end := i + maxBatch
		if end > len(texts) {
			end = len(texts)
		}

		embeddings, err := e.embedBatch(ctx, texts[i:end])
		if err != nil {
			return nil, err
		}
		allEmbeddings = append(allEmbeddings, embeddings...)
	}

	return allEmbeddings, nil
}

func (e *OpenAIProvider) embedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	reqBody := embeddingRequest{
		Input: texts,
		Model: e.model,
	}
	if e.sendDimensions {
		reqBody.Dimensions = e.dimension
	}

	jsonData, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.baseURL+"/embeddings", bytes.NewReader(jsonData))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+e.apiKey)

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s: request failed: %w", e.id, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode == http.StatusTooManyRequests {
		return nil, fmt.Errorf("%s: %w: %s", e.id, domain.ErrQuotaExceeded, preview(body))
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%s: API returned status %d: %s", e.id, resp.StatusCode, preview(body))
	}

	var embResp embeddingResponse
	if err := json.Unmarshal(body, &embResp); err != nil {
		return nil, fmt.Errorf("failed to parse response (body: %s): %w", preview(body), err)
	}

	if embResp.Error != nil {
		return nil, fmt.Errorf("%s: API error: %s", e.id, embResp.Error.Message)
	}

	embeddings := make([][]float32, len(texts))
	for _, data := range embResp.Data {
		if data.Index < 0 || data.Index >= len(embeddings) {
			return nil, fmt.Errorf("%s: response index %d out of range", e.id, data.Index)
		}
		if len(data.Embedding) != e.dimension {
			return nil, fmt.Errorf("%s: %w: expected %d, got %d", e.id, domain.ErrDimensionMismatch, e.dimension, len(data.Embedding))
		}
		embeddings[data.Index] = data.Embedding
	}
	for i, emb := range embeddings {
		if emb == nil {
			return nil, fmt.Errorf("%s: missing embedding for input %d", e.id, i)
		}
	}

	return embeddings, nil
}

func preview(body []byte) string {
	s := string(body)
	if len(s) > 200 {
		s = s[:200]
	}
	return s
}
