package embedding

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"docqa/internal/domain"
	"docqa/internal/port"
)

// MockProvider returns deterministic vectors derived from the text runes.
// Tests use it to simulate quota failures and count calls.
type MockProvider struct {
	id        string
	dimension int

	mu      sync.Mutex
	failErr error
	calls   atomic.Int64
	batches [][]string
}

var _ port.EmbeddingProvider = (*MockProvider)(nil)

var ErrMockFailure = errors.New("mock provider failure")

func NewMockProvider(id string, dimension int) *MockProvider {
	return &MockProvider{id: id, dimension: dimension}
}

func (e *MockProvider) ID() string {
	return e.id
}

func (e *MockProvider) Dimension() int {
	return e.dimension
}

// FailWith makes subsequent calls return err; nil restores success.
func (e *MockProvider) FailWith(err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.failErr = err
}

func (e *MockProvider) Calls() int {
	return int(e.calls.Load())
}

// Batches returns the inputs of every call in arrival order.
func (e *MockProvider) Batches() [][]string {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([][]string, len(e.batches))
	copy(out, e.batches)
	return out
}

func (e *MockProvider) Embed(ctx context.Context, texts []string, _ domain.TaskType) ([][]float32, error) {
	e.calls.Add(1)

	e.mu.Lock()
	e.batches = append(e.batches, append([]string(nil), texts...))
	failErr := e.failErr
	e.mu.Unlock()

	if failErr != nil {
		return nil, failErr
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	embeddings := make([][]float32, len(texts))
	for i := range texts {
		embeddings[i] = make([]float32, e.dimension)
		embeddings[i][0] = 1
		j := 1
		for _, r := range texts[i] {
			if j >= e.dimension {
				break
			}
			embeddings[i][j] = float32(r) / 1000.0
			j++
		}
	}
	return embeddings, nil
}
