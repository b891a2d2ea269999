package port

import (
	"context"

	"docqa/internal/domain"
)

// EmbeddingProvider is one embedding backend with a fixed output size.
type EmbeddingProvider interface {
	ID() string

	// Dimension returns the length of every vector Embed produces.
	Dimension() int

	// Embed returns one vector per input text, in input order.
	Embed(ctx context.Context, texts []string, task domain.TaskType) ([][]float32, error)
}

// VectorStore holds at most one EmbeddingRecord per chunk. Records of
// different dimensionalities coexist and are never compared with each other.
type VectorStore interface {
	Upsert(ctx context.Context, rec domain.EmbeddingRecord) error

	// Query searches only records whose dimensionality equals dimensionality.
	// It returns a *domain.NoCompatibleRecordsError when there are none.
	Query(ctx context.Context, vector []float32, dimensionality, topK int) ([]domain.VectorCandidate, error)

	Get(ctx context.Context, chunkID string) (domain.EmbeddingRecord, bool, error)

	Delete(ctx context.Context, chunkID string) error

	DimensionProfile(ctx context.Context) (domain.DimensionProfile, error)

	// Generation changes on every successful upsert or delete.
	Generation() uint64

	Close() error
}
