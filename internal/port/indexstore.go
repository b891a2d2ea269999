package port

import "docqa/internal/domain"

// DocumentStore persists documents and their chunks.
type DocumentStore interface {
	PutDoc(doc domain.Document) error

	GetDoc(id string) (domain.Document, error)

	DeleteDoc(id string) error

	ListDocs() ([]domain.Document, error)

	PutChunk(chunk domain.Chunk) error

	GetChunk(id string) (domain.Chunk, error)

	// GetChunksByDoc returns the document's chunks ordered by ordinal.
	GetChunksByDoc(docID string) ([]domain.Chunk, error)

	DeleteChunksByDoc(docID string) error

	Close() error
}
