package port

import "docqa/internal/domain"

type Chunker interface {
	// Chunk validates the parameters and returns a lazy iterator over the
	// chunks of text. The iterator can be consumed only once.
	Chunk(docID, text string, targetSize, overlap int) (ChunkIterator, error)
}

type ChunkIterator interface {
	Next() bool
	Chunk() domain.Chunk
	Err() error
}
