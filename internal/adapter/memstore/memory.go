package memstore

import (
	"fmt"
	"sort"
	"sync"

	"docqa/internal/domain"
	"docqa/internal/port"
)

// MemoryStore is a DocumentStore for tests and the in-memory backend.
type MemoryStore struct {
	mu        sync.RWMutex
	docs      map[string]domain.Document
	chunks    map[string]domain.Chunk
	docChunks map[string][]string
}

var _ port.DocumentStore = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		docs:      make(map[string]domain.Document),
		chunks:    make(map[string]domain.Chunk),
		docChunks: make(map[string][]string),
	}
}

func (s *MemoryStore) PutDoc(doc domain.Document) error {
	if doc.ID == "" {
		return fmt.Errorf("%w: empty document id", domain.ErrInvalidInput)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.docs[doc.ID] = doc
	return nil
}

func (s *MemoryStore) GetDoc(id string) (domain.Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	doc, ok := s.docs[id]
	if !ok {
		return domain.Document{}, fmt.Errorf("document %s: %w", id, domain.ErrNotFound)
	}
	return doc, nil
}

func (s *MemoryStore) DeleteDoc(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.docs, id)
	return nil
}

// ListDocs returns documents in id order, matching BoltStore.
func (s *MemoryStore) ListDocs() ([]domain.Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	docs := make([]domain.Document, 0, len(s.docs))
	for _, doc := range s.docs {
		docs = append(docs, doc)
	}
	sort.Slice(docs, func(i, j int) bool { return docs[i].ID < docs[j].ID })
	return docs, nil
}

func (s *MemoryStore) PutChunk(chunk domain.Chunk) error {
	if chunk.ID == "" || chunk.DocID == "" {
		return fmt.Errorf("%w: chunk needs an id and a document id", domain.ErrInvalidInput)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.chunks[chunk.ID]; !exists {
		s.docChunks[chunk.DocID] = append(s.docChunks[chunk.DocID], chunk.ID)
	}
	s.chunks[chunk.ID] = chunk
	return nil
}

func (s *MemoryStore) GetChunk(id string) (domain.Chunk, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	chunk, ok := s.chunks[id]
	if !ok {
		return domain.Chunk{}, fmt.Errorf("chunk %s: %w", id, domain.ErrNotFound)
	}
	return chunk, nil
}

func (s *MemoryStore) GetChunksByDoc(docID string) ([]domain.Chunk, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	chunkIDs := s.docChunks[docID]
	chunks := make([]domain.Chunk, 0, len(chunkIDs))
	for _, id := range chunkIDs {
		if chunk, ok := s.chunks[id]; ok {
			chunks = append(chunks, chunk)
		}
	}
	sort.Slice(chunks, func(i, j int) bool { return chunks[i].Ordinal < chunks[j].Ordinal })
	return chunks, nil
}

func (s *MemoryStore) DeleteChunksByDoc(docID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range s.docChunks[docID] {
		delete(s.chunks, id)
	}
	delete(s.docChunks, docID)
	return nil
}

func (s *MemoryStore) Close() error {
	return nil
}
