package store

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"go.etcd.io/bbolt"

	"docqa/internal/domain"
	"docqa/internal/port"
)

var (
	bucketDocs      = []byte("docs")
	bucketChunks    = []byte("chunks")
	bucketBlobs     = []byte("blobs")
	bucketStats     = []byte("stats")
	bucketDocChunks = []byte("doc_chunks")
)

// BoltStore is the bbolt-backed DocumentStore. It owns the database file;
// BoltVectorStore shares it through DB().
type BoltStore struct {
	db *bbolt.DB
}

var _ port.DocumentStore = (*BoltStore)(nil)

func NewBoltStore(path string) (*BoltStore, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open bolt db: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		buckets := [][]byte{bucketDocs, bucketChunks, bucketBlobs, bucketStats, bucketDocChunks}
		for _, b := range buckets {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", b, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db}, nil
}

func (s *BoltStore) DB() *bbolt.DB {
	return s.db
}

type docMeta struct {
	Filename   string `json:"filename"`
	Status     string `json:"status"`
	ChunkCount int    `json:"chunk_count"`
	CreatedAt  int64  `json:"created_at"`
	UpdatedAt  int64  `json:"updated_at"`
}

type chunkMeta struct {
	DocID      string `json:"doc_id"`
	Ordinal    int    `json:"ordinal"`
	Start      int    `json:"start"`
	End        int    `json:"end"`
	TokenCount int    `json:"token_count"`
}

func (s *BoltStore) PutDoc(doc domain.Document) error {
	if doc.ID == "" {
		return fmt.Errorf("%w: empty document id", domain.ErrInvalidInput)
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		meta := docMeta{
			Filename:   doc.Filename,
			Status:     string(doc.Status),
			ChunkCount: doc.ChunkCount,
			CreatedAt:  doc.CreatedAt.UnixNano(),
			UpdatedAt:  doc.UpdatedAt.UnixNano(),
		}
		data, err := json.Marshal(meta)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketDocs).Put([]byte(doc.ID), data)
	})
}

func decodeDoc(id string, data []byte) (domain.Document, error) {
	var meta docMeta
	if err := json.Unmarshal(data, &meta); err != nil {
		return domain.Document{}, err
	}
	return domain.Document{
		ID:         id,
		Filename:   meta.Filename,
		Status:     domain.DocumentStatus(meta.Status),
		ChunkCount: meta.ChunkCount,
		CreatedAt:  time.Unix(0, meta.CreatedAt),
		UpdatedAt:  time.Unix(0, meta.UpdatedAt),
	}, nil
}

func (s *BoltStore) GetDoc(id string) (domain.Document, error) {
	var doc domain.Document
	err := s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(bucketDocs).Get([]byte(id))
		if data == nil {
			return fmt.Errorf("document %s: %w", id, domain.ErrNotFound)
		}
		var err error
		doc, err = decodeDoc(id, data)
		return err
	})
	return doc, err
}

func (s *BoltStore) DeleteDoc(id string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketDocs).Delete([]byte(id))
	})
}

// ListDocs returns documents in id order.
func (s *BoltStore) ListDocs() ([]domain.Document, error) {
	var docs []domain.Document
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketDocs).ForEach(func(k, v []byte) error {
			doc, err := decodeDoc(string(k), v)
			if err != nil {
				return fmt.Errorf("document %s: %w", k, err)
			}
			docs = append(docs, doc)
			return nil
		})
	})
	return docs, err
}

// PutChunk stores the chunk and registers it under its document. Storing the
// same chunk id twice overwrites it.
func (s *BoltStore) PutChunk(chunk domain.Chunk) error {
	if chunk.ID == "" || chunk.DocID == "" {
		return fmt.Errorf("%w: chunk needs an id and a document id", domain.ErrInvalidInput)
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		meta := chunkMeta{
			DocID:      chunk.DocID,
			Ordinal:    chunk.Ordinal,
			Start:      chunk.Span.Start,
			End:        chunk.Span.End,
			TokenCount: chunk.TokenCount,
		}
		data, err := json.Marshal(meta)
		if err != nil {
			return err
		}
		if err := tx.Bucket(bucketChunks).Put([]byte(chunk.ID), data); err != nil {
			return err
		}

		if err := tx.Bucket(bucketBlobs).Put([]byte(chunk.ID), []byte(chunk.Text)); err != nil {
			return err
		}

		docChunks := tx.Bucket(bucketDocChunks)
		var chunkIDs []string
		if existing := docChunks.Get([]byte(chunk.DocID)); existing != nil {
			if err := json.Unmarshal(existing, &chunkIDs); err != nil {
				return err
			}
		}
		for _, id := range chunkIDs {
			if id == chunk.ID {
				return nil
			}
		}
		chunkIDs = append(chunkIDs, chunk.ID)
		chunkIDsData, err := json.Marshal(chunkIDs)
		if err != nil {
			return err
		}
		return docChunks.Put([]byte(chunk.DocID), chunkIDsData)
	})
}

func readChunk(tx *bbolt.Tx, id string) (domain.Chunk, bool, error) {
	data := tx.Bucket(bucketChunks).Get([]byte(id))
	if data == nil {
		return domain.Chunk{}, false, nil
	}
	var meta chunkMeta
	if err := json.Unmarshal(data, &meta); err != nil {
		return domain.Chunk{}, false, fmt.Errorf("chunk %s: %w", id, err)
	}
	text := tx.Bucket(bucketBlobs).Get([]byte(id))
	return domain.Chunk{
		ID:         id,
		DocID:      meta.DocID,
		Ordinal:    meta.Ordinal,
		Text:       string(text),
		Span:       domain.CharSpan{Start: meta.Start, End: meta.End},
		TokenCount: meta.TokenCount,
	}, true, nil
}

func (s *BoltStore) GetChunk(id string) (domain.Chunk, error) {
	var chunk domain.Chunk
	err := s.db.View(func(tx *bbolt.Tx) error {
		c, ok, err := readChunk(tx, id)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("chunk %s: %w", id, domain.ErrNotFound)
		}
		chunk = c
		return nil
	})
	return chunk, err
}

func (s *BoltStore) GetChunksByDoc(docID string) ([]domain.Chunk, error) {
	var chunks []domain.Chunk
	err := s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(bucketDocChunks).Get([]byte(docID))
		if data == nil {
			return nil
		}
		var chunkIDs []string
		if err := json.Unmarshal(data, &chunkIDs); err != nil {
			return err
		}
		for _, id := range chunkIDs {
			c, ok, err := readChunk(tx, id)
			if err != nil {
				return err
			}
			if ok {
				chunks = append(chunks, c)
			}
		}
		return nil
	})
	sort.Slice(chunks, func(i, j int) bool { return chunks[i].Ordinal < chunks[j].Ordinal })
	return chunks, err
}

func (s *BoltStore) DeleteChunksByDoc(docID string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		docChunks := tx.Bucket(bucketDocChunks)
		data := docChunks.Get([]byte(docID))
		if data == nil {
			return nil
		}
		var chunkIDs []string
		if err := json.Unmarshal(data, &chunkIDs); err != nil {
			return err
		}
		chunkBucket := tx.Bucket(bucketChunks)
		blobBucket := tx.Bucket(bucketBlobs)
		for _, id := range chunkIDs {
			if err := chunkBucket.Delete([]byte(id)); err != nil {
				return err
			}
			if err := blobBucket.Delete([]byte(id)); err != nil {
				return err
			}
		}
		return docChunks.Delete([]byte(docID))
	})
}

func (s *BoltStore) Close() error {
	return s.db.Close()
}
