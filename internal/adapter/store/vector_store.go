package store

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"maps"
	"time"

	"go.etcd.io/bbolt"
	"go.uber.org/zap"

	"docqa/internal/domain"
	"docqa/internal/logging"
	"docqa/internal/port"
)

var (
	bucketEmbeddings = []byte("embeddings")
	// bucketDims holds one nested bucket per dimensionality listing its chunk ids.
	bucketDims = []byte("dims")
)

// BoltVectorStore persists embedding records in bbolt and serves queries
// from an in-memory Index loaded at startup. Search is brute force over the
// records of the query's dimensionality.
type BoltVectorStore struct {
	db     *bbolt.DB
	index  *Index
	logger *zap.Logger
}

var _ port.VectorStore = (*BoltVectorStore)(nil)

type storedRecord struct {
	Provider  string    `json:"p"`
	Dim       int       `json:"d"`
	Vector    []float32 `json:"v"`
	CreatedAt int64     `json:"t"`
}

// NewBoltVectorStore creates a vector store on an already open database,
// typically BoltStore.DB().
func NewBoltVectorStore(db *bbolt.DB, logger *zap.Logger, opts ...IndexOption) (*BoltVectorStore, error) {
	err := db.Update(func(tx *bbolt.Tx) error {
		for _, b := range [][]byte{bucketEmbeddings, bucketDims} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create embedding buckets: %w", err)
	}

	store := &BoltVectorStore{
		db:     db,
		index:  NewIndex(opts...),
		logger: logging.OrNop(logger),
	}

	if err := store.loadRecords(); err != nil {
		return nil, fmt.Errorf("failed to load embeddings: %w", err)
	}
	if err := store.reconcileDims(); err != nil {
		return nil, fmt.Errorf("failed to check dimension index: %w", err)
	}

	return store, nil
}

func (s *BoltVectorStore) loadRecords() error {
	skipped := 0
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketEmbeddings).ForEach(func(k, v []byte) error {
			rec, err := decodeRecord(string(k), v)
			if err == nil {
				err = validateShape(rec)
			}
			if err != nil {
				skipped++
				s.logger.Warn("skipping unreadable embedding record", zap.String("chunk_id", string(k)), zap.Error(err))
				return nil
			}
			s.index.put(rec)
			return nil
		})
	})
	if err != nil {
		return err
	}
	s.logger.Debug("loaded embedding records", zap.Int("records", s.index.Len()), zap.Int("skipped", skipped))
	return nil
}

// reconcileDims compares the on-disk dims index with the loaded records and
// rebuilds it from them when the two disagree.
func (s *BoltVectorStore) reconcileDims() error {
	persisted, err := s.PersistedProfile()
	if err != nil {
		return err
	}
	loaded := s.index.profile().Counts
	if maps.Equal(persisted, loaded) {
		return nil
	}

	s.logger.Warn("dimension index disagrees with stored embeddings, rebuilding",
		zap.Any("persisted", persisted), zap.Any("loaded", loaded))
	return s.db.Update(func(tx *bbolt.Tx) error {
		if err := tx.DeleteBucket(bucketDims); err != nil {
			return err
		}
		dims, err := tx.CreateBucket(bucketDims)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketEmbeddings).ForEach(func(k, _ []byte) error {
			rec, ok := s.index.lookup(string(k))
			if !ok {
				return nil
			}
			b, err := dims.CreateBucketIfNotExists(dimKey(rec.Dimensionality))
			if err != nil {
				return err
			}
			return b.Put(k, []byte{})
		})
	})
}

func decodeRecord(chunkID string, data []byte) (domain.EmbeddingRecord, error) {
	var stored storedRecord
	if err := json.Unmarshal(data, &stored); err != nil {
		return domain.EmbeddingRecord{}, err
	}
	return domain.EmbeddingRecord{
		ChunkID:        chunkID,
		ProviderID:     stored.Provider,
		Dimensionality: stored.Dim,
		Vector:         stored.Vector,
		CreatedAt:      time.Unix(0, stored.CreatedAt),
	}, nil
}

func encodeRecord(rec domain.EmbeddingRecord) ([]byte, error) {
	return json.Marshal(storedRecord{
		Provider:  rec.ProviderID,
		Dim:       rec.Dimensionality,
		Vector:    rec.Vector,
		CreatedAt: rec.CreatedAt.UnixNano(),
	})
}

func dimKey(dim int) []byte {
	key := make([]byte, 4)
	binary.BigEndian.PutUint32(key, uint32(dim))
	return key
}

// Upsert writes the record to disk, then publishes it in memory. Concurrent
// writers of different chunks share bbolt batches.
func (s *BoltVectorStore) Upsert(ctx context.Context, rec domain.EmbeddingRecord) error {
	if err := s.index.validate(rec); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	unlock := s.index.lockKey(rec.ChunkID)
	defer unlock()

	rec = s.index.stamp(rec)
	prev, hadPrev := s.index.lookup(rec.ChunkID)

	data, err := encodeRecord(rec)
	if err != nil {
		return err
	}

	err = s.db.Batch(func(tx *bbolt.Tx) error {
		if err := tx.Bucket(bucketEmbeddings).Put([]byte(rec.ChunkID), data); err != nil {
			return err
		}
		dims := tx.Bucket(bucketDims)
		if hadPrev && prev.Dimensionality != rec.Dimensionality {
			if old := dims.Bucket(dimKey(prev.Dimensionality)); old != nil {
				if err := old.Delete([]byte(rec.ChunkID)); err != nil {
					return err
				}
			}
		}
		b, err := dims.CreateBucketIfNotExists(dimKey(rec.Dimensionality))
		if err != nil {
			return err
		}
		return b.Put([]byte(rec.ChunkID), []byte{})
	})
	if err != nil {
		return fmt.Errorf("persist embedding %s: %w", rec.ChunkID, err)
	}

	s.index.put(rec)
	return nil
}

func (s *BoltVectorStore) Query(ctx context.Context, vector []float32, dimensionality, topK int) ([]domain.VectorCandidate, error) {
	return s.index.Query(ctx, vector, dimensionality, topK)
}

func (s *BoltVectorStore) Get(ctx context.Context, chunkID string) (domain.EmbeddingRecord, bool, error) {
	return s.index.Get(ctx, chunkID)
}

func (s *BoltVectorStore) Delete(_ context.Context, chunkID string) error {
	unlock := s.index.lockKey(chunkID)
	defer unlock()

	prev, ok := s.index.lookup(chunkID)
	if !ok {
		return nil
	}

	err := s.db.Batch(func(tx *bbolt.Tx) error {
		if err := tx.Bucket(bucketEmbeddings).Delete([]byte(chunkID)); err != nil {
			return err
		}
		if b := tx.Bucket(bucketDims).Bucket(dimKey(prev.Dimensionality)); b != nil {
			return b.Delete([]byte(chunkID))
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("delete embedding %s: %w", chunkID, err)
	}

	s.index.remove(chunkID)
	return nil
}

func (s *BoltVectorStore) DimensionProfile(ctx context.Context) (domain.DimensionProfile, error) {
	return s.index.DimensionProfile(ctx)
}

// PersistedProfile counts records per dimensionality straight from the dims
// index on disk, without touching the vectors.
func (s *BoltVectorStore) PersistedProfile() (map[int]int, error) {
	counts := make(map[int]int)
	err := s.db.View(func(tx *bbolt.Tx) error {
		dims := tx.Bucket(bucketDims)
		return dims.ForEach(func(k, v []byte) error {
			if v != nil || len(k) != 4 {
				return nil
			}
			n := dims.Bucket(k).Stats().KeyN
			if n > 0 {
				counts[int(binary.BigEndian.Uint32(k))] = n
			}
			return nil
		})
	})
	return counts, err
}

func (s *BoltVectorStore) Generation() uint64 {
	return s.index.Generation()
}

// Close is a no-op; the database belongs to the BoltStore that opened it.
func (s *BoltVectorStore) Close() error {
	return nil
}
