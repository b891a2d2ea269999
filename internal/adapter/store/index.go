package store

import (
	"context"
	"fmt"
	"hash/fnv"
	"math"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"docqa/internal/domain"
	"docqa/internal/port"
)

const shardCount = 32

// Index is an in-memory, dimension-aware vector index. Records live in
// chunk-id shards; each published entry is immutable, so queries copy entry
// pointers under a shard read lock and score them without holding any lock.
// Writers to the same chunk id are serialized by per-id key locks.
type Index struct {
	shards  [shardCount]indexShard
	keys    keyLocker
	allowed map[int]bool

	statsMu   sync.Mutex
	counts    map[int]int
	lastWrite map[int]time.Time

	gen atomic.Uint64
	now func() time.Time
}

type indexShard struct {
	mu      sync.RWMutex
	entries map[string]*entry
}

type entry struct {
	rec domain.EmbeddingRecord
}

var _ port.VectorStore = (*Index)(nil)

type IndexOption func(*Index)

// WithAllowedDimensions rejects upserts whose dimensionality is not listed.
func WithAllowedDimensions(dims ...int) IndexOption {
	return func(idx *Index) {
		if len(dims) == 0 {
			return
		}
		idx.allowed = make(map[int]bool, len(dims))
		for _, d := range dims {
			idx.allowed[d] = true
		}
	}
}

// WithClock overrides the time source used for record timestamps.
func WithClock(now func() time.Time) IndexOption {
	return func(idx *Index) {
		idx.now = now
	}
}

// NewIndex returns an empty index. On its own it is the "memory" backend.
func NewIndex(opts ...IndexOption) *Index {
	idx := &Index{
		counts:    make(map[int]int),
		lastWrite: make(map[int]time.Time),
		now:       time.Now,
	}
	for i := range idx.shards {
		idx.shards[i].entries = make(map[string]*entry)
	}
	for _, opt := range opts {
		opt(idx)
	}
	return idx
}

func shardOf(chunkID string) int {
	h := fnv.New32a()
	h.Write([]byte(chunkID))
	return int(h.Sum32() % shardCount)
}

// validate checks the record invariants before anything is written.
func (idx *Index) validate(rec domain.EmbeddingRecord) error {
	if err := validateShape(rec); err != nil {
		return err
	}
	if idx.allowed != nil && !idx.allowed[rec.Dimensionality] {
		return fmt.Errorf("%w: %d", domain.ErrUnknownDimension, rec.Dimensionality)
	}
	return nil
}

// validateShape checks a record without regard to the declared
// dimensionalities. Records written for a provider that has since been
// removed still load and still count in the profile.
func validateShape(rec domain.EmbeddingRecord) error {
	if rec.ChunkID == "" {
		return fmt.Errorf("%w: empty chunk id", domain.ErrInvalidInput)
	}
	if rec.Dimensionality <= 0 {
		return fmt.Errorf("%w: dimensionality %d", domain.ErrInvalidInput, rec.Dimensionality)
	}
	if len(rec.Vector) != rec.Dimensionality {
		return fmt.Errorf("%w: chunk %s declares %d, vector has %d", domain.ErrDimensionMismatch, rec.ChunkID, rec.Dimensionality, len(rec.Vector))
	}
	return nil
}

func (idx *Index) lockKey(chunkID string) func() {
	return idx.keys.lock(chunkID)
}

// stamp fills CreatedAt and detaches the vector from the caller's slice.
func (idx *Index) stamp(rec domain.EmbeddingRecord) domain.EmbeddingRecord {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = idx.now()
	}
	vec := make([]float32, len(rec.Vector))
	copy(vec, rec.Vector)
	rec.Vector = vec
	return rec
}

// put publishes rec and returns the record it replaced, if any. Callers hold
// the key lock for rec.ChunkID.
func (idx *Index) put(rec domain.EmbeddingRecord) (domain.EmbeddingRecord, bool) {
	sh := &idx.shards[shardOf(rec.ChunkID)]
	sh.mu.Lock()
	old, existed := sh.entries[rec.ChunkID]
	sh.entries[rec.ChunkID] = &entry{rec: rec}
	sh.mu.Unlock()

	idx.statsMu.Lock()
	if existed {
		idx.counts[old.rec.Dimensionality]--
		if idx.counts[old.rec.Dimensionality] <= 0 {
			delete(idx.counts, old.rec.Dimensionality)
			delete(idx.lastWrite, old.rec.Dimensionality)
		}
	}
	idx.counts[rec.Dimensionality]++
	if rec.CreatedAt.After(idx.lastWrite[rec.Dimensionality]) {
		idx.lastWrite[rec.Dimensionality] = rec.CreatedAt
	}
	idx.statsMu.Unlock()

	idx.gen.Add(1)
	if existed {
		return old.rec, true
	}
	return domain.EmbeddingRecord{}, false
}

func (idx *Index) remove(chunkID string) (domain.EmbeddingRecord, bool) {
	sh := &idx.shards[shardOf(chunkID)]
	sh.mu.Lock()
	old, existed := sh.entries[chunkID]
	delete(sh.entries, chunkID)
	sh.mu.Unlock()

	if !existed {
		return domain.EmbeddingRecord{}, false
	}

	idx.statsMu.Lock()
	idx.counts[old.rec.Dimensionality]--
	if idx.counts[old.rec.Dimensionality] <= 0 {
		delete(idx.counts, old.rec.Dimensionality)
		delete(idx.lastWrite, old.rec.Dimensionality)
	}
	idx.statsMu.Unlock()

	idx.gen.Add(1)
	return old.rec, true
}

func (idx *Index) lookup(chunkID string) (domain.EmbeddingRecord, bool) {
	sh := &idx.shards[shardOf(chunkID)]
	sh.mu.RLock()
	e, ok := sh.entries[chunkID]
	sh.mu.RUnlock()
	if !ok {
		return domain.EmbeddingRecord{}, false
	}
	return e.rec, true
}

// Upsert replaces any record for rec.ChunkID.
func (idx *Index) Upsert(ctx context.Context, rec domain.EmbeddingRecord) error {
	if err := idx.validate(rec); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	unlock := idx.lockKey(rec.ChunkID)
	defer unlock()
	idx.put(idx.stamp(rec))
	return nil
}

// Query scores every record of exactly the given dimensionality by cosine
// similarity and returns the topK best.
func (idx *Index) Query(ctx context.Context, vector []float32, dimensionality, topK int) ([]domain.VectorCandidate, error) {
	if topK <= 0 {
		return nil, fmt.Errorf("%w: top_k must be positive", domain.ErrInvalidInput)
	}
	if len(vector) != dimensionality {
		return nil, fmt.Errorf("%w: query declares %d, vector has %d", domain.ErrDimensionMismatch, dimensionality, len(vector))
	}

	var snapshot []*entry
	for i := range idx.shards {
		sh := &idx.shards[i]
		sh.mu.RLock()
		for _, e := range sh.entries {
			if e.rec.Dimensionality == dimensionality {
				snapshot = append(snapshot, e)
			}
		}
		sh.mu.RUnlock()
	}

	if len(snapshot) == 0 {
		return nil, &domain.NoCompatibleRecordsError{
			Dimensionality: dimensionality,
			Available:      idx.profile().Dimensions(),
		}
	}

	scored := make([]domain.VectorCandidate, 0, len(snapshot))
	for i, e := range snapshot {
		if i%1024 == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}
		scored = append(scored, domain.VectorCandidate{
			ChunkID:    e.rec.ChunkID,
			ProviderID: e.rec.ProviderID,
			Similarity: cosineSimilarity(vector, e.rec.Vector),
		})
	}

	sortCandidates(scored)
	if topK < len(scored) {
		scored = scored[:topK]
	}
	return scored, nil
}

func (idx *Index) Get(_ context.Context, chunkID string) (domain.EmbeddingRecord, bool, error) {
	rec, ok := idx.lookup(chunkID)
	if ok {
		rec.Vector = append([]float32(nil), rec.Vector...)
	}
	return rec, ok, nil
}

// Delete removes the record for chunkID. Deleting a missing record is a no-op.
func (idx *Index) Delete(_ context.Context, chunkID string) error {
	unlock := idx.lockKey(chunkID)
	defer unlock()
	idx.remove(chunkID)
	return nil
}

func (idx *Index) DimensionProfile(_ context.Context) (domain.DimensionProfile, error) {
	return idx.profile(), nil
}

func (idx *Index) profile() domain.DimensionProfile {
	idx.statsMu.Lock()
	defer idx.statsMu.Unlock()
	p := domain.DimensionProfile{
		Counts:     idx.counts,
		LastWrite:  idx.lastWrite,
		ComputedAt: idx.now(),
	}
	return p.Clone()
}

func (idx *Index) Generation() uint64 {
	return idx.gen.Load()
}

// Len returns the number of records across all dimensionalities.
func (idx *Index) Len() int {
	return idx.profile().Total()
}

func (idx *Index) Close() error {
	return nil
}

func sortCandidates(c []domain.VectorCandidate) {
	sort.Slice(c, func(i, j int) bool {
		if c[i].Similarity != c[j].Similarity {
			return c[i].Similarity > c[j].Similarity
		}
		return c[i].ChunkID < c[j].ChunkID
	})
}

// cosineSimilarity requires len(a) == len(b); callers check dimensionality first.
func cosineSimilarity(a, b []float32) float64 {
	var dotProduct, normA, normB float64
	for i := range a {
		dotProduct += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}

	if normA == 0 || normB == 0 {
		return 0
	}

	return dotProduct / (math.Sqrt(normA) * math.Sqrt(normB))
}
