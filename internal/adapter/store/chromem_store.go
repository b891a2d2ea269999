package store

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/philippgille/chromem-go"
	"go.uber.org/zap"

	"docqa/internal/domain"
	"docqa/internal/logging"
	"docqa/internal/port"
)

const (
	collectionPrefix = "dim_"
	metaProvider     = "provider_id"
	metaCreatedAt    = "created_at"
)

// ChromemStore keeps one chromem collection per dimensionality, so a query
// can only ever be compared with vectors of its own length. chromem stores
// vectors normalized; Get returns the normalized form.
type ChromemStore struct {
	db      *chromem.DB
	logger  *zap.Logger
	keys    keyLocker
	allowed map[int]bool
	now     func() time.Time

	mu          sync.RWMutex
	collections map[int]*chromem.Collection
	dims        map[string]int
	lastWrite   map[int]time.Time

	gen atomic.Uint64
}

var _ port.VectorStore = (*ChromemStore)(nil)

// NewChromemStore opens a chromem database. An empty path keeps everything in
// memory; otherwise documents are persisted under path as they are written.
func NewChromemStore(path string, compress bool, logger *zap.Logger, opts ...IndexOption) (*ChromemStore, error) {
	var db *chromem.DB
	if path == "" {
		db = chromem.NewDB()
	} else {
		var err error
		db, err = chromem.NewPersistentDB(path, compress)
		if err != nil {
			return nil, fmt.Errorf("failed to open chromem db at %s: %w", path, err)
		}
	}

	// reuse the option set shared with Index
	cfg := NewIndex(opts...)
	s := &ChromemStore{
		db:          db,
		logger:      logging.OrNop(logger),
		allowed:     cfg.allowed,
		now:         cfg.now,
		collections: make(map[int]*chromem.Collection),
		dims:        make(map[string]int),
		lastWrite:   make(map[int]time.Time),
	}

	if err := s.rebuild(context.Background()); err != nil {
		return nil, err
	}
	return s, nil
}

func identityEmbedding(context.Context, string) ([]float32, error) {
	return nil, errors.New("chromem store only accepts precomputed vectors")
}

// rebuild restores the chunk to dimensionality map from collections loaded
// off disk.
func (s *ChromemStore) rebuild(ctx context.Context) error {
	for name := range s.db.ListCollections() {
		if !strings.HasPrefix(name, collectionPrefix) {
			continue
		}
		dim, err := strconv.Atoi(strings.TrimPrefix(name, collectionPrefix))
		if err != nil || dim <= 0 {
			s.logger.Warn("ignoring foreign chromem collection", zap.String("collection", name))
			continue
		}
		col, err := s.db.GetOrCreateCollection(name, nil, identityEmbedding)
		if err != nil {
			return fmt.Errorf("failed to open collection %s: %w", name, err)
		}
		s.collections[dim] = col

		n := col.Count()
		if n == 0 {
			continue
		}
		unit := make([]float32, dim)
		unit[0] = 1
		results, err := col.QueryEmbedding(ctx, unit, n, nil, nil)
		if err != nil {
			return fmt.Errorf("failed to scan collection %s: %w", name, err)
		}
		for _, r := range results {
			s.dims[r.ID] = dim
			s.noteWrite(dim, parseCreatedAt(r.Metadata))
		}
	}
	s.logger.Debug("loaded chromem collections", zap.Int("collections", len(s.collections)), zap.Int("records", len(s.dims)))
	return nil
}

func parseCreatedAt(meta map[string]string) time.Time {
	ns, err := strconv.ParseInt(meta[metaCreatedAt], 10, 64)
	if err != nil {
		return time.Time{}
	}
	return time.Unix(0, ns)
}

// noteWrite requires s.mu held for writing, or exclusive access.
func (s *ChromemStore) noteWrite(dim int, at time.Time) {
	if at.After(s.lastWrite[dim]) {
		s.lastWrite[dim] = at
	}
}

func (s *ChromemStore) collection(dim int) (*chromem.Collection, error) {
	s.mu.RLock()
	col, ok := s.collections[dim]
	s.mu.RUnlock()
	if ok {
		return col, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if col, ok := s.collections[dim]; ok {
		return col, nil
	}
	col, err := s.db.GetOrCreateCollection(collectionPrefix+strconv.Itoa(dim), nil, identityEmbedding)
	if err != nil {
		return nil, fmt.Errorf("failed to get/create collection for dimensionality %d: %w", dim, err)
	}
	s.collections[dim] = col
	return col, nil
}

func (s *ChromemStore) lockKey(chunkID string) func() {
	return s.keys.lock(chunkID)
}

func (s *ChromemStore) Upsert(ctx context.Context, rec domain.EmbeddingRecord) error {
	if rec.ChunkID == "" {
		return fmt.Errorf("%w: empty chunk id", domain.ErrInvalidInput)
	}
	if rec.Dimensionality <= 0 {
		return fmt.Errorf("%w: dimensionality %d", domain.ErrInvalidInput, rec.Dimensionality)
	}
	if len(rec.Vector) != rec.Dimensionality {
		return fmt.Errorf("%w: chunk %s declares %d, vector has %d", domain.ErrDimensionMismatch, rec.ChunkID, rec.Dimensionality, len(rec.Vector))
	}
	if s.allowed != nil && !s.allowed[rec.Dimensionality] {
		return fmt.Errorf("%w: %d", domain.ErrUnknownDimension, rec.Dimensionality)
	}
	if isZero(rec.Vector) {
		return fmt.Errorf("%w: chunk %s has a zero vector", domain.ErrInvalidInput, rec.ChunkID)
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = s.now()
	}

	unlock := s.lockKey(rec.ChunkID)
	defer unlock()

	col, err := s.collection(rec.Dimensionality)
	if err != nil {
		return err
	}

	doc := chromem.Document{
		ID: rec.ChunkID,
		Metadata: map[string]string{
			metaProvider:  rec.ProviderID,
			metaCreatedAt: strconv.FormatInt(rec.CreatedAt.UnixNano(), 10),
		},
		Embedding: append([]float32(nil), rec.Vector...),
	}
	if err := col.AddDocument(ctx, doc); err != nil {
		return fmt.Errorf("failed to upsert embedding %s: %w", rec.ChunkID, err)
	}

	s.mu.RLock()
	prevDim, hadPrev := s.dims[rec.ChunkID]
	s.mu.RUnlock()
	if hadPrev && prevDim != rec.Dimensionality {
		if err := s.deleteFrom(ctx, prevDim, rec.ChunkID); err != nil {
			return err
		}
	}

	s.mu.Lock()
	s.dims[rec.ChunkID] = rec.Dimensionality
	s.noteWrite(rec.Dimensionality, rec.CreatedAt)
	s.mu.Unlock()

	s.gen.Add(1)
	return nil
}

func (s *ChromemStore) deleteFrom(ctx context.Context, dim int, chunkID string) error {
	col, err := s.collection(dim)
	if err != nil {
		return err
	}
	if err := col.Delete(ctx, nil, nil, chunkID); err != nil {
		return fmt.Errorf("failed to delete embedding %s: %w", chunkID, err)
	}
	return nil
}

func (s *ChromemStore) Query(ctx context.Context, vector []float32, dimensionality, topK int) ([]domain.VectorCandidate, error) {
	if topK <= 0 {
		return nil, fmt.Errorf("%w: top_k must be positive", domain.ErrInvalidInput)
	}
	if len(vector) != dimensionality {
		return nil, fmt.Errorf("%w: query declares %d, vector has %d", domain.ErrDimensionMismatch, dimensionality, len(vector))
	}

	s.mu.RLock()
	col, ok := s.collections[dimensionality]
	s.mu.RUnlock()
	n := 0
	if ok {
		n = col.Count()
	}
	if n == 0 {
		return nil, &domain.NoCompatibleRecordsError{
			Dimensionality: dimensionality,
			Available:      s.profile().Dimensions(),
		}
	}
	if isZero(vector) {
		return nil, fmt.Errorf("%w: zero query vector", domain.ErrInvalidInput)
	}

	if topK > n {
		topK = n
	}
	results, err := col.QueryEmbedding(ctx, append([]float32(nil), vector...), topK, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("chromem query failed: %w", err)
	}

	out := make([]domain.VectorCandidate, 0, len(results))
	for _, r := range results {
		out = append(out, domain.VectorCandidate{
			ChunkID:    r.ID,
			ProviderID: r.Metadata[metaProvider],
			Similarity: float64(r.Similarity),
		})
	}
	sortCandidates(out)
	return out, nil
}

func (s *ChromemStore) Get(ctx context.Context, chunkID string) (domain.EmbeddingRecord, bool, error) {
	s.mu.RLock()
	dim, ok := s.dims[chunkID]
	col := s.collections[dim]
	s.mu.RUnlock()
	if !ok || col == nil {
		return domain.EmbeddingRecord{}, false, nil
	}

	doc, err := col.GetByID(ctx, chunkID)
	if err != nil {
		return domain.EmbeddingRecord{}, false, fmt.Errorf("failed to read embedding %s: %w", chunkID, err)
	}
	return domain.EmbeddingRecord{
		ChunkID:        chunkID,
		ProviderID:     doc.Metadata[metaProvider],
		Dimensionality: dim,
		Vector:         append([]float32(nil), doc.Embedding...),
		CreatedAt:      parseCreatedAt(doc.Metadata),
	}, true, nil
}

func (s *ChromemStore) Delete(ctx context.Context, chunkID string) error {
	unlock := s.lockKey(chunkID)
	defer unlock()

	s.mu.RLock()
	dim, ok := s.dims[chunkID]
	s.mu.RUnlock()
	if !ok {
		return nil
	}
	if err := s.deleteFrom(ctx, dim, chunkID); err != nil {
		return err
	}

	s.mu.Lock()
	delete(s.dims, chunkID)
	s.mu.Unlock()

	s.gen.Add(1)
	return nil
}

func (s *ChromemStore) DimensionProfile(_ context.Context) (domain.DimensionProfile, error) {
	return s.profile(), nil
}

func (s *ChromemStore) profile() domain.DimensionProfile {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p := domain.NewDimensionProfile()
	for dim, col := range s.collections {
		if n := col.Count(); n > 0 {
			p.Counts[dim] = n
			p.LastWrite[dim] = s.lastWrite[dim]
		}
	}
	p.ComputedAt = s.now()
	return p
}

func (s *ChromemStore) Generation() uint64 {
	return s.gen.Load()
}

// Close is a no-op: persistent chromem databases write through on every change.
func (s *ChromemStore) Close() error {
	return nil
}

func isZero(v []float32) bool {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	return sum == 0 || math.IsNaN(sum)
}
