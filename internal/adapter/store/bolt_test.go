package store

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.etcd.io/bbolt"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"docqa/config"
	"docqa/internal/domain"
)

func openBolt(t *testing.T, path string) *BoltStore {
	t.Helper()
	s, err := NewBoltStore(path)
	require.NoError(t, err)
	return s
}

func TestBoltStore_Documents(t *testing.T) {
	s := openBolt(t, filepath.Join(t.TempDir(), "index.db"))
	defer s.Close()

	created := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	doc := domain.Document{
		ID:         "doc-1",
		Filename:   "policy.txt",
		Status:     domain.StatusPending,
		ChunkCount: 3,
		CreatedAt:  created,
		UpdatedAt:  created,
	}
	require.NoError(t, s.PutDoc(doc))

	got, err := s.GetDoc("doc-1")
	require.NoError(t, err)
	assert.Equal(t, "policy.txt", got.Filename)
	assert.Equal(t, domain.StatusPending, got.Status)
	assert.Equal(t, 3, got.ChunkCount)
	assert.True(t, created.Equal(got.CreatedAt))

	docs, err := s.ListDocs()
	require.NoError(t, err)
	assert.Len(t, docs, 1)

	require.NoError(t, s.DeleteDoc("doc-1"))
	_, err = s.GetDoc("doc-1")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestBoltStore_ChunksOrderedAndDeduplicated(t *testing.T) {
	s := openBolt(t, filepath.Join(t.TempDir(), "index.db"))
	defer s.Close()

	for _, ord := range []int{2, 0, 1} {
		require.NoError(t, s.PutChunk(domain.Chunk{
			ID:      "c" + string(rune('0'+ord)),
			DocID:   "doc",
			Ordinal: ord,
			Text:    "text",
			Span:    domain.CharSpan{Start: ord * 10, End: ord*10 + 4},
		}))
	}
	require.NoError(t, s.PutChunk(domain.Chunk{ID: "c1", DocID: "doc", Ordinal: 1, Text: "rewritten", Span: domain.CharSpan{Start: 10, End: 19}}))

	chunks, err := s.GetChunksByDoc("doc")
	require.NoError(t, err)
	require.Len(t, chunks, 3)
	for i, c := range chunks {
		assert.Equal(t, i, c.Ordinal)
	}
	assert.Equal(t, "rewritten", chunks[1].Text)
	assert.Equal(t, domain.CharSpan{Start: 10, End: 19}, chunks[1].Span)

	require.NoError(t, s.DeleteChunksByDoc("doc"))
	_, err = s.GetChunk("c0")
	assert.ErrorIs(t, err, domain.ErrNotFound)
	chunks, err = s.GetChunksByDoc("doc")
	require.NoError(t, err)
	assert.Empty(t, chunks)
}

func TestBoltVectorStore_SurvivesReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "index.db")

	s := openBolt(t, path)
	vs, err := NewBoltVectorStore(s.DB(), nil)
	require.NoError(t, err)

	require.NoError(t, vs.Upsert(ctx, rec("a", "local", 1, 0, 0)))
	require.NoError(t, vs.Upsert(ctx, rec("b", "local", 0, 1, 0)))
	require.NoError(t, vs.Upsert(ctx, rec("c", "openai", 1, 0)))
	require.NoError(t, vs.Upsert(ctx, rec("b", "openai", 0, 1)))
	require.NoError(t, vs.Delete(ctx, "a"))
	require.NoError(t, s.Close())

	s = openBolt(t, path)
	defer s.Close()
	vs, err = NewBoltVectorStore(s.DB(), nil)
	require.NoError(t, err)

	profile, err := vs.DimensionProfile(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[int]int{2: 2}, profile.Counts)

	persisted, err := vs.PersistedProfile()
	require.NoError(t, err)
	assert.Equal(t, map[int]int{2: 2}, persisted)

	got, ok, err := vs.Get(ctx, "b")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "openai", got.ProviderID)
	assert.Equal(t, []float32{0, 1}, got.Vector)

	_, err = vs.Query(ctx, []float32{1, 0, 0}, 3, 5)
	assert.ErrorIs(t, err, domain.ErrNoCompatibleRecords)
}

func TestBoltVectorStore_SkipsCorruptRecords(t *testing.T) {
	s := openBolt(t, filepath.Join(t.TempDir(), "index.db"))
	defer s.Close()

	_, err := NewBoltVectorStore(s.DB(), nil)
	require.NoError(t, err)
	require.NoError(t, s.DB().Update(func(tx *bbolt.Tx) error {
		if err := tx.Bucket(bucketEmbeddings).Put([]byte("junk"), []byte("{not json")); err != nil {
			return err
		}
		data, _ := json.Marshal(storedRecord{Provider: "p", Dim: 3, Vector: []float32{1, 2}})
		return tx.Bucket(bucketEmbeddings).Put([]byte("short"), data)
	}))

	core, logs := observer.New(zap.WarnLevel)
	vs, err := NewBoltVectorStore(s.DB(), zap.New(core))
	require.NoError(t, err)
	assert.Equal(t, 0, vs.index.Len())
	assert.Equal(t, 2, logs.FilterMessage("skipping unreadable embedding record").Len())
}

func TestBoltVectorStore_RebuildsDriftedDimsIndex(t *testing.T) {
	ctx := context.Background()
	s := openBolt(t, filepath.Join(t.TempDir(), "index.db"))
	defer s.Close()

	vs, err := NewBoltVectorStore(s.DB(), nil)
	require.NoError(t, err)
	require.NoError(t, vs.Upsert(ctx, rec("a", "local", 1, 0)))
	require.NoError(t, vs.Upsert(ctx, rec("b", "local", 0, 1)))

	require.NoError(t, s.DB().Update(func(tx *bbolt.Tx) error {
		dims := tx.Bucket(bucketDims)
		if err := dims.Bucket(dimKey(2)).Delete([]byte("b")); err != nil {
			return err
		}
		ghost, err := dims.CreateBucketIfNotExists(dimKey(3))
		if err != nil {
			return err
		}
		return ghost.Put([]byte("gone"), []byte{})
	}))

	core, logs := observer.New(zap.WarnLevel)
	vs, err = NewBoltVectorStore(s.DB(), zap.New(core))
	require.NoError(t, err)
	assert.Equal(t, 1, logs.FilterMessageSnippet("dimension index disagrees").Len())

	persisted, err := vs.PersistedProfile()
	require.NoError(t, err)
	assert.Equal(t, map[int]int{2: 2}, persisted)

	logs.TakeAll()
	_, err = NewBoltVectorStore(s.DB(), zap.New(core))
	require.NoError(t, err)
	assert.Zero(t, logs.Len())
}

func TestMigrate_LegacyVectors(t *testing.T) {
	ctx := context.Background()
	s := openBolt(t, filepath.Join(t.TempDir(), "index.db"))
	defer s.Close()

	require.NoError(t, s.DB().Update(func(tx *bbolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists(bucketVectors)
		if err != nil {
			return err
		}
		for id, v := range map[string][]float32{"x": {1, 0, 0, 0}, "y": {0, 1, 0, 0}} {
			data, _ := json.Marshal(legacyVector{Vector: v})
			if err := b.Put([]byte(id), data); err != nil {
				return err
			}
		}
		return nil
	}))
	require.NoError(t, s.SetSchemaInfo(&SchemaInfo{Version: 2}))

	cfg := config.DefaultConfig()
	check, err := s.CheckMigration(cfg)
	require.NoError(t, err)
	assert.True(t, check.NeedsMigration)
	assert.False(t, check.NeedsRebuild)

	require.NoError(t, s.Migrate(cfg))

	info, err := s.GetSchemaInfo()
	require.NoError(t, err)
	assert.Equal(t, CurrentSchemaVersion, info.Version)
	assert.Equal(t, ComputeConfigHash(cfg), info.ConfigHash)

	require.NoError(t, s.DB().View(func(tx *bbolt.Tx) error {
		assert.Nil(t, tx.Bucket(bucketVectors))
		return nil
	}))

	vs, err := NewBoltVectorStore(s.DB(), nil)
	require.NoError(t, err)
	got, ok, err := vs.Get(ctx, "x")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, legacyProviderID, got.ProviderID)
	assert.Equal(t, 4, got.Dimensionality)

	persisted, err := vs.PersistedProfile()
	require.NoError(t, err)
	assert.Equal(t, map[int]int{4: 2}, persisted)
}

func TestCheckMigration_ConfigAndVersion(t *testing.T) {
	s := openBolt(t, filepath.Join(t.TempDir(), "index.db"))
	defer s.Close()

	cfg := config.DefaultConfig()
	require.NoError(t, s.Migrate(cfg))

	check, err := s.CheckMigration(cfg)
	require.NoError(t, err)
	assert.False(t, check.NeedsMigration)
	assert.False(t, check.ConfigChanged)

	changed := config.DefaultConfig()
	changed.Chunking.TargetSize = 400
	check, err = s.CheckMigration(changed)
	require.NoError(t, err)
	assert.True(t, check.ConfigChanged)
	assert.False(t, check.NeedsRebuild)

	require.NoError(t, s.SetSchemaInfo(&SchemaInfo{Version: CurrentSchemaVersion + 1}))
	rebuild, reason, err := s.NeedsRebuild(cfg)
	require.NoError(t, err)
	assert.True(t, rebuild)
	assert.Contains(t, reason, "newer version")
	assert.Error(t, s.Migrate(cfg))
}

func TestClear(t *testing.T) {
	ctx := context.Background()
	s := openBolt(t, filepath.Join(t.TempDir(), "index.db"))
	defer s.Close()

	require.NoError(t, s.PutDoc(domain.Document{ID: "d", Filename: "f"}))
	vs, err := NewBoltVectorStore(s.DB(), nil)
	require.NoError(t, err)
	require.NoError(t, vs.Upsert(ctx, rec("a", "p", 1, 1)))

	require.NoError(t, s.Clear())

	docs, err := s.ListDocs()
	require.NoError(t, err)
	assert.Empty(t, docs)

	vs, err = NewBoltVectorStore(s.DB(), nil)
	require.NoError(t, err)
	persisted, err := vs.PersistedProfile()
	require.NoError(t, err)
	assert.Empty(t, persisted)
}
