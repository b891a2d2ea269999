package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"docqa/internal/domain"
)

func TestChromemStore_SeparatesDimensionalities(t *testing.T) {
	ctx := context.Background()
	s, err := NewChromemStore("", false, nil)
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.Upsert(ctx, rec("a", "big", 1, 0, 0)))
	require.NoError(t, s.Upsert(ctx, rec("b", "big", 0, 1, 0)))
	require.NoError(t, s.Upsert(ctx, rec("c", "small", 1, 0)))

	got, err := s.Query(ctx, []float32{1, 0, 0}, 3, 10)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "a", got[0].ChunkID)
	assert.Equal(t, "big", got[0].ProviderID)
	assert.InDelta(t, 1.0, got[0].Similarity, 1e-5)

	_, err = s.Query(ctx, []float32{1, 0, 0, 0}, 4, 1)
	var nc *domain.NoCompatibleRecordsError
	require.ErrorAs(t, err, &nc)
	assert.Equal(t, []int{2, 3}, nc.Available)

	profile, err := s.DimensionProfile(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[int]int{2: 1, 3: 2}, profile.Counts)
}

func TestChromemStore_UpsertMovesBetweenCollections(t *testing.T) {
	ctx := context.Background()
	s, err := NewChromemStore("", false, nil)
	require.NoError(t, err)

	require.NoError(t, s.Upsert(ctx, rec("a", "big", 1, 0, 0)))
	gen := s.Generation()
	require.NoError(t, s.Upsert(ctx, rec("a", "small", 3, 4)))
	assert.Greater(t, s.Generation(), gen)

	got, ok, err := s.Get(ctx, "a")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "small", got.ProviderID)
	assert.Equal(t, 2, got.Dimensionality)
	// stored normalized
	assert.InDelta(t, 0.6, got.Vector[0], 1e-6)
	assert.InDelta(t, 0.8, got.Vector[1], 1e-6)

	profile, err := s.DimensionProfile(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[int]int{2: 1}, profile.Counts)

	require.NoError(t, s.Delete(ctx, "a"))
	require.NoError(t, s.Delete(ctx, "a"))
	_, ok, err = s.Get(ctx, "a")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestChromemStore_Validation(t *testing.T) {
	ctx := context.Background()
	s, err := NewChromemStore("", false, nil, WithAllowedDimensions(2))
	require.NoError(t, err)

	assert.ErrorIs(t, s.Upsert(ctx, rec("z", "p", 0, 0)), domain.ErrInvalidInput)
	assert.ErrorIs(t, s.Upsert(ctx, rec("x", "p", 1, 0, 0)), domain.ErrUnknownDimension)

	require.NoError(t, s.Upsert(ctx, rec("a", "p", 1, 0)))
	_, err = s.Query(ctx, []float32{1, 0}, 2, 0)
	assert.ErrorIs(t, err, domain.ErrInvalidInput)

	// topK beyond the collection size is clamped
	got, err := s.Query(ctx, []float32{1, 0}, 2, 50)
	require.NoError(t, err)
	assert.Len(t, got, 1)
}

func TestChromemStore_PersistentReload(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	s, err := NewChromemStore(dir, false, nil)
	require.NoError(t, err)
	require.NoError(t, s.Upsert(ctx, rec("a", "p", 1, 0)))
	require.NoError(t, s.Upsert(ctx, rec("b", "p", 0, 1)))
	require.NoError(t, s.Upsert(ctx, rec("c", "q", 0, 0, 1)))
	require.NoError(t, s.Close())

	reopened, err := NewChromemStore(dir, false, nil)
	require.NoError(t, err)

	profile, err := reopened.DimensionProfile(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[int]int{2: 2, 3: 1}, profile.Counts)
	assert.False(t, profile.LastWrite[2].IsZero())

	got, ok, err := reopened.Get(ctx, "c")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "q", got.ProviderID)
}
