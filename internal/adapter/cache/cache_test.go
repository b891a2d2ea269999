package cache

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"docqa/internal/domain"
)

type fakeSource struct {
	gen   atomic.Uint64
	calls atomic.Int32
	delay time.Duration
}

func (f *fakeSource) DimensionProfile(context.Context) (domain.DimensionProfile, error) {
	f.calls.Add(1)
	time.Sleep(f.delay)
	p := domain.NewDimensionProfile()
	p.Counts[384] = int(f.gen.Load()) + 1
	return p, nil
}

func (f *fakeSource) Generation() uint64 { return f.gen.Load() }

func TestProfileCache_ReusesUntilGenerationMoves(t *testing.T) {
	src := &fakeSource{}
	c := NewProfileCache(src, time.Hour)
	ctx := context.Background()

	p, err := c.Profile(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, p.Counts[384])

	_, err = c.Profile(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, src.calls.Load())

	src.gen.Add(1)
	p, err = c.Profile(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, p.Counts[384])
	assert.EqualValues(t, 2, src.calls.Load())
}

func TestProfileCache_TTL(t *testing.T) {
	src := &fakeSource{}
	c := NewProfileCache(src, 10*time.Second)
	clock := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return clock }
	ctx := context.Background()

	_, err := c.Profile(ctx)
	require.NoError(t, err)
	clock = clock.Add(9 * time.Second)
	_, _ = c.Profile(ctx)
	assert.EqualValues(t, 1, src.calls.Load())

	clock = clock.Add(2 * time.Second)
	_, _ = c.Profile(ctx)
	assert.EqualValues(t, 2, src.calls.Load())

	c.Invalidate()
	_, _ = c.Profile(ctx)
	assert.EqualValues(t, 3, src.calls.Load())
}

func TestProfileCache_CallersGetIndependentCopies(t *testing.T) {
	c := NewProfileCache(&fakeSource{}, time.Hour)
	p, err := c.Profile(context.Background())
	require.NoError(t, err)
	p.Counts[384] = 1000

	again, err := c.Profile(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, again.Counts[384])
}

func TestProfileCache_ConcurrentMissesShareWork(t *testing.T) {
	src := &fakeSource{delay: 50 * time.Millisecond}
	c := NewProfileCache(src, time.Hour)

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := c.Profile(context.Background())
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	assert.Less(t, src.calls.Load(), int32(16))
}

type countingRetriever struct {
	calls int
	err   error
}

func (r *countingRetriever) Retrieve(_ context.Context, query string, topK int, _ []string) ([]domain.RetrievalResult, error) {
	r.calls++
	if r.err != nil {
		return nil, r.err
	}
	return []domain.RetrievalResult{{ChunkID: query, Rank: 1}}, nil
}

type staticGen struct{ gen uint64 }

func (s *staticGen) Generation() uint64 { return s.gen }

func TestCachedRetriever(t *testing.T) {
	inner := &countingRetriever{}
	gen := &staticGen{}
	r := NewCachedRetriever(inner, NewQueryCache(10, time.Minute), gen, nil)
	ctx := context.Background()

	first, err := r.Retrieve(ctx, "q", 5, []string{"B", "a"})
	require.NoError(t, err)
	second, err := r.Retrieve(ctx, "q", 5, []string{"A", "b"})
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Equal(t, 1, inner.calls)

	_, _ = r.Retrieve(ctx, "q", 3, nil)
	assert.Equal(t, 2, inner.calls)

	gen.gen++
	_, _ = r.Retrieve(ctx, "q", 5, []string{"a", "b"})
	assert.Equal(t, 3, inner.calls)
}

type stubRoutes struct{ key string }

func (s *stubRoutes) RouteKey(context.Context) (string, error) { return s.key, nil }

func TestCachedRetriever_RouteChangeMisses(t *testing.T) {
	inner := &countingRetriever{}
	routes := &stubRoutes{key: "local/4/true"}
	r := NewCachedRetriever(inner, NewQueryCache(10, time.Minute), &staticGen{}, routes)
	ctx := context.Background()

	_, err := r.Retrieve(ctx, "q", 5, nil)
	require.NoError(t, err)
	_, err = r.Retrieve(ctx, "q", 5, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, inner.calls)

	routes.key = "big/8/false"
	_, err = r.Retrieve(ctx, "q", 5, nil)
	require.NoError(t, err)
	assert.Equal(t, 2, inner.calls)
}

func TestCachedRetriever_ErrorsNotCached(t *testing.T) {
	inner := &countingRetriever{err: errors.New("boom")}
	r := NewCachedRetriever(inner, NewQueryCache(10, time.Minute), &staticGen{}, nil)

	_, err := r.Retrieve(context.Background(), "q", 5, nil)
	require.Error(t, err)
	_, err = r.Retrieve(context.Background(), "q", 5, nil)
	require.Error(t, err)
	assert.Equal(t, 2, inner.calls)
}

func TestQueryCache_EvictsLeastRecentlyUsed(t *testing.T) {
	c := NewQueryCache(2, time.Minute)
	res := []domain.RetrievalResult{{ChunkID: "x"}}

	c.Put("a", 1, nil, Stamp{}, res)
	c.Put("b", 1, nil, Stamp{}, res)
	_, hit := c.Get("a", 1, nil, Stamp{})
	require.True(t, hit)
	c.Put("c", 1, nil, Stamp{}, res)

	assert.Equal(t, 2, c.Size())
	_, hit = c.Get("b", 1, nil, Stamp{})
	assert.False(t, hit)
	_, hit = c.Get("a", 1, nil, Stamp{})
	assert.True(t, hit)
}

func TestQueryCache_Expiry(t *testing.T) {
	c := NewQueryCache(2, time.Minute)
	clock := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return clock }

	c.Put("a", 1, nil, Stamp{}, nil)
	clock = clock.Add(2 * time.Minute)
	_, hit := c.Get("a", 1, nil, Stamp{})
	assert.False(t, hit)
	assert.Equal(t, 0, c.Size())
}
