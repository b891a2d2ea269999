package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strings"
	"sync"
	"time"

	"docqa/internal/domain"
	"docqa/internal/port"
)

// QueryCache is a small LRU of retrieval results. Entries are tagged with the
// Stamp they were computed under and die when it changes.
type QueryCache struct {
	mu      sync.RWMutex
	entries map[string]*cacheEntry
	order   []string
	maxSize int
	ttl     time.Duration
	now     func() time.Time
}

type cacheEntry struct {
	results   []domain.RetrievalResult
	timestamp time.Time
	stamp     Stamp
}

// Stamp is the state a cached result depends on: the vector store generation
// and the query routing decision.
type Stamp struct {
	Gen   uint64
	Route string
}

func NewQueryCache(maxSize int, ttl time.Duration) *QueryCache {
	if maxSize <= 0 {
		maxSize = 100
	}
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &QueryCache{
		entries: make(map[string]*cacheEntry),
		order:   make([]string, 0, maxSize),
		maxSize: maxSize,
		ttl:     ttl,
		now:     time.Now,
	}
}

func cacheKey(query string, topK int, boostTerms []string) string {
	terms := make([]string, len(boostTerms))
	for i, t := range boostTerms {
		terms[i] = strings.ToLower(t)
	}
	sort.Strings(terms)

	h := sha256.New()
	h.Write([]byte(query))
	h.Write([]byte{0, byte(topK >> 8), byte(topK), 0})
	h.Write([]byte(strings.Join(terms, "\x00")))
	return hex.EncodeToString(h.Sum(nil)[:16])
}

func (c *QueryCache) Get(query string, topK int, boostTerms []string, stamp Stamp) ([]domain.RetrievalResult, bool) {
	key := cacheKey(query, topK, boostTerms)

	c.mu.RLock()
	entry, exists := c.entries[key]
	c.mu.RUnlock()

	if !exists {
		return nil, false
	}

	if c.now().Sub(entry.timestamp) > c.ttl || entry.stamp != stamp {
		c.mu.Lock()
		delete(c.entries, key)
		c.removeFromOrder(key)
		c.mu.Unlock()
		return nil, false
	}

	c.mu.Lock()
	c.moveToEnd(key)
	c.mu.Unlock()

	return cloneResults(entry.results), true
}

func (c *QueryCache) Put(query string, topK int, boostTerms []string, stamp Stamp, results []domain.RetrievalResult) {
	c.mu.Lock()
	defer c.mu.Unlock()

	key := cacheKey(query, topK, boostTerms)
	entry := &cacheEntry{
		results:   cloneResults(results),
		timestamp: c.now(),
		stamp:     stamp,
	}

	if _, exists := c.entries[key]; exists {
		c.entries[key] = entry
		c.moveToEnd(key)
		return
	}

	if len(c.entries) >= c.maxSize {
		c.evictOldest()
	}

	c.entries[key] = entry
	c.order = append(c.order, key)
}

func (c *QueryCache) Invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries = make(map[string]*cacheEntry)
	c.order = c.order[:0]
}

func (c *QueryCache) Size() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

func (c *QueryCache) evictOldest() {
	if len(c.order) == 0 {
		return
	}
	oldest := c.order[0]
	c.order = c.order[1:]
	delete(c.entries, oldest)
}

func (c *QueryCache) moveToEnd(key string) {
	c.removeFromOrder(key)
	c.order = append(c.order, key)
}

func (c *QueryCache) removeFromOrder(key string) {
	for i, k := range c.order {
		if k == key {
			c.order = append(c.order[:i], c.order[i+1:]...)
			return
		}
	}
}

func cloneResults(in []domain.RetrievalResult) []domain.RetrievalResult {
	if in == nil {
		return nil
	}
	out := make([]domain.RetrievalResult, len(in))
	copy(out, in)
	return out
}

// Generationer reports the vector store generation.
type Generationer interface {
	Generation() uint64
}

// RouteKeyer reports the current query routing decision as a comparable key.
type RouteKeyer interface {
	RouteKey(ctx context.Context) (string, error)
}

// CachedRetriever serves repeated queries from a QueryCache until the vector
// store changes or queries are routed to another provider. Errors are never
// cached.
type CachedRetriever struct {
	retriever port.Retriever
	cache     *QueryCache
	store     Generationer
	routes    RouteKeyer
}

var _ port.Retriever = (*CachedRetriever)(nil)

// NewCachedRetriever wraps retriever. routes may be nil when the retriever
// always queries the same provider.
func NewCachedRetriever(retriever port.Retriever, cache *QueryCache, store Generationer, routes RouteKeyer) *CachedRetriever {
	return &CachedRetriever{
		retriever: retriever,
		cache:     cache,
		store:     store,
		routes:    routes,
	}
}

func (r *CachedRetriever) Retrieve(ctx context.Context, query string, topK int, boostTerms []string) ([]domain.RetrievalResult, error) {
	stamp := Stamp{Gen: r.store.Generation()}
	if r.routes != nil {
		route, err := r.routes.RouteKey(ctx)
		if err != nil {
			return nil, err
		}
		stamp.Route = route
	}
	if results, hit := r.cache.Get(query, topK, boostTerms, stamp); hit {
		return results, nil
	}

	results, err := r.retriever.Retrieve(ctx, query, topK, boostTerms)
	if err != nil {
		return nil, err
	}

	r.cache.Put(query, topK, boostTerms, stamp, results)
	return results, nil
}
