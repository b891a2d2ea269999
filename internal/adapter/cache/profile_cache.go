package cache

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"docqa/internal/domain"
)

// ProfileSource is the part of a vector store the profile cache reads.
type ProfileSource interface {
	DimensionProfile(ctx context.Context) (domain.DimensionProfile, error)
	Generation() uint64
}

// ProfileCache memoizes the corpus dimension profile. A cached profile is
// reused while it is younger than the TTL and the store generation has not
// moved; concurrent misses share one recomputation.
type ProfileCache struct {
	source ProfileSource
	ttl    time.Duration
	now    func() time.Time
	group  singleflight.Group

	mu      sync.Mutex
	profile domain.DimensionProfile
	gen     uint64
	at      time.Time
	valid   bool
}

func NewProfileCache(source ProfileSource, ttl time.Duration) *ProfileCache {
	if ttl <= 0 {
		ttl = 10 * time.Second
	}
	return &ProfileCache{
		source: source,
		ttl:    ttl,
		now:    time.Now,
	}
}

// Profile returns a copy of the current profile.
func (c *ProfileCache) Profile(ctx context.Context) (domain.DimensionProfile, error) {
	gen := c.source.Generation()

	c.mu.Lock()
	if c.valid && c.gen == gen && c.now().Sub(c.at) < c.ttl {
		p := c.profile.Clone()
		c.mu.Unlock()
		return p, nil
	}
	c.mu.Unlock()

	v, err, _ := c.group.Do("profile", func() (interface{}, error) {
		gen := c.source.Generation()
		p, err := c.source.DimensionProfile(ctx)
		if err != nil {
			return nil, err
		}
		c.mu.Lock()
		c.profile = p.Clone()
		c.gen = gen
		c.at = c.now()
		c.valid = true
		c.mu.Unlock()
		return p, nil
	})
	if err != nil {
		return domain.DimensionProfile{}, err
	}
	return v.(domain.DimensionProfile).Clone(), nil
}

// Invalidate forces the next call to recompute.
func (c *ProfileCache) Invalidate() {
	c.mu.Lock()
	c.valid = false
	c.mu.Unlock()
}
