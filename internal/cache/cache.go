// Package cache is a read-through response cache with named invalidation
// regions. Mutating flows call Invalidate(region); cached entries tagged with
// that region recompute on the next read.
package cache

import (
	"context"
	"sync"
	"time"
)

const (
	RegionBlocks = "blocks"
	RegionProofs = "proofs"
	RegionTeams  = "teams"
)

type entry struct {
	body      []byte
	tags      map[string]uint64
	expiresAt time.Time
	lastSeen  time.Time
}

// Regions caches loaded values per key with a TTL. Each entry records the
// generation of every region it depends on; bumping a region's generation
// invalidates all entries tagged with it at once.
type Regions struct {
	mu sync.Mutex

	ttl        time.Duration
	maxEntries int
	now        func() time.Time

	entries     map[string]entry
	generations map[string]uint64
}

func New(ttl time.Duration, maxEntries int, now func() time.Time) *Regions {
	if ttl <= 0 {
		ttl = 10 * time.Second
	}
	if maxEntries <= 0 {
		maxEntries = 1024
	}
	if now == nil {
		now = time.Now
	}
	return &Regions{
		ttl:         ttl,
		maxEntries:  maxEntries,
		now:         now,
		entries:     make(map[string]entry),
		generations: make(map[string]uint64),
	}
}

// Read returns the cached value for key, or runs load and caches the result
// tagged with the given regions. A later Invalidate of any tagged region
// forces the next Read to reload.
func (c *Regions) Read(ctx context.Context, key string, regions []string, load func(context.Context) ([]byte, error)) ([]byte, error) {
	if body, ok := c.get(key); ok {
		return body, nil
	}

	body, err := load(ctx)
	if err != nil {
		return nil, err
	}
	c.set(key, regions, body)
	return body, nil
}

// Invalidate marks every entry tagged with the region stale.
func (c *Regions) Invalidate(region string) {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.generations[region]++
	c.mu.Unlock()
}

func (c *Regions) get(key string) ([]byte, bool) {
	if c == nil {
		return nil, false
	}
	now := c.now().UTC()

	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	if !now.Before(e.expiresAt) {
		delete(c.entries, key)
		return nil, false
	}
	for region, gen := range e.tags {
		if c.generations[region] != gen {
			delete(c.entries, key)
			return nil, false
		}
	}
	e.lastSeen = now
	c.entries[key] = e
	return append([]byte(nil), e.body...), true
}

func (c *Regions) set(key string, regions []string, body []byte) {
	if c == nil {
		return
	}
	now := c.now().UTC()

	c.mu.Lock()
	defer c.mu.Unlock()

	c.pruneExpired(now)
	if _, exists := c.entries[key]; !exists && len(c.entries) >= c.maxEntries {
		c.evictOne()
	}

	tags := make(map[string]uint64, len(regions))
	for _, region := range regions {
		tags[region] = c.generations[region]
	}
	c.entries[key] = entry{
		body:      append([]byte(nil), body...),
		tags:      tags,
		expiresAt: now.Add(c.ttl),
		lastSeen:  now,
	}
}

func (c *Regions) pruneExpired(now time.Time) {
	for k, v := range c.entries {
		if !now.Before(v.expiresAt) {
			delete(c.entries, k)
		}
	}
}

func (c *Regions) evictOne() {
	var evictKey string
	var oldest time.Time
	first := true
	for k, v := range c.entries {
		if first || v.lastSeen.Before(oldest) {
			first = false
			oldest = v.lastSeen
			evictKey = k
		}
	}
	if evictKey != "" {
		delete(c.entries, evictKey)
	}
}
