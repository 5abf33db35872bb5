package geoview

import (
	"fmt"
	"math"
	"sync"

	"github.com/hashicorp/golang-lru/simplelru"
)

const (
	defaultMemoryBudgetMB = 64

	tileBucketOverhead = 256
	featureRefCost     = 64
	coordinateCost     = 16
)

// MemoryBudget bounds the tile cache either by size in megabytes or by
// number of tiles. Exactly one of the fields may be set.
type MemoryBudget struct {
	Megabytes *uint64 `json:"megabytes,omitempty" yaml:"megabytes"`
	Tiles     *uint64 `json:"tiles,omitempty" yaml:"tiles"`
}

func (b *MemoryBudget) validate() error {
	if b == nil {
		return nil
	}
	if b.Megabytes != nil && b.Tiles != nil {
		return invalidf("budget", "megabytes and tiles are mutually exclusive")
	}
	if b.Megabytes == nil && b.Tiles == nil {
		return invalidf("budget", "neither megabytes nor tiles specified")
	}
	return nil
}

func (b *MemoryBudget) String() string {
	switch {
	case b == nil:
		return fmt.Sprintf("MemoryBudget{default %dMB}", defaultMemoryBudgetMB)
	case b.Tiles != nil:
		return fmt.Sprintf("MemoryBudget{Tiles:%d}", *b.Tiles)
	default:
		return fmt.Sprintf("MemoryBudget{Megabytes:%d}", *b.Megabytes)
	}
}

func (b *MemoryBudget) clone() *MemoryBudget {
	if b == nil {
		return nil
	}
	out := &MemoryBudget{}
	if b.Megabytes != nil {
		v := *b.Megabytes
		out.Megabytes = &v
	}
	if b.Tiles != nil {
		v := *b.Tiles
		out.Tiles = &v
	}
	return out
}

type tileKey struct {
	source      string
	sourceLayer string
	revision    uint64
	tile        CanonicalTileID
}

type tileBucket struct {
	items []*indexedFeature
	cost  int64
}

func newTileBucket(items []*indexedFeature) *tileBucket {
	cost := int64(tileBucketOverhead)
	for _, item := range items {
		cost += featureRefCost + int64(item.feature.Geometry.NumPoints())*coordinateCost
	}
	return &tileBucket{items: items, cost: cost}
}

// tileCache keeps per-tile feature buckets in LRU order. Entries of an
// old source revision are never hit again and age out.
type tileCache struct {
	mu       sync.Mutex
	lru      *simplelru.LRU
	cost     int64
	maxBytes int64
	budget   *MemoryBudget
	hits     uint64
	misses   uint64
}

func newTileCache() *tileCache {
	c := &tileCache{}
	lru, err := simplelru.NewLRU(math.MaxInt32, c.onEvict)
	if err != nil {
		panic(err)
	}
	c.lru = lru
	c.maxBytes = defaultMemoryBudgetMB << 20
	return c
}

func (c *tileCache) onEvict(_ interface{}, value interface{}) {
	c.cost -= value.(*tileBucket).cost
}

func (c *tileCache) get(k tileKey) ([]*indexedFeature, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.lru.Get(k)
	if !ok {
		c.misses++
		return nil, false
	}
	c.hits++
	return v.(*tileBucket).items, true
}

func (c *tileCache) add(k tileKey, items []*indexedFeature) {
	bucket := newTileBucket(items)
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.lru.Contains(k) {
		c.lru.Remove(k)
	}
	c.lru.Add(k, bucket)
	c.cost += bucket.cost
	c.evict()
}

func (c *tileCache) evict() {
	if c.maxBytes <= 0 {
		return
	}
	for c.cost > c.maxBytes && c.lru.Len() > 0 {
		c.lru.RemoveOldest()
	}
}

// setBudget replaces the budget and evicts down to it. nil restores the
// default.
func (c *tileCache) setBudget(b *MemoryBudget) error {
	if err := b.validate(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.budget = b
	switch {
	case b == nil:
		c.maxBytes = defaultMemoryBudgetMB << 20
		c.lru.Resize(math.MaxInt32)
	case b.Tiles != nil:
		c.maxBytes = 0
		size := int(*b.Tiles)
		if *b.Tiles > math.MaxInt32 {
			size = math.MaxInt32
		}
		if size == 0 {
			c.lru.Purge()
			size = 1
		}
		c.lru.Resize(size)
	default:
		c.maxBytes = int64(*b.Megabytes) << 20
		c.lru.Resize(math.MaxInt32)
		if c.maxBytes == 0 {
			c.lru.Purge()
		}
	}
	c.evict()
	return nil
}

func (c *tileCache) currentBudget() *MemoryBudget {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.budget
}

// disabled reports whether the budget leaves no room for tiles.
func (c *tileCache) disabled() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.budget == nil {
		return false
	}
	if c.budget.Tiles != nil {
		return *c.budget.Tiles == 0
	}
	return *c.budget.Megabytes == 0
}

func (c *tileCache) purgeSource(source string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, k := range c.lru.Keys() {
		if k.(tileKey).source == source {
			c.lru.Remove(k)
		}
	}
}

func (c *tileCache) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Len()
}

func (c *tileCache) bytes() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cost
}
