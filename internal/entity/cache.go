// Package entity maintains the session's entity memory: structured
// records discovered in tool results, cached so that later turns can
// resolve references like "the opportunity" or "that case" without
// re-querying the backends.
package entity

import (
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"
)

// Fact bucket names populated by the classifiers.
const (
	FactAtRiskOpportunities = "at_risk_opportunities"
	FactCriticalIssues      = "critical_issues"
)

// CachedEntity is one cached record.
type CachedEntity struct {
	Kind     string         `json:"kind"`
	ID       string         `json:"id"`
	Name     string         `json:"name,omitempty"`
	Data     map[string]any `json:"data"`
	CachedAt time.Time      `json:"cached_at"`
}

// Fact is a compact session-level observation derived from a cached
// entity (an at-risk opportunity, a critical issue).
type Fact map[string]any

// Cache stores entities keyed by (kind, id) and session facts in named
// buckets. Writes replace whole records; there is no field-level merge.
type Cache struct {
	mu       sync.RWMutex
	entities map[string]CachedEntity // "Kind:ID"
	byName   map[string]string       // lowercased display name -> "Kind:ID"
	facts    map[string][]Fact
	maxSize  int
	factCap  int
	logger   *slog.Logger
}

// NewCache creates a cache. maxSize bounds the entity count (0 =
// unbounded, oldest-first eviction); factCap bounds each fact bucket.
func NewCache(maxSize, factCap int, logger *slog.Logger) *Cache {
	if logger == nil {
		logger = slog.Default()
	}
	if factCap <= 0 {
		factCap = 25
	}
	return &Cache{
		entities: make(map[string]CachedEntity),
		byName:   make(map[string]string),
		facts:    make(map[string][]Fact),
		maxSize:  maxSize,
		factCap:  factCap,
		logger:   logger,
	}
}

func cacheKey(kind, id string) string {
	return kind + ":" + id
}

// Put stores an entity, replacing any previous record with the same
// kind and id.
func (c *Cache) Put(e CachedEntity) {
	if e.Kind == "" || e.ID == "" {
		return
	}
	if e.CachedAt.IsZero() {
		e.CachedAt = time.Now()
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	key := cacheKey(e.Kind, e.ID)
	if prev, ok := c.entities[key]; ok && prev.Name != "" {
		delete(c.byName, strings.ToLower(prev.Name))
	}
	c.entities[key] = e
	if e.Name != "" {
		c.byName[strings.ToLower(e.Name)] = key
	}

	c.trimLocked()
}

// Get retrieves an entity by kind and primary key.
func (c *Cache) Get(kind, id string) (CachedEntity, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entities[cacheKey(kind, id)]
	return e, ok
}

// GetByName retrieves an entity by its display name, case-insensitively.
func (c *Cache) GetByName(name string) (CachedEntity, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	key, ok := c.byName[strings.ToLower(name)]
	if !ok {
		return CachedEntity{}, false
	}
	e, ok := c.entities[key]
	return e, ok
}

// AddFact appends a fact to the named bucket. Buckets are bounded
// rings: when full, the oldest fact is dropped. A fact duplicating an
// existing "id" or "key" field replaces the older copy instead of
// accumulating.
func (c *Cache) AddFact(bucket string, f Fact) {
	c.mu.Lock()
	defer c.mu.Unlock()

	facts := c.facts[bucket]
	if dedupKey := factIdentity(f); dedupKey != "" {
		for i, existing := range facts {
			if factIdentity(existing) == dedupKey {
				facts = append(facts[:i], facts[i+1:]...)
				break
			}
		}
	}
	facts = append(facts, f)
	if len(facts) > c.factCap {
		facts = facts[len(facts)-c.factCap:]
	}
	c.facts[bucket] = facts
}

func factIdentity(f Fact) string {
	if id, ok := f["id"].(string); ok && id != "" {
		return "id:" + id
	}
	if key, ok := f["key"].(string); ok && key != "" {
		return "key:" + key
	}
	return ""
}

// Facts returns a copy of the named bucket.
func (c *Cache) Facts(bucket string) []Fact {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]Fact(nil), c.facts[bucket]...)
}

// Entities returns a copy of all cached entities, oldest first.
func (c *Cache) Entities() []CachedEntity {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]CachedEntity, 0, len(c.entities))
	for _, e := range c.entities {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CachedAt.Equal(out[j].CachedAt) {
			return cacheKey(out[i].Kind, out[i].ID) < cacheKey(out[j].Kind, out[j].ID)
		}
		return out[i].CachedAt.Before(out[j].CachedAt)
	})
	return out
}

// Len returns the number of cached entities.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entities)
}

// CountByKind returns entity counts grouped by kind.
func (c *Cache) CountByKind() map[string]int {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make(map[string]int)
	for _, e := range c.entities {
		out[e.Kind]++
	}
	return out
}

// trimLocked evicts oldest-cached entities until the cache fits
// maxSize. Caller holds the write lock.
func (c *Cache) trimLocked() {
	if c.maxSize <= 0 || len(c.entities) <= c.maxSize {
		return
	}

	type aged struct {
		key string
		at  time.Time
	}
	all := make([]aged, 0, len(c.entities))
	for key, e := range c.entities {
		all = append(all, aged{key, e.CachedAt})
	}
	sort.Slice(all, func(i, j int) bool {
		if all[i].at.Equal(all[j].at) {
			return all[i].key < all[j].key
		}
		return all[i].at.Before(all[j].at)
	})

	for _, a := range all[:len(all)-c.maxSize] {
		if e := c.entities[a.key]; e.Name != "" {
			delete(c.byName, strings.ToLower(e.Name))
		}
		delete(c.entities, a.key)
	}

	c.logger.Debug("entity cache trimmed", "size", len(c.entities), "max", c.maxSize)
}

// Snapshot is the serializable state of the cache, used by the
// persistence layer.
type Snapshot struct {
	Entities []CachedEntity    `json:"entities"`
	Facts    map[string][]Fact `json:"facts"`
}

// Snapshot returns a deep-enough copy of the cache state for
// serialization.
func (c *Cache) Snapshot() Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()

	snap := Snapshot{
		Entities: make([]CachedEntity, 0, len(c.entities)),
		Facts:    make(map[string][]Fact, len(c.facts)),
	}
	for _, e := range c.entities {
		snap.Entities = append(snap.Entities, e)
	}
	sort.Slice(snap.Entities, func(i, j int) bool {
		return cacheKey(snap.Entities[i].Kind, snap.Entities[i].ID) <
			cacheKey(snap.Entities[j].Kind, snap.Entities[j].ID)
	})
	for bucket, facts := range c.facts {
		snap.Facts[bucket] = append([]Fact(nil), facts...)
	}
	return snap
}

// Restore replaces the cache contents with a previously serialized
// snapshot.
func (c *Cache) Restore(snap Snapshot) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entities = make(map[string]CachedEntity, len(snap.Entities))
	c.byName = make(map[string]string)
	for _, e := range snap.Entities {
		key := cacheKey(e.Kind, e.ID)
		c.entities[key] = e
		if e.Name != "" {
			c.byName[strings.ToLower(e.Name)] = key
		}
	}

	c.facts = make(map[string][]Fact, len(snap.Facts))
	for bucket, facts := range snap.Facts {
		c.facts[bucket] = append([]Fact(nil), facts...)
	}

	c.trimLocked()
}
