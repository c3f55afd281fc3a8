// Package cache provides the keyed store of merged entity records the UI
// reads from. Entries are keyed by (entity key, query variant); the same
// entity may be cached under several variants, and mutations are applied to
// every variant as one atomic step. Writes are synchronous: readers observe
// them immediately.
package cache

import (
	"sync"

	"github.com/gillohner/eventky-sub000/pkg/model"
)

// EntryKey identifies one cached variant of an entity.
type EntryKey struct {
	Key     model.Key
	Variant model.Variant
}

// CanonicalKey returns the entry key for the canonical (unlimited) variant.
func CanonicalKey(key model.Key) EntryKey {
	return EntryKey{Key: key}
}

// ListKey identifies a cached list query result.
type ListKey struct {
	AuthorID string
	Kind     model.EntityKind
	Query    string
}

type entry struct {
	rec   *model.Record
	stale bool
}

type listEntry struct {
	keys  []model.Key
	stale bool
}

// Cache is the in-memory store of entity records plus list query results.
// Instances are independent; tests create their own.
type Cache struct {
	mu      sync.RWMutex
	entries map[EntryKey]*entry
	lists   map[ListKey]*listEntry
}

// New creates an empty cache.
func New() *Cache {
	return &Cache{
		entries: make(map[EntryKey]*entry),
		lists:   make(map[ListKey]*listEntry),
	}
}

// Get returns the cached record for an entry key, its staleness, and
// whether it exists. The returned record is a copy.
func (c *Cache) Get(ek EntryKey) (*model.Record, bool, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	e, ok := c.entries[ek]
	if !ok {
		return nil, false, false
	}
	return e.rec.Clone(), e.stale, true
}

// Set stores a record under an entry key and clears its staleness.
func (c *Cache) Set(ek EntryKey, rec *model.Record) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[ek] = &entry{rec: rec.Clone()}
}

// Remove deletes the entry for an entry key.
func (c *Cache) Remove(ek EntryKey) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, ek)
}

// Invalidate marks an entry stale so the next read triggers a remote fetch.
// The cached value stays visible until then.
func (c *Cache) Invalidate(ek EntryKey) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.entries[ek]; ok {
		e.stale = true
	}
}

// MatchingKeys returns every entry key cached for the given entity,
// regardless of variant.
func (c *Cache) MatchingKeys(key model.Key) []EntryKey {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.matchingLocked(key)
}

func (c *Cache) matchingLocked(key model.Key) []EntryKey {
	var out []EntryKey
	for ek := range c.entries {
		if ek.Key == key {
			out = append(out, ek)
		}
	}
	return out
}

// SnapshotEntity captures the current records of every variant cached for
// the entity, for rollback. An empty map means the entity was absent.
func (c *Cache) SnapshotEntity(key model.Key) map[EntryKey]*model.Record {
	c.mu.RLock()
	defer c.mu.RUnlock()

	snap := make(map[EntryKey]*model.Record)
	for ek, e := range c.entries {
		if ek.Key == key {
			snap[ek] = e.rec.Clone()
		}
	}
	return snap
}

// SetEntity writes the record to the canonical entry and every cached
// variant of the entity in one atomic step.
func (c *Cache) SetEntity(key model.Key, rec *model.Record) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, ek := range c.matchingLocked(key) {
		c.entries[ek] = &entry{rec: rec.Clone()}
	}
	c.entries[CanonicalKey(key)] = &entry{rec: rec.Clone()}
}

// RemoveEntity deletes every cached variant of the entity in one atomic
// step.
func (c *Cache) RemoveEntity(key model.Key) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, ek := range c.matchingLocked(key) {
		delete(c.entries, ek)
	}
}

// RestoreEntity replaces all cached variants of the entity with the given
// snapshot, removing entries the snapshot does not contain. Used for
// rollback after a failed mutation.
func (c *Cache) RestoreEntity(key model.Key, snap map[EntryKey]*model.Record) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, ek := range c.matchingLocked(key) {
		delete(c.entries, ek)
	}
	for ek, rec := range snap {
		c.entries[ek] = &entry{rec: rec.Clone()}
	}
}

// GetList returns a cached list result, its staleness, and whether it
// exists.
func (c *Cache) GetList(lk ListKey) ([]model.Key, bool, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	e, ok := c.lists[lk]
	if !ok {
		return nil, false, false
	}
	keys := make([]model.Key, len(e.keys))
	copy(keys, e.keys)
	return keys, e.stale, true
}

// SetList stores a list query result and clears its staleness.
func (c *Cache) SetList(lk ListKey, keys []model.Key) {
	c.mu.Lock()
	defer c.mu.Unlock()

	cp := make([]model.Key, len(keys))
	copy(cp, keys)
	c.lists[lk] = &listEntry{keys: cp}
}

// InvalidateLists marks stale every list result for the given author and
// kind, so list views refetch after a mutation.
func (c *Cache) InvalidateLists(authorID string, kind model.EntityKind) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for lk, e := range c.lists {
		if lk.AuthorID == authorID && lk.Kind == kind {
			e.stale = true
		}
	}
}

// Len returns the number of cached entity entries.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}
