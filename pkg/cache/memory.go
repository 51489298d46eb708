// The memory layer is a fixed capacity, recency ordered store. Inserting a new key into a full store synchronously
// evicts the least recently used entry; reads and writes both count as a use. Entries older than the TTL are treated
// as misses on read and are swept by CleanupExpired.

package cache

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/simplelru"
)

// evictionReason tells the eviction callback why an entry left the memory layer.
type evictionReason int

const (
	evictedByCapacity evictionReason = iota
	evictedByExpiry
)

// memoryEntry is a value with the metadata needed for TTL and write-back.
type memoryEntry[V any] struct {
	value      V
	insertedAt time.Time
	dirty      bool   // Inserted under write-back and not yet written to disk.
	version    uint64 // Unique per insert; tells a flushed entry apart from a newer one under the same key.
}

// evictedEntry is handed to the eviction callback once the layer lock has been released.
type evictedEntry[V any] struct {
	key    string
	entry  memoryEntry[V]
	reason evictionReason
}

// MemoryLayer is a thread-safe LRU store with a single TTL for all entries.
type MemoryLayer[V any] struct {
	capacity int
	ttl      time.Duration
	clock    Clock
	logger   *slog.Logger
	// lru keeps entries ordered from least to most recently used. Even reads reorder it, so it is guarded by an
	// exclusive mutex rather than a RWMutex.
	lru *simplelru.LRU[string, *memoryEntry[V]]
	mux sync.Mutex
	// onEvict runs after the lock is released for capacity evictions and expired entries removed by cleanup.
	// It's set by the coordinator before the layer is shared.
	onEvict func([]evictedEntry[V])

	hits, misses, evictions uint64 // Guarded by mux.
	lastVersion             uint64 // Guarded by mux.
	// loads maps keys being read from disk to their load ticket. Any write, removal or clear of the key drops the
	// ticket, which cancels the promotion of the value read. Guarded by mux.
	loads map[string]uint64
	// pending holds the version of dirty entries evicted for capacity whose write-back hasn't started yet. They
	// still count as present for Remove and Clear. Guarded by mux.
	pending map[string]uint64
}

var _ Layer[int] = (*MemoryLayer[int])(nil)

// NewMemoryLayer creates a memory layer holding at most `capacity` entries, each live for `ttl`.
func NewMemoryLayer[V any](capacity int, ttl time.Duration, opts ...Option) (*MemoryLayer[V], error) {
	if capacity <= 0 {
		return nil, fmt.Errorf("%w: memory capacity must be positive, got %d", ErrInvalidConfig, capacity)
	}
	if ttl <= 0 {
		return nil, fmt.Errorf("%w: memory ttl must be positive, got %s", ErrInvalidConfig, ttl)
	}
	o := newOptions(opts)
	lru, err := simplelru.NewLRU[string, *memoryEntry[V]](capacity, nil /*onEvict*/)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	return &MemoryLayer[V]{
		capacity: capacity,
		ttl:      ttl,
		clock:    o.clock,
		logger:   o.logger.With("layer", "memory"),
		lru:      lru,
		loads:    make(map[string]uint64),
		pending:  make(map[string]uint64),
	}, nil
}

func (m *MemoryLayer[V]) Name() string { return "memory" }

// TTL returns the configured time to live.
func (m *MemoryLayer[V]) TTL() time.Duration { return m.ttl }

// Get returns the value for key and marks it as most recently used. Expired entries are misses and keep their
// position, so they stay the first eviction candidates.
func (m *MemoryLayer[V]) Get(key string) (V, bool /*found*/) {
	m.mux.Lock()
	defer m.mux.Unlock()

	entry, found := m.lru.Peek(key)
	if !found || !isLive(entry.insertedAt, m.clock.Now(), m.ttl) {
		m.misses++
		return *new(V), false
	}
	m.lru.Get(key) // Bump recency.
	m.hits++
	return entry.value, true
}

// Insert adds or refreshes key as a clean entry. It never fails; the error is there to satisfy Layer.
func (m *MemoryLayer[V]) Insert(key string, value V) error {
	m.insert(key, value, false /*dirty*/)
	return nil
}

// insert stores the entry and returns after running the eviction callback, if anything was evicted.
func (m *MemoryLayer[V]) insert(key string, value V, dirty bool) {
	m.mux.Lock()
	delete(m.loads, key)
	evicted := m.addLocked(key, value, dirty)
	m.mux.Unlock()

	m.notifyEvicted(evicted)
}

// addLocked stores the entry, evicting the least recently used one if the layer is full. Caller must hold mux.
func (m *MemoryLayer[V]) addLocked(key string, value V, dirty bool) []evictedEntry[V] {
	var evicted []evictedEntry[V]
	if !m.lru.Contains(key) && m.lru.Len() >= m.capacity {
		if victimKey, victim, ok := m.lru.RemoveOldest(); ok {
			m.evictions++
			if victim.dirty {
				m.pending[victimKey] = victim.version
			}
			evicted = append(evicted, evictedEntry[V]{key: victimKey, entry: *victim, reason: evictedByCapacity})
		}
	}
	m.lastVersion++
	m.lru.Add(key, &memoryEntry[V]{value: value, insertedAt: m.clock.Now(), dirty: dirty, version: m.lastVersion})
	return evicted
}

// beginLoad hands out a ticket for promoting `key` once it has been read from disk.
func (m *MemoryLayer[V]) beginLoad(key string) uint64 {
	m.mux.Lock()
	defer m.mux.Unlock()
	m.lastVersion++
	m.loads[key] = m.lastVersion
	return m.lastVersion
}

// endLoad drops the ticket of a load that found nothing to promote.
func (m *MemoryLayer[V]) endLoad(key string, ticket uint64) {
	m.mux.Lock()
	defer m.mux.Unlock()
	if m.loads[key] == ticket {
		delete(m.loads, key)
	}
}

// promote inserts a clean copy of a value read from disk. It does nothing, and returns false, when the key was
// written, removed or cleared since beginLoad handed out `ticket`, or when a live or dirty entry is in the way.
func (m *MemoryLayer[V]) promote(key string, value V, ticket uint64) bool {
	m.mux.Lock()
	current, loading := m.loads[key]
	if !loading || current != ticket {
		m.mux.Unlock()
		return false
	}
	delete(m.loads, key)
	if _, pending := m.pending[key]; pending { // A newer value is on its way to disk.
		m.mux.Unlock()
		return false
	}
	if entry, found := m.lru.Peek(key); found && (entry.dirty || isLive(entry.insertedAt, m.clock.Now(), m.ttl)) {
		m.mux.Unlock()
		return false
	}
	evicted := m.addLocked(key, value, false /*dirty*/)
	m.mux.Unlock()

	m.notifyEvicted(evicted)
	return true
}

// takePending claims the write-back of an evicted entry. It returns false if the entry was removed or cleared
// since its eviction, or if a later eviction of the same key superseded it.
func (m *MemoryLayer[V]) takePending(key string, version uint64) bool {
	m.mux.Lock()
	defer m.mux.Unlock()
	if pendingVersion, found := m.pending[key]; !found || pendingVersion != version {
		return false
	}
	delete(m.pending, key)
	return true
}

func (m *MemoryLayer[V]) notifyEvicted(evicted []evictedEntry[V]) {
	if len(evicted) == 0 || m.onEvict == nil {
		return
	}
	m.onEvict(evicted)
}

// Peek returns the live value for key without touching recency or stats.
func (m *MemoryLayer[V]) Peek(key string) (V, bool /*found*/) {
	m.mux.Lock()
	defer m.mux.Unlock()

	entry, found := m.lru.Peek(key)
	if !found || !isLive(entry.insertedAt, m.clock.Now(), m.ttl) {
		return *new(V), false
	}
	return entry.value, true
}

// Contains reports whether key is present and live, without touching recency or stats.
func (m *MemoryLayer[V]) Contains(key string) bool {
	_, found := m.Peek(key)
	return found
}

// Remove deletes key, live or expired, and reports whether it was present. An evicted entry still waiting for its
// write-back counts as present and its write-back is cancelled. It never fails.
func (m *MemoryLayer[V]) Remove(key string) (bool /*removed*/, error) {
	m.mux.Lock()
	defer m.mux.Unlock()
	delete(m.loads, key)
	_, pending := m.pending[key]
	delete(m.pending, key)
	return m.lru.Remove(key) || pending, nil
}

// Clear drops every entry, including dirty ones and pending write-backs, and returns how many there were.
func (m *MemoryLayer[V]) Clear() (int, error) {
	m.mux.Lock()
	defer m.mux.Unlock()
	count := m.lru.Len()
	for key := range m.pending {
		if !m.lru.Contains(key) {
			count++
		}
	}
	m.lru.Purge()
	clear(m.loads)
	clear(m.pending)
	return count, nil
}

// CleanupExpired removes every entry that outlived the TTL.
func (m *MemoryLayer[V]) CleanupExpired() (int, error) {
	m.mux.Lock()
	now := m.clock.Now()
	var expired []evictedEntry[V]
	for _, key := range m.lru.Keys() {
		entry, found := m.lru.Peek(key)
		if !found || isLive(entry.insertedAt, now, m.ttl) {
			continue
		}
		m.lru.Remove(key)
		expired = append(expired, evictedEntry[V]{key: key, entry: *entry, reason: evictedByExpiry})
	}
	m.mux.Unlock()

	if len(expired) > 0 {
		m.logger.Debug("Removed expired entries.", "count", len(expired))
	}
	m.notifyEvicted(expired)
	return len(expired), nil
}

// Keys returns the keys from least to most recently used, expired ones included.
func (m *MemoryLayer[V]) Keys() []string {
	m.mux.Lock()
	defer m.mux.Unlock()
	return m.lru.Keys()
}

// Len returns the number of entries physically present.
func (m *MemoryLayer[V]) Len() int {
	m.mux.Lock()
	defer m.mux.Unlock()
	return m.lru.Len()
}

// dirtyEntries returns a snapshot of live entries that were not yet written to disk.
func (m *MemoryLayer[V]) dirtyEntries() map[string]memoryEntry[V] {
	m.mux.Lock()
	defer m.mux.Unlock()

	now := m.clock.Now()
	dirty := make(map[string]memoryEntry[V])
	for _, key := range m.lru.Keys() {
		if entry, found := m.lru.Peek(key); found && entry.dirty && isLive(entry.insertedAt, now, m.ttl) {
			dirty[key] = *entry
		}
	}
	return dirty
}

// isDirty reports whether key still holds the dirty entry with the given `version`.
func (m *MemoryLayer[V]) isDirty(key string, version uint64) bool {
	m.mux.Lock()
	defer m.mux.Unlock()
	entry, found := m.lru.Peek(key)
	return found && entry.dirty && entry.version == version
}

// markClean clears the dirty bit, unless the entry was replaced after the `version` that got written.
func (m *MemoryLayer[V]) markClean(key string, version uint64) {
	m.mux.Lock()
	defer m.mux.Unlock()
	if entry, found := m.lru.Peek(key); found && entry.version == version {
		entry.dirty = false
	}
}

func (m *MemoryLayer[V]) Stats() LayerStats {
	m.mux.Lock()
	defer m.mux.Unlock()
	requests := m.hits + m.misses
	return LayerStats{
		Name:      m.Name(),
		Size:      m.lru.Len(),
		Capacity:  m.capacity,
		Requests:  requests,
		Hits:      m.hits,
		Misses:    m.misses,
		HitRate:   hitRate(m.hits, requests),
		Evictions: m.evictions,
	}
}
