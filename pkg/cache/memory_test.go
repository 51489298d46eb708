package cache

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestMemoryLayer(t *testing.T, capacity int, ttl time.Duration, clock Clock) *MemoryLayer[string] {
	t.Helper()
	layer, err := NewMemoryLayer[string](capacity, ttl, WithClock(clock))
	require.NoError(t, err)
	return layer
}

func TestNewMemoryLayer_InvalidConfig(t *testing.T) {
	for _, testCase := range []struct {
		name     string
		capacity int
		ttl      time.Duration
	}{
		{name: "zero_capacity", capacity: 0, ttl: time.Minute},
		{name: "negative_capacity", capacity: -3, ttl: time.Minute},
		{name: "zero_ttl", capacity: 10, ttl: 0},
	} {
		t.Run(testCase.name, func(t *testing.T) {
			layer, err := NewMemoryLayer[int](testCase.capacity, testCase.ttl)
			assert.ErrorIs(t, err, ErrInvalidConfig)
			assert.Nil(t, layer)
		})
	}
}

func TestMemoryLayer_InsertAndGet(t *testing.T) {
	layer := newTestMemoryLayer(t, 5, time.Minute, newFakeClock())

	require.NoError(t, layer.Insert("key1", "value1"))
	val, found := layer.Get("key1")
	assert.True(t, found, "Should find key1")
	assert.Equal(t, "value1", val)

	_, found = layer.Get("nonexistent")
	assert.False(t, found, "Should not find a non-existent key")

	require.NoError(t, layer.Insert("key1", "value2"))
	val, _ = layer.Get("key1")
	assert.Equal(t, "value2", val, "Insert should overwrite the value")
	assert.Equal(t, 1, layer.Len())
}

func TestMemoryLayer_EvictsLeastRecentlyUsed(t *testing.T) {
	layer := newTestMemoryLayer(t, 3, time.Minute, newFakeClock())
	require.NoError(t, layer.Insert("a", "1"))
	require.NoError(t, layer.Insert("b", "2"))
	require.NoError(t, layer.Insert("c", "3"))

	// Touch "a" so that "b" becomes the least recently used key.
	_, found := layer.Get("a")
	require.True(t, found)
	require.NoError(t, layer.Insert("d", "4"))

	assert.False(t, layer.Contains("b"), "b should have been evicted")
	assert.True(t, layer.Contains("a"))
	assert.True(t, layer.Contains("c"))
	assert.True(t, layer.Contains("d"))
	assert.Equal(t, []string{"c", "a", "d"}, layer.Keys())
	assert.Equal(t, uint64(1), layer.Stats().Evictions)

	// Re-inserting an existing key of a full layer must not evict anything.
	require.NoError(t, layer.Insert("c", "33"))
	assert.Equal(t, 3, layer.Len())
	assert.Equal(t, []string{"a", "d", "c"}, layer.Keys())
}

func TestMemoryLayer_CapacityNeverExceeded(t *testing.T) {
	const capacity = 8
	layer := newTestMemoryLayer(t, capacity, time.Minute, newFakeClock())
	for i := range 100 {
		require.NoError(t, layer.Insert(fmt.Sprintf("key-%d", i), "v"))
		assert.LessOrEqual(t, layer.Len(), capacity)
		if i >= capacity {
			// The victim is always the oldest touched key.
			assert.False(t, layer.Contains(fmt.Sprintf("key-%d", i-capacity)))
		}
	}
}

func TestMemoryLayer_TTL(t *testing.T) {
	clock := newFakeClock()
	layer := newTestMemoryLayer(t, 5, 100*time.Millisecond, clock)
	require.NoError(t, layer.Insert("x", "value"))

	clock.Advance(99 * time.Millisecond)
	_, found := layer.Get("x")
	assert.True(t, found, "Entry must be live right before its TTL")

	clock.Advance(time.Millisecond)
	_, found = layer.Get("x")
	assert.False(t, found, "Entry must be a miss once its age reaches the TTL")
	assert.False(t, layer.Contains("x"))
	assert.Equal(t, 1, layer.Len(), "Expired entries are only removed by cleanup")

	stats := layer.Stats()
	assert.Equal(t, uint64(1), stats.Hits)
	assert.Equal(t, uint64(1), stats.Misses)
}

func TestMemoryLayer_InsertRefreshesTimestamp(t *testing.T) {
	clock := newFakeClock()
	layer := newTestMemoryLayer(t, 5, time.Second, clock)
	require.NoError(t, layer.Insert("x", "v1"))
	clock.Advance(900 * time.Millisecond)
	require.NoError(t, layer.Insert("x", "v2"))
	clock.Advance(900 * time.Millisecond)

	val, found := layer.Get("x")
	assert.True(t, found)
	assert.Equal(t, "v2", val)
}

func TestMemoryLayer_CleanupExpired(t *testing.T) {
	clock := newFakeClock()
	layer := newTestMemoryLayer(t, 10, time.Second, clock)
	require.NoError(t, layer.Insert("old1", "v"))
	require.NoError(t, layer.Insert("old2", "v"))
	clock.Advance(600 * time.Millisecond)
	require.NoError(t, layer.Insert("young", "v"))
	clock.Advance(600 * time.Millisecond)

	var notified []string
	layer.onEvict = func(evicted []evictedEntry[string]) {
		for _, e := range evicted {
			assert.Equal(t, evictedByExpiry, e.reason)
			notified = append(notified, e.key)
		}
	}
	removed, err := layer.CleanupExpired()
	require.NoError(t, err)
	assert.Equal(t, 2, removed)
	assert.ElementsMatch(t, []string{"old1", "old2"}, notified)
	assert.Equal(t, []string{"young"}, layer.Keys())

	removed, err = layer.CleanupExpired()
	require.NoError(t, err)
	assert.Zero(t, removed, "A second pass has nothing to remove")
}

func TestMemoryLayer_RemoveAndClear(t *testing.T) {
	layer := newTestMemoryLayer(t, 10, time.Minute, newFakeClock())
	for _, key := range []string{"a", "b", "c"} {
		require.NoError(t, layer.Insert(key, key))
	}

	removed, err := layer.Remove("b")
	require.NoError(t, err)
	assert.True(t, removed)
	removed, err = layer.Remove("b")
	require.NoError(t, err)
	assert.False(t, removed, "Removing twice reports absence")

	count, err := layer.Clear()
	require.NoError(t, err)
	assert.Equal(t, 2, count)
	assert.Zero(t, layer.Len())
}

func TestMemoryLayer_ContainsDoesNotTouchRecencyOrStats(t *testing.T) {
	layer := newTestMemoryLayer(t, 2, time.Minute, newFakeClock())
	require.NoError(t, layer.Insert("a", "1"))
	require.NoError(t, layer.Insert("b", "2"))

	assert.True(t, layer.Contains("a"))
	require.NoError(t, layer.Insert("c", "3"))
	assert.False(t, layer.Contains("a"), "Contains must not have refreshed a")
	assert.Zero(t, layer.Stats().Requests)
}

func TestMemoryLayer_EvictionCallback(t *testing.T) {
	layer := newTestMemoryLayer(t, 1, time.Minute, newFakeClock())
	var evicted []evictedEntry[string]
	layer.onEvict = func(entries []evictedEntry[string]) { evicted = append(evicted, entries...) }

	layer.insert("a", "dirty-a", true /*dirty*/)
	layer.insert("b", "clean-b", false /*dirty*/)

	require.Len(t, evicted, 1)
	assert.Equal(t, "a", evicted[0].key)
	assert.Equal(t, "dirty-a", evicted[0].entry.value)
	assert.True(t, evicted[0].entry.dirty)
	assert.Equal(t, evictedByCapacity, evicted[0].reason)
}

func TestMemoryLayer_PendingWriteBack(t *testing.T) {
	layer := newTestMemoryLayer(t, 1, time.Minute, newFakeClock())
	var evicted []evictedEntry[string]
	layer.onEvict = func(entries []evictedEntry[string]) { evicted = append(evicted, entries...) }

	layer.insert("a", "1", true /*dirty*/)
	layer.insert("b", "2", true /*dirty*/)
	require.Len(t, evicted, 1)
	assert.True(t, layer.takePending("a", evicted[0].entry.version))
	assert.False(t, layer.takePending("a", evicted[0].entry.version), "A write-back is claimed once")

	// An evicted entry waiting for its write-back still counts as present.
	layer.insert("c", "3", true /*dirty*/)
	require.Len(t, evicted, 2)
	removed, err := layer.Remove("b")
	require.NoError(t, err)
	assert.True(t, removed)
	assert.False(t, layer.takePending("b", evicted[1].entry.version))

	layer.insert("d", "4", true /*dirty*/)
	require.Len(t, evicted, 3)
	count, err := layer.Clear()
	require.NoError(t, err)
	assert.Equal(t, 2, count) // "d" and the pending "c".
	assert.False(t, layer.takePending("c", evicted[2].entry.version))
}

func TestMemoryLayer_Promote(t *testing.T) {
	clock := newFakeClock()
	layer := newTestMemoryLayer(t, 5, time.Minute, clock)

	for _, testCase := range []struct {
		name          string
		key           string
		duringLoad    func(key string)
		wantPromoted  bool
		wantValue     string
		wantContained bool
	}{
		{name: "untouched_key", key: "a", duringLoad: func(string) {},
			wantPromoted: true, wantValue: "disk", wantContained: true},
		{name: "removed_while_loading", key: "b",
			duringLoad: func(key string) { _, _ = layer.Remove(key) }},
		{name: "written_while_loading", key: "c",
			duringLoad: func(key string) { layer.insert(key, "new", true /*dirty*/) },
			wantValue:  "new", wantContained: true},
		{name: "cleared_while_loading", key: "d",
			duringLoad: func(string) { _, _ = layer.Clear() }},
		{name: "load_ended", key: "e",
			duringLoad: func(key string) { layer.endLoad(key, layer.loads[key]) }},
	} {
		t.Run(testCase.name, func(t *testing.T) {
			ticket := layer.beginLoad(testCase.key)
			testCase.duringLoad(testCase.key)
			assert.Equal(t, testCase.wantPromoted, layer.promote(testCase.key, "disk", ticket))
			value, found := layer.Peek(testCase.key)
			assert.Equal(t, testCase.wantContained, found)
			assert.Equal(t, testCase.wantValue, value)
		})
	}

	t.Run("replaces_expired_clean_entry", func(t *testing.T) {
		require.NoError(t, layer.Insert("f", "expired"))
		clock.Advance(2 * time.Minute)
		ticket := layer.beginLoad("f")
		assert.True(t, layer.promote("f", "disk", ticket))
		value, found := layer.Peek("f")
		assert.True(t, found)
		assert.Equal(t, "disk", value)
	})
	t.Run("keeps_expired_dirty_entry", func(t *testing.T) {
		layer.insert("g", "dirty", true /*dirty*/)
		clock.Advance(2 * time.Minute)
		ticket := layer.beginLoad("g")
		assert.False(t, layer.promote("g", "disk", ticket))
	})
}

func TestMemoryLayer_DirtyTracking(t *testing.T) {
	layer := newTestMemoryLayer(t, 5, time.Minute, newFakeClock())
	layer.insert("a", "1", true /*dirty*/)
	layer.insert("b", "2", false /*dirty*/)

	dirty := layer.dirtyEntries()
	require.Len(t, dirty, 1)
	entryA := dirty["a"]

	// A newer write under the same key must stay dirty.
	layer.insert("a", "1b", true /*dirty*/)
	layer.markClean("a", entryA.version)
	assert.Len(t, layer.dirtyEntries(), 1)

	layer.markClean("a", layer.dirtyEntries()["a"].version)
	assert.Empty(t, layer.dirtyEntries())
}

func TestMemoryLayer_Stats(t *testing.T) {
	layer := newTestMemoryLayer(t, 4, time.Minute, newFakeClock())
	require.NoError(t, layer.Insert("a", "1"))
	layer.Get("a")
	layer.Get("a")
	layer.Get("b")

	stats := layer.Stats()
	assert.Equal(t, "memory", stats.Name)
	assert.Equal(t, 1, stats.Size)
	assert.Equal(t, 4, stats.Capacity)
	assert.Equal(t, uint64(3), stats.Requests)
	assert.Equal(t, uint64(2), stats.Hits)
	assert.Equal(t, uint64(1), stats.Misses)
	assert.InDelta(t, 66.66, stats.HitRate, 0.01)
	assert.Zero(t, stats.BytesUsed)
}

func TestMemoryLayer_Concurrent(t *testing.T) {
	const capacity = 16
	layer := newTestMemoryLayer(t, capacity, time.Minute, SystemClock)
	var wg sync.WaitGroup
	for worker := range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range 500 {
				key := fmt.Sprintf("key-%d", (worker*31+i)%64)
				if i%3 == 0 {
					_ = layer.Insert(key, key)
				} else {
					if val, found := layer.Get(key); found {
						assert.Equal(t, key, val)
					}
				}
			}
		}()
	}
	wg.Wait()
	assert.LessOrEqual(t, layer.Len(), capacity)
	stats := layer.Stats()
	assert.Equal(t, stats.Requests, stats.Hits+stats.Misses)
}
