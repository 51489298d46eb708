// Tiered composes the memory and disk layers into one logical cache.
//
// Reads consult memory first; a memory miss falls through to disk, and a disk hit is promoted back into memory.
// Every Get counts as exactly one request in the coordinator's totals regardless of which tier resolved it.
// Writes follow the configured WriteStrategy. Maintenance sweeps expired entries from both tiers and enforces the
// disk byte cap; it's normally driven by the maintenance scheduler.

package cache

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
)

// Tiered is a two tier cache: a bounded memory layer in front of a persistent disk layer.
// It's safe for concurrent use and meant to be shared by handle, not copied.
type Tiered[V any] struct {
	memory   *MemoryLayer[V]
	disk     *DiskLayer[V]
	strategy WriteStrategy
	logger   *slog.Logger
	// diskLoads collapses concurrent disk reads of the same key into one file read.
	diskLoads singleflight.Group
	// diskSync orders the disk writes of dirty entries against Remove and Clear, so a removed key is never written
	// back after the removal returned.
	diskSync sync.Mutex

	statsMux      sync.Mutex // Guards the running totals below.
	totalRequests uint64
	totalHits     uint64
	totalMisses   uint64

	closed atomic.Bool
}

// diskLoad is the shared result of a coalesced disk read.
type diskLoad[V any] struct {
	value V
	found bool
}

// NewTiered wires the given layers together. The coordinator takes ownership of both layers: they must not be
// shared with another coordinator, and Close closes the disk layer.
func NewTiered[V any](memory *MemoryLayer[V], disk *DiskLayer[V], opts ...Option) (*Tiered[V], error) {
	if memory == nil || disk == nil {
		return nil, fmt.Errorf("%w: both memory and disk layers are required", ErrInvalidConfig)
	}
	o := newOptions(opts)
	if o.strategy != WriteThrough && o.strategy != WriteBack {
		return nil, fmt.Errorf("%w: unknown write strategy %d", ErrInvalidConfig, o.strategy)
	}
	tiered := &Tiered[V]{
		memory:   memory,
		disk:     disk,
		strategy: o.strategy,
		logger:   o.logger.With("strategy", o.strategy.String()),
	}
	memory.onEvict = tiered.handleMemoryEvictions
	return tiered, nil
}

// Memory exposes the memory layer, for reads that must bypass the coordinator.
func (t *Tiered[V]) Memory() *MemoryLayer[V] { return t.memory }

// Disk exposes the disk layer.
func (t *Tiered[V]) Disk() *DiskLayer[V] { return t.disk }

// Strategy returns the write strategy chosen at construction.
func (t *Tiered[V]) Strategy() WriteStrategy { return t.strategy }

// Get looks key up in memory, then on disk. A disk hit is promoted into memory on a best effort basis.
func (t *Tiered[V]) Get(key string) (V, bool /*found*/) {
	if value, found := t.memory.Get(key); found {
		t.recordLookup(true /*hit*/)
		cacheLookups.WithLabelValues("memory").Inc()
		return value, true
	}

	result, _, _ := t.diskLoads.Do(key, func() (any, error) {
		ticket := t.memory.beginLoad(key)
		value, found := t.disk.Get(key)
		if !found {
			t.memory.endLoad(key, ticket)
			return diskLoad[V]{}, nil
		}
		t.promote(key, value, ticket)
		return diskLoad[V]{value: value, found: true}, nil
	})
	load := result.(diskLoad[V])
	if !load.found {
		t.recordLookup(false /*hit*/)
		cacheLookups.WithLabelValues("none").Inc()
		return *new(V), false
	}

	t.recordLookup(true /*hit*/)
	cacheLookups.WithLabelValues("disk").Inc()
	return load.value, true
}

// promote copies a disk hit into memory. The value came from disk, so it is clean even under write-back.
// Promotion never fails the read. It's skipped when the key was written or removed while the disk read was in
// flight, so a stale disk value never replaces a newer write or revives a removed key.
func (t *Tiered[V]) promote(key string, value V, ticket uint64) {
	if t.closed.Load() {
		t.memory.endLoad(key, ticket)
		cachePromotions.WithLabelValues("skipped").Inc()
		return
	}
	if !t.memory.promote(key, value, ticket) {
		cachePromotions.WithLabelValues("skipped").Inc()
		return
	}
	cachePromotions.WithLabelValues("ok").Inc()
}

func (t *Tiered[V]) recordLookup(hit bool) {
	t.statsMux.Lock()
	defer t.statsMux.Unlock()
	t.totalRequests++
	if hit {
		t.totalHits++
	} else {
		t.totalMisses++
	}
}

// Insert stores value under key according to the write strategy.
//
// Under write-through both tiers are written concurrently and a disk failure fails the insert, even though the
// memory write may already have happened; there is no atomicity across tiers. Under write-back only memory is
// written and the entry is marked dirty.
func (t *Tiered[V]) Insert(key string, value V) error {
	if t.closed.Load() {
		return ErrClosed
	}
	if err := checkKeySize(key); err != nil {
		return err
	}
	if t.strategy == WriteBack {
		t.memory.insert(key, value, true /*dirty*/)
		return nil
	}

	var group errgroup.Group
	group.Go(func() error {
		t.memory.insert(key, value, false /*dirty*/)
		return nil
	})
	group.Go(func() error {
		if err := t.disk.Insert(key, value); err != nil {
			return fmt.Errorf("failed to write %q to disk: %w", key, err)
		}
		return nil
	})
	return group.Wait()
}

// handleMemoryEvictions reconciles disk with entries leaving memory. Only write-back leaves dirty entries: one
// evicted for capacity is written to disk now, one that expired is dropped and so is its stale disk copy.
func (t *Tiered[V]) handleMemoryEvictions(evicted []evictedEntry[V]) {
	for _, e := range evicted {
		if !e.entry.dirty {
			continue
		}
		switch e.reason {
		case evictedByCapacity:
			t.writeBackEvicted(e)
		case evictedByExpiry:
			t.dropSupersededDiskCopy(e)
		}
	}
}

// dropSupersededDiskCopy removes the disk copy of a dirty entry that expired in memory. A disk entry written after
// the expired one, e.g. a later write-back of the same key, is kept.
func (t *Tiered[V]) dropSupersededDiskCopy(e evictedEntry[V]) {
	t.diskSync.Lock()
	defer t.diskSync.Unlock()
	if _, err := t.disk.removeInsertedBy(e.key, e.entry.insertedAt); err != nil {
		t.logger.Warn("Failed to remove disk copy superseded by an expired dirty entry.", "key", e.key, "error", err)
	}
}

// writeBackEvicted writes a dirty entry evicted for capacity to disk, unless it was removed or cleared meanwhile.
func (t *Tiered[V]) writeBackEvicted(e evictedEntry[V]) {
	t.diskSync.Lock()
	defer t.diskSync.Unlock()
	if !t.memory.takePending(e.key, e.entry.version) {
		return
	}
	if err := t.disk.Insert(e.key, e.entry.value); err != nil {
		writeBackFlushes.WithLabelValues("failed").Inc()
		t.logger.Error("Failed to write back evicted entry; the value is lost.", "key", e.key, "error", err)
		return
	}
	writeBackFlushes.WithLabelValues("ok").Inc()
}

// Flush writes every live dirty memory entry to disk. It's a no-op under write-through.
func (t *Tiered[V]) Flush() error {
	var errs []error
	for key, entry := range t.memory.dirtyEntries() {
		if err := t.flushEntry(key, entry); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// flushEntry writes one dirty entry, unless it was replaced, evicted or removed since the snapshot was taken.
func (t *Tiered[V]) flushEntry(key string, entry memoryEntry[V]) error {
	t.diskSync.Lock()
	defer t.diskSync.Unlock()
	if !t.memory.isDirty(key, entry.version) {
		return nil
	}
	if err := t.disk.Insert(key, entry.value); err != nil {
		writeBackFlushes.WithLabelValues("failed").Inc()
		return fmt.Errorf("failed to flush %q: %w", key, err)
	}
	writeBackFlushes.WithLabelValues("ok").Inc()
	t.memory.markClean(key, entry.version)
	return nil
}

// Remove deletes key from both tiers and reports whether either had it. Both tiers are always attempted. Disk goes
// first: a disk read that started before the removal can then only race with the memory removal, which cancels
// its promotion.
func (t *Tiered[V]) Remove(key string) (bool /*removed*/, error) {
	t.diskSync.Lock()
	defer t.diskSync.Unlock()
	onDisk, diskErr := t.disk.Remove(key)
	inMemory, _ := t.memory.Remove(key)
	if diskErr != nil {
		return inMemory, fmt.Errorf("failed to remove %q from disk: %w", key, diskErr)
	}
	return inMemory || onDisk, nil
}

// Clear empties both tiers and returns how many entries each one dropped. Statistics are not reset.
func (t *Tiered[V]) Clear() (int /*memoryCount*/, int /*diskCount*/, error) {
	t.diskSync.Lock()
	defer t.diskSync.Unlock()
	diskCount, err := t.disk.Clear()
	memoryCount, _ := t.memory.Clear()
	if err != nil {
		return memoryCount, diskCount, fmt.Errorf("failed to clear disk layer: %w", err)
	}
	t.logger.Info("Cleared cache.", "memory", memoryCount, "disk", diskCount)
	return memoryCount, diskCount, nil
}

// Contains checks memory then disk without promoting and without counting a request.
func (t *Tiered[V]) Contains(key string) bool {
	return t.memory.Contains(key) || t.disk.Contains(key)
}

// Maintenance runs one cycle: memory cleanup, disk cleanup, then disk size enforcement. Every step runs even if an
// earlier one failed; the report holds what was removed and the error joins every failure.
func (t *Tiered[V]) Maintenance() (MaintenanceReport, error) {
	var report MaintenanceReport
	var errs []error

	memoryExpired, err := t.memory.CleanupExpired()
	report.MemoryExpired = memoryExpired
	if err != nil {
		errs = append(errs, fmt.Errorf("memory cleanup: %w", err))
	}
	diskExpired, err := t.disk.CleanupExpired()
	report.DiskExpired = diskExpired
	if err != nil {
		errs = append(errs, fmt.Errorf("disk cleanup: %w", err))
	}
	sizeEnforced, err := t.disk.EnforceSizeLimit()
	report.SizeEnforced = sizeEnforced
	if err != nil {
		errs = append(errs, fmt.Errorf("disk size enforcement: %w", err))
	}

	maintenanceRemoved.WithLabelValues("memory_expired").Add(float64(report.MemoryExpired))
	maintenanceRemoved.WithLabelValues("disk_expired").Add(float64(report.DiskExpired))
	maintenanceRemoved.WithLabelValues("size_enforced").Add(float64(report.SizeEnforced))
	return report, errors.Join(errs...)
}

// Stats merges live layer snapshots with the coordinator's running totals.
func (t *Tiered[V]) Stats() CombinedStats {
	memoryStats, diskStats := t.memory.Stats(), t.disk.Stats()

	t.statsMux.Lock()
	defer t.statsMux.Unlock()
	return CombinedStats{
		Memory:          memoryStats,
		Disk:            diskStats,
		TotalRequests:   t.totalRequests,
		TotalHits:       t.totalHits,
		TotalMisses:     t.totalMisses,
		CombinedHitRate: hitRate(t.totalHits, t.totalRequests),
	}
}

// Close flushes dirty entries (write-back) and closes the disk layer. Further inserts fail with ErrClosed.
func (t *Tiered[V]) Close() error {
	if !t.closed.CompareAndSwap(false, true) {
		return nil
	}
	flushErr := t.Flush()
	return errors.Join(flushErr, t.disk.Close())
}
