// The disk layer persists serialized values under a root directory, one file per key. File names are derived from
// the xxhash of the key, sharded into 256 subdirectories. Writes go to a temp file that is renamed into place, so a
// crash mid-write never leaves a torn entry behind. An in-memory index (rebuilt on startup by scanning the root)
// tracks every entry's size and insertion time, which keeps byte accounting exact and lets size enforcement evict
// oldest-inserted entries first without touching the filesystem.
//
// Read failures on individual entries (missing file, bad checksum, codec error) are misses, never errors, so a
// corrupted file cannot poison the cache; the next successful insert simply overwrites it.

package cache

import (
	"cmp"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/google/uuid"
	"github.com/klauspost/compress/zstd"
	"github.com/nobletooth/tiercache/pkg/utils"
)

const (
	entryFileExt = ".entry"
	tempDirName  = "tmp"
	// lowWaterPercent is where size enforcement stops once the byte cap was exceeded, so a steady write rate
	// doesn't trigger an eviction on every maintenance cycle.
	lowWaterPercent = 80
)

var errEntryNotFound = errors.New("disk entry not found")

// diskEntry is the index record of a single file.
type diskEntry struct {
	key        string
	path       string
	size       int64 // Bytes on disk, header included.
	insertedAt time.Time
}

// DiskLayer is a thread-safe, byte-capped, file per entry store.
type DiskLayer[V any] struct {
	root          string
	tmpDir        string
	ttl           time.Duration
	bytesCapacity int64
	codec         Codec[V]
	clock         Clock
	logger        *slog.Logger
	compress      bool
	encoder       *zstd.Encoder // EncodeAll / DecodeAll are safe for concurrent use.
	decoder       *zstd.Decoder

	// mux is held shared while reading a file and exclusively while the index or the files change.
	mux       sync.RWMutex
	index     map[string]*linkedListNode[*diskEntry]
	owners    map[ /*path*/ string] /*key*/ string // Detects two keys hashing to the same file.
	order     linkedList[*diskEntry]               // Insertion order; the oldest entry is at the front.
	bytesUsed int64
	evictions uint64
	closed    bool

	hits, misses atomic.Uint64
}

var _ Layer[int] = (*DiskLayer[int])(nil)

// NewDiskLayer opens (or creates) a disk layer under `root`. Existing entries are indexed, leftover temp files are
// deleted and unreadable entry files are removed.
func NewDiskLayer[V any](root string, ttl time.Duration, bytesCapacity int64, codec Codec[V],
	opts ...Option) (*DiskLayer[V], error) {
	switch {
	case root == "":
		return nil, fmt.Errorf("%w: disk root path is required", ErrInvalidConfig)
	case ttl <= 0:
		return nil, fmt.Errorf("%w: disk ttl must be positive, got %s", ErrInvalidConfig, ttl)
	case bytesCapacity <= 0:
		return nil, fmt.Errorf("%w: disk byte capacity must be positive, got %d", ErrInvalidConfig, bytesCapacity)
	case codec == nil:
		return nil, fmt.Errorf("%w: disk codec is required", ErrInvalidConfig)
	}

	// Make sure directory exists.
	if dirInfo, err := os.Stat(root); err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to stat disk cache directory %s: %w", root, err)
		}
		if err := os.MkdirAll(root, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create disk cache directory %s: %w", root, err)
		}
	} else if !dirInfo.IsDir() {
		return nil, fmt.Errorf("%w: disk cache path %s is not a directory", ErrInvalidConfig, root)
	}
	tmpDir := filepath.Join(root, tempDirName)
	if err := os.MkdirAll(tmpDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create temp directory %s: %w", tmpDir, err)
	}

	encoder, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, fmt.Errorf("failed to create zstd encoder: %w", err)
	}
	decoder, err := zstd.NewReader(nil)
	if err != nil {
		_ = encoder.Close()
		return nil, fmt.Errorf("failed to create zstd decoder: %w", err)
	}

	o := newOptions(opts)
	disk := &DiskLayer[V]{
		root:          root,
		tmpDir:        tmpDir,
		ttl:           ttl,
		bytesCapacity: bytesCapacity,
		codec:         codec,
		clock:         o.clock,
		logger:        o.logger.With("layer", "disk", "root", root),
		compress:      o.compress,
		encoder:       encoder,
		decoder:       decoder,
		index:         make(map[string]*linkedListNode[*diskEntry]),
		owners:        make(map[string]string),
	}
	if err := disk.load(); err != nil {
		_ = disk.Close()
		return nil, err
	}
	// Entries that expired, or bytes added over the cap, while the process was down are dropped right away rather
	// than on the first maintenance cycle. Failures are left to that cycle.
	if expired, err := disk.CleanupExpired(); err != nil {
		disk.logger.Warn("Failed to remove expired entries on load.", "removed", expired, "error", err)
	}
	if evicted, err := disk.EnforceSizeLimit(); err != nil {
		disk.logger.Warn("Failed to enforce the byte capacity on load.", "removed", evicted, "error", err)
	}
	return disk, nil
}

// load rebuilds the index from the files under root.
func (d *DiskLayer[V]) load() error {
	tempFiles, err := os.ReadDir(d.tmpDir)
	if err != nil {
		return fmt.Errorf("failed to list temp directory %s: %w", d.tmpDir, err)
	}
	for _, tempFile := range tempFiles { // Interrupted writes.
		if err := os.RemoveAll(filepath.Join(d.tmpDir, tempFile.Name())); err != nil {
			d.logger.Warn("Failed to remove leftover temp file.", "file", tempFile.Name(), "error", err)
		}
	}

	var entries []*diskEntry
	discarded := 0
	err = filepath.WalkDir(d.root, func(path string, dirEntry fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if dirEntry.IsDir() {
			if path == d.tmpDir {
				return filepath.SkipDir
			}
			return nil
		}
		if filepath.Ext(path) != entryFileExt { // Skip foreign files.
			return nil
		}
		entry, err := d.readEntryMeta(path)
		if err != nil {
			discarded++
			d.logger.Warn("Discarding unreadable disk entry.", "path", path, "error", err)
			if removeErr := os.Remove(path); removeErr != nil && !errors.Is(removeErr, fs.ErrNotExist) {
				return fmt.Errorf("failed to remove unreadable entry %s: %w", path, removeErr)
			}
			return nil
		}
		entries = append(entries, entry)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to scan disk cache directory %s: %w", d.root, err)
	}

	slices.SortFunc(entries, oldestFirst)
	for _, entry := range entries {
		d.index[entry.key] = d.order.PushBack(entry)
		d.owners[entry.path] = entry.key
		d.bytesUsed += entry.size
	}
	d.logger.Info("Loaded disk cache layer.", "entries", len(entries), "bytesUsed", d.bytesUsed,
		"discarded", discarded)
	return nil
}

// readEntryMeta reads the header of the entry file at path and validates its location.
func (d *DiskLayer[V]) readEntryMeta(path string) (*diskEntry, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = file.Close() }()

	header, key, err := readRecordMeta(file)
	if err != nil {
		return nil, err
	}
	if expected := d.entryPath(key); expected != path {
		return nil, fmt.Errorf("%w: entry for %q found at %s, expected %s", errCorruptRecord, key, path, expected)
	}
	info, err := file.Stat()
	if err != nil {
		return nil, err
	}
	if info.Size() < int64(recordHeaderSize+header.keySize) {
		return nil, fmt.Errorf("%w: file is shorter than its header", errCorruptRecord)
	}
	return &diskEntry{key: key, path: path, size: info.Size(), insertedAt: header.insertedAt}, nil
}

// entryPath maps a key to its file: <root>/<first 2 hex digits>/<16 hex digits>.entry.
func (d *DiskLayer[V]) entryPath(key string) string {
	name := fmt.Sprintf("%016x", xxhash.Sum64String(key))
	return filepath.Join(d.root, name[:2], name+entryFileExt)
}

func (d *DiskLayer[V]) Name() string { return "disk" }

// TTL returns the configured time to live.
func (d *DiskLayer[V]) TTL() time.Duration { return d.ttl }

// Root returns the directory the layer stores its files in.
func (d *DiskLayer[V]) Root() string { return d.root }

// Get reads and decodes the entry for key. Any failure to produce a value is a miss.
func (d *DiskLayer[V]) Get(key string) (V, bool /*found*/) {
	value, err := d.read(key)
	if err != nil {
		d.misses.Add(1)
		if !errors.Is(err, errEntryNotFound) {
			diskCorruptReads.Inc()
			d.logger.Debug("Treating unreadable disk entry as a miss.", "key", key, "error", err)
		}
		return *new(V), false
	}
	d.hits.Add(1)
	return value, true
}

// read loads and decodes the entry for key. The shared lock is held throughout, so Close cannot release the
// decoder mid-read.
func (d *DiskLayer[V]) read(key string) (V, error) {
	d.mux.RLock()
	defer d.mux.RUnlock()

	var zero V
	node, found := d.index[key]
	if d.closed || !found || !isLive(node.Value.insertedAt, d.clock.Now(), d.ttl) {
		return zero, errEntryNotFound
	}
	packed, err := os.ReadFile(node.Value.path)
	if err != nil {
		return zero, err
	}
	record, err := unpackRecord(packed)
	if err != nil {
		return zero, err
	}
	if record.key != key {
		return zero, fmt.Errorf("%w: file holds key %q", errCorruptRecord, record.key)
	}
	payload := record.payload
	if record.flags.Is(compressedPayload) {
		if payload, err = d.decoder.DecodeAll(payload, nil); err != nil {
			return zero, fmt.Errorf("failed to decompress entry: %w", err)
		}
	}
	value, err := d.codec.Unmarshal(payload)
	if err != nil {
		return zero, fmt.Errorf("%w: %w", ErrSerialization, err)
	}
	return value, nil
}

// Insert writes the value for key, replacing any previous entry and resetting its insertion time. The byte cap is
// not enforced here; EnforceSizeLimit does that during maintenance.
func (d *DiskLayer[V]) Insert(key string, value V) error {
	if d.isClosed() {
		return ErrClosed
	}
	if err := checkKeySize(key); err != nil {
		return err
	}
	payload, err := d.codec.Marshal(value)
	if err != nil {
		return fmt.Errorf("%w: key %q: %w", ErrSerialization, key, err)
	}
	var flags recordFlags
	if d.compress {
		payload = d.encoder.EncodeAll(payload, nil)
		flags |= compressedPayload
	}
	insertedAt := d.clock.Now()
	packed := diskRecord{flags: flags, insertedAt: insertedAt, key: key, payload: payload}.pack()

	// The temp file is written outside the lock; only the rename and the index update are serialized.
	tmpPath, err := d.writeTemp(packed)
	if err != nil {
		return err
	}

	d.mux.Lock()
	defer d.mux.Unlock()
	if d.closed {
		_ = os.Remove(tmpPath)
		return ErrClosed
	}
	path := d.entryPath(key)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to create shard directory for %q: %w", key, err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to move entry for %q into place: %w", key, err)
	}

	// The file now belongs to `key`; a different key that hashed to the same path lost its entry.
	if owner, owned := d.owners[path]; owned && owner != key {
		d.logger.Warn("Disk entry path collision, dropping previous key.", "key", key, "previousKey", owner)
		d.dropLocked(d.index[owner])
	}
	size := int64(len(packed))
	if node, found := d.index[key]; found {
		d.bytesUsed -= node.Value.size
		node.Value.size = size
		node.Value.insertedAt = insertedAt
		d.order.MoveToBack(node)
	} else {
		d.index[key] = d.order.PushBack(&diskEntry{key: key, path: path, size: size, insertedAt: insertedAt})
	}
	d.owners[path] = key
	d.bytesUsed += size
	return nil
}

// writeTemp writes data to a fresh, fsynced temp file and returns its path.
func (d *DiskLayer[V]) writeTemp(data []byte) (string, error) {
	tmpPath := filepath.Join(d.tmpDir, uuid.NewString()+".tmp")
	file, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return "", fmt.Errorf("failed to create temp file: %w", err)
	}
	_, writeErr := file.Write(data)
	syncErr := file.Sync()
	closeErr := file.Close()
	if err := errors.Join(writeErr, syncErr, closeErr); err != nil {
		_ = os.Remove(tmpPath)
		return "", fmt.Errorf("failed to write temp file %s: %w", tmpPath, err)
	}
	return tmpPath, nil
}

func (d *DiskLayer[V]) isClosed() bool {
	d.mux.RLock()
	defer d.mux.RUnlock()
	return d.closed
}

// Contains reports whether key has a live index entry. The file itself is not read.
func (d *DiskLayer[V]) Contains(key string) bool {
	d.mux.RLock()
	defer d.mux.RUnlock()
	node, found := d.index[key]
	return found && isLive(node.Value.insertedAt, d.clock.Now(), d.ttl)
}

// Remove deletes the entry for key. A failure to delete the file keeps the entry indexed.
func (d *DiskLayer[V]) Remove(key string) (bool /*removed*/, error) {
	d.mux.Lock()
	defer d.mux.Unlock()
	node, found := d.index[key]
	if !found {
		return false, nil
	}
	if err := d.removeLocked(node); err != nil {
		return false, err
	}
	return true, nil
}

// removeInsertedBy deletes the entry for key unless it was inserted after `cutoff`.
func (d *DiskLayer[V]) removeInsertedBy(key string, cutoff time.Time) (bool /*removed*/, error) {
	d.mux.Lock()
	defer d.mux.Unlock()
	node, found := d.index[key]
	if !found || node.Value.insertedAt.After(cutoff) {
		return false, nil
	}
	if err := d.removeLocked(node); err != nil {
		return false, err
	}
	return true, nil
}

// removeLocked deletes the file of the given entry and drops it from the index. Caller must hold the write lock.
func (d *DiskLayer[V]) removeLocked(node *linkedListNode[*diskEntry]) error {
	if err := os.Remove(node.Value.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to remove disk entry %q: %w", node.Value.key, err)
	}
	d.dropLocked(node)
	return nil
}

// dropLocked forgets an entry without touching its file. Caller must hold the write lock.
func (d *DiskLayer[V]) dropLocked(node *linkedListNode[*diskEntry]) {
	if node == nil {
		utils.RaiseInvariant("disk", "nil_index_node", "Tried to drop a missing disk index entry.")
		return
	}
	entry := node.Value
	delete(d.index, entry.key)
	if d.owners[entry.path] == entry.key {
		delete(d.owners, entry.path)
	}
	d.order.Remove(node)
	d.bytesUsed -= entry.size
	if d.bytesUsed < 0 {
		utils.RaiseInvariant("disk", "negative_bytes_used", "Disk byte accounting went negative.",
			"bytesUsed", d.bytesUsed, "key", entry.key)
		d.bytesUsed = 0
	}
}

// Clear removes every entry. Entries whose file could not be deleted stay indexed and are reported in the error.
func (d *DiskLayer[V]) Clear() (int, error) {
	d.mux.Lock()
	defer d.mux.Unlock()

	var errs []error
	removed := 0
	for node := d.order.Front(); node != nil; {
		next := node.Next() // Grab it before the node is unlinked.
		if err := d.removeLocked(node); err != nil {
			errs = append(errs, err)
		} else {
			removed++
		}
		node = next
	}
	return removed, errors.Join(errs...)
}

// CleanupExpired removes every entry that outlived the TTL, independently of the byte cap.
func (d *DiskLayer[V]) CleanupExpired() (int, error) {
	d.mux.Lock()
	defer d.mux.Unlock()

	now := d.clock.Now()
	var errs []error
	removed := 0
	for node := d.order.Front(); node != nil; {
		next := node.Next()
		if !isLive(node.Value.insertedAt, now, d.ttl) {
			if err := d.removeLocked(node); err != nil {
				errs = append(errs, err)
			} else {
				removed++
			}
		}
		node = next
	}
	if removed > 0 {
		d.logger.Debug("Removed expired entries.", "count", removed)
	}
	return removed, errors.Join(errs...)
}

// EnforceSizeLimit does nothing while the bytes used fit the byte capacity. Once they don't, it evicts the oldest
// inserted entries until the bytes used drop to 80% of the capacity. It stops at the first entry it fails to
// remove, since evicting past it would break the oldest-first order.
func (d *DiskLayer[V]) EnforceSizeLimit() (int, error) {
	d.mux.Lock()
	defer d.mux.Unlock()

	if d.bytesUsed <= d.bytesCapacity {
		return 0, nil
	}
	lowWater := int64(float64(d.bytesCapacity) * lowWaterPercent / 100)
	removed := 0
	for d.bytesUsed > lowWater {
		oldest := d.order.Front()
		if oldest == nil {
			utils.RaiseInvariant("disk", "bytes_without_entries", "Disk bytes used is positive with no entries.",
				"bytesUsed", d.bytesUsed)
			d.bytesUsed = 0
			break
		}
		if err := d.removeLocked(oldest); err != nil {
			return removed, err
		}
		removed++
		d.evictions++
	}
	if removed > 0 {
		d.logger.Debug("Evicted entries over the byte capacity.", "count", removed, "bytesUsed", d.bytesUsed)
	}
	return removed, nil
}

// Keys returns the indexed keys, oldest insertion first. Expired entries are included.
func (d *DiskLayer[V]) Keys() []string {
	d.mux.RLock()
	defer d.mux.RUnlock()
	keys := make([]string, 0, d.order.Len())
	for entry := range d.order.All() {
		keys = append(keys, entry.key)
	}
	return keys
}

// BytesUsed returns the bytes taken by indexed entries. It may exceed the capacity until EnforceSizeLimit runs.
func (d *DiskLayer[V]) BytesUsed() int64 {
	d.mux.RLock()
	defer d.mux.RUnlock()
	return d.bytesUsed
}

func (d *DiskLayer[V]) Stats() LayerStats {
	d.mux.RLock()
	defer d.mux.RUnlock()
	hits, misses := d.hits.Load(), d.misses.Load()
	return LayerStats{
		Name:          d.Name(),
		Size:          len(d.index),
		Requests:      hits + misses,
		Hits:          hits,
		Misses:        misses,
		HitRate:       hitRate(hits, hits+misses),
		Evictions:     d.evictions,
		BytesUsed:     d.bytesUsed,
		BytesCapacity: d.bytesCapacity,
	}
}

// Close releases the compression resources. Files stay on disk and are picked up by the next NewDiskLayer.
func (d *DiskLayer[V]) Close() error {
	d.mux.Lock()
	defer d.mux.Unlock()
	if d.closed {
		return nil
	}
	d.closed = true
	d.decoder.Close()
	return d.encoder.Close()
}

// oldestFirst orders entries by insertion time, breaking ties by key so reloads are deterministic.
func oldestFirst(a, b *diskEntry) int {
	return cmp.Or(a.insertedAt.Compare(b.insertedAt), cmp.Compare(a.key, b.key))
}
