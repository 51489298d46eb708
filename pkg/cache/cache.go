// Tiercache keeps recently used values in a bounded in-memory store and backs it with a persistent on-disk store.
// Both stores implement Layer, so the coordinator (Tiered) and the maintenance process can treat them uniformly.
// Entries are timestamped on insert and become logically absent once they outlive their store's TTL, even when they
// are still physically present until a cleanup pass removes them.

package cache

import (
	"errors"
	"fmt"
	"log/slog"
	"time"
)

var (
	// ErrInvalidConfig is returned by constructors given unusable parameters, e.g. a zero capacity.
	ErrInvalidConfig = errors.New("invalid cache configuration")
	// ErrSerialization wraps codec failures; they indicate a caller/type contract violation.
	ErrSerialization = errors.New("cache value serialization failed")
	// ErrClosed is returned by write paths after Close.
	ErrClosed = errors.New("cache is closed")
	// ErrKeyTooLarge is returned by inserts of keys over 1 MiB.
	ErrKeyTooLarge = errors.New("cache key too large")
)

// Layer is a single cache store keyed by strings.
type Layer[V any] interface {
	Name() string // Short name used in stats, logs and metrics, e.g. "memory".
	// Get returns the live value for key. Expired entries are reported as not found.
	Get(key string) (V, bool)
	// Insert adds or refreshes key, resetting its insertion time.
	Insert(key string, value V) error
	// Remove deletes key and reports whether it was present.
	Remove(key string) (bool, error)
	// Contains reports whether key holds a live entry without touching recency or stats.
	Contains(key string) bool
	Clear() (int, error)          // Removes every entry and returns how many were removed.
	CleanupExpired() (int, error) // Eagerly removes every TTL-expired entry.
	Stats() LayerStats
}

// Clock provides timestamps for entry ages.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// SystemClock reads the wall clock. A clock rewinding backwards makes entries look younger than they are.
var SystemClock Clock = systemClock{}

// isLive reports whether an entry inserted at `insertedAt` is still within `ttl` at `now`.
func isLive(insertedAt, now time.Time, ttl time.Duration) bool {
	return now.Sub(insertedAt) < ttl
}

// WriteStrategy selects how Tiered propagates inserts.
type WriteStrategy int

const (
	// WriteThrough writes both tiers on every insert; a disk failure fails the insert.
	WriteThrough WriteStrategy = iota
	// WriteBack writes the memory tier only. Dirty entries reach disk when evicted, or on Flush / Close.
	WriteBack
)

func (s WriteStrategy) String() string {
	switch s {
	case WriteThrough:
		return "write-through"
	case WriteBack:
		return "write-back"
	default:
		return "unknown"
	}
}

// ParseWriteStrategy parses the names produced by WriteStrategy.String.
func ParseWriteStrategy(name string) (WriteStrategy, error) {
	switch name {
	case "write-through", "write_through":
		return WriteThrough, nil
	case "write-back", "write_back":
		return WriteBack, nil
	default:
		return 0, fmt.Errorf("%w: unknown write strategy %q", ErrInvalidConfig, name)
	}
}

// options are shared by all constructors in this package; each constructor reads the fields it cares about.
type options struct {
	clock    Clock
	logger   *slog.Logger
	compress bool
	strategy WriteStrategy
}

// Option configures a store or the coordinator.
type Option func(*options)

func newOptions(opts []Option) options {
	o := options{clock: SystemClock, logger: slog.Default(), compress: true, strategy: WriteThrough}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// WithClock overrides the clock used to timestamp entries.
func WithClock(clock Clock) Option {
	return func(o *options) {
		if clock != nil {
			o.clock = clock
		}
	}
}

// WithLogger overrides the slog logger; the default logger is used otherwise.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithCompression toggles zstd compression of disk payloads. Enabled by default.
func WithCompression(enabled bool) Option {
	return func(o *options) { o.compress = enabled }
}

// WithWriteStrategy picks the coordinator's write propagation policy. Defaults to WriteThrough.
func WithWriteStrategy(strategy WriteStrategy) Option {
	return func(o *options) { o.strategy = strategy }
}
