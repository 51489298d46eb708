package port

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/nobletooth/tiercache/pkg/cache"
	"github.com/nobletooth/tiercache/pkg/maintenance"
	"github.com/nobletooth/tiercache/pkg/scan"
	"github.com/nobletooth/tiercache/pkg/utils"
)

// Backend is the cache as seen by the ports, e.g. Redis.
type Backend struct {
	// mux serializes writes so a conditional SET checks and writes without another write in between.
	mux       sync.Mutex
	cache     *cache.Tiered[string]
	scheduler *maintenance.Scheduler // Optional; without it MAINTENANCE runs on the caller's goroutine.
}

// NewBackend serves `tiered`. The backend owns both arguments from now on and closes them in Close.
func NewBackend(tiered *cache.Tiered[string], scheduler *maintenance.Scheduler) (*Backend, error) {
	if tiered == nil {
		return nil, errors.New("expected a non-nil cache")
	}
	return &Backend{cache: tiered, scheduler: scheduler}, nil
}

// Get looks up the given `key` and reports whether it was found in either tier.
func (b *Backend) Get(key string) (string, bool /*found*/) {
	return b.cache.Get(key)
}

type existenceCheck uint8

const (
	noCheck     existenceCheck = iota
	ifNotExists                // NX
	ifExists                   // XX
)

var allExistenceChecks = []existenceCheck{noCheck, ifExists, ifNotExists}

type SetCommand struct {
	key       string
	value     string
	existence existenceCheck
	get       bool // The Redis GET option; if true, should return the previous value.
}

type SetResult struct {
	previousValue    string // Only set if the command requires the previous value.
	hasPreviousValue bool   // If true, the `key` specified in SetCommand had a previous value.
	couldSet         bool   // If true, something was written to the cache.
	err              error
}

// Set executes the given `cmd` and returns the previous value if required.
func (b *Backend) Set(cmd SetCommand) SetResult {
	if !slices.Contains(allExistenceChecks, cmd.existence) {
		utils.RaiseInvariant("backend", "unknown_set_existence_constraint",
			"Got an unknown existence constraint in the given set command.", "constraint", cmd.existence)
		return SetResult{err: fmt.Errorf("got unknown set constraint '%d'", cmd.existence)}
	}

	b.mux.Lock()
	defer b.mux.Unlock()

	// Check if the previous value needs to be retrieved. The lookup goes through the cache, so it counts as a
	// request and may promote the key.
	var prevValue string
	hasPrevValue := false
	if cmd.existence != noCheck || cmd.get {
		prevValue, hasPrevValue = b.cache.Get(cmd.key)
	}

	// Check whether we can set the value or not.
	couldSet := cmd.existence == noCheck || // Set any way.
		(cmd.existence == ifNotExists && !hasPrevValue) || // NX; Set only if not exists.
		(cmd.existence == ifExists && hasPrevValue) // XX; Set only if exists.
	if couldSet {
		if err := b.cache.Insert(cmd.key, cmd.value); err != nil {
			return SetResult{err: fmt.Errorf("failed to set value: %w", err)}
		}
	}
	return SetResult{previousValue: prevValue, hasPreviousValue: hasPrevValue, couldSet: couldSet}
}

// Delete removes the given keys and returns how many of them existed.
func (b *Backend) Delete(keys ...string) (int, error) {
	b.mux.Lock()
	defer b.mux.Unlock()

	deleted := 0
	var errs []error
	for _, key := range keys {
		removed, err := b.cache.Remove(key)
		if err != nil {
			errs = append(errs, err)
		}
		if removed {
			deleted++
		}
	}
	return deleted, errors.Join(errs...)
}

// Exists counts the given keys that are live in either tier. Repeated keys are counted each time, as Redis does.
func (b *Backend) Exists(keys ...string) int {
	count := 0
	for _, key := range keys {
		if b.cache.Contains(key) {
			count++
		}
	}
	return count
}

// Flush clears both tiers and returns how many entries each one dropped.
func (b *Backend) Flush() (int /*memoryCount*/, int /*diskCount*/, error) {
	b.mux.Lock()
	defer b.mux.Unlock()
	return b.cache.Clear()
}

// Size returns the number of distinct keys held by either tier. Expired entries awaiting cleanup are included.
func (b *Backend) Size() int {
	keys := make(map[string]struct{})
	for _, key := range b.cache.Memory().Keys() {
		keys[key] = struct{}{}
	}
	for _, key := range b.cache.Disk().Keys() {
		keys[key] = struct{}{}
	}
	return len(keys)
}

// Keys returns the live keys of both tiers matching the given glob `pattern`, in increasing order.
func (b *Backend) Keys(pattern string) ([]string, error) {
	memoryKeys := slices.Sorted(slices.Values(b.cache.Memory().Keys()))
	diskKeys := slices.Sorted(slices.Values(b.cache.Disk().Keys()))
	merged, err := scan.MultiHead(strings.Compare, slices.Values(memoryKeys), slices.Values(diskKeys))
	if err != nil {
		return nil, fmt.Errorf("failed to merge tier keys: %w", err)
	}
	matched, err := scan.MatchGlob(pattern, merged)
	if err != nil {
		return nil, err
	}
	keys := make([]string, 0)
	for key := range matched {
		if b.cache.Contains(key) { // Skip expired entries awaiting cleanup.
			keys = append(keys, key)
		}
	}
	return keys, nil
}

// Maintenance runs one maintenance cycle now.
func (b *Backend) Maintenance(ctx context.Context) (cache.MaintenanceReport, error) {
	if b.scheduler != nil {
		return b.scheduler.TriggerMaintenance(ctx)
	}
	return b.cache.Maintenance()
}

// Info renders stats, health and scheduler state in the INFO reply format: `# Section` headers followed by
// `field:value` lines.
func (b *Backend) Info() string {
	stats := b.cache.Stats()
	health := cache.CheckHealth(stats)

	var info strings.Builder
	section := func(name string) { fmt.Fprintf(&info, "# %s\r\n", name) }
	field := func(name string, value any) { fmt.Fprintf(&info, "%s:%v\r\n", name, value) }

	section("Server")
	field("version", utils.Version)
	field("commit", utils.Commit)
	field("uptime_in_seconds", int64(utils.Uptime().Seconds()))
	field("write_strategy", b.cache.Strategy())
	for _, layer := range []cache.LayerStats{stats.Memory, stats.Disk} {
		info.WriteString("\r\n")
		section(strings.ToUpper(layer.Name[:1]) + layer.Name[1:])
		field(layer.Name+"_entries", layer.Size)
		if layer.Capacity > 0 {
			field(layer.Name+"_capacity", layer.Capacity)
		}
		if layer.BytesCapacity > 0 {
			field(layer.Name+"_bytes_used", layer.BytesUsed)
			field(layer.Name+"_bytes_capacity", layer.BytesCapacity)
		}
		field(layer.Name+"_hits", layer.Hits)
		field(layer.Name+"_misses", layer.Misses)
		field(layer.Name+"_hit_rate", fmt.Sprintf("%.2f", layer.HitRate))
		field(layer.Name+"_evictions", layer.Evictions)
	}
	info.WriteString("\r\n")
	section("Stats")
	field("total_requests", stats.TotalRequests)
	field("total_hits", stats.TotalHits)
	field("total_misses", stats.TotalMisses)
	field("combined_hit_rate", fmt.Sprintf("%.2f", stats.CombinedHitRate))
	field("health", health.Status)
	for i, hint := range health.Recommendations {
		field(fmt.Sprintf("recommendation_%d", i), hint)
	}
	if b.scheduler != nil {
		status := b.scheduler.Status()
		info.WriteString("\r\n")
		section("Maintenance")
		field("maintenance_enabled", status.Enabled)
		field("maintenance_running", status.Running)
		field("maintenance_failure_count", status.FailureCount)
		field("maintenance_interval", status.Config.Interval)
		field("maintenance_max_failures", status.Config.MaxFailures)
		if !status.LastRun.IsZero() {
			field("maintenance_last_run", status.LastRun.UTC().Format(time.RFC3339))
			field("maintenance_last_removed", status.LastReport.Total())
		}
		if status.LastError != "" {
			field("maintenance_last_error", status.LastError)
		}
	}
	return info.String()
}

// Close stops background maintenance, then flushes and closes the cache.
func (b *Backend) Close() error {
	if b.scheduler != nil {
		b.scheduler.Stop()
	}
	b.mux.Lock()
	defer b.mux.Unlock()
	return b.cache.Close()
}
