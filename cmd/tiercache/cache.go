package main

import (
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"time"

	"github.com/nobletooth/tiercache/pkg/cache"
	"github.com/nobletooth/tiercache/pkg/config"
	"github.com/nobletooth/tiercache/pkg/maintenance"
)

var (
	memoryCapacity    = flag.Int("memory_capacity", 10_000, "Maximum number of entries held by the memory tier.")
	memoryTTL         = flag.Duration("memory_ttl", 5*time.Minute, "Time to live of memory tier entries.")
	diskDir           = flag.String("disk_dir", "./data", "Directory holding the disk tier.")
	diskTTL           = flag.Duration("disk_ttl", 24*time.Hour, "Time to live of disk tier entries.")
	diskBytesCapacity = flag.Int64("disk_bytes_capacity", 1<<30, /*1 GiB*/
		"Byte cap of the disk tier, enforced by maintenance.")
	diskCompression = flag.Bool("disk_compression", true, "Compress disk tier payloads with zstd.")
	writeStrategy   = flag.String("write_strategy", cache.WriteThrough.String(),
		"How inserts reach the tiers: write-through/write-back")
)

var (
	maintenanceInterval    = flag.Duration("maintenance_interval", 5*time.Minute, "Time between maintenance cycles.")
	maintenanceMaxFailures = flag.Uint("maintenance_max_failures", 5,
		"Consecutive maintenance failures after which scheduled maintenance disables itself.")
	maintenanceEnabled = flag.Bool("maintenance_enabled", true, "Run maintenance in the background.")
)

// newTieredCache builds the cache from flags.
func newTieredCache(logger *slog.Logger) (*cache.Tiered[string], error) {
	strategy, err := cache.ParseWriteStrategy(*writeStrategy)
	if err != nil {
		return nil, err
	}
	memory, err := cache.NewMemoryLayer[string](*memoryCapacity, *memoryTTL, cache.WithLogger(logger))
	if err != nil {
		return nil, fmt.Errorf("failed to create memory tier: %w", err)
	}
	disk, err := cache.NewDiskLayer[string](*diskDir, *diskTTL, *diskBytesCapacity, cache.StringCodec{},
		cache.WithLogger(logger), cache.WithCompression(*diskCompression))
	if err != nil {
		return nil, fmt.Errorf("failed to create disk tier: %w", err)
	}
	tiered, err := cache.NewTiered(memory, disk, cache.WithWriteStrategy(strategy), cache.WithLogger(logger))
	if err != nil {
		return nil, errors.Join(err, disk.Close())
	}
	return tiered, nil
}

func maintenanceConfigFromFlags() maintenance.Config {
	return maintenance.Config{
		Interval:    *maintenanceInterval,
		MaxFailures: uint32(min(*maintenanceMaxFailures, math.MaxUint32)),
		Enabled:     *maintenanceEnabled,
	}
}

// reloadMaintenance applies the maintenance settings of a reloaded config file to the running scheduler. Other
// settings only take effect on restart. A rejected config leaves both the flags and the scheduler untouched.
func reloadMaintenance(values map[string]string, scheduler *maintenance.Scheduler) error {
	reloadable, previous := make(map[string]string), make(map[string]string)
	for flagName, flagValue := range values {
		if !strings.HasPrefix(flagName, "maintenance_") {
			continue
		}
		reloadable[flagName] = flagValue
		if f := flag.Lookup(flagName); f != nil {
			previous[flagName] = f.Value.String()
		}
	}
	err := config.ApplyFlags(reloadable)
	if err == nil {
		err = scheduler.SetConfig(maintenanceConfigFromFlags())
	}
	if err != nil {
		return errors.Join(err, config.ApplyFlags(previous))
	}
	return nil
}
