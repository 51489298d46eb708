package config

import (
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"maps"
	"os"
	"slices"
)

var configFilePath = flag.String("config_file", "config.txtpb", "Path to the configuration file.")

// FilePath returns the -config_file flag value.
func FilePath() string { return *configFilePath }

// LoadFile reads and parses the txtpb config at path.
func LoadFile(path string) (map[ /*flagName*/ string] /*flagValue*/ string, error) {
	configBytes, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}
	return Parse(configBytes)
}

// ApplyFlags sets every given flag, in name order. It stops at the first flag that fails to parse.
func ApplyFlags(values map[ /*flagName*/ string] /*flagValue*/ string) error {
	for _, flagName := range slices.Sorted(maps.Keys(values)) {
		if err := flag.Set(flagName, values[flagName]); err != nil {
			return fmt.Errorf("failed to set flag %s: %w", flagName, err)
		}
	}
	return nil
}

// InitFlags initializes the flags from the config file specified by the -config_file flag.
// It should be called after defining all flags and before using them. Values in the config file win over the
// command line.
func InitFlags() {
	flag.Parse()

	if *configFilePath == "" {
		slog.Info("Config file not specified. Skipping config initialization.")
		return
	}
	values, err := LoadFile(*configFilePath)
	if errors.Is(err, os.ErrNotExist) {
		slog.Warn("Config file does not exist.", "path", *configFilePath, "error", err)
		return
	}
	if err != nil { // If the config file cannot be loaded, we skip loading and use default flag values.
		slog.Error("Failed to load config file.", "error", err)
		return
	}
	if err := ApplyFlags(values); err != nil {
		slog.Error("Failed to set flags from config file.", "error", err)
		return
	}
}
