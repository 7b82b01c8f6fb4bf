// Package cacheconfig provides the configuration inputs consumed by the
// cache maintenance worker: every tunable the worker reads is exposed here,
// read-only at runtime.
package cacheconfig

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/tailscale/hujson"
)

// Config is the read-only view of the settings the worker depends on.
// All values are fixed for the lifetime of a worker; there is no hot-reload.
type Config interface {
	// Directory returns the cache root path.
	Directory() string

	// WorkerEventQueueSize returns the bounded queue depth for async events.
	WorkerEventQueueSize() int

	// BaselineCompressionLevel returns the initial stats compression level.
	BaselineCompressionLevel() int32

	// OptimizedCompressionLevel returns the target level for hot artifacts.
	OptimizedCompressionLevel() int32

	// OptimizedCompressionUsageThreshold returns the usages value at which
	// recompression becomes eligible.
	OptimizedCompressionUsageThreshold() uint64

	// OptimizingCompressionTaskTimeout returns the freshness window for
	// <artifact>.wip-* locks.
	OptimizingCompressionTaskTimeout() time.Duration

	// CleanupInterval returns the freshness window for the .cleanup.wip-*
	// lock, and the minimum inter-sweep spacing.
	CleanupInterval() time.Duration

	// FilesTotalSizeSoftLimit returns S_soft.
	FilesTotalSizeSoftLimit() uint64

	// FilesCountSoftLimit returns N_soft.
	FilesCountSoftLimit() uint64

	// FilesTotalSizeLimitPercentIfDeleting returns the percentage used to
	// derive S_low from S_soft.
	FilesTotalSizeLimitPercentIfDeleting() uint64

	// FilesCountLimitPercentIfDeleting returns the percentage used to derive
	// N_low from N_soft.
	FilesCountLimitPercentIfDeleting() uint64

	// ClockSkewThreshold returns the cutoff beyond which a future mtime is
	// treated as expired rather than tolerated.
	ClockSkewThreshold() time.Duration
}

// Options is the concrete, serializable implementation of [Config].
//
// Field names follow the worker's own tunable vocabulary so a config file
// maps directly onto the documented table of knobs.
type Options struct {
	CacheDirectory string `json:"directory"`

	WorkerEventQueueSizeValue int `json:"worker_event_queue_size"` //nolint:tagliatelle

	BaselineCompressionLevelValue  int32 `json:"baseline_compression_level"`  //nolint:tagliatelle
	OptimizedCompressionLevelValue int32 `json:"optimized_compression_level"` //nolint:tagliatelle

	OptimizedCompressionUsageThresholdValue uint64 `json:"optimized_compression_usage_counter_threshold"` //nolint:tagliatelle

	OptimizingCompressionTaskTimeoutValue time.Duration `json:"optimizing_compression_task_timeout"` //nolint:tagliatelle
	CleanupIntervalValue                  time.Duration `json:"cleanup_interval"`                    //nolint:tagliatelle

	FilesTotalSizeSoftLimitValue uint64 `json:"files_total_size_soft_limit"` //nolint:tagliatelle
	FilesCountSoftLimitValue     uint64 `json:"files_count_soft_limit"`      //nolint:tagliatelle

	FilesTotalSizeLimitPercentIfDeletingValue uint64 `json:"files_total_size_limit_percent_if_deleting"` //nolint:tagliatelle
	FilesCountLimitPercentIfDeletingValue     uint64 `json:"files_count_limit_percent_if_deleting"`      //nolint:tagliatelle

	ClockSkewThresholdValue time.Duration `json:"clock_skew_threshold"` //nolint:tagliatelle
}

// Compile-time interface check.
var _ Config = Options{}

// DefaultOptions returns the built-in defaults. Callers typically load a
// config file over these with [Load].
func DefaultOptions(directory string) Options {
	return Options{
		CacheDirectory: directory,

		WorkerEventQueueSizeValue: 200,

		BaselineCompressionLevelValue:  3,
		OptimizedCompressionLevelValue: 19,

		OptimizedCompressionUsageThresholdValue: 3,

		OptimizingCompressionTaskTimeoutValue: 5 * time.Minute,
		CleanupIntervalValue:                  10 * time.Minute,

		FilesTotalSizeSoftLimitValue: 512 * 1024 * 1024,
		FilesCountSoftLimitValue:     65536,

		FilesTotalSizeLimitPercentIfDeletingValue: 70,
		FilesCountLimitPercentIfDeletingValue:     70,

		ClockSkewThresholdValue: 24 * time.Hour,
	}
}

func (o Options) Directory() string                   { return o.CacheDirectory }
func (o Options) WorkerEventQueueSize() int            { return o.WorkerEventQueueSizeValue }
func (o Options) BaselineCompressionLevel() int32      { return o.BaselineCompressionLevelValue }
func (o Options) OptimizedCompressionLevel() int32     { return o.OptimizedCompressionLevelValue }
func (o Options) ClockSkewThreshold() time.Duration    { return o.ClockSkewThresholdValue }
func (o Options) CleanupInterval() time.Duration       { return o.CleanupIntervalValue }
func (o Options) FilesCountSoftLimit() uint64          { return o.FilesCountSoftLimitValue }
func (o Options) FilesTotalSizeSoftLimit() uint64      { return o.FilesTotalSizeSoftLimitValue }

func (o Options) OptimizedCompressionUsageThreshold() uint64 {
	return o.OptimizedCompressionUsageThresholdValue
}

func (o Options) OptimizingCompressionTaskTimeout() time.Duration {
	return o.OptimizingCompressionTaskTimeoutValue
}

func (o Options) FilesTotalSizeLimitPercentIfDeleting() uint64 {
	return o.FilesTotalSizeLimitPercentIfDeletingValue
}

func (o Options) FilesCountLimitPercentIfDeleting() uint64 {
	return o.FilesCountLimitPercentIfDeletingValue
}

// ConfigFileName is the default override file name, looked up relative to
// the cache directory.
const ConfigFileName = ".cacheworker.json"

// Load builds an [Options] value by layering an optional on-disk override
// (tolerant JSON-with-comments, parsed with hujson) on top of
// [DefaultOptions]. A missing override file is not an error.
func Load(directory string) (Options, error) {
	opts := DefaultOptions(directory)

	overridePath := filepath.Join(directory, ConfigFileName)

	raw, err := os.ReadFile(overridePath)
	if err != nil {
		if os.IsNotExist(err) {
			return opts, nil
		}

		return opts, err
	}

	standardized, err := hujson.Standardize(raw)
	if err != nil {
		return opts, err
	}

	if err := jsonUnmarshalOnto(&opts, standardized); err != nil {
		return opts, err
	}

	opts.CacheDirectory = directory

	return opts, nil
}

func jsonUnmarshalOnto(opts *Options, standardized []byte) error {
	return json.Unmarshal(standardized, opts)
}

// GlobalConfigPath mirrors the XDG-aware lookup idiom used elsewhere in this
// codebase, for operators who want a user-wide override path to inspect
// instead of (or in addition to) a per-cache-directory one. It is not
// consulted by [Load]: per-directory configuration is authoritative, this is
// a diagnostic surfaced by cmd/cachemaintainer's --show-global-config-path.
func GlobalConfigPath(env []string) string {
	for _, e := range env {
		if after, ok := strings.CutPrefix(e, "XDG_CONFIG_HOME="); ok {
			return filepath.Join(after, "cachemaintainer", "config.json")
		}
	}

	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "cachemaintainer", "config.json")
	}

	home, err := os.UserHomeDir()
	if err == nil {
		return filepath.Join(home, ".config", "cachemaintainer", "config.json")
	}

	return ""
}
