// Package maintain implements the two event handlers that drive the cache
// maintenance worker: OnCacheGet (bump usage, maybe recompress) and
// OnCacheUpdate (create stats, maybe sweep).
package maintain

import (
	"os"
	"path/filepath"
	"sort"

	"github.com/klauspost/compress/zstd"
	"go.uber.org/zap"

	"github.com/cachekeeper/worker/internal/cacheconfig"
	"github.com/cachekeeper/worker/internal/cachescan"
	"github.com/cachekeeper/worker/internal/fslock"
	"github.com/cachekeeper/worker/internal/statcodec"
	"github.com/cachekeeper/worker/pkg/fs"
)

// statsSuffix is the stats sidecar extension.
const statsSuffix = ".stats"

// cleanupTaskName is the root-relative stem of the cache-wide sweep lock.
const cleanupTaskName = ".cleanup"

// OnCacheGet handles a cache read: bump the usage counter and, once an
// artifact is hot enough, recompress it at the configured optimized level.
func OnCacheGet(fsys fs.FS, path string, cfg cacheconfig.Config, log *zap.Logger) {
	statsPath := path + statsSuffix

	stats, ok := statcodec.Read(fsys, statsPath, log)
	if !ok {
		// Start from zero so that this first recorded read leaves usages at 1.
		stats = statcodec.Stats{CompressionLevel: cfg.BaselineCompressionLevel()}
	}

	stats.Usages++

	if !statcodec.Write(fsys, statsPath, stats, log) {
		return
	}

	optLevel := cfg.OptimizedCompressionLevel()

	if stats.CompressionLevel >= optLevel || stats.Usages < cfg.OptimizedCompressionUsageThreshold() {
		return
	}

	recompress(fsys, path, statsPath, optLevel, stats.Usages, cfg, log)
}

// recompress acquires the per-artifact lock, re-encodes the artifact at a
// higher compression level, commits via atomic rename, and reconciles the
// stats file afterward.
func recompress(fsys fs.FS, path, statsPath string, optLevel int32, usagesAtStart uint64, cfg cacheconfig.Config, log *zap.Logger) {
	lockPath, ok := fslock.AcquireTaskLock(fsys, path, cfg.OptimizingCompressionTaskTimeout(), cfg.ClockSkewThreshold(), log)
	if !ok {
		return
	}

	committed := false

	defer func() {
		if !committed {
			if err := fsys.Remove(lockPath); err != nil && !os.IsNotExist(err) {
				log.Warn("failed to remove abandoned recompression lock", zap.String("path", lockPath), zap.Error(err))
			}
		}
	}()

	raw, err := fsys.ReadFile(path)
	if err != nil {
		log.Warn("recompression: failed to read artifact", zap.String("path", path), zap.Error(err))

		return
	}

	decoder, err := zstd.NewReader(nil)
	if err != nil {
		log.Warn("recompression: failed to construct zstd decoder", zap.Error(err))

		return
	}
	defer decoder.Close()

	decoded, err := decoder.DecodeAll(raw, nil)
	if err != nil {
		log.Warn("recompression: failed to decode artifact", zap.String("path", path), zap.Error(err))

		return
	}

	encoder, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(encoderLevel(optLevel)))
	if err != nil {
		log.Warn("recompression: failed to construct zstd encoder", zap.Error(err))

		return
	}
	defer encoder.Close()

	reencoded := encoder.EncodeAll(decoded, nil)

	if err := fsys.WriteFile(lockPath, reencoded, 0o644); err != nil {
		log.Warn("recompression: failed to write candidate bytes", zap.String("path", lockPath), zap.Error(err))

		return
	}

	if err := fsys.Rename(lockPath, path); err != nil {
		log.Warn("recompression: failed to commit rename", zap.String("from", lockPath), zap.String("to", path), zap.Error(err))

		return
	}

	committed = true

	reconcileStatsAfterRecompress(fsys, statsPath, optLevel, usagesAtStart, log)
}

// reconcileStatsAfterRecompress re-reads the stats file and only raises
// compression_level if nobody beat us to it, tolerating the stats/artifact
// non-atomicity race inherent in updating two files for one logical commit.
func reconcileStatsAfterRecompress(fsys fs.FS, statsPath string, optLevel int32, usagesAtStart uint64, log *zap.Logger) {
	current, ok := statcodec.Read(fsys, statsPath, log)
	if !ok {
		return
	}

	if current.CompressionLevel >= optLevel {
		return
	}

	if current.Usages < usagesAtStart {
		log.Info("usage counter regressed across recompression, a racing writer may have lost an increment",
			zap.String("path", statsPath), zap.Uint64("pre_commit_usages", usagesAtStart), zap.Uint64("current_usages", current.Usages))
	}

	current.CompressionLevel = optLevel

	statcodec.Write(fsys, statsPath, current, log)
}

// OnCacheUpdate handles a cache write: create the stats sidecar for the new
// artifact, then opportunistically run a cache-wide sweep.
func OnCacheUpdate(fsys fs.FS, path string, cfg cacheconfig.Config, log *zap.Logger) {
	statsPath := path + statsSuffix
	statcodec.Write(fsys, statsPath, statcodec.Default(cfg.BaselineCompressionLevel()), log)

	cleanupTaskPath := filepath.Join(cfg.Directory(), cleanupTaskName)

	lockPath, ok := fslock.AcquireTaskLock(fsys, cleanupTaskPath, cfg.CleanupInterval(), cfg.ClockSkewThreshold(), log)
	if !ok {
		return
	}

	sweep(fsys, cfg, lockPath, log)
}

// sweep scans the cache tree, age-sorts the entries, computes the two-tier
// quota cut index, and deletes everything past the cut.
func sweep(fsys fs.FS, cfg cacheconfig.Config, lockPath string, log *zap.Logger) {
	entries := cachescan.Scan(fsys, cfg.Directory(), cfg, log)

	sortForRetention(entries)

	cut, ok := cutIndex(entries, cfg)
	if !ok {
		return
	}

	for _, entry := range entries[cut:] {
		deleteEntry(fsys, entry, log)
	}
}

// sortForRetention orders entries so retention-preferred items come first:
// Recognized younger-mtime-first, then all Unrecognized (equal among
// themselves, stable order preserved).
func sortForRetention(entries []cachescan.Entry) {
	sort.SliceStable(entries, func(i, j int) bool {
		a, b := entries[i], entries[j]

		switch {
		case a.Recognized != nil && b.Recognized != nil:
			return a.Recognized.Mtime.After(b.Recognized.Mtime)
		case a.Recognized != nil && b.Recognized == nil:
			return true
		case a.Recognized == nil && b.Recognized != nil:
			return false
		default:
			return false
		}
	})
}

// cutIndex computes the two-tier quota cut: the first index at which the
// hard limit is reached becomes the cut, rolled back to the low-water index
// recorded when the low-water line was crossed. The entry at that index is
// itself deleted along with everything after it, so a crossing always
// brings the post-sweep total strictly under the low-water line rather than
// leaving it sitting exactly on it. The first Unrecognized entry always
// forces an immediate cut at its own index.
func cutIndex(entries []cachescan.Entry, cfg cacheconfig.Config) (int, bool) {
	sSoft := cfg.FilesTotalSizeSoftLimit()
	nSoft := cfg.FilesCountSoftLimit()
	sLow := sSoft * cfg.FilesTotalSizeLimitPercentIfDeleting() / 100
	nLow := nSoft * cfg.FilesCountLimitPercentIfDeleting() / 100

	var runningSize uint64

	cutIfDeleting := -1

	for i, entry := range entries {
		if entry.Unrecognized != nil {
			return i, true
		}

		runningSize += uint64(entry.Recognized.Size)

		count := uint64(i + 1)

		if cutIfDeleting < 0 && (runningSize >= sLow || count >= nLow) {
			cutIfDeleting = i
		}

		if runningSize >= sSoft || count >= nSoft {
			if cutIfDeleting < 0 {
				cutIfDeleting = i
			}

			return cutIfDeleting, true
		}
	}

	return 0, false
}

// encoderLevel buckets the cache's zstd-scale compression_level (1-22, same
// numbering as the reference zstd CLI) onto klauspost/compress's coarser
// four-tier EncoderLevel, since the library does not expose the full range.
func encoderLevel(level int32) zstd.EncoderLevel {
	switch {
	case level <= 1:
		return zstd.SpeedFastest
	case level <= 6:
		return zstd.SpeedDefault
	case level <= 12:
		return zstd.SpeedBetterCompression
	default:
		return zstd.SpeedBestCompression
	}
}

func deleteEntry(fsys fs.FS, entry cachescan.Entry, log *zap.Logger) {
	switch {
	case entry.Recognized != nil:
		if err := fsys.Remove(entry.Recognized.Path); err != nil {
			log.Warn("sweep: failed to delete recognized artifact", zap.String("path", entry.Recognized.Path), zap.Error(err))
		}

	case entry.Unrecognized.IsDir:
		if err := fsys.RemoveAll(entry.Unrecognized.Path); err != nil {
			log.Warn("sweep: failed to recursively delete unrecognized directory", zap.String("path", entry.Unrecognized.Path), zap.Error(err))
		}

	default:
		if err := fsys.Remove(entry.Unrecognized.Path); err != nil {
			log.Warn("sweep: failed to delete unrecognized file", zap.String("path", entry.Unrecognized.Path), zap.Error(err))
		}
	}
}
