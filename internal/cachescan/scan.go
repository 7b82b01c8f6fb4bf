// Package cachescan walks the cache tree, pairs artifacts with their stats
// siblings, and classifies everything else as unrecognized.
package cachescan

import (
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/cachekeeper/worker/internal/cacheconfig"
	"github.com/cachekeeper/worker/internal/fslock"
	"github.com/cachekeeper/worker/internal/pathutil"
	"github.com/cachekeeper/worker/pkg/fs"
)

// cleanupStem is the stem of the cache-wide sweep lock, reserved at the
// cache root.
const cleanupStem = ".cleanup"

// wipPrefix is the extension prefix shared by every kind of task lock.
const wipPrefix = "wip-"

// statsExt is the extension of a stats sidecar file.
const statsExt = "stats"

// Recognized is a paired artifact + stats entry.
type Recognized struct {
	Path  string
	Mtime time.Time
	Size  int64
}

// Unrecognized is anything the scanner could not classify as a live
// artifact, stats file, or active lock.
type Unrecognized struct {
	Path  string
	IsDir bool
}

// Entry is exactly one of Recognized or Unrecognized.
type Entry struct {
	Recognized   *Recognized
	Unrecognized *Unrecognized
}

// candidate is a depth-2 file awaiting pairing with its sibling.
type candidate struct {
	path string
}

// Scan walks the cache rooted at root to a fixed depth of 2
// (root → shard → bucket → files), classifying every entry it finds.
//
// Scan never fails: any directory it cannot list is itself classified
// Unrecognized (so a later sweep can delete it), and any single directory
// entry it cannot read is silently skipped.
func Scan(fsys fs.FS, root string, cfg cacheconfig.Config, log *zap.Logger) []Entry {
	var entries []Entry

	enterDir(fsys, &entries, root, 0, cfg, log)

	return entries
}

func enterDir(fsys fs.FS, out *[]Entry, dirPath string, depth int, cfg cacheconfig.Config, log *zap.Logger) {
	dirEntries, err := fsys.ReadDir(dirPath)
	if err != nil && len(dirEntries) == 0 {
		log.Warn("failed to list cache directory, classifying it unrecognized",
			zap.String("path", dirPath), zap.Int("depth", depth), zap.Error(err))

		*out = append(*out, unrecognized(dirPath, true))

		return
	}

	if err != nil {
		// The listing failed partway: classify the entries that were read and
		// skip the rest, whose names are unknown.
		log.Debug("cache directory listing was incomplete, skipping unread entries",
			zap.String("path", dirPath), zap.Int("depth", depth), zap.Error(err))
	}

	// depth 2: collect artifact/stats candidates per bucket for pairing.
	artifacts := map[string]candidate{}
	statsFiles := map[string]candidate{}

	now := time.Now()

	for _, de := range dirEntries {
		path := filepath.Join(dirPath, de.Name())

		switch {
		case depth <= 1 && de.IsDir():
			enterDir(fsys, out, path, depth+1, cfg, log)

		case depth == 0 && !de.IsDir():
			if isUnexpiredCleanupLock(fsys, de.Name(), path, cfg, now) {
				continue // active sweep lock, skip
			}

			*out = append(*out, unrecognized(path, false))

		case depth == 1 && !de.IsDir():
			*out = append(*out, unrecognized(path, false))

		case depth == 2 && !de.IsDir():
			stem, ext, hasExt := pathutil.Split(de.Name())

			switch {
			case !hasExt:
				artifacts[stem] = candidate{path: path}
			case ext == statsExt:
				statsFiles[stem] = candidate{path: path}
			case len(ext) >= len(wipPrefix) && ext[:len(wipPrefix)] == wipPrefix:
				if fslock.IsExpired(fsys, path, cfg.OptimizingCompressionTaskTimeout(), cfg.ClockSkewThreshold(), now) {
					*out = append(*out, unrecognized(path, false))
				} // else: active recompression lock, skip

			default:
				*out = append(*out, unrecognized(path, false))
			}

		default:
			// depth >= 2 directories, or anything at depth > 2: unrecognized.
			*out = append(*out, unrecognized(path, de.IsDir()))
		}
	}

	pairBucketEntries(fsys, out, artifacts, statsFiles, log)
}

func pairBucketEntries(fsys fs.FS, out *[]Entry, artifacts, statsFiles map[string]candidate, log *zap.Logger) {
	for stem, artifact := range artifacts {
		stats, hasStats := statsFiles[stem]

		if !hasStats {
			mtime, ok := mtimeOf(fsys, artifact.path)
			if !ok {
				log.Warn("failed to get mtime, deleting the file", zap.String("path", artifact.path))
				*out = append(*out, unrecognized(artifact.path, false))

				continue
			}

			size, ok := sizeOf(fsys, artifact.path)
			if !ok {
				*out = append(*out, unrecognized(artifact.path, false))

				continue
			}

			*out = append(*out, Entry{Recognized: &Recognized{Path: artifact.path, Mtime: mtime, Size: size}})

			continue
		}

		size, sizeOK := sizeOf(fsys, artifact.path)
		if !sizeOK {
			*out = append(*out, unrecognized(artifact.path, false))
			*out = append(*out, unrecognized(stats.path, false))

			continue
		}

		mtime, statsMtimeOK := mtimeOf(fsys, stats.path)
		if !statsMtimeOK {
			artifactMtime, artifactMtimeOK := mtimeOf(fsys, artifact.path)
			if !artifactMtimeOK {
				log.Warn("failed to get metadata/mtime, deleting BOTH module cache and stats files",
					zap.String("path", artifact.path))

				*out = append(*out, unrecognized(artifact.path, false))
				*out = append(*out, unrecognized(stats.path, false))

				continue
			}

			*out = append(*out, unrecognized(stats.path, false))
			*out = append(*out, Entry{Recognized: &Recognized{Path: artifact.path, Mtime: artifactMtime, Size: size}})

			continue
		}

		*out = append(*out, Entry{Recognized: &Recognized{Path: artifact.path, Mtime: mtime, Size: size}})
	}

	for stem, stats := range statsFiles {
		if _, hasArtifact := artifacts[stem]; hasArtifact {
			continue // already emitted above
		}

		log.Debug("found orphaned stats file", zap.String("path", stats.path))
		*out = append(*out, unrecognized(stats.path, false))
	}
}

func isUnexpiredCleanupLock(fsys fs.FS, name, path string, cfg cacheconfig.Config, now time.Time) bool {
	stem, ext, hasExt := pathutil.Split(name)
	if stem != cleanupStem || !hasExt || len(ext) < len(wipPrefix) || ext[:len(wipPrefix)] != wipPrefix {
		return false
	}

	return !fslock.IsExpired(fsys, path, cfg.CleanupInterval(), cfg.ClockSkewThreshold(), now)
}

func unrecognized(path string, isDir bool) Entry {
	return Entry{Unrecognized: &Unrecognized{Path: path, IsDir: isDir}}
}

func mtimeOf(fsys fs.FS, path string) (time.Time, bool) {
	info, err := fsys.Stat(path)
	if err != nil {
		return time.Time{}, false
	}

	return info.ModTime(), true
}

func sizeOf(fsys fs.FS, path string) (int64, bool) {
	info, err := fsys.Stat(path)
	if err != nil {
		return 0, false
	}

	return info.Size(), true
}
