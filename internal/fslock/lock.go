// Package fslock implements the cache maintenance worker's best-effort,
// cross-process filesystem lock protocol.
//
// There is no OS-level file lock involved. A "lock" is nothing more than a
// zero-byte sentinel file whose name encodes the protected task and whose
// mtime encodes freshness. Two processes may race to create the same
// sentinel; the protocol tolerates duplicate work in exchange for never
// blocking a cache reader or writer.
package fslock

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/cachekeeper/worker/internal/pathutil"
	"github.com/cachekeeper/worker/pkg/fs"
)

// wipPrefix is the fixed extension prefix for in-progress task locks:
// "<stem>.wip-<decimal process id>".
const wipPrefix = "wip-"

// AcquireTaskLock attempts to acquire the lock protecting taskPath, which
// must have a file stem and no extension.
//
// On success it returns the path of the newly created lock file and true.
// On any failure — an unreadable parent directory, an unexpired peer lock,
// or a creation race — it returns ("", false). Every failure is logged at
// warn, except "an unexpired peer lock exists", which is the expected,
// non-exceptional outcome of losing a race and is not logged at all.
func AcquireTaskLock(fsys fs.FS, taskPath string, timeout time.Duration, clockSkewMax time.Duration, log *zap.Logger) (string, bool) {
	dir := filepath.Dir(taskPath)
	stem := filepath.Base(taskPath)

	if pathutil.HasExtension(stem) {
		log.Warn("task path must not have an extension", zap.String("path", taskPath))

		return "", false
	}

	entries, err := fsys.ReadDir(dir)
	if err != nil {
		log.Warn("failed to list directory for lock acquisition",
			zap.String("dir", dir), zap.Error(err))

		return "", false
	}

	now := time.Now()

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}

		name := entry.Name()

		entryStem, ok := splitWipName(name)
		if !ok || entryStem != stem {
			continue
		}

		peerPath := filepath.Join(dir, name)
		if !IsExpired(fsys, peerPath, timeout, clockSkewMax, now) {
			return "", false
		}
	}

	lockPath := taskPath + "." + wipPrefix + strconv.Itoa(os.Getpid())

	file, err := fsys.OpenFile(lockPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		log.Warn("failed to create lock file (note: it shouldn't exist)",
			zap.String("path", lockPath), zap.Error(err))

		return "", false
	}

	if err := file.Close(); err != nil {
		log.Warn("failed to close newly created lock file", zap.String("path", lockPath), zap.Error(err))
	}

	return lockPath, true
}

// splitWipName reports whether name looks like "<stem>.wip-<suffix>", and
// if so returns the stem.
func splitWipName(name string) (stem string, ok bool) {
	entryStem, ext, hasExt := pathutil.Split(name)
	if !hasExt || !strings.HasPrefix(ext, wipPrefix) {
		return "", false
	}

	return entryStem, true
}

// IsExpired reports whether the lock file at path is stale: older than
// threshold, or unreadable (treated as expired so a metadata glitch can
// never starve a task).
//
// A future mtime (clock skew between hosts sharing the cache directory) is
// tolerated unless it exceeds clockSkewMax, in which case it too is treated
// as expired.
func IsExpired(fsys fs.FS, path string, threshold time.Duration, clockSkewMax time.Duration, now time.Time) bool {
	info, err := fsys.Stat(path)
	if err != nil {
		return true
	}

	mtime := info.ModTime()

	if mtime.After(now) {
		return mtime.Sub(now) > clockSkewMax
	}

	return now.Sub(mtime) >= threshold
}
