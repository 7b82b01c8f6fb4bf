package fslock_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/cachekeeper/worker/internal/fslock"
	"github.com/cachekeeper/worker/pkg/fs"
)

const testTimeout = 100 * time.Millisecond
const testClockSkewMax = 24 * time.Hour

func TestAcquireTaskLock_SucceedsWhenNoPeerLockExists(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	taskPath := filepath.Join(dir, "artifact")

	lockPath, ok := fslock.AcquireTaskLock(fs.NewReal(), taskPath, testTimeout, testClockSkewMax, zap.NewNop())
	if !ok {
		t.Fatal("AcquireTaskLock: want ok=true")
	}

	if _, err := os.Stat(lockPath); err != nil {
		t.Fatalf("lock file not created: %v", err)
	}
}

// Mutual exclusion (best effort): a second acquire against the same task
// path fails while the first lock is unexpired.
func TestAcquireTaskLock_FailsWhileUnexpiredPeerLockExists(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	taskPath := filepath.Join(dir, "artifact")
	real := fs.NewReal()

	firstLock, ok := fslock.AcquireTaskLock(real, taskPath, testTimeout, testClockSkewMax, zap.NewNop())
	if !ok {
		t.Fatal("first AcquireTaskLock: want ok=true")
	}

	_ = firstLock

	_, ok = fslock.AcquireTaskLock(real, taskPath, testTimeout, testClockSkewMax, zap.NewNop())
	if ok {
		t.Fatal("second AcquireTaskLock: want ok=false while peer lock is live")
	}
}

// Lock expiry: once the timeout elapses, a new acquire succeeds despite the
// stale lock file's presence.
func TestAcquireTaskLock_SucceedsOncePeerLockExpires(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	taskPath := filepath.Join(dir, "artifact")
	real := fs.NewReal()

	stalePath := taskPath + ".wip-999999"
	if err := os.WriteFile(stalePath, nil, 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	past := time.Now().Add(-10 * testTimeout)
	if err := os.Chtimes(stalePath, past, past); err != nil {
		t.Fatalf("Chtimes: %v", err)
	}

	_, ok := fslock.AcquireTaskLock(real, taskPath, testTimeout, testClockSkewMax, zap.NewNop())
	if !ok {
		t.Fatal("AcquireTaskLock: want ok=true once the peer lock is expired")
	}
}

func TestAcquireTaskLock_AcceptsCleanupSentinelStem(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	taskPath := filepath.Join(dir, ".cleanup")

	lockPath, ok := fslock.AcquireTaskLock(fs.NewReal(), taskPath, testTimeout, testClockSkewMax, zap.NewNop())
	if !ok {
		t.Fatal("AcquireTaskLock(\".cleanup\"): want ok=true — a leading dot is a hidden-file marker, not an extension")
	}

	if filepath.Dir(lockPath) != dir {
		t.Fatalf("lockPath=%q not under %q", lockPath, dir)
	}
}

func TestAcquireTaskLock_RejectsTaskPathWithExtension(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	taskPath := filepath.Join(dir, "artifact.bin")

	_, ok := fslock.AcquireTaskLock(fs.NewReal(), taskPath, testTimeout, testClockSkewMax, zap.NewNop())
	if ok {
		t.Fatal("AcquireTaskLock: want ok=false for a task path with an extension")
	}
}

func TestAcquireTaskLock_FailsWhenParentDirUnreadable(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	taskPath := filepath.Join(dir, "artifact")

	chaos := fs.NewChaos(fs.NewReal(), 1, fs.ChaosConfig{ReadDirFailRate: 1.0})

	_, ok := fslock.AcquireTaskLock(chaos, taskPath, testTimeout, testClockSkewMax, zap.NewNop())
	if ok {
		t.Fatal("AcquireTaskLock: want ok=false when the parent directory cannot be listed")
	}
}

func TestIsExpired_TrueWhenMtimeUnreadable(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	missing := filepath.Join(dir, "does-not-exist")

	if !fslock.IsExpired(fs.NewReal(), missing, testTimeout, testClockSkewMax, time.Now()) {
		t.Fatal("IsExpired: want true when mtime cannot be read")
	}
}

func TestIsExpired_FalseWithinThreshold(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "lockfile")

	if err := os.WriteFile(path, nil, 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	if fslock.IsExpired(fs.NewReal(), path, time.Hour, testClockSkewMax, time.Now()) {
		t.Fatal("IsExpired: want false for a fresh lock within the timeout")
	}
}

func TestIsExpired_FutureMtimeToleratedWithinClockSkew(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "lockfile")

	if err := os.WriteFile(path, nil, 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	future := time.Now().Add(time.Hour)
	if err := os.Chtimes(path, future, future); err != nil {
		t.Fatalf("Chtimes: %v", err)
	}

	if fslock.IsExpired(fs.NewReal(), path, time.Minute, 24*time.Hour, time.Now()) {
		t.Fatal("IsExpired: want false for a future mtime within the clock skew budget")
	}
}

func TestIsExpired_FutureMtimeBeyondClockSkewIsExpired(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "lockfile")

	if err := os.WriteFile(path, nil, 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	farFuture := time.Now().Add(48 * time.Hour)
	if err := os.Chtimes(path, farFuture, farFuture); err != nil {
		t.Fatalf("Chtimes: %v", err)
	}

	if !fslock.IsExpired(fs.NewReal(), path, time.Minute, 24*time.Hour, time.Now()) {
		t.Fatal("IsExpired: want true for an mtime far enough in the future")
	}
}
