package cachescan_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"github.com/cachekeeper/worker/internal/cacheconfig"
	"github.com/cachekeeper/worker/internal/cachescan"
	"github.com/cachekeeper/worker/pkg/fs"
)

func bucketDir(t *testing.T, root string) string {
	t.Helper()

	dir := filepath.Join(root, "aa", "bb")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("MkdirAll: %v", err)
	}

	return dir
}

func writeFile(t *testing.T, path string, content string) {
	t.Helper()

	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("WriteFile(%q): %v", path, err)
	}
}

func findRecognized(entries []cachescan.Entry) []*cachescan.Recognized {
	var out []*cachescan.Recognized

	for _, e := range entries {
		if e.Recognized != nil {
			out = append(out, e.Recognized)
		}
	}

	return out
}

func findUnrecognized(entries []cachescan.Entry) []*cachescan.Unrecognized {
	var out []*cachescan.Unrecognized

	for _, e := range entries {
		if e.Unrecognized != nil {
			out = append(out, e.Unrecognized)
		}
	}

	return out
}

func TestScan_PairsArtifactWithStats(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	bucket := bucketDir(t, root)

	writeFile(t, filepath.Join(bucket, "artifact"), "module bytes")
	writeFile(t, filepath.Join(bucket, "artifact.stats"), "usages = 1\noptimized-compression = 3\n")

	cfg := cacheconfig.DefaultOptions(root)
	entries := cachescan.Scan(fs.NewReal(), root, cfg, zaptest.NewLogger(t))

	recognized := findRecognized(entries)
	if len(recognized) != 1 {
		t.Fatalf("got %d recognized entries, want 1: %+v", len(recognized), entries)
	}

	if recognized[0].Path != filepath.Join(bucket, "artifact") {
		t.Fatalf("recognized path=%q, want %q", recognized[0].Path, filepath.Join(bucket, "artifact"))
	}

	if len(findUnrecognized(entries)) != 0 {
		t.Fatalf("want no unrecognized entries, got %+v", findUnrecognized(entries))
	}
}

func TestScan_ArtifactWithoutStatsIsStillRecognized(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	bucket := bucketDir(t, root)

	writeFile(t, filepath.Join(bucket, "artifact"), "module bytes")

	cfg := cacheconfig.DefaultOptions(root)
	entries := cachescan.Scan(fs.NewReal(), root, cfg, zaptest.NewLogger(t))

	recognized := findRecognized(entries)
	if len(recognized) != 1 {
		t.Fatalf("got %d recognized entries, want 1: %+v", len(recognized), entries)
	}
}

func TestScan_OrphanedStatsFileIsUnrecognized(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	bucket := bucketDir(t, root)

	writeFile(t, filepath.Join(bucket, "artifact.stats"), "usages = 1\noptimized-compression = 3\n")

	cfg := cacheconfig.DefaultOptions(root)
	entries := cachescan.Scan(fs.NewReal(), root, cfg, zaptest.NewLogger(t))

	if len(findRecognized(entries)) != 0 {
		t.Fatalf("want no recognized entries for an orphaned stats file, got %+v", findRecognized(entries))
	}

	unrecognized := findUnrecognized(entries)
	if len(unrecognized) != 1 || unrecognized[0].Path != filepath.Join(bucket, "artifact.stats") {
		t.Fatalf("unrecognized=%+v, want exactly the orphaned stats file", unrecognized)
	}
}

func TestScan_UnexpiredRecompressionLockIsSkipped(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	bucket := bucketDir(t, root)

	writeFile(t, filepath.Join(bucket, "artifact"), "module bytes")
	writeFile(t, filepath.Join(bucket, "artifact.wip-4242"), "")

	cfg := cacheconfig.DefaultOptions(root)
	entries := cachescan.Scan(fs.NewReal(), root, cfg, zaptest.NewLogger(t))

	for _, u := range findUnrecognized(entries) {
		if u.Path == filepath.Join(bucket, "artifact.wip-4242") {
			t.Fatalf("unexpired lock file should be skipped entirely, found it unrecognized: %+v", u)
		}
	}
}

func TestScan_ExpiredRecompressionLockIsUnrecognized(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	bucket := bucketDir(t, root)

	writeFile(t, filepath.Join(bucket, "artifact"), "module bytes")

	lockPath := filepath.Join(bucket, "artifact.wip-4242")
	writeFile(t, lockPath, "")

	stale := time.Now().Add(-time.Hour)
	if err := os.Chtimes(lockPath, stale, stale); err != nil {
		t.Fatalf("Chtimes: %v", err)
	}

	cfg := cacheconfig.DefaultOptions(root)
	cfg.OptimizingCompressionTaskTimeoutValue = time.Minute

	entries := cachescan.Scan(fs.NewReal(), root, cfg, zaptest.NewLogger(t))

	found := false

	for _, u := range findUnrecognized(entries) {
		if u.Path == lockPath {
			found = true
		}
	}

	if !found {
		t.Fatalf("expired lock file should be classified unrecognized, got %+v", findUnrecognized(entries))
	}
}

func TestScan_UnexpiredCleanupSentinelAtRootIsSkipped(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	bucketDir(t, root)

	writeFile(t, filepath.Join(root, ".cleanup.wip-1"), "")

	cfg := cacheconfig.DefaultOptions(root)
	entries := cachescan.Scan(fs.NewReal(), root, cfg, zaptest.NewLogger(t))

	for _, u := range findUnrecognized(entries) {
		if u.Path == filepath.Join(root, ".cleanup.wip-1") {
			t.Fatalf("unexpired cleanup sentinel should be skipped, found: %+v", u)
		}
	}
}

func TestScan_UnreadableBucketDirIsClassifiedUnrecognized(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	shard := filepath.Join(root, "aa")

	if err := os.MkdirAll(shard, 0o755); err != nil {
		t.Fatalf("MkdirAll: %v", err)
	}

	// A file at the bucket-slot position where a directory was expected.
	writeFile(t, filepath.Join(shard, "bb"), "not a directory")

	cfg := cacheconfig.DefaultOptions(root)
	entries := cachescan.Scan(fs.NewReal(), root, cfg, zaptest.NewLogger(t))

	unrecognized := findUnrecognized(entries)
	if len(unrecognized) != 1 {
		t.Fatalf("got %d unrecognized entries, want 1: %+v", len(unrecognized), entries)
	}
}

func TestScan_UnreadableRootIsClassifiedUnrecognized(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	bucketDir(t, root)

	chaos := fs.NewChaos(fs.NewReal(), 1, fs.ChaosConfig{ReadDirFailRate: 1.0})

	cfg := cacheconfig.DefaultOptions(root)
	entries := cachescan.Scan(chaos, root, cfg, zaptest.NewLogger(t))

	unrecognized := findUnrecognized(entries)
	if len(unrecognized) != 1 || !unrecognized[0].IsDir || unrecognized[0].Path != root {
		t.Fatalf("unrecognized=%+v, want exactly the unreadable root directory", unrecognized)
	}
}

func TestScan_EmptyCacheYieldsNoEntries(t *testing.T) {
	t.Parallel()

	root := t.TempDir()

	cfg := cacheconfig.DefaultOptions(root)
	entries := cachescan.Scan(fs.NewReal(), root, cfg, zaptest.NewLogger(t))

	if len(entries) != 0 {
		t.Fatalf("got %d entries for an empty cache, want 0: %+v", len(entries), entries)
	}
}
