package statcodec_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"github.com/cachekeeper/worker/internal/statcodec"
	"github.com/cachekeeper/worker/pkg/fs"
)

func TestWriteThenRead_RoundTrips(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "artifact.stats")
	log := zaptest.NewLogger(t)
	real := fs.NewReal()

	want := statcodec.Stats{Usages: 42, CompressionLevel: 19}

	if ok := statcodec.Write(real, path, want, log); !ok {
		t.Fatal("Write returned false")
	}

	got, ok := statcodec.Read(real, path, log)
	if !ok {
		t.Fatal("Read returned ok=false")
	}

	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("round trip mismatch (-want +got):\n%s", diff)
	}
}

func TestRead_AbsentOnMissingFile(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "does-not-exist.stats")

	_, ok := statcodec.Read(fs.NewReal(), path, zap.NewNop())
	if ok {
		t.Fatal("Read returned ok=true for a missing file")
	}
}

func TestRead_AbsentOnTruncatedFile(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "artifact.stats")

	if err := os.WriteFile(path, []byte("usages = "), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	_, ok := statcodec.Read(fs.NewReal(), path, zap.NewNop())
	if ok {
		t.Fatal("Read returned ok=true for a truncated file")
	}
}

func TestRead_AbsentOnEmptyFile(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "artifact.stats")

	if err := os.WriteFile(path, nil, 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	// An empty TOML document decodes with a nil error and zero-valued
	// fields, but that's indistinguishable from a genuine record with
	// compression_level=0. Read must treat it as absent rather than let a
	// short file masquerade as valid data.
	_, ok := statcodec.Read(fs.NewReal(), path, zap.NewNop())
	if ok {
		t.Fatal("Read returned ok=true for an empty file")
	}
}

func TestRead_AbsentWhenCompressionLevelKeyMissing(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "artifact.stats")

	if err := os.WriteFile(path, []byte("usages = 7\n"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	// Present-but-partial: "usages" decodes fine on its own, but the
	// missing "optimized-compression" key must still sink the whole read.
	_, ok := statcodec.Read(fs.NewReal(), path, zap.NewNop())
	if ok {
		t.Fatal("Read returned ok=true for a file missing optimized-compression")
	}
}

func TestDefault_SetsUsagesAndBaseline(t *testing.T) {
	t.Parallel()

	got := statcodec.Default(3)
	want := statcodec.Stats{Usages: 1, CompressionLevel: 3}

	if got != want {
		t.Fatalf("Default(3)=%+v, want %+v", got, want)
	}
}
