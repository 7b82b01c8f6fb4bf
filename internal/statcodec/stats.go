// Package statcodec reads and writes the small per-artifact usage/
// compression statistics sidecar that sits next to each cached artifact.
//
// The sidecar is advisory. Losing or corrupting it costs at most one
// recompression decision, never correctness, so every failure here is
// swallowed and reported to the caller as "absent" rather than as an error.
package statcodec

import (
	"bytes"

	"github.com/BurntSushi/toml"
	"go.uber.org/zap"

	"github.com/cachekeeper/worker/pkg/fs"
)

// Stats is the per-artifact statistics record. Field tags match the on-disk
// wire format exactly, including the hyphenated "optimized-compression" key.
type Stats struct {
	Usages           uint64 `toml:"usages"`
	CompressionLevel int32  `toml:"optimized-compression"`
}

// Default returns the stats record for an artifact that has never been
// recompressed: usages=1, compression_level=baseline.
func Default(baselineLevel int32) Stats {
	return Stats{
		Usages:           1,
		CompressionLevel: baselineLevel,
	}
}

// Read reads and parses a stats file. Any I/O or parse error is logged at
// debug level and reported as absent (ok=false) — callers fall back to
// defaults. An empty file or one missing either required key is also
// reported as absent: TOML decodes those to zero values with a nil error,
// but a zero-valued CompressionLevel is indistinguishable from a real
// baseline of 0, so a short read must not be allowed to masquerade as a
// genuine record. This function never returns an error to its caller.
func Read(fsys fs.FS, path string, log *zap.Logger) (stats Stats, ok bool) {
	data, err := fsys.ReadFile(path)
	if err != nil {
		log.Debug("failed to read stats file", zap.String("path", path), zap.Error(err))

		return Stats{}, false
	}

	var parsed Stats

	meta, err := toml.Decode(string(data), &parsed)
	if err != nil {
		log.Debug("failed to parse stats file", zap.String("path", path), zap.Error(err))

		return Stats{}, false
	}

	if !meta.IsDefined("usages") || !meta.IsDefined("optimized-compression") {
		log.Debug("stats file missing required keys, treating as absent", zap.String("path", path))

		return Stats{}, false
	}

	return parsed, true
}

// Write serializes stats and writes it atomically via the cache's
// atomic-write primitive. Returns true on success; any failure is logged at
// warn level, since a stats write failure is advisory rather than fatal.
func Write(fsys fs.FS, path string, stats Stats, log *zap.Logger) bool {
	var buf bytes.Buffer

	if err := toml.NewEncoder(&buf).Encode(stats); err != nil {
		log.Warn("failed to serialize stats file", zap.String("path", path), zap.Error(err))

		return false
	}

	writer := fs.NewAtomicWriter(fsys)

	opts := writer.DefaultOptions()
	opts.Perm = 0o644

	if err := writer.Write(path, bytes.NewReader(buf.Bytes()), opts); err != nil {
		log.Warn("failed to write stats file", zap.String("path", path), zap.Error(err))

		return false
	}

	return true
}
