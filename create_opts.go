package darc

import (
	"log/slog"
	"time"

	"github.com/darcfmt/darc/internal/compress"
)

// Selector picks the compression algorithm for a file from its archive path,
// its size, and a short content sniff. See DefaultSelector for the built-in
// policy.
type Selector = compress.Selector

// DefaultSelector returns the built-in selection policy: already-compressed
// formats are stored raw, text compresses with brotli, large generic
// binaries with LZMA2, everything else with zstandard.
var DefaultSelector = compress.DefaultSelector

// DefaultMaxFiles is the entry count limit used when no CreateWithMaxFiles
// option is set.
const DefaultMaxFiles = 200_000

// DefaultMaxFileSize is the per-file size limit used when no
// CreateWithMaxFileSize option is set (256MB).
const DefaultMaxFileSize = 256 << 20

// defaultPendingBudget caps the bytes buffered by compression workers ahead
// of the sequential data-section writer.
const defaultPendingBudget = 128 << 20

// createConfig holds configuration for archive creation.
type createConfig struct {
	selector        Selector
	workers         int
	maxFileSize     uint64
	maxFiles        int
	pendingBudget   uint64
	strictOwnership bool
	created         time.Time
	progress        ProgressFunc
	logger          *slog.Logger
}

// CreateOption configures archive creation.
type CreateOption func(*createConfig)

// CreateWithSelector replaces the built-in compression selection policy.
func CreateWithSelector(s Selector) CreateOption {
	return func(cfg *createConfig) {
		cfg.selector = s
	}
}

// CreateWithWorkers sets the number of parallel compression workers.
// Zero uses GOMAXPROCS; values < 0 force serial compression.
func CreateWithWorkers(n int) CreateOption {
	return func(cfg *createConfig) {
		cfg.workers = n
	}
}

// CreateWithMaxFileSize limits the uncompressed size of a single file.
// Zero uses DefaultMaxFileSize; negative values are not accepted by the
// uint64 type, pass a large limit to effectively disable.
func CreateWithMaxFileSize(limit uint64) CreateOption {
	return func(cfg *createConfig) {
		cfg.maxFileSize = limit
	}
}

// CreateWithMaxFiles limits the number of files included in the archive.
// Zero uses DefaultMaxFiles. Negative means no limit beyond the format's
// 32-bit entry count.
func CreateWithMaxFiles(n int) CreateOption {
	return func(cfg *createConfig) {
		cfg.maxFiles = n
	}
}

// CreateWithStrictOwnership makes uid/gid values above 255 a build error.
// By default out-of-range IDs are clamped to 255, since the format stores
// ownership in single-byte fields.
func CreateWithStrictOwnership(strict bool) CreateOption {
	return func(cfg *createConfig) {
		cfg.strictOwnership = strict
	}
}

// CreateWithTimestamp fixes the header creation timestamp. The zero value
// uses the current time. Useful for reproducible archives.
func CreateWithTimestamp(t time.Time) CreateOption {
	return func(cfg *createConfig) {
		cfg.created = t
	}
}

// CreateWithProgress sets a callback for progress updates during creation.
func CreateWithProgress(fn ProgressFunc) CreateOption {
	return func(cfg *createConfig) {
		cfg.progress = fn
	}
}

// CreateWithLogger sets the logger for creation. If not set, logging is
// disabled.
func CreateWithLogger(logger *slog.Logger) CreateOption {
	return func(cfg *createConfig) {
		cfg.logger = logger
	}
}
