package darc

import "log/slog"

// EntrySelector decides whether an entry is extracted. A nil selector
// extracts every entry.
type EntrySelector func(path string) bool

// extractConfig holds configuration for extraction.
type extractConfig struct {
	selector  EntrySelector
	overwrite bool
	force     bool
	workers   int
	progress  ProgressFunc
	logger    *slog.Logger
}

// ExtractOption configures extraction.
type ExtractOption func(*extractConfig)

// ExtractWithSelector restricts extraction to entries the selector accepts.
func ExtractWithSelector(fn EntrySelector) ExtractOption {
	return func(cfg *extractConfig) {
		cfg.selector = fn
	}
}

// ExtractWithPaths restricts extraction to the named archive paths.
func ExtractWithPaths(paths ...string) ExtractOption {
	set := make(map[string]struct{}, len(paths))
	for _, p := range paths {
		set[p] = struct{}{}
	}
	return ExtractWithSelector(func(path string) bool {
		_, ok := set[path]
		return ok
	})
}

// ExtractWithOverwrite allows overwriting existing files. By default a
// collision with an existing file is recorded as a path conflict for that
// entry and extraction continues.
func ExtractWithOverwrite(overwrite bool) ExtractOption {
	return func(cfg *extractConfig) {
		cfg.overwrite = overwrite
	}
}

// ExtractWithForce proceeds even when the header and end-record copies of
// the archive checksum diverge. Per-entry checksums are still verified.
func ExtractWithForce(force bool) ExtractOption {
	return func(cfg *extractConfig) {
		cfg.force = force
	}
}

// ExtractWithWorkers sets the number of parallel extraction workers.
// Zero uses GOMAXPROCS; values < 0 force serial extraction.
func ExtractWithWorkers(n int) ExtractOption {
	return func(cfg *extractConfig) {
		cfg.workers = n
	}
}

// ExtractWithProgress sets a callback for progress updates during extraction.
func ExtractWithProgress(fn ProgressFunc) ExtractOption {
	return func(cfg *extractConfig) {
		cfg.progress = fn
	}
}

// ExtractWithLogger sets the logger for extraction. If not set, the
// archive's logger is used.
func ExtractWithLogger(logger *slog.Logger) ExtractOption {
	return func(cfg *extractConfig) {
		cfg.logger = logger
	}
}
