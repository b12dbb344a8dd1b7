package darc

import "log/slog"

// validateConfig holds configuration for validation.
type validateConfig struct {
	workers  int
	progress ProgressFunc
	logger   *slog.Logger
}

// ValidateOption configures validation.
type ValidateOption func(*validateConfig)

// ValidateWithWorkers sets the number of parallel workers for the slow
// pass. Zero uses GOMAXPROCS; values < 0 force serial verification.
func ValidateWithWorkers(n int) ValidateOption {
	return func(cfg *validateConfig) {
		cfg.workers = n
	}
}

// ValidateWithProgress sets a callback for progress updates during the slow
// pass.
func ValidateWithProgress(fn ProgressFunc) ValidateOption {
	return func(cfg *validateConfig) {
		cfg.progress = fn
	}
}

// ValidateWithLogger sets the logger for validation. If not set, the
// archive's logger is used.
func ValidateWithLogger(logger *slog.Logger) ValidateOption {
	return func(cfg *validateConfig) {
		cfg.logger = logger
	}
}
