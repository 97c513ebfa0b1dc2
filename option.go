package bfield

import (
	"io/fs"

	logging "github.com/ipfs/go-log/v2"
)

// config collects the Cascade's optional construction parameters, applied
// through the functional-options pattern used by gsfa/store/option.go:
// required parameters stay positional in Create/Load, everything optional
// flows through an Option.
type config struct {
	logger   *logging.ZapEventLogger
	prefetch bool
	fileMode fs.FileMode
}

const defaultFileMode = fs.FileMode(0o644)

func defaultConfig() *config {
	return &config{
		logger:   log,
		prefetch: true,
		fileMode: defaultFileMode,
	}
}

// Option configures optional Cascade behavior.
type Option func(*config)

func apply(opts []Option) *config {
	c := defaultConfig()
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// WithLogger overrides the logger a Cascade uses for its own diagnostics
// (creation, loading, persisting, prefetch failures, MockParams). The
// codec, bitstore and member packages keep logging through their own
// package loggers.
func WithLogger(l *logging.ZapEventLogger) Option {
	return func(c *config) { c.logger = l }
}

// WithPrefetch controls whether newly opened or created file-backed
// members advise the kernel to read their mapping ahead (MADV_WILLNEED),
// masking the first-touch page-fault latency the spec calls out for the k
// per-lookup memory locations. Enabled by default.
func WithPrefetch(enabled bool) Option {
	return func(c *config) { c.prefetch = enabled }
}

// WithFileMode sets the permission bits used when creating new member
// files. Defaults to 0644.
func WithFileMode(mode fs.FileMode) Option {
	return func(c *config) { c.fileMode = mode }
}
