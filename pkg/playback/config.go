package playback

import (
	"log/slog"

	"github.com/teslashibe/parley/internal/metrics"
)

// Config holds player configuration.
type Config struct {
	// OnStart is called from the player goroutine before an entry plays.
	OnStart func(Entry)

	// OnDone is called exactly once per enqueued entry when it leaves the
	// player. It must not block.
	OnDone func(Entry, Outcome)

	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

// Option configures a Player.
type Option func(*Config)

// WithOnStart registers a playback start hook.
func WithOnStart(fn func(Entry)) Option {
	return func(c *Config) { c.OnStart = fn }
}

// WithOnDone registers a completion hook.
func WithOnDone(fn func(Entry, Outcome)) Option {
	return func(c *Config) { c.OnDone = fn }
}

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Config) { c.Logger = logger }
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Config) { c.Metrics = m }
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{Logger: slog.Default()}
}

// Apply applies functional options to the config.
func (c *Config) Apply(opts ...Option) {
	for _, opt := range opts {
		opt(c)
	}
}
