package pool

import (
	"log/slog"
	"time"

	"github.com/teslashibe/parley/internal/metrics"
)

// Config holds pool tuning. Use functional options (WithXxx) to set these
// values.
type Config struct {
	// ErrorThreshold is the number of consecutive errors that quarantines
	// a credential.
	ErrorThreshold int

	// Cooldown is how long a quarantined credential stays out of rotation.
	Cooldown time.Duration

	// Band is the fraction of the best remaining capacity a credential must
	// have to join the round-robin candidate set.
	Band float64

	Logger  *slog.Logger
	Metrics *metrics.Metrics

	// Clock returns the current time. Tests replace it to step through
	// cooldowns deterministically.
	Clock func() time.Time
}

// Option is a functional option for configuring a Pool.
type Option func(*Config)

// WithErrorThreshold sets the consecutive error count that triggers
// quarantine.
func WithErrorThreshold(n int) Option {
	return func(c *Config) {
		c.ErrorThreshold = n
	}
}

// WithCooldown sets the quarantine duration.
func WithCooldown(d time.Duration) Option {
	return func(c *Config) {
		c.Cooldown = d
	}
}

// WithBand sets the selection band as a fraction in (0, 1].
func WithBand(band float64) Option {
	return func(c *Config) {
		c.Band = band
	}
}

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Config) {
		c.Logger = logger
	}
}

// WithMetrics enables Prometheus instrumentation.
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Config) {
		c.Metrics = m
	}
}

// WithClock replaces the time source.
func WithClock(now func() time.Time) Option {
	return func(c *Config) {
		c.Clock = now
	}
}

// DefaultConfig returns the default pool configuration.
func DefaultConfig() *Config {
	return &Config{
		ErrorThreshold: 5,
		Cooldown:       60 * time.Second,
		Band:           0.8,
		Logger:         slog.Default(),
		Clock:          time.Now,
	}
}

// Apply applies functional options to the config.
func (c *Config) Apply(opts ...Option) {
	for _, opt := range opts {
		opt(c)
	}
}

func (c *Config) normalize() {
	if c.ErrorThreshold <= 0 {
		c.ErrorThreshold = 5
	}
	if c.Cooldown <= 0 {
		c.Cooldown = 60 * time.Second
	}
	if c.Band <= 0 || c.Band > 1 {
		c.Band = 0.8
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.Clock == nil {
		c.Clock = time.Now
	}
}
