package synth

import (
	"log/slog"
	"time"

	"github.com/teslashibe/parley/internal/metrics"
	"github.com/teslashibe/parley/pkg/playback"
)

// Config holds scheduler configuration.
type Config struct {
	// SpeakingRate time-stretches synthesized audio. 1 leaves it as is;
	// 1.1 plays 10% faster.
	SpeakingRate float64

	// JobTimeout bounds one synthesis call.
	JobTimeout time.Duration

	// OnFailure is called for every sentence that could not be
	// synthesized. It must not block.
	OnFailure func(Failure)

	// OnPlay is called when an entry starts playing.
	OnPlay func(playback.Entry)

	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

// Option configures a Scheduler.
type Option func(*Config)

// WithSpeakingRate sets the time-stretch factor.
func WithSpeakingRate(rate float64) Option {
	return func(c *Config) { c.SpeakingRate = rate }
}

// WithJobTimeout sets the per-job ceiling.
func WithJobTimeout(d time.Duration) Option {
	return func(c *Config) { c.JobTimeout = d }
}

// WithOnFailure registers the failed-sentence hook.
func WithOnFailure(fn func(Failure)) Option {
	return func(c *Config) { c.OnFailure = fn }
}

// WithOnPlay registers the playback start hook.
func WithOnPlay(fn func(playback.Entry)) Option {
	return func(c *Config) { c.OnPlay = fn }
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
	return &Config{
		SpeakingRate: 1,
		JobTimeout:   30 * time.Second,
		Logger:       slog.Default(),
	}
}

// Apply applies functional options to the config.
func (c *Config) Apply(opts ...Option) {
	for _, opt := range opts {
		opt(c)
	}
	if c.JobTimeout <= 0 {
		c.JobTimeout = 30 * time.Second
	}
}
