package transcribe

import (
	"log/slog"
	"time"

	"github.com/teslashibe/parley/internal/metrics"
	"github.com/teslashibe/parley/pkg/stt"
)

// Config holds session set configuration.
type Config struct {
	// ConversationID is attached to every log line.
	ConversationID string

	// SilenceTimeout ends a session when no audio frame arrives for this
	// long.
	SilenceTimeout time.Duration

	// FlushTimeout bounds how long a gracefully stopped session waits for
	// the backend to deliver trailing results.
	FlushTimeout time.Duration

	// Stream describes the audio handed to the backend.
	Stream stt.Options

	// OnEnd is called once per session after its reservation is released.
	OnEnd func(participantID string, err error)

	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

// Option is a functional option for configuring a Set.
type Option func(*Config)

// WithConversationID tags logs with the owning conversation.
func WithConversationID(id string) Option {
	return func(c *Config) {
		c.ConversationID = id
	}
}

// WithSilenceTimeout sets the trailing-silence threshold.
func WithSilenceTimeout(d time.Duration) Option {
	return func(c *Config) {
		c.SilenceTimeout = d
	}
}

// WithFlushTimeout bounds the wait for trailing results.
func WithFlushTimeout(d time.Duration) Option {
	return func(c *Config) {
		c.FlushTimeout = d
	}
}

// WithStreamOptions sets the audio description sent to the backend.
func WithStreamOptions(opts stt.Options) Option {
	return func(c *Config) {
		c.Stream = opts
	}
}

// WithOnEnd registers a session end hook.
func WithOnEnd(fn func(participantID string, err error)) Option {
	return func(c *Config) {
		c.OnEnd = fn
	}
}

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Config) {
		c.Logger = logger
	}
}

// WithMetrics enables instrumentation.
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Config) {
		c.Metrics = m
	}
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		SilenceTimeout: 800 * time.Millisecond,
		FlushTimeout:   2 * time.Second,
		Stream:         stt.Options{SampleRate: 48000, Channels: 1},
		Logger:         slog.Default(),
	}
}

// Apply applies functional options to the config.
func (c *Config) Apply(opts ...Option) {
	for _, opt := range opts {
		opt(c)
	}
}
