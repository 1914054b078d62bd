package voice

import (
	"log/slog"
	"time"

	"github.com/teslashibe/parley/internal/metrics"
	"github.com/teslashibe/parley/pkg/respond"
	"github.com/teslashibe/parley/pkg/stt"
	"github.com/teslashibe/parley/pkg/synth"
)

// Config holds manager configuration. Timing for the coordinator and the
// scheduler is passed through as their own options.
type Config struct {
	// AgentName labels the agent's turns in the recent transcript.
	AgentName string

	// Enabled is the reply mode of a conversation that has not been set
	// explicitly.
	Enabled bool

	// Transcription
	SilenceTimeout time.Duration
	FlushTimeout   time.Duration
	Stream         stt.Options

	// Debounce is the utterance aggregation window.
	Debounce time.Duration

	// RecentTurns bounds the transcript handed to the gate and generator.
	RecentTurns int

	// QuestionWindow is how long an agent question stays open for an
	// answer.
	QuestionWindow time.Duration

	// DirectoryTimeout bounds each membership lookup.
	DirectoryTimeout time.Duration

	// Mirror throttling
	MirrorPerSecond float64
	MirrorBurst     int
	MirrorQueue     int

	Respond []respond.Option
	Synth   []synth.Option

	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

// Option is a functional option for configuring a Manager.
type Option func(*Config)

// WithAgentName sets the agent's display name.
func WithAgentName(name string) Option {
	return func(c *Config) {
		c.AgentName = name
	}
}

// WithDefaultMode sets whether new conversations reply.
func WithDefaultMode(enabled bool) Option {
	return func(c *Config) {
		c.Enabled = enabled
	}
}

// WithSilenceTimeout ends a transcription session after this much silence.
func WithSilenceTimeout(d time.Duration) Option {
	return func(c *Config) {
		c.SilenceTimeout = d
	}
}

// WithFlushTimeout bounds the wait for trailing transcription results.
func WithFlushTimeout(d time.Duration) Option {
	return func(c *Config) {
		c.FlushTimeout = d
	}
}

// WithStreamOptions describes inbound audio to the speech backend.
func WithStreamOptions(opts stt.Options) Option {
	return func(c *Config) {
		c.Stream = opts
	}
}

// WithDebounce sets the utterance aggregation window.
func WithDebounce(d time.Duration) Option {
	return func(c *Config) {
		c.Debounce = d
	}
}

// WithRecentTurns bounds the recent transcript.
func WithRecentTurns(n int) Option {
	return func(c *Config) {
		c.RecentTurns = n
	}
}

// WithQuestionWindow sets how long an agent question awaits an answer.
func WithQuestionWindow(d time.Duration) Option {
	return func(c *Config) {
		c.QuestionWindow = d
	}
}

// WithDirectoryTimeout bounds membership lookups.
func WithDirectoryTimeout(d time.Duration) Option {
	return func(c *Config) {
		c.DirectoryTimeout = d
	}
}

// WithMirrorRate throttles mirror deliveries.
func WithMirrorRate(perSecond float64, burst int) Option {
	return func(c *Config) {
		c.MirrorPerSecond = perSecond
		c.MirrorBurst = burst
	}
}

// WithRespondOptions configures every conversation's coordinator.
func WithRespondOptions(opts ...respond.Option) Option {
	return func(c *Config) {
		c.Respond = append(c.Respond, opts...)
	}
}

// WithSynthOptions configures every conversation's scheduler.
func WithSynthOptions(opts ...synth.Option) Option {
	return func(c *Config) {
		c.Synth = append(c.Synth, opts...)
	}
}

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Config) {
		c.Logger = logger
	}
}

// WithMetrics enables instrumentation for the manager and everything it
// builds.
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Config) {
		c.Metrics = m
	}
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		AgentName:        "Agent",
		Enabled:          true,
		SilenceTimeout:   800 * time.Millisecond,
		FlushTimeout:     2 * time.Second,
		Stream:           stt.Options{SampleRate: 48000, Channels: 1},
		Debounce:         800 * time.Millisecond,
		RecentTurns:      12,
		QuestionWindow:   30 * time.Second,
		DirectoryTimeout: 2 * time.Second,
		MirrorPerSecond:  2,
		MirrorBurst:      5,
		MirrorQueue:      64,
		Logger:           slog.Default(),
	}
}

// Apply applies functional options to the config.
func (c *Config) Apply(opts ...Option) {
	for _, opt := range opts {
		opt(c)
	}
}
