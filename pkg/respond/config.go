package respond

import (
	"log/slog"
	"time"

	"github.com/teslashibe/parley/internal/metrics"
)

// DefaultApology is spoken when generation fails before any output.
const DefaultApology = "Sorry, I lost my train of thought there. Could you say that again?"

// Config holds coordinator configuration.
type Config struct {
	// PacingCooldown is how recently the agent must have finished speaking
	// for the next ticket to pause first.
	PacingCooldown time.Duration
	PauseMin       time.Duration
	PauseMax       time.Duration

	// TicketTimeout is the hard ceiling on a ticket's life.
	TicketTimeout time.Duration

	Apology    string
	OnComplete func(t *Ticket, text string)

	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

// Option configures a Coordinator.
type Option func(*Config)

// WithPacing sets the back-to-back pacing window and pause range.
func WithPacing(cooldown, pauseMin, pauseMax time.Duration) Option {
	return func(c *Config) {
		c.PacingCooldown = cooldown
		c.PauseMin = pauseMin
		c.PauseMax = pauseMax
	}
}

// WithTicketTimeout sets the per-ticket ceiling.
func WithTicketTimeout(d time.Duration) Option {
	return func(c *Config) { c.TicketTimeout = d }
}

// WithApology sets the failure apology. Empty disables it.
func WithApology(text string) Option {
	return func(c *Config) { c.Apology = text }
}

// WithOnComplete registers a hook called with the full reply text of every
// ticket that completed without being cancelled.
func WithOnComplete(fn func(t *Ticket, text string)) Option {
	return func(c *Config) { c.OnComplete = fn }
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
		PacingCooldown: 3 * time.Second,
		PauseMin:       500 * time.Millisecond,
		PauseMax:       1500 * time.Millisecond,
		TicketTimeout:  5 * time.Minute,
		Apology:        DefaultApology,
		Logger:         slog.Default(),
	}
}

// Apply applies functional options to the config.
func (c *Config) Apply(opts ...Option) {
	for _, opt := range opts {
		opt(c)
	}
}
