package stt

import (
	"log/slog"
	"time"
)

// Config holds websocket client configuration.
type Config struct {
	// URL is the listen endpoint, e.g. wss://api.deepgram.com/v1/listen.
	URL         string
	Model       string
	SmartFormat bool
	Interim     bool
	Sentiment   bool

	DialTimeout time.Duration
	// SendBuffer is the number of audio frames queued before SendAudio
	// blocks.
	SendBuffer int

	Logger *slog.Logger
}

// Option is a functional option for configuring the client.
type Option func(*Config)

// WithURL overrides the listen endpoint.
func WithURL(url string) Option {
	return func(c *Config) {
		c.URL = url
	}
}

// WithModel sets the recognition model.
func WithModel(model string) Option {
	return func(c *Config) {
		c.Model = model
	}
}

// WithInterimResults enables non-final fragments.
func WithInterimResults(enabled bool) Option {
	return func(c *Config) {
		c.Interim = enabled
	}
}

// WithSentiment requests per-fragment sentiment.
func WithSentiment(enabled bool) Option {
	return func(c *Config) {
		c.Sentiment = enabled
	}
}

// WithDialTimeout bounds the websocket handshake.
func WithDialTimeout(d time.Duration) Option {
	return func(c *Config) {
		c.DialTimeout = d
	}
}

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Config) {
		c.Logger = logger
	}
}

// DefaultConfig returns sensible default configuration.
func DefaultConfig() *Config {
	return &Config{
		URL:         "wss://api.deepgram.com/v1/listen",
		Model:       "nova-2",
		SmartFormat: true,
		Interim:     true,
		Sentiment:   true,
		DialTimeout: 10 * time.Second,
		SendBuffer:  64,
		Logger:      slog.Default(),
	}
}

// Apply applies functional options to the config.
func (c *Config) Apply(opts ...Option) {
	for _, opt := range opts {
		opt(c)
	}
}
