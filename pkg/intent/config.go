package intent

import (
	"log/slog"
	"regexp"
	"time"

	"github.com/teslashibe/parley/internal/metrics"
)

// DefaultCacheTTL is how long a classifier answer is reused.
const DefaultCacheTTL = 30 * time.Second

// Config holds gate configuration.
type Config struct {
	AgentName string
	Aliases   []string

	Classifier     Classifier
	Cache          DecisionCache
	CacheTTL       time.Duration
	ActionPatterns []*regexp.Regexp

	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

// Option configures a Gate.
type Option func(*Config)

// WithAgentName sets the name the agent answers to.
func WithAgentName(name string) Option {
	return func(c *Config) { c.AgentName = name }
}

// WithAliases adds alternative names, e.g. nicknames or common
// transcription spellings.
func WithAliases(aliases ...string) Option {
	return func(c *Config) { c.Aliases = append(c.Aliases, aliases...) }
}

// WithClassifier replaces the default HeuristicClassifier.
func WithClassifier(cl Classifier) Option {
	return func(c *Config) { c.Classifier = cl }
}

// WithCache sets the decision cache. A nil cache disables caching.
func WithCache(cache DecisionCache) Option {
	return func(c *Config) { c.Cache = cache }
}

// WithCacheTTL sets how long classifier answers are cached.
func WithCacheTTL(d time.Duration) Option {
	return func(c *Config) { c.CacheTTL = d }
}

// WithActionPatterns replaces the built-in action-intent patterns.
func WithActionPatterns(patterns ...*regexp.Regexp) Option {
	return func(c *Config) { c.ActionPatterns = patterns }
}

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Config) { c.Logger = logger }
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Config) { c.Metrics = m }
}

// DefaultConfig returns the default gate configuration.
func DefaultConfig() *Config {
	return &Config{
		Classifier:     HeuristicClassifier{},
		Cache:          NewMemoryCache(nil),
		CacheTTL:       DefaultCacheTTL,
		ActionPatterns: DefaultActionPatterns(),
		Logger:         slog.Default(),
	}
}

// Apply applies functional options to the config.
func (c *Config) Apply(opts ...Option) {
	for _, opt := range opts {
		opt(c)
	}
}
