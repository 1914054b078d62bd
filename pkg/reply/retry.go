package reply

import (
	"context"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/teslashibe/parley/pkg/inference"
)

// RetryConfig configures Retrying.
type RetryConfig struct {
	MaxAttempts     int
	InitialInterval time.Duration
	MaxInterval     time.Duration

	// Retryable classifies errors. Defaults to inference.IsRetryable.
	Retryable func(error) bool

	Logger *slog.Logger
}

// RetryOption configures Retrying.
type RetryOption func(*RetryConfig)

// WithMaxAttempts bounds the number of attempts, the first included.
func WithMaxAttempts(n int) RetryOption {
	return func(c *RetryConfig) { c.MaxAttempts = n }
}

// WithBackoff sets the exponential backoff bounds.
func WithBackoff(initial, maxInterval time.Duration) RetryOption {
	return func(c *RetryConfig) {
		c.InitialInterval = initial
		c.MaxInterval = maxInterval
	}
}

// WithRetryable replaces the transient-error classifier.
func WithRetryable(fn func(error) bool) RetryOption {
	return func(c *RetryConfig) { c.Retryable = fn }
}

// WithRetryLogger sets the structured logger.
func WithRetryLogger(logger *slog.Logger) RetryOption {
	return func(c *RetryConfig) { c.Logger = logger }
}

// Retrying retries transient generation failures with exponential
// backoff, but only while nothing has been emitted. Once a sentence has
// gone out a failure is final and the partial text stands.
type Retrying struct {
	next   Generator
	cfg    RetryConfig
	logger *slog.Logger
}

// NewRetrying wraps next.
func NewRetrying(next Generator, opts ...RetryOption) *Retrying {
	cfg := RetryConfig{
		MaxAttempts:     3,
		InitialInterval: 250 * time.Millisecond,
		MaxInterval:     2 * time.Second,
		Retryable:       inference.IsRetryable,
		Logger:          slog.Default(),
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	if cfg.Retryable == nil {
		cfg.Retryable = inference.IsRetryable
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Retrying{
		next:   next,
		cfg:    cfg,
		logger: cfg.Logger.With("component", "reply.retry"),
	}
}

// Generate implements Generator.
func (r *Retrying) Generate(ctx context.Context, req Request, emit func(string) error) (string, error) {
	var (
		emitted bool
		attempt int
		last    string
	)
	tracked := func(s string) error {
		emitted = true
		return emit(s)
	}

	op := func() (string, error) {
		attempt++
		full, err := r.next.Generate(ctx, req, tracked)
		last = full
		if err == nil {
			return full, nil
		}
		if emitted || ctx.Err() != nil || !r.cfg.Retryable(err) {
			return full, backoff.Permanent(err)
		}
		r.logger.Warn("reply generation failed, retrying",
			"conversation", req.ConversationID,
			"participant", req.ParticipantID,
			"attempt", attempt,
			"error", err,
		)
		return full, err
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = r.cfg.InitialInterval
	b.MaxInterval = r.cfg.MaxInterval

	full, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(r.cfg.MaxAttempts)),
	)
	if err != nil {
		return last, err
	}
	return full, nil
}

var _ Generator = (*Retrying)(nil)
