package voice

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/teslashibe/parley/internal/metrics"
)

// Mirror forwards conversation text to a text surface. It is a side
// channel only; nothing on the audio path waits for it.
type Mirror interface {
	Transcript(ctx context.Context, conversationID, participantID, text string) error
	Reply(ctx context.Context, conversationID, text string) error
	Failure(ctx context.Context, conversationID string, err error) error
}

// LogMirror writes mirrored text to a logger.
type LogMirror struct {
	Logger *slog.Logger
}

func (m LogMirror) logger() *slog.Logger {
	if m.Logger == nil {
		return slog.Default()
	}
	return m.Logger
}

// Transcript implements Mirror.
func (m LogMirror) Transcript(_ context.Context, conversationID, participantID, text string) error {
	m.logger().Info("transcript", "conversation", conversationID, "participant", participantID, "text", text)
	return nil
}

// Reply implements Mirror.
func (m LogMirror) Reply(_ context.Context, conversationID, text string) error {
	m.logger().Info("reply", "conversation", conversationID, "text", text)
	return nil
}

// Failure implements Mirror.
func (m LogMirror) Failure(_ context.Context, conversationID string, err error) error {
	m.logger().Warn("speech failure", "conversation", conversationID, "error", err)
	return nil
}

type notice struct {
	conversationID string
	kind           string
	deliver        func(ctx context.Context) error
}

// throttledMirror delivers notices on its own goroutine. Each conversation
// has its own token bucket; notices over the rate or beyond the queue are
// dropped. A nil *throttledMirror discards everything.
type throttledMirror struct {
	next      Mirror
	perSecond float64
	burst     int
	timeout   time.Duration
	metrics   *metrics.Metrics
	logger    *slog.Logger

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	queue    chan notice
	closed   bool
	done     chan struct{}
}

func newThrottledMirror(next Mirror, cfg *Config) *throttledMirror {
	queue := cfg.MirrorQueue
	if queue <= 0 {
		queue = 64
	}
	m := &throttledMirror{
		next:      next,
		perSecond: cfg.MirrorPerSecond,
		burst:     cfg.MirrorBurst,
		timeout:   5 * time.Second,
		metrics:   cfg.Metrics,
		logger:    cfg.Logger.With("component", "voice.mirror"),
		limiters:  make(map[string]*rate.Limiter),
		queue:     make(chan notice, queue),
		done:      make(chan struct{}),
	}
	go m.loop()
	return m
}

func (m *throttledMirror) transcript(conversationID, participantID, text string) {
	m.enqueue(notice{
		conversationID: conversationID,
		kind:           "transcript",
		deliver: func(ctx context.Context) error {
			return m.next.Transcript(ctx, conversationID, participantID, text)
		},
	})
}

func (m *throttledMirror) reply(conversationID, text string) {
	m.enqueue(notice{
		conversationID: conversationID,
		kind:           "reply",
		deliver: func(ctx context.Context) error {
			return m.next.Reply(ctx, conversationID, text)
		},
	})
}

func (m *throttledMirror) failure(conversationID string, err error) {
	m.enqueue(notice{
		conversationID: conversationID,
		kind:           "failure",
		deliver: func(ctx context.Context) error {
			return m.next.Failure(ctx, conversationID, err)
		},
	})
}

func (m *throttledMirror) enqueue(n notice) {
	if m == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}

	if m.perSecond > 0 {
		lim, ok := m.limiters[n.conversationID]
		if !ok {
			lim = rate.NewLimiter(rate.Limit(m.perSecond), max(m.burst, 1))
			m.limiters[n.conversationID] = lim
		}
		if !lim.Allow() {
			m.drop(n, "rate limited")
			return
		}
	}

	select {
	case m.queue <- n:
	default:
		m.drop(n, "queue full")
	}
}

func (m *throttledMirror) drop(n notice, reason string) {
	m.metrics.MirrorDropped()
	m.logger.Debug("mirror notice dropped",
		"conversation", n.conversationID,
		"kind", n.kind,
		"reason", reason,
	)
}

func (m *throttledMirror) loop() {
	defer close(m.done)
	for n := range m.queue {
		ctx, cancel := context.WithTimeout(context.Background(), m.timeout)
		if err := n.deliver(ctx); err != nil {
			m.logger.Warn("mirror delivery failed",
				"conversation", n.conversationID,
				"kind", n.kind,
				"error", err,
			)
		}
		cancel()
	}
}

// forget drops a conversation's token bucket.
func (m *throttledMirror) forget(conversationID string) {
	if m == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.limiters, conversationID)
}

// close stops accepting notices and waits for queued ones to be delivered.
func (m *throttledMirror) close() {
	if m == nil {
		return
	}
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	close(m.queue)
	m.mu.Unlock()
	<-m.done
}
