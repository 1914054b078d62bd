// Package utterance coalesces bursts of final transcript fragments into
// whole utterances using a per-participant debounce window.
package utterance

import (
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/teslashibe/parley/internal/metrics"
	"github.com/teslashibe/parley/pkg/stt"
)

// DefaultWindow is the quiet period that ends an utterance.
const DefaultWindow = 800 * time.Millisecond

// Utterance is one debounced unit of speech.
type Utterance struct {
	ParticipantID string
	Text          string
	// Sentiment is the mean of the fragment samples, nil if none had one.
	Sentiment *stt.Sentiment
	Fragments int
	StartedAt time.Time
	EndedAt   time.Time
}

type buffer struct {
	parts     []string
	scores    []float64
	startedAt time.Time
	lastAt    time.Time
	timer     *time.Timer
	gen       uint64
}

func (b *buffer) utterance(participantID string) Utterance {
	u := Utterance{
		ParticipantID: participantID,
		Text:          strings.Join(b.parts, " "),
		Fragments:     len(b.parts),
		StartedAt:     b.startedAt,
		EndedAt:       b.lastAt,
	}
	if len(b.scores) > 0 {
		var sum float64
		for _, s := range b.scores {
			sum += s
		}
		mean := sum / float64(len(b.scores))
		u.Sentiment = &stt.Sentiment{Score: mean, Label: stt.LabelFor(mean)}
	}
	return u
}

// Option configures an Aggregator.
type Option func(*Aggregator)

// WithWindow sets the debounce window.
func WithWindow(d time.Duration) Option {
	return func(a *Aggregator) {
		if d > 0 {
			a.window = d
		}
	}
}

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(a *Aggregator) {
		a.logger = logger
	}
}

// WithMetrics enables instrumentation.
func WithMetrics(m *metrics.Metrics) Option {
	return func(a *Aggregator) {
		a.metrics = m
	}
}

// Aggregator is safe for concurrent use. onFlush runs on a timer goroutine
// and may be called concurrently for different participants.
type Aggregator struct {
	window  time.Duration
	onFlush func(Utterance)
	logger  *slog.Logger
	metrics *metrics.Metrics

	mu      sync.Mutex
	buffers map[string]*buffer
	closed  bool
}

// New creates an aggregator that hands completed utterances to onFlush.
func New(onFlush func(Utterance), opts ...Option) *Aggregator {
	a := &Aggregator{
		window:  DefaultWindow,
		onFlush: onFlush,
		logger:  slog.Default(),
		buffers: make(map[string]*buffer),
	}
	for _, opt := range opts {
		opt(a)
	}
	a.logger = a.logger.With("component", "utterance.aggregator")
	return a
}

// Add appends a final fragment to the participant's buffer and restarts
// their debounce timer.
func (a *Aggregator) Add(participantID, text string, sentiment *stt.Sentiment) {
	text = strings.TrimSpace(text)
	if text == "" && sentiment == nil {
		return
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return
	}

	now := time.Now()
	b, ok := a.buffers[participantID]
	if !ok {
		b = &buffer{startedAt: now}
		a.buffers[participantID] = b
	}
	if text != "" {
		b.parts = append(b.parts, text)
	}
	if sentiment != nil {
		b.scores = append(b.scores, sentiment.Score)
	}
	b.lastAt = now

	b.gen++
	gen := b.gen
	if b.timer != nil {
		b.timer.Stop()
	}
	b.timer = time.AfterFunc(a.window, func() { a.fire(participantID, gen) })
}

func (a *Aggregator) fire(participantID string, gen uint64) {
	a.mu.Lock()
	b, ok := a.buffers[participantID]
	if !ok || b.gen != gen || a.closed {
		a.mu.Unlock()
		return
	}
	delete(a.buffers, participantID)
	a.mu.Unlock()

	a.deliver(b.utterance(participantID))
}

// Flush emits the participant's pending utterance now. It returns false if
// nothing was buffered.
func (a *Aggregator) Flush(participantID string) bool {
	a.mu.Lock()
	b, ok := a.buffers[participantID]
	if !ok {
		a.mu.Unlock()
		return false
	}
	delete(a.buffers, participantID)
	if b.timer != nil {
		b.timer.Stop()
	}
	a.mu.Unlock()

	a.deliver(b.utterance(participantID))
	return true
}

func (a *Aggregator) deliver(u Utterance) {
	if u.Text == "" {
		return
	}
	a.metrics.Utterance()
	a.logger.Debug("utterance complete",
		"participant", u.ParticipantID,
		"fragments", u.Fragments,
		"chars", len(u.Text),
	)
	if a.onFlush != nil {
		a.onFlush(u)
	}
}

// Discard drops the participant's pending fragments without flushing.
func (a *Aggregator) Discard(participantID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if b, ok := a.buffers[participantID]; ok {
		if b.timer != nil {
			b.timer.Stop()
		}
		delete(a.buffers, participantID)
	}
}

// Pending returns the number of participants with buffered fragments.
func (a *Aggregator) Pending() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.buffers)
}

// Close discards every buffer. Timers that already fired are ignored.
func (a *Aggregator) Close() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.closed = true
	for id, b := range a.buffers {
		if b.timer != nil {
			b.timer.Stop()
		}
		delete(a.buffers, id)
	}
}
