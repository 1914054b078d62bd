package tts

import (
	"context"
	"sync"
	"time"
)

// Mock implements Provider for testing.
// All methods can be customized via function fields.
type Mock struct {
	// StreamFunc is called when Stream is invoked.
	// If nil, returns silent PCM sized to the text.
	StreamFunc func(ctx context.Context, apiKey, text string) (AudioStream, error)

	// Format is the format of the default silent audio.
	Format AudioFormat

	// Tracking
	mu    sync.Mutex
	calls []MockCall
}

// MockCall records a method invocation for verification.
type MockCall struct {
	Key  string
	Text string
	Time time.Time
}

// NewMock creates a new mock provider with sensible defaults.
func NewMock() *Mock {
	return &Mock{Format: PCMFormat(EncodingPCM24)}
}

// Stream calls StreamFunc and records the call.
func (m *Mock) Stream(ctx context.Context, apiKey, text string) (AudioStream, error) {
	m.mu.Lock()
	m.calls = append(m.calls, MockCall{Key: apiKey, Text: text, Time: time.Now()})
	m.mu.Unlock()

	if m.StreamFunc != nil {
		return m.StreamFunc(ctx, apiKey, text)
	}
	if apiKey == "" {
		return nil, ErrNoAPIKey
	}
	return NewMockStream(Silence(m.Format, len(text))).WithContext(ctx), nil
}

// Calls returns all recorded calls.
func (m *Mock) Calls() []MockCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	result := make([]MockCall, len(m.calls))
	copy(result, m.calls)
	return result
}

// CallCount returns the number of Stream calls.
func (m *Mock) CallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.calls)
}

// Reset clears all recorded calls.
func (m *Mock) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = nil
}

// WithError returns a mock that always returns the given error.
func WithError(err error) *Mock {
	m := NewMock()
	m.StreamFunc = func(ctx context.Context, apiKey, text string) (AudioStream, error) {
		return nil, err
	}
	return m
}

// WithLatency delays the first chunk of every default stream.
func WithLatency(m *Mock, delay time.Duration) *Mock {
	next := m.StreamFunc
	m.StreamFunc = func(ctx context.Context, apiKey, text string) (AudioStream, error) {
		if next != nil {
			return next(ctx, apiKey, text)
		}
		return NewMockStream(Silence(m.Format, len(text))).WithContext(ctx).WithDelay(delay), nil
	}
	return m
}

// Silence returns roughly 20ms of silent PCM per character, which gives
// natural speech pacing.
func Silence(f AudioFormat, chars int) []byte {
	if chars <= 0 {
		chars = 1
	}
	perChar := f.SampleRate / 50 * 2
	if perChar <= 0 {
		perChar = 960
	}
	return make([]byte, chars*perChar)
}

// MockStream replays scripted chunks.
type MockStream struct {
	Chunks [][]byte
	Err    error
	Delay  time.Duration
	format AudioFormat

	ctx context.Context

	mu     sync.Mutex
	pos    int
	closed bool
	stop   chan struct{}
}

// NewMockStream returns a stream that yields the given chunks, then ends.
func NewMockStream(chunks ...[]byte) *MockStream {
	return &MockStream{
		Chunks: chunks,
		format: PCMFormat(EncodingPCM24),
		ctx:    context.Background(),
		stop:   make(chan struct{}),
	}
}

// WithContext makes Read fail once ctx is done.
func (s *MockStream) WithContext(ctx context.Context) *MockStream {
	s.ctx = ctx
	return s
}

// WithDelay waits before the first chunk.
func (s *MockStream) WithDelay(d time.Duration) *MockStream {
	s.Delay = d
	return s
}

// WithErr ends the stream with err after the chunks.
func (s *MockStream) WithErr(err error) *MockStream {
	s.Err = err
	return s
}

// WithFormat sets the reported format.
func (s *MockStream) WithFormat(f AudioFormat) *MockStream {
	s.format = f
	return s
}

func (s *MockStream) Read() ([]byte, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrStreamClosed
	}
	first := s.pos == 0
	s.mu.Unlock()

	if first && s.Delay > 0 {
		timer := time.NewTimer(s.Delay)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-s.stop:
			return nil, ErrStreamClosed
		case <-s.ctx.Done():
			return nil, s.ctx.Err()
		}
	}
	if err := s.ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pos < len(s.Chunks) {
		chunk := s.Chunks[s.pos]
		s.pos++
		return chunk, nil
	}
	s.pos++
	return nil, s.Err
}

func (s *MockStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.stop)
	}
	return nil
}

// Closed reports whether Close was called.
func (s *MockStream) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *MockStream) Format() AudioFormat {
	return s.format
}

var (
	_ Provider    = (*Mock)(nil)
	_ AudioStream = (*MockStream)(nil)
)
