package stt

import (
	"context"
	"sync"
)

// Mock implements Provider for testing.
type Mock struct {
	// OpenFunc overrides Open. If nil, a new MockStream is returned.
	OpenFunc func(ctx context.Context, apiKey string, opts Options) (Stream, error)

	// Opened receives every MockStream created by the default Open.
	Opened chan *MockStream

	mu      sync.Mutex
	keys    []string
	streams []*MockStream
}

// NewMock creates a mock provider.
func NewMock() *Mock {
	return &Mock{Opened: make(chan *MockStream, 32)}
}

// Open records the key and returns a scripted stream.
func (m *Mock) Open(ctx context.Context, apiKey string, opts Options) (Stream, error) {
	m.mu.Lock()
	m.keys = append(m.keys, apiKey)
	m.mu.Unlock()

	if m.OpenFunc != nil {
		return m.OpenFunc(ctx, apiKey, opts)
	}
	if apiKey == "" {
		return nil, ErrNoAPIKey
	}

	s := NewMockStream()
	m.mu.Lock()
	m.streams = append(m.streams, s)
	m.mu.Unlock()

	select {
	case m.Opened <- s:
	default:
	}
	return s, nil
}

// Keys returns the API keys passed to Open, in call order.
func (m *Mock) Keys() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.keys...)
}

// Streams returns every stream opened by the default Open.
func (m *Mock) Streams() []*MockStream {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*MockStream(nil), m.streams...)
}

// MockStream is a Stream driven by the test.
type MockStream struct {
	// SendAudioFunc overrides SendAudio after the closed check.
	SendAudioFunc func(pcm []byte) error

	events chan Event

	mu         sync.Mutex
	audio      [][]byte
	sendClosed bool
	finished   bool
	closed     bool
	err        error
}

// NewMockStream creates an open stream.
func NewMockStream() *MockStream {
	return &MockStream{events: make(chan Event, 256)}
}

// SendAudio records the frame.
func (s *MockStream) SendAudio(pcm []byte) error {
	s.mu.Lock()
	if s.sendClosed || s.finished {
		s.mu.Unlock()
		return ErrStreamClosed
	}
	s.mu.Unlock()

	if s.SendAudioFunc != nil {
		if err := s.SendAudioFunc(pcm); err != nil {
			return err
		}
	}

	s.mu.Lock()
	s.audio = append(s.audio, append([]byte(nil), pcm...))
	s.mu.Unlock()
	return nil
}

// Events returns the scripted event channel.
func (s *MockStream) Events() <-chan Event {
	return s.events
}

// CloseSend ends the stream the way a backend does after flushing.
func (s *MockStream) CloseSend() error {
	s.mu.Lock()
	s.sendClosed = true
	s.mu.Unlock()
	s.finish(nil)
	return nil
}

// Close ends the stream.
func (s *MockStream) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.finish(nil)
	return s.Err()
}

// Err returns the simulated error, if any.
func (s *MockStream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// SimulateResult delivers an event. It is dropped after the stream ends.
func (s *MockStream) SimulateResult(ev Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.finished {
		return
	}
	s.events <- ev
}

// SimulateFinal is shorthand for a final fragment.
func (s *MockStream) SimulateFinal(text string) {
	s.SimulateResult(Event{Text: text, IsFinal: true, Confidence: 0.9})
}

// SimulateError ends the stream abnormally.
func (s *MockStream) SimulateError(err error) {
	s.finish(err)
}

// Audio returns the frames sent so far.
func (s *MockStream) Audio() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([][]byte(nil), s.audio...)
}

// Ended reports whether the stream has finished.
func (s *MockStream) Ended() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.finished
}

func (s *MockStream) finish(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.finished {
		return
	}
	s.finished = true
	if err != nil && s.err == nil {
		s.err = err
	}
	close(s.events)
}

var (
	_ Provider = (*Mock)(nil)
	_ Provider = (*Client)(nil)
	_ Stream   = (*MockStream)(nil)
)
