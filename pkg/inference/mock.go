package inference

import (
	"context"
	"errors"
	"sync"
	"time"
)

// Mock implements Provider for testing.
type Mock struct {
	// ChatFunc is called when Chat is invoked.
	ChatFunc func(ctx context.Context, req *ChatRequest) (*ChatResponse, error)

	// StreamFunc is called when Stream is invoked.
	StreamFunc func(ctx context.Context, req *ChatRequest) (Stream, error)

	// CloseFunc is called when Close is invoked.
	CloseFunc func() error

	mu    sync.Mutex
	calls []MockCall
}

// MockCall records a method invocation.
type MockCall struct {
	Method  string
	Request *ChatRequest
	Time    time.Time
}

// NewMock creates a mock that answers every request with "Mock response".
func NewMock() *Mock {
	return &Mock{
		ChatFunc: func(ctx context.Context, req *ChatRequest) (*ChatResponse, error) {
			return &ChatResponse{
				Message:      NewAssistantMessage("Mock response"),
				FinishReason: "stop",
				Usage:        Usage{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15},
			}, nil
		},
	}
}

// WithError returns a mock that always returns the given error.
func WithError(err error) *Mock {
	return &Mock{
		ChatFunc: func(ctx context.Context, req *ChatRequest) (*ChatResponse, error) {
			return nil, err
		},
		StreamFunc: func(ctx context.Context, req *ChatRequest) (Stream, error) {
			return nil, err
		},
	}
}

// Chat calls ChatFunc and records the call.
func (m *Mock) Chat(ctx context.Context, req *ChatRequest) (*ChatResponse, error) {
	m.record("Chat", req)
	if m.ChatFunc != nil {
		return m.ChatFunc(ctx, req)
	}
	return nil, WrapError("mock", ErrProviderUnavailable)
}

// Stream calls StreamFunc and records the call. Without a StreamFunc the
// ChatFunc answer is delivered as a single chunk.
func (m *Mock) Stream(ctx context.Context, req *ChatRequest) (Stream, error) {
	m.record("Stream", req)
	if m.StreamFunc != nil {
		return m.StreamFunc(ctx, req)
	}
	if m.ChatFunc != nil {
		resp, err := m.ChatFunc(ctx, req)
		if err != nil {
			return nil, err
		}
		return NewMockStream(resp.Message.Content).WithContext(ctx), nil
	}
	return nil, WrapError("mock", ErrProviderUnavailable)
}

// Close calls CloseFunc and records the call.
func (m *Mock) Close() error {
	m.record("Close", nil)
	if m.CloseFunc != nil {
		return m.CloseFunc()
	}
	return nil
}

func (m *Mock) record(method string, req *ChatRequest) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, MockCall{Method: method, Request: req, Time: time.Now()})
}

// Calls returns all recorded method calls.
func (m *Mock) Calls() []MockCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	result := make([]MockCall, len(m.calls))
	copy(result, m.calls)
	return result
}

// CallCount returns the number of times a method was called.
func (m *Mock) CallCount(method string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	count := 0
	for _, c := range m.calls {
		if c.Method == method {
			count++
		}
	}
	return count
}

// LastCall returns the most recent call, or nil if none.
func (m *Mock) LastCall() *MockCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.calls) == 0 {
		return nil
	}
	call := m.calls[len(m.calls)-1]
	return &call
}

// Reset clears all recorded calls.
func (m *Mock) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = nil
}

var errMockStreamClosed = errors.New("inference: mock stream closed")

// MockStream replays scripted deltas. After the last delta it returns Err
// if set, otherwise a Done chunk.
type MockStream struct {
	Deltas []string
	Err    error

	// Delay is waited before each chunk. A closed stream or a cancelled
	// context interrupts the wait.
	Delay time.Duration

	ctx       context.Context
	mu        sync.Mutex
	next      int
	closed    chan struct{}
	closeOnce sync.Once
}

// NewMockStream creates a stream that yields deltas in order.
func NewMockStream(deltas ...string) *MockStream {
	return &MockStream{
		Deltas: deltas,
		ctx:    context.Background(),
		closed: make(chan struct{}),
	}
}

// WithContext binds the stream to ctx the way a real request is bound.
func (s *MockStream) WithContext(ctx context.Context) *MockStream {
	s.ctx = ctx
	return s
}

// WithDelay sets the per-chunk delay.
func (s *MockStream) WithDelay(d time.Duration) *MockStream {
	s.Delay = d
	return s
}

// WithErr makes the stream fail after its deltas.
func (s *MockStream) WithErr(err error) *MockStream {
	s.Err = err
	return s
}

// Recv implements Stream.
func (s *MockStream) Recv() (*StreamChunk, error) {
	if s.Delay > 0 {
		t := time.NewTimer(s.Delay)
		defer t.Stop()
		select {
		case <-t.C:
		case <-s.closed:
			return nil, errMockStreamClosed
		case <-s.ctx.Done():
			return nil, s.ctx.Err()
		}
	}
	select {
	case <-s.closed:
		return nil, errMockStreamClosed
	default:
	}
	if err := s.ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.next < len(s.Deltas) {
		d := s.Deltas[s.next]
		s.next++
		return &StreamChunk{Delta: d}, nil
	}
	if s.Err != nil {
		return nil, s.Err
	}
	return &StreamChunk{FinishReason: "stop", Done: true}, nil
}

// Close implements Stream.
func (s *MockStream) Close() error {
	s.closeOnce.Do(func() { close(s.closed) })
	return nil
}

// Closed reports whether Close was called.
func (s *MockStream) Closed() bool {
	select {
	case <-s.closed:
		return true
	default:
		return false
	}
}

var (
	_ Provider = (*Mock)(nil)
	_ Stream   = (*MockStream)(nil)
)
