package playback

import (
	"context"
	"sync"
	"time"
)

// BufferSink records what it plays. With Realtime set it takes as long as
// the audio lasts, so tests can interrupt it mid-buffer.
type BufferSink struct {
	Realtime bool

	// PlayFunc, if set, runs before the entry is recorded; an error fails
	// the entry.
	PlayFunc func(ctx context.Context, e Entry) error

	mu     sync.Mutex
	played []Entry
	notify chan Entry
}

// NewBufferSink creates a sink that records instantly.
func NewBufferSink() *BufferSink {
	return &BufferSink{notify: make(chan Entry, 256)}
}

// Play records e once it has "played".
func (s *BufferSink) Play(ctx context.Context, e Entry) error {
	if s.PlayFunc != nil {
		if err := s.PlayFunc(ctx, e); err != nil {
			return err
		}
	}
	if s.Realtime {
		if d := e.Format.Duration(len(e.Audio)); d > 0 {
			timer := time.NewTimer(d)
			defer timer.Stop()
			select {
			case <-timer.C:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}

	s.mu.Lock()
	s.played = append(s.played, e)
	s.mu.Unlock()

	select {
	case s.notify <- e:
	default:
	}
	return nil
}

// Played returns the entries played so far, in order.
func (s *BufferSink) Played() []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Entry(nil), s.played...)
}

// Notify receives each played entry. Entries are dropped when the buffer
// is full.
func (s *BufferSink) Notify() <-chan Entry {
	return s.notify
}
