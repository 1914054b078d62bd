// Package playback plays synthesized audio buffers one at a time, in
// queue order, through a Sink.
//
// A playback error is logged and the queue advances. Buffers can be
// dropped per ticket, which also interrupts the buffer that is currently
// playing if it belongs to that ticket.
package playback

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/teslashibe/parley/pkg/audioio"
)

// ErrClosed is returned by Enqueue after Close.
var ErrClosed = errors.New("playback: player closed")

// Entry is one playable buffer.
type Entry struct {
	JobID    string
	TicketID string
	Dispatch uint64
	Text     string
	Audio    []byte
	Format   audioio.Format
}

// Outcome is how an entry left the player.
type Outcome string

const (
	OutcomePlayed      Outcome = "played"
	OutcomeFailed      Outcome = "failed"
	OutcomeDropped     Outcome = "dropped"
	OutcomeInterrupted Outcome = "interrupted"
)

// Sink renders one buffer. Play must return promptly once ctx is done.
type Sink interface {
	Play(ctx context.Context, e Entry) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, e Entry) error

// Play calls f.
func (f SinkFunc) Play(ctx context.Context, e Entry) error { return f(ctx, e) }

// Player owns a FIFO of entries and a single goroutine that plays them.
type Player struct {
	sink   Sink
	cfg    *Config
	logger *slog.Logger

	mu          sync.Mutex
	queue       []Entry
	playing     *Entry
	stopPlaying context.CancelFunc
	closed      bool

	wake chan struct{}
	done chan struct{}
}

// New starts a player on sink.
func New(sink Sink, opts ...Option) *Player {
	cfg := DefaultConfig()
	cfg.Apply(opts...)
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	p := &Player{
		sink:   sink,
		cfg:    cfg,
		logger: cfg.Logger.With("component", "playback.player"),
		wake:   make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	go p.loop()
	return p
}

// Enqueue appends e to the queue.
func (p *Player) Enqueue(e Entry) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrClosed
	}
	p.queue = append(p.queue, e)
	select {
	case p.wake <- struct{}{}:
	default:
	}
	p.mu.Unlock()
	return nil
}

// DropTicket removes the ticket's queued entries and interrupts its entry
// if it is playing. It returns the number of entries affected.
func (p *Player) DropTicket(ticketID string) int {
	p.mu.Lock()
	var dropped []Entry
	kept := p.queue[:0]
	for _, e := range p.queue {
		if e.TicketID == ticketID {
			dropped = append(dropped, e)
			continue
		}
		kept = append(kept, e)
	}
	clear(p.queue[len(kept):])
	p.queue = kept

	interrupted := false
	if p.playing != nil && p.playing.TicketID == ticketID {
		p.stopPlaying()
		interrupted = true
	}
	p.mu.Unlock()

	p.finish(dropped, OutcomeDropped)
	n := len(dropped)
	if interrupted {
		n++
	}
	if n > 0 {
		p.logger.Debug("dropped ticket audio", "ticket", ticketID, "entries", n, "interrupted", interrupted)
	}
	return n
}

// Clear drops everything queued and interrupts the current entry.
func (p *Player) Clear() int {
	p.mu.Lock()
	dropped := p.queue
	p.queue = nil
	interrupted := p.playing != nil
	if interrupted {
		p.stopPlaying()
	}
	p.mu.Unlock()

	p.finish(dropped, OutcomeDropped)
	if interrupted {
		return len(dropped) + 1
	}
	return len(dropped)
}

// Playing returns the entry being played, if any.
func (p *Player) Playing() (Entry, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.playing == nil {
		return Entry{}, false
	}
	return *p.playing, true
}

// Len returns the number of queued entries, excluding the one playing.
func (p *Player) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.queue)
}

// Close drops the queue, interrupts playback and stops the goroutine.
func (p *Player) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		<-p.done
		return nil
	}
	p.closed = true
	close(p.wake)
	p.mu.Unlock()

	p.Clear()
	<-p.done
	return nil
}

func (p *Player) loop() {
	defer close(p.done)

	for {
		e, ctx, ok := p.next()
		if !ok {
			if _, open := <-p.wake; !open {
				return
			}
			continue
		}

		if p.cfg.OnStart != nil {
			p.cfg.OnStart(e)
		}
		err := p.sink.Play(ctx, e)

		p.mu.Lock()
		interrupted := ctx.Err() != nil
		p.stopPlaying()
		p.playing = nil
		p.stopPlaying = nil
		p.mu.Unlock()

		switch {
		case interrupted:
			p.finish([]Entry{e}, OutcomeInterrupted)
		case err != nil:
			p.logger.Error("playback failed",
				"job", e.JobID,
				"ticket", e.TicketID,
				"error", err,
			)
			p.finish([]Entry{e}, OutcomeFailed)
		default:
			p.finish([]Entry{e}, OutcomePlayed)
		}
	}
}

// next pops the front entry and marks it playing.
func (p *Player) next() (Entry, context.Context, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.queue) == 0 || p.closed {
		return Entry{}, nil, false
	}
	e := p.queue[0]
	p.queue[0] = Entry{}
	p.queue = p.queue[1:]

	ctx, cancel := context.WithCancel(context.Background())
	p.playing = &e
	p.stopPlaying = cancel
	return e, ctx, true
}

func (p *Player) finish(entries []Entry, outcome Outcome) {
	for _, e := range entries {
		p.cfg.Metrics.Playback(string(outcome))
		if p.cfg.OnDone != nil {
			p.cfg.OnDone(e, outcome)
		}
	}
}
