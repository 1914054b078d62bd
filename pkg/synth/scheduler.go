// Package synth turns approved reply sentences into audio and hands the
// audio to a playback.Player in dispatch order.
//
// Every sentence becomes an independent Job that acquires its own
// synthesis credential and starts at once. Jobs complete in any order; a
// reorder buffer keyed by the conversation's dispatch index releases a
// job's audio only after every earlier job has been released or dropped.
package synth

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/teslashibe/parley/pkg/audioio"
	"github.com/teslashibe/parley/pkg/playback"
	"github.com/teslashibe/parley/pkg/pool"
	"github.com/teslashibe/parley/pkg/respond"
	"github.com/teslashibe/parley/pkg/tts"
)

// Pool is the part of *pool.Pool the scheduler uses.
type Pool interface {
	Acquire(c pool.Capability) (*pool.Reservation, error)
	Release(r *pool.Reservation)
	ReportError(r *pool.Reservation, err error)
}

// Job is one sentence being synthesized.
type Job struct {
	ID        string
	TicketID  string
	TicketSeq uint64
	Ordinal   int
	Dispatch  uint64
	Text      string
	Created   time.Time
}

// Failure describes a sentence that will not be spoken.
type Failure struct {
	ConversationID string
	Job            Job
	Err            error
}

type slot struct {
	job    Job
	cancel context.CancelFunc
	done   bool
	entry  *playback.Entry
}

type ticketState struct {
	pending   int
	finishing bool
	finished  chan struct{}
}

// Scheduler dispatches synthesis jobs for one conversation. It implements
// respond.Output.
type Scheduler struct {
	conversationID string
	pool           Pool
	provider       tts.Provider
	player         *playback.Player
	cfg            *Config
	logger         *slog.Logger

	mu      sync.Mutex
	next    uint64
	head    uint64
	slots   map[uint64]*slot
	tickets map[string]*ticketState
	closed  bool
	wg      sync.WaitGroup
}

// New creates a scheduler and the player it feeds. Audio is played on
// sink.
func New(conversationID string, p Pool, provider tts.Provider, sink playback.Sink, opts ...Option) *Scheduler {
	cfg := DefaultConfig()
	cfg.Apply(opts...)
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	s := &Scheduler{
		conversationID: conversationID,
		pool:           p,
		provider:       provider,
		cfg:            cfg,
		logger:         cfg.Logger.With("component", "synth.scheduler", "conversation", conversationID),
		slots:          make(map[uint64]*slot),
		tickets:        make(map[string]*ticketState),
	}
	s.player = playback.New(sink,
		playback.WithOnDone(s.played),
		playback.WithOnStart(cfg.OnPlay),
		playback.WithLogger(cfg.Logger.With("conversation", conversationID)),
		playback.WithMetrics(cfg.Metrics),
	)
	return s
}

// Player returns the player fed by the scheduler.
func (s *Scheduler) Player() *playback.Player {
	return s.player
}

// Sentence dispatches a synthesis job for the ordinal-th sentence of t.
// It never blocks on the backend.
func (s *Scheduler) Sentence(t *respond.Ticket, ordinal int, text string) {
	s.mu.Lock()
	if s.closed || t.Cancelled() {
		s.mu.Unlock()
		return
	}

	idx := s.next
	s.next++
	job := Job{
		ID:        uuid.NewString(),
		TicketID:  t.ID,
		TicketSeq: t.Seq,
		Ordinal:   ordinal,
		Dispatch:  idx,
		Text:      text,
		Created:   time.Now(),
	}
	ctx, cancel := context.WithTimeout(t.Context(), s.cfg.JobTimeout)
	sl := &slot{job: job, cancel: cancel}
	s.slots[idx] = sl
	s.ticketLocked(t.ID).pending++
	s.wg.Add(1)
	s.mu.Unlock()

	s.logger.Debug("job dispatched",
		"job", job.ID,
		"ticket", job.TicketID,
		"dispatch", idx,
		"ordinal", ordinal,
	)
	go s.synthesize(ctx, sl)
}

// Finish returns a channel closed once every job of t has been played,
// failed or dropped.
func (s *Scheduler) Finish(t *respond.Ticket) <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()

	ts := s.ticketLocked(t.ID)
	ts.finishing = true
	s.settleLocked(t.ID, ts)
	return ts.finished
}

// CancelTicket drops the ticket's unfinished jobs, its buffered audio and
// its queued playback, and stops its audio if it is playing.
func (s *Scheduler) CancelTicket(ticketID string) {
	s.mu.Lock()
	dropped := 0
	for idx, sl := range s.slots {
		if sl.job.TicketID != ticketID {
			continue
		}
		sl.cancel()
		delete(s.slots, idx)
		dropped++
		s.cfg.Metrics.SynthesisJob("cancelled")
	}
	if ts, ok := s.tickets[ticketID]; ok {
		ts.pending -= dropped
		ts.finishing = true
		s.settleLocked(ticketID, ts)
	}
	s.releaseLocked()
	s.mu.Unlock()

	played := s.player.DropTicket(ticketID)
	if dropped > 0 || played > 0 {
		s.logger.Debug("ticket audio cancelled", "ticket", ticketID, "jobs", dropped, "buffers", played)
	}
}

// Pending returns the number of dispatched jobs not yet handed to the
// player.
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.slots)
}

// Close abandons outstanding jobs and stops the player.
func (s *Scheduler) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	for _, sl := range s.slots {
		sl.cancel()
	}
	s.mu.Unlock()

	s.wg.Wait()
	err := s.player.Close()

	s.mu.Lock()
	for id, ts := range s.tickets {
		ts.pending = 0
		ts.finishing = true
		s.settleLocked(id, ts)
	}
	s.mu.Unlock()
	return err
}

func (s *Scheduler) synthesize(ctx context.Context, sl *slot) {
	defer s.wg.Done()
	defer sl.cancel()
	job := sl.job

	res, err := s.pool.Acquire(pool.Synthesis)
	if err != nil {
		s.fail(sl, "exhausted", err)
		return
	}

	audio, err := s.render(ctx, res.Key, job.Text)
	if err != nil {
		if errors.Is(ctx.Err(), context.Canceled) {
			s.pool.Release(res)
			s.complete(sl, nil)
			return
		}
		s.pool.ReportError(res, err)
		s.pool.Release(res)
		s.fail(sl, "failed", err)
		return
	}
	s.pool.Release(res)

	s.cfg.Metrics.SynthesisLatency(time.Since(job.Created))
	s.cfg.Metrics.SynthesisJob("completed")
	s.complete(sl, &playback.Entry{
		JobID:    job.ID,
		TicketID: job.TicketID,
		Dispatch: job.Dispatch,
		Text:     job.Text,
		Audio:    audio.Audio,
		Format:   audio.Format,
	})
}

type rendered struct {
	Audio  []byte
	Format audioio.Format
}

func (s *Scheduler) render(ctx context.Context, key, text string) (*rendered, error) {
	stream, err := s.provider.Stream(ctx, key, text)
	if err != nil {
		return nil, err
	}
	res, err := tts.ReadAll(stream)
	if err != nil {
		return nil, err
	}

	channels := res.Format.Channels
	if channels <= 0 {
		channels = 1
	}
	audio := res.Audio
	if rate := s.cfg.SpeakingRate; rate > 0 && rate != 1 {
		audio = audioio.TimeStretchBytes(audio, channels, rate)
	}
	return &rendered{
		Audio:  audio,
		Format: audioio.Format{SampleRate: res.Format.SampleRate, Channels: channels},
	}, nil
}

func (s *Scheduler) fail(sl *slot, outcome string, err error) {
	s.cfg.Metrics.SynthesisJob(outcome)
	s.logger.Error("synthesis failed",
		"job", sl.job.ID,
		"ticket", sl.job.TicketID,
		"dispatch", sl.job.Dispatch,
		"error", err,
	)
	if s.complete(sl, nil) && s.cfg.OnFailure != nil {
		s.cfg.OnFailure(Failure{ConversationID: s.conversationID, Job: sl.job, Err: err})
	}
}

// complete records a job result and releases whatever is now in order. A
// nil entry means the job produced nothing playable. It reports whether
// the job was still live.
func (s *Scheduler) complete(sl *slot, entry *playback.Entry) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if cur, ok := s.slots[sl.job.Dispatch]; !ok || cur != sl {
		return false
	}
	sl.done = true
	sl.entry = entry
	s.releaseLocked()
	return true
}

// releaseLocked moves completed jobs to the player in dispatch order. A
// missing index below next was dropped and is skipped.
func (s *Scheduler) releaseLocked() {
	for s.head < s.next {
		sl, ok := s.slots[s.head]
		if !ok {
			s.head++
			continue
		}
		if !sl.done {
			return
		}
		delete(s.slots, s.head)
		s.head++

		if sl.entry == nil {
			s.jobDoneLocked(sl.job.TicketID)
			continue
		}
		if err := s.player.Enqueue(*sl.entry); err != nil {
			s.jobDoneLocked(sl.job.TicketID)
		}
	}
}

func (s *Scheduler) played(e playback.Entry, outcome playback.Outcome) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobDoneLocked(e.TicketID)
}

func (s *Scheduler) jobDoneLocked(ticketID string) {
	ts, ok := s.tickets[ticketID]
	if !ok {
		return
	}
	ts.pending--
	s.settleLocked(ticketID, ts)
}

func (s *Scheduler) ticketLocked(id string) *ticketState {
	ts, ok := s.tickets[id]
	if !ok {
		ts = &ticketState{finished: make(chan struct{})}
		s.tickets[id] = ts
	}
	return ts
}

// settleLocked closes the ticket's finish channel once it has nothing
// outstanding and Finish was called.
func (s *Scheduler) settleLocked(id string, ts *ticketState) {
	if ts.pending > 0 || !ts.finishing {
		return
	}
	select {
	case <-ts.finished:
	default:
		close(ts.finished)
	}
	delete(s.tickets, id)
}

var _ respond.Output = (*Scheduler)(nil)
