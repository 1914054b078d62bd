// Package respond serializes reply generation for one conversation.
//
// A submitted utterance becomes a Ticket. Reply generation starts at once,
// in parallel with the intent gate; sentences produced before the gate
// approves are held back, and a veto cancels the ticket so no held text is
// ever spoken. At most one ticket produces output at a time: a newer
// utterance preempts a ticket that has not produced anything yet, and
// otherwise waits for the speaking ticket to finish.
package respond

import (
	"context"
	"errors"
	"log/slog"
	"math/rand/v2"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/teslashibe/parley/pkg/intent"
	"github.com/teslashibe/parley/pkg/reply"
	"github.com/teslashibe/parley/pkg/stt"
)

// ErrTicketCancelled is returned to the generator when its ticket can no
// longer release output.
var ErrTicketCancelled = errors.New("respond: ticket cancelled")

var errVetoed = errors.New("respond: vetoed")

// Gate decides whether to respond. *intent.Gate implements it.
type Gate interface {
	Decide(ctx context.Context, req intent.Request) intent.Decision
}

// Output receives approved sentences. Calls must not block.
type Output interface {
	// Sentence dispatches the ordinal-th released sentence of t.
	Sentence(t *Ticket, ordinal int, text string)

	// Finish is called once t will release nothing more. The returned
	// channel is closed when all of t's audio has played or been dropped.
	Finish(t *Ticket) <-chan struct{}

	// CancelTicket drops everything still pending for the ticket and stops
	// its audio if it is playing.
	CancelTicket(ticketID string)
}

// Submission is an utterance with the context the gate and generator need.
type Submission struct {
	ParticipantID      string
	SpeakerName        string
	Text               string
	Sentiment          *stt.Sentiment
	Participants       []intent.Participant
	Recent             []intent.Turn
	AgentAskedQuestion bool
}

type job struct {
	t   *Ticket
	sub Submission
}

// Coordinator owns the tickets of one conversation.
type Coordinator struct {
	id     string
	gate   Gate
	gen    reply.Generator
	out    Output
	cfg    *Config
	logger *slog.Logger

	root       context.Context
	rootCancel context.CancelFunc

	mu        sync.Mutex
	seq       uint64
	current   *job
	waiting   *job
	lastSpoke time.Time
	closed    bool
	wg        sync.WaitGroup
}

// New creates a coordinator for conversationID.
func New(conversationID string, gate Gate, gen reply.Generator, out Output, opts ...Option) *Coordinator {
	cfg := DefaultConfig()
	cfg.Apply(opts...)
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.TicketTimeout <= 0 {
		cfg.TicketTimeout = 5 * time.Minute
	}

	root, cancel := context.WithCancel(context.Background())
	return &Coordinator{
		id:         conversationID,
		gate:       gate,
		gen:        gen,
		out:        out,
		cfg:        cfg,
		logger:     cfg.Logger.With("component", "respond.coordinator", "conversation", conversationID),
		root:       root,
		rootCancel: cancel,
	}
}

// Submit creates a ticket for sub and schedules it.
func (c *Coordinator) Submit(sub Submission) *Ticket {
	c.mu.Lock()
	c.seq++
	t := newTicket(c.root, c.id, sub.ParticipantID, c.seq, c.cfg.TicketTimeout)
	t.onCancel = c.onTicketCancel
	j := &job{t: t, sub: sub}

	if c.closed {
		c.mu.Unlock()
		t.cancel(OutcomeClosed, "coordinator closed")
		c.end(t, OutcomeClosed, "", nil)
		return t
	}

	var superseded *Ticket
	var preempt func()
	if c.current == nil {
		c.startLocked(j)
	} else if gaveWay, release := c.current.t.preempt("preempted by ticket " + t.ID); gaveWay {
		preempt = release
		if c.waiting != nil {
			superseded = c.waiting.t
			c.waiting = nil
		}
		c.startLocked(j)
	} else {
		if c.waiting != nil {
			superseded = c.waiting.t
		}
		c.waiting = j
	}
	c.mu.Unlock()

	if preempt != nil {
		preempt()
	}
	if superseded != nil {
		superseded.cancel(OutcomeSuperseded, "superseded by ticket "+t.ID)
		c.end(superseded, OutcomeSuperseded, "", nil)
	}

	c.logger.Debug("ticket submitted",
		"ticket", t.ID,
		"seq", t.Seq,
		"participant", sub.ParticipantID,
		"preempted", preempt != nil,
	)
	return t
}

func (c *Coordinator) startLocked(j *job) {
	c.current = j
	c.wg.Add(1)
	go c.run(j)
}

// Cancel cancels the current or waiting ticket with the given id. It
// returns false if no such ticket is live.
func (c *Coordinator) Cancel(ticketID string) bool {
	c.mu.Lock()
	var t *Ticket
	switch {
	case c.current != nil && c.current.t.ID == ticketID:
		t = c.current.t
	case c.waiting != nil && c.waiting.t.ID == ticketID:
		t = c.waiting.t
	}
	c.mu.Unlock()
	if t == nil {
		return false
	}
	return t.Cancel("cancelled")
}

// CancelCurrent cancels the active ticket, if any.
func (c *Coordinator) CancelCurrent(reason string) bool {
	t := c.Current()
	if t == nil {
		return false
	}
	return t.Cancel(reason)
}

// Current returns the active ticket or nil.
func (c *Coordinator) Current() *Ticket {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current == nil {
		return nil
	}
	return c.current.t
}

// Waiting returns the ticket queued behind a speaking ticket, or nil.
func (c *Coordinator) Waiting() *Ticket {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.waiting == nil {
		return nil
	}
	return c.waiting.t
}

// Close cancels all tickets and waits for them to end.
func (c *Coordinator) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	cur, wait := c.current, c.waiting
	c.waiting = nil
	c.mu.Unlock()

	if wait != nil {
		wait.t.cancel(OutcomeClosed, "coordinator closed")
		c.end(wait.t, OutcomeClosed, "", nil)
	}
	if cur != nil {
		cur.t.cancel(OutcomeClosed, "coordinator closed")
	}
	c.wg.Wait()
	c.rootCancel()
	return nil
}

func (c *Coordinator) onTicketCancel(t *Ticket) {
	c.out.CancelTicket(t.ID)

	c.mu.Lock()
	queued := c.waiting != nil && c.waiting.t == t
	if queued {
		c.waiting = nil
	}
	c.mu.Unlock()

	if queued {
		c.end(t, OutcomeCancelled, "", nil)
	}
}

func (c *Coordinator) end(t *Ticket, outcome Outcome, text string, err error) Outcome {
	o, first := t.finish(outcome, text, err)
	if first {
		c.cfg.Metrics.Ticket(string(o))
		c.logger.Debug("ticket ended", "ticket", t.ID, "seq", t.Seq, "outcome", o, "reason", t.Reason())
	}
	return o
}

func (c *Coordinator) run(j *job) {
	defer c.wg.Done()
	t := j.t

	outcome, text, err := c.execute(j)
	if errors.Is(t.ctx.Err(), context.DeadlineExceeded) {
		t.cancel(OutcomeTimedOut, "ticket exceeded "+c.cfg.TicketTimeout.String())
	}
	if t.hasProduced() {
		c.mu.Lock()
		c.lastSpoke = time.Now()
		c.mu.Unlock()
	}
	if c.end(t, outcome, text, err) == OutcomeCompleted && c.cfg.OnComplete != nil {
		c.cfg.OnComplete(t, text)
	}

	c.mu.Lock()
	if c.current != nil && c.current.t == t {
		c.current = nil
		if c.waiting != nil && !c.closed {
			next := c.waiting
			c.waiting = nil
			c.startLocked(next)
		}
	}
	c.mu.Unlock()
}

// execute runs the gate and the generator side by side and plays the
// approved reply out.
func (c *Coordinator) execute(j *job) (Outcome, string, error) {
	t := j.t
	ctx := t.ctx

	if pause := c.pause(); pause > 0 {
		timer := time.NewTimer(pause)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return OutcomeCancelled, "", ctx.Err()
		}
	}

	em := &emitter{t: t, out: c.out}
	var genErr error

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		d := c.gate.Decide(gctx, c.intentRequest(j))
		if !d.Respond {
			t.cancel(OutcomeVetoed, string(d.Source)+": "+d.Reason)
			return errVetoed
		}
		return em.approve()
	})
	g.Go(func() error {
		_, genErr = c.gen.Generate(gctx, c.replyRequest(j), em.emit)
		return nil
	})
	if err := g.Wait(); err != nil || ctx.Err() != nil {
		return OutcomeCancelled, em.text(), genErr
	}

	if genErr != nil && em.count() == 0 {
		c.logger.Error("reply generation failed", "ticket", t.ID, "error", genErr)
		if c.cfg.Apology != "" && em.emit(c.cfg.Apology) == nil {
			c.awaitSpoken(ctx, t)
		}
		return OutcomeFailed, "", genErr
	}
	if genErr != nil {
		c.logger.Warn("reply cut short, keeping partial output", "ticket", t.ID, "sentences", em.count(), "error", genErr)
	}
	if em.count() > 0 {
		c.awaitSpoken(ctx, t)
	}
	if ctx.Err() != nil {
		return OutcomeCancelled, em.text(), genErr
	}
	return OutcomeCompleted, em.text(), genErr
}

func (c *Coordinator) awaitSpoken(ctx context.Context, t *Ticket) {
	select {
	case <-c.out.Finish(t):
	case <-ctx.Done():
	}
}

// pause returns the pacing delay for a ticket starting now.
func (c *Coordinator) pause() time.Duration {
	c.mu.Lock()
	last := c.lastSpoke
	c.mu.Unlock()

	if last.IsZero() || time.Since(last) >= c.cfg.PacingCooldown {
		return 0
	}
	span := c.cfg.PauseMax - c.cfg.PauseMin
	if span <= 0 {
		return c.cfg.PauseMin
	}
	return c.cfg.PauseMin + rand.N(span)
}

func (c *Coordinator) intentRequest(j *job) intent.Request {
	return intent.Request{
		ConversationID:     c.id,
		ParticipantID:      j.sub.ParticipantID,
		SpeakerName:        j.sub.SpeakerName,
		Text:               j.sub.Text,
		Sentiment:          j.sub.Sentiment,
		Participants:       j.sub.Participants,
		Recent:             j.sub.Recent,
		AgentAskedQuestion: j.sub.AgentAskedQuestion,
	}
}

func (c *Coordinator) replyRequest(j *job) reply.Request {
	return reply.Request{
		ConversationID: c.id,
		ParticipantID:  j.sub.ParticipantID,
		SpeakerName:    j.sub.SpeakerName,
		Text:           j.sub.Text,
		Sentiment:      j.sub.Sentiment,
		Recent:         j.sub.Recent,
	}
}

// emitter holds generated sentences until the gate approves, then releases
// them to the output in order.
type emitter struct {
	t   *Ticket
	out Output

	mu       sync.Mutex
	approved bool
	held     []string
	released []string
}

func (e *emitter) emit(s string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.t.Cancelled() {
		return ErrTicketCancelled
	}
	if !e.approved {
		e.held = append(e.held, s)
		return nil
	}
	return e.releaseLocked(s)
}

func (e *emitter) approve() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.approved = true
	held := e.held
	e.held = nil
	for _, s := range held {
		if err := e.releaseLocked(s); err != nil {
			return err
		}
	}
	return nil
}

func (e *emitter) releaseLocked(s string) error {
	if !e.t.markProducing() {
		return ErrTicketCancelled
	}
	e.out.Sentence(e.t, len(e.released), s)
	e.released = append(e.released, s)
	return nil
}

func (e *emitter) count() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.released)
}

func (e *emitter) text() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return strings.Join(e.released, " ")
}
