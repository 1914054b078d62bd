package respond

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Outcome is how a ticket ended.
type Outcome string

const (
	OutcomePending    Outcome = ""
	OutcomeCompleted  Outcome = "completed"
	OutcomeFailed     Outcome = "failed"
	OutcomeVetoed     Outcome = "vetoed"
	OutcomePreempted  Outcome = "preempted"
	OutcomeSuperseded Outcome = "superseded"
	OutcomeCancelled  Outcome = "cancelled"
	OutcomeTimedOut   Outcome = "timed_out"
	OutcomeClosed     Outcome = "closed"
)

// Ticket is one reply attempt and the unit of cancellation. Everything
// produced on its behalf checks Cancelled before it is used.
type Ticket struct {
	ID             string
	ConversationID string
	ParticipantID  string
	Seq            uint64
	CreatedAt      time.Time

	ctx      context.Context
	stop     context.CancelFunc
	onCancel func(*Ticket)

	mu        sync.Mutex
	cancelled bool
	producing bool
	finished  bool
	outcome   Outcome
	reason    string
	text      string
	err       error
	done      chan struct{}
}

func newTicket(parent context.Context, conversationID, participantID string, seq uint64, timeout time.Duration) *Ticket {
	ctx, stop := context.WithTimeout(parent, timeout)
	return &Ticket{
		ID:             uuid.NewString(),
		ConversationID: conversationID,
		ParticipantID:  participantID,
		Seq:            seq,
		CreatedAt:      time.Now(),
		ctx:            ctx,
		stop:           stop,
		done:           make(chan struct{}),
	}
}

// NewTicket creates a ticket not owned by any Coordinator, for driving an
// Output directly. It lives until cancelled.
func NewTicket(conversationID, participantID string, seq uint64) *Ticket {
	ctx, stop := context.WithCancel(context.Background())
	return &Ticket{
		ID:             uuid.NewString(),
		ConversationID: conversationID,
		ParticipantID:  participantID,
		Seq:            seq,
		CreatedAt:      time.Now(),
		ctx:            ctx,
		stop:           stop,
		done:           make(chan struct{}),
	}
}

// Cancel stops the ticket. It reports whether this call cancelled it;
// cancelling twice or cancelling a finished ticket is a no-op. Audio the
// ticket already played stays played.
func (t *Ticket) Cancel(reason string) bool {
	return t.cancel(OutcomeCancelled, reason)
}

func (t *Ticket) cancel(outcome Outcome, reason string) bool {
	t.mu.Lock()
	if t.cancelled || t.finished {
		t.mu.Unlock()
		return false
	}
	release := t.cancelLocked(outcome, reason)
	t.mu.Unlock()

	release()
	return true
}

// cancelLocked marks the ticket cancelled. The returned func stops the
// ticket's context and notifies its owner; call it without t.mu held.
func (t *Ticket) cancelLocked(outcome Outcome, reason string) func() {
	t.cancelled = true
	t.outcome = outcome
	t.reason = reason
	onCancel := t.onCancel
	return func() {
		t.stop()
		if onCancel != nil {
			onCancel(t)
		}
	}
}

// preempt cancels the ticket as preempted unless it already released
// output, deciding under the same lock as markProducing. It reports whether
// the ticket gave way. A ticket that already ended or was cancelled gives
// way and release is nil; otherwise release must be called without any
// coordinator lock held.
func (t *Ticket) preempt(reason string) (gaveWay bool, release func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.cancelled || t.finished {
		return true, nil
	}
	if t.producing {
		return false, nil
	}
	return true, t.cancelLocked(OutcomePreempted, reason)
}

// Cancelled reports whether the ticket was cancelled.
func (t *Ticket) Cancelled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cancelled
}

// Producing reports whether the ticket is releasing output to synthesis.
// A cancelled or finished ticket is not producing.
func (t *Ticket) Producing() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.producing && !t.cancelled && !t.finished
}

// markProducing flips the ticket to producing unless it was cancelled.
func (t *Ticket) markProducing() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.cancelled || t.finished {
		return false
	}
	t.producing = true
	return true
}

// hasProduced reports whether the ticket ever released output.
func (t *Ticket) hasProduced() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.producing
}

// Context is cancelled when the ticket is cancelled, times out or ends.
func (t *Ticket) Context() context.Context { return t.ctx }

// Done is closed when the ticket has ended.
func (t *Ticket) Done() <-chan struct{} { return t.done }

// Outcome returns how the ticket ended, or OutcomePending.
func (t *Ticket) Outcome() Outcome {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.finished {
		return OutcomePending
	}
	return t.outcome
}

// Reason returns the cancellation reason, if any.
func (t *Ticket) Reason() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.reason
}

// Text returns the reply text released for the ticket.
func (t *Ticket) Text() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.text
}

// Err returns the generation error, if any.
func (t *Ticket) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}

// finish records the final state and reports whether this call ended the
// ticket. A prior cancellation decides the outcome; otherwise outcome is
// used.
func (t *Ticket) finish(outcome Outcome, text string, err error) (Outcome, bool) {
	t.mu.Lock()
	if t.finished {
		o := t.outcome
		t.mu.Unlock()
		return o, false
	}
	t.finished = true
	if !t.cancelled {
		t.outcome = outcome
	}
	t.text = text
	t.err = err
	o := t.outcome
	t.mu.Unlock()

	t.stop()
	close(t.done)
	return o, true
}
