package voice

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/teslashibe/parley/pkg/intent"
	"github.com/teslashibe/parley/pkg/playback"
	"github.com/teslashibe/parley/pkg/respond"
	"github.com/teslashibe/parley/pkg/synth"
	"github.com/teslashibe/parley/pkg/transcribe"
	"github.com/teslashibe/parley/pkg/utterance"
)

// Conversation is the arena of one voice session: its transcription
// sessions, aggregator, coordinator, scheduler and recent transcript.
// Nothing in it is shared with other conversations except the credential
// pool.
type Conversation struct {
	id     string
	m      *Manager
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	sink     playback.Sink
	sessions *transcribe.Set
	agg      *utterance.Aggregator
	coord    *respond.Coordinator
	sched    *synth.Scheduler
	history  *history
	latency  *latencyTracker
	enabled  atomic.Bool

	membersMu sync.Mutex
	members   []intent.Participant

	closeOnce sync.Once
	closeErr  error
}

func newConversation(m *Manager, id string) (*Conversation, error) {
	cfg := m.cfg
	sink, err := m.deps.Sinks.Sink(id)
	if err != nil {
		return nil, fmt.Errorf("voice: open sink for %s: %w", id, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	logger := cfg.Logger.With("conversation", id)
	c := &Conversation{
		id:      id,
		m:       m,
		logger:  logger.With("component", "voice.conversation"),
		ctx:     ctx,
		cancel:  cancel,
		sink:    sink,
		history: newHistory(cfg.RecentTurns),
	}
	c.enabled.Store(cfg.Enabled)
	c.latency = newLatencyTracker(100, func(t TurnLatency) {
		c.logger.Debug("turn latency", "ticket", t.TicketID, "latency", t.FormatLatency())
	})

	synthOpts := append([]synth.Option{
		synth.WithLogger(logger),
		synth.WithMetrics(cfg.Metrics),
	}, cfg.Synth...)
	synthOpts = append(synthOpts,
		synth.WithOnFailure(c.onSynthFailure),
		synth.WithOnPlay(c.onPlay),
	)
	c.sched = synth.New(id, m.deps.Pool, m.deps.Voice, sink, synthOpts...)

	respondOpts := append([]respond.Option{
		respond.WithLogger(logger),
		respond.WithMetrics(cfg.Metrics),
	}, cfg.Respond...)
	respondOpts = append(respondOpts, respond.WithOnComplete(c.onComplete))
	c.coord = respond.New(id, m.deps.Gate, m.deps.Generator, c.sched, respondOpts...)

	c.agg = utterance.New(c.onUtterance,
		utterance.WithWindow(cfg.Debounce),
		utterance.WithLogger(logger),
		utterance.WithMetrics(cfg.Metrics),
	)
	c.sessions = transcribe.NewSet(m.deps.Pool, m.deps.Speech,
		transcribe.WithConversationID(id),
		transcribe.WithSilenceTimeout(cfg.SilenceTimeout),
		transcribe.WithFlushTimeout(cfg.FlushTimeout),
		transcribe.WithStreamOptions(cfg.Stream),
		transcribe.WithLogger(cfg.Logger),
		transcribe.WithMetrics(cfg.Metrics),
	)
	return c, nil
}

// ID returns the conversation id.
func (c *Conversation) ID() string { return c.id }

// Enabled reports whether utterances reach the reply pipeline.
func (c *Conversation) Enabled() bool { return c.enabled.Load() }

// Recent returns the recent transcript, oldest first.
func (c *Conversation) Recent() []intent.Turn { return c.history.snapshot() }

// Speaking returns the participants currently being transcribed.
func (c *Conversation) Speaking() []string { return c.sessions.Active() }

// Coordinator returns the conversation's response coordinator.
func (c *Conversation) Coordinator() *respond.Coordinator { return c.coord }

// Scheduler returns the conversation's synthesis scheduler.
func (c *Conversation) Scheduler() *synth.Scheduler { return c.sched }

// Latency returns the mean latency of recent spoken replies.
func (c *Conversation) Latency() TurnLatency { return c.latency.average() }

func (c *Conversation) startSpeaking(ctx context.Context, participantID string, src transcribe.AudioSource) error {
	return c.sessions.Start(ctx, participantID, src, c.onResult)
}

func (c *Conversation) setEnabled(enabled bool) {
	if c.enabled.Swap(enabled) == enabled {
		return
	}
	c.logger.Info("reply mode changed", "enabled", enabled)
	if enabled {
		return
	}
	if w := c.coord.Waiting(); w != nil {
		c.coord.Cancel(w.ID)
	}
	c.coord.CancelCurrent("reply mode disabled")
}

func (c *Conversation) onResult(r transcribe.Result) {
	if !r.IsFinal {
		return
	}
	if text := strings.TrimSpace(r.Text); text != "" {
		c.m.mirror.transcript(c.id, r.ParticipantID, text)
	}
	c.agg.Add(r.ParticipantID, r.Text, r.Sentiment)
}

func (c *Conversation) onUtterance(u utterance.Utterance) {
	members := c.participants()
	name := speakerName(members, u.ParticipantID)

	now := time.Now()
	recent := c.history.snapshot()
	asked := c.history.agentAskedQuestion(now, c.m.cfg.QuestionWindow)
	c.history.add(intent.Turn{Speaker: name, Text: u.Text, At: u.EndedAt})

	if !c.Enabled() {
		c.logger.Debug("reply mode off, utterance recorded only", "participant", u.ParticipantID)
		return
	}

	t := c.coord.Submit(respond.Submission{
		ParticipantID:      u.ParticipantID,
		SpeakerName:        name,
		Text:               u.Text,
		Sentiment:          u.Sentiment,
		Participants:       members,
		Recent:             recent,
		AgentAskedQuestion: asked,
	})

	c.latency.markSubmitted(t.ID, u.EndedAt)
	go func() {
		<-t.Done()
		c.latency.markDone(t.ID)
	}()
}

// participants asks the directory for the member list, falling back to
// the last answer when the lookup fails.
func (c *Conversation) participants() []intent.Participant {
	ctx, cancel := context.WithTimeout(c.ctx, c.m.cfg.DirectoryTimeout)
	defer cancel()

	members, err := c.m.deps.Directory.Participants(ctx, c.id)

	c.membersMu.Lock()
	defer c.membersMu.Unlock()
	if err != nil {
		c.logger.Warn("participant lookup failed, using last known members", "error", err)
		return c.members
	}
	c.members = members
	return members
}

func speakerName(members []intent.Participant, participantID string) string {
	for _, p := range members {
		if p.ID == participantID && p.Name != "" {
			return p.Name
		}
	}
	return participantID
}

func (c *Conversation) onComplete(t *respond.Ticket, text string) {
	c.history.add(intent.Turn{
		Speaker: c.m.cfg.AgentName,
		Text:    text,
		Agent:   true,
		At:      time.Now(),
	})
	c.m.mirror.reply(c.id, text)
}

func (c *Conversation) onSynthFailure(f synth.Failure) {
	c.m.mirror.failure(c.id, fmt.Errorf("sentence %d of ticket %s: %w", f.Job.Ordinal, f.Job.TicketID, f.Err))
}

func (c *Conversation) onPlay(e playback.Entry) {
	c.latency.markFirstAudio(e.TicketID)
}

// close stops intake first, then replies, then audio.
func (c *Conversation) close() error {
	c.closeOnce.Do(func() {
		c.cancel()
		var errs []error
		if err := c.sessions.Close(); err != nil {
			errs = append(errs, err)
		}
		c.agg.Close()
		if err := c.coord.Close(); err != nil {
			errs = append(errs, err)
		}
		if err := c.sched.Close(); err != nil {
			errs = append(errs, err)
		}
		if err := closeSink(c.sink); err != nil {
			errs = append(errs, err)
		}
		c.closeErr = errors.Join(errs...)
	})
	return c.closeErr
}
