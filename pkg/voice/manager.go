package voice

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/teslashibe/parley/pkg/intent"
	"github.com/teslashibe/parley/pkg/playback"
	"github.com/teslashibe/parley/pkg/pool"
	"github.com/teslashibe/parley/pkg/reply"
	"github.com/teslashibe/parley/pkg/respond"
	"github.com/teslashibe/parley/pkg/stt"
	"github.com/teslashibe/parley/pkg/transcribe"
	"github.com/teslashibe/parley/pkg/tts"
)

// Common errors returned by the manager.
var (
	ErrClosed          = errors.New("voice: manager closed")
	ErrMissingDep      = errors.New("voice: missing dependency")
	ErrNoConversation  = errors.New("voice: no such conversation")
	ErrEmptyIdentifier = errors.New("voice: empty conversation or participant id")
)

// CredentialPool is the part of *pool.Pool shared by transcription and
// synthesis.
type CredentialPool interface {
	Acquire(c pool.Capability) (*pool.Reservation, error)
	Release(r *pool.Reservation)
	ReportError(r *pool.Reservation, err error)
}

// Directory reports who is in a voice session. The agent is not listed.
type Directory interface {
	Participants(ctx context.Context, conversationID string) ([]intent.Participant, error)
}

// StaticDirectory is a fixed Directory keyed by conversation.
type StaticDirectory map[string][]intent.Participant

// Participants implements Directory.
func (d StaticDirectory) Participants(_ context.Context, conversationID string) ([]intent.Participant, error) {
	return d[conversationID], nil
}

// SinkFactory opens the outbound audio sink of a conversation. A sink that
// implements io.Closer is closed when the conversation ends.
type SinkFactory interface {
	Sink(conversationID string) (playback.Sink, error)
}

// SinkFactoryFunc adapts a function to SinkFactory.
type SinkFactoryFunc func(conversationID string) (playback.Sink, error)

// Sink implements SinkFactory.
func (f SinkFactoryFunc) Sink(conversationID string) (playback.Sink, error) {
	return f(conversationID)
}

// Dependencies are the collaborators a Manager needs. Mirror is optional.
type Dependencies struct {
	Pool      CredentialPool
	Speech    stt.Provider
	Voice     tts.Provider
	Gate      respond.Gate
	Generator reply.Generator
	Directory Directory
	Sinks     SinkFactory
	Mirror    Mirror
}

func (d Dependencies) validate() error {
	switch {
	case d.Pool == nil:
		return fmt.Errorf("%w: pool", ErrMissingDep)
	case d.Speech == nil:
		return fmt.Errorf("%w: speech provider", ErrMissingDep)
	case d.Voice == nil:
		return fmt.Errorf("%w: voice provider", ErrMissingDep)
	case d.Gate == nil:
		return fmt.Errorf("%w: gate", ErrMissingDep)
	case d.Generator == nil:
		return fmt.Errorf("%w: generator", ErrMissingDep)
	case d.Directory == nil:
		return fmt.Errorf("%w: directory", ErrMissingDep)
	case d.Sinks == nil:
		return fmt.Errorf("%w: sink factory", ErrMissingDep)
	}
	return nil
}

// Manager owns every live conversation. It is safe for concurrent use.
type Manager struct {
	deps   Dependencies
	cfg    *Config
	logger *slog.Logger
	mirror *throttledMirror

	mu     sync.Mutex
	convs  map[string]*Conversation
	closed bool
}

// New creates a manager.
func New(deps Dependencies, opts ...Option) (*Manager, error) {
	if err := deps.validate(); err != nil {
		return nil, err
	}
	cfg := DefaultConfig()
	cfg.Apply(opts...)
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	m := &Manager{
		deps:   deps,
		cfg:    cfg,
		logger: cfg.Logger.With("component", "voice.manager"),
		convs:  make(map[string]*Conversation),
	}
	if deps.Mirror != nil {
		m.mirror = newThrottledMirror(deps.Mirror, cfg)
	}
	return m, nil
}

// Conversation returns the live conversation with id, creating it if
// needed.
func (m *Manager) Conversation(id string) (*Conversation, error) {
	if id == "" {
		return nil, ErrEmptyIdentifier
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	if c, ok := m.convs[id]; ok {
		return c, nil
	}

	c, err := newConversation(m, id)
	if err != nil {
		return nil, err
	}
	m.convs[id] = c
	m.logger.Info("conversation started", "conversation", id, "enabled", c.Enabled())
	return c, nil
}

// Lookup returns a live conversation without creating one.
func (m *Manager) Lookup(id string) (*Conversation, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.convs[id]
	return c, ok
}

// StartSpeaking opens a transcription session for the participant fed by
// src. A participant whose audio is still being transcribed keeps that
// session and the call returns transcribe.ErrSessionExists without reading
// src; a session that is only flushing does not count. If no transcription
// capacity is free the speech is dropped and the returned error wraps
// pool.ErrNoCapacity.
//
// Cancelling ctx ends the session.
func (m *Manager) StartSpeaking(ctx context.Context, conversationID, participantID string, src transcribe.AudioSource) error {
	if participantID == "" {
		return ErrEmptyIdentifier
	}
	c, err := m.Conversation(conversationID)
	if err != nil {
		return err
	}
	return c.startSpeaking(ctx, participantID, src)
}

// StopSpeaking ends the participant's session gracefully. Trailing
// fragments are still transcribed and aggregated.
func (m *Manager) StopSpeaking(conversationID, participantID string) bool {
	c, ok := m.Lookup(conversationID)
	if !ok {
		return false
	}
	return c.sessions.Stop(participantID)
}

// SetConversationMode toggles whether the conversation's utterances reach
// the reply pipeline. Disabling it also stops the agent's current and
// queued replies.
func (m *Manager) SetConversationMode(conversationID string, enabled bool) error {
	c, err := m.Conversation(conversationID)
	if err != nil {
		return err
	}
	c.setEnabled(enabled)
	return nil
}

// EndConversation tears the conversation down, cancelling every ticket and
// releasing every reservation it holds.
func (m *Manager) EndConversation(conversationID string) error {
	m.mu.Lock()
	c, ok := m.convs[conversationID]
	if ok {
		delete(m.convs, conversationID)
	}
	m.mu.Unlock()
	if !ok {
		return ErrNoConversation
	}

	err := c.close()
	m.mirror.forget(conversationID)
	m.logger.Info("conversation ended", "conversation", conversationID)
	return err
}

// Conversations returns the ids of live conversations.
func (m *Manager) Conversations() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.convs))
	for id := range m.convs {
		ids = append(ids, id)
	}
	return ids
}

// Close ends every conversation and flushes the mirror.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	convs := m.convs
	m.convs = make(map[string]*Conversation)
	m.mu.Unlock()

	var errs []error
	for _, c := range convs {
		if err := c.close(); err != nil {
			errs = append(errs, err)
		}
	}
	m.mirror.close()
	return errors.Join(errs...)
}

func closeSink(s playback.Sink) error {
	if c, ok := s.(io.Closer); ok {
		return c.Close()
	}
	return nil
}
