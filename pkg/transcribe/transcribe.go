// Package transcribe binds each speaking participant's audio to its own
// streaming recognition session.
//
// Every session holds one transcription reservation from the credential
// pool for its whole life. Sessions for different participants run fully in
// parallel and never share a backend connection, so a failing session
// cannot disturb another one.
package transcribe

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/teslashibe/parley/pkg/pool"
	"github.com/teslashibe/parley/pkg/stt"
)

// CredentialPool is the subset of *pool.Pool a Set needs.
type CredentialPool interface {
	Acquire(c pool.Capability) (*pool.Reservation, error)
	Release(r *pool.Reservation)
	ReportError(r *pool.Reservation, err error)
}

// AudioSource delivers a participant's PCM16 frames. The channel is closed
// when the subscription ends.
type AudioSource interface {
	Frames() <-chan []byte
}

// ChanSource adapts a channel to AudioSource.
type ChanSource chan []byte

// Frames implements AudioSource.
func (c ChanSource) Frames() <-chan []byte { return c }

// Result is one recognized fragment attributed to a participant.
type Result struct {
	ParticipantID string
	Text          string
	IsFinal       bool
	Confidence    float64
	Sentiment     *stt.Sentiment
	ReceivedAt    time.Time
}

type session struct {
	participantID string
	cancel        context.CancelFunc
	stop          chan struct{}
	stopOnce      sync.Once
	done          chan struct{}
}

func (s *session) requestStop() {
	s.stopOnce.Do(func() { close(s.stop) })
}

// Set owns the transcription sessions of one conversation.
type Set struct {
	cfg      *Config
	pool     CredentialPool
	provider stt.Provider
	logger   *slog.Logger

	mu sync.Mutex
	// sessions holds the sessions still accepting audio, by participant.
	// A session leaves it as soon as its audio ends, while it may still be
	// flushing; running holds every session until its reservation is
	// released.
	sessions map[string]*session
	running  map[*session]struct{}
	closed   bool
	wg       sync.WaitGroup
}

// NewSet creates an empty session set.
func NewSet(p CredentialPool, provider stt.Provider, opts ...Option) *Set {
	cfg := DefaultConfig()
	cfg.Apply(opts...)
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.SilenceTimeout <= 0 {
		cfg.SilenceTimeout = 800 * time.Millisecond
	}

	logger := cfg.Logger.With("component", "transcribe.set")
	if cfg.ConversationID != "" {
		logger = logger.With("conversation", cfg.ConversationID)
	}

	return &Set{
		cfg:      cfg,
		pool:     p,
		provider: provider,
		logger:   logger,
		sessions: make(map[string]*session),
		running:  make(map[*session]struct{}),
	}
}

// Start opens a session for participantID fed by src. Results are passed
// to onResult from the session's goroutine, in backend order. A previous
// session of the same participant that is still flushing does not block a
// new one.
//
// If no transcription capacity is free the error wraps pool.ErrNoCapacity
// and the caller should drop the speech; nothing is queued.
func (s *Set) Start(ctx context.Context, participantID string, src AudioSource, onResult func(Result)) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	if _, ok := s.sessions[participantID]; ok {
		s.mu.Unlock()
		return ErrSessionExists
	}

	sctx, cancel := context.WithCancel(ctx)
	sess := &session{
		participantID: participantID,
		cancel:        cancel,
		stop:          make(chan struct{}),
		done:          make(chan struct{}),
	}
	s.sessions[participantID] = sess
	s.running[sess] = struct{}{}
	s.wg.Add(1)
	s.mu.Unlock()

	logger := s.logger.With("participant", participantID)

	res, err := s.pool.Acquire(pool.Transcription)
	if err != nil {
		s.forget(sess)
		cancel()
		close(sess.done)
		s.wg.Done()
		logger.Info("transcription capacity exhausted, dropping speech", "error", err)
		return fmt.Errorf("transcribe: %w", err)
	}
	logger = logger.With("credential", res.CredentialID, "reservation", res.ID)

	stream, err := s.provider.Open(sctx, res.Key, s.cfg.Stream)
	if err != nil {
		if sctx.Err() == nil {
			s.pool.ReportError(res, err)
		}
		s.pool.Release(res)
		s.forget(sess)
		cancel()
		close(sess.done)
		s.wg.Done()
		logger.Error("transcription connect failed", "error", err)
		return fmt.Errorf("transcribe: open stream: %w", err)
	}

	s.cfg.Metrics.TranscriptionSessions(1)
	logger.Debug("transcription session started")

	go s.run(sctx, sess, stream, res, src, onResult, logger)
	return nil
}

func (s *Set) run(ctx context.Context, sess *session, stream stt.Stream, res *pool.Reservation, src AudioSource, onResult func(Result), logger *slog.Logger) {
	defer s.wg.Done()
	defer close(sess.done)
	defer sess.cancel()

	eventsDone := make(chan struct{})
	go func() {
		defer close(eventsDone)
		for ev := range stream.Events() {
			if onResult == nil {
				continue
			}
			onResult(Result{
				ParticipantID: sess.participantID,
				Text:          ev.Text,
				IsFinal:       ev.IsFinal,
				Confidence:    ev.Confidence,
				Sentiment:     ev.Sentiment,
				ReceivedAt:    time.Now(),
			})
		}
	}()

	reason := s.pump(ctx, sess, stream, src, eventsDone)
	s.detach(sess)

	if reason != "backend ended" && reason != "cancelled" {
		_ = stream.CloseSend()
		flush := time.NewTimer(s.cfg.FlushTimeout)
		select {
		case <-eventsDone:
		case <-flush.C:
			logger.Warn("backend did not flush before timeout")
		case <-ctx.Done():
		}
		flush.Stop()
	}
	_ = stream.Close()
	<-eventsDone

	err := stream.Err()
	if err != nil {
		s.pool.ReportError(res, err)
		logger.Error("transcription session failed", "error", err)
	}
	s.pool.Release(res)
	s.forget(sess)
	s.cfg.Metrics.TranscriptionSessions(-1)

	logger.Debug("transcription session ended", "reason", reason)
	if s.cfg.OnEnd != nil {
		s.cfg.OnEnd(sess.participantID, err)
	}
}

// pump forwards audio until the session should end and returns why.
func (s *Set) pump(ctx context.Context, sess *session, stream stt.Stream, src AudioSource, eventsDone <-chan struct{}) string {
	silence := time.NewTimer(s.cfg.SilenceTimeout)
	defer silence.Stop()

	frames := src.Frames()
	for {
		select {
		case frame, ok := <-frames:
			if !ok {
				return "source closed"
			}
			if err := stream.SendAudio(frame); err != nil {
				return "backend ended"
			}
			if !silence.Stop() {
				select {
				case <-silence.C:
				default:
				}
			}
			silence.Reset(s.cfg.SilenceTimeout)
		case <-silence.C:
			return "silence"
		case <-sess.stop:
			return "stopped"
		case <-eventsDone:
			return "backend ended"
		case <-ctx.Done():
			return "cancelled"
		}
	}
}

// detach removes sess from the live sessions so the participant can start
// a new one.
func (s *Set) detach(sess *session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.detachLocked(sess)
}

func (s *Set) detachLocked(sess *session) {
	if cur, ok := s.sessions[sess.participantID]; ok && cur == sess {
		delete(s.sessions, sess.participantID)
	}
}

func (s *Set) forget(sess *session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.detachLocked(sess)
	delete(s.running, sess)
}

// Stop ends the participant's session gracefully, letting the backend
// flush trailing results. The participant may start a new session right
// away. It returns false if no session was active.
func (s *Set) Stop(participantID string) bool {
	s.mu.Lock()
	sess, ok := s.sessions[participantID]
	if ok {
		s.detachLocked(sess)
	}
	s.mu.Unlock()
	if !ok {
		return false
	}
	sess.requestStop()
	return true
}

// Active returns the participants with a live session.
func (s *Set) Active() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.sessions))
	for id := range s.sessions {
		ids = append(ids, id)
	}
	return ids
}

// StopAll tears down every session, flushing ones included, and waits for
// their reservations to be released.
func (s *Set) StopAll() {
	s.mu.Lock()
	sessions := make([]*session, 0, len(s.running))
	for sess := range s.running {
		sessions = append(sessions, sess)
	}
	s.mu.Unlock()

	for _, sess := range sessions {
		sess.cancel()
	}
	for _, sess := range sessions {
		<-sess.done
	}
}

// Close stops all sessions and refuses new ones.
func (s *Set) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()

	s.StopAll()
	s.wg.Wait()
	return nil
}
