// Package rtpio carries conversation audio over plain RTP with opus
// payloads.
//
// Ingress receives every speaker of one conversation on a UDP socket,
// decodes each SSRC with its own opus decoder and turns signal energy into
// start/stop speaking events. Sink is the outbound side: a playback.Sink
// that encodes reply audio into paced opus packets.
package rtpio

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/pion/rtp"

	"github.com/teslashibe/parley/pkg/audioio"
	"github.com/teslashibe/parley/pkg/transcribe"
)

// Speaker receives voice activity. *voice.Manager implements it.
type Speaker interface {
	StartSpeaking(ctx context.Context, conversationID, participantID string, src transcribe.AudioSource) error
	StopSpeaking(conversationID, participantID string) bool
}

// maxPacket is larger than any RTP packet carried over a typical MTU.
const maxPacket = 1500

type sender struct {
	ssrc        uint32
	participant string
	dec         *audioio.Decoder

	frames    chan []byte
	active    bool
	lastVoice time.Time
	retryAt   time.Time
	dropped   int
}

// Ingress reads one conversation's voice packets from a PacketConn.
type Ingress struct {
	conn           net.PacketConn
	conversationID string
	speaker        Speaker
	cfg            *IngressConfig
	logger         *slog.Logger

	mu      sync.Mutex
	senders map[uint32]*sender
}

// NewIngress creates an ingress reading from conn. The caller owns conn
// until Run returns; Run closes it.
func NewIngress(conn net.PacketConn, conversationID string, speaker Speaker, opts ...IngressOption) *Ingress {
	cfg := DefaultIngressConfig()
	cfg.Apply(opts...)
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Hangover <= 0 {
		cfg.Hangover = 800 * time.Millisecond
	}
	if cfg.FrameBuffer <= 0 {
		cfg.FrameBuffer = 50
	}

	return &Ingress{
		conn:           conn,
		conversationID: conversationID,
		speaker:        speaker,
		cfg:            cfg,
		logger: cfg.Logger.With(
			"component", "rtpio.ingress",
			"conversation", conversationID,
			"addr", conn.LocalAddr().String(),
		),
		senders: make(map[uint32]*sender),
	}
}

// Listen opens a UDP socket on addr and wraps it in an ingress.
func Listen(addr, conversationID string, speaker Speaker, opts ...IngressOption) (*Ingress, error) {
	conn, err := net.ListenPacket("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("rtpio: listen %s: %w", addr, err)
	}
	return NewIngress(conn, conversationID, speaker, opts...), nil
}

// Addr returns the local address packets should be sent to.
func (in *Ingress) Addr() net.Addr {
	return in.conn.LocalAddr()
}

// Run reads packets until ctx is cancelled or the socket fails. Every
// active speaker is stopped before it returns.
func (in *Ingress) Run(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() { in.conn.Close() })
	defer stop()
	defer in.stopAll()

	go in.watch(ctx)

	in.logger.Info("ingress listening")
	buf := make([]byte, maxPacket)
	for {
		n, _, err := in.conn.ReadFrom(buf)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("rtpio: read: %w", err)
		}

		var pkt rtp.Packet
		if err := pkt.Unmarshal(buf[:n]); err != nil {
			in.logger.Debug("malformed packet", "bytes", n, "error", err)
			continue
		}
		in.handle(ctx, &pkt, time.Now())
	}
}

func (in *Ingress) handle(ctx context.Context, pkt *rtp.Packet, now time.Time) {
	if len(pkt.Payload) == 0 {
		return
	}

	in.mu.Lock()
	defer in.mu.Unlock()

	s, err := in.senderLocked(pkt.SSRC)
	if err != nil {
		in.logger.Error("sender setup failed", "ssrc", pkt.SSRC, "error", err)
		return
	}

	pcm, err := s.dec.Decode(pkt.Payload)
	if err != nil {
		in.logger.Debug("decode failed", "participant", s.participant, "seq", pkt.SequenceNumber, "error", err)
		return
	}
	loud := audioio.CalculateRMS(pcm) >= in.cfg.EnergyFloor

	if !s.active {
		if !loud || now.Before(s.retryAt) {
			return
		}
		s.frames = make(chan []byte, in.cfg.FrameBuffer)
		if err := in.speaker.StartSpeaking(ctx, in.conversationID, s.participant, transcribe.ChanSource(s.frames)); err != nil {
			in.logger.Warn("speech dropped", "participant", s.participant, "error", err)
			s.frames = nil
			s.retryAt = now.Add(in.cfg.Hangover)
			return
		}
		s.active = true
		s.dropped = 0
		in.logger.Debug("speaking started", "participant", s.participant, "ssrc", s.ssrc)
	}

	if loud {
		s.lastVoice = now
	}
	select {
	case s.frames <- audioio.SamplesToBytes(pcm):
	default:
		s.dropped++
	}
}

func (in *Ingress) senderLocked(ssrc uint32) (*sender, error) {
	if s, ok := in.senders[ssrc]; ok {
		return s, nil
	}
	dec, err := audioio.NewDecoder(audioio.OpusRate, 1)
	if err != nil {
		return nil, err
	}
	participant, ok := in.cfg.Participants[ssrc]
	if !ok {
		participant = fmt.Sprintf("ssrc-%d", ssrc)
	}
	s := &sender{ssrc: ssrc, participant: participant, dec: dec}
	in.senders[ssrc] = s
	return s, nil
}

// watch ends speech for senders quiet longer than the hangover.
func (in *Ingress) watch(ctx context.Context) {
	ticker := time.NewTicker(in.cfg.Hangover / 4)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			in.expire(now)
		}
	}
}

func (in *Ingress) expire(now time.Time) {
	in.mu.Lock()
	defer in.mu.Unlock()
	for _, s := range in.senders {
		if s.active && now.Sub(s.lastVoice) > in.cfg.Hangover {
			in.endLocked(s)
			in.logger.Debug("speaking stopped", "participant", s.participant, "dropped_frames", s.dropped)
		}
	}
}

// endLocked closes the sender's frame channel and stops its session. It
// runs under in.mu, so a later start for the same participant always
// follows the stop.
func (in *Ingress) endLocked(s *sender) {
	close(s.frames)
	s.frames = nil
	s.active = false
	in.speaker.StopSpeaking(in.conversationID, s.participant)
}

func (in *Ingress) stopAll() {
	in.mu.Lock()
	defer in.mu.Unlock()
	for _, s := range in.senders {
		if s.active {
			in.endLocked(s)
		}
	}
}
