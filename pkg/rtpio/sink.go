package rtpio

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/pion/rtp"

	"github.com/teslashibe/parley/pkg/audioio"
	"github.com/teslashibe/parley/pkg/playback"
)

// Sink plays reply audio as an opus RTP stream. Sequence numbers and
// timestamps continue across entries so the stream stays contiguous.
type Sink struct {
	conn   net.Conn
	enc    *audioio.Encoder
	cfg    *SinkConfig
	logger *slog.Logger

	mu        sync.Mutex
	seq       uint16
	timestamp uint32
	closed    bool
}

// NewSink creates a sink writing to conn.
func NewSink(conn net.Conn, opts ...SinkOption) (*Sink, error) {
	cfg := DefaultSinkConfig()
	cfg.Apply(opts...)
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	enc, err := audioio.NewEncoder(audioio.OpusRate, 1)
	if err != nil {
		return nil, err
	}
	return &Sink{
		conn: conn,
		enc:  enc,
		cfg:  cfg,
		logger: cfg.Logger.With(
			"component", "rtpio.sink",
			"ssrc", cfg.SSRC,
			"remote", conn.RemoteAddr().String(),
		),
	}, nil
}

// Dial creates a sink sending to the UDP address addr.
func Dial(addr string, opts ...SinkOption) (*Sink, error) {
	conn, err := net.Dial("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("rtpio: dial %s: %w", addr, err)
	}
	s, err := NewSink(conn, opts...)
	if err != nil {
		conn.Close()
		return nil, err
	}
	return s, nil
}

// Play implements playback.Sink. It returns ctx.Err() as soon as ctx is
// cancelled, leaving the rest of the entry unsent.
func (s *Sink) Play(ctx context.Context, e playback.Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return net.ErrClosed
	}

	samples := audioio.BytesToSamples(e.Audio)
	if e.Format.Channels == 2 {
		samples = audioio.StereoToMono(samples)
	}
	if e.Format.SampleRate > 0 && e.Format.SampleRate != audioio.OpusRate {
		samples = audioio.Resample(samples, e.Format.SampleRate, audioio.OpusRate)
	}

	frame := s.enc.FrameSize()
	var ticker *time.Ticker
	if s.cfg.Paced {
		ticker = time.NewTicker(audioio.FrameDuration)
		defer ticker.Stop()
	}

	sent := 0
	for off := 0; off < len(samples); off += frame {
		if err := ctx.Err(); err != nil {
			return err
		}
		end := min(off+frame, len(samples))
		payload, err := s.enc.Encode(samples[off:end])
		if err != nil {
			return err
		}

		pkt := rtp.Packet{
			Header: rtp.Header{
				Version:        2,
				Marker:         off == 0,
				PayloadType:    s.cfg.PayloadType,
				SequenceNumber: s.seq,
				Timestamp:      s.timestamp,
				SSRC:           s.cfg.SSRC,
			},
			Payload: payload,
		}
		raw, err := pkt.Marshal()
		if err != nil {
			return fmt.Errorf("rtpio: marshal: %w", err)
		}
		if _, err := s.conn.Write(raw); err != nil {
			return fmt.Errorf("rtpio: write: %w", err)
		}
		s.seq++
		s.timestamp += uint32(frame)
		sent++

		if ticker != nil && end < len(samples) {
			select {
			case <-ticker.C:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}

	s.logger.Debug("entry sent", "job", e.JobID, "ticket", e.TicketID, "packets", sent)
	return nil
}

// Close closes the socket.
func (s *Sink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.conn.Close()
}

var _ playback.Sink = (*Sink)(nil)
