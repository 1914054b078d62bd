package audioio

import (
	"fmt"
	"time"

	"gopkg.in/hraban/opus.v2"
)

const (
	// OpusRate is the sample rate used on the voice transport.
	OpusRate = 48000

	// FrameDuration is the packetization interval for outbound audio.
	FrameDuration = 20 * time.Millisecond

	// maxFrameSamples is 120ms at 48kHz, the largest opus frame.
	maxFrameSamples = 5760

	maxPacketBytes = 4000
)

// FrameSamples returns the number of samples per channel in one
// FrameDuration frame at rate.
func FrameSamples(rate int) int {
	return int(time.Duration(rate) * FrameDuration / time.Second)
}

// Decoder decodes opus packets to PCM16.
// It is not safe for concurrent use.
type Decoder struct {
	dec      *opus.Decoder
	channels int
	buf      []int16
}

// NewDecoder creates an opus decoder producing audio at rate with the given
// channel count.
func NewDecoder(rate, channels int) (*Decoder, error) {
	dec, err := opus.NewDecoder(rate, channels)
	if err != nil {
		return nil, fmt.Errorf("audioio: opus decoder: %w", err)
	}
	return &Decoder{
		dec:      dec,
		channels: channels,
		buf:      make([]int16, maxFrameSamples*channels),
	}, nil
}

// Decode decodes one packet. The returned slice is a copy.
func (d *Decoder) Decode(packet []byte) ([]int16, error) {
	n, err := d.dec.Decode(packet, d.buf)
	if err != nil {
		return nil, fmt.Errorf("audioio: opus decode: %w", err)
	}
	out := make([]int16, n*d.channels)
	copy(out, d.buf[:n*d.channels])
	return out, nil
}

// Encoder encodes FrameDuration PCM16 frames to opus packets.
// It is not safe for concurrent use.
type Encoder struct {
	enc      *opus.Encoder
	frame    int
	channels int
	buf      []byte
}

// NewEncoder creates a VoIP-tuned opus encoder.
func NewEncoder(rate, channels int) (*Encoder, error) {
	enc, err := opus.NewEncoder(rate, channels, opus.AppVoIP)
	if err != nil {
		return nil, fmt.Errorf("audioio: opus encoder: %w", err)
	}
	return &Encoder{
		enc:      enc,
		frame:    FrameSamples(rate),
		channels: channels,
		buf:      make([]byte, maxPacketBytes),
	}, nil
}

// FrameSize returns the number of interleaved samples Encode expects.
func (e *Encoder) FrameSize() int {
	return e.frame * e.channels
}

// Encode encodes exactly one frame. Short frames are zero padded.
func (e *Encoder) Encode(pcm []int16) ([]byte, error) {
	if len(pcm) < e.FrameSize() {
		padded := make([]int16, e.FrameSize())
		copy(padded, pcm)
		pcm = padded
	}
	n, err := e.enc.Encode(pcm[:e.FrameSize()], e.buf)
	if err != nil {
		return nil, fmt.Errorf("audioio: opus encode: %w", err)
	}
	out := make([]byte, n)
	copy(out, e.buf[:n])
	return out, nil
}
