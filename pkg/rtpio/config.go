package rtpio

import (
	"log/slog"
	"time"
)

// IngressConfig holds ingress configuration.
type IngressConfig struct {
	// Participants maps a sender's SSRC to its participant id. Unknown
	// senders are named "ssrc-<n>".
	Participants map[uint32]string

	// EnergyFloor is the mean signal power (0.0 to 1.0) a packet must reach
	// to count as speech.
	EnergyFloor float64

	// Hangover is how long a speaker may stay below the floor before their
	// speech is considered over.
	Hangover time.Duration

	// FrameBuffer is the number of decoded frames queued per speaker.
	FrameBuffer int

	Logger *slog.Logger
}

// IngressOption configures an Ingress.
type IngressOption func(*IngressConfig)

// WithParticipants sets the SSRC to participant mapping.
func WithParticipants(m map[uint32]string) IngressOption {
	return func(c *IngressConfig) {
		c.Participants = m
	}
}

// WithEnergyFloor sets the speech detection floor.
func WithEnergyFloor(floor float64) IngressOption {
	return func(c *IngressConfig) {
		c.EnergyFloor = floor
	}
}

// WithHangover sets the end-of-speech hangover.
func WithHangover(d time.Duration) IngressOption {
	return func(c *IngressConfig) {
		c.Hangover = d
	}
}

// WithIngressLogger sets the structured logger.
func WithIngressLogger(logger *slog.Logger) IngressOption {
	return func(c *IngressConfig) {
		c.Logger = logger
	}
}

// DefaultIngressConfig returns the default ingress configuration.
func DefaultIngressConfig() *IngressConfig {
	return &IngressConfig{
		EnergyFloor: 0.0005,
		Hangover:    800 * time.Millisecond,
		FrameBuffer: 50,
		Logger:      slog.Default(),
	}
}

// Apply applies functional options to the config.
func (c *IngressConfig) Apply(opts ...IngressOption) {
	for _, opt := range opts {
		opt(c)
	}
}

// SinkConfig holds outbound sink configuration.
type SinkConfig struct {
	SSRC        uint32
	PayloadType uint8

	// Paced sends one packet per frame interval. Unpaced sinks write as
	// fast as the socket allows.
	Paced bool

	Logger *slog.Logger
}

// SinkOption configures a Sink.
type SinkOption func(*SinkConfig)

// WithSSRC sets the outbound stream's SSRC.
func WithSSRC(ssrc uint32) SinkOption {
	return func(c *SinkConfig) {
		c.SSRC = ssrc
	}
}

// WithPayloadType sets the RTP payload type of the opus stream.
func WithPayloadType(pt uint8) SinkOption {
	return func(c *SinkConfig) {
		c.PayloadType = pt
	}
}

// WithPacing enables or disables real-time pacing.
func WithPacing(paced bool) SinkOption {
	return func(c *SinkConfig) {
		c.Paced = paced
	}
}

// WithSinkLogger sets the structured logger.
func WithSinkLogger(logger *slog.Logger) SinkOption {
	return func(c *SinkConfig) {
		c.Logger = logger
	}
}

// DefaultSinkConfig returns the default sink configuration.
func DefaultSinkConfig() *SinkConfig {
	return &SinkConfig{
		SSRC:        0x5041524c,
		PayloadType: 111,
		Paced:       true,
		Logger:      slog.Default(),
	}
}

// Apply applies functional options to the config.
func (c *SinkConfig) Apply(opts ...SinkOption) {
	for _, opt := range opts {
		opt(c)
	}
}
