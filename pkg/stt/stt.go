// Package stt defines the streaming speech-to-text backend contract and a
// websocket client for listen-style streaming endpoints.
//
// A Stream is opened per speaker with a credential key drawn from the pool.
// Raw PCM16 audio goes in through SendAudio; recognized fragments come out
// of Events until the stream ends.
package stt

import "context"

// Provider opens streaming recognition sessions.
type Provider interface {
	// Open dials the backend with apiKey and returns a live stream.
	Open(ctx context.Context, apiKey string, opts Options) (Stream, error)
}

// Stream is one live recognition session.
type Stream interface {
	// SendAudio queues a PCM16 frame. It returns ErrStreamClosed after
	// CloseSend or Close.
	SendAudio(pcm []byte) error

	// Events yields recognized fragments. The channel is closed when the
	// stream ends for any reason.
	Events() <-chan Event

	// CloseSend tells the backend no more audio follows. Pending results
	// are still delivered on Events.
	CloseSend() error

	// Close tears the stream down and waits for its goroutines.
	Close() error

	// Err returns the first abnormal error, or nil after a clean end.
	Err() error
}

// Options describes the audio the caller will send.
type Options struct {
	SampleRate int
	Channels   int
	Language   string
}

// Event is one recognized fragment.
type Event struct {
	Text       string
	IsFinal    bool
	Confidence float64
	Sentiment  *Sentiment
}

// Sentiment is a signed score with a qualitative label.
type Sentiment struct {
	// Score ranges from -1 (negative) to 1 (positive).
	Score float64 `json:"score"`
	Label string  `json:"label"`
}

// Sentiment labels.
const (
	LabelPositive = "positive"
	LabelNeutral  = "neutral"
	LabelNegative = "negative"
)

// LabelFor derives a label from a score.
func LabelFor(score float64) string {
	switch {
	case score >= 0.25:
		return LabelPositive
	case score <= -0.25:
		return LabelNegative
	default:
		return LabelNeutral
	}
}
