// Package tts defines the streaming text-to-speech backend contract.
//
// Every call carries the credential key for that call, so one Provider
// serves every credential in the pool. Two transports are provided: a
// websocket client speaking the stream-input protocol and an HTTP client
// for the chunked /stream endpoint. Both return raw PCM16.
//
// Example usage:
//
//	provider, _ := tts.NewWSClient(tts.WithVoice("voice-id"))
//
//	stream, _ := provider.Stream(ctx, res.Key, "Hello there.")
//	defer stream.Close()
//	for {
//	    chunk, err := stream.Read()
//	    if err != nil || chunk == nil {
//	        break
//	    }
//	    // chunk is PCM16 at stream.Format().SampleRate
//	}
package tts

import (
	"context"
	"time"
)

// Provider synthesizes text with a caller-supplied credential.
type Provider interface {
	// Stream converts text to audio with streaming output for lowest latency.
	// Audio chunks are returned as they become available.
	Stream(ctx context.Context, apiKey, text string) (AudioStream, error)
}

// AudioStream represents a streaming audio response.
// Callers should read until Read returns nil, then call Close.
type AudioStream interface {
	// Read returns the next audio chunk.
	// Returns nil when the stream is complete (not an error).
	Read() ([]byte, error)

	// Close stops the stream and releases resources.
	Close() error

	// Format returns the audio format metadata.
	Format() AudioFormat
}

// AudioResult is a fully collected synthesis.
type AudioResult struct {
	Audio    []byte
	Format   AudioFormat
	Duration time.Duration

	// Latency is the time to first audio byte.
	Latency time.Duration
}

// ReadAll drains s and closes it. A stream that produced no audio is an
// error.
func ReadAll(s AudioStream) (*AudioResult, error) {
	defer s.Close()

	start := time.Now()
	res := &AudioResult{Format: s.Format()}
	for {
		chunk, err := s.Read()
		if err != nil {
			return nil, err
		}
		if chunk == nil {
			break
		}
		if res.Latency == 0 {
			res.Latency = time.Since(start)
		}
		res.Audio = append(res.Audio, chunk...)
	}
	if len(res.Audio) == 0 {
		return nil, ErrNoAudio
	}
	res.Duration = res.Format.Duration(len(res.Audio))
	return res, nil
}

// AudioFormat describes the audio encoding parameters.
type AudioFormat struct {
	Encoding   Encoding
	SampleRate int
	Channels   int
	BitDepth   int
}

// Duration returns the playback time of n bytes of PCM in this format.
func (f AudioFormat) Duration(n int) time.Duration {
	channels, depth := f.Channels, f.BitDepth
	if channels <= 0 {
		channels = 1
	}
	if depth <= 0 {
		depth = 16
	}
	if f.SampleRate <= 0 {
		return 0
	}
	frames := n / (channels * depth / 8)
	return time.Duration(frames) * time.Second / time.Duration(f.SampleRate)
}

// PCMFormat returns mono PCM16 at the encoding's sample rate.
func PCMFormat(enc Encoding) AudioFormat {
	return AudioFormat{
		Encoding:   enc,
		SampleRate: SampleRateFromEncoding(enc),
		Channels:   1,
		BitDepth:   16,
	}
}

// Encoding represents audio output formats. Only raw PCM variants are
// supported since the audio is resampled and re-encoded downstream.
type Encoding string

const (
	EncodingPCM16 Encoding = "pcm_16000"
	EncodingPCM22 Encoding = "pcm_22050"
	EncodingPCM24 Encoding = "pcm_24000"
	EncodingPCM44 Encoding = "pcm_44100"
)

// VoiceSettings controls voice characteristics for providers that support it.
type VoiceSettings struct {
	// Stability controls voice consistency (0.0-1.0).
	// Lower values = more expressive/variable, higher = more consistent.
	Stability float64

	// SimilarityBoost controls how closely the voice matches the original (0.0-1.0).
	SimilarityBoost float64

	// Style controls style exaggeration (0.0-1.0).
	Style float64

	SpeakerBoost bool
}

// DefaultVoiceSettings returns sensible defaults for voice synthesis.
func DefaultVoiceSettings() VoiceSettings {
	return VoiceSettings{
		Stability:       0.5,
		SimilarityBoost: 0.75,
		SpeakerBoost:    true,
	}
}

func (v VoiceSettings) payload() map[string]any {
	return map[string]any{
		"stability":         v.Stability,
		"similarity_boost":  v.SimilarityBoost,
		"style":             v.Style,
		"use_speaker_boost": v.SpeakerBoost,
	}
}

// SampleRateFromEncoding extracts the sample rate from an encoding type.
func SampleRateFromEncoding(enc Encoding) int {
	switch enc {
	case EncodingPCM16:
		return 16000
	case EncodingPCM22:
		return 22050
	case EncodingPCM44:
		return 44100
	default:
		return 24000
	}
}
