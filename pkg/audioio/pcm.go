// Package audioio holds PCM16 helpers and opus codec wrappers shared by the
// transport and synthesis stages.
package audioio

import "time"

// Format describes raw PCM16 little-endian audio.
type Format struct {
	SampleRate int `yaml:"sample_rate" json:"sample_rate"`
	Channels   int `yaml:"channels" json:"channels"`
}

// Duration returns the play time of n bytes of PCM16 audio in this format.
func (f Format) Duration(n int) time.Duration {
	if f.SampleRate <= 0 || f.Channels <= 0 {
		return 0
	}
	frames := n / (2 * f.Channels)
	return time.Duration(frames) * time.Second / time.Duration(f.SampleRate)
}

// Resample converts audio from one sample rate to another using linear
// interpolation. It is good enough for speech.
func Resample(samples []int16, fromRate, toRate int) []int16 {
	if fromRate == toRate || len(samples) == 0 {
		return samples
	}
	ratio := float64(fromRate) / float64(toRate)
	return interpolate(samples, int(float64(len(samples))/ratio), ratio)
}

// ResampleBytes resamples raw PCM16 bytes.
func ResampleBytes(data []byte, fromRate, toRate int) []byte {
	if fromRate == toRate {
		return data
	}
	return SamplesToBytes(Resample(BytesToSamples(data), fromRate, toRate))
}

// TimeStretch shortens (factor > 1) or lengthens (factor < 1) speech by
// linear interpolation at a fixed sample rate. Pitch shifts with the factor.
func TimeStretch(samples []int16, factor float64) []int16 {
	if factor <= 0 || factor == 1 || len(samples) == 0 {
		return samples
	}
	return interpolate(samples, int(float64(len(samples))/factor), factor)
}

// TimeStretchFrames applies TimeStretch to each channel of interleaved
// samples so channels never blend. A trailing partial frame is dropped.
func TimeStretchFrames(samples []int16, channels int, factor float64) []int16 {
	if channels <= 1 {
		return TimeStretch(samples, factor)
	}
	if factor <= 0 || factor == 1 || len(samples) < channels {
		return samples
	}
	frames := len(samples) / channels
	outFrames := int(float64(frames) / factor)
	out := make([]int16, outFrames*channels)
	plane := make([]int16, frames)
	for ch := range channels {
		for f := range plane {
			plane[f] = samples[f*channels+ch]
		}
		for f, v := range interpolate(plane, outFrames, factor) {
			out[f*channels+ch] = v
		}
	}
	return out
}

// TimeStretchBytes applies TimeStretchFrames to raw interleaved PCM16 bytes.
func TimeStretchBytes(data []byte, channels int, factor float64) []byte {
	if factor <= 0 || factor == 1 {
		return data
	}
	return SamplesToBytes(TimeStretchFrames(BytesToSamples(data), channels, factor))
}

func interpolate(samples []int16, outLen int, step float64) []int16 {
	if outLen <= 0 {
		return []int16{}
	}
	out := make([]int16, outLen)
	last := len(samples) - 1
	for i := range out {
		pos := float64(i) * step
		idx := int(pos)
		if idx >= last {
			out[i] = samples[last]
			continue
		}
		frac := pos - float64(idx)
		s1 := float64(samples[idx])
		s2 := float64(samples[idx+1])
		out[i] = int16(s1 + frac*(s2-s1))
	}
	return out
}

// BytesToSamples converts raw PCM16 little-endian bytes to int16 samples.
// A trailing odd byte is ignored.
func BytesToSamples(data []byte) []int16 {
	samples := make([]int16, len(data)/2)
	for i := range samples {
		samples[i] = int16(data[i*2]) | int16(data[i*2+1])<<8
	}
	return samples
}

// SamplesToBytes converts int16 samples to raw PCM16 little-endian bytes.
func SamplesToBytes(samples []int16) []byte {
	data := make([]byte, len(samples)*2)
	for i, s := range samples {
		data[i*2] = byte(s)
		data[i*2+1] = byte(s >> 8)
	}
	return data
}

// StereoToMono averages interleaved stereo samples to mono.
func StereoToMono(samples []int16) []int16 {
	mono := make([]int16, len(samples)/2)
	for i := range mono {
		mono[i] = int16((int32(samples[i*2]) + int32(samples[i*2+1])) / 2)
	}
	return mono
}

// CalculateRMS returns the mean signal power of samples normalized to
// the 0.0 to 1.0 range.
func CalculateRMS(samples []int16) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		sum += float64(s) * float64(s)
	}
	return sum / float64(len(samples)) / (32767 * 32767)
}
