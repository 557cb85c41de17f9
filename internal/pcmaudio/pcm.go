// Package pcmaudio provides the canonical PCM format used throughout the
// pipeline and the DSP primitives shared by the segmenter and feature
// extractor. All audio is mono, 44100 Hz, 16-bit signed little-endian.
package pcmaudio

import (
	"encoding/binary"
	"math"
	"time"
)

const (
	SampleRate     = 44100
	BitDepth       = 16
	NumChannels    = 1
	BytesPerSample = BitDepth / 8 * NumChannels
)

// Chunk is one timestamped block of decoded PCM. The capture timestamp is a
// monotonic clock advanced by sample count at the puller, so downstream
// durations never drift with the wall clock. WallClock is sampled once at
// capture and carried along for reporting.
type Chunk struct {
	Data      []byte
	Timestamp time.Time
	WallClock time.Time
}

// Duration returns the play time covered by the chunk.
func (c *Chunk) Duration() time.Duration {
	return BytesToDuration(len(c.Data))
}

// BytesToDuration converts a PCM byte count to play time.
func BytesToDuration(n int) time.Duration {
	samples := n / BytesPerSample
	return time.Duration(samples) * time.Second / SampleRate
}

// DurationToBytes converts play time to a PCM byte count, rounded down to a
// whole sample.
func DurationToBytes(d time.Duration) int {
	samples := int(d * SampleRate / time.Second)
	return samples * BytesPerSample
}

// BytesToSamples converts little-endian 16-bit PCM to normalized float64
// samples in [-1, 1).
func BytesToSamples(pcm []byte) []float64 {
	n := len(pcm) / BytesPerSample
	samples := make([]float64, n)
	for i := range n {
		s := int16(binary.LittleEndian.Uint16(pcm[i*BytesPerSample:]))
		samples[i] = float64(s) / 32768.0
	}
	return samples
}

// SamplesToBytes converts normalized samples back to 16-bit PCM, clipping
// out-of-range values. The scale mirrors BytesToSamples so a round trip
// stays within half an LSB.
func SamplesToBytes(samples []float64) []byte {
	pcm := make([]byte, len(samples)*BytesPerSample)
	for i, s := range samples {
		v := math.RoundToEven(s * 32768.0)
		v = math.Max(-32768, math.Min(32767, v))
		binary.LittleEndian.PutUint16(pcm[i*BytesPerSample:], uint16(int16(v)))
	}
	return pcm
}

// RMS returns the root-mean-square amplitude of normalized samples.
func RMS(samples []float64) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		sum += s * s
	}
	return math.Sqrt(sum / float64(len(samples)))
}

// ZeroCrossingRate returns the fraction of adjacent sample pairs whose signs
// differ. Speech tends to alternate high and low rates; sustained music is
// steadier.
func ZeroCrossingRate(samples []float64) float64 {
	if len(samples) < 2 {
		return 0
	}
	crossings := 0
	for i := 1; i < len(samples); i++ {
		if (samples[i-1] >= 0) != (samples[i] >= 0) {
			crossings++
		}
	}
	return float64(crossings) / float64(len(samples)-1)
}
