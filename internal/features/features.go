// Package features derives the per-segment descriptors the recognition
// pipeline works from: duration, a music/speech discriminator and an acoustic
// fingerprint.
package features

import (
	"math"

	"github.com/airtrackhq/airtrack/internal/errors"
	"github.com/airtrackhq/airtrack/internal/pcmaudio"
)

// Features describes one analysis segment.
type Features struct {
	DurationSecs float64
	IsMusic      bool
	MusicScore   float64 // discriminator score in [0, 1]
	Fingerprint  Fingerprint
	Hash         string // deterministic digest of the fingerprint
}

// Mean RMS below this marks the segment as dead air regardless of score.
const minSegmentEnergy = 0.01

// Extract computes the full feature set for a PCM segment. Segments scoring
// at or above musicThreshold are treated as music; speech, jingles and ads
// land below through flatness and energy instability.
func Extract(pcm []byte, musicThreshold float64) (*Features, error) {
	if len(pcm) < pcmaudio.FrameSize*pcmaudio.BytesPerSample {
		return nil, errors.Newf("segment too short for feature extraction").
			Category(errors.CategoryFeature).
			Context("pcm_bytes", len(pcm)).
			Build()
	}

	samples := pcmaudio.BytesToSamples(pcm)
	window := pcmaudio.HannWindow(pcmaudio.FrameSize)

	var (
		flatnesses []float64
		zcrs       []float64
		energies   []float64
		spectra    [][]float64
	)

	for start := 0; start+pcmaudio.FrameSize <= len(samples); start += pcmaudio.FrameHop {
		frame := samples[start : start+pcmaudio.FrameSize]
		mags := pcmaudio.Magnitudes(frame, window)

		spectra = append(spectra, mags)
		flatnesses = append(flatnesses, pcmaudio.SpectralFlatness(mags))
		zcrs = append(zcrs, pcmaudio.ZeroCrossingRate(frame))
		energies = append(energies, pcmaudio.RMS(frame))
	}

	score := musicScore(flatnesses, zcrs, energies)
	fp := fingerprintSpectra(spectra)

	return &Features{
		DurationSecs: pcmaudio.BytesToDuration(len(pcm)).Seconds(),
		IsMusic:      score >= musicThreshold && mean(energies) >= minSegmentEnergy,
		MusicScore:   score,
		Fingerprint:  fp,
		Hash:         fp.Digest(),
	}, nil
}

// musicScore combines three weak signals. Music is tonal (low flatness), has
// a steady zero-crossing rate, and holds energy; speech alternates voiced and
// unvoiced stretches and pauses between phrases.
func musicScore(flatnesses, zcrs, energies []float64) float64 {
	if len(flatnesses) == 0 {
		return 0
	}

	tonality := 1 - mean(flatnesses)

	zcrStability := 1 - clamp01(stddev(zcrs)/0.15)

	energyStability := 1.0
	if m := mean(energies); m > 0 {
		energyStability = 1 - clamp01(stddev(energies)/m)
	}

	return clamp01(0.4*tonality + 0.3*zcrStability + 0.3*energyStability)
}

func mean(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	var sum float64
	for _, x := range xs {
		sum += x
	}
	return sum / float64(len(xs))
}

func stddev(xs []float64) float64 {
	if len(xs) < 2 {
		return 0
	}
	m := mean(xs)
	var sum float64
	for _, x := range xs {
		d := x - m
		sum += d * d
	}
	return math.Sqrt(sum / float64(len(xs)))
}

func clamp01(x float64) float64 {
	return math.Max(0, math.Min(1, x))
}
