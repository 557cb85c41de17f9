package pcmaudio

import (
	"math"
	"math/cmplx"
)

// Standard analysis frame geometry: ~46ms frames with 50% overlap at 44100 Hz.
const (
	FrameSize = 2048
	FrameHop  = 1024
)

// HannWindow returns an n-point Hann window.
func HannWindow(n int) []float64 {
	w := make([]float64, n)
	for i := range n {
		w[i] = 0.5 * (1 - math.Cos(2*math.Pi*float64(i)/float64(n-1)))
	}
	return w
}

// fft computes an in-place radix-2 Cooley-Tukey FFT. len(x) must be a power
// of two.
func fft(x []complex128) {
	n := len(x)
	if n <= 1 {
		return
	}

	// Bit-reversal permutation.
	for i, j := 1, 0; i < n; i++ {
		bit := n >> 1
		for ; j&bit != 0; bit >>= 1 {
			j ^= bit
		}
		j ^= bit
		if i < j {
			x[i], x[j] = x[j], x[i]
		}
	}

	for length := 2; length <= n; length <<= 1 {
		angle := -2 * math.Pi / float64(length)
		wl := cmplx.Exp(complex(0, angle))
		for start := 0; start < n; start += length {
			w := complex(1, 0)
			for k := range length / 2 {
				u := x[start+k]
				v := x[start+k+length/2] * w
				x[start+k] = u + v
				x[start+k+length/2] = u - v
				w *= wl
			}
		}
	}
}

// Magnitudes computes the magnitude spectrum of a windowed frame. The frame
// is zero-padded to FrameSize when shorter; only the first half of the
// spectrum (up to Nyquist) is returned.
func Magnitudes(frame, window []float64) []float64 {
	x := make([]complex128, FrameSize)
	n := min(len(frame), FrameSize)
	for i := range n {
		w := 1.0
		if i < len(window) {
			w = window[i]
		}
		x[i] = complex(frame[i]*w, 0)
	}

	fft(x)

	mags := make([]float64, FrameSize/2)
	for i := range mags {
		mags[i] = cmplx.Abs(x[i])
	}
	return mags
}

// SpectralCentroid returns the amplitude-weighted mean frequency in Hz.
func SpectralCentroid(mags []float64, sampleRate int) float64 {
	var weighted, total float64
	binWidth := float64(sampleRate) / float64(len(mags)*2)
	for i, m := range mags {
		weighted += float64(i) * binWidth * m
		total += m
	}
	if total == 0 {
		return 0
	}
	return weighted / total
}

// SpectralFlux returns the L2 norm of positive magnitude changes between two
// consecutive spectra, the standard onset/content-change measure.
func SpectralFlux(prev, cur []float64) float64 {
	n := min(len(prev), len(cur))
	var sum float64
	for i := range n {
		d := cur[i] - prev[i]
		if d > 0 {
			sum += d * d
		}
	}
	return math.Sqrt(sum)
}

// SpectralFlatness returns the ratio of geometric to arithmetic mean of the
// power spectrum, in [0, 1]. Noise-like signals approach 1, tonal signals
// approach 0.
func SpectralFlatness(mags []float64) float64 {
	if len(mags) == 0 {
		return 0
	}
	var logSum, sum float64
	for _, m := range mags {
		p := m*m + 1e-12
		logSum += math.Log(p)
		sum += p
	}
	geo := math.Exp(logSum / float64(len(mags)))
	arith := sum / float64(len(mags))
	if arith == 0 {
		return 0
	}
	return geo / arith
}
