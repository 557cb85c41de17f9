package features

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"sort"

	"github.com/airtrackhq/airtrack/internal/errors"
)

// PairHash is one landmark of the fingerprint: a 32-bit hash of an anchor
// peak paired with a nearby target peak, plus the anchor's frame offset
// within the segment.
type PairHash struct {
	Hash   uint32
	Offset uint32
}

// Fingerprint is the full set of landmarks for a segment.
type Fingerprint []PairHash

// Constellation geometry. Anchors pair with the next few peaks inside a
// bounded time window, which keeps the landmark count linear in segment
// length and the hashes robust to where the segment boundary falls.
const (
	fanout      = 5
	maxPairDist = 64 // frames, ~1.5s at the analysis hop

	// Hash layout: anchor bin (9) | target bin (9) | frame delta (14).
	binBits  = 9
	distBits = 14
)

// Frequency bands for peak picking, as bin ranges of the magnitude spectrum.
// Log-spaced so the sparse high end contributes peaks too.
var peakBands = [...][2]int{{0, 10}, {10, 20}, {20, 40}, {40, 80}, {80, 160}, {160, 512}}

type peak struct {
	frame int
	bin   int
}

// fingerprintSpectra builds the landmark fingerprint from per-frame
// magnitude spectra.
func fingerprintSpectra(spectra [][]float64) Fingerprint {
	var peaks []peak

	for frame, mags := range spectra {
		// Strongest bin per band, kept only when it beats the mean of the
		// band maxima. Filters frames with no real structure.
		type candidate struct {
			bin int
			mag float64
		}
		cands := make([]candidate, 0, len(peakBands))
		var magSum float64

		for _, band := range peakBands {
			lo, hi := band[0], min(band[1], len(mags))
			if lo >= hi {
				continue
			}
			best := lo
			for b := lo + 1; b < hi; b++ {
				if mags[b] > mags[best] {
					best = b
				}
			}
			cands = append(cands, candidate{bin: best, mag: mags[best]})
			magSum += mags[best]
		}

		if len(cands) == 0 {
			continue
		}
		threshold := magSum / float64(len(cands))
		for _, c := range cands {
			if c.mag >= threshold {
				peaks = append(peaks, peak{frame: frame, bin: c.bin})
			}
		}
	}

	var fp Fingerprint
	for i, anchor := range peaks {
		paired := 0
		for j := i + 1; j < len(peaks) && paired < fanout; j++ {
			target := peaks[j]
			dist := target.frame - anchor.frame
			if dist < 1 {
				continue
			}
			if dist > maxPairDist {
				break
			}
			fp = append(fp, PairHash{
				Hash:   pairHash(anchor.bin, target.bin, dist),
				Offset: uint32(anchor.frame),
			})
			paired++
		}
	}
	return fp
}

func pairHash(anchorBin, targetBin, dist int) uint32 {
	const binMask = 1<<binBits - 1
	const distMask = 1<<distBits - 1
	return uint32(anchorBin&binMask)<<(binBits+distBits) |
		uint32(targetBin&binMask)<<distBits |
		uint32(dist&distMask)
}

// Digest returns a deterministic hex digest of the fingerprint, independent
// of landmark order. Used as the database index key.
func (f Fingerprint) Digest() string {
	sorted := make(Fingerprint, len(f))
	copy(sorted, f)
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].Hash != sorted[j].Hash {
			return sorted[i].Hash < sorted[j].Hash
		}
		return sorted[i].Offset < sorted[j].Offset
	})

	h := sha256.New()
	var buf [8]byte
	for _, p := range sorted {
		binary.LittleEndian.PutUint32(buf[0:4], p.Hash)
		binary.LittleEndian.PutUint32(buf[4:8], p.Offset)
		h.Write(buf[:])
	}
	return hex.EncodeToString(h.Sum(nil)[:16])
}

// Encode serializes the fingerprint for storage.
func (f Fingerprint) Encode() []byte {
	out := make([]byte, 0, len(f)*8)
	var buf [8]byte
	for _, p := range f {
		binary.LittleEndian.PutUint32(buf[0:4], p.Hash)
		binary.LittleEndian.PutUint32(buf[4:8], p.Offset)
		out = append(out, buf[:]...)
	}
	return out
}

// DecodeFingerprint reverses Encode.
func DecodeFingerprint(data []byte) (Fingerprint, error) {
	if len(data)%8 != 0 {
		return nil, errors.Newf("fingerprint blob length %d is not a multiple of 8", len(data)).
			Category(errors.CategoryFingerprint).
			Build()
	}
	fp := make(Fingerprint, 0, len(data)/8)
	for off := 0; off < len(data); off += 8 {
		fp = append(fp, PairHash{
			Hash:   binary.LittleEndian.Uint32(data[off : off+4]),
			Offset: binary.LittleEndian.Uint32(data[off+4 : off+8]),
		})
	}
	return fp, nil
}
