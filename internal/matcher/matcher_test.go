package matcher

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/airtrackhq/airtrack/internal/features"
)

// fp builds a fingerprint of n landmarks with hashes starting at base and
// offsets shifted by shift frames.
func fp(base uint32, n int, shift uint32) features.Fingerprint {
	out := make(features.Fingerprint, n)
	for i := range out {
		out[i] = features.PairHash{Hash: base + uint32(i), Offset: uint32(i) + shift}
	}
	return out
}

func TestDigestShortCircuit(t *testing.T) {
	t.Parallel()

	m := New(0.80)
	track := fp(1000, 50, 0)
	m.Add(7, track.Digest(), track)

	got := m.Match(track.Digest(), track)
	require.NotNil(t, got)
	assert.Equal(t, uint(7), got.TrackID)
	assert.Equal(t, 1.0, got.Confidence)
}

func TestFuzzyMatchAboveThreshold(t *testing.T) {
	t.Parallel()

	m := New(0.80)
	m.Add(7, "digest-a", fp(1000, 100, 0))

	// 90 shared landmarks, time-shifted by a constant, plus 10 unknowns.
	query := append(fp(1000, 90, 25), fp(9000, 10, 0)...)

	got := m.Match(query.Digest(), query)
	require.NotNil(t, got)
	assert.Equal(t, uint(7), got.TrackID)
	assert.InDelta(t, 0.9, got.Confidence, 0.001)
}

func TestFuzzyMatchBelowThreshold(t *testing.T) {
	t.Parallel()

	m := New(0.80)
	m.Add(7, "digest-a", fp(1000, 100, 0))

	// Only 60% overlap.
	query := append(fp(1000, 60, 0), fp(9000, 40, 0)...)
	assert.Nil(t, m.Match(query.Digest(), query))
}

func TestMisalignedOffsetsDoNotMatch(t *testing.T) {
	t.Parallel()

	m := New(0.80)
	m.Add(7, "digest-a", fp(1000, 100, 0))

	// Same hashes but scrambled timing: votes spread over many alignments,
	// no single one reaches the threshold.
	query := make(features.Fingerprint, 100)
	for i := range query {
		query[i] = features.PairHash{Hash: 1000 + uint32(i), Offset: uint32(i*i) % 4096}
	}
	assert.Nil(t, m.Match(query.Digest(), query))
}

func TestBestAlignmentWins(t *testing.T) {
	t.Parallel()

	m := New(0.50)
	m.Add(1, "digest-a", fp(1000, 100, 0))
	m.Add(2, "digest-b", fp(1000, 60, 0)) // shares the first 60 hashes

	query := fp(1000, 100, 0)
	got := m.Match("unknown", query)
	require.NotNil(t, got)
	assert.Equal(t, uint(1), got.TrackID)
}

func TestEmptyIndex(t *testing.T) {
	t.Parallel()

	m := New(0.80)
	assert.Nil(t, m.Match("nothing", fp(1, 10, 0)))
	assert.Nil(t, m.Match("nothing", nil))
	assert.Equal(t, 0, m.Tracks())
}

func TestTrackCount(t *testing.T) {
	t.Parallel()

	m := New(0.80)
	m.Add(1, "a", fp(1000, 10, 0))
	m.Add(1, "b", fp(2000, 10, 0)) // second fingerprint, same track
	m.Add(2, "c", fp(3000, 10, 0))
	assert.Equal(t, 2, m.Tracks())
}

func TestConcurrentAddAndMatch(t *testing.T) {
	t.Parallel()

	m := New(0.80)
	track := fp(1000, 50, 0)
	m.Add(1, track.Digest(), track)

	var wg sync.WaitGroup
	for w := range 4 {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := range 50 {
				if w%2 == 0 {
					m.Add(uint(10+w), "d", fp(uint32(5000+w*100+i), 10, 0))
				} else {
					m.Match(track.Digest(), track)
				}
			}
		}(w)
	}
	wg.Wait()

	got := m.Match(track.Digest(), track)
	require.NotNil(t, got)
	assert.Equal(t, uint(1), got.TrackID)
}
