package features

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/airtrackhq/airtrack/internal/pcmaudio"
)

// chord synthesizes a steady three-tone chord, the simplest signal that
// behaves like music: tonal, energetic, stable.
func chord(d time.Duration) []byte {
	n := int(d.Seconds() * pcmaudio.SampleRate)
	samples := make([]float64, n)
	for i := range samples {
		t := float64(i) / pcmaudio.SampleRate
		samples[i] = 0.25*math.Sin(2*math.Pi*220*t) +
			0.25*math.Sin(2*math.Pi*277*t) +
			0.25*math.Sin(2*math.Pi*330*t)
	}
	return pcmaudio.SamplesToBytes(samples)
}

// speechLike synthesizes noise bursts separated by pauses, mimicking the
// energy envelope and noisy spectrum of talk.
func speechLike(d time.Duration) []byte {
	n := int(d.Seconds() * pcmaudio.SampleRate)
	samples := make([]float64, n)
	seed := uint64(42)
	burst := pcmaudio.SampleRate / 2 // 500ms on, 500ms off
	for i := range samples {
		if (i/burst)%2 == 0 {
			seed = seed*6364136223846793005 + 1442695040888963407
			samples[i] = float64(int64(seed)) / math.MaxInt64 * 0.4
		}
	}
	return pcmaudio.SamplesToBytes(samples)
}

func TestExtractMusic(t *testing.T) {
	t.Parallel()

	f, err := Extract(chord(5 * time.Second), 0.5)
	require.NoError(t, err)

	assert.InDelta(t, 5.0, f.DurationSecs, 0.01)
	assert.True(t, f.IsMusic)
	assert.Greater(t, f.MusicScore, 0.7)
	assert.NotEmpty(t, f.Fingerprint)
	assert.Len(t, f.Hash, 32)
}

func TestExtractSpeech(t *testing.T) {
	t.Parallel()

	f, err := Extract(speechLike(5 * time.Second), 0.5)
	require.NoError(t, err)

	assert.False(t, f.IsMusic)
	assert.Less(t, f.MusicScore, 0.5)
}

func TestExtractSilence(t *testing.T) {
	t.Parallel()

	f, err := Extract(make([]byte, pcmaudio.DurationToBytes(4*time.Second)), 0.5)
	require.NoError(t, err)

	// Dead air is never music, whatever the discriminator says.
	assert.False(t, f.IsMusic)
}

func TestExtractDeterministic(t *testing.T) {
	t.Parallel()

	pcm := chord(4 * time.Second)
	a, err := Extract(pcm, 0.5)
	require.NoError(t, err)
	b, err := Extract(pcm, 0.5)
	require.NoError(t, err)

	assert.Equal(t, a.Hash, b.Hash)
	assert.Equal(t, a.Fingerprint, b.Fingerprint)
}

func TestExtractTooShort(t *testing.T) {
	t.Parallel()

	_, err := Extract(make([]byte, 100), 0.5)
	assert.Error(t, err)
}

func TestFingerprintRoundTrip(t *testing.T) {
	t.Parallel()

	f, err := Extract(chord(3 * time.Second), 0.5)
	require.NoError(t, err)

	decoded, err := DecodeFingerprint(f.Fingerprint.Encode())
	require.NoError(t, err)
	assert.Equal(t, f.Fingerprint, decoded)

	_, err = DecodeFingerprint([]byte{1, 2, 3})
	assert.Error(t, err)
}

func TestDigestIgnoresOrder(t *testing.T) {
	t.Parallel()

	fp := Fingerprint{{Hash: 9, Offset: 1}, {Hash: 3, Offset: 2}, {Hash: 7, Offset: 0}}
	shuffled := Fingerprint{{Hash: 3, Offset: 2}, {Hash: 7, Offset: 0}, {Hash: 9, Offset: 1}}

	assert.Equal(t, fp.Digest(), shuffled.Digest())
}
