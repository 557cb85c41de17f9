package registry

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/airtrackhq/airtrack/internal/conf"
	"github.com/airtrackhq/airtrack/internal/datastore"
	"github.com/airtrackhq/airtrack/internal/features"
	"github.com/airtrackhq/airtrack/internal/recognizer"
)

func newTestRegistry(t *testing.T) (*Registry, datastore.Interface) {
	t.Helper()
	settings := &conf.Settings{}
	settings.Output.SQLite.Enabled = true
	settings.Output.SQLite.Path = ":memory:"
	store := datastore.New(settings)
	require.NoError(t, store.Open())
	t.Cleanup(func() { _ = store.Close() })
	return New(store), store
}

func testFP(base uint32) features.Fingerprint {
	fp := make(features.Fingerprint, 20)
	for i := range fp {
		fp[i] = features.PairHash{Hash: base + uint32(i), Offset: uint32(i)}
	}
	return fp
}

func TestResolveCreatesTrackWithISRC(t *testing.T) {
	r, store := newTestRegistry(t)

	d := &recognizer.Descriptor{
		Title:  "Une Chanson",
		Artist: "Artiste",
		Album:  "Album",
		Label:  "Label Records",
		ISRC:   "FR1234567890",
		Method: datastore.MethodExternalA,
	}
	fp := testFP(1000)

	res, err := r.Resolve(d, fp, fp.Digest())
	require.NoError(t, err)
	assert.True(t, res.Created)
	assert.Equal(t, "Une Chanson", res.Track.Title)
	require.NotNil(t, res.Track.ISRC)
	assert.Equal(t, "FR1234567890", *res.Track.ISRC)
	require.NotNil(t, res.Track.LabelID)

	count, err := store.CountTracks()
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)
}

func TestResolveKnownISRCAttachesFingerprint(t *testing.T) {
	r, store := newTestRegistry(t)

	d := &recognizer.Descriptor{
		Title:  "Une Chanson",
		Artist: "Artiste",
		ISRC:   "FR1234567890",
		Method: datastore.MethodExternalA,
	}
	first := testFP(1000)
	res1, err := r.Resolve(d, first, first.Digest())
	require.NoError(t, err)

	// Same recording heard on another station with a different fingerprint.
	second := testFP(5000)
	res2, err := r.Resolve(d, second, second.Digest())
	require.NoError(t, err)
	assert.False(t, res2.Created)
	assert.Equal(t, res1.Track.ID, res2.Track.ID)

	count, err := store.CountTracks()
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)

	fps, err := store.AllFingerprints()
	require.NoError(t, err)
	assert.Len(t, fps, 2)
}

func TestResolveByFingerprintNeighbor(t *testing.T) {
	r, _ := newTestRegistry(t)

	fp := testFP(1000)
	res1, err := r.Resolve(&recognizer.Descriptor{
		Title:  "No Code",
		Artist: "Somebody",
		Method: datastore.MethodExternalB,
	}, fp, fp.Digest())
	require.NoError(t, err)
	require.True(t, res1.Created)

	// A descriptor without an ISRC but with a known fingerprint hash reuses
	// the existing track.
	res2, err := r.Resolve(&recognizer.Descriptor{
		Title:  "No Code (Radio Edit)",
		Artist: "Somebody",
		Method: datastore.MethodExternalB,
	}, fp, fp.Digest())
	require.NoError(t, err)
	assert.False(t, res2.Created)
	assert.Equal(t, res1.Track.ID, res2.Track.ID)
}

func TestResolveWithoutISRCOrNeighborCreates(t *testing.T) {
	r, store := newTestRegistry(t)

	fpA, fpB := testFP(1000), testFP(9000)
	_, err := r.Resolve(&recognizer.Descriptor{Title: "A", Artist: "X"}, fpA, fpA.Digest())
	require.NoError(t, err)
	res, err := r.Resolve(&recognizer.Descriptor{Title: "B", Artist: "X"}, fpB, fpB.Digest())
	require.NoError(t, err)
	assert.True(t, res.Created)

	count, err := store.CountTracks()
	require.NoError(t, err)
	assert.Equal(t, int64(2), count)
}

func TestResolveFillsUnknownArtist(t *testing.T) {
	r, _ := newTestRegistry(t)

	fp := testFP(1000)
	res, err := r.Resolve(&recognizer.Descriptor{Title: "Mystery"}, fp, fp.Digest())
	require.NoError(t, err)

	track, err := r.store.GetTrack(res.Track.ID)
	require.NoError(t, err)
	assert.Equal(t, unknownArtist, track.Artist.Name)
}

func TestResolveNilDescriptor(t *testing.T) {
	r, _ := newTestRegistry(t)
	_, err := r.Resolve(nil, nil, "")
	assert.Error(t, err)
}
