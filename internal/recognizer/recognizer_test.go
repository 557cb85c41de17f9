package recognizer

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/jarcoal/httpmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/airtrackhq/airtrack/internal/conf"
	"github.com/airtrackhq/airtrack/internal/datastore"
	"github.com/airtrackhq/airtrack/internal/features"
	"github.com/airtrackhq/airtrack/internal/matcher"
)

const (
	serviceAURL = "https://service-a.test/lookup"
	serviceBURL = "https://service-b.test/identify"
)

func testRecognitionSettings() *conf.RecognitionSettings {
	return &conf.RecognitionSettings{
		LocalMinConfidence:    0.80,
		ExternalMinConfidence: 0.50,
		RecordMinConfidence:   0.50,
		NegativeCacheTTL:      time.Minute,
		ServiceA: conf.ServiceSettings{
			Enabled:        true,
			BaseURL:        serviceAURL,
			APIKey:         "key-a",
			RequestsPerSec: 100,
			Burst:          10,
			Timeout:        5 * time.Second,
			MaxRetries:     1,
		},
		ServiceB: conf.ServiceSettings{
			Enabled:        true,
			BaseURL:        serviceBURL,
			APIKey:         "key-b",
			RequestsPerSec: 100,
			Burst:          10,
			Timeout:        5 * time.Second,
			MaxRetries:     1,
			MaxClipBytes:   64 * 1024,
		},
	}
}

func newTestStore(t *testing.T) datastore.Interface {
	t.Helper()
	settings := &conf.Settings{}
	settings.Output.SQLite.Enabled = true
	settings.Output.SQLite.Path = ":memory:"
	store := datastore.New(settings)
	require.NoError(t, store.Open())
	t.Cleanup(func() { _ = store.Close() })
	return store
}

// newTestRecognizer wires a recognizer against httpmock-backed clients.
func newTestRecognizer(t *testing.T, settings *conf.RecognitionSettings) (*Recognizer, *matcher.Matcher, datastore.Interface) {
	t.Helper()
	m := matcher.New(settings.LocalMinConfidence)
	store := newTestStore(t)
	r := New(settings, m, store)

	if r.serviceA != nil {
		httpmock.ActivateNonDefault(r.serviceA.http)
	}
	if r.serviceB != nil {
		httpmock.ActivateNonDefault(r.serviceB.http)
	}
	t.Cleanup(httpmock.DeactivateAndReset)
	return r, m, store
}

func testFeatures(hash string) *features.Features {
	fp := make(features.Fingerprint, 50)
	for i := range fp {
		fp[i] = features.PairHash{Hash: uint32(1000 + i), Offset: uint32(i)}
	}
	return &features.Features{
		DurationSecs: 30,
		IsMusic:      true,
		MusicScore:   0.9,
		Fingerprint:  fp,
		Hash:         hash,
	}
}

const serviceAHit = `{
	"status": "ok",
	"results": [{
		"score": 0.9,
		"recordings": [{
			"id": "rec-1",
			"title": "Une Chanson",
			"artists": [{"name": "Artiste"}],
			"isrcs": ["FR1234567890"],
			"releases": [{"title": "Album", "label": "Label Records"}]
		}]
	}]
}`

const serviceANoResults = `{"status": "ok", "results": []}`

func TestLocalMatchWinsOutright(t *testing.T) {
	r, m, _ := newTestRecognizer(t, testRecognitionSettings())

	f := testFeatures("hash-local")
	m.Add(42, f.Hash, f.Fingerprint)

	out, err := r.Recognize(context.Background(), f, nil)
	require.NoError(t, err)
	assert.Equal(t, KindLocal, out.Kind)
	assert.Equal(t, uint(42), out.TrackID)
	assert.Equal(t, 1.0, out.Confidence)
	assert.Zero(t, httpmock.GetTotalCallCount())
}

func TestServiceAHitWithUnknownISRCFallsThroughToB(t *testing.T) {
	r, _, _ := newTestRecognizer(t, testRecognitionSettings())

	httpmock.RegisterResponder(http.MethodPost, `=~^https://service-a\.test`,
		httpmock.NewStringResponder(http.StatusOK, serviceAHit))
	bCalls := 0
	httpmock.RegisterResponder(http.MethodPost, serviceBURL,
		func(*http.Request) (*http.Response, error) {
			bCalls++
			return httpmock.NewStringResponse(http.StatusOK, `{"status":"success","result":null}`), nil
		})

	out, err := r.Recognize(context.Background(), testFeatures("hash-a"), make([]byte, 1024))
	require.NoError(t, err)
	require.Equal(t, KindExternal, out.Kind)
	assert.Equal(t, "Une Chanson", out.Descriptor.Title)
	assert.Equal(t, "Artiste", out.Descriptor.Artist)
	assert.Equal(t, "FR1234567890", out.Descriptor.ISRC)
	assert.Equal(t, "Label Records", out.Descriptor.Label)
	assert.Equal(t, datastore.MethodExternalA, out.Descriptor.Method)
	assert.InDelta(t, 0.9, out.Descriptor.Confidence, 0.001)

	// The ISRC is not registered yet, so B was still consulted.
	assert.Equal(t, 1, bCalls)
}

func TestKnownISRCShortCircuitsServiceB(t *testing.T) {
	r, _, store := newTestRecognizer(t, testRecognitionSettings())
	ctx := context.Background()

	artist, err := store.GetOrCreateArtist("Artiste")
	require.NoError(t, err)
	isrc := "FR1234567890"
	_, err = store.CreateTrack(&datastore.Track{
		Title:    "Une Chanson",
		ArtistID: artist.ID,
		ISRC:     &isrc,
	}, &datastore.Fingerprint{Hash: "seed", Blob: []byte{0, 0, 0, 0, 0, 0, 0, 0}})
	require.NoError(t, err)

	httpmock.RegisterResponder(http.MethodPost, `=~^https://service-a\.test`,
		httpmock.NewStringResponder(http.StatusOK, serviceAHit))
	httpmock.RegisterResponder(http.MethodPost, serviceBURL,
		func(*http.Request) (*http.Response, error) {
			t.Error("service B must not be called when the ISRC is already known")
			return nil, nil
		})

	out, err := r.Recognize(ctx, testFeatures("hash-known"), make([]byte, 1024))
	require.NoError(t, err)
	require.Equal(t, KindExternal, out.Kind)
	assert.Equal(t, "FR1234567890", out.Descriptor.ISRC)
	// Identity was settled by the registered ISRC, not the lookup score.
	assert.Equal(t, datastore.MethodISRC, out.Descriptor.Method)
}

func TestServiceBAnswersWhenAMisses(t *testing.T) {
	r, _, _ := newTestRecognizer(t, testRecognitionSettings())

	httpmock.RegisterResponder(http.MethodPost, `=~^https://service-a\.test`,
		httpmock.NewStringResponder(http.StatusOK, serviceANoResults))
	httpmock.RegisterResponder(http.MethodPost, serviceBURL,
		httpmock.NewStringResponder(http.StatusOK,
			`{"status":"success","result":{"title":"Deep Cut","artist":"Someone","album":"LP","label":"","isrc":"","score":0.7}}`))

	out, err := r.Recognize(context.Background(), testFeatures("hash-b"), make([]byte, 4096))
	require.NoError(t, err)
	require.Equal(t, KindExternal, out.Kind)
	assert.Equal(t, "Deep Cut", out.Descriptor.Title)
	assert.Equal(t, datastore.MethodExternalB, out.Descriptor.Method)
}

func TestLowConfidenceCandidatesDiscarded(t *testing.T) {
	r, _, _ := newTestRecognizer(t, testRecognitionSettings())

	httpmock.RegisterResponder(http.MethodPost, `=~^https://service-a\.test`,
		httpmock.NewStringResponder(http.StatusOK,
			`{"status":"ok","results":[{"score":0.3,"recordings":[{"title":"Weak Guess"}]}]}`))
	httpmock.RegisterResponder(http.MethodPost, serviceBURL,
		httpmock.NewStringResponder(http.StatusOK,
			`{"status":"success","result":{"title":"Also Weak","artist":"","score":0.2}}`))

	out, err := r.Recognize(context.Background(), testFeatures("hash-low"), make([]byte, 1024))
	require.NoError(t, err)
	assert.Equal(t, KindNoMatch, out.Kind)
}

func TestNegativeCacheSuppressesRepeatLookups(t *testing.T) {
	r, _, _ := newTestRecognizer(t, testRecognitionSettings())

	httpmock.RegisterResponder(http.MethodPost, `=~^https://service-a\.test`,
		httpmock.NewStringResponder(http.StatusOK, serviceANoResults))
	httpmock.RegisterResponder(http.MethodPost, serviceBURL,
		httpmock.NewStringResponder(http.StatusOK, `{"status":"success","result":null}`))

	f := testFeatures("hash-repeat")
	pcm := make([]byte, 1024)

	out, err := r.Recognize(context.Background(), f, pcm)
	require.NoError(t, err)
	assert.Equal(t, KindNoMatch, out.Kind)
	first := httpmock.GetTotalCallCount()
	assert.Equal(t, 2, first)

	out, err = r.Recognize(context.Background(), f, pcm)
	require.NoError(t, err)
	assert.Equal(t, KindNoMatch, out.Kind)
	assert.Equal(t, first, httpmock.GetTotalCallCount())
}

func TestLearnClearsNegativeCache(t *testing.T) {
	r, _, _ := newTestRecognizer(t, testRecognitionSettings())

	httpmock.RegisterResponder(http.MethodPost, `=~^https://service-a\.test`,
		httpmock.NewStringResponder(http.StatusOK, serviceANoResults))
	httpmock.RegisterResponder(http.MethodPost, serviceBURL,
		httpmock.NewStringResponder(http.StatusOK, `{"status":"success","result":null}`))

	f := testFeatures("hash-learned")
	_, err := r.Recognize(context.Background(), f, make([]byte, 1024))
	require.NoError(t, err)

	r.Learn(99, f.Hash, f.Fingerprint)

	out, err := r.Recognize(context.Background(), f, make([]byte, 1024))
	require.NoError(t, err)
	assert.Equal(t, KindLocal, out.Kind)
	assert.Equal(t, uint(99), out.TrackID)
}

func TestServiceARetriesServerErrors(t *testing.T) {
	settings := testRecognitionSettings()
	c := NewServiceAClient(settings.ServiceA)
	httpmock.ActivateNonDefault(c.http)
	t.Cleanup(httpmock.DeactivateAndReset)

	calls := 0
	httpmock.RegisterResponder(http.MethodPost, `=~^https://service-a\.test`,
		func(*http.Request) (*http.Response, error) {
			calls++
			if calls == 1 {
				return httpmock.NewStringResponse(http.StatusInternalServerError, "boom"), nil
			}
			return httpmock.NewStringResponse(http.StatusOK, serviceAHit), nil
		})

	out, err := c.Lookup(context.Background(), testFeatures("x").Fingerprint, 30)
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, 2, calls)
}

func TestServiceADoesNotRetryClientErrors(t *testing.T) {
	settings := testRecognitionSettings()
	c := NewServiceAClient(settings.ServiceA)
	httpmock.ActivateNonDefault(c.http)
	t.Cleanup(httpmock.DeactivateAndReset)

	calls := 0
	httpmock.RegisterResponder(http.MethodPost, `=~^https://service-a\.test`,
		func(*http.Request) (*http.Response, error) {
			calls++
			return httpmock.NewStringResponse(http.StatusBadRequest, "invalid fingerprint"), nil
		})

	_, err := c.Lookup(context.Background(), testFeatures("x").Fingerprint, 30)
	assert.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestServiceASendsFormEncodedPost(t *testing.T) {
	settings := testRecognitionSettings()
	c := NewServiceAClient(settings.ServiceA)
	httpmock.ActivateNonDefault(c.http)
	t.Cleanup(httpmock.DeactivateAndReset)

	httpmock.RegisterResponder(http.MethodPost, serviceAURL,
		func(req *http.Request) (*http.Response, error) {
			assert.Equal(t, "application/x-www-form-urlencoded", req.Header.Get("Content-Type"))
			require.NoError(t, req.ParseForm())
			assert.Equal(t, "key-a", req.PostFormValue("client"))
			assert.Equal(t, "120", req.PostFormValue("duration"))
			assert.NotEmpty(t, req.PostFormValue("fingerprint"))
			// Long fingerprints must never leak into the URL.
			assert.Empty(t, req.URL.RawQuery)
			return httpmock.NewStringResponse(http.StatusOK, serviceANoResults), nil
		})

	big := make(features.Fingerprint, 5000)
	for i := range big {
		big[i] = features.PairHash{Hash: uint32(i), Offset: uint32(i)}
	}
	_, err := c.Lookup(context.Background(), big, 120)
	require.NoError(t, err)
	assert.Equal(t, 1, httpmock.GetTotalCallCount())
}

func TestServiceBClipStaysUnderSizeCap(t *testing.T) {
	settings := testRecognitionSettings()
	settings.ServiceB.MaxClipBytes = 32 * 1024
	c := NewServiceBClient(settings.ServiceB)
	httpmock.ActivateNonDefault(c.http)
	t.Cleanup(httpmock.DeactivateAndReset)

	httpmock.RegisterResponder(http.MethodPost, serviceBURL,
		func(req *http.Request) (*http.Response, error) {
			require.NoError(t, req.ParseMultipartForm(1<<20))
			assert.Equal(t, "key-b", req.FormValue("api_token"))

			file, header, err := req.FormFile("file")
			require.NoError(t, err)
			defer file.Close()
			assert.Equal(t, "clip.wav", header.Filename)
			assert.LessOrEqual(t, header.Size, int64(32*1024))
			return httpmock.NewStringResponse(http.StatusOK, `{"status":"success","result":null}`), nil
		})

	// 10s of PCM, far over the cap before trimming.
	d, err := c.Identify(context.Background(), make([]byte, 44100*2*10))
	require.NoError(t, err)
	assert.Nil(t, d)
}
