// Package recognizer identifies music segments, trying the local fingerprint
// index first and falling back to the external services in order.
package recognizer

import (
	"context"
	"log/slog"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"github.com/airtrackhq/airtrack/internal/conf"
	"github.com/airtrackhq/airtrack/internal/datastore"
	"github.com/airtrackhq/airtrack/internal/errors"
	"github.com/airtrackhq/airtrack/internal/features"
	"github.com/airtrackhq/airtrack/internal/logging"
	"github.com/airtrackhq/airtrack/internal/matcher"
)

// Recognizer runs the hierarchical recognition pipeline for one deployment.
// Shared by all station pipelines; the external clients' token buckets are
// global on purpose.
type Recognizer struct {
	matcher  *matcher.Matcher
	store    datastore.Interface
	serviceA *ServiceAClient
	serviceB *ServiceBClient

	minExternal float64
	negCache    *gocache.Cache
	logger      *slog.Logger
}

// New wires the pipeline. Either external client may be nil-equivalent by
// disabling it in settings.
func New(settings *conf.RecognitionSettings, m *matcher.Matcher, store datastore.Interface) *Recognizer {
	r := &Recognizer{
		matcher:     m,
		store:       store,
		minExternal: settings.ExternalMinConfidence,
		negCache:    gocache.New(settings.NegativeCacheTTL, 10*time.Minute),
		logger:      logging.ForService("recognizer"),
	}
	if settings.ServiceA.Enabled {
		r.serviceA = NewServiceAClient(settings.ServiceA)
	}
	if settings.ServiceB.Enabled {
		r.serviceB = NewServiceBClient(settings.ServiceB)
	}
	return r
}

// Recognize identifies one music segment. The local index wins outright;
// otherwise service A is consulted, then service B unless A produced a
// candidate whose ISRC is already known locally.
func (r *Recognizer) Recognize(ctx context.Context, f *features.Features, pcm []byte) (*Outcome, error) {
	if local := r.matcher.Match(f.Hash, f.Fingerprint); local != nil {
		return &Outcome{
			Kind:       KindLocal,
			TrackID:    local.TrackID,
			Confidence: local.Confidence,
		}, nil
	}

	// A fingerprint that recently came back empty-handed is not retried;
	// radio loops the same jingles all day.
	if _, found := r.negCache.Get(f.Hash); found {
		return noMatch(), nil
	}

	var (
		bestA   *Descriptor
		callErr error
	)

	if r.serviceA != nil {
		candidates, err := r.serviceA.Lookup(ctx, f.Fingerprint, f.DurationSecs)
		if err != nil {
			r.logger.Warn("fingerprint lookup failed", "error", err)
			callErr = err
		} else {
			bestA = r.accept(candidates)
		}
	}

	if bestA != nil && bestA.ISRC != "" {
		known, err := r.store.FindTrackByISRC(bestA.ISRC)
		if err != nil {
			return nil, err
		}
		if known != nil {
			// The recording is already registered; no point paying for the
			// audio identification call. Identity came from the ISRC, not
			// the fingerprint score, and the method tag records that.
			bestA.Method = datastore.MethodISRC
			return &Outcome{Kind: KindExternal, Descriptor: bestA}, nil
		}
	}

	var bestB *Descriptor
	if r.serviceB != nil {
		d, err := r.serviceB.Identify(ctx, pcm)
		if err != nil {
			r.logger.Warn("audio identification failed", "error", err)
			callErr = errors.Join(callErr, err)
		} else if d != nil && d.Confidence >= r.minExternal {
			bestB = d
		}
	}

	if best := preferDescriptor(bestA, bestB); best != nil {
		return &Outcome{Kind: KindExternal, Descriptor: best}, nil
	}

	if callErr != nil {
		return nil, callErr
	}

	r.negCache.SetDefault(f.Hash, struct{}{})
	return noMatch(), nil
}

// accept returns the best candidate at or above the confidence floor.
// Candidates arrive sorted by confidence; among acceptable ones, one
// carrying an ISRC is preferred.
func (r *Recognizer) accept(candidates []Descriptor) *Descriptor {
	var best *Descriptor
	for i := range candidates {
		c := &candidates[i]
		if c.Confidence < r.minExternal {
			continue
		}
		if best == nil {
			best = c
			continue
		}
		if best.ISRC == "" && c.ISRC != "" {
			best = c
		}
	}
	return best
}

// preferDescriptor picks between the two services' answers: ISRC-bearing
// candidates win, then the higher confidence.
func preferDescriptor(a, b *Descriptor) *Descriptor {
	switch {
	case a == nil:
		return b
	case b == nil:
		return a
	case (a.ISRC != "") != (b.ISRC != ""):
		if a.ISRC != "" {
			return a
		}
		return b
	case b.Confidence > a.Confidence:
		return b
	default:
		return a
	}
}

// Learn registers a freshly created fingerprint with the local index so the
// next play of the same recording matches without an external call.
func (r *Recognizer) Learn(trackID uint, digest string, fp features.Fingerprint) {
	r.matcher.Add(trackID, digest, fp)
	r.negCache.Delete(digest)
}
