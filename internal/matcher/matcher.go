// Package matcher holds the in-memory fingerprint index used for local
// recognition. Lookups are lock-free against an immutable snapshot; updates
// clone the touched postings and publish a new snapshot.
package matcher

import (
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/airtrackhq/airtrack/internal/datastore"
	"github.com/airtrackhq/airtrack/internal/errors"
	"github.com/airtrackhq/airtrack/internal/features"
	"github.com/airtrackhq/airtrack/internal/logging"
)

// Match is a local index hit.
type Match struct {
	TrackID    uint
	Confidence float64
}

type posting struct {
	trackID uint
	offset  uint32
}

// index is an immutable snapshot. Readers load it atomically and never see a
// partially applied update.
type index struct {
	landmarks map[uint32][]posting
	digests   map[string]uint
	tracks    int
}

// Matcher answers "which known track does this segment sound like".
type Matcher struct {
	minConfidence float64
	logger        *slog.Logger

	current  atomic.Pointer[index]
	updateMu sync.Mutex // serializes writers only
}

// New creates an empty matcher emitting matches at or above minConfidence.
func New(minConfidence float64) *Matcher {
	m := &Matcher{
		minConfidence: minConfidence,
		logger:        logging.ForService("matcher"),
	}
	m.current.Store(&index{
		landmarks: map[uint32][]posting{},
		digests:   map[string]uint{},
	})
	return m
}

// Warm loads every persisted fingerprint into the index. Called once at
// startup before stations are admitted.
func (m *Matcher) Warm(store datastore.Interface) error {
	fps, err := store.AllFingerprints()
	if err != nil {
		return errors.New(err).
			Category(errors.CategoryFingerprint).
			Context("operation", "warm_index").
			Build()
	}

	loaded := 0
	for i := range fps {
		fp, err := features.DecodeFingerprint(fps[i].Blob)
		if err != nil {
			m.logger.Warn("skipping undecodable fingerprint",
				"fingerprint_id", fps[i].ID, "track_id", fps[i].TrackID, "error", err)
			continue
		}
		m.Add(fps[i].TrackID, fps[i].Hash, fp)
		loaded++
	}

	m.logger.Info("fingerprint index warmed",
		"fingerprints", loaded, "tracks", m.current.Load().tracks)
	return nil
}

// Add indexes one fingerprint for a track. Safe to call while lookups are in
// flight.
func (m *Matcher) Add(trackID uint, digest string, fp features.Fingerprint) {
	m.updateMu.Lock()
	defer m.updateMu.Unlock()

	old := m.current.Load()
	next := &index{
		landmarks: make(map[uint32][]posting, len(old.landmarks)+len(fp)),
		digests:   make(map[string]uint, len(old.digests)+1),
		tracks:    old.tracks,
	}
	for h, ps := range old.landmarks {
		next.landmarks[h] = ps
	}
	for d, id := range old.digests {
		next.digests[d] = id
	}

	seen := false
	for _, id := range next.digests {
		if id == trackID {
			seen = true
			break
		}
	}
	if !seen {
		next.tracks++
	}

	next.digests[digest] = trackID
	for _, p := range fp {
		ps := next.landmarks[p.Hash]
		cloned := make([]posting, len(ps), len(ps)+1)
		copy(cloned, ps)
		next.landmarks[p.Hash] = append(cloned, posting{trackID: trackID, offset: p.Offset})
	}

	m.current.Store(next)
}

// Match scores a query fingerprint against the index. Returns nil when no
// track reaches the confidence threshold.
//
// Scoring follows the landmark alignment scheme: matched landmarks vote for
// a (track, time offset) pair, and the best single alignment's share of the
// query landmarks is the confidence. An exact digest hit short-circuits to
// confidence 1.
func (m *Matcher) Match(digest string, fp features.Fingerprint) *Match {
	idx := m.current.Load()

	if trackID, ok := idx.digests[digest]; ok {
		return &Match{TrackID: trackID, Confidence: 1.0}
	}
	if len(fp) == 0 {
		return nil
	}

	type alignKey struct {
		trackID uint
		delta   int32
	}
	votes := make(map[alignKey]int)

	for _, q := range fp {
		for _, p := range idx.landmarks[q.Hash] {
			key := alignKey{
				trackID: p.trackID,
				delta:   int32(p.offset) - int32(q.Offset),
			}
			votes[key]++
		}
	}

	var best alignKey
	bestVotes := 0
	for key, n := range votes {
		if n > bestVotes {
			best, bestVotes = key, n
		}
	}
	if bestVotes == 0 {
		return nil
	}

	confidence := float64(bestVotes) / float64(len(fp))
	if confidence > 1 {
		confidence = 1
	}
	if confidence < m.minConfidence {
		return nil
	}
	return &Match{TrackID: best.trackID, Confidence: confidence}
}

// Tracks returns the number of distinct tracks in the index.
func (m *Matcher) Tracks() int {
	return m.current.Load().tracks
}
