// Package registry resolves recognized track descriptors to persistent Track
// records. Resolution is idempotent: concurrent recognizers racing on the
// same recording converge on one row.
package registry

import (
	"log/slog"

	"github.com/airtrackhq/airtrack/internal/datastore"
	"github.com/airtrackhq/airtrack/internal/errors"
	"github.com/airtrackhq/airtrack/internal/features"
	"github.com/airtrackhq/airtrack/internal/logging"
	"github.com/airtrackhq/airtrack/internal/recognizer"
)

// Shown when a service returns a recording with no artist metadata.
const unknownArtist = "Unknown Artist"

// Registry creates and looks up tracks, artists and labels.
type Registry struct {
	store  datastore.Interface
	logger *slog.Logger
}

// New creates a registry over the given store.
func New(store datastore.Interface) *Registry {
	return &Registry{
		store:  store,
		logger: logging.ForService("registry"),
	}
}

// Resolution is the result of resolving one descriptor.
type Resolution struct {
	Track *datastore.Track
	// Created reports whether a new Track row was made for this descriptor.
	Created bool
}

// Resolve maps a descriptor plus the segment's fingerprint to a Track.
//
// ISRC wins: a known ISRC returns the existing track and grows its
// fingerprint set. Without one, a track already holding this fingerprint
// hash is reused. Only then is a new track created.
func (r *Registry) Resolve(d *recognizer.Descriptor, fp features.Fingerprint, hash string) (*Resolution, error) {
	if d == nil {
		return nil, errors.Newf("cannot resolve a nil descriptor").
			Category(errors.CategoryRecognition).
			Build()
	}

	newFP := func(trackID uint) *datastore.Fingerprint {
		return &datastore.Fingerprint{TrackID: trackID, Hash: hash, Blob: fp.Encode()}
	}

	if d.ISRC != "" {
		existing, err := r.store.FindTrackByISRC(d.ISRC)
		if err != nil {
			return nil, err
		}
		if existing != nil {
			if err := r.store.AddFingerprint(newFP(existing.ID)); err != nil {
				return nil, err
			}
			return &Resolution{Track: existing}, nil
		}
		return r.create(d, newFP(0))
	}

	neighbor, err := r.store.FindTrackByFingerprintHash(hash)
	if err != nil {
		return nil, err
	}
	if neighbor != nil {
		if err := r.store.AddFingerprint(newFP(neighbor.ID)); err != nil {
			return nil, err
		}
		return &Resolution{Track: neighbor}, nil
	}

	return r.create(d, newFP(0))
}

// create makes the Track with its Artist and optional Label. The store
// resolves ISRC races by returning the winning row, so Created can be false
// even on this path.
func (r *Registry) create(d *recognizer.Descriptor, fp *datastore.Fingerprint) (*Resolution, error) {
	name := d.Artist
	if name == "" {
		name = unknownArtist
	}
	artist, err := r.store.GetOrCreateArtist(name)
	if err != nil {
		return nil, err
	}

	track := &datastore.Track{
		Title:    d.Title,
		ArtistID: artist.ID,
		Album:    d.Album,
	}
	if d.Label != "" {
		label, err := r.store.GetOrCreateLabel(d.Label)
		if err != nil {
			return nil, err
		}
		track.LabelID = &label.ID
	}
	if d.ISRC != "" {
		isrc := d.ISRC
		track.ISRC = &isrc
	}

	saved, err := r.store.CreateTrack(track, fp)
	if err != nil {
		return nil, err
	}

	// The store hands back a pre-existing row after an ISRC conflict.
	created := saved == track

	r.logger.Info("track resolved",
		"track_id", saved.ID, "title", saved.Title, "created", created, "method", d.Method)
	return &Resolution{Track: saved, Created: created}, nil
}
