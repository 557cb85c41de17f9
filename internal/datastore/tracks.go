// tracks.go holds the track registry storage primitives. Uniqueness of ISRC
// and normalized artist/label names is enforced by database constraints; all
// creators use select-then-insert inside a transaction and fall back to
// select on conflict, so concurrent recognizers never produce duplicates.
package datastore

import (
	"gorm.io/gorm"

	"github.com/airtrackhq/airtrack/internal/errors"
)

// FindTrackByISRC looks a track up by its content identifier. Returns nil
// without error when no track carries the ISRC.
func (ds *DataStore) FindTrackByISRC(isrc string) (*Track, error) {
	var track Track
	err := ds.DB.Preload("Artist").Preload("Label").
		Where("isrc = ?", isrc).First(&track).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, newDatabaseError("find-track-by-isrc", "tracks", err)
	}
	return &track, nil
}

// FindTrackByFingerprintHash resolves a fingerprint hash to its track.
// Returns nil without error when the hash is unknown.
func (ds *DataStore) FindTrackByFingerprintHash(hash string) (*Track, error) {
	var fp Fingerprint
	err := ds.DB.Where("hash = ?", hash).First(&fp).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, newDatabaseError("find-track-by-fingerprint", "fingerprints", err)
	}

	var track Track
	if err := ds.DB.Preload("Artist").Preload("Label").First(&track, fp.TrackID).Error; err != nil {
		return nil, newDatabaseError("find-track-by-fingerprint", "tracks", err)
	}
	return &track, nil
}

// GetOrCreateArtist returns the artist with the given name, creating it if
// absent. Lookup is by normalized name.
func (ds *DataStore) GetOrCreateArtist(name string) (*Artist, error) {
	normalized := NormalizeName(name)
	if normalized == "" {
		return nil, errors.Newf("artist name is empty").
			Component("datastore").
			Category(errors.CategoryValidation).
			Build()
	}

	var artist Artist
	err := ds.DB.Transaction(func(tx *gorm.DB) error {
		err := tx.Where("normalized_name = ?", normalized).First(&artist).Error
		if err == nil {
			return nil
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}

		artist = Artist{Name: name, NormalizedName: normalized}
		if err := tx.Create(&artist).Error; err != nil {
			if isUniqueConstraintError(err) {
				// Lost the race, the concurrent insert wins.
				return tx.Where("normalized_name = ?", normalized).First(&artist).Error
			}
			return err
		}
		return nil
	})
	if err != nil {
		return nil, newDatabaseError("get-or-create-artist", "artists", err)
	}
	return &artist, nil
}

// GetOrCreateLabel returns the label with the given name, creating it if
// absent. Lookup is by normalized name.
func (ds *DataStore) GetOrCreateLabel(name string) (*Label, error) {
	normalized := NormalizeName(name)
	if normalized == "" {
		return nil, errors.Newf("label name is empty").
			Component("datastore").
			Category(errors.CategoryValidation).
			Build()
	}

	var label Label
	err := ds.DB.Transaction(func(tx *gorm.DB) error {
		err := tx.Where("normalized_name = ?", normalized).First(&label).Error
		if err == nil {
			return nil
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}

		label = Label{Name: name, NormalizedName: normalized}
		if err := tx.Create(&label).Error; err != nil {
			if isUniqueConstraintError(err) {
				return tx.Where("normalized_name = ?", normalized).First(&label).Error
			}
			return err
		}
		return nil
	})
	if err != nil {
		return nil, newDatabaseError("get-or-create-label", "labels", err)
	}
	return &label, nil
}

// CreateTrack inserts a track and its first fingerprint in one transaction.
// When the track carries an ISRC that already exists, the existing track
// wins: the fingerprint is attached to it and it is returned instead.
func (ds *DataStore) CreateTrack(track *Track, fp *Fingerprint) (*Track, error) {
	result := track
	err := ds.DB.Transaction(func(tx *gorm.DB) error {
		if track.ISRC != nil {
			var existing Track
			err := tx.Where("isrc = ?", *track.ISRC).First(&existing).Error
			switch {
			case err == nil:
				result = &existing
				return attachFingerprintTx(tx, existing.ID, fp)
			case !errors.Is(err, gorm.ErrRecordNotFound):
				return err
			}
		}

		if err := tx.Create(track).Error; err != nil {
			if isUniqueConstraintError(err) && track.ISRC != nil {
				var existing Track
				if err := tx.Where("isrc = ?", *track.ISRC).First(&existing).Error; err != nil {
					return err
				}
				result = &existing
				return attachFingerprintTx(tx, existing.ID, fp)
			}
			return err
		}

		result = track
		return attachFingerprintTx(tx, track.ID, fp)
	})
	if err != nil {
		return nil, newDatabaseError("create-track", "tracks", err)
	}
	return result, nil
}

// AddFingerprint attaches an additional fingerprint to an existing track.
// An identical (track, hash) pair is an idempotent no-op.
func (ds *DataStore) AddFingerprint(fp *Fingerprint) error {
	err := ds.DB.Transaction(func(tx *gorm.DB) error {
		return attachFingerprintTx(tx, fp.TrackID, fp)
	})
	if err != nil {
		return newDatabaseError("add-fingerprint", "fingerprints", err)
	}
	return nil
}

func attachFingerprintTx(tx *gorm.DB, trackID uint, fp *Fingerprint) error {
	if fp == nil {
		return nil
	}
	var count int64
	if err := tx.Model(&Fingerprint{}).
		Where("track_id = ? AND hash = ?", trackID, fp.Hash).
		Count(&count).Error; err != nil {
		return err
	}
	if count > 0 {
		fp.TrackID = trackID
		return nil
	}
	fp.TrackID = trackID
	return tx.Create(fp).Error
}

// AllFingerprints returns every stored fingerprint, used to warm the local
// matcher index at startup.
func (ds *DataStore) AllFingerprints() ([]Fingerprint, error) {
	var fps []Fingerprint
	if err := ds.DB.Find(&fps).Error; err != nil {
		return nil, newDatabaseError("all-fingerprints", "fingerprints", err)
	}
	return fps, nil
}

// GetTrack retrieves a track with its artist and label by id.
func (ds *DataStore) GetTrack(id uint) (Track, error) {
	var track Track
	err := ds.DB.Preload("Artist").Preload("Label").First(&track, id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return Track{}, errors.Newf("track %d not found", id).
				Component("datastore").
				Category(errors.CategoryNotFound).
				Build()
		}
		return Track{}, newDatabaseError("get-track", "tracks", err)
	}
	return track, nil
}

// CountTracks returns the number of known tracks.
func (ds *DataStore) CountTracks() (int64, error) {
	var count int64
	if err := ds.DB.Model(&Track{}).Count(&count).Error; err != nil {
		return 0, newDatabaseError("count-tracks", "tracks", err)
	}
	return count, nil
}
