// detections.go writes detections and maintains the rollup counters. A
// detection and its five rollup updates always commit in one transaction.
package datastore

import (
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/airtrackhq/airtrack/internal/errors"
)

// Detections with starts closer than this to an existing record for the same
// (station, track) are treated as idempotent retries.
const duplicateDetectionWindow = time.Second

// SaveDetection persists a detection and updates all rollups transactionally.
// Returns false when the detection was recognized as a duplicate retry and
// nothing was written.
func (ds *DataStore) SaveDetection(detection *Detection, artistID uint, labelID *uint) (bool, error) {
	if err := validateDetection(detection); err != nil {
		return false, err
	}

	saved := false
	err := ds.DB.Transaction(func(tx *gorm.DB) error {
		// Idempotent retry: same station and track starting within the window.
		var count int64
		err := tx.Model(&Detection{}).
			Where("station_id = ? AND track_id = ? AND started_at BETWEEN ? AND ?",
				detection.StationID, detection.TrackID,
				detection.StartedAt.Add(-duplicateDetectionWindow),
				detection.StartedAt.Add(duplicateDetectionWindow)).
			Count(&count).Error
		if err != nil {
			return err
		}
		if count > 0 {
			return nil
		}

		// Intervals on one station must not overlap; the store lacks range
		// exclusion so the check lives here.
		var overlapping int64
		err = tx.Model(&Detection{}).
			Where("station_id = ? AND started_at < ? AND ended_at > ?",
				detection.StationID, detection.EndedAt, detection.StartedAt).
			Count(&overlapping).Error
		if err != nil {
			return err
		}
		if overlapping > 0 {
			return errors.Newf("detection overlaps an existing interval on station %d", detection.StationID).
				Component("datastore").
				Category(errors.CategoryConflict).
				Build()
		}

		if err := tx.Create(detection).Error; err != nil {
			return err
		}

		if err := applyRollups(tx, detection, artistID, labelID, detection.DurationSecs, 1); err != nil {
			return err
		}

		saved = true
		return nil
	})
	if err != nil {
		var enhanced *errors.EnhancedError
		if errors.As(err, &enhanced) {
			return false, err
		}
		return false, newDatabaseError("save-detection", "detections", err)
	}
	return saved, nil
}

// ExtendDetection implements gap-merging: it moves an existing detection's
// end forward and adds the gained duration to the rollups without bumping
// play counts.
func (ds *DataStore) ExtendDetection(id uint, endedAt time.Time, artistID uint, labelID *uint) error {
	err := ds.DB.Transaction(func(tx *gorm.DB) error {
		var detection Detection
		if err := tx.First(&detection, id).Error; err != nil {
			return err
		}

		if !endedAt.After(detection.EndedAt) {
			return nil
		}

		delta := endedAt.Sub(detection.EndedAt).Seconds()
		detection.EndedAt = endedAt
		detection.DurationSecs += delta

		if err := tx.Model(&Detection{}).Where("id = ?", id).
			Updates(map[string]any{
				"ended_at":      detection.EndedAt,
				"duration_secs": detection.DurationSecs,
			}).Error; err != nil {
			return err
		}

		return applyRollups(tx, &detection, artistID, labelID, delta, 0)
	})
	if err != nil {
		return newDatabaseError("extend-detection", "detections", err)
	}
	return nil
}

// applyRollups increments the five rollup counters. countDelta is 1 for a
// new detection and 0 for a merge extension. Last-seen timestamps only move
// forward.
func applyRollups(tx *gorm.DB, detection *Detection, artistID uint, labelID *uint, durationDelta float64, countDelta int64) error {
	seen := detection.EndedAt

	if err := upsertRollup(tx, &TrackStats{TrackID: detection.TrackID},
		"track_id = ?", []any{detection.TrackID}, durationDelta, countDelta, seen); err != nil {
		return err
	}
	if err := upsertRollup(tx, &ArtistStats{ArtistID: artistID},
		"artist_id = ?", []any{artistID}, durationDelta, countDelta, seen); err != nil {
		return err
	}
	if labelID != nil {
		if err := upsertRollup(tx, &LabelStats{LabelID: *labelID},
			"label_id = ?", []any{*labelID}, durationDelta, countDelta, seen); err != nil {
			return err
		}
	}
	if err := upsertRollup(tx, &StationStats{StationID: detection.StationID},
		"station_id = ?", []any{detection.StationID}, durationDelta, countDelta, seen); err != nil {
		return err
	}
	return upsertRollup(tx, &StationTrackStats{StationID: detection.StationID, TrackID: detection.TrackID},
		"station_id = ? AND track_id = ?", []any{detection.StationID, detection.TrackID},
		durationDelta, countDelta, seen)
}

// upsertRollup serializes the counter update per row. MySQL takes a row lock
// on the select; SQLite serializes writers at the connection level.
func upsertRollup(tx *gorm.DB, model any, where string, args []any, durationDelta float64, countDelta int64, seen time.Time) error {
	query := tx.Where(where, args...)
	if tx.Dialector.Name() == "mysql" {
		query = query.Clauses(clause.Locking{Strength: "UPDATE"})
	}

	err := query.First(model).Error
	if err != nil {
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		setRollupFields(model, durationDelta, countDelta, seen, true)
		if createErr := tx.Create(model).Error; createErr != nil {
			if isUniqueConstraintError(createErr) {
				// Concurrent insert won; retry as update.
				if err := tx.Where(where, args...).First(model).Error; err != nil {
					return err
				}
				setRollupFields(model, durationDelta, countDelta, seen, false)
				return tx.Save(model).Error
			}
			return createErr
		}
		return nil
	}

	setRollupFields(model, durationDelta, countDelta, seen, false)
	return tx.Save(model).Error
}

// setRollupFields mutates the counter fields of any of the five rollup
// structs. fresh indicates the row is being created.
func setRollupFields(model any, durationDelta float64, countDelta int64, seen time.Time, fresh bool) {
	advance := func(last *time.Time) time.Time {
		if fresh || seen.After(*last) {
			return seen
		}
		return *last
	}

	switch m := model.(type) {
	case *TrackStats:
		if fresh {
			m.PlayCount, m.TotalDuration = 0, 0
		}
		m.PlayCount += countDelta
		m.TotalDuration += durationDelta
		m.LastSeen = advance(&m.LastSeen)
	case *ArtistStats:
		if fresh {
			m.PlayCount, m.TotalDuration = 0, 0
		}
		m.PlayCount += countDelta
		m.TotalDuration += durationDelta
		m.LastSeen = advance(&m.LastSeen)
	case *LabelStats:
		if fresh {
			m.PlayCount, m.TotalDuration = 0, 0
		}
		m.PlayCount += countDelta
		m.TotalDuration += durationDelta
		m.LastSeen = advance(&m.LastSeen)
	case *StationStats:
		if fresh {
			m.PlayCount, m.TotalDuration = 0, 0
		}
		m.PlayCount += countDelta
		m.TotalDuration += durationDelta
		m.LastSeen = advance(&m.LastSeen)
	case *StationTrackStats:
		if fresh {
			m.PlayCount, m.TotalDuration = 0, 0
		}
		m.PlayCount += countDelta
		m.TotalDuration += durationDelta
		m.LastSeen = advance(&m.LastSeen)
	}
}

func validateDetection(detection *Detection) error {
	if detection.EndedAt.Before(detection.StartedAt) {
		return errors.Newf("detection ends before it starts").
			Component("datastore").
			Category(errors.CategoryValidation).
			Build()
	}
	if detection.DurationSecs <= 0 {
		return errors.Newf("detection duration must be positive, got %f", detection.DurationSecs).
			Component("datastore").
			Category(errors.CategoryValidation).
			Build()
	}
	return nil
}

// LastDetectionForStation returns the most recent detection for a station,
// or nil when the station has none. Used by the merge-gap check.
func (ds *DataStore) LastDetectionForStation(stationID uint) (*Detection, error) {
	var detection Detection
	err := ds.DB.Where("station_id = ?", stationID).
		Order("ended_at DESC").First(&detection).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, newDatabaseError("last-detection", "detections", err)
	}
	return &detection, nil
}

// RecentDetections returns the newest detections across all stations.
func (ds *DataStore) RecentDetections(limit int) ([]Detection, error) {
	var detections []Detection
	err := ds.DB.Order("started_at DESC").Limit(limit).Find(&detections).Error
	if err != nil {
		return nil, newDatabaseError("recent-detections", "detections", err)
	}
	return detections, nil
}

// StationDetections returns a station's detections within [from, to).
func (ds *DataStore) StationDetections(stationID uint, from, to time.Time) ([]Detection, error) {
	var detections []Detection
	err := ds.DB.Where("station_id = ? AND started_at >= ? AND started_at < ?", stationID, from, to).
		Order("started_at ASC").Find(&detections).Error
	if err != nil {
		return nil, newDatabaseError("station-detections", "detections", err)
	}
	return detections, nil
}

// GetStationTrackStats returns the rollup for one (station, track) pair.
func (ds *DataStore) GetStationTrackStats(stationID, trackID uint) (StationTrackStats, error) {
	var stats StationTrackStats
	err := ds.DB.Where("station_id = ? AND track_id = ?", stationID, trackID).First(&stats).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return StationTrackStats{StationID: stationID, TrackID: trackID}, nil
		}
		return StationTrackStats{}, newDatabaseError("station-track-stats", "station_track_stats", err)
	}
	return stats, nil
}

// CountDetections returns the total number of persisted detections.
func (ds *DataStore) CountDetections() (int64, error) {
	var count int64
	if err := ds.DB.Model(&Detection{}).Count(&count).Error; err != nil {
		return 0, newDatabaseError("count-detections", "detections", err)
	}
	return count, nil
}
