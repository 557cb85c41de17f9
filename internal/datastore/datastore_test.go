package datastore

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// newTestStore opens an in-memory SQLite database with migrations applied.
func newTestStore(t *testing.T) *DataStore {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"),
		&gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	require.NoError(t, err)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	require.NoError(t, db.AutoMigrate(
		&Station{}, &Artist{}, &Label{}, &Track{}, &Fingerprint{}, &Detection{},
		&TrackStats{}, &ArtistStats{}, &LabelStats{}, &StationStats{}, &StationTrackStats{},
	))

	return &DataStore{DB: db}
}

func seedTrack(t *testing.T, ds *DataStore, title, artistName string, isrc *string) *Track {
	t.Helper()

	artist, err := ds.GetOrCreateArtist(artistName)
	require.NoError(t, err)

	track, err := ds.CreateTrack(
		&Track{Title: title, ArtistID: artist.ID, ISRC: isrc},
		&Fingerprint{Hash: fmt.Sprintf("hash-%s", title), Blob: []byte{1, 2, 3}},
	)
	require.NoError(t, err)
	return track
}

func TestGetOrCreateArtistIsIdempotent(t *testing.T) {
	ds := newTestStore(t)

	first, err := ds.GetOrCreateArtist("Daft Punk")
	require.NoError(t, err)

	// Same artist under a different casing and spacing.
	second, err := ds.GetOrCreateArtist("  daft  PUNK ")
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)

	var count int64
	require.NoError(t, ds.DB.Model(&Artist{}).Count(&count).Error)
	assert.EqualValues(t, 1, count)
}

func TestCreateTrackISRCConflictReturnsExisting(t *testing.T) {
	ds := newTestStore(t)

	isrc := "FR1234567890"
	original := seedTrack(t, ds, "One More Time", "Daft Punk", &isrc)

	artist, err := ds.GetOrCreateArtist("Daft Punk")
	require.NoError(t, err)

	// A concurrent recognizer creates the "same" track from another station
	// with a different fingerprint.
	dupe, err := ds.CreateTrack(
		&Track{Title: "One More Time (radio)", ArtistID: artist.ID, ISRC: &isrc},
		&Fingerprint{Hash: "other-hash", Blob: []byte{9}},
	)
	require.NoError(t, err)

	assert.Equal(t, original.ID, dupe.ID)

	var trackCount, fpCount int64
	require.NoError(t, ds.DB.Model(&Track{}).Count(&trackCount).Error)
	require.NoError(t, ds.DB.Model(&Fingerprint{}).Where("track_id = ?", original.ID).Count(&fpCount).Error)
	assert.EqualValues(t, 1, trackCount)
	assert.EqualValues(t, 2, fpCount, "fingerprint set should grow by one")
}

func TestAddFingerprintIdempotent(t *testing.T) {
	ds := newTestStore(t)
	track := seedTrack(t, ds, "Around the World", "Daft Punk", nil)

	fp := Fingerprint{TrackID: track.ID, Hash: "dup-hash", Blob: []byte{5}}
	require.NoError(t, ds.AddFingerprint(&fp))
	require.NoError(t, ds.AddFingerprint(&Fingerprint{TrackID: track.ID, Hash: "dup-hash", Blob: []byte{5}}))

	var count int64
	require.NoError(t, ds.DB.Model(&Fingerprint{}).Where("hash = ?", "dup-hash").Count(&count).Error)
	assert.EqualValues(t, 1, count)
}

func TestSaveDetectionUpdatesRollups(t *testing.T) {
	ds := newTestStore(t)
	track := seedTrack(t, ds, "Harder Better", "Daft Punk", nil)

	start := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)
	detection := &Detection{
		StationID:    1,
		TrackID:      track.ID,
		StartedAt:    start,
		EndedAt:      start.Add(45 * time.Second),
		DurationSecs: 45,
		Confidence:   0.92,
		Method:       MethodLocal,
	}

	saved, err := ds.SaveDetection(detection, track.ArtistID, nil)
	require.NoError(t, err)
	assert.True(t, saved)

	stats, err := ds.GetStationTrackStats(1, track.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 1, stats.PlayCount)
	assert.InDelta(t, 45, stats.TotalDuration, 0.001)
	assert.Equal(t, detection.EndedAt.Unix(), stats.LastSeen.Unix())

	var stationStats StationStats
	require.NoError(t, ds.DB.First(&stationStats, "station_id = ?", 1).Error)
	assert.EqualValues(t, 1, stationStats.PlayCount)

	var artistStats ArtistStats
	require.NoError(t, ds.DB.First(&artistStats, "artist_id = ?", track.ArtistID).Error)
	assert.InDelta(t, 45, artistStats.TotalDuration, 0.001)
}

func TestSaveDetectionIdempotentRetry(t *testing.T) {
	ds := newTestStore(t)
	track := seedTrack(t, ds, "Voyager", "Daft Punk", nil)

	start := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)
	build := func(offset time.Duration) *Detection {
		return &Detection{
			StationID:    1,
			TrackID:      track.ID,
			StartedAt:    start.Add(offset),
			EndedAt:      start.Add(offset + 30*time.Second),
			DurationSecs: 30,
			Confidence:   0.9,
			Method:       MethodLocal,
		}
	}

	saved, err := ds.SaveDetection(build(0), track.ArtistID, nil)
	require.NoError(t, err)
	assert.True(t, saved)

	// Retry with a start 500ms off is a duplicate, not a new detection.
	saved, err = ds.SaveDetection(build(500*time.Millisecond), track.ArtistID, nil)
	require.NoError(t, err)
	assert.False(t, saved)

	stats, err := ds.GetStationTrackStats(1, track.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 1, stats.PlayCount)
}

func TestSaveDetectionRejectsOverlap(t *testing.T) {
	ds := newTestStore(t)
	trackA := seedTrack(t, ds, "Song A", "Artist A", nil)
	trackB := seedTrack(t, ds, "Song B", "Artist B", nil)

	start := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)
	_, err := ds.SaveDetection(&Detection{
		StationID: 1, TrackID: trackA.ID,
		StartedAt: start, EndedAt: start.Add(60 * time.Second),
		DurationSecs: 60, Confidence: 0.9, Method: MethodLocal,
	}, trackA.ArtistID, nil)
	require.NoError(t, err)

	_, err = ds.SaveDetection(&Detection{
		StationID: 1, TrackID: trackB.ID,
		StartedAt: start.Add(30 * time.Second), EndedAt: start.Add(90 * time.Second),
		DurationSecs: 60, Confidence: 0.9, Method: MethodLocal,
	}, trackB.ArtistID, nil)
	require.Error(t, err)

	// A different station with the same interval is fine.
	_, err = ds.SaveDetection(&Detection{
		StationID: 2, TrackID: trackB.ID,
		StartedAt: start.Add(30 * time.Second), EndedAt: start.Add(90 * time.Second),
		DurationSecs: 60, Confidence: 0.9, Method: MethodLocal,
	}, trackB.ArtistID, nil)
	assert.NoError(t, err)
}

func TestExtendDetectionMergesDuration(t *testing.T) {
	ds := newTestStore(t)
	track := seedTrack(t, ds, "Aerodynamic", "Daft Punk", nil)

	start := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)
	detection := &Detection{
		StationID: 1, TrackID: track.ID,
		StartedAt: start, EndedAt: start.Add(20 * time.Second),
		DurationSecs: 20, Confidence: 0.85, Method: MethodLocal,
	}
	saved, err := ds.SaveDetection(detection, track.ArtistID, nil)
	require.NoError(t, err)
	require.True(t, saved)

	require.NoError(t, ds.ExtendDetection(detection.ID, start.Add(46*time.Second), track.ArtistID, nil))

	var reloaded Detection
	require.NoError(t, ds.DB.First(&reloaded, detection.ID).Error)
	assert.InDelta(t, 46, reloaded.DurationSecs, 0.001)

	stats, err := ds.GetStationTrackStats(1, track.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 1, stats.PlayCount, "merge must not bump play count")
	assert.InDelta(t, 46, stats.TotalDuration, 0.001)
}

func TestDetectionDurationMatchesStationTrackTotals(t *testing.T) {
	ds := newTestStore(t)
	track := seedTrack(t, ds, "Digital Love", "Daft Punk", nil)

	start := time.Date(2026, 8, 25, 9, 0, 0, 0, time.UTC)
	var total float64
	for i := range 5 {
		d := &Detection{
			StationID: 3, TrackID: track.ID,
			StartedAt:    start.Add(time.Duration(i) * 10 * time.Minute),
			EndedAt:      start.Add(time.Duration(i)*10*time.Minute + 30*time.Second),
			DurationSecs: 30, Confidence: 0.9, Method: MethodLocal,
		}
		saved, err := ds.SaveDetection(d, track.ArtistID, nil)
		require.NoError(t, err)
		require.True(t, saved)
		total += d.DurationSecs
	}

	stats, err := ds.GetStationTrackStats(3, track.ID)
	require.NoError(t, err)
	assert.InDelta(t, total, stats.TotalDuration, 0.001)
	assert.EqualValues(t, 5, stats.PlayCount)
}

func TestStationStatusUpdate(t *testing.T) {
	ds := newTestStore(t)

	station := &Station{Name: "Radio One", StreamURL: "http://example.com/stream", Active: true}
	require.NoError(t, ds.SaveStation(station))

	now := time.Now().UTC().Truncate(time.Second)
	require.NoError(t, ds.UpdateStationStatus(station.ID, "error", now))

	got, err := ds.GetStation(station.ID)
	require.NoError(t, err)
	assert.Equal(t, "error", got.Status)
	assert.Equal(t, now.Unix(), got.LastChecked.Unix())

	active, err := ds.GetActiveStations()
	require.NoError(t, err)
	assert.Len(t, active, 1)
}
