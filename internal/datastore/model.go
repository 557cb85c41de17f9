// model.go defines the persistent data model for stations, tracks,
// detections and their rollup counters.
package datastore

import (
	"strings"
	"time"
)

// Station is a monitored radio stream. Stations are provisioned externally;
// the monitor only reads them and updates status fields.
type Station struct {
	ID          uint   `gorm:"primaryKey"`
	Name        string `gorm:"index:idx_stations_name"`
	StreamURL   string `gorm:"not null"`
	Active      bool   `gorm:"index:idx_stations_active"`
	Status      string `gorm:"type:varchar(20)"` // "active", "stale", "error"
	LastChecked time.Time
}

// Artist is unique by normalized name.
type Artist struct {
	ID             uint   `gorm:"primaryKey"`
	Name           string `gorm:"not null"`
	NormalizedName string `gorm:"uniqueIndex:idx_artists_normalized;not null"`
	CreatedAt      time.Time
}

// Label is unique by normalized name.
type Label struct {
	ID             uint   `gorm:"primaryKey"`
	Name           string `gorm:"not null"`
	NormalizedName string `gorm:"uniqueIndex:idx_labels_normalized;not null"`
	CreatedAt      time.Time
}

// Track is a recording identified by recognition. ISRC, when present, is
// globally unique; tracks without one are identified by their fingerprints.
type Track struct {
	ID        uint   `gorm:"primaryKey"`
	Title     string `gorm:"not null;index:idx_tracks_title"`
	ArtistID  uint   `gorm:"not null;index:idx_tracks_artist"`
	Artist    Artist `gorm:"foreignKey:ArtistID"`
	LabelID   *uint
	Label     *Label `gorm:"foreignKey:LabelID"`
	Album     string
	ISRC      *string `gorm:"uniqueIndex:idx_tracks_isrc"`
	CreatedAt time.Time

	Fingerprints []Fingerprint `gorm:"foreignKey:TrackID;constraint:OnDelete:CASCADE"`
}

// Fingerprint associates an acoustic fingerprint with exactly one track.
// The hash is the short index key used for lookup; the blob is the full
// fingerprint for distance computation.
type Fingerprint struct {
	ID        uint   `gorm:"primaryKey"`
	TrackID   uint   `gorm:"not null;index:idx_fingerprints_track"`
	Hash      string `gorm:"index:idx_fingerprints_hash;not null"`
	Blob      []byte `gorm:"not null"`
	CreatedAt time.Time
}

// Detection is the immutable record of one continuous play of one track on
// one station. Intervals for a given station never overlap.
type Detection struct {
	ID                  uint      `gorm:"primaryKey"`
	StationID           uint      `gorm:"not null;index:idx_detections_station_start,priority:1"`
	TrackID             uint      `gorm:"not null;index:idx_detections_track"`
	StartedAt           time.Time `gorm:"not null;index:idx_detections_station_start,priority:2"`
	EndedAt             time.Time `gorm:"not null"`
	DurationSecs        float64   `gorm:"not null"`
	Confidence          float64   `gorm:"not null"`
	Method              string    `gorm:"type:varchar(16);not null"`
	FingerprintSnapshot string
	CreatedAt           time.Time
}

// Recognition method tags stored in Detection.Method.
const (
	MethodLocal     = "local"
	MethodExternalA = "external_a"
	MethodExternalB = "external_b"
	MethodISRC      = "isrc"
)

// TrackStats is the per-track rollup counter.
type TrackStats struct {
	TrackID       uint    `gorm:"primaryKey"`
	PlayCount     int64   `gorm:"not null"`
	TotalDuration float64 `gorm:"not null"` // seconds
	LastSeen      time.Time
}

// ArtistStats is the per-artist rollup counter.
type ArtistStats struct {
	ArtistID      uint    `gorm:"primaryKey"`
	PlayCount     int64   `gorm:"not null"`
	TotalDuration float64 `gorm:"not null"`
	LastSeen      time.Time
}

// LabelStats is the per-label rollup counter.
type LabelStats struct {
	LabelID       uint    `gorm:"primaryKey"`
	PlayCount     int64   `gorm:"not null"`
	TotalDuration float64 `gorm:"not null"`
	LastSeen      time.Time
}

// StationStats is the per-station rollup counter.
type StationStats struct {
	StationID     uint    `gorm:"primaryKey"`
	PlayCount     int64   `gorm:"not null"`
	TotalDuration float64 `gorm:"not null"`
	LastSeen      time.Time
}

// StationTrackStats is the per-(station, track) rollup counter used for
// royalty accounting.
type StationTrackStats struct {
	StationID     uint    `gorm:"primaryKey"`
	TrackID       uint    `gorm:"primaryKey"`
	PlayCount     int64   `gorm:"not null"`
	TotalDuration float64 `gorm:"not null"`
	LastSeen      time.Time
}

// NormalizeName lowers, trims and collapses whitespace so that artist and
// label uniqueness is insensitive to casing and spacing.
func NormalizeName(name string) string {
	return strings.Join(strings.Fields(strings.ToLower(strings.TrimSpace(name))), " ")
}
