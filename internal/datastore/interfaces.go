// interfaces.go defines the interface for the database operations
package datastore

import (
	"log"
	"os"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/airtrackhq/airtrack/internal/conf"
)

// Interface abstracts the underlying database implementation and defines the
// operations the pipeline components depend on.
type Interface interface {
	Open() error
	Close() error

	// Stations
	GetAllStations() ([]Station, error)
	GetActiveStations() ([]Station, error)
	GetStation(id uint) (Station, error)
	SaveStation(station *Station) error
	UpdateStationStatus(id uint, status string, lastChecked time.Time) error

	// Track registry primitives
	FindTrackByISRC(isrc string) (*Track, error)
	FindTrackByFingerprintHash(hash string) (*Track, error)
	GetOrCreateArtist(name string) (*Artist, error)
	GetOrCreateLabel(name string) (*Label, error)
	CreateTrack(track *Track, fp *Fingerprint) (*Track, error)
	AddFingerprint(fp *Fingerprint) error
	AllFingerprints() ([]Fingerprint, error)
	GetTrack(id uint) (Track, error)

	// Detections and rollups
	SaveDetection(detection *Detection, artistID uint, labelID *uint) (bool, error)
	ExtendDetection(id uint, endedAt time.Time, artistID uint, labelID *uint) error
	LastDetectionForStation(stationID uint) (*Detection, error)
	RecentDetections(limit int) ([]Detection, error)
	StationDetections(stationID uint, from, to time.Time) ([]Detection, error)
	GetStationTrackStats(stationID, trackID uint) (StationTrackStats, error)
	CountDetections() (int64, error)
	CountTracks() (int64, error)
}

// DataStore implements Interface using a GORM database.
type DataStore struct {
	DB *gorm.DB
}

// New creates a new datastore instance based on the provided settings.
func New(settings *conf.Settings) Interface {
	switch {
	case settings.Output.SQLite.Enabled:
		return &SQLiteStore{Settings: settings}
	case settings.Output.MySQL.Enabled:
		return &MySQLStore{Settings: settings}
	default:
		return nil
	}
}

// performAutoMigration automates database migrations with error handling.
func performAutoMigration(db *gorm.DB, debug bool, dbType, connectionInfo string) error {
	if err := db.AutoMigrate(
		&Station{}, &Artist{}, &Label{}, &Track{}, &Fingerprint{}, &Detection{},
		&TrackStats{}, &ArtistStats{}, &LabelStats{}, &StationStats{}, &StationTrackStats{},
	); err != nil {
		return newDatabaseError("auto-migration", dbType, err)
	}

	if debug {
		log.Printf("%s database connection initialized: %s", dbType, connectionInfo)
	}

	return nil
}

// createGormLogger configures and returns a new GORM logger instance.
func createGormLogger() logger.Interface {
	return logger.New(
		log.New(os.Stdout, "\r\n", log.LstdFlags),
		logger.Config{
			SlowThreshold: 200 * time.Millisecond,
			LogLevel:      logger.Warn,
			Colorful:      true,
		},
	)
}
