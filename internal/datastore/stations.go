package datastore

import (
	"time"

	"gorm.io/gorm"

	"github.com/airtrackhq/airtrack/internal/errors"
)

// GetAllStations returns every station, active or not, ordered by id.
func (ds *DataStore) GetAllStations() ([]Station, error) {
	var stations []Station
	if err := ds.DB.Order("id ASC").Find(&stations).Error; err != nil {
		return nil, newDatabaseError("get-all-stations", "stations", err)
	}
	return stations, nil
}

// GetActiveStations returns all stations flagged active, ordered by id so
// the supervisor starts pipelines deterministically.
func (ds *DataStore) GetActiveStations() ([]Station, error) {
	var stations []Station
	if err := ds.DB.Where("active = ?", true).Order("id ASC").Find(&stations).Error; err != nil {
		return nil, newDatabaseError("get-active-stations", "stations", err)
	}
	return stations, nil
}

// GetStation retrieves a station by its id.
func (ds *DataStore) GetStation(id uint) (Station, error) {
	var station Station
	if err := ds.DB.First(&station, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return Station{}, errors.Newf("station %d not found", id).
				Component("datastore").
				Category(errors.CategoryNotFound).
				Build()
		}
		return Station{}, newDatabaseError("get-station", "stations", err)
	}
	return station, nil
}

// SaveStation creates or updates a station record.
func (ds *DataStore) SaveStation(station *Station) error {
	if err := ds.DB.Save(station).Error; err != nil {
		return newDatabaseError("save-station", "stations", err)
	}
	return nil
}

// UpdateStationStatus updates only the health fields of a station.
func (ds *DataStore) UpdateStationStatus(id uint, status string, lastChecked time.Time) error {
	err := ds.DB.Model(&Station{}).
		Where("id = ?", id).
		Updates(map[string]any{"status": status, "last_checked": lastChecked}).Error
	if err != nil {
		return newDatabaseError("update-station-status", "stations", err)
	}
	return nil
}
