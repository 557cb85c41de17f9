package monitor

import (
	"log/slog"

	"github.com/airtrackhq/airtrack/internal/datastore"
	"github.com/airtrackhq/airtrack/internal/events"
	"github.com/airtrackhq/airtrack/internal/tracker"
)

// busListener forwards play tracker lifecycle events onto the bus as
// track_detection messages.
type busListener struct {
	bus     *events.Bus
	store   datastore.Interface
	station datastore.Station
	logger  *slog.Logger
}

func (l *busListener) PlayStarted(stationID uint, play *tracker.CurrentPlay) {
	data := events.TrackDetectionData{
		StationID:   stationID,
		StationName: l.station.Name,
		TrackID:     play.TrackID,
		Confidence:  play.Confidence,
		Method:      play.Method,
		StartedAt:   play.Start,
		EndedAt:     play.LastConfirm,
		Final:       false,
	}
	l.fillTrackMeta(&data, play.TrackID)
	l.bus.Publish(events.StationTopic(stationID), events.TypeTrackDetection, data)
}

func (l *busListener) PlayClosed(stationID uint, d *datastore.Detection, merged bool) {
	data := events.TrackDetectionData{
		StationID:    stationID,
		StationName:  l.station.Name,
		TrackID:      d.TrackID,
		Confidence:   d.Confidence,
		Method:       d.Method,
		StartedAt:    d.StartedAt,
		EndedAt:      d.EndedAt,
		DurationSecs: d.DurationSecs,
		Final:        true,
		Merged:       merged,
	}
	l.fillTrackMeta(&data, d.TrackID)
	l.bus.Publish(events.StationTopic(stationID), events.TypeTrackDetection, data)
}

func (l *busListener) fillTrackMeta(data *events.TrackDetectionData, trackID uint) {
	track, err := l.store.GetTrack(trackID)
	if err != nil {
		l.logger.Warn("could not load track for event", "track_id", trackID, "error", err)
		return
	}
	data.Title = track.Title
	data.Artist = track.Artist.Name
}
