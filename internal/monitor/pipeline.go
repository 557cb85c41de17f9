package monitor

import (
	"context"
	"log/slog"
	"time"

	"github.com/airtrackhq/airtrack/internal/datastore"
	"github.com/airtrackhq/airtrack/internal/features"
	"github.com/airtrackhq/airtrack/internal/logging"
	"github.com/airtrackhq/airtrack/internal/puller"
	"github.com/airtrackhq/airtrack/internal/recognizer"
	"github.com/airtrackhq/airtrack/internal/segmenter"
	"github.com/airtrackhq/airtrack/internal/tracker"
)

// Station status values persisted by the supervisor.
const (
	statusActive = "active"
	statusStale  = "stale"
	statusError  = "error"
)

// How often the tracker's timeout check runs.
const trackerTickInterval = time.Second

// pipeline is one station's capture-to-detection chain. All stages run on
// the pipeline goroutine; only the puller has internal concurrency.
type pipeline struct {
	station datastore.Station
	mon     *Monitor
	logger  *slog.Logger

	pull *puller.Puller
}

func newPipeline(station datastore.Station, mon *Monitor) *pipeline {
	return &pipeline{
		station: station,
		mon:     mon,
		logger: logging.ForService("monitor").
			With("station_id", station.ID, "station_name", station.Name),
	}
}

// lastChunk reports the newest chunk time of the current puller, zero when
// no session has produced data yet.
func (p *pipeline) lastChunk() time.Time {
	if p.pull == nil {
		return time.Time{}
	}
	return p.pull.LastChunk()
}

// run owns the station until the context is canceled or the supervisor's
// restart budget is exhausted. Each attempt gets a fresh puller, segmenter
// and tracker; the restart window logic lives in the caller.
func (p *pipeline) run(ctx context.Context) error {
	cfg := p.mon.settings

	p.pull = puller.New(p.station, cfg.Puller)
	seg := segmenter.New(segmenter.Config{
		SilenceThreshold: cfg.Segmenter.SilenceThreshold,
		SilenceHold:      cfg.Segmenter.SilenceHold,
		ChangeThreshold:  cfg.Segmenter.ChangeThreshold,
		MinSegment:       cfg.Segmenter.MinSegment,
		MaxSegment:       cfg.Segmenter.MaxSegment,
	}, p.logger)
	track := tracker.New(p.station.ID, cfg.Tracker, cfg.Recognition.RecordMinConfidence,
		p.mon.store, &busListener{
			bus:     p.mon.bus,
			store:   p.mon.store,
			station: p.station,
			logger:  p.logger,
		})

	pullErr := make(chan error, 1)
	go func() { pullErr <- p.pull.Run(ctx) }()

	tick := time.NewTicker(trackerTickInterval)
	defer tick.Stop()

	for {
		select {
		case chunk, ok := <-p.pull.Chunks():
			if !ok {
				// Puller is done; flush whatever is buffered, close the
				// play, and report why the stream ended.
				if tail := seg.Flush(); tail != nil {
					p.processSegment(ctx, tail, track)
				}
				if err := track.Shutdown(); err != nil {
					p.logger.Error("failed to close play on shutdown", "error", err)
				}
				return <-pullErr
			}
			for _, s := range seg.Push(chunk) {
				p.processSegment(ctx, &s, track)
			}

		case <-tick.C:
			if err := track.Tick(time.Now()); err != nil {
				p.logger.Error("tracker tick failed", "error", err)
			}
		}
	}
}

// processSegment classifies one segment and feeds the tracker.
func (p *pipeline) processSegment(ctx context.Context, s *segmenter.Segment, track *tracker.Tracker) {
	obs := tracker.Observation{StartTS: s.StartTS, EndTS: s.EndTS, WallClock: s.WallClock}

	f, err := features.Extract(s.PCM, p.mon.settings.Features.MusicThreshold)
	if err != nil {
		p.logger.Warn("feature extraction failed",
			"segment_duration", s.Duration(), "error", err)
		return
	}

	if !f.IsMusic {
		if err := track.Speech(obs); err != nil {
			p.logger.Error("tracker rejected speech input", "error", err)
		}
		return
	}

	outcome, err := p.mon.recognizer.Recognize(ctx, f, s.PCM)
	if err != nil {
		// Transient recognition trouble is an unknown, not a stop.
		p.logger.Warn("recognition failed", "error", err)
		p.feedUnknown(track, obs)
		return
	}

	switch outcome.Kind {
	case recognizer.KindLocal:
		p.feedLocal(track, obs, outcome, f)
	case recognizer.KindExternal:
		p.feedExternal(track, obs, outcome, f)
	default:
		p.feedUnknown(track, obs)
	}
}

// feedLocal turns a local index hit into a tracker input. The track row is
// loaded for its artist and label references.
func (p *pipeline) feedLocal(track *tracker.Tracker, obs tracker.Observation,
	outcome *recognizer.Outcome, f *features.Features) {

	row, err := p.mon.store.GetTrack(outcome.TrackID)
	if err != nil {
		p.logger.Error("local match references unknown track",
			"track_id", outcome.TrackID, "error", err)
		p.feedUnknown(track, obs)
		return
	}

	p.feedMusic(track, obs, tracker.Music{
		TrackID:    row.ID,
		ArtistID:   row.ArtistID,
		LabelID:    row.LabelID,
		FPHash:     f.Hash,
		Confidence: outcome.Confidence,
		Method:     datastore.MethodLocal,
	})
}

// feedExternal resolves the descriptor to a track, teaches the local index
// the new fingerprint, and feeds the tracker.
func (p *pipeline) feedExternal(track *tracker.Tracker, obs tracker.Observation,
	outcome *recognizer.Outcome, f *features.Features) {

	res, err := p.mon.registry.Resolve(outcome.Descriptor, f.Fingerprint, f.Hash)
	if err != nil {
		p.logger.Error("failed to resolve recognized track", "error", err)
		p.feedUnknown(track, obs)
		return
	}

	// Next time this recording plays anywhere, the local index answers.
	p.mon.recognizer.Learn(res.Track.ID, f.Hash, f.Fingerprint)

	p.feedMusic(track, obs, tracker.Music{
		TrackID:    res.Track.ID,
		ArtistID:   res.Track.ArtistID,
		LabelID:    res.Track.LabelID,
		FPHash:     f.Hash,
		Confidence: outcome.Descriptor.Confidence,
		Method:     outcome.Descriptor.Method,
	})
}

func (p *pipeline) feedMusic(track *tracker.Tracker, obs tracker.Observation, m tracker.Music) {
	if err := track.Music(m, obs); err != nil {
		p.logger.Error("tracker rejected music input", "track_id", m.TrackID, "error", err)
	}
}

func (p *pipeline) feedUnknown(track *tracker.Tracker, obs tracker.Observation) {
	if err := track.Unknown(obs); err != nil {
		p.logger.Error("tracker rejected unknown input", "error", err)
	}
}
