// Package tracker maintains the per-station play state machine: which track
// is currently on air, since when, and for how long. Closing a play persists
// a Detection through the datastore's transactional recorder.
package tracker

import (
	"log/slog"
	"time"

	"github.com/airtrackhq/airtrack/internal/conf"
	"github.com/airtrackhq/airtrack/internal/datastore"
	"github.com/airtrackhq/airtrack/internal/logging"
)

// State of the per-station machine.
type State int

const (
	StateIdle State = iota
	StatePlaying
)

func (s State) String() string {
	if s == StatePlaying {
		return "playing"
	}
	return "idle"
}

// Observation carries the segment timing for one input. Timestamps are on
// the puller's monotonic timeline; WallClock is sampled once at segment
// start.
type Observation struct {
	StartTS   time.Time
	EndTS     time.Time
	WallClock time.Time
}

// Music is a recognized-music input: the segment matched a known track.
type Music struct {
	TrackID    uint
	ArtistID   uint
	LabelID    *uint
	FPHash     string
	Confidence float64
	Method     string
}

// CurrentPlay is the in-memory record of the track believed to be currently
// broadcasting on one station.
type CurrentPlay struct {
	TrackID     uint
	ArtistID    uint
	LabelID     *uint
	FPHash      string
	Method      string
	Confidence  float64
	Start       time.Time
	WallStart   time.Time
	LastConfirm time.Time
	Confirms    int
}

// Duration returns the play time accumulated so far.
func (p *CurrentPlay) Duration() time.Duration {
	return p.LastConfirm.Sub(p.Start)
}

// Listener receives play lifecycle notifications. All callbacks run on the
// station pipeline goroutine.
type Listener interface {
	PlayStarted(stationID uint, play *CurrentPlay)
	PlayClosed(stationID uint, detection *datastore.Detection, merged bool)
}

// candidate is a probationary track change: a different track has been
// observed but not yet confirmed often enough to close the current play.
type candidate struct {
	music    Music
	start    time.Time
	wall     time.Time
	end      time.Time
	confirms int
}

// Tracker is the state machine for one station. Not safe for concurrent
// use; the station pipeline drives it from a single goroutine.
type Tracker struct {
	stationID uint
	cfg       conf.TrackerSettings
	recordMin float64
	store     datastore.Interface
	listener  Listener
	logger    *slog.Logger

	state       State
	play        CurrentPlay
	unknownSpan time.Duration
	pending     *candidate
}

// New creates an idle tracker for a station. listener may be nil.
func New(stationID uint, cfg conf.TrackerSettings, recordMinConfidence float64,
	store datastore.Interface, listener Listener) *Tracker {
	return &Tracker{
		stationID: stationID,
		cfg:       cfg,
		recordMin: recordMinConfidence,
		store:     store,
		listener:  listener,
		logger:    logging.ForService("tracker").With("station_id", stationID),
	}
}

// State returns the current machine state.
func (t *Tracker) State() State { return t.state }

// Play returns a copy of the current play, valid only while playing.
func (t *Tracker) Play() CurrentPlay { return t.play }

// Music feeds a recognized-music segment into the machine.
func (t *Tracker) Music(m Music, obs Observation) error {
	if t.state == StateIdle {
		if m.Confidence < t.recordMin {
			t.logger.Debug("discarding low-confidence open",
				"track_id", m.TrackID, "confidence", m.Confidence)
			return nil
		}
		t.open(m, obs)
		return nil
	}

	if m.TrackID == t.play.TrackID {
		// Reconfirmation: accumulate the monotonic delta since the last
		// confirm, which also swallows any probation or unknown gap.
		if obs.EndTS.After(t.play.LastConfirm) {
			t.play.LastConfirm = obs.EndTS
		}
		t.play.Confirms++
		t.unknownSpan = 0
		t.pending = nil
		return nil
	}

	// A different track. One segment is not enough to declare a change;
	// hold the old play open until the newcomer confirms.
	if t.pending == nil || t.pending.music.TrackID != m.TrackID {
		t.pending = &candidate{music: m, start: obs.StartTS, wall: obs.WallClock}
	}
	t.pending.confirms++
	t.pending.end = obs.EndTS
	t.unknownSpan = 0

	if t.pending.confirms < t.cfg.ConfirmCount {
		return nil
	}

	p := t.pending
	if err := t.close("track_change"); err != nil {
		return err
	}
	if p.music.Confidence >= t.recordMin {
		t.open(p.music, Observation{StartTS: p.start, EndTS: p.end, WallClock: p.wall})
		t.play.Confirms = p.confirms
	}
	return nil
}

// Unknown feeds an unrecognized-music segment. A short run of unknowns
// inside a play is tolerated; a long one closes it.
func (t *Tracker) Unknown(obs Observation) error {
	if t.state != StatePlaying {
		return nil
	}
	t.pending = nil

	t.unknownSpan += obs.EndTS.Sub(obs.StartTS)
	if t.unknownSpan > t.cfg.GapTolerance {
		return t.close("unknown_gap")
	}

	// The track is probably still playing; one unrecognized segment is not
	// a stop.
	if obs.EndTS.After(t.play.LastConfirm) {
		t.play.LastConfirm = obs.EndTS
	}
	return nil
}

// Speech feeds a speech or silence segment, which always ends the play.
func (t *Tracker) Speech(obs Observation) error {
	if t.state != StatePlaying {
		return nil
	}
	return t.close("speech")
}

// Tick force-closes a play whose stream has gone quiet: no confirm within
// the playing timeout.
func (t *Tracker) Tick(now time.Time) error {
	if t.state != StatePlaying {
		return nil
	}
	if now.Sub(t.play.LastConfirm) > t.cfg.PlayingTimeout {
		return t.close("timeout")
	}
	return nil
}

// Shutdown closes any open play, used when the station pipeline stops.
func (t *Tracker) Shutdown() error {
	if t.state != StatePlaying {
		return nil
	}
	return t.close("shutdown")
}

func (t *Tracker) open(m Music, obs Observation) {
	t.play = CurrentPlay{
		TrackID:     m.TrackID,
		ArtistID:    m.ArtistID,
		LabelID:     m.LabelID,
		FPHash:      m.FPHash,
		Method:      m.Method,
		Confidence:  m.Confidence,
		Start:       obs.StartTS,
		WallStart:   obs.WallClock,
		LastConfirm: obs.EndTS,
		Confirms:    1,
	}
	t.state = StatePlaying
	t.unknownSpan = 0
	t.pending = nil

	t.logger.Info("play opened",
		"track_id", m.TrackID, "method", m.Method, "confidence", m.Confidence)
	if t.listener != nil {
		t.listener.PlayStarted(t.stationID, &t.play)
	}
}

// close ends the current play and records a Detection. Plays shorter than
// the minimum are dropped; a play resuming the previous detection's track
// within the merge gap extends that detection instead of writing a new one.
func (t *Tracker) close(reason string) error {
	play := t.play
	t.state = StateIdle
	t.unknownSpan = 0
	t.pending = nil

	duration := play.Duration()
	if duration < t.cfg.MinDetectionDuration {
		t.logger.Debug("dropping short play",
			"track_id", play.TrackID, "duration", duration, "reason", reason)
		return nil
	}

	prev, err := t.store.LastDetectionForStation(t.stationID)
	if err != nil {
		return err
	}
	if prev != nil && prev.TrackID == play.TrackID &&
		play.Start.Sub(prev.EndedAt) < t.cfg.MergeGap {
		if err := t.store.ExtendDetection(prev.ID, play.LastConfirm, play.ArtistID, play.LabelID); err != nil {
			return err
		}
		prev.EndedAt = play.LastConfirm
		prev.DurationSecs = prev.EndedAt.Sub(prev.StartedAt).Seconds()

		t.logger.Info("play merged into previous detection",
			"track_id", play.TrackID, "detection_id", prev.ID, "reason", reason)
		if t.listener != nil {
			t.listener.PlayClosed(t.stationID, prev, true)
		}
		return nil
	}

	detection := &datastore.Detection{
		StationID:           t.stationID,
		TrackID:             play.TrackID,
		StartedAt:           play.Start,
		EndedAt:             play.LastConfirm,
		DurationSecs:        duration.Seconds(),
		Confidence:          play.Confidence,
		Method:              play.Method,
		FingerprintSnapshot: play.FPHash,
	}
	saved, err := t.store.SaveDetection(detection, play.ArtistID, play.LabelID)
	if err != nil {
		return err
	}
	if !saved {
		// Idempotent retry of an already-recorded interval.
		return nil
	}

	t.logger.Info("detection recorded",
		"track_id", play.TrackID, "duration", duration.Round(time.Millisecond),
		"method", play.Method, "reason", reason)
	if t.listener != nil {
		t.listener.PlayClosed(t.stationID, detection, false)
	}
	return nil
}
