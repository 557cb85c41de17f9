// Package segmenter cuts the continuous PCM stream of one station into
// variable-length analysis segments bounded by silence, spectral change or a
// safety cap.
package segmenter

import (
	"log/slog"
	"time"

	"github.com/airtrackhq/airtrack/internal/pcmaudio"
)

// CloseReason records why a segment was closed.
type CloseReason string

const (
	CloseSilence        CloseReason = "silence"
	CloseSpectralChange CloseReason = "spectral_change"
	CloseMaxLength      CloseReason = "max_length"
	CloseFlush          CloseReason = "flush"
)

// Segment is one contiguous analysis window. Segments from one station are
// emitted in strict time order and never overlap.
type Segment struct {
	StartTS     time.Time // monotonic capture clock
	EndTS       time.Time
	WallClock   time.Time // wall clock at segment start
	PCM         []byte
	CloseReason CloseReason
}

// Duration returns the segment's play time.
func (s *Segment) Duration() time.Duration {
	return s.EndTS.Sub(s.StartTS)
}

// Config tunes segment boundaries.
type Config struct {
	SilenceThreshold float64       // normalized RMS below which a frame is silent
	SilenceHold      time.Duration // sustained silence that closes a segment
	ChangeThreshold  float64       // flux ratio vs the segment's rolling mean
	MinSegment       time.Duration // shorter accumulations are carried forward
	MaxSegment       time.Duration // safety cap
}

const (
	// Minimum number of flux observations before the spectral-change
	// heuristic may fire; early frames of a segment are too volatile to
	// compare against.
	fluxWarmupFrames = 12

	// Absolute flux below this never counts as a content change. Steady
	// signals have near-zero flux, where ratio comparisons are meaningless.
	fluxFloor = 0.5

	// Consecutive non-silent frames required after a flux spike before the
	// spectral-change cut is committed. A fade into silence spikes the flux
	// at the boundary frame too; that boundary belongs to the silence hold.
	changeConfirmFrames = 3
)

// Segmenter buffers PCM and emits segments. Not safe for concurrent use;
// each station pipeline owns exactly one instance.
type Segmenter struct {
	cfg    Config
	logger *slog.Logger

	samples   []float64 // accumulated segment samples
	processed int       // next frame start within samples

	startTS   time.Time
	wallClock time.Time
	started   bool

	silentDur time.Duration

	window    []float64
	prevMags  []float64
	fluxSum   float64
	fluxCount int

	pendingCut int // sample index of an unconfirmed spectral-change cut
	pendingAge int // non-silent frames seen since the spike
}

// New creates a segmenter for one station.
func New(cfg Config, logger *slog.Logger) *Segmenter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Segmenter{
		cfg:    cfg,
		logger: logger,
		window: pcmaudio.HannWindow(pcmaudio.FrameSize),
	}
}

// Push consumes one PCM chunk and returns zero or more completed segments.
func (s *Segmenter) Push(chunk pcmaudio.Chunk) []Segment {
	if len(chunk.Data) == 0 {
		return nil
	}

	if !s.started {
		s.startTS = chunk.Timestamp
		s.wallClock = chunk.WallClock
		s.started = true
	}

	s.samples = append(s.samples, pcmaudio.BytesToSamples(chunk.Data)...)

	var out []Segment
	for {
		seg := s.scan()
		if seg == nil {
			break
		}
		out = append(out, *seg)
	}
	return out
}

// scan advances frame analysis over the buffered samples and returns the
// next completed segment, or nil when no boundary has been reached yet.
func (s *Segmenter) scan() *Segment {
	hopDur := time.Duration(pcmaudio.FrameHop) * time.Second / pcmaudio.SampleRate

	for s.processed+pcmaudio.FrameSize <= len(s.samples) {
		frame := s.samples[s.processed : s.processed+pcmaudio.FrameSize]
		frameEnd := s.processed + pcmaudio.FrameSize
		s.processed += pcmaudio.FrameHop

		silent := pcmaudio.RMS(frame) < s.cfg.SilenceThreshold
		if silent {
			s.silentDur += hopDur
		} else {
			s.silentDur = 0
		}

		mags := pcmaudio.Magnitudes(frame, s.window)
		var flux float64
		if s.prevMags != nil {
			flux = pcmaudio.SpectralFlux(s.prevMags, mags)
		}
		s.prevMags = mags

		if s.pendingCut > 0 {
			if silent {
				// The spike was a fade-out, not new content.
				s.pendingCut = 0
				s.pendingAge = 0
			} else {
				s.pendingAge++
				if s.pendingAge >= changeConfirmFrames {
					return s.close(s.pendingCut, CloseSpectralChange)
				}
			}
		}

		segDur := sampleDuration(frameEnd)

		switch {
		case s.silentDur >= s.cfg.SilenceHold && segDur >= s.cfg.MinSegment:
			return s.close(frameEnd, CloseSilence)

		case s.pendingCut == 0 && !silent &&
			s.fluxCount >= fluxWarmupFrames && flux > fluxFloor &&
			flux > s.cfg.ChangeThreshold*(s.fluxSum/float64(s.fluxCount)) &&
			segDur >= s.cfg.MinSegment:
			s.pendingCut = frameEnd
			s.pendingAge = 0

		case segDur >= s.cfg.MaxSegment:
			return s.close(frameEnd, CloseMaxLength)
		}

		if s.prevMags != nil && flux > 0 {
			s.fluxSum += flux
			s.fluxCount++
		}
	}

	return nil
}

// close emits the buffered samples up to cutSamples as a segment and rolls
// the remainder into the next one.
func (s *Segmenter) close(cutSamples int, reason CloseReason) *Segment {
	cut := min(cutSamples, len(s.samples))
	dur := sampleDuration(cut)

	seg := &Segment{
		StartTS:     s.startTS,
		EndTS:       s.startTS.Add(dur),
		WallClock:   s.wallClock,
		PCM:         pcmaudio.SamplesToBytes(s.samples[:cut]),
		CloseReason: reason,
	}

	remainder := s.samples[cut:]
	s.samples = append([]float64(nil), remainder...)
	s.processed = 0
	s.startTS = seg.EndTS
	s.wallClock = s.wallClock.Add(dur)
	s.silentDur = 0
	s.prevMags = nil
	s.fluxSum = 0
	s.fluxCount = 0
	s.pendingCut = 0
	s.pendingAge = 0

	return seg
}

// Flush emits whatever is buffered, used when the stream ends or the
// pipeline is cancelled. Accumulations shorter than MinSegment are dropped.
func (s *Segmenter) Flush() *Segment {
	if !s.started || sampleDuration(len(s.samples)) < s.cfg.MinSegment {
		s.samples = nil
		s.processed = 0
		s.started = false
		return nil
	}
	seg := s.close(len(s.samples), CloseFlush)
	s.started = false
	return seg
}

func sampleDuration(n int) time.Duration {
	return time.Duration(n) * time.Second / pcmaudio.SampleRate
}
