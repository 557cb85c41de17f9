// Package puller ingests one station's HTTP/ICY stream, decoding it to the
// canonical PCM format through an ffmpeg subprocess and emitting timestamped
// chunks. Reconnects are automatic with exponential backoff; a stream that
// keeps dying is declared dead so the supervisor can act.
package puller

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"math/rand/v2"
	"os/exec"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/smallnest/ringbuffer"
	"golang.org/x/time/rate"

	"github.com/airtrackhq/airtrack/internal/conf"
	"github.com/airtrackhq/airtrack/internal/datastore"
	"github.com/airtrackhq/airtrack/internal/errors"
	"github.com/airtrackhq/airtrack/internal/logging"
	"github.com/airtrackhq/airtrack/internal/pcmaudio"
)

const (
	// Decoded PCM rate of the canonical format.
	bytesPerSecond = pcmaudio.SampleRate * pcmaudio.BytesPerSample

	// One emitted chunk covers one second of audio.
	chunkBytes = bytesPerSecond

	// Read size from the decoder's stdout.
	decodeReadSize = 32768

	// How often the emitter drains the ring buffer.
	emitPollInterval = 250 * time.Millisecond

	// Ring-buffer write retries before PCM is dropped.
	ringWriteRetries   = 3
	ringWriteRetryWait = 10 * time.Millisecond

	// Tail of decoder stderr kept for error reports.
	stderrTailBytes = 2048

	// A session shorter than this counts as a failure even when the decoder
	// exited cleanly.
	healthySessionMin = 30 * time.Second
)

// ErrStreamDead marks a stream that failed too many times in a row. The
// supervisor stops restarting and flags the station.
var ErrStreamDead = errors.NewStd("stream dead: too many consecutive failures")

// Puller ingests one station's stream. Create with New, drive with Run.
type Puller struct {
	station datastore.Station
	cfg     conf.PullerSettings
	logger  *slog.Logger

	out     chan pcmaudio.Chunk
	ring    *ringbuffer.RingBuffer
	limiter *rate.Limiter

	lastChunk atomic.Int64 // unix nanos of the newest emitted chunk
	monotonic time.Time    // capture clock, advanced by sample count
	dropped   atomic.Uint64
}

// New creates a puller for the station. The downstream buffer is bounded to
// cfg.BufferSeconds of decoded PCM.
func New(station datastore.Station, cfg conf.PullerSettings) *Puller {
	bufSeconds := max(cfg.BufferSeconds, 1)
	return &Puller{
		station: station,
		cfg:     cfg,
		logger: logging.ForService("puller").
			With("station_id", station.ID, "station_name", station.Name),
		out:  make(chan pcmaudio.Chunk, 4),
		ring: ringbuffer.New(bufSeconds * bytesPerSecond),
		// The cap keeps the pipeline at real-time pace even when the source
		// serves faster than it plays.
		limiter: rate.NewLimiter(rate.Limit(bytesPerSecond), chunkBytes*2),
	}
}

// Chunks returns the output channel. Closed when Run returns.
func (p *Puller) Chunks() <-chan pcmaudio.Chunk { return p.out }

// LastChunk reports when the newest chunk was emitted, for health checks.
func (p *Puller) LastChunk() time.Time {
	n := p.lastChunk.Load()
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}

// Dropped returns how many PCM reads were lost to a full buffer.
func (p *Puller) Dropped() uint64 { return p.dropped.Load() }

// Run pulls the stream until the context is canceled or the stream is
// declared dead. It reconnects on transient errors with exponential backoff,
// resetting the backoff after a healthy session.
func (p *Puller) Run(ctx context.Context) error {
	defer close(p.out)

	backoff := p.cfg.BackoffInitial
	var failures []time.Time

	for {
		sessionStart := time.Now()
		err := p.streamOnce(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}

		sessionLen := time.Since(sessionStart)
		if sessionLen >= healthySessionMin {
			failures = failures[:0]
			backoff = p.cfg.BackoffInitial
		}

		now := time.Now()
		failures = append(failures, now)
		cutoff := now.Add(-p.cfg.FailureWindow)
		for len(failures) > 0 && failures[0].Before(cutoff) {
			failures = failures[1:]
		}
		if len(failures) > p.cfg.MaxFailures {
			p.logger.Error("stream declared dead",
				"failures", len(failures), "window", p.cfg.FailureWindow, "error", err)
			return errors.New(ErrStreamDead).
				Category(errors.CategoryStream).
				StationContext(p.station.ID, p.station.Name).
				Context("failures", len(failures)).
				Build()
		}

		delay := backoff + time.Duration(rand.Int64N(int64(backoff/4)+1))
		p.logger.Warn("stream session ended, reconnecting",
			"error", err, "session", sessionLen.Round(time.Second), "backoff", delay)

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
		backoff = min(backoff*2, p.cfg.BackoffMax)
	}
}

// streamOnce runs one decoder session: spawn ffmpeg, copy its PCM output
// through the ring buffer, emit chunks until the process exits or the
// context is canceled.
func (p *Puller) streamOnce(ctx context.Context) error {
	sctx, cancel := context.WithCancel(ctx)
	defer cancel()

	ffmpeg := p.cfg.FfmpegPath
	if ffmpeg == "" {
		ffmpeg = "ffmpeg"
	}
	args := []string{
		"-hide_banner",
		"-loglevel", "error",
		"-rw_timeout", strconv.FormatInt(p.cfg.ReadTimeout.Microseconds(), 10),
		"-i", p.station.StreamURL,
		"-vn",
		"-f", "s16le",
		"-ar", strconv.Itoa(pcmaudio.SampleRate),
		"-ac", strconv.Itoa(pcmaudio.NumChannels),
		"pipe:1",
	}

	cmd := exec.CommandContext(sctx, ffmpeg, args...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return errors.New(err).
			Category(errors.CategoryDecode).
			StationContext(p.station.ID, p.station.Name).
			Context("operation", "stdout_pipe").
			Build()
	}
	var stderrTail tailBuffer
	cmd.Stderr = &stderrTail

	if err := cmd.Start(); err != nil {
		return errors.New(err).
			Category(errors.CategoryDecode).
			StationContext(p.station.ID, p.station.Name).
			Context("operation", "start_decoder").
			Build()
	}

	p.ring.Reset()

	readErr := make(chan error, 1)
	go func() { readErr <- p.copyToRing(sctx, stdout) }()

	procDone := make(chan error, 1)
	go func() { procDone <- cmd.Wait() }()

	emitErr := p.emitChunks(sctx, procDone)

	cancel()
	<-readErr
	select {
	case <-procDone:
	case <-time.After(5 * time.Second):
		p.logger.Warn("decoder did not exit after cancel")
	}

	if emitErr != nil && ctx.Err() == nil {
		return errors.New(emitErr).
			Category(errors.CategoryStream).
			StationContext(p.station.ID, p.station.Name).
			Context("stderr", stderrTail.String()).
			Build()
	}
	return emitErr
}

// copyToRing moves decoded PCM from the decoder into the ring buffer,
// following the write-retry-then-drop policy: the live stream must never be
// blocked by a slow consumer.
func (p *Puller) copyToRing(ctx context.Context, r io.Reader) error {
	buf := make([]byte, decodeReadSize)
	droppedReads := 0

	for {
		n, err := r.Read(buf)
		if n > 0 {
			if !p.writeRing(buf[:n]) {
				droppedReads++
				if p.cfg.DecodeFailLimit > 0 && droppedReads > p.cfg.DecodeFailLimit {
					return errors.Newf("dropped %d PCM reads, restarting decoder", droppedReads).
						Category(errors.CategoryDecode).
						StationContext(p.station.ID, p.station.Name).
						Build()
				}
			}
		}
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
	}
}

func (p *Puller) writeRing(data []byte) bool {
	for retry := 0; retry < ringWriteRetries; retry++ {
		if _, err := p.ring.Write(data); err == nil {
			return true
		} else if !errors.Is(err, ringbuffer.ErrIsFull) {
			p.logger.Error("unexpected ring buffer write error", "error", err)
			return false
		}
		time.Sleep(ringWriteRetryWait)
	}
	p.dropped.Add(1)
	p.logger.Warn("PCM buffer full, dropping data", "bytes", len(data))
	return false
}

// emitChunks assembles one-second chunks from the ring buffer and sends them
// downstream with monotonic timestamps. Returns when the decoder exits or
// the context is canceled.
func (p *Puller) emitChunks(ctx context.Context, procDone <-chan error) error {
	ticker := time.NewTicker(emitPollInterval)
	defer ticker.Stop()

	var procErr error
	procExited := false

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-procDone:
			procErr = err
			procExited = true
		case <-ticker.C:
		}

		for p.ring.Length() >= chunkBytes {
			if err := p.emitOne(ctx); err != nil {
				return err
			}
		}

		if procExited {
			// Leftover PCM shorter than a chunk is discarded; the next
			// session restarts the decode pipeline cleanly.
			if procErr != nil {
				return errors.Newf("decoder exited: %v", procErr).
					Category(errors.CategoryDecode).
					StationContext(p.station.ID, p.station.Name).
					Build()
			}
			return errors.Newf("stream ended").
				Category(errors.CategoryStream).
				StationContext(p.station.ID, p.station.Name).
				Build()
		}
	}
}

func (p *Puller) emitOne(ctx context.Context) error {
	data := make([]byte, chunkBytes)
	read := 0
	for read < chunkBytes {
		n, err := p.ring.Read(data[read:])
		if err != nil {
			return err
		}
		read += n
	}

	if err := p.limiter.WaitN(ctx, chunkBytes); err != nil {
		return err
	}

	if p.monotonic.IsZero() {
		p.monotonic = time.Now()
	}
	chunk := pcmaudio.Chunk{
		Data:      data,
		Timestamp: p.monotonic,
		WallClock: time.Now(),
	}
	p.monotonic = p.monotonic.Add(chunk.Duration())

	select {
	case p.out <- chunk:
		p.lastChunk.Store(time.Now().UnixNano())
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// tailBuffer keeps the last stderrTailBytes written to it.
type tailBuffer struct {
	buf bytes.Buffer
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.buf.Write(p)
	if t.buf.Len() > stderrTailBytes {
		tail := t.buf.Bytes()[t.buf.Len()-stderrTailBytes:]
		trimmed := make([]byte, stderrTailBytes)
		copy(trimmed, tail)
		t.buf.Reset()
		t.buf.Write(trimmed)
	}
	return len(p), nil
}

func (t *tailBuffer) String() string { return t.buf.String() }
