// Package monitor is the deployment orchestrator: it admits station
// pipelines up to the configured cap, supervises and restarts them, emits
// the periodic status heartbeat, and coordinates graceful shutdown.
package monitor

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/airtrackhq/airtrack/internal/conf"
	"github.com/airtrackhq/airtrack/internal/datastore"
	"github.com/airtrackhq/airtrack/internal/errors"
	"github.com/airtrackhq/airtrack/internal/events"
	"github.com/airtrackhq/airtrack/internal/logging"
	"github.com/airtrackhq/airtrack/internal/matcher"
	"github.com/airtrackhq/airtrack/internal/puller"
	"github.com/airtrackhq/airtrack/internal/recognizer"
	"github.com/airtrackhq/airtrack/internal/registry"
)

// How many recent detections a fresh subscriber gets in initial_data.
const initialDataDetections = 50

// Monitor supervises all station pipelines.
type Monitor struct {
	settings   *conf.Settings
	store      datastore.Interface
	bus        *events.Bus
	matcher    *matcher.Matcher
	recognizer *recognizer.Recognizer
	registry   *registry.Registry
	logger     *slog.Logger

	mu        sync.Mutex
	pipelines map[uint]*pipeline

	wg sync.WaitGroup
}

// New wires the monitor. The matcher index is warmed by Run.
func New(settings *conf.Settings, store datastore.Interface, bus *events.Bus) *Monitor {
	m := matcher.New(settings.Recognition.LocalMinConfidence)
	return &Monitor{
		settings:   settings,
		store:      store,
		bus:        bus,
		matcher:    m,
		recognizer: recognizer.New(&settings.Recognition, m, store),
		registry:   registry.New(store),
		logger:     logging.ForService("monitor"),
		pipelines:  make(map[uint]*pipeline),
	}
}

// Run starts everything and blocks until the context is canceled, then
// drains the pipelines so every open play is closed and persisted.
func (m *Monitor) Run(ctx context.Context) error {
	if err := m.matcher.Warm(m.store); err != nil {
		return err
	}

	stations, err := m.store.GetActiveStations()
	if err != nil {
		return err
	}
	m.admit(ctx, stations)
	m.publishInitialData()

	ticker := time.NewTicker(m.settings.Monitor.StatusInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			m.logger.Info("shutting down, draining station pipelines")
			m.wg.Wait()
			return nil
		case <-ticker.C:
			m.publishStatus()
			m.checkHealth()
		}
	}
}

// admit starts pipelines for the given stations, up to the admission cap.
func (m *Monitor) admit(ctx context.Context, stations []datastore.Station) {
	limit := m.settings.Monitor.MaxStations
	for i := range stations {
		if limit > 0 && m.activeCount() >= limit {
			m.logger.Warn("admission cap reached, station not started",
				"station_id", stations[i].ID, "max_stations", limit)
			continue
		}
		m.startStation(ctx, stations[i])
	}
}

func (m *Monitor) activeCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pipelines)
}

// startStation launches the supervised pipeline goroutine for one station.
func (m *Monitor) startStation(ctx context.Context, station datastore.Station) {
	p := newPipeline(station, m)

	m.mu.Lock()
	m.pipelines[station.ID] = p
	m.mu.Unlock()

	if err := m.store.UpdateStationStatus(station.ID, statusActive, time.Now()); err != nil {
		m.logger.Warn("could not update station status", "station_id", station.ID, "error", err)
	}

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer func() {
			m.mu.Lock()
			delete(m.pipelines, station.ID)
			m.mu.Unlock()
		}()
		m.supervise(ctx, p)
	}()
}

// supervise restarts a failing pipeline with the restart budget: more than
// MaxRestarts exits within RestartWindow marks the station as errored.
func (m *Monitor) supervise(ctx context.Context, p *pipeline) {
	var restarts []time.Time

	for {
		err := p.run(ctx)
		if ctx.Err() != nil {
			return
		}

		if errors.Is(err, puller.ErrStreamDead) {
			m.failStation(p.station, err)
			return
		}

		now := time.Now()
		restarts = append(restarts, now)
		cutoff := now.Add(-m.settings.Monitor.RestartWindow)
		for len(restarts) > 0 && restarts[0].Before(cutoff) {
			restarts = restarts[1:]
		}
		if len(restarts) > m.settings.Monitor.MaxRestarts {
			m.failStation(p.station,
				errors.Newf("pipeline restarted %d times within %s",
					len(restarts), m.settings.Monitor.RestartWindow).
					Category(errors.CategoryStream).
					StationContext(p.station.ID, p.station.Name).
					Build())
			return
		}

		p.logger.Warn("restarting station pipeline", "error", err, "restarts", len(restarts))
	}
}

func (m *Monitor) failStation(station datastore.Station, cause error) {
	m.logger.Error("station failed", "station_id", station.ID, "error", cause)
	if err := m.store.UpdateStationStatus(station.ID, statusError, time.Now()); err != nil {
		m.logger.Warn("could not mark station as errored",
			"station_id", station.ID, "error", err)
	}
	m.bus.Publish(events.StationTopic(station.ID), events.TypeStationError,
		events.StationErrorData{
			StationID:   station.ID,
			StationName: station.Name,
			Category:    string(errors.CategoryStream),
			Error:       cause.Error(),
		})
}

// Health returns the last-chunk timestamp per active station.
func (m *Monitor) Health() map[uint]time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make(map[uint]time.Time, len(m.pipelines))
	for id, p := range m.pipelines {
		out[id] = p.lastChunk()
	}
	return out
}

// checkHealth flags stations whose stream has stopped producing chunks.
func (m *Monitor) checkHealth() {
	threshold := m.settings.Monitor.HealthStaleThreshold
	if threshold <= 0 {
		return
	}
	for id, last := range m.Health() {
		if last.IsZero() {
			continue
		}
		status := statusActive
		if time.Since(last) > threshold {
			status = statusStale
		}
		if err := m.store.UpdateStationStatus(id, status, last); err != nil {
			m.logger.Warn("could not update station health", "station_id", id, "error", err)
		}
	}
}

// publishStatus emits the periodic status_update heartbeat.
func (m *Monitor) publishStatus() {
	m.bus.Publish(events.TopicSystem, events.TypeStatusUpdate, m.statusData())
}

func (m *Monitor) statusData() events.StatusUpdateData {
	data := events.StatusUpdateData{
		ActivePullers: m.activeCount(),
		EventsDropped: m.bus.Stats().Dropped,
	}

	if n, err := m.store.CountTracks(); err == nil {
		data.TotalTracks = n
	}
	if n, err := m.store.CountDetections(); err == nil {
		data.TotalDetections = n
	}

	if percents, err := cpu.Percent(0, false); err == nil && len(percents) > 0 {
		data.CPUPercent = percents[0]
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		data.MemoryPercent = vm.UsedPercent
	}
	return data
}

// publishInitialData pushes current state onto the system topic so fresh
// subscribers can render before live events arrive.
func (m *Monitor) publishInitialData() {
	var data events.InitialData

	if stations, err := m.store.GetActiveStations(); err == nil {
		for i := range stations {
			data.Stations = append(data.Stations, events.StationSnapshot{
				StationID: stations[i].ID,
				Name:      stations[i].Name,
				Status:    stations[i].Status,
			})
		}
	}
	if dets, err := m.store.RecentDetections(initialDataDetections); err == nil {
		for i := range dets {
			data.Detections = append(data.Detections, events.DetectionSnapshot{
				StationID:    dets[i].StationID,
				TrackID:      dets[i].TrackID,
				StartedAt:    dets[i].StartedAt,
				EndedAt:      dets[i].EndedAt,
				DurationSecs: dets[i].DurationSecs,
				Method:       dets[i].Method,
			})
		}
	}

	m.bus.Publish(events.TopicSystem, events.TypeInitialData, data)
}
