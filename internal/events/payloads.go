package events

import "time"

// TrackDetectionData is published when a play opens (Final=false, duration
// still zero) and when it closes (Final=true, duration settled).
type TrackDetectionData struct {
	StationID    uint      `json:"station_id"`
	StationName  string    `json:"station_name,omitempty"`
	TrackID      uint      `json:"track_id"`
	Title        string    `json:"title"`
	Artist       string    `json:"artist"`
	Confidence   float64   `json:"confidence"`
	Method       string    `json:"method"`
	StartedAt    time.Time `json:"started_at"`
	EndedAt      time.Time `json:"ended_at"`
	DurationSecs float64   `json:"duration_secs"`
	Final        bool      `json:"final"`
	Merged       bool      `json:"merged,omitempty"`
}

// StatusUpdateData is the periodic deployment heartbeat.
type StatusUpdateData struct {
	ActivePullers   int     `json:"active_pullers"`
	TotalTracks     int64   `json:"total_tracks"`
	TotalDetections int64   `json:"total_detections"`
	CPUPercent      float64 `json:"cpu_percent"`
	MemoryPercent   float64 `json:"memory_percent"`
	EventsDropped   uint64  `json:"events_dropped"`
}

// StationErrorData reports a puller failure or a dead stream.
type StationErrorData struct {
	StationID   uint   `json:"station_id"`
	StationName string `json:"station_name,omitempty"`
	Category    string `json:"category"`
	Error       string `json:"error"`
}

// StationSnapshot is one station's entry in the initial_data payload.
type StationSnapshot struct {
	StationID uint   `json:"station_id"`
	Name      string `json:"name"`
	Status    string `json:"status"`
}

// DetectionSnapshot is one recent detection in the initial_data payload.
type DetectionSnapshot struct {
	StationID    uint      `json:"station_id"`
	TrackID      uint      `json:"track_id"`
	StartedAt    time.Time `json:"started_at"`
	EndedAt      time.Time `json:"ended_at"`
	DurationSecs float64   `json:"duration_secs"`
	Method       string    `json:"method"`
}

// InitialData is pushed to a fresh subscriber so it can render current state
// before live messages arrive.
type InitialData struct {
	Stations   []StationSnapshot   `json:"stations"`
	Detections []DetectionSnapshot `json:"detections"`
}
