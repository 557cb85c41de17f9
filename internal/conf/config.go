// config.go: settings struct and functions to load and access the
// application configuration.
package conf

import (
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/spf13/viper"
)

//go:embed config.yaml
var configFiles embed.FS

// LogConfig contains settings for log files.
type LogConfig struct {
	Enabled    bool   // true to enable this log
	Path       string // path to log file
	MaxSize    int    // max log file size in MB before rotation
	MaxBackups int    // number of rotated log files to keep
	MaxAge     int    // days to keep rotated log files
}

// MainSettings contains top level application settings.
type MainSettings struct {
	Name string    // name of this monitoring node
	Log  LogConfig // main log settings
}

// MonitorSettings controls the station supervisor and orchestrator.
type MonitorSettings struct {
	MaxStations          int           // admission cap on concurrent station pipelines
	StatusInterval       time.Duration // period of status_update broadcasts
	MaxRestarts          int           // restarts allowed per restart window before a station is marked error
	RestartWindow        time.Duration // window for MaxRestarts
	HealthStaleThreshold time.Duration // last-chunk age before a station is considered stale
}

// PullerSettings tunes stream ingestion and decoding.
type PullerSettings struct {
	FfmpegPath      string        // path to ffmpeg binary, empty to search PATH
	ReadTimeout     time.Duration // network read deadline on the stream connection
	BufferSeconds   int           // max seconds of decoded PCM buffered downstream
	BackoffInitial  time.Duration // initial reconnect backoff on transient errors
	BackoffMax      time.Duration // reconnect backoff cap
	FailureWindow   time.Duration // window for consecutive failure counting
	MaxFailures     int           // consecutive failures within FailureWindow before StreamDead
	DecodeFailLimit int           // dropped chunks before the puller restarts the decoder
}

// SegmenterSettings tunes analysis segment boundaries.
type SegmenterSettings struct {
	SilenceThreshold float64       // normalized RMS below which audio counts as silence
	SilenceHold      time.Duration // sustained silence required to close a segment
	ChangeThreshold  float64       // spectral flux ratio vs rolling mean that closes a segment
	MinSegment       time.Duration // segments shorter than this are carried forward
	MaxSegment       time.Duration // safety cap on segment length
}

// FeatureSettings tunes the music/speech discriminator.
type FeatureSettings struct {
	MusicThreshold float64 // discriminator score above which a segment is music
}

// ServiceSettings configures one external recognition service.
type ServiceSettings struct {
	Enabled        bool          // true to enable this service
	BaseURL        string        // service endpoint
	APIKey         string        // API key, also settable via environment
	RequestsPerSec float64       // token bucket refill rate
	Burst          int           // token bucket size
	Timeout        time.Duration // per-request timeout
	MaxRetries     int           // retries on idempotent network errors
	MaxClipBytes   int           // upload size cap (service B)
}

// RecognitionSettings groups matching thresholds and external services.
type RecognitionSettings struct {
	LocalMinConfidence    float64       // local index match floor
	ExternalMinConfidence float64       // external candidate floor
	RecordMinConfidence   float64       // floor for opening a play
	NegativeCacheTTL      time.Duration // how long a no-match fingerprint is remembered
	ServiceA              ServiceSettings
	ServiceB              ServiceSettings
}

// TrackerSettings tunes the per-station play tracker.
type TrackerSettings struct {
	MinDetectionDuration time.Duration // detections shorter than this are dropped
	MergeGap             time.Duration // same-track detections closer than this are merged
	GapTolerance         time.Duration // unrecognized-music span tolerated inside one play
	PlayingTimeout       time.Duration // silence on the wire before a play is force-closed
	ConfirmCount         int           // confirming segments required before a track change
}

// SQLiteSettings contains SQLite database settings.
type SQLiteSettings struct {
	Enabled bool   // true to enable SQLite
	Path    string // path to database file
}

// MySQLSettings contains MySQL database settings.
type MySQLSettings struct {
	Enabled  bool   // true to enable MySQL
	Username string // MySQL username
	Password string // MySQL password
	Database string // MySQL database name
	Host     string // MySQL host
	Port     string // MySQL port
}

// OutputSettings contains settings for the persistent store.
type OutputSettings struct {
	SQLite SQLiteSettings
	MySQL  MySQLSettings
}

// MQTTSettings configures the optional MQTT detection publisher.
type MQTTSettings struct {
	Enabled  bool   // true to republish detections to MQTT
	Broker   string // broker URL, e.g. tcp://localhost:1883
	Topic    string // topic prefix for detection messages
	Username string
	Password string
}

// EventBusSettings configures subscriber fan-out.
type EventBusSettings struct {
	BufferSize int // per-subscriber buffered messages before drops
	Workers    int // bus worker goroutines
}

// Settings is the root configuration structure.
type Settings struct {
	Debug bool // true to enable debug log output

	Main        MainSettings
	Monitor     MonitorSettings
	Puller      PullerSettings
	Segmenter   SegmenterSettings
	Features    FeatureSettings
	Recognition RecognitionSettings
	Tracker     TrackerSettings
	Output      OutputSettings
	MQTT        MQTTSettings
	EventBus    EventBusSettings
}

var (
	settingsInstance *Settings
	settingsMutex    sync.RWMutex
	settingsOnce     sync.Once
)

// Setting returns the global settings instance, loading it on first use.
func Setting() *Settings {
	settingsOnce.Do(func() {
		settingsMutex.Lock()
		defer settingsMutex.Unlock()
		if settingsInstance == nil {
			settings, err := Load()
			if err != nil {
				log.Fatalf("error loading settings: %v", err)
			}
			settingsInstance = settings
		}
	})
	settingsMutex.RLock()
	defer settingsMutex.RUnlock()
	return settingsInstance
}

// SetTestSettings replaces the global settings instance. Intended for tests.
func SetTestSettings(settings *Settings) {
	settingsOnce.Do(func() {})
	settingsMutex.Lock()
	defer settingsMutex.Unlock()
	settingsInstance = settings
}

// Load reads the configuration file and returns the populated settings.
func Load() (*Settings, error) {
	setDefaultConfig()

	if err := initViper(); err != nil {
		return nil, fmt.Errorf("error initializing viper: %w", err)
	}

	settings := &Settings{}
	if err := viper.Unmarshal(settings); err != nil {
		return nil, fmt.Errorf("error unmarshaling config into struct: %w", err)
	}

	if err := ValidateSettings(settings); err != nil {
		return nil, err
	}

	return settings, nil
}

// initViper sets the search paths, reads the config file and creates a
// default one from the embedded template when none exists.
func initViper() error {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")

	viper.SetEnvPrefix("AIRTRACK")
	viper.AutomaticEnv()

	configPaths, err := GetDefaultConfigPaths()
	if err != nil {
		return fmt.Errorf("error getting default config paths: %w", err)
	}
	for _, path := range configPaths {
		viper.AddConfigPath(path)
	}

	if err := viper.ReadInConfig(); err != nil {
		var configFileNotFoundError viper.ConfigFileNotFoundError
		if !errors.As(err, &configFileNotFoundError) {
			return fmt.Errorf("error reading config file: %w", err)
		}
		return createDefaultConfig(configPaths[0])
	}

	return nil
}

// createDefaultConfig writes the embedded default config template and
// re-reads it through viper.
func createDefaultConfig(configDir string) error {
	configPath := filepath.Join(configDir, "config.yaml")

	if err := os.MkdirAll(configDir, 0o755); err != nil {
		return fmt.Errorf("error creating directories for config file: %w", err)
	}

	defaultConfig, err := fs.ReadFile(configFiles, "config.yaml")
	if err != nil {
		return fmt.Errorf("error reading embedded default config: %w", err)
	}

	if err := os.WriteFile(configPath, defaultConfig, 0o644); err != nil {
		return fmt.Errorf("error writing default config file: %w", err)
	}

	log.Printf("created default config file at %s", configPath)
	return viper.ReadInConfig()
}

// GetDefaultConfigPaths returns the list of directories searched for the
// configuration file, in priority order.
func GetDefaultConfigPaths() ([]string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("error fetching user home directory: %w", err)
	}

	paths := []string{
		filepath.Join(homeDir, ".config", "airtrack"),
		".",
	}
	return paths, nil
}
