// conf/validate.go validation of loaded settings
package conf

import (
	"fmt"
)

// ValidateSettings checks cross-field consistency of the loaded settings and
// returns a descriptive error on the first violation found.
func ValidateSettings(settings *Settings) error {
	if settings.Monitor.MaxStations <= 0 {
		return fmt.Errorf("monitor.maxstations must be positive, got %d", settings.Monitor.MaxStations)
	}

	if settings.Segmenter.SilenceThreshold < 0 || settings.Segmenter.SilenceThreshold > 1 {
		return fmt.Errorf("segmenter.silencethreshold must be in [0,1], got %f", settings.Segmenter.SilenceThreshold)
	}
	if settings.Segmenter.MinSegment <= 0 {
		return fmt.Errorf("segmenter.minsegment must be positive")
	}
	if settings.Segmenter.MaxSegment <= settings.Segmenter.MinSegment {
		return fmt.Errorf("segmenter.maxsegment (%v) must exceed minsegment (%v)",
			settings.Segmenter.MaxSegment, settings.Segmenter.MinSegment)
	}

	for _, check := range []struct {
		name  string
		value float64
	}{
		{"recognition.localminconfidence", settings.Recognition.LocalMinConfidence},
		{"recognition.externalminconfidence", settings.Recognition.ExternalMinConfidence},
		{"recognition.recordminconfidence", settings.Recognition.RecordMinConfidence},
	} {
		if check.value < 0 || check.value > 1 {
			return fmt.Errorf("%s must be in [0,1], got %f", check.name, check.value)
		}
	}

	if settings.Recognition.ServiceA.Enabled && settings.Recognition.ServiceA.RequestsPerSec <= 0 {
		return fmt.Errorf("recognition.servicea.requestspersec must be positive when the service is enabled")
	}
	if settings.Recognition.ServiceB.Enabled && settings.Recognition.ServiceB.RequestsPerSec <= 0 {
		return fmt.Errorf("recognition.serviceb.requestspersec must be positive when the service is enabled")
	}

	if settings.Tracker.MinDetectionDuration <= 0 {
		return fmt.Errorf("tracker.mindetectionduration must be positive")
	}
	if settings.Tracker.ConfirmCount < 1 {
		return fmt.Errorf("tracker.confirmcount must be at least 1")
	}

	if !settings.Output.SQLite.Enabled && !settings.Output.MySQL.Enabled {
		return fmt.Errorf("no persistent store enabled: enable output.sqlite or output.mysql")
	}
	if settings.Output.SQLite.Enabled && settings.Output.MySQL.Enabled {
		return fmt.Errorf("only one persistent store may be enabled at a time")
	}

	if settings.EventBus.BufferSize <= 0 {
		return fmt.Errorf("eventbus.buffersize must be positive")
	}

	return nil
}
