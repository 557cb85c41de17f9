package events

import (
	"github.com/airtrackhq/airtrack/internal/errors"
)

// Error categories worth broadcasting to subscribers. Validation noise and
// the like stay in the logs.
var broadcastCategories = map[errors.ErrorCategory]struct{}{
	errors.CategoryStream:      {},
	errors.CategoryDecode:      {},
	errors.CategoryNetwork:     {},
	errors.CategoryTimeout:     {},
	errors.CategoryRecognition: {},
	errors.CategoryDatabase:    {},
}

// BridgeErrors registers an error hook that republishes station-scoped
// errors as station_error messages. Call once at startup, after the bus is
// up.
func BridgeErrors(bus *Bus) {
	errors.AddHook(func(ee *errors.EnhancedError) {
		if _, ok := broadcastCategories[ee.Category]; !ok {
			return
		}

		data := StationErrorData{
			Category: string(ee.Category),
			Error:    ee.Error(),
		}

		topic := TopicSystem
		if id, ok := ee.Context["station_id"].(uint); ok {
			data.StationID = id
			topic = StationTopic(id)
		}
		if name, ok := ee.Context["station_name"].(string); ok {
			data.StationName = name
		}

		bus.Publish(topic, TypeStationError, data)
	})
}
