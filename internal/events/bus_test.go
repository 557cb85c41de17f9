package events

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/airtrackhq/airtrack/internal/conf"
	"github.com/airtrackhq/airtrack/internal/errors"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func testBusSettings() conf.EventBusSettings {
	return conf.EventBusSettings{BufferSize: 16, Workers: 2}
}

// recv waits for one message with a deadline so a broken bus fails fast.
func recv(t *testing.T, sub *Subscriber) Message {
	t.Helper()
	select {
	case msg, ok := <-sub.Ch():
		require.True(t, ok, "subscriber channel closed")
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for message")
		return Message{}
	}
}

func TestPublishReachesTopicSubscriber(t *testing.T) {
	bus := NewBus(testBusSettings())
	defer bus.Close()

	sub := bus.Subscribe(StationTopic(3))
	other := bus.Subscribe(StationTopic(4))

	require.True(t, bus.Publish(StationTopic(3), TypeTrackDetection,
		TrackDetectionData{StationID: 3, TrackID: 9}))

	msg := recv(t, sub)
	assert.Equal(t, TypeTrackDetection, msg.Type)
	assert.NotEmpty(t, msg.ID)
	assert.False(t, msg.Timestamp.IsZero())
	data, ok := msg.Data.(TrackDetectionData)
	require.True(t, ok)
	assert.Equal(t, uint(3), data.StationID)

	select {
	case m := <-other.Ch():
		t.Fatalf("unexpected message on other topic: %+v", m)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestEmptyTopicsReceiveEverything(t *testing.T) {
	bus := NewBus(testBusSettings())
	defer bus.Close()

	all := bus.Subscribe()
	bus.Publish(StationTopic(1), TypeTrackDetection, nil)
	bus.Publish(TopicSystem, TypeStatusUpdate, nil)

	types := map[MessageType]bool{}
	types[recv(t, all).Type] = true
	types[recv(t, all).Type] = true
	assert.True(t, types[TypeTrackDetection])
	assert.True(t, types[TypeStatusUpdate])
}

func TestSlowSubscriberDropsInsteadOfBlocking(t *testing.T) {
	bus := NewBus(conf.EventBusSettings{BufferSize: 2, Workers: 1})
	defer bus.Close()

	sub := bus.Subscribe(TopicSystem)

	// Nobody reads sub; its 2-slot buffer overflows.
	for range 20 {
		bus.Publish(TopicSystem, TypeStatusUpdate, nil)
	}

	require.Eventually(t, func() bool {
		return sub.Dropped() > 0
	}, 2*time.Second, 10*time.Millisecond)
	assert.Greater(t, bus.Stats().Dropped, uint64(0))
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	bus := NewBus(testBusSettings())
	defer bus.Close()

	sub := bus.Subscribe(TopicSystem)
	bus.Unsubscribe(sub)

	_, ok := <-sub.Ch()
	assert.False(t, ok)

	// Double unsubscribe must not panic.
	bus.Unsubscribe(sub)
}

func TestCloseRejectsFurtherPublishes(t *testing.T) {
	bus := NewBus(testBusSettings())
	sub := bus.Subscribe(TopicSystem)

	bus.Close()
	assert.False(t, bus.Publish(TopicSystem, TypeStatusUpdate, nil))

	_, ok := <-sub.Ch()
	assert.False(t, ok)

	// Close is idempotent.
	bus.Close()
}

func TestStats(t *testing.T) {
	bus := NewBus(testBusSettings())

	sub := bus.Subscribe(TopicSystem)
	bus.Publish(TopicSystem, TypeStatusUpdate, nil)
	recv(t, sub)
	bus.Close()

	stats := bus.Stats()
	assert.Equal(t, uint64(1), stats.Published)
	assert.Equal(t, uint64(1), stats.Delivered)
}

func TestErrorBridgePublishesStationErrors(t *testing.T) {
	defer errors.ClearHooks()

	bus := NewBus(testBusSettings())
	defer bus.Close()
	BridgeErrors(bus)

	sub := bus.Subscribe(StationTopic(7))

	_ = errors.Newf("stream went away").
		Category(errors.CategoryStream).
		StationContext(7, "Radio Sept").
		Build()

	msg := recv(t, sub)
	assert.Equal(t, TypeStationError, msg.Type)
	data, ok := msg.Data.(StationErrorData)
	require.True(t, ok)
	assert.Equal(t, uint(7), data.StationID)
	assert.Equal(t, "Radio Sept", data.StationName)
	assert.Equal(t, string(errors.CategoryStream), data.Category)
}

func TestErrorBridgeIgnoresQuietCategories(t *testing.T) {
	defer errors.ClearHooks()

	bus := NewBus(testBusSettings())
	defer bus.Close()
	BridgeErrors(bus)

	all := bus.Subscribe()
	_ = errors.Newf("bad value").
		Category(errors.CategoryValidation).
		Build()

	select {
	case msg := <-all.Ch():
		t.Fatalf("validation error should not be broadcast: %+v", msg)
	case <-time.After(50 * time.Millisecond):
	}
}
