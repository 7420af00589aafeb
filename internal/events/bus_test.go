package events

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/branport/shrinkd/internal/media"
)

func recv(t *testing.T, ch <-chan Event) Event {
	t.Helper()
	select {
	case ev := <-ch:
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
		return Event{}
	}
}

func TestPublishSubscribe(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	ch, cancel := bus.Subscribe()
	defer cancel()

	bus.Publish(Event{Type: TypeStarted, Stage: media.StageEncode, VideoID: 42})

	ev := recv(t, ch)
	assert.Equal(t, TypeStarted, ev.Type)
	assert.Equal(t, media.StageEncode, ev.Stage)
	assert.EqualValues(t, 42, ev.VideoID)
	assert.False(t, ev.Time.IsZero())
}

func TestStageFilter(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	ch, cancel := bus.Subscribe(string(media.StageCRFSearch))
	defer cancel()

	bus.Publish(Event{Type: TypeStarted, Stage: media.StageEncode, VideoID: 1})
	bus.Publish(Event{Type: TypeStarted, Stage: media.StageCRFSearch, VideoID: 2})

	ev := recv(t, ch)
	require.EqualValues(t, 2, ev.VideoID, "filtered subscriber saw the wrong stage")
}

func TestSlowSubscriberShedsProgressKeepsLifecycle(t *testing.T) {
	bus := NewBusDepth(4)
	defer bus.Close()

	ch, cancel := bus.Subscribe()
	defer cancel()

	// Do not read yet: saturate the queue well past its depth.
	for i := 0; i < 50; i++ {
		bus.Publish(Event{Type: TypeProgress, Stage: media.StageEncode, Progress: &Progress{Percent: float64(i)}})
	}
	bus.Publish(Event{Type: TypeCompleted, Stage: media.StageEncode, VideoID: 9})

	var sawCompleted bool
	deadline := time.After(2 * time.Second)
	total := 0
loop:
	for {
		select {
		case ev := <-ch:
			total++
			if ev.Type == TypeCompleted {
				sawCompleted = true
				break loop
			}
		case <-deadline:
			break loop
		}
	}

	assert.True(t, sawCompleted, "lifecycle event was shed")
	// The subscriber queue was bounded; most progress events were dropped.
	assert.Less(t, total, 20)
}

func TestPublishNeverBlocks(t *testing.T) {
	bus := NewBusDepth(2)
	defer bus.Close()

	_, cancel := bus.Subscribe()
	defer cancel()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10_000; i++ {
			bus.Publish(Event{Type: TypeProgress, Stage: media.StageAnalysis})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("publisher blocked on a slow subscriber")
	}
}

func TestCancelStopsDelivery(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	ch, cancel := bus.Subscribe()
	cancel()

	bus.Publish(Event{Type: TypeStarted, Stage: media.StageAnalysis})

	select {
	case _, ok := <-ch:
		if ok {
			t.Fatal("received event after cancel")
		}
	case <-time.After(100 * time.Millisecond):
		// nothing delivered; fine either way
	}
}
