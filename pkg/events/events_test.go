package events

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSubscribeReceivesPublishedEvent(t *testing.T) {
	b := NewBroker()
	b.Start()
	defer b.Stop()

	sub := b.Subscribe()
	defer b.Unsubscribe(sub)

	b.Publish(&Event{Type: EventBuildEnqueued, BuildID: "b1"})

	select {
	case got := <-sub:
		assert.Equal(t, EventBuildEnqueued, got.Type)
		assert.Equal(t, "b1", got.BuildID)
		assert.False(t, got.Timestamp.IsZero())
	case <-time.After(time.Second):
		t.Fatal("expected event was not delivered")
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	b := NewBroker()
	b.Start()
	defer b.Stop()

	sub := b.Subscribe()
	require.Equal(t, 1, b.SubscriberCount())
	b.Unsubscribe(sub)
	assert.Equal(t, 0, b.SubscriberCount())
}

func TestSlowSubscriberDoesNotBlockBroadcast(t *testing.T) {
	b := NewBroker()
	b.Start()
	defer b.Stop()

	slow := b.Subscribe()
	defer b.Unsubscribe(slow)

	for i := 0; i < 100; i++ {
		b.Publish(&Event{Type: EventBuildAssigned, BuildID: "flood"})
	}

	// Broker must not deadlock even though slow's buffer (50) is smaller
	// than the number of published events; excess sends are dropped.
	// Wait for the flood to leave the broker's queue so it is not
	// broadcast to fast as well.
	require.Eventually(t, func() bool { return len(b.eventCh) == 0 }, time.Second, time.Millisecond)
	fast := b.Subscribe()
	defer b.Unsubscribe(fast)
	b.Publish(&Event{Type: EventBuildCompleted, BuildID: "last"})

	timeout := time.After(time.Second)
	for {
		select {
		case got := <-fast:
			if got.BuildID == "flood" {
				// the one flood event run() had already dequeued when fast subscribed
				continue
			}
			assert.Equal(t, "last", got.BuildID)
			return
		case <-timeout:
			t.Fatal("broadcast appears to have blocked")
		}
	}
}
