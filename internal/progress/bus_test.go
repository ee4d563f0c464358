package progress

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func startBus(t *testing.T) *Bus {
	t.Helper()
	b := New()
	stop := make(chan struct{})
	go b.Run(stop)
	t.Cleanup(func() { close(stop) })
	return b
}

func TestPublishDeliversToSubscriber(t *testing.T) {
	b := startBus(t)
	sub := b.Subscribe("sess-1")

	b.Publish(&Event{Type: EventLog, SessionID: "sess-1", Message: "starting"})

	select {
	case ev := <-sub.Events():
		require.Equal(t, EventLog, ev.Type)
		require.Equal(t, "starting", ev.Message)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestPublishDoesNotCrossSessionBoundaries(t *testing.T) {
	b := startBus(t)
	subA := b.Subscribe("sess-a")
	_ = b.Subscribe("sess-b")

	b.Publish(&Event{Type: EventLog, SessionID: "sess-b", Message: "for b only"})

	select {
	case <-subA.Events():
		t.Fatal("session a should not have received session b's event")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	b := startBus(t)
	sub := b.Subscribe("sess-1")
	b.Unsubscribe(sub)

	// give the Run loop a moment to process the unregister
	time.Sleep(50 * time.Millisecond)

	_, ok := <-sub.Events()
	require.False(t, ok)
}

func TestSlowSubscriberDropsRatherThanBlocks(t *testing.T) {
	b := startBus(t)
	dropped := 0
	b.OnDrop(func(sessionID string, eventType EventType) { dropped++ })

	sub := b.Subscribe("sess-1")
	for i := 0; i < subscriberBufferSize+10; i++ {
		b.Publish(&Event{Type: EventProgress, SessionID: "sess-1", Percent: i})
	}

	time.Sleep(100 * time.Millisecond)
	require.Greater(t, dropped, 0)
	require.NotEmpty(t, sub.Events())
}

func TestSubscriberCount(t *testing.T) {
	b := startBus(t)
	require.Equal(t, 0, b.SubscriberCount("sess-1"))
	b.Subscribe("sess-1")
	b.Subscribe("sess-1")
	time.Sleep(20 * time.Millisecond)
	require.Equal(t, 2, b.SubscriberCount("sess-1"))
}
