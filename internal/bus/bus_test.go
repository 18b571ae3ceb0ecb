package bus

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishReachesSubscriber(t *testing.T) {
	b := New()
	ch, cancel := b.Subscribe("u1")
	defer cancel()

	b.Publish(Event{Type: "dispatch_followup", UserID: "u1", AgentID: "a1", Success: true, Response: "done"})

	select {
	case ev := <-ch:
		assert.Equal(t, "a1", ev.AgentID)
		assert.True(t, ev.Success)
		assert.False(t, ev.PublishedAt.IsZero())
	case <-time.After(time.Second):
		t.Fatal("event not delivered")
	}
}

func TestPublishIsScopedByUser(t *testing.T) {
	b := New()
	ch, cancel := b.Subscribe("u1")
	defer cancel()

	b.Publish(Event{UserID: "u2", AgentID: "other"})
	select {
	case <-ch:
		t.Fatal("event for another user leaked")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	b := New()
	ch, cancel := b.Subscribe("u1")
	require.Equal(t, 1, b.SubscriberCount("u1"))

	cancel()
	assert.Equal(t, 0, b.SubscriberCount("u1"))
	_, open := <-ch
	assert.False(t, open)

	cancel() // second cancel is a no-op
}

func TestSlowSubscriberDropsOldest(t *testing.T) {
	b := New()
	ch, cancel := b.Subscribe("u1")
	defer cancel()

	for i := 0; i < subscriberBuffer+5; i++ {
		b.Publish(Event{UserID: "u1", AgentID: "a", MessageID: string(rune('a' + i))})
	}

	// The channel holds the newest events; publishing never blocked.
	assert.Len(t, ch, subscriberBuffer)
}
