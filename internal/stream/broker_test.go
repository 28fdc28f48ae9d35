package stream

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBroker_DeliversToSubscriber(t *testing.T) {
	b := NewBroker()
	ch, cancel := b.Subscribe("s1")
	defer cancel()

	b.Publish(Event{SessionID: "s1", Progress: 50})

	ev := <-ch
	assert.Equal(t, "s1", ev.SessionID)
	assert.Equal(t, 50, ev.Progress)
}

func TestBroker_ScopedToSession(t *testing.T) {
	b := NewBroker()
	ch, cancel := b.Subscribe("s1")
	defer cancel()

	b.Publish(Event{SessionID: "other", Progress: 10})

	select {
	case ev := <-ch:
		t.Fatalf("unexpected event for session %s", ev.SessionID)
	default:
	}
}

func TestBroker_PublishWithoutSubscribersDoesNotBlock(t *testing.T) {
	b := NewBroker()
	b.Publish(Event{SessionID: "s1"})
}

func TestBroker_SlowSubscriberDropsInsteadOfBlocking(t *testing.T) {
	b := NewBroker()
	ch, cancel := b.Subscribe("s1")
	defer cancel()

	// Overfill the buffer; extra events are dropped and Publish returns.
	for i := 0; i < 100; i++ {
		b.Publish(Event{SessionID: "s1", Progress: i})
	}

	var received int
	for {
		select {
		case <-ch:
			received++
			continue
		default:
		}
		break
	}
	require.Greater(t, received, 0)
	assert.LessOrEqual(t, received, 16)
}

func TestBroker_CancelClosesChannel(t *testing.T) {
	b := NewBroker()
	ch, cancel := b.Subscribe("s1")
	cancel()

	_, open := <-ch
	assert.False(t, open)

	// Publishing after cancel reaches nobody and must not panic.
	b.Publish(Event{SessionID: "s1"})

	// Double cancel is safe.
	cancel()
}

func TestBroker_MultipleSubscribers(t *testing.T) {
	b := NewBroker()
	ch1, cancel1 := b.Subscribe("s1")
	defer cancel1()
	ch2, cancel2 := b.Subscribe("s1")
	defer cancel2()

	b.Publish(Event{SessionID: "s1", Progress: 25})

	assert.Equal(t, 25, (<-ch1).Progress)
	assert.Equal(t, 25, (<-ch2).Progress)
}
