package backbone

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ghyeongl/jobstream/event"
)

func progressEnv(topic event.Topic, seq int64) event.Envelope {
	return event.Envelope{
		Topic:     topic,
		Kind:      event.KindProgress,
		Sequence:  seq,
		EmittedAt: time.Now(),
	}
}

// collect drains up to n envelopes from the feed, giving up after a timeout.
func collect(t *testing.T, sub Subscription, n int) []event.Envelope {
	t.Helper()
	out := make([]event.Envelope, 0, n)
	deadline := time.After(time.Second)
	for len(out) < n {
		select {
		case env, ok := <-sub.Events():
			if !ok {
				return out
			}
			out = append(out, env)
		case <-deadline:
			t.Fatalf("timed out waiting for envelopes, got %d of %d", len(out), n)
		}
	}
	return out
}

func TestMemory_PublishNoSubscribers(t *testing.T) {
	bus := NewMemory()
	// Scenario: progress emitted on a topic nobody watches. Must not error.
	require.NoError(t, bus.Publish(context.Background(), "job-42", progressEnv("job-42", 0)))
}

func TestMemory_DeliversInOrder(t *testing.T) {
	bus := NewMemory()
	ctx := context.Background()

	sub, err := bus.Subscribe(ctx, "job-42")
	require.NoError(t, err)
	defer sub.Close()

	for i := int64(0); i < 5; i++ {
		require.NoError(t, bus.Publish(ctx, "job-42", progressEnv("job-42", i)))
	}

	got := collect(t, sub, 5)
	for i := 1; i < len(got); i++ {
		assert.Less(t, got[i-1].Sequence, got[i].Sequence)
	}
}

func TestMemory_TopicIsolation(t *testing.T) {
	bus := NewMemory()
	ctx := context.Background()

	subA, err := bus.Subscribe(ctx, "job-a")
	require.NoError(t, err)
	defer subA.Close()
	subB, err := bus.Subscribe(ctx, "job-b")
	require.NoError(t, err)
	defer subB.Close()

	// Flood job-a; job-b must see none of it.
	for i := int64(0); i < 100; i++ {
		require.NoError(t, bus.Publish(ctx, "job-a", progressEnv("job-a", i)))
	}
	require.NoError(t, bus.Publish(ctx, "job-b", progressEnv("job-b", 0)))

	got := collect(t, subB, 1)
	require.Len(t, got, 1)
	assert.Equal(t, event.Topic("job-b"), got[0].Topic)

	select {
	case env, ok := <-subB.Events():
		if ok {
			t.Fatalf("unexpected envelope on job-b feed: %+v", env)
		}
	case <-time.After(50 * time.Millisecond):
		// Expected: nothing else arrives.
	}
}

func TestMemory_IndependentFeeds(t *testing.T) {
	bus := NewMemory()
	ctx := context.Background()

	sub1, err := bus.Subscribe(ctx, "job-42")
	require.NoError(t, err)
	defer sub1.Close()
	sub2, err := bus.Subscribe(ctx, "job-42")
	require.NoError(t, err)
	defer sub2.Close()

	require.NoError(t, bus.Publish(ctx, "job-42", progressEnv("job-42", 0)))

	assert.Len(t, collect(t, sub1, 1), 1)
	assert.Len(t, collect(t, sub2, 1), 1)
}

func TestMemory_CloseSubscriptionStopsDelivery(t *testing.T) {
	bus := NewMemory()
	ctx := context.Background()

	sub, err := bus.Subscribe(ctx, "job-42")
	require.NoError(t, err)
	sub.Close()
	sub.Close() // idempotent

	// Feed channel must be closed.
	_, ok := <-sub.Events()
	assert.False(t, ok)

	// Publishing after close must not panic or error.
	require.NoError(t, bus.Publish(ctx, "job-42", progressEnv("job-42", 1)))
}

func TestMemory_SlowSubscriberDropsNotBlocks(t *testing.T) {
	bus := NewMemory()
	ctx := context.Background()

	sub, err := bus.Subscribe(ctx, "job-42")
	require.NoError(t, err)
	defer sub.Close()

	// Nobody reads the feed; publish far past the buffer. Must return promptly.
	done := make(chan struct{})
	go func() {
		for i := int64(0); i < int64(subscriberBuffer)*4; i++ {
			_ = bus.Publish(ctx, "job-42", progressEnv("job-42", i))
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on a slow subscriber")
	}

	// Whatever survived the drops is still in order.
	got := collect(t, sub, subscriberBuffer)
	for i := 1; i < len(got); i++ {
		assert.Less(t, got[i-1].Sequence, got[i].Sequence)
	}
}

func TestMemory_CloseBus(t *testing.T) {
	bus := NewMemory()
	ctx := context.Background()

	sub, err := bus.Subscribe(ctx, "job-42")
	require.NoError(t, err)

	bus.Close()

	_, ok := <-sub.Events()
	assert.False(t, ok, "feeds end when the bus closes")

	assert.ErrorIs(t, bus.Publish(ctx, "job-42", progressEnv("job-42", 0)), ErrClosed)
	_, err = bus.Subscribe(ctx, "job-42")
	assert.ErrorIs(t, err, ErrClosed)
}

func TestMemory_EmptyTopicRejected(t *testing.T) {
	bus := NewMemory()
	ctx := context.Background()

	assert.ErrorIs(t, bus.Publish(ctx, "", progressEnv("", 0)), event.ErrEmptyTopic)
	_, err := bus.Subscribe(ctx, "")
	assert.ErrorIs(t, err, event.ErrEmptyTopic)
}

func TestChannelName(t *testing.T) {
	assert.Equal(t, "jobstream:topic:job-42:events", channelName("job-42"))
}
