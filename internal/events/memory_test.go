// ABOUTME: Tests for MemoryBus fan-out pub/sub
// ABOUTME: Covers subscribe, publish, isolation, slow consumers, cancellation, concurrency

package events

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func receive(t *testing.T, ch <-chan *Event) *Event {
	t.Helper()
	select {
	case ev, ok := <-ch:
		require.True(t, ok, "channel closed")
		return ev
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
		return nil
	}
}

func assertClosed(t *testing.T, ch <-chan *Event) {
	t.Helper()
	select {
	case _, ok := <-ch:
		assert.False(t, ok, "channel should be closed")
	case <-time.After(time.Second):
		t.Fatal("channel not closed")
	}
}

func TestMemoryBus_SingleSubscriberReceivesEvent(t *testing.T) {
	b := NewMemoryBus(nil)
	defer b.Close()

	sub, err := b.Subscribe(t.Context(), "conversation:c1")
	require.NoError(t, err)

	require.NoError(t, b.Publish(t.Context(), "conversation:c1", MessageNew, map[string]string{"id": "m1"}))

	ev := receive(t, sub.C)
	assert.Equal(t, MessageNew, ev.Name)
	assert.Equal(t, "conversation:c1", ev.Channel)
	assert.NotEmpty(t, ev.ID)
	assert.JSONEq(t, `{"id":"m1"}`, string(ev.Data))
}

func TestMemoryBus_MultipleSubscribersReceiveSameEvent(t *testing.T) {
	b := NewMemoryBus(nil)
	defer b.Close()

	var subs []*Subscription
	for range 3 {
		sub, err := b.Subscribe(t.Context(), "conversation:c1")
		require.NoError(t, err)
		subs = append(subs, sub)
	}

	require.NoError(t, b.Publish(t.Context(), "conversation:c1", MessageUpdate, "x"))

	first := receive(t, subs[0].C)
	for _, sub := range subs[1:] {
		assert.Equal(t, first.ID, receive(t, sub.C).ID)
	}
}

func TestMemoryBus_ChannelsAreIsolated(t *testing.T) {
	b := NewMemoryBus(nil)
	defer b.Close()

	sub1, _ := b.Subscribe(t.Context(), "conversation:c1")
	sub2, _ := b.Subscribe(t.Context(), "conversation:c2")

	require.NoError(t, b.Publish(t.Context(), "conversation:c1", MessageNew, "only c1"))

	receive(t, sub1.C)
	select {
	case ev := <-sub2.C:
		t.Fatalf("c2 subscriber received %s", ev.ID)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestMemoryBus_SlowConsumerDoesNotBlockPublisher(t *testing.T) {
	var drops atomic.Int32
	b := NewMemoryBus(nil, WithBufferSize(4), WithDropHook(func(string) { drops.Add(1) }))
	defer b.Close()

	// Never read from the first subscription.
	_, _ = b.Subscribe(t.Context(), "user:a@example.com")
	fast, _ := b.Subscribe(t.Context(), "user:a@example.com")

	received := 0
	for range 20 {
		require.NoError(t, b.Publish(t.Context(), "user:a@example.com", ConversationUpdate, nil))
		select {
		case <-fast.C:
			received++
		default:
		}
	}

	assert.Equal(t, 20, received)
	assert.Equal(t, int32(16), drops.Load())
}

func TestMemoryBus_ContextCancellationCleansUp(t *testing.T) {
	b := NewMemoryBus(nil)
	defer b.Close()

	ctx, cancel := context.WithCancel(context.Background())
	sub, err := b.Subscribe(ctx, "conversation:c1")
	require.NoError(t, err)
	assert.Equal(t, 1, b.SubscriberCount("conversation:c1"))

	cancel()

	assertClosed(t, sub.C)
	assert.Equal(t, 0, b.SubscriberCount("conversation:c1"))
}

func TestMemoryBus_ManualClose(t *testing.T) {
	b := NewMemoryBus(nil)
	defer b.Close()

	sub, _ := b.Subscribe(t.Context(), "conversation:c1")
	sub.Close()
	sub.Close()

	assertClosed(t, sub.C)

	// Publishing afterwards must not panic.
	assert.NoError(t, b.Publish(t.Context(), "conversation:c1", MessageNew, nil))
}

func TestMemoryBus_CloseClosesAllSubscriptions(t *testing.T) {
	b := NewMemoryBus(nil)

	sub1, _ := b.Subscribe(t.Context(), "conversation:c1")
	sub2, _ := b.Subscribe(t.Context(), "user:b@example.com")

	require.NoError(t, b.Close())
	require.NoError(t, b.Close())

	assertClosed(t, sub1.C)
	assertClosed(t, sub2.C)

	_, err := b.Subscribe(t.Context(), "conversation:c1")
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, b.Publish(t.Context(), "conversation:c1", MessageNew, nil), ErrClosed)

	// Closing a subscription after the bus is gone is harmless.
	sub1.Close()
}

func TestMemoryBus_PublishEventKeepsID(t *testing.T) {
	b := NewMemoryBus(nil)
	defer b.Close()

	sub, _ := b.Subscribe(t.Context(), "conversation:c1")
	ev, err := NewEvent("conversation:c1", MessageDelete, map[string]int{"n": 1})
	require.NoError(t, err)

	require.NoError(t, b.PublishEvent(t.Context(), ev))
	require.NoError(t, b.PublishEvent(t.Context(), ev))

	assert.Equal(t, ev.ID, receive(t, sub.C).ID)
	assert.Equal(t, ev.ID, receive(t, sub.C).ID)
}

func TestMemoryBus_ConcurrentPublishSubscribe(t *testing.T) {
	b := NewMemoryBus(nil)
	defer b.Close()

	var wg sync.WaitGroup
	ctx := t.Context()

	for range 10 {
		wg.Go(func() {
			sub, err := b.Subscribe(ctx, "conversation:busy")
			if err != nil {
				return
			}
			defer sub.Close()
			for range 5 {
				select {
				case <-sub.C:
				case <-time.After(500 * time.Millisecond):
					return
				}
			}
		})
	}

	for range 10 {
		wg.Go(func() {
			for range 10 {
				_ = b.Publish(ctx, "conversation:busy", MessageNew, "x")
			}
		})
	}

	wg.Wait()
}

func TestMemoryBus_PublishWithoutSubscribers(t *testing.T) {
	b := NewMemoryBus(nil)
	defer b.Close()

	assert.NoError(t, b.Publish(t.Context(), "conversation:nobody", MessageNew, nil))
}

func TestMemoryBus_UnencodablePayload(t *testing.T) {
	b := NewMemoryBus(nil)
	defer b.Close()

	err := b.Publish(t.Context(), "conversation:c1", MessageNew, make(chan int))
	assert.Error(t, err)
}
