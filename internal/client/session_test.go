// ABOUTME: Tests for Session over an in-process MemoryBus
// ABOUTME: Covers redelivery handling, conversation switching, generation fencing and release on close

package client

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/parley-gateway/internal/dedupe"
	"github.com/2389/parley-gateway/internal/events"
	"github.com/2389/parley-gateway/internal/store"
)

type change struct {
	conversationID string
	ids            []string
}

type sessionHarness struct {
	bus      *events.MemoryBus
	sess     *Session
	changes  chan change
	seenMu   sync.Mutex
	seenReqs []string
}

func newSessionHarness(t *testing.T) *sessionHarness {
	t.Helper()
	h := &sessionHarness{
		bus:     events.NewMemoryBus(nil),
		changes: make(chan change, 32),
	}
	h.sess = NewSession(BusTransport{Bus: h.bus}, "alice", SessionOptions{
		OnChange: func(convID string, msgs []*store.Message) {
			h.changes <- change{conversationID: convID, ids: ids(msgs)}
		},
		MarkSeen: func(convID string) {
			h.seenMu.Lock()
			h.seenReqs = append(h.seenReqs, convID)
			h.seenMu.Unlock()
		},
	})
	t.Cleanup(func() {
		h.sess.Close()
		_ = h.bus.Close()
	})
	return h
}

func (h *sessionHarness) publish(t *testing.T, name string, msg *store.Message) *events.Event {
	t.Helper()
	ev, err := events.NewEvent(events.ConversationChannel(msg.ConversationID), name, msg)
	require.NoError(t, err)
	require.NoError(t, h.bus.PublishEvent(t.Context(), ev))
	return ev
}

func (h *sessionHarness) next(t *testing.T) change {
	t.Helper()
	select {
	case c := <-h.changes:
		return c
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for timeline change")
		return change{}
	}
}

func (h *sessionHarness) assertQuiet(t *testing.T) {
	t.Helper()
	select {
	case c := <-h.changes:
		t.Fatalf("unexpected change: %+v", c)
	case <-time.After(50 * time.Millisecond):
	}
}

func (h *sessionHarness) seenRequests() []string {
	h.seenMu.Lock()
	defer h.seenMu.Unlock()
	return append([]string(nil), h.seenReqs...)
}

func TestSession_LiveFold(t *testing.T) {
	h := newSessionHarness(t)
	require.NoError(t, h.sess.Open(t.Context(), "c1", []*store.Message{message("m1", "c1", "alice", "one", 0)}))
	assert.Equal(t, "c1", h.sess.ConversationID())

	h.publish(t, events.MessageNew, message("m2", "c1", "bob", "two", time.Second))
	assert.Equal(t, change{"c1", []string{"m1", "m2"}}, h.next(t))

	h.publish(t, events.MessageUpdate, message("m1", "c1", "alice", "one!", 0))
	assert.Equal(t, change{"c1", []string{"m1", "m2"}}, h.next(t))
	assert.Equal(t, "one!", *h.sess.Messages()[0].Body)

	h.publish(t, events.MessageDelete, message("m2", "c1", "bob", "two", time.Second))
	assert.Equal(t, change{"c1", []string{"m1"}}, h.next(t))

	assert.Equal(t, []string{"c1"}, h.seenRequests())
}

func TestSession_RedeliveredNewMarksSeenAgain(t *testing.T) {
	h := newSessionHarness(t)
	require.NoError(t, h.sess.Open(t.Context(), "c1", nil))

	ev := h.publish(t, events.MessageNew, message("m1", "c1", "bob", "hi", 0))
	assert.Equal(t, change{"c1", []string{"m1"}}, h.next(t))

	require.NoError(t, h.bus.PublishEvent(t.Context(), ev))
	require.Eventually(t, func() bool {
		return len(h.seenRequests()) == 2
	}, 2*time.Second, 10*time.Millisecond)
	h.assertQuiet(t)

	assert.Equal(t, []string{"m1"}, ids(h.sess.Messages()))
	assert.Equal(t, []string{"c1", "c1"}, h.seenRequests())
}

func TestSession_RedeliveredUpdateDropped(t *testing.T) {
	h := newSessionHarness(t)
	require.NoError(t, h.sess.Open(t.Context(), "c1", []*store.Message{message("m1", "c1", "alice", "one", 0)}))

	first := h.publish(t, events.MessageUpdate, message("m1", "c1", "alice", "first edit", 0))
	h.next(t)
	h.publish(t, events.MessageUpdate, message("m1", "c1", "alice", "second edit", 0))
	h.next(t)

	require.NoError(t, h.bus.PublishEvent(t.Context(), first))
	h.assertQuiet(t)

	msgs := h.sess.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, "second edit", *msgs[0].Body)
}

func TestSession_SwitchReleasesPrevious(t *testing.T) {
	h := newSessionHarness(t)
	require.NoError(t, h.sess.Open(t.Context(), "c1", nil))
	assert.Equal(t, 1, h.bus.SubscriberCount(events.ConversationChannel("c1")))

	require.NoError(t, h.sess.Open(t.Context(), "c2", nil))
	assert.Equal(t, 0, h.bus.SubscriberCount(events.ConversationChannel("c1")))
	assert.Equal(t, 1, h.bus.SubscriberCount(events.ConversationChannel("c2")))

	h.publish(t, events.MessageNew, message("x1", "c1", "bob", "old conversation", 0))
	h.publish(t, events.MessageNew, message("y1", "c2", "bob", "current", 0))

	assert.Equal(t, change{"c2", []string{"y1"}}, h.next(t))
	h.assertQuiet(t)
	assert.Equal(t, []string{"y1"}, ids(h.sess.Messages()))
}

func TestSession_StaleGenerationFenced(t *testing.T) {
	h := newSessionHarness(t)
	require.NoError(t, h.sess.Open(t.Context(), "c1", nil))

	h.sess.mu.Lock()
	staleGen := h.sess.gen
	h.sess.mu.Unlock()

	require.NoError(t, h.sess.Open(t.Context(), "c1", nil))

	// An event read by the old stream's goroutine just before the switch.
	ev, err := events.NewEvent(events.ConversationChannel("c1"), events.MessageNew, message("late", "c1", "bob", "late", 0))
	require.NoError(t, err)
	h.sess.handle(staleGen, ev)

	h.assertQuiet(t)
	assert.Empty(t, h.sess.Messages())
	assert.Empty(t, h.seenRequests())
}

func TestSession_CloseReleases(t *testing.T) {
	h := newSessionHarness(t)
	require.NoError(t, h.sess.Open(t.Context(), "c1", nil))

	h.sess.Close()
	assert.Equal(t, 0, h.bus.SubscriberCount(events.ConversationChannel("c1")))
	assert.Equal(t, "", h.sess.ConversationID())
	assert.Nil(t, h.sess.Messages())
}

func TestSession_OpenFailure(t *testing.T) {
	h := newSessionHarness(t)
	require.NoError(t, h.bus.Close())

	err := h.sess.Open(t.Context(), "c1", nil)
	assert.ErrorIs(t, err, events.ErrClosed)
	assert.Equal(t, "", h.sess.ConversationID())
}

func TestFollow_DedupesAndStops(t *testing.T) {
	bus := events.NewMemoryBus(nil)
	defer bus.Close()
	seen := dedupe.NewSeen(time.Minute, 100)
	defer seen.Close()

	ctx, cancel := context.WithCancel(t.Context())
	got := make(chan string, 8)
	done := make(chan error, 1)
	channel := events.UserChannel("alice@example.com")

	go func() {
		done <- Follow(ctx, BusTransport{Bus: bus}, channel, seen, nil, func(ev *events.Event) {
			got <- ev.ID
		})
	}()

	require.Eventually(t, func() bool { return bus.SubscriberCount(channel) == 1 }, time.Second, 5*time.Millisecond)

	ev, err := events.NewEvent(channel, events.ConversationUpdate, events.ConversationMessages{ConversationID: "c1"})
	require.NoError(t, err)
	require.NoError(t, bus.PublishEvent(t.Context(), ev))
	require.NoError(t, bus.PublishEvent(t.Context(), ev))

	select {
	case id := <-got:
		assert.Equal(t, ev.ID, id)
	case <-time.After(2 * time.Second):
		t.Fatal("event not delivered")
	}

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
	assert.Empty(t, got, "duplicate was dropped")
}
