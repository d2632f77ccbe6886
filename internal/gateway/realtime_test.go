// ABOUTME: Tests for the WebSocket realtime endpoint
// ABOUTME: Connects real clients through httptest and checks authorization, acks, delivery and unsubscribe

package gateway

import (
	"context"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/parley-gateway/internal/client"
	"github.com/2389/parley-gateway/internal/events"
	"github.com/2389/parley-gateway/internal/store"
)

type realtimeFixture struct {
	*apiFixture
	server *httptest.Server
}

func newRealtimeFixture(t *testing.T) *realtimeFixture {
	t.Helper()
	f := newAPIFixture(t)
	srv := httptest.NewServer(f.gw.Handler())
	t.Cleanup(srv.Close)
	return &realtimeFixture{apiFixture: f, server: srv}
}

func (f *realtimeFixture) wsURL() string {
	return "ws" + strings.TrimPrefix(f.server.URL, "http") + "/api/realtime"
}

func (f *realtimeFixture) dial(t *testing.T, token string) *client.WSTransport {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	ws, err := client.DialWebSocket(ctx, f.wsURL(), token, testLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = ws.Close() })
	return ws
}

func (f *realtimeFixture) subscribeWS(t *testing.T, ws *client.WSTransport, channel string) (client.Stream, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return ws.Subscribe(ctx, channel)
}

func receive(t *testing.T, stream client.Stream) *events.Event {
	t.Helper()
	select {
	case ev, ok := <-stream.Events():
		require.True(t, ok, "stream closed")
		return ev
	case <-time.After(3 * time.Second):
		t.Fatal("no realtime event received")
		return nil
	}
}

func TestRealtime_RequiresAuth(t *testing.T) {
	f := newRealtimeFixture(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := client.DialWebSocket(ctx, f.wsURL(), "", testLogger())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "401")
}

func TestRealtime_TokenQueryParameter(t *testing.T) {
	f := newRealtimeFixture(t)

	conn, resp, err := websocket.DefaultDialer.Dial(f.wsURL()+"?token="+f.aliceToken, nil)
	require.NoError(t, err)
	defer conn.Close()
	defer resp.Body.Close()

	require.NoError(t, conn.WriteJSON(events.Command{
		Action:  events.ActionSubscribe,
		Channel: events.UserChannel(f.alice.Email),
	}))
	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	var ack events.Event
	require.NoError(t, conn.ReadJSON(&ack))
	assert.Equal(t, events.SubscriptionOK, ack.Name)
	assert.Equal(t, events.UserChannel(f.alice.Email), ack.Channel)
}

func TestRealtime_UnsubscribeAck(t *testing.T) {
	f := newRealtimeFixture(t)

	conn, resp, err := websocket.DefaultDialer.Dial(f.wsURL()+"?token="+f.bobToken, nil)
	require.NoError(t, err)
	defer conn.Close()
	defer resp.Body.Close()

	channel := events.ConversationChannel(f.conversation.ID)
	read := func() events.Event {
		t.Helper()
		_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
		var ev events.Event
		require.NoError(t, conn.ReadJSON(&ev))
		return ev
	}

	require.NoError(t, conn.WriteJSON(events.Command{Action: events.ActionSubscribe, Channel: channel}))
	assert.Equal(t, events.SubscriptionOK, read().Name)

	require.NoError(t, conn.WriteJSON(events.Command{Action: events.ActionUnsubscribe, Channel: channel}))
	require.NoError(t, conn.WriteJSON(events.Command{Action: events.ActionSubscribe, Channel: channel}))

	unsub := read()
	assert.Equal(t, events.UnsubscribeOK, unsub.Name)
	assert.Equal(t, channel, unsub.Channel)
	assert.Equal(t, events.SubscriptionOK, read().Name)
}

func TestRealtime_ConversationDelivery(t *testing.T) {
	f := newRealtimeFixture(t)
	ws := f.dial(t, f.bobToken)

	stream, err := f.subscribeWS(t, ws, events.ConversationChannel(f.conversation.ID))
	require.NoError(t, err)

	msg := f.send(t, f.aliceToken, "over the wire")

	ev := receive(t, stream)
	assert.Equal(t, events.MessageNew, ev.Name)
	got, err := ev.Message()
	require.NoError(t, err)
	assert.Equal(t, msg.ID, got.ID)
	assert.Equal(t, "over the wire", *got.Body)
}

func TestRealtime_PersonalChannel(t *testing.T) {
	f := newRealtimeFixture(t)
	ws := f.dial(t, f.bobToken)

	stream, err := f.subscribeWS(t, ws, events.UserChannel(f.bob.Email))
	require.NoError(t, err)

	f.send(t, f.aliceToken, "inbox ping")

	ev := receive(t, stream)
	assert.Equal(t, events.ConversationUpdate, ev.Name)
	var payload events.ConversationMessages
	require.NoError(t, ev.Decode(&payload))
	assert.Equal(t, f.conversation.ID, payload.ConversationID)
}

func TestRealtime_SubscribeRefused(t *testing.T) {
	f := newRealtimeFixture(t)
	ws := f.dial(t, f.carolToken)

	tests := []struct {
		name    string
		channel string
	}{
		{"non-member conversation", events.ConversationChannel(f.conversation.ID)},
		{"unknown conversation", events.ConversationChannel("missing")},
		{"someone else's inbox", events.UserChannel(f.alice.Email)},
		{"unknown channel family", "presence:everyone"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.subscribeWS(t, ws, tt.channel)
			require.Error(t, err)
			assert.Contains(t, err.Error(), "subscribe "+tt.channel)
		})
	}

	// The connection stays usable after refusals.
	_, err := f.subscribeWS(t, ws, events.UserChannel("carol@example.com"))
	assert.NoError(t, err)
}

func TestRealtime_DuplicateSubscribe(t *testing.T) {
	f := newRealtimeFixture(t)
	ws := f.dial(t, f.bobToken)
	channel := events.ConversationChannel(f.conversation.ID)

	first, err := f.subscribeWS(t, ws, channel)
	require.NoError(t, err)
	second, err := f.subscribeWS(t, ws, channel)
	require.NoError(t, err)

	f.send(t, f.aliceToken, "once")

	assert.Equal(t, events.MessageNew, receive(t, first).Name)
	assert.Equal(t, events.MessageNew, receive(t, second).Name)

	bus := f.gw.bus.(*events.MemoryBus)
	assert.Equal(t, 1, bus.SubscriberCount(channel), "one bus subscription per connection and channel")
}

func TestRealtime_Unsubscribe(t *testing.T) {
	f := newRealtimeFixture(t)
	ws := f.dial(t, f.bobToken)
	channel := events.ConversationChannel(f.conversation.ID)
	bus := f.gw.bus.(*events.MemoryBus)

	stream, err := f.subscribeWS(t, ws, channel)
	require.NoError(t, err)
	require.Equal(t, 1, bus.SubscriberCount(channel))

	stream.Close()

	assert.Eventually(t, func() bool {
		return bus.SubscriberCount(channel) == 0
	}, 3*time.Second, 10*time.Millisecond)
}

func TestRealtime_DisconnectReleasesSubscriptions(t *testing.T) {
	f := newRealtimeFixture(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	ws, err := client.DialWebSocket(ctx, f.wsURL(), f.bobToken, testLogger())
	require.NoError(t, err)

	channel := events.ConversationChannel(f.conversation.ID)
	bus := f.gw.bus.(*events.MemoryBus)
	_, err = ws.Subscribe(ctx, channel)
	require.NoError(t, err)

	require.NoError(t, ws.Close())

	assert.Eventually(t, func() bool {
		return bus.SubscriberCount(channel) == 0
	}, 3*time.Second, 10*time.Millisecond)
}

func TestRealtime_SessionFollowsConversation(t *testing.T) {
	f := newRealtimeFixture(t)
	ws := f.dial(t, f.bobToken)

	api := client.NewAPI(f.server.URL, f.bobToken, nil)

	var (
		mu       sync.Mutex
		snapshot []*store.Message
	)
	seenRequests := make(chan string, 4)
	session := client.NewSession(ws, f.bob.ID, client.SessionOptions{
		OnChange: func(_ string, msgs []*store.Message) {
			mu.Lock()
			snapshot = msgs
			mu.Unlock()
		},
		MarkSeen: func(conversationID string) {
			seenRequests <- conversationID
		},
		Logger: testLogger(),
	})
	t.Cleanup(session.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	history, err := api.ListMessages(ctx, f.conversation.ID)
	require.NoError(t, err)
	require.NoError(t, session.Open(ctx, f.conversation.ID, history))

	msg := f.send(t, f.aliceToken, "are you there?")

	select {
	case convID := <-seenRequests:
		assert.Equal(t, f.conversation.ID, convID)
		marked, err := api.MarkSeen(ctx, convID)
		require.NoError(t, err)
		require.Len(t, marked, 1)
		assert.Contains(t, marked[0].SeenIDs, f.bob.ID)
	case <-time.After(3 * time.Second):
		t.Fatal("session did not request seen-marking")
	}

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(snapshot) == 1 && snapshot[0].ID == msg.ID && snapshot[0].SeenBy(f.bob.ID)
	}, 3*time.Second, 10*time.Millisecond, "message:update from seen-marking reaches the timeline")
}
