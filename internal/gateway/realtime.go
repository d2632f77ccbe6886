// ABOUTME: WebSocket realtime endpoint: clients subscribe to channels and receive bus events
// ABOUTME: One writer goroutine per connection serialises acks, events and keepalive pings

package gateway

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/2389/parley-gateway/internal/auth"
	"github.com/2389/parley-gateway/internal/conversation"
	"github.com/2389/parley-gateway/internal/dedupe"
	"github.com/2389/parley-gateway/internal/events"
)

const (
	defaultWriteTimeout = 10 * time.Second
	defaultPingInterval = 30 * time.Second
	defaultDedupeTTL    = 5 * time.Minute

	sendBufferSize  = 128
	connDedupeSize  = 4096
	maxCommandBytes = 4096
)

var (
	errUnknownChannel = errors.New("unknown channel")
	errNotYourChannel = errors.New("personal channels are only available to their owner")
	errUnknownAction  = errors.New("unknown action")
)

// realtimeConn is one authenticated WebSocket client.
type realtimeConn struct {
	g        *Gateway
	ws       *websocket.Conn
	identity *auth.Identity
	logger   *slog.Logger
	seen     *dedupe.Seen

	writeTimeout time.Duration
	pingInterval time.Duration

	send chan *events.Event

	mu   sync.Mutex
	subs map[string]*events.Subscription
	wg   sync.WaitGroup
}

func durationOr(d, fallback time.Duration) time.Duration {
	if d > 0 {
		return d
	}
	return fallback
}

// handleRealtime upgrades the request and serves subscribe/unsubscribe
// commands until the client goes away.
func (g *Gateway) handleRealtime(w http.ResponseWriter, r *http.Request) {
	id := auth.FromContext(r.Context())

	ws, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written an HTTP error.
		g.logger.Debug("websocket upgrade failed", "error", err)
		return
	}

	rc := g.config.Realtime
	c := &realtimeConn{
		g:            g,
		ws:           ws,
		identity:     id,
		logger:       g.logger.With("user_id", id.UserID, "remote", r.RemoteAddr),
		seen:         dedupe.NewSeen(durationOr(rc.DedupeTTL, defaultDedupeTTL), connDedupeSize),
		writeTimeout: durationOr(rc.WriteTimeout, defaultWriteTimeout),
		pingInterval: durationOr(rc.PingInterval, defaultPingInterval),
		send:         make(chan *events.Event, sendBufferSize),
		subs:         make(map[string]*events.Subscription),
	}

	g.metrics.ConnOpened()
	defer g.metrics.ConnClosed()

	c.serve(r.Context())
}

func (c *realtimeConn) serve(parent context.Context) {
	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	c.logger.Debug("realtime connection opened")

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		c.writeLoop(ctx)
		cancel()
		// Unblocks a reader still waiting on the socket.
		_ = c.ws.Close()
	}()

	c.readLoop(ctx)
	cancel()

	c.closeSubscriptions()
	c.wg.Wait()
	<-writerDone
	c.seen.Close()

	c.logger.Debug("realtime connection closed")
}

func (c *realtimeConn) readLoop(ctx context.Context) {
	pongWait := 2 * c.pingInterval
	c.ws.SetReadLimit(maxCommandBytes)
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		var cmd events.Command
		if err := c.ws.ReadJSON(&cmd); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.Debug("realtime read failed", "error", err)
			}
			return
		}
		_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))

		switch cmd.Action {
		case events.ActionSubscribe:
			c.subscribe(ctx, cmd.Channel)
		case events.ActionUnsubscribe:
			c.unsubscribe(cmd.Channel)
			c.reply(ctx, cmd.Channel, events.UnsubscribeOK, nil)
		default:
			c.ack(ctx, cmd.Channel, errUnknownAction)
		}

		if ctx.Err() != nil {
			return
		}
	}
}

// authorizeChannel checks that id may follow channel. It guards both the
// WebSocket endpoint and the gRPC Realtime service.
func (g *Gateway) authorizeChannel(ctx context.Context, id *auth.Identity, channel string) error {
	kind, key := events.ParseChannel(channel)
	switch kind {
	case events.ChannelConversation:
		return g.conversation.CanSubscribe(ctx, id.UserID, key)
	case events.ChannelUser:
		if key != id.Email {
			return errNotYourChannel
		}
		return nil
	default:
		return errUnknownChannel
	}
}

// refusal strips lifecycle errors down to their kind so store details stay server-side.
func refusal(err error) error {
	var lerr *conversation.Error
	if errors.As(err, &lerr) {
		return errors.New(lerr.Kind.String())
	}
	return err
}

func (c *realtimeConn) subscribe(ctx context.Context, channel string) {
	if err := c.g.authorizeChannel(ctx, c.identity, channel); err != nil {
		c.logger.Debug("subscription refused", "channel", channel, "error", err)
		c.ack(ctx, channel, refusal(err))
		return
	}

	c.mu.Lock()
	_, already := c.subs[channel]
	c.mu.Unlock()
	if already {
		c.ack(ctx, channel, nil)
		return
	}

	sub, err := c.g.bus.Subscribe(ctx, channel)
	if err != nil {
		c.logger.Warn("bus subscribe failed", "channel", channel, "error", err)
		c.ack(ctx, channel, errors.New("subscription unavailable"))
		return
	}

	c.mu.Lock()
	c.subs[channel] = sub
	c.mu.Unlock()

	// The ack is queued before any forwarded event so clients see it first.
	c.ack(ctx, channel, nil)

	c.wg.Go(func() {
		for ev := range sub.C {
			if ev.ID != "" && c.seen.CheckAndMark(ev.ID) {
				continue
			}
			c.enqueue(ev)
		}
	})
}

func (c *realtimeConn) unsubscribe(channel string) {
	c.mu.Lock()
	sub, ok := c.subs[channel]
	delete(c.subs, channel)
	c.mu.Unlock()

	if ok {
		sub.Close()
	}
}

func (c *realtimeConn) closeSubscriptions() {
	c.mu.Lock()
	subs := c.subs
	c.subs = make(map[string]*events.Subscription)
	c.mu.Unlock()

	for _, sub := range subs {
		sub.Close()
	}
}

// ack queues a subscription:ok or subscription:error frame.
func (c *realtimeConn) ack(ctx context.Context, channel string, err error) {
	if err != nil {
		c.reply(ctx, channel, events.SubscriptionError, events.AckError{Error: err.Error()})
		return
	}
	c.reply(ctx, channel, events.SubscriptionOK, nil)
}

// reply queues an ack frame. Acks wait for room in the send buffer rather
// than being dropped like bus events.
func (c *realtimeConn) reply(ctx context.Context, channel, name string, payload any) {
	ev, err := events.NewEvent(channel, name, payload)
	if err != nil {
		return
	}
	select {
	case c.send <- ev:
	case <-ctx.Done():
	}
}

// enqueue hands a bus event to the writer, dropping it when the client is too slow.
func (c *realtimeConn) enqueue(ev *events.Event) {
	select {
	case c.send <- ev:
	default:
		c.logger.Warn("dropped event for slow realtime client", "channel", ev.Channel, "event_id", ev.ID)
		c.g.metrics.EventDropped(ev.Channel)
	}
}

func (c *realtimeConn) writeLoop(ctx context.Context) {
	ticker := time.NewTicker(c.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			_ = c.ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(c.writeTimeout))
			return
		case ev := <-c.send:
			if err := c.ws.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
				return
			}
			if err := c.ws.WriteJSON(ev); err != nil {
				c.logger.Debug("realtime write failed", "error", err)
				return
			}
		case <-ticker.C:
			if err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.writeTimeout)); err != nil {
				return
			}
		}
	}
}
