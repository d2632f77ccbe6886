// ABOUTME: WebSocket transport multiplexing channel subscriptions over one gateway connection
// ABOUTME: Routes server frames to per-channel streams and waits for subscription acks

package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/2389/parley-gateway/internal/events"
)

const (
	wsWriteWait        = 10 * time.Second
	wsHandshakeTimeout = 10 * time.Second
	wsStreamBuffer     = 64
)

// WSTransport is a Transport over the gateway's /api/realtime endpoint.
// It is safe for concurrent use.
type WSTransport struct {
	conn   *websocket.Conn
	logger *slog.Logger

	writeMu sync.Mutex

	mu      sync.Mutex
	streams map[string]map[*wsStream]struct{}
	pending map[string][]chan error
	closed  bool
	err     error

	done chan struct{}
}

// DialWebSocket connects to url (ws:// or wss://) authenticating with a bearer token.
func DialWebSocket(ctx context.Context, url, token string, logger *slog.Logger) (*WSTransport, error) {
	if logger == nil {
		logger = slog.Default()
	}
	dialer := &websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: wsHandshakeTimeout,
	}
	header := http.Header{}
	if token != "" {
		header.Set("Authorization", "Bearer "+token)
	}

	conn, resp, err := dialer.DialContext(ctx, url, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("websocket dial failed: %s: %w", resp.Status, err)
		}
		return nil, fmt.Errorf("websocket dial failed: %w", err)
	}

	t := &WSTransport{
		conn:    conn,
		logger:  logger.With("component", "ws-transport"),
		streams: make(map[string]map[*wsStream]struct{}),
		pending: make(map[string][]chan error),
		done:    make(chan struct{}),
	}
	go t.readLoop()
	return t, nil
}

// Subscribe sends a subscribe command and waits for the server's ack.
func (t *WSTransport) Subscribe(ctx context.Context, channel string) (Stream, error) {
	stream := &wsStream{t: t, channel: channel, ch: make(chan *events.Event, wsStreamBuffer)}
	ack := make(chan error, 1)

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil, ErrTransportClosed
	}
	if t.streams[channel] == nil {
		t.streams[channel] = make(map[*wsStream]struct{})
	}
	t.streams[channel][stream] = struct{}{}
	t.pending[channel] = append(t.pending[channel], ack)
	t.mu.Unlock()

	if err := t.send(events.Command{Action: events.ActionSubscribe, Channel: channel}); err != nil {
		t.removeStream(stream, false)
		return nil, err
	}

	select {
	case err := <-ack:
		if err != nil {
			t.removeStream(stream, false)
			return nil, err
		}
		return stream, nil
	case <-ctx.Done():
		t.removeStream(stream, true)
		return nil, ctx.Err()
	case <-t.done:
		return nil, t.closeErr()
	}
}

// Done is closed when the connection ends.
func (t *WSTransport) Done() <-chan struct{} {
	return t.done
}

// Err reports why the connection ended, once Done is closed.
func (t *WSTransport) Err() error {
	return t.closeErr()
}

// Close shuts the connection and ends every stream.
func (t *WSTransport) Close() error {
	t.writeMu.Lock()
	_ = t.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(wsWriteWait))
	t.writeMu.Unlock()

	err := t.conn.Close()
	<-t.done
	return err
}

func (t *WSTransport) closeErr() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.err != nil {
		return t.err
	}
	return ErrTransportClosed
}

func (t *WSTransport) send(cmd events.Command) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	if err := t.conn.SetWriteDeadline(time.Now().Add(wsWriteWait)); err != nil {
		return err
	}
	return t.conn.WriteJSON(cmd)
}

func (t *WSTransport) readLoop() {
	var readErr error
	for {
		var ev events.Event
		if err := t.conn.ReadJSON(&ev); err != nil {
			readErr = err
			break
		}
		if ev.IsAck() {
			t.ack(&ev)
			continue
		}
		t.route(&ev)
	}

	t.mu.Lock()
	t.closed = true
	if !websocket.IsCloseError(readErr, websocket.CloseNormalClosure, websocket.CloseGoingAway) &&
		!errors.Is(readErr, net.ErrClosed) {
		t.err = readErr
	}
	for channel, set := range t.streams {
		for s := range set {
			close(s.ch)
		}
		delete(t.streams, channel)
	}
	t.pending = map[string][]chan error{}
	t.mu.Unlock()

	close(t.done)
	t.logger.Debug("connection closed", "error", readErr)
}

func (t *WSTransport) ack(ev *events.Event) {
	if ev.Name == events.UnsubscribeOK {
		return
	}
	var err error
	if ev.Name == events.SubscriptionError {
		var body events.AckError
		_ = ev.Decode(&body)
		err = fmt.Errorf("subscribe %s: %s", ev.Channel, body.Error)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	queue := t.pending[ev.Channel]
	if len(queue) == 0 {
		return
	}
	queue[0] <- err
	if len(queue) == 1 {
		delete(t.pending, ev.Channel)
	} else {
		t.pending[ev.Channel] = queue[1:]
	}
}

func (t *WSTransport) route(ev *events.Event) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for s := range t.streams[ev.Channel] {
		select {
		case s.ch <- ev:
		default:
			t.logger.Warn("dropped event for slow stream", "channel", ev.Channel, "event_id", ev.ID)
		}
	}
}

// removeStream detaches s. When it was the last stream on its channel and
// unsubscribe is set, the server is told to stop sending.
func (t *WSTransport) removeStream(s *wsStream, unsubscribe bool) {
	t.mu.Lock()
	set, ok := t.streams[s.channel]
	if !ok {
		t.mu.Unlock()
		return
	}
	if _, ok := set[s]; !ok {
		t.mu.Unlock()
		return
	}
	delete(set, s)
	close(s.ch)
	last := len(set) == 0
	if last {
		delete(t.streams, s.channel)
	}
	closed := t.closed
	t.mu.Unlock()

	if unsubscribe && last && !closed {
		if err := t.send(events.Command{Action: events.ActionUnsubscribe, Channel: s.channel}); err != nil {
			t.logger.Debug("unsubscribe failed", "channel", s.channel, "error", err)
		}
	}
}

type wsStream struct {
	t       *WSTransport
	channel string
	ch      chan *events.Event
	once    sync.Once
}

func (s *wsStream) Events() <-chan *events.Event { return s.ch }

func (s *wsStream) Close() {
	s.once.Do(func() { s.t.removeStream(s, true) })
}

var _ Transport = (*WSTransport)(nil)

