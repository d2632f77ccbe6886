// ABOUTME: Transport over the gateway's gRPC Realtime service, one server stream per subscription
// ABOUTME: Carries the bearer token as per-RPC credentials and also exposes the unary MarkSeen call

package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"

	"github.com/2389/parley-gateway/internal/events"
	"github.com/2389/parley-gateway/internal/store"
)

const grpcStreamBuffer = 64

var subscribeStreamDesc = grpc.StreamDesc{
	StreamName:    "Subscribe",
	ServerStreams: true,
}

// bearerToken sends a user JWT with every call.
type bearerToken string

func (t bearerToken) GetRequestMetadata(context.Context, ...string) (map[string]string, error) {
	return map[string]string{"authorization": "Bearer " + string(t)}, nil
}

// RequireTransportSecurity is false so plaintext tailnet and loopback
// listeners work.
func (bearerToken) RequireTransportSecurity() bool { return false }

// GRPCTransport receives channel events over gRPC. Done is closed when a
// stream fails for any reason other than being closed by its owner.
type GRPCTransport struct {
	conn   *grpc.ClientConn
	logger *slog.Logger

	once sync.Once
	done chan struct{}
	mu   sync.Mutex
	err  error
}

// DialGRPC connects to the gateway's gRPC address. An empty token makes
// unauthenticated calls, which the gateway rejects.
func DialGRPC(addr, token string, logger *slog.Logger, opts ...grpc.DialOption) (*GRPCTransport, error) {
	if logger == nil {
		logger = slog.Default()
	}
	dialOpts := []grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(events.CodecName)),
	}
	if token != "" {
		dialOpts = append(dialOpts, grpc.WithPerRPCCredentials(bearerToken(token)))
	}
	conn, err := grpc.NewClient(addr, append(dialOpts, opts...)...)
	if err != nil {
		return nil, fmt.Errorf("dialing %s: %w", addr, err)
	}
	return &GRPCTransport{
		conn:   conn,
		logger: logger.With("component", "grpc_transport"),
		done:   make(chan struct{}),
	}, nil
}

// Subscribe opens a server stream for channel and waits for its ack.
func (t *GRPCTransport) Subscribe(ctx context.Context, channel string) (Stream, error) {
	sctx, cancel := context.WithCancel(ctx)
	cs, err := t.conn.NewStream(sctx, &subscribeStreamDesc, events.RealtimeSubscribe)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("subscribe %s: %w", channel, err)
	}
	// A send failure surfaces as the status returned by RecvMsg.
	if err := cs.SendMsg(&events.SubscribeRequest{Channels: []string{channel}}); err != nil && !errors.Is(err, io.EOF) {
		cancel()
		return nil, fmt.Errorf("subscribe %s: %w", channel, err)
	}
	_ = cs.CloseSend()

	var ack events.Event
	if err := cs.RecvMsg(&ack); err != nil {
		cancel()
		return nil, fmt.Errorf("subscribe %s: %w", channel, err)
	}
	if ack.Name != events.SubscriptionOK {
		cancel()
		return nil, fmt.Errorf("subscribe %s: unexpected %q frame", channel, ack.Name)
	}

	s := &grpcStream{cancel: cancel, ch: make(chan *events.Event, grpcStreamBuffer)}
	go t.recv(sctx, cs, channel, s.ch)
	return s, nil
}

func (t *GRPCTransport) recv(ctx context.Context, cs grpc.ClientStream, channel string, ch chan<- *events.Event) {
	defer close(ch)
	for {
		ev := new(events.Event)
		if err := cs.RecvMsg(ev); err != nil {
			if ctx.Err() == nil && status.Code(err) != codes.Canceled {
				t.fail(fmt.Errorf("stream %s: %w", channel, err))
			}
			return
		}
		select {
		case ch <- ev:
		case <-ctx.Done():
			return
		}
	}
}

func (t *GRPCTransport) fail(err error) {
	t.once.Do(func() {
		t.mu.Lock()
		t.err = err
		t.mu.Unlock()
		t.logger.Debug("realtime stream failed", "error", err)
		close(t.done)
	})
}

// MarkSeen marks conversationID seen by the token's user.
func (t *GRPCTransport) MarkSeen(ctx context.Context, conversationID string) ([]*store.Message, error) {
	var resp events.MarkSeenResponse
	if err := t.conn.Invoke(ctx, events.RealtimeMarkSeen, &events.MarkSeenRequest{ConversationID: conversationID}, &resp); err != nil {
		return nil, err
	}
	return resp.Messages, nil
}

// Done is closed once a stream fails.
func (t *GRPCTransport) Done() <-chan struct{} { return t.done }

// Err reports why Done was closed.
func (t *GRPCTransport) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}

// Close tears down the connection and every stream on it.
func (t *GRPCTransport) Close() error {
	return t.conn.Close()
}

type grpcStream struct {
	cancel context.CancelFunc
	ch     chan *events.Event
}

func (s *grpcStream) Events() <-chan *events.Event { return s.ch }
func (s *grpcStream) Close()                       { s.cancel() }
