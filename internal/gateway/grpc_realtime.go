// ABOUTME: gRPC Realtime service: a server stream of bus events and a unary MarkSeen
// ABOUTME: Callers are authenticated by the auth interceptors and authorized per channel like WebSocket clients

package gateway

import (
	"context"
	"errors"
	"sync"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/2389/parley-gateway/internal/auth"
	"github.com/2389/parley-gateway/internal/conversation"
	"github.com/2389/parley-gateway/internal/dedupe"
	"github.com/2389/parley-gateway/internal/events"
)

// maxStreamChannels bounds the channels one Subscribe call may follow.
const maxStreamChannels = 32

type realtimeServer interface {
	Subscribe(req *events.SubscribeRequest, stream grpc.ServerStream) error
	MarkSeen(ctx context.Context, req *events.MarkSeenRequest) (*events.MarkSeenResponse, error)
}

// grpcRealtime serves parley.v1.Realtime for a Gateway.
type grpcRealtime struct {
	g *Gateway
}

var realtimeServiceDesc = grpc.ServiceDesc{
	ServiceName: events.RealtimeService,
	HandlerType: (*realtimeServer)(nil),
	Methods: []grpc.MethodDesc{{
		MethodName: "MarkSeen",
		Handler:    markSeenHandler,
	}},
	Streams: []grpc.StreamDesc{{
		StreamName:    "Subscribe",
		Handler:       subscribeHandler,
		ServerStreams: true,
	}},
	Metadata: "parley/realtime",
}

func subscribeHandler(srv any, stream grpc.ServerStream) error {
	req := new(events.SubscribeRequest)
	if err := stream.RecvMsg(req); err != nil {
		return err
	}
	return srv.(realtimeServer).Subscribe(req, stream)
}

func markSeenHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	req := new(events.MarkSeenRequest)
	if err := dec(req); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(realtimeServer).MarkSeen(ctx, req)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: events.RealtimeMarkSeen}
	return interceptor(ctx, req, info, func(ctx context.Context, req any) (any, error) {
		return srv.(realtimeServer).MarkSeen(ctx, req.(*events.MarkSeenRequest))
	})
}

// grpcStatus maps lifecycle and channel errors onto gRPC codes. Store
// details stay server-side.
func grpcStatus(err error) error {
	switch conversation.KindOf(err) {
	case conversation.KindNotFound:
		return status.Error(codes.NotFound, refusal(err).Error())
	case conversation.KindForbidden:
		return status.Error(codes.PermissionDenied, refusal(err).Error())
	case conversation.KindInvalid:
		return status.Error(codes.InvalidArgument, refusal(err).Error())
	case conversation.KindUnauthenticated:
		return status.Error(codes.Unauthenticated, refusal(err).Error())
	}
	if errors.Is(err, errNotYourChannel) {
		return status.Error(codes.PermissionDenied, err.Error())
	}
	if errors.Is(err, errUnknownChannel) {
		return status.Error(codes.InvalidArgument, err.Error())
	}
	return status.Error(codes.Internal, "internal error")
}

// Subscribe streams events from every requested channel until the caller
// goes away. Every channel is authorized before anything is sent.
func (r grpcRealtime) Subscribe(req *events.SubscribeRequest, stream grpc.ServerStream) error {
	ctx := stream.Context()
	id := auth.FromContext(ctx)
	if id == nil {
		return status.Error(codes.Unauthenticated, "unauthenticated")
	}
	if len(req.Channels) == 0 || len(req.Channels) > maxStreamChannels {
		return status.Errorf(codes.InvalidArgument, "between 1 and %d channels required", maxStreamChannels)
	}

	for _, channel := range req.Channels {
		if err := r.g.authorizeChannel(ctx, id, channel); err != nil {
			return grpcStatus(err)
		}
	}

	logger := r.g.logger.With("user_id", id.UserID, "transport", "grpc")
	seen := dedupe.NewSeen(durationOr(r.g.config.Realtime.DedupeTTL, defaultDedupeTTL), connDedupeSize)
	out := make(chan *events.Event, sendBufferSize)
	stop := make(chan struct{})
	subs := make(map[string]*events.Subscription, len(req.Channels))
	var wg sync.WaitGroup
	defer func() {
		close(stop)
		for _, sub := range subs {
			sub.Close()
		}
		wg.Wait()
		seen.Close()
	}()

	for _, channel := range req.Channels {
		if _, dup := subs[channel]; dup {
			continue
		}
		sub, err := r.g.bus.Subscribe(ctx, channel)
		if err != nil {
			logger.Warn("bus subscribe failed", "channel", channel, "error", err)
			return status.Error(codes.Unavailable, "subscription unavailable")
		}
		subs[channel] = sub
	}

	// Acks go out before any event is forwarded.
	for channel := range subs {
		ack, err := events.NewEvent(channel, events.SubscriptionOK, nil)
		if err != nil {
			return status.Error(codes.Internal, "internal error")
		}
		if err := stream.SendMsg(ack); err != nil {
			return err
		}
	}

	for _, sub := range subs {
		wg.Go(func() {
			for ev := range sub.C {
				select {
				case out <- ev:
				case <-stop:
					return
				}
			}
		})
	}

	r.g.metrics.ConnOpened()
	defer r.g.metrics.ConnClosed()
	logger.Debug("grpc realtime stream opened", "channels", len(subs))

	for {
		select {
		case <-ctx.Done():
			logger.Debug("grpc realtime stream closed")
			return nil
		case ev := <-out:
			if ev.ID != "" && seen.CheckAndMark(ev.ID) {
				continue
			}
			if err := stream.SendMsg(ev); err != nil {
				return err
			}
		}
	}
}

// MarkSeen marks the conversation seen by the caller.
func (r grpcRealtime) MarkSeen(ctx context.Context, req *events.MarkSeenRequest) (*events.MarkSeenResponse, error) {
	id := auth.FromContext(ctx)
	if id == nil {
		return nil, status.Error(codes.Unauthenticated, "unauthenticated")
	}
	if req.ConversationID == "" {
		return nil, status.Error(codes.InvalidArgument, "conversationId is required")
	}
	msgs, err := r.g.conversation.MarkSeen(ctx, id.UserID, req.ConversationID)
	if err != nil {
		return nil, grpcStatus(err)
	}
	return &events.MarkSeenResponse{ConversationID: req.ConversationID, Messages: msgs}, nil
}
