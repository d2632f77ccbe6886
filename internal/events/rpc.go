// ABOUTME: gRPC Realtime service wire types: method names, request frames and a JSON codec
// ABOUTME: Calls pick the codec with the "json" content-subtype; the health service keeps protobuf

package events

import (
	"encoding/json"

	"google.golang.org/grpc/encoding"

	"github.com/2389/parley-gateway/internal/store"
)

// gRPC Realtime service names.
const (
	RealtimeService       = "parley.v1.Realtime"
	RealtimeSubscribe     = "/" + RealtimeService + "/Subscribe"
	RealtimeMarkSeen      = "/" + RealtimeService + "/MarkSeen"
	RealtimeServicePrefix = "/" + RealtimeService + "/"
)

// CodecName is the content-subtype Realtime calls are made with.
const CodecName = "json"

// SubscribeRequest opens a server stream of events for Channels. The stream
// starts with one subscription:ok per channel, then carries bus events.
type SubscribeRequest struct {
	Channels []string `json:"channels"`
}

// MarkSeenRequest marks a conversation seen by the caller.
type MarkSeenRequest struct {
	ConversationID string `json:"conversationId"`
}

// MarkSeenResponse carries the conversation's messages after marking.
type MarkSeenResponse struct {
	ConversationID string           `json:"conversationId"`
	Messages       []*store.Message `json:"messages"`
}

type jsonCodec struct{}

func (jsonCodec) Marshal(v any) ([]byte, error)      { return json.Marshal(v) }
func (jsonCodec) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }
func (jsonCodec) Name() string                       { return CodecName }

func init() {
	encoding.RegisterCodec(jsonCodec{})
}
