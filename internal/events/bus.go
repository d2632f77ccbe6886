// ABOUTME: Event bus abstraction: channel-addressed pub/sub of named JSON events
// ABOUTME: Defines Event, Subscription, channel naming and the event names the gateway publishes

package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/2389/parley-gateway/internal/store"
)

// Event names on conversation channels.
const (
	MessageNew    = "messages:new"
	MessageUpdate = "message:update"
	MessageDelete = "message:delete"
)

// Event names on personal channels.
const (
	ConversationNew           = "conversation:new"
	ConversationUpdate        = "conversation:update"
	ConversationDeleteMessage = "conversation:deleteMessage"
	ConversationSeenUpdate    = "conversation:seenUpdate"
)

const (
	conversationPrefix = "conversation:"
	userPrefix         = "user:"
)

// DefaultBufferSize is the per-subscriber channel buffer when none is configured.
const DefaultBufferSize = 64

// ErrClosed is returned by Publish and Subscribe after the bus is closed.
var ErrClosed = errors.New("event bus closed")

// ConversationChannel is the channel carrying message events for one conversation.
func ConversationChannel(conversationID string) string {
	return conversationPrefix + conversationID
}

// UserChannel is the personal channel of the user with the given email.
func UserChannel(email string) string {
	return userPrefix + email
}

// ChannelKind distinguishes the two channel families.
type ChannelKind int

const (
	ChannelUnknown ChannelKind = iota
	ChannelConversation
	ChannelUser
)

// ParseChannel splits a channel name into its family and key.
func ParseChannel(channel string) (ChannelKind, string) {
	switch {
	case strings.HasPrefix(channel, conversationPrefix) && len(channel) > len(conversationPrefix):
		return ChannelConversation, channel[len(conversationPrefix):]
	case strings.HasPrefix(channel, userPrefix) && len(channel) > len(userPrefix):
		return ChannelUser, channel[len(userPrefix):]
	default:
		return ChannelUnknown, ""
	}
}

// Event is one published notification. ID is assigned at publish time and is
// stable across redelivery, so receivers can deduplicate on it.
type Event struct {
	ID      string          `json:"id"`
	Channel string          `json:"channel"`
	Name    string          `json:"event"`
	Data    json.RawMessage `json:"data"`
	At      time.Time       `json:"at"`
}

// NewEvent encodes payload into a fresh Event.
func NewEvent(channel, name string, payload any) (*Event, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encoding %s payload: %w", name, err)
	}
	return &Event{
		ID:      uuid.NewString(),
		Channel: channel,
		Name:    name,
		Data:    data,
		At:      time.Now().UTC(),
	}, nil
}

// Decode unmarshals the event payload into v.
func (e *Event) Decode(v any) error {
	return json.Unmarshal(e.Data, v)
}

// Message decodes a conversation-channel payload.
func (e *Event) Message() (*store.Message, error) {
	var m store.Message
	if err := e.Decode(&m); err != nil {
		return nil, fmt.Errorf("decoding %s: %w", e.Name, err)
	}
	return &m, nil
}

// ConversationMessages is the payload of conversation:update,
// conversation:deleteMessage and conversation:seenUpdate.
type ConversationMessages struct {
	ConversationID string           `json:"conversationId"`
	Messages       []*store.Message `json:"messages"`
}

// Bus delivers events to every live subscriber of a channel. Delivery is
// at-least-once and ordered per publisher; slow subscribers may miss events.
type Bus interface {
	Publish(ctx context.Context, channel, name string, payload any) error
	Subscribe(ctx context.Context, channel string) (*Subscription, error)
	Close() error
}

// Subscription is a live registration on one channel. C is closed once the
// subscription ends, either through Close or through its context.
type Subscription struct {
	ID      string
	Channel string
	C       <-chan *Event

	once    sync.Once
	release func()
}

// Close ends the subscription. Safe to call more than once.
func (s *Subscription) Close() {
	s.once.Do(s.release)
}
