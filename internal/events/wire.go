// ABOUTME: Realtime wire protocol shared by the WebSocket endpoint and its clients
// ABOUTME: Clients send Commands; the server answers with Event frames, acks included

package events

// Actions a client may send on the realtime socket.
const (
	ActionSubscribe   = "subscribe"
	ActionUnsubscribe = "unsubscribe"
)

// Ack event names sent in reply to a Command. Unsubscribes get their own
// name so a client re-subscribing to the same channel cannot mistake the
// unsubscribe ack for its subscribe ack.
const (
	SubscriptionOK    = "subscription:ok"
	SubscriptionError = "subscription:error"
	UnsubscribeOK     = "unsubscribe:ok"
)

// Command is a client-to-server realtime frame.
type Command struct {
	Action  string `json:"action"`
	Channel string `json:"channel"`
}

// AckError is the payload of a subscription:error frame.
type AckError struct {
	Error string `json:"error"`
}

// IsAck reports whether the event is a command acknowledgement rather than a
// bus event.
func (e *Event) IsAck() bool {
	switch e.Name {
	case SubscriptionOK, SubscriptionError, UnsubscribeOK:
		return true
	}
	return false
}
