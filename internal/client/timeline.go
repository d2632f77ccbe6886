// ABOUTME: Timeline folds conversation-channel events into an ordered message list
// ABOUTME: Apply is idempotent per event kind so redelivered events never duplicate state

package client

import (
	"fmt"
	"slices"

	"github.com/2389/parley-gateway/internal/events"
	"github.com/2389/parley-gateway/internal/store"
)

// Result describes what applying one event did to a view.
type Result struct {
	// Changed is set whenever the message list was mutated.
	Changed bool
	// SeenNeeded asks the owner to mark the conversation seen. It is raised
	// for every messages:new from someone other than the viewer, duplicates
	// included.
	SeenNeeded bool
}

// Timeline is the client-side view of one conversation's messages, oldest
// first. It is not safe for concurrent use; Session serialises access.
type Timeline struct {
	conversationID string
	viewerID       string
	messages       []*store.Message
}

// NewTimeline seeds a timeline with the messages fetched at open time.
func NewTimeline(conversationID, viewerID string, initial []*store.Message) *Timeline {
	t := &Timeline{
		conversationID: conversationID,
		viewerID:       viewerID,
		messages:       make([]*store.Message, 0, len(initial)),
	}
	for _, m := range initial {
		if m == nil || t.index(m.ID) >= 0 {
			continue
		}
		t.messages = append(t.messages, m.Clone())
	}
	return t
}

// ConversationID is the conversation this timeline follows.
func (t *Timeline) ConversationID() string {
	return t.conversationID
}

// Messages returns a snapshot of the current list.
func (t *Timeline) Messages() []*store.Message {
	out := make([]*store.Message, len(t.messages))
	for i, m := range t.messages {
		out[i] = m.Clone()
	}
	return out
}

// Len is the number of messages held.
func (t *Timeline) Len() int {
	return len(t.messages)
}

// Apply folds ev into the timeline. Events for other conversations, unknown
// event names and updates or deletes of unknown ids are no-ops. Only an
// undecodable payload returns an error.
func (t *Timeline) Apply(ev *events.Event) (Result, error) {
	switch ev.Name {
	case events.MessageNew, events.MessageUpdate, events.MessageDelete:
	default:
		return Result{}, nil
	}

	msg, err := ev.Message()
	if err != nil {
		return Result{}, fmt.Errorf("timeline %s: %w", t.conversationID, err)
	}
	if msg.ConversationID != t.conversationID {
		return Result{}, nil
	}

	idx := t.index(msg.ID)
	switch ev.Name {
	case events.MessageNew:
		res := Result{SeenNeeded: msg.SenderID != t.viewerID}
		if idx < 0 {
			t.messages = append(t.messages, msg)
			res.Changed = true
		}
		return res, nil

	case events.MessageUpdate:
		if idx < 0 {
			return Result{}, nil
		}
		t.messages[idx] = msg
		return Result{Changed: true}, nil

	default: // MessageDelete
		if idx < 0 {
			return Result{}, nil
		}
		t.messages = slices.Delete(t.messages, idx, idx+1)
		return Result{Changed: true}, nil
	}
}

func (t *Timeline) index(id string) int {
	return slices.IndexFunc(t.messages, func(m *store.Message) bool { return m.ID == id })
}
