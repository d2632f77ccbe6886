// ABOUTME: Inbox folds personal-channel events into per-conversation summaries
// ABOUTME: Summaries carry the latest message and a plain-text preview, newest activity first

package client

import (
	"fmt"
	"sort"
	"time"

	"github.com/2389/parley-gateway/internal/conversation"
	"github.com/2389/parley-gateway/internal/events"
	"github.com/2389/parley-gateway/internal/store"
)

// PreviewLength caps summary previews, in runes.
const PreviewLength = 80

// Summary is one row of a conversation list.
type Summary struct {
	ConversationID string
	Name           string
	IsGroup        bool
	UserIDs        []string
	LastMessageAt  time.Time
	Latest         *store.Message
	Preview        string
	// Unseen is set when the latest message came from someone else and the
	// viewer has not seen it.
	Unseen bool
}

// Inbox is not safe for concurrent use.
type Inbox struct {
	viewerID string
	items    map[string]*Summary
}

// NewInbox builds an inbox from a conversation listing.
func NewInbox(viewerID string, convs []*store.Conversation) *Inbox {
	in := &Inbox{viewerID: viewerID, items: make(map[string]*Summary, len(convs))}
	for _, c := range convs {
		in.add(c)
	}
	return in
}

func (in *Inbox) add(c *store.Conversation) *Summary {
	s := &Summary{
		ConversationID: c.ID,
		IsGroup:        c.IsGroup,
		UserIDs:        append([]string(nil), c.UserIDs...),
		LastMessageAt:  c.LastMessageAt,
	}
	if c.Name != nil {
		s.Name = *c.Name
	}
	if n := len(c.Messages); n > 0 {
		in.setLatest(s, c.Messages[n-1])
	}
	in.items[c.ID] = s
	return s
}

func (in *Inbox) setLatest(s *Summary, m *store.Message) {
	s.Latest = m.Clone()
	s.Preview = conversation.Preview(m, PreviewLength)
	s.Unseen = m.SenderID != in.viewerID && !m.SeenBy(in.viewerID)
}

// Apply folds one personal-channel event. It reports whether the inbox changed.
func (in *Inbox) Apply(ev *events.Event) (bool, error) {
	switch ev.Name {
	case events.ConversationNew:
		var c store.Conversation
		if err := ev.Decode(&c); err != nil {
			return false, fmt.Errorf("decoding %s: %w", ev.Name, err)
		}
		if _, ok := in.items[c.ID]; ok {
			return false, nil
		}
		in.add(&c)
		return true, nil

	case events.ConversationUpdate, events.ConversationDeleteMessage, events.ConversationSeenUpdate:
		var p events.ConversationMessages
		if err := ev.Decode(&p); err != nil {
			return false, fmt.Errorf("decoding %s: %w", ev.Name, err)
		}
		s, ok := in.items[p.ConversationID]
		if !ok || len(p.Messages) == 0 {
			return false, nil
		}
		latest := p.Messages[len(p.Messages)-1]
		if ev.Name == events.ConversationUpdate && latest.CreatedAt.Before(s.LastMessageAt) {
			// A late duplicate of an older message never moves the summary back.
			return false, nil
		}
		in.setLatest(s, latest)
		if ev.Name != events.ConversationSeenUpdate {
			s.LastMessageAt = latest.CreatedAt
		}
		return true, nil
	}
	return false, nil
}

// Get returns the summary for one conversation.
func (in *Inbox) Get(conversationID string) (Summary, bool) {
	s, ok := in.items[conversationID]
	if !ok {
		return Summary{}, false
	}
	return *s, true
}

// Summaries lists conversations by LastMessageAt, newest first. Ties keep a
// stable order by id.
func (in *Inbox) Summaries() []Summary {
	out := make([]Summary, 0, len(in.items))
	for _, s := range in.items {
		out = append(out, *s)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].LastMessageAt.Equal(out[j].LastMessageAt) {
			return out[i].LastMessageAt.After(out[j].LastMessageAt)
		}
		return out[i].ConversationID < out[j].ConversationID
	})
	return out
}
