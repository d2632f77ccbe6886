// ABOUTME: Store interface and data types for parley-gateway persistence
// ABOUTME: Defines User, Conversation, Message and the transactional operations on them

package store

import (
	"context"
	"errors"
	"slices"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// ErrDuplicateEmail is returned when creating a user whose email is already registered
var ErrDuplicateEmail = errors.New("email already registered")

// User is a chat participant. Email doubles as the personal event channel key.
type User struct {
	ID        string    `json:"id"`
	Email     string    `json:"email"`
	Name      string    `json:"name,omitempty"`
	Image     string    `json:"image,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// Conversation is a one-to-one or group chat thread.
//
// LastMessageAt is derived state: it equals the CreatedAt of the newest
// message, or CreatedAt when the conversation has never had one. Only the
// message operations on Store write it.
type Conversation struct {
	ID            string     `json:"id"`
	Name          *string    `json:"name,omitempty"`
	IsGroup       bool       `json:"isGroup"`
	UserIDs       []string   `json:"userIds"`
	Users         []*User    `json:"users,omitempty"`
	Messages      []*Message `json:"messages,omitempty"`
	CreatedAt     time.Time  `json:"createdAt"`
	LastMessageAt time.Time  `json:"lastMessageAt"`
}

// HasMember reports whether userID belongs to the conversation.
func (c *Conversation) HasMember(userID string) bool {
	return userID != "" && slices.Contains(c.UserIDs, userID)
}

// Message is a single chat message. SeenIDs only grows until the message is deleted.
type Message struct {
	ID             string     `json:"id"`
	ConversationID string     `json:"conversationId"`
	SenderID       string     `json:"senderId"`
	Body           *string    `json:"body,omitempty"`
	Image          *string    `json:"image,omitempty"`
	CreatedAt      time.Time  `json:"createdAt"`
	EditedAt       *time.Time `json:"editedAt,omitempty"`
	SeenIDs        []string   `json:"seenIds"`
}

// SeenBy reports whether userID is in the message's seen-set.
func (m *Message) SeenBy(userID string) bool {
	return slices.Contains(m.SeenIDs, userID)
}

// Clone returns a deep copy so callers can hand snapshots to other goroutines.
func (m *Message) Clone() *Message {
	if m == nil {
		return nil
	}
	c := *m
	if m.Body != nil {
		b := *m.Body
		c.Body = &b
	}
	if m.Image != nil {
		i := *m.Image
		c.Image = &i
	}
	if m.EditedAt != nil {
		e := *m.EditedAt
		c.EditedAt = &e
	}
	c.SeenIDs = slices.Clone(m.SeenIDs)
	if c.SeenIDs == nil {
		c.SeenIDs = []string{}
	}
	return &c
}

// MessageEdit describes an edit. Nil Body/Image leave the stored value unchanged.
type MessageEdit struct {
	Body     *string
	Image    *string
	EditorID string
	EditedAt time.Time
}

// LastMessageMatcher reports whether a message created at createdAt is the one
// a conversation's lastMessageAt currently points at.
type LastMessageMatcher func(lastMessageAt, createdAt time.Time) bool

// DeleteOptions controls the lastMessageAt recompute that runs inside DeleteMessage.
type DeleteOptions struct {
	// IsLast decides whether the deleted message was the conversation's last.
	// Nil means exact timestamp equality.
	IsLast LastMessageMatcher

	// ResetWhenEmpty resets lastMessageAt to the conversation's creation time
	// when the delete removes its final message.
	ResetWhenEmpty bool
}

func (o DeleteOptions) isLast(lastMessageAt, createdAt time.Time) bool {
	if o.IsLast == nil {
		return lastMessageAt.Equal(createdAt)
	}
	return o.IsLast(lastMessageAt, createdAt)
}

// DeleteResult is what one committed DeleteMessage transaction observed.
type DeleteResult struct {
	Deleted      *Message      // snapshot taken before the row was removed
	Conversation *Conversation // conversation state after commit
	WasLast      bool          // the matcher judged the deleted message to be the last one
	NewLast      *Message      // newest remaining message when lastMessageAt was recomputed
	Remaining    int           // messages left in the conversation
}

// Recomputed reports whether the transaction moved lastMessageAt to a remaining message.
func (r *DeleteResult) Recomputed() bool {
	return r.NewLast != nil
}

// SeenResult is the outcome of marking a conversation seen.
type SeenResult struct {
	Messages []*Message // full message list after marking, oldest first
	Marked   int        // seen rows added by this call
}

// Store defines the persistence operations the lifecycle manager relies on.
// Every message mutation runs as a single transaction covering the message
// write and the conversation's lastMessageAt.
type Store interface {
	// Users
	CreateUser(ctx context.Context, user *User) error
	GetUser(ctx context.Context, id string) (*User, error)
	GetUserByEmail(ctx context.Context, email string) (*User, error)

	// Conversations
	CreateConversation(ctx context.Context, conv *Conversation) error
	GetConversation(ctx context.Context, id string) (*Conversation, error)
	FindDirectConversation(ctx context.Context, userA, userB string) (*Conversation, error)
	ListConversations(ctx context.Context, userID string) ([]*Conversation, error)

	// Messages
	CreateMessage(ctx context.Context, msg *Message) error
	GetMessage(ctx context.Context, id string) (*Message, error)
	ListMessages(ctx context.Context, conversationID string) ([]*Message, error)
	EditMessage(ctx context.Context, id string, edit MessageEdit) (*Message, error)
	DeleteMessage(ctx context.Context, id string, opts DeleteOptions) (*DeleteResult, error)
	MarkConversationSeen(ctx context.Context, conversationID, userID string) (*SeenResult, error)

	// Ping checks the backing database is reachable
	Ping(ctx context.Context) error

	// Close releases any resources held by the store
	Close() error
}

// timeLayout is fixed-width so lexical order matches chronological order.
const timeLayout = "2006-01-02T15:04:05.000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(timeLayout, s)
}
