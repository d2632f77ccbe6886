// ABOUTME: Mock Store implementation for testing
// ABOUTME: Allows tests to run without SQLite, with the same transactional semantics under one mutex

package store

import (
	"context"
	"slices"
	"sort"
	"sync"
	"time"
)

// MockStore is an in-memory Store implementation for testing.
type MockStore struct {
	mu            sync.RWMutex
	seq           int64
	users         map[string]*User         // keyed by user ID
	usersByEmail  map[string]string        // email -> user ID
	conversations map[string]*Conversation // keyed by conversation ID
	convSeq       map[string]int64         // conversation ID -> insertion order
	messages      map[string][]*Message    // keyed by conversation ID, oldest first
	messageIndex  map[string]string        // message ID -> conversation ID

	// PingErr, when set, is returned by Ping.
	PingErr error
}

// NewMockStore creates a new MockStore.
func NewMockStore() *MockStore {
	return &MockStore{
		users:         make(map[string]*User),
		usersByEmail:  make(map[string]string),
		conversations: make(map[string]*Conversation),
		convSeq:       make(map[string]int64),
		messages:      make(map[string][]*Message),
		messageIndex:  make(map[string]string),
	}
}

// CreateUser stores a new user.
func (m *MockStore) CreateUser(ctx context.Context, user *User) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.usersByEmail[user.Email]; ok {
		return ErrDuplicateEmail
	}
	u := *user
	u.CreatedAt = u.CreatedAt.UTC()
	m.users[u.ID] = &u
	m.usersByEmail[u.Email] = u.ID
	return nil
}

// GetUser retrieves a user by ID.
func (m *MockStore) GetUser(ctx context.Context, id string) (*User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	u, ok := m.users[id]
	if !ok {
		return nil, ErrNotFound
	}
	result := *u
	return &result, nil
}

// GetUserByEmail retrieves a user by email.
func (m *MockStore) GetUserByEmail(ctx context.Context, email string) (*User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.usersByEmail[email]
	if !ok {
		return nil, ErrNotFound
	}
	result := *m.users[id]
	return &result, nil
}

// CreateConversation stores a new conversation.
func (m *MockStore) CreateConversation(ctx context.Context, conv *Conversation) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, id := range conv.UserIDs {
		if _, ok := m.users[id]; !ok {
			return ErrNotFound
		}
	}

	c := &Conversation{
		ID:            conv.ID,
		IsGroup:       conv.IsGroup,
		UserIDs:       slices.Clone(conv.UserIDs),
		CreatedAt:     conv.CreatedAt.UTC(),
		LastMessageAt: conv.LastMessageAt.UTC(),
	}
	if conv.Name != nil {
		name := *conv.Name
		c.Name = &name
	}
	m.seq++
	m.conversations[c.ID] = c
	m.convSeq[c.ID] = m.seq
	return nil
}

// GetConversation retrieves a conversation with its members hydrated.
func (m *MockStore) GetConversation(ctx context.Context, id string) (*Conversation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return m.conversationLocked(id)
}

func (m *MockStore) conversationLocked(id string) (*Conversation, error) {
	c, ok := m.conversations[id]
	if !ok {
		return nil, ErrNotFound
	}

	result := *c
	result.UserIDs = slices.Clone(c.UserIDs)
	if c.Name != nil {
		name := *c.Name
		result.Name = &name
	}
	result.Users = make([]*User, 0, len(c.UserIDs))
	for _, uid := range c.UserIDs {
		u := *m.users[uid]
		result.Users = append(result.Users, &u)
	}
	return &result, nil
}

// FindDirectConversation returns the non-group conversation between exactly userA and userB.
func (m *MockStore) FindDirectConversation(ctx context.Context, userA, userB string) (*Conversation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var (
		found   string
		foundAt time.Time
	)
	for id, c := range m.conversations {
		if c.IsGroup || len(c.UserIDs) != 2 {
			continue
		}
		if !slices.Contains(c.UserIDs, userA) || !slices.Contains(c.UserIDs, userB) {
			continue
		}
		if found == "" || c.CreatedAt.Before(foundAt) {
			found, foundAt = id, c.CreatedAt
		}
	}
	if found == "" {
		return nil, ErrNotFound
	}
	return m.conversationLocked(found)
}

// ListConversations returns the user's conversations, most recent activity first.
func (m *MockStore) ListConversations(ctx context.Context, userID string) ([]*Conversation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Conversation
	for id, c := range m.conversations {
		if !slices.Contains(c.UserIDs, userID) {
			continue
		}
		conv, err := m.conversationLocked(id)
		if err != nil {
			return nil, err
		}
		conv.Messages = m.messagesLocked(id)
		result = append(result, conv)
	}

	sort.Slice(result, func(i, j int) bool {
		if !result[i].LastMessageAt.Equal(result[j].LastMessageAt) {
			return result[i].LastMessageAt.After(result[j].LastMessageAt)
		}
		return m.convSeq[result[i].ID] > m.convSeq[result[j].ID]
	})
	return result, nil
}

// CreateMessage stores a message and advances the conversation's lastMessageAt to it.
func (m *MockStore) CreateMessage(ctx context.Context, msg *Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.conversations[msg.ConversationID]
	if !ok {
		return ErrNotFound
	}

	stored := msg.Clone()
	stored.CreatedAt = stored.CreatedAt.UTC()
	stored.SeenIDs = []string{}

	// Keep the slice ordered by creation time; equal times keep insertion order.
	list := m.messages[c.ID]
	idx := sort.Search(len(list), func(i int) bool {
		return list[i].CreatedAt.After(stored.CreatedAt)
	})
	list = slices.Insert(list, idx, stored)
	m.messages[c.ID] = list
	m.messageIndex[stored.ID] = c.ID
	if stored.CreatedAt.After(c.LastMessageAt) {
		c.LastMessageAt = stored.CreatedAt
	}
	return nil
}

// GetMessage retrieves a message by ID.
func (m *MockStore) GetMessage(ctx context.Context, id string) (*Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	msg, _ := m.findLocked(id)
	if msg == nil {
		return nil, ErrNotFound
	}
	return msg.Clone(), nil
}

func (m *MockStore) findLocked(id string) (*Message, int) {
	convID, ok := m.messageIndex[id]
	if !ok {
		return nil, -1
	}
	for i, msg := range m.messages[convID] {
		if msg.ID == id {
			return msg, i
		}
	}
	return nil, -1
}

// ListMessages returns a conversation's messages oldest first.
func (m *MockStore) ListMessages(ctx context.Context, conversationID string) ([]*Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return m.messagesLocked(conversationID), nil
}

func (m *MockStore) messagesLocked(conversationID string) []*Message {
	list := m.messages[conversationID]
	result := make([]*Message, 0, len(list))
	for _, msg := range list {
		result = append(result, msg.Clone())
	}
	return result
}

// EditMessage applies an edit and adds the editor to the seen-set.
func (m *MockStore) EditMessage(ctx context.Context, id string, edit MessageEdit) (*Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	msg, _ := m.findLocked(id)
	if msg == nil {
		return nil, ErrNotFound
	}
	if edit.Body != nil {
		b := *edit.Body
		msg.Body = &b
	}
	if edit.Image != nil {
		i := *edit.Image
		msg.Image = &i
	}
	editedAt := edit.EditedAt.UTC()
	msg.EditedAt = &editedAt
	if edit.EditorID != "" && !msg.SeenBy(edit.EditorID) {
		msg.SeenIDs = append(msg.SeenIDs, edit.EditorID)
	}
	return msg.Clone(), nil
}

// DeleteMessage removes a message and recomputes lastMessageAt.
func (m *MockStore) DeleteMessage(ctx context.Context, id string, opts DeleteOptions) (*DeleteResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	msg, idx := m.findLocked(id)
	if msg == nil {
		return nil, ErrNotFound
	}
	c := m.conversations[msg.ConversationID]

	list := slices.Delete(m.messages[c.ID], idx, idx+1)
	m.messages[c.ID] = list
	delete(m.messageIndex, id)

	res := &DeleteResult{
		Deleted:   msg.Clone(),
		WasLast:   opts.isLast(c.LastMessageAt, msg.CreatedAt),
		Remaining: len(list),
	}
	switch {
	case res.WasLast && res.Remaining > 0:
		res.NewLast = list[len(list)-1].Clone()
		c.LastMessageAt = res.NewLast.CreatedAt
	case res.Remaining == 0 && opts.ResetWhenEmpty:
		c.LastMessageAt = c.CreatedAt
	}

	conv, err := m.conversationLocked(c.ID)
	if err != nil {
		return nil, err
	}
	res.Conversation = conv
	return res, nil
}

// MarkConversationSeen adds userID to the seen-set of every message in the conversation.
func (m *MockStore) MarkConversationSeen(ctx context.Context, conversationID, userID string) (*SeenResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.conversations[conversationID]; !ok {
		return nil, ErrNotFound
	}

	marked := 0
	for _, msg := range m.messages[conversationID] {
		if !msg.SeenBy(userID) {
			msg.SeenIDs = append(msg.SeenIDs, userID)
			marked++
		}
	}
	return &SeenResult{Messages: m.messagesLocked(conversationID), Marked: marked}, nil
}

// Ping returns PingErr.
func (m *MockStore) Ping(ctx context.Context) error {
	return m.PingErr
}

// Close is a no-op for MockStore.
func (m *MockStore) Close() error {
	return nil
}

var _ Store = (*MockStore)(nil)
