// ABOUTME: Service is the message lifecycle manager: create, edit, delete and seen-marking
// ABOUTME: Every mutation commits in the store first, then publishes its events on the bus

package conversation

import (
	"context"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/2389/parley-gateway/internal/events"
	"github.com/2389/parley-gateway/internal/metrics"
	"github.com/2389/parley-gateway/internal/store"
)

// MutationPolicy decides who may edit or delete a message.
type MutationPolicy string

const (
	// PolicyMember lets any conversation member edit or delete any message.
	PolicyMember MutationPolicy = "member"
	// PolicySender restricts edit and delete to the message's sender.
	PolicySender MutationPolicy = "sender"
)

// Options tunes lifecycle behaviour. The zero value is usable.
type Options struct {
	// Matcher decides whether a deleted message was the conversation's last.
	// Nil means ExactMatch.
	Matcher store.LastMessageMatcher

	// ResetWhenEmpty resets lastMessageAt to the conversation's creation
	// time when its final message is deleted.
	ResetWhenEmpty bool

	// Policy governs edit and delete. Empty means PolicyMember.
	Policy MutationPolicy

	// Metrics may be nil.
	Metrics *metrics.Metrics

	// Now overrides the clock, for tests.
	Now func() time.Time
}

// Service coordinates the store and the event bus for message mutations.
type Service struct {
	store  store.Store
	bus    events.Bus
	opts   Options
	logger *slog.Logger
}

// New creates a Service. Pass nil logger for default.
func New(st store.Store, bus events.Bus, logger *slog.Logger, opts Options) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Matcher == nil {
		opts.Matcher = ExactMatch
	}
	if opts.Policy == "" {
		opts.Policy = PolicyMember
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Service{
		store:  st,
		bus:    bus,
		opts:   opts,
		logger: logger.With("component", "conversation"),
	}
}

// now returns the current time at the precision the stores keep.
func (s *Service) now() time.Time {
	return s.opts.Now().UTC().Truncate(time.Microsecond)
}

// CreateRequest is a new message from SenderID.
type CreateRequest struct {
	SenderID       string
	ConversationID string
	Body           *string
	Image          *string
}

// CreateMessage stores a new message, advances the conversation's
// lastMessageAt and notifies viewers and members.
func (s *Service) CreateMessage(ctx context.Context, req CreateRequest) (msg *store.Message, err error) {
	const op = "create message"
	defer func() { s.opts.Metrics.MessageOp("create", err) }()

	if req.SenderID == "" {
		return nil, newError(KindUnauthenticated, op, nil)
	}
	if isBlank(req.Body) && isBlank(req.Image) {
		return nil, newError(KindInvalid, op, errEmptyMessage)
	}

	conv, err := s.memberConversation(ctx, op, req.ConversationID, req.SenderID)
	if err != nil {
		return nil, err
	}

	msg = &store.Message{
		ID:             uuid.NewString(),
		ConversationID: conv.ID,
		SenderID:       req.SenderID,
		Body:           req.Body,
		Image:          req.Image,
		CreatedAt:      s.now(),
		SeenIDs:        []string{},
	}
	if err := s.store.CreateMessage(ctx, msg); err != nil {
		return nil, wrapStore(op, err)
	}

	s.logger.Debug("message created",
		"message_id", msg.ID,
		"conversation_id", conv.ID,
		"sender_id", req.SenderID)

	s.publish(ctx, events.ConversationChannel(conv.ID), events.MessageNew, msg)
	s.publishToMembers(ctx, conv.Users, events.ConversationUpdate, events.ConversationMessages{
		ConversationID: conv.ID,
		Messages:       []*store.Message{msg},
	})
	return msg, nil
}

// EditRequest changes a message's content. Nil fields are left unchanged.
type EditRequest struct {
	MessageID string
	EditorID  string
	Body      *string
	Image     *string
}

// EditMessage applies an edit, stamps editedAt, marks the editor as having
// seen the message and publishes message:update.
func (s *Service) EditMessage(ctx context.Context, req EditRequest) (msg *store.Message, err error) {
	const op = "edit message"
	defer func() { s.opts.Metrics.MessageOp("edit", err) }()

	if req.EditorID == "" {
		return nil, newError(KindUnauthenticated, op, nil)
	}

	existing, _, err := s.authorizeMutation(ctx, op, req.MessageID, req.EditorID)
	if err != nil {
		return nil, err
	}

	body, image := existing.Body, existing.Image
	if req.Body != nil {
		body = req.Body
	}
	if req.Image != nil {
		image = req.Image
	}
	if isBlank(body) && isBlank(image) {
		return nil, newError(KindInvalid, op, errEmptyMessage)
	}

	msg, err = s.store.EditMessage(ctx, req.MessageID, store.MessageEdit{
		Body:     req.Body,
		Image:    req.Image,
		EditorID: req.EditorID,
		EditedAt: s.now(),
	})
	if err != nil {
		return nil, wrapStore(op, err)
	}

	s.logger.Debug("message edited", "message_id", msg.ID, "editor_id", req.EditorID)

	s.publish(ctx, events.ConversationChannel(msg.ConversationID), events.MessageUpdate, msg)
	return msg, nil
}

// DeleteMessage hard-deletes a message. When it was the conversation's last
// message and others remain, lastMessageAt moves to the newest survivor in
// the same transaction and every member is told about the new latest message.
// Returns the snapshot taken before deletion.
func (s *Service) DeleteMessage(ctx context.Context, requesterID, messageID string) (deleted *store.Message, err error) {
	const op = "delete message"
	defer func() { s.opts.Metrics.MessageOp("delete", err) }()

	if requesterID == "" {
		return nil, newError(KindUnauthenticated, op, nil)
	}
	if _, _, err := s.authorizeMutation(ctx, op, messageID, requesterID); err != nil {
		return nil, err
	}

	res, err := s.store.DeleteMessage(ctx, messageID, store.DeleteOptions{
		IsLast:         s.opts.Matcher,
		ResetWhenEmpty: s.opts.ResetWhenEmpty,
	})
	if err != nil {
		return nil, wrapStore(op, err)
	}

	s.logger.Debug("message deleted",
		"message_id", messageID,
		"conversation_id", res.Conversation.ID,
		"was_last", res.WasLast,
		"remaining", res.Remaining)

	s.publish(ctx, events.ConversationChannel(res.Conversation.ID), events.MessageDelete, res.Deleted)

	if res.Recomputed() {
		s.opts.Metrics.Recomputed()
		s.publishToMembers(ctx, res.Conversation.Users, events.ConversationDeleteMessage, events.ConversationMessages{
			ConversationID: res.Conversation.ID,
			Messages:       []*store.Message{res.NewLast},
		})
	}
	return res.Deleted, nil
}

// MarkSeen adds userID to the seen-set of every message in the conversation.
// An empty userID is a no-op. Events are only published when something changed.
func (s *Service) MarkSeen(ctx context.Context, userID, conversationID string) (messages []*store.Message, err error) {
	const op = "mark seen"
	if userID == "" {
		return []*store.Message{}, nil
	}
	defer func() { s.opts.Metrics.MessageOp("seen", err) }()

	conv, err := s.memberConversation(ctx, op, conversationID, userID)
	if err != nil {
		return nil, err
	}

	res, err := s.store.MarkConversationSeen(ctx, conv.ID, userID)
	if err != nil {
		return nil, wrapStore(op, err)
	}
	if res.Marked == 0 {
		return res.Messages, nil
	}
	s.opts.Metrics.SeenMarked(res.Marked)

	if viewer := findUser(conv.Users, userID); viewer != nil {
		s.publish(ctx, events.UserChannel(viewer.Email), events.ConversationSeenUpdate, events.ConversationMessages{
			ConversationID: conv.ID,
			Messages:       res.Messages,
		})
	}
	if n := len(res.Messages); n > 0 {
		s.publish(ctx, events.ConversationChannel(conv.ID), events.MessageUpdate, res.Messages[n-1])
	}
	return res.Messages, nil
}

// StartRequest opens a conversation. For a one-to-one conversation set
// UserID; for a group set IsGroup, Name and MemberIDs.
type StartRequest struct {
	CreatorID string
	UserID    string
	IsGroup   bool
	Name      string
	MemberIDs []string
}

// StartConversation returns the existing one-to-one conversation between
// the two users, or creates a new conversation and announces it to every member.
func (s *Service) StartConversation(ctx context.Context, req StartRequest) (*store.Conversation, error) {
	const op = "start conversation"

	if req.CreatorID == "" {
		return nil, newError(KindUnauthenticated, op, nil)
	}

	var userIDs []string
	conv := &store.Conversation{IsGroup: req.IsGroup}

	if req.IsGroup {
		name := strings.TrimSpace(req.Name)
		others := uniqueExcluding(req.MemberIDs, req.CreatorID)
		if name == "" || len(others) < 2 {
			return nil, newError(KindInvalid, op, errGroupTooSmall)
		}
		conv.Name = &name
		userIDs = append([]string{req.CreatorID}, others...)
	} else {
		if req.UserID == "" || req.UserID == req.CreatorID {
			return nil, newError(KindInvalid, op, errNoPeer)
		}
		existing, err := s.store.FindDirectConversation(ctx, req.CreatorID, req.UserID)
		if err == nil {
			return existing, nil
		}
		if KindOf(err) != KindNotFound {
			return nil, wrapStore(op, err)
		}
		userIDs = []string{req.CreatorID, req.UserID}
	}

	for _, id := range userIDs {
		if _, err := s.store.GetUser(ctx, id); err != nil {
			return nil, wrapStore(op, err)
		}
	}

	now := s.now()
	conv.ID = uuid.NewString()
	conv.UserIDs = userIDs
	conv.CreatedAt = now
	conv.LastMessageAt = now
	if err := s.store.CreateConversation(ctx, conv); err != nil {
		return nil, wrapStore(op, err)
	}

	created, err := s.store.GetConversation(ctx, conv.ID)
	if err != nil {
		return nil, wrapStore(op, err)
	}

	s.logger.Info("conversation started",
		"conversation_id", created.ID,
		"is_group", created.IsGroup,
		"members", len(created.UserIDs))

	s.publishToMembers(ctx, created.Users, events.ConversationNew, created)
	return created, nil
}

// ListConversations returns userID's conversations, most recent activity first.
func (s *Service) ListConversations(ctx context.Context, userID string) ([]*store.Conversation, error) {
	const op = "list conversations"
	if userID == "" {
		return nil, newError(KindUnauthenticated, op, nil)
	}
	convs, err := s.store.ListConversations(ctx, userID)
	if err != nil {
		return nil, wrapStore(op, err)
	}
	return convs, nil
}

// ListMessages returns a conversation's history for one of its members.
func (s *Service) ListMessages(ctx context.Context, userID, conversationID string) ([]*store.Message, error) {
	const op = "list messages"
	if userID == "" {
		return nil, newError(KindUnauthenticated, op, nil)
	}
	if _, err := s.memberConversation(ctx, op, conversationID, userID); err != nil {
		return nil, err
	}
	msgs, err := s.store.ListMessages(ctx, conversationID)
	if err != nil {
		return nil, wrapStore(op, err)
	}
	return msgs, nil
}

// CanSubscribe reports whether userID may follow the given conversation's channel.
func (s *Service) CanSubscribe(ctx context.Context, userID, conversationID string) error {
	_, err := s.memberConversation(ctx, "subscribe", conversationID, userID)
	return err
}

// memberConversation loads a conversation, hiding it from non-members.
func (s *Service) memberConversation(ctx context.Context, op, conversationID, userID string) (*store.Conversation, error) {
	if conversationID == "" {
		return nil, newError(KindNotFound, op, nil)
	}
	conv, err := s.store.GetConversation(ctx, conversationID)
	if err != nil {
		return nil, wrapStore(op, err)
	}
	if !conv.HasMember(userID) {
		return nil, newError(KindNotFound, op, errNotMember)
	}
	return conv, nil
}

// authorizeMutation loads a message and checks userID may change it.
func (s *Service) authorizeMutation(ctx context.Context, op, messageID, userID string) (*store.Message, *store.Conversation, error) {
	if messageID == "" {
		return nil, nil, newError(KindNotFound, op, nil)
	}
	msg, err := s.store.GetMessage(ctx, messageID)
	if err != nil {
		return nil, nil, wrapStore(op, err)
	}
	conv, err := s.memberConversation(ctx, op, msg.ConversationID, userID)
	if err != nil {
		return nil, nil, err
	}
	if s.opts.Policy == PolicySender && msg.SenderID != userID {
		return nil, nil, newError(KindForbidden, op, errNotSender)
	}
	return msg, conv, nil
}

// publish sends one event. Failures are logged and counted, never returned:
// the store mutation has already committed.
func (s *Service) publish(ctx context.Context, channel, name string, payload any) {
	err := s.bus.Publish(context.WithoutCancel(ctx), channel, name, payload)
	s.opts.Metrics.EventPublished(name, err)
	if err != nil {
		s.logger.Warn("failed to publish event",
			"channel", channel,
			"event", name,
			"error", err)
	}
}

func (s *Service) publishToMembers(ctx context.Context, users []*store.User, name string, payload any) {
	for _, u := range users {
		if u.Email == "" {
			continue
		}
		s.publish(ctx, events.UserChannel(u.Email), name, payload)
	}
}

func findUser(users []*store.User, id string) *store.User {
	for _, u := range users {
		if u.ID == id {
			return u
		}
	}
	return nil
}

func isBlank(s *string) bool {
	return s == nil || strings.TrimSpace(*s) == ""
}

func uniqueExcluding(ids []string, exclude string) []string {
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == "" || id == exclude || slices.Contains(out, id) {
			continue
		}
		out = append(out, id)
	}
	return out
}
