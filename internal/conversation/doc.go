// Package conversation implements the message lifecycle: creating, editing
// and deleting messages and marking conversations seen.
//
// # Service
//
//	svc := conversation.New(store, bus, logger, conversation.Options{})
//
// Key operations:
//
//   - CreateMessage: store the message and advance lastMessageAt
//   - EditMessage: replace provided fields, stamp editedAt, mark the editor seen
//   - DeleteMessage: hard delete, recomputing lastMessageAt when the newest
//     message goes away
//   - MarkSeen: add the viewer to every message's seen-set
//   - StartConversation: reuse or create one-to-one and group conversations
//
// # Ordering
//
// Each operation commits its store transaction before publishing anything.
// Publish failures are logged and counted but never fail the operation,
// since the mutation is already durable.
//
// # Events
//
// Conversation channels (conversation:{id}) receive messages:new,
// message:update and message:delete. Personal channels (user:{email})
// receive conversation:new, conversation:update, conversation:deleteMessage
// and conversation:seenUpdate.
//
// # Last message matching
//
// Options.Matcher decides whether a deleted message was the last one.
// ExactMatch compares instants. ClockSumMatch reproduces an older heuristic
// that compares hour+minute+second and tolerates a difference of one.
//
// # Errors
//
// Failures are *Error values with a Kind. Use KindOf or errors.Is against
// ErrUnauthenticated, ErrNotFound, ErrInvalid and ErrForbidden.
package conversation
