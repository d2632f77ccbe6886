// Package store provides persistent storage for parley-gateway.
//
// # Architecture
//
// Store is the single persistence interface. Three implementations share it:
//
//   - SQLiteStore: the default, backed by modernc.org/sqlite
//   - PostgresStore: backed by a pgx connection pool for multi-instance deployments
//   - MockStore: in-memory, for tests of the layers above
//
// All three are held to the same behaviour by a shared contract test.
//
// # Data Models
//
//   - User: a participant; the email keys the user's personal event channel
//   - Conversation: a one-to-one or group thread with an ordered member list
//   - Message: text and/or image content with a monotonic seen-set
//
// # Transactions
//
// Conversation.LastMessageAt is derived state and is only written by the
// message operations, each of which runs in one transaction:
//
//   - CreateMessage inserts the row and moves lastMessageAt to it
//   - DeleteMessage removes the row, decides via DeleteOptions.IsLast whether
//     it was the last message, and if so points lastMessageAt at the newest
//     survivor before committing
//   - MarkConversationSeen adds the viewer to every seen-set and reports how
//     many entries were new
//
// SQLite opens write transactions with BEGIN IMMEDIATE so two concurrent
// deletes in one conversation serialize. PostgreSQL takes the conversation
// row with SELECT ... FOR UPDATE for the same effect.
//
// # Time
//
// Timestamps are stored in UTC at microsecond precision. SQLite stores them
// as fixed-width text so lexical and chronological order agree.
//
// # Errors
//
// Lookups of missing entities return ErrNotFound; duplicate user emails
// return ErrDuplicateEmail. Callers compare with errors.Is.
package store
