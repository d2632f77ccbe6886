// ABOUTME: SQLite implementation of the Store interface using modernc.org/sqlite
// ABOUTME: Runs every message mutation in an IMMEDIATE transaction so writers serialize

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// NewSQLiteStore creates a new SQLite store at the given path.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	memory := path == ":memory:"
	if !memory {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", sqliteDSN(path))
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	if memory {
		// Every connection to :memory: is a separate database
		db.SetMaxOpenConns(1)
	} else if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	s := &SQLiteStore{
		db:     db,
		logger: logger,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

// sqliteDSN applies pragmas per connection and makes BEGIN take the write lock up front.
func sqliteDSN(path string) string {
	params := url.Values{}
	params.Add("_pragma", "foreign_keys(1)")
	params.Add("_pragma", "busy_timeout(5000)")
	params.Set("_txlock", "immediate")
	return "file:" + path + "?" + params.Encode()
}

// createSchema creates the database tables if they don't exist
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS users (
			id         TEXT PRIMARY KEY,
			email      TEXT NOT NULL UNIQUE,
			name       TEXT NOT NULL DEFAULT '',
			image      TEXT NOT NULL DEFAULT '',
			created_at TEXT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS conversations (
			id              TEXT PRIMARY KEY,
			name            TEXT,
			is_group        INTEGER NOT NULL DEFAULT 0,
			created_at      TEXT NOT NULL,
			last_message_at TEXT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS conversation_members (
			conversation_id TEXT NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
			user_id         TEXT NOT NULL REFERENCES users(id),
			position        INTEGER NOT NULL,
			PRIMARY KEY (conversation_id, user_id)
		);

		CREATE INDEX IF NOT EXISTS idx_members_user ON conversation_members(user_id);

		CREATE TABLE IF NOT EXISTS messages (
			id              TEXT PRIMARY KEY,
			conversation_id TEXT NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
			sender_id       TEXT NOT NULL REFERENCES users(id),
			body            TEXT,
			image           TEXT,
			created_at      TEXT NOT NULL,
			edited_at       TEXT
		);

		CREATE INDEX IF NOT EXISTS idx_messages_conversation_created
			ON messages(conversation_id, created_at);

		CREATE TABLE IF NOT EXISTS message_seen (
			message_id TEXT NOT NULL REFERENCES messages(id) ON DELETE CASCADE,
			user_id    TEXT NOT NULL REFERENCES users(id),
			seen_at    TEXT NOT NULL,
			PRIMARY KEY (message_id, user_id)
		);
	`

	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	s.logger.Info("closing SQLite store")
	return s.db.Close()
}

// Ping checks the database connection
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// isConstraintViolation checks if the error is a SQLite UNIQUE constraint violation
func isConstraintViolation(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// CreateUser inserts a user. Returns ErrDuplicateEmail if the email is taken.
func (s *SQLiteStore) CreateUser(ctx context.Context, user *User) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (id, email, name, image, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, user.ID, user.Email, user.Name, user.Image, formatTime(user.CreatedAt))
	if err != nil {
		if isConstraintViolation(err) {
			return ErrDuplicateEmail
		}
		return fmt.Errorf("inserting user: %w", err)
	}

	s.logger.Debug("created user", "id", user.ID, "email", user.Email)
	return nil
}

// GetUser retrieves a user by ID.
// Returns ErrNotFound if the user doesn't exist.
func (s *SQLiteStore) GetUser(ctx context.Context, id string) (*User, error) {
	return scanUser(s.db.QueryRowContext(ctx, `
		SELECT id, email, name, image, created_at FROM users WHERE id = ?
	`, id))
}

// GetUserByEmail retrieves a user by email.
// Returns ErrNotFound if no user has that email.
func (s *SQLiteStore) GetUserByEmail(ctx context.Context, email string) (*User, error) {
	return scanUser(s.db.QueryRowContext(ctx, `
		SELECT id, email, name, image, created_at FROM users WHERE email = ?
	`, email))
}

func scanUser(row *sql.Row) (*User, error) {
	var u User
	var createdAt string
	err := row.Scan(&u.ID, &u.Email, &u.Name, &u.Image, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying user: %w", err)
	}
	if u.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	return &u, nil
}

// CreateConversation inserts a conversation and its ordered member list.
func (s *SQLiteStore) CreateConversation(ctx context.Context, conv *Conversation) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO conversations (id, name, is_group, created_at, last_message_at)
		VALUES (?, ?, ?, ?, ?)
	`, conv.ID, conv.Name, conv.IsGroup, formatTime(conv.CreatedAt), formatTime(conv.LastMessageAt))
	if err != nil {
		return fmt.Errorf("inserting conversation: %w", err)
	}

	for i, userID := range conv.UserIDs {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO conversation_members (conversation_id, user_id, position) VALUES (?, ?, ?)
		`, conv.ID, userID, i)
		if err != nil {
			return fmt.Errorf("inserting member %s: %w", userID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing conversation: %w", err)
	}

	s.logger.Debug("created conversation", "id", conv.ID, "members", len(conv.UserIDs))
	return nil
}

// GetConversation retrieves a conversation with its members hydrated.
// Returns ErrNotFound if the conversation doesn't exist.
func (s *SQLiteStore) GetConversation(ctx context.Context, id string) (*Conversation, error) {
	return getConversation(ctx, s.db, id)
}

func getConversation(ctx context.Context, q querier, id string) (*Conversation, error) {
	var conv Conversation
	var name sql.NullString
	var createdAt, lastMessageAt string

	err := q.QueryRowContext(ctx, `
		SELECT id, name, is_group, created_at, last_message_at FROM conversations WHERE id = ?
	`, id).Scan(&conv.ID, &name, &conv.IsGroup, &createdAt, &lastMessageAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying conversation: %w", err)
	}
	if name.Valid {
		conv.Name = &name.String
	}
	if conv.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	if conv.LastMessageAt, err = parseTime(lastMessageAt); err != nil {
		return nil, fmt.Errorf("parsing last_message_at: %w", err)
	}

	rows, err := q.QueryContext(ctx, `
		SELECT u.id, u.email, u.name, u.image, u.created_at
		FROM conversation_members m
		JOIN users u ON u.id = m.user_id
		WHERE m.conversation_id = ?
		ORDER BY m.position
	`, id)
	if err != nil {
		return nil, fmt.Errorf("querying members: %w", err)
	}
	defer rows.Close()

	conv.UserIDs = []string{}
	for rows.Next() {
		var u User
		var userCreated string
		if err := rows.Scan(&u.ID, &u.Email, &u.Name, &u.Image, &userCreated); err != nil {
			return nil, fmt.Errorf("scanning member: %w", err)
		}
		if u.CreatedAt, err = parseTime(userCreated); err != nil {
			return nil, fmt.Errorf("parsing member created_at: %w", err)
		}
		conv.UserIDs = append(conv.UserIDs, u.ID)
		conv.Users = append(conv.Users, &u)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating members: %w", err)
	}

	return &conv, nil
}

// FindDirectConversation returns the non-group conversation between exactly userA and userB.
// Returns ErrNotFound if none exists.
func (s *SQLiteStore) FindDirectConversation(ctx context.Context, userA, userB string) (*Conversation, error) {
	var id string
	err := s.db.QueryRowContext(ctx, `
		SELECT c.id FROM conversations c
		WHERE c.is_group = 0
		  AND EXISTS (SELECT 1 FROM conversation_members WHERE conversation_id = c.id AND user_id = ?)
		  AND EXISTS (SELECT 1 FROM conversation_members WHERE conversation_id = c.id AND user_id = ?)
		  AND (SELECT COUNT(*) FROM conversation_members WHERE conversation_id = c.id) = 2
		ORDER BY c.created_at
		LIMIT 1
	`, userA, userB).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying direct conversation: %w", err)
	}
	return s.GetConversation(ctx, id)
}

// ListConversations returns the user's conversations, most recent activity first,
// with members and messages hydrated.
func (s *SQLiteStore) ListConversations(ctx context.Context, userID string) ([]*Conversation, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT c.id FROM conversations c
		JOIN conversation_members m ON m.conversation_id = c.id
		WHERE m.user_id = ?
		ORDER BY c.last_message_at DESC, c.rowid DESC
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("querying conversations: %w", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scanning conversation id: %w", err)
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating conversations: %w", err)
	}

	convs := make([]*Conversation, 0, len(ids))
	for _, id := range ids {
		conv, err := s.GetConversation(ctx, id)
		if err != nil {
			return nil, err
		}
		if conv.Messages, err = listMessages(ctx, s.db, id); err != nil {
			return nil, err
		}
		convs = append(convs, conv)
	}
	return convs, nil
}

// CreateMessage inserts a message and advances the conversation's lastMessageAt
// to it. lastMessageAt never moves backwards when creates commit out of order.
// Returns ErrNotFound if the conversation doesn't exist.
func (s *SQLiteStore) CreateMessage(ctx context.Context, msg *Message) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	result, err := tx.ExecContext(ctx, `
		UPDATE conversations SET last_message_at = MAX(last_message_at, ?) WHERE id = ?
	`, formatTime(msg.CreatedAt), msg.ConversationID)
	if err != nil {
		return fmt.Errorf("updating last_message_at: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return ErrNotFound
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO messages (id, conversation_id, sender_id, body, image, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, msg.ID, msg.ConversationID, msg.SenderID, msg.Body, msg.Image, formatTime(msg.CreatedAt))
	if err != nil {
		return fmt.Errorf("inserting message: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing message: %w", err)
	}

	s.logger.Debug("created message", "id", msg.ID, "conversation_id", msg.ConversationID)
	return nil
}

// GetMessage retrieves a message with its seen-set.
// Returns ErrNotFound if the message doesn't exist.
func (s *SQLiteStore) GetMessage(ctx context.Context, id string) (*Message, error) {
	return getMessage(ctx, s.db, id)
}

const messageColumns = `id, conversation_id, sender_id, body, image, created_at, edited_at`

func getMessage(ctx context.Context, q querier, id string) (*Message, error) {
	msgs, err := queryMessages(ctx, q, `SELECT `+messageColumns+` FROM messages WHERE id = ?`, id)
	if err != nil {
		return nil, err
	}
	if len(msgs) == 0 {
		return nil, ErrNotFound
	}
	if err := loadSeen(ctx, q, `WHERE s.message_id = ?`, id, msgs); err != nil {
		return nil, err
	}
	return msgs[0], nil
}

// ListMessages returns a conversation's messages oldest first.
func (s *SQLiteStore) ListMessages(ctx context.Context, conversationID string) ([]*Message, error) {
	return listMessages(ctx, s.db, conversationID)
}

func listMessages(ctx context.Context, q querier, conversationID string) ([]*Message, error) {
	msgs, err := queryMessages(ctx, q, `
		SELECT `+messageColumns+` FROM messages
		WHERE conversation_id = ?
		ORDER BY created_at, rowid
	`, conversationID)
	if err != nil {
		return nil, err
	}
	if err := loadSeen(ctx, q, `JOIN messages m ON m.id = s.message_id WHERE m.conversation_id = ?`, conversationID, msgs); err != nil {
		return nil, err
	}
	return msgs, nil
}

func queryMessages(ctx context.Context, q querier, query string, args ...any) ([]*Message, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying messages: %w", err)
	}
	defer rows.Close()

	msgs := []*Message{}
	for rows.Next() {
		var m Message
		var body, image, editedAt sql.NullString
		var createdAt string
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.SenderID, &body, &image, &createdAt, &editedAt); err != nil {
			return nil, fmt.Errorf("scanning message: %w", err)
		}
		if body.Valid {
			m.Body = &body.String
		}
		if image.Valid {
			m.Image = &image.String
		}
		if m.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, fmt.Errorf("parsing created_at: %w", err)
		}
		if editedAt.Valid {
			t, err := parseTime(editedAt.String)
			if err != nil {
				return nil, fmt.Errorf("parsing edited_at: %w", err)
			}
			m.EditedAt = &t
		}
		m.SeenIDs = []string{}
		msgs = append(msgs, &m)
	}
	return msgs, rows.Err()
}

// loadSeen fills SeenIDs for msgs from message_seen rows matching the filter clause.
func loadSeen(ctx context.Context, q querier, filter string, arg any, msgs []*Message) error {
	if len(msgs) == 0 {
		return nil
	}
	byID := make(map[string]*Message, len(msgs))
	for _, m := range msgs {
		byID[m.ID] = m
	}

	rows, err := q.QueryContext(ctx, `
		SELECT s.message_id, s.user_id FROM message_seen s `+filter+`
		ORDER BY s.seen_at, s.rowid
	`, arg)
	if err != nil {
		return fmt.Errorf("querying seen: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var messageID, userID string
		if err := rows.Scan(&messageID, &userID); err != nil {
			return fmt.Errorf("scanning seen: %w", err)
		}
		if m, ok := byID[messageID]; ok {
			m.SeenIDs = append(m.SeenIDs, userID)
		}
	}
	return rows.Err()
}

// EditMessage applies an edit and adds the editor to the seen-set.
// Returns ErrNotFound if the message doesn't exist.
func (s *SQLiteStore) EditMessage(ctx context.Context, id string, edit MessageEdit) (*Message, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	editedAt := formatTime(edit.EditedAt)
	result, err := tx.ExecContext(ctx, `
		UPDATE messages
		SET body = COALESCE(?, body), image = COALESCE(?, image), edited_at = ?
		WHERE id = ?
	`, edit.Body, edit.Image, editedAt, id)
	if err != nil {
		return nil, fmt.Errorf("updating message: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return nil, ErrNotFound
	}

	if edit.EditorID != "" {
		_, err = tx.ExecContext(ctx, `
			INSERT OR IGNORE INTO message_seen (message_id, user_id, seen_at) VALUES (?, ?, ?)
		`, id, edit.EditorID, editedAt)
		if err != nil {
			return nil, fmt.Errorf("marking editor seen: %w", err)
		}
	}

	msg, err := getMessage(ctx, tx, id)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing edit: %w", err)
	}
	return msg, nil
}

// DeleteMessage removes a message and, in the same transaction, recomputes the
// conversation's lastMessageAt when opts judges the message to have been the last.
// Returns ErrNotFound if the message or its conversation doesn't exist.
func (s *SQLiteStore) DeleteMessage(ctx context.Context, id string, opts DeleteOptions) (*DeleteResult, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	deleted, err := getMessage(ctx, tx, id)
	if err != nil {
		return nil, err
	}
	conv, err := getConversation(ctx, tx, deleted.ConversationID)
	if err != nil {
		return nil, err
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE id = ?`, id); err != nil {
		return nil, fmt.Errorf("deleting message: %w", err)
	}

	res := &DeleteResult{
		Deleted: deleted,
		WasLast: opts.isLast(conv.LastMessageAt, deleted.CreatedAt),
	}

	if err := tx.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM messages WHERE conversation_id = ?
	`, conv.ID).Scan(&res.Remaining); err != nil {
		return nil, fmt.Errorf("counting messages: %w", err)
	}

	switch {
	case res.WasLast && res.Remaining > 0:
		newest, err := queryMessages(ctx, tx, `
			SELECT `+messageColumns+` FROM messages
			WHERE conversation_id = ?
			ORDER BY created_at DESC, rowid DESC
			LIMIT 1
		`, conv.ID)
		if err != nil {
			return nil, err
		}
		if err := loadSeen(ctx, tx, `WHERE s.message_id = ?`, newest[0].ID, newest); err != nil {
			return nil, err
		}
		res.NewLast = newest[0]
		if err := setLastMessageAt(ctx, tx, conv, res.NewLast.CreatedAt); err != nil {
			return nil, err
		}
	case res.Remaining == 0 && opts.ResetWhenEmpty:
		if err := setLastMessageAt(ctx, tx, conv, conv.CreatedAt); err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing delete: %w", err)
	}
	res.Conversation = conv

	s.logger.Debug("deleted message",
		"id", id,
		"conversation_id", conv.ID,
		"was_last", res.WasLast,
		"recomputed", res.Recomputed())
	return res, nil
}

func setLastMessageAt(ctx context.Context, q querier, conv *Conversation, at time.Time) error {
	if _, err := q.ExecContext(ctx, `
		UPDATE conversations SET last_message_at = ? WHERE id = ?
	`, formatTime(at), conv.ID); err != nil {
		return fmt.Errorf("updating last_message_at: %w", err)
	}
	conv.LastMessageAt = at
	return nil
}

// MarkConversationSeen adds userID to the seen-set of every message in the conversation.
// Returns ErrNotFound if the conversation doesn't exist.
func (s *SQLiteStore) MarkConversationSeen(ctx context.Context, conversationID, userID string) (*SeenResult, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var exists int
	err = tx.QueryRowContext(ctx, `SELECT 1 FROM conversations WHERE id = ?`, conversationID).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying conversation: %w", err)
	}

	result, err := tx.ExecContext(ctx, `
		INSERT OR IGNORE INTO message_seen (message_id, user_id, seen_at)
		SELECT id, ?, ? FROM messages WHERE conversation_id = ?
	`, userID, formatTime(time.Now()), conversationID)
	if err != nil {
		return nil, fmt.Errorf("marking seen: %w", err)
	}
	marked, _ := result.RowsAffected()

	msgs, err := listMessages(ctx, tx, conversationID)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing seen: %w", err)
	}
	return &SeenResult{Messages: msgs, Marked: int(marked)}, nil
}
