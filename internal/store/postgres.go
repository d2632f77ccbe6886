// ABOUTME: PostgreSQL implementation of the Store interface using a pgx connection pool
// ABOUTME: Locks the conversation row FOR UPDATE so concurrent deletes recompute lastMessageAt serially

package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore implements the Store interface on PostgreSQL.
type PostgresStore struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// pgQuerier is satisfied by both *pgxpool.Pool and pgx.Tx.
type pgQuerier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// NewPostgresStore connects to dsn, verifies connectivity and creates the schema.
func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	logger := slog.Default().With("component", "store")

	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parsing postgres dsn: %w", err)
	}
	if cfg.MaxConnIdleTime == 0 {
		cfg.MaxConnIdleTime = 5 * time.Minute
	}
	if cfg.HealthCheckPeriod == 0 {
		cfg.HealthCheckPeriod = time.Minute
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("creating postgres pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging postgres: %w", err)
	}

	s := &PostgresStore{pool: pool, logger: logger}
	if err := s.createSchema(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("PostgreSQL store initialized", "host", cfg.ConnConfig.Host, "database", cfg.ConnConfig.Database)
	return s, nil
}

func (s *PostgresStore) createSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS users (
			id         TEXT PRIMARY KEY,
			email      TEXT NOT NULL UNIQUE,
			name       TEXT NOT NULL DEFAULT '',
			image      TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL
		);

		CREATE TABLE IF NOT EXISTS conversations (
			seq             BIGSERIAL,
			id              TEXT PRIMARY KEY,
			name            TEXT,
			is_group        BOOLEAN NOT NULL DEFAULT FALSE,
			created_at      TIMESTAMPTZ NOT NULL,
			last_message_at TIMESTAMPTZ NOT NULL
		);

		CREATE TABLE IF NOT EXISTS conversation_members (
			conversation_id TEXT NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
			user_id         TEXT NOT NULL REFERENCES users(id),
			position        INTEGER NOT NULL,
			PRIMARY KEY (conversation_id, user_id)
		);

		CREATE INDEX IF NOT EXISTS idx_members_user ON conversation_members(user_id);

		CREATE TABLE IF NOT EXISTS messages (
			seq             BIGSERIAL,
			id              TEXT PRIMARY KEY,
			conversation_id TEXT NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
			sender_id       TEXT NOT NULL REFERENCES users(id),
			body            TEXT,
			image           TEXT,
			created_at      TIMESTAMPTZ NOT NULL,
			edited_at       TIMESTAMPTZ
		);

		CREATE INDEX IF NOT EXISTS idx_messages_conversation_created
			ON messages(conversation_id, created_at, seq);

		CREATE TABLE IF NOT EXISTS message_seen (
			seq        BIGSERIAL,
			message_id TEXT NOT NULL REFERENCES messages(id) ON DELETE CASCADE,
			user_id    TEXT NOT NULL REFERENCES users(id),
			seen_at    TIMESTAMPTZ NOT NULL,
			PRIMARY KEY (message_id, user_id)
		);
	`)
	return err
}

// Close closes the pool
func (s *PostgresStore) Close() error {
	s.logger.Info("closing PostgreSQL store")
	s.pool.Close()
	return nil
}

// Ping checks the database connection
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// CreateUser inserts a user. Returns ErrDuplicateEmail if the email is taken.
func (s *PostgresStore) CreateUser(ctx context.Context, user *User) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO users (id, email, name, image, created_at) VALUES ($1, $2, $3, $4, $5)
	`, user.ID, user.Email, user.Name, user.Image, user.CreatedAt.UTC())
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicateEmail
		}
		return fmt.Errorf("inserting user: %w", err)
	}
	return nil
}

// GetUser retrieves a user by ID.
func (s *PostgresStore) GetUser(ctx context.Context, id string) (*User, error) {
	return pgScanUser(s.pool.QueryRow(ctx, `
		SELECT id, email, name, image, created_at FROM users WHERE id = $1
	`, id))
}

// GetUserByEmail retrieves a user by email.
func (s *PostgresStore) GetUserByEmail(ctx context.Context, email string) (*User, error) {
	return pgScanUser(s.pool.QueryRow(ctx, `
		SELECT id, email, name, image, created_at FROM users WHERE email = $1
	`, email))
}

func pgScanUser(row pgx.Row) (*User, error) {
	var u User
	err := row.Scan(&u.ID, &u.Email, &u.Name, &u.Image, &u.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying user: %w", err)
	}
	u.CreatedAt = u.CreatedAt.UTC()
	return &u, nil
}

// CreateConversation inserts a conversation and its ordered member list.
func (s *PostgresStore) CreateConversation(ctx context.Context, conv *Conversation) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
			INSERT INTO conversations (id, name, is_group, created_at, last_message_at)
			VALUES ($1, $2, $3, $4, $5)
		`, conv.ID, conv.Name, conv.IsGroup, conv.CreatedAt.UTC(), conv.LastMessageAt.UTC())
		if err != nil {
			return fmt.Errorf("inserting conversation: %w", err)
		}
		for i, userID := range conv.UserIDs {
			if _, err := tx.Exec(ctx, `
				INSERT INTO conversation_members (conversation_id, user_id, position) VALUES ($1, $2, $3)
			`, conv.ID, userID, i); err != nil {
				return fmt.Errorf("inserting member %s: %w", userID, err)
			}
		}
		return nil
	})
}

// GetConversation retrieves a conversation with its members hydrated.
func (s *PostgresStore) GetConversation(ctx context.Context, id string) (*Conversation, error) {
	return pgGetConversation(ctx, s.pool, id, false)
}

// pgGetConversation loads a conversation; forUpdate takes the row lock inside a transaction.
func pgGetConversation(ctx context.Context, q pgQuerier, id string, forUpdate bool) (*Conversation, error) {
	query := `SELECT id, name, is_group, created_at, last_message_at FROM conversations WHERE id = $1`
	if forUpdate {
		query += ` FOR UPDATE`
	}

	var conv Conversation
	err := q.QueryRow(ctx, query, id).Scan(&conv.ID, &conv.Name, &conv.IsGroup, &conv.CreatedAt, &conv.LastMessageAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying conversation: %w", err)
	}
	conv.CreatedAt = conv.CreatedAt.UTC()
	conv.LastMessageAt = conv.LastMessageAt.UTC()

	rows, err := q.Query(ctx, `
		SELECT u.id, u.email, u.name, u.image, u.created_at
		FROM conversation_members m
		JOIN users u ON u.id = m.user_id
		WHERE m.conversation_id = $1
		ORDER BY m.position
	`, id)
	if err != nil {
		return nil, fmt.Errorf("querying members: %w", err)
	}
	defer rows.Close()

	conv.UserIDs = []string{}
	for rows.Next() {
		var u User
		if err := rows.Scan(&u.ID, &u.Email, &u.Name, &u.Image, &u.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning member: %w", err)
		}
		u.CreatedAt = u.CreatedAt.UTC()
		conv.UserIDs = append(conv.UserIDs, u.ID)
		conv.Users = append(conv.Users, &u)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating members: %w", err)
	}
	return &conv, nil
}

// FindDirectConversation returns the non-group conversation between exactly userA and userB.
func (s *PostgresStore) FindDirectConversation(ctx context.Context, userA, userB string) (*Conversation, error) {
	var id string
	err := s.pool.QueryRow(ctx, `
		SELECT c.id FROM conversations c
		WHERE NOT c.is_group
		  AND EXISTS (SELECT 1 FROM conversation_members WHERE conversation_id = c.id AND user_id = $1)
		  AND EXISTS (SELECT 1 FROM conversation_members WHERE conversation_id = c.id AND user_id = $2)
		  AND (SELECT COUNT(*) FROM conversation_members WHERE conversation_id = c.id) = 2
		ORDER BY c.created_at
		LIMIT 1
	`, userA, userB).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying direct conversation: %w", err)
	}
	return s.GetConversation(ctx, id)
}

// ListConversations returns the user's conversations, most recent activity first.
func (s *PostgresStore) ListConversations(ctx context.Context, userID string) ([]*Conversation, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT c.id FROM conversations c
		JOIN conversation_members m ON m.conversation_id = c.id
		WHERE m.user_id = $1
		ORDER BY c.last_message_at DESC, c.seq DESC
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("querying conversations: %w", err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("collecting conversation ids: %w", err)
	}

	convs := make([]*Conversation, 0, len(ids))
	for _, id := range ids {
		conv, err := s.GetConversation(ctx, id)
		if err != nil {
			return nil, err
		}
		if conv.Messages, err = pgListMessages(ctx, s.pool, id); err != nil {
			return nil, err
		}
		convs = append(convs, conv)
	}
	return convs, nil
}

// CreateMessage inserts a message and advances the conversation's lastMessageAt
// to it, never backwards.
func (s *PostgresStore) CreateMessage(ctx context.Context, msg *Message) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			UPDATE conversations SET last_message_at = GREATEST(last_message_at, $1) WHERE id = $2
		`, msg.CreatedAt.UTC(), msg.ConversationID)
		if err != nil {
			return fmt.Errorf("updating last_message_at: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return ErrNotFound
		}
		if _, err := tx.Exec(ctx, `
			INSERT INTO messages (id, conversation_id, sender_id, body, image, created_at)
			VALUES ($1, $2, $3, $4, $5, $6)
		`, msg.ID, msg.ConversationID, msg.SenderID, msg.Body, msg.Image, msg.CreatedAt.UTC()); err != nil {
			return fmt.Errorf("inserting message: %w", err)
		}
		return nil
	})
}

// GetMessage retrieves a message with its seen-set.
func (s *PostgresStore) GetMessage(ctx context.Context, id string) (*Message, error) {
	return pgGetMessage(ctx, s.pool, id)
}

const pgMessageColumns = `id, conversation_id, sender_id, body, image, created_at, edited_at`

func pgGetMessage(ctx context.Context, q pgQuerier, id string) (*Message, error) {
	msgs, err := pgQueryMessages(ctx, q, `SELECT `+pgMessageColumns+` FROM messages WHERE id = $1`, id)
	if err != nil {
		return nil, err
	}
	if len(msgs) == 0 {
		return nil, ErrNotFound
	}
	if err := pgLoadSeen(ctx, q, `WHERE s.message_id = $1`, id, msgs); err != nil {
		return nil, err
	}
	return msgs[0], nil
}

// ListMessages returns a conversation's messages oldest first.
func (s *PostgresStore) ListMessages(ctx context.Context, conversationID string) ([]*Message, error) {
	return pgListMessages(ctx, s.pool, conversationID)
}

func pgListMessages(ctx context.Context, q pgQuerier, conversationID string) ([]*Message, error) {
	msgs, err := pgQueryMessages(ctx, q, `
		SELECT `+pgMessageColumns+` FROM messages
		WHERE conversation_id = $1
		ORDER BY created_at, seq
	`, conversationID)
	if err != nil {
		return nil, err
	}
	if err := pgLoadSeen(ctx, q, `JOIN messages m ON m.id = s.message_id WHERE m.conversation_id = $1`, conversationID, msgs); err != nil {
		return nil, err
	}
	return msgs, nil
}

func pgQueryMessages(ctx context.Context, q pgQuerier, query string, args ...any) ([]*Message, error) {
	rows, err := q.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying messages: %w", err)
	}
	defer rows.Close()

	msgs := []*Message{}
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.SenderID, &m.Body, &m.Image, &m.CreatedAt, &m.EditedAt); err != nil {
			return nil, fmt.Errorf("scanning message: %w", err)
		}
		m.CreatedAt = m.CreatedAt.UTC()
		if m.EditedAt != nil {
			e := m.EditedAt.UTC()
			m.EditedAt = &e
		}
		m.SeenIDs = []string{}
		msgs = append(msgs, &m)
	}
	return msgs, rows.Err()
}

func pgLoadSeen(ctx context.Context, q pgQuerier, filter string, arg any, msgs []*Message) error {
	if len(msgs) == 0 {
		return nil
	}
	byID := make(map[string]*Message, len(msgs))
	for _, m := range msgs {
		byID[m.ID] = m
	}

	rows, err := q.Query(ctx, `
		SELECT s.message_id, s.user_id FROM message_seen s `+filter+`
		ORDER BY s.seen_at, s.seq
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
func (s *PostgresStore) EditMessage(ctx context.Context, id string, edit MessageEdit) (*Message, error) {
	var msg *Message
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		editedAt := edit.EditedAt.UTC()
		tag, err := tx.Exec(ctx, `
			UPDATE messages
			SET body = COALESCE($1, body), image = COALESCE($2, image), edited_at = $3
			WHERE id = $4
		`, edit.Body, edit.Image, editedAt, id)
		if err != nil {
			return fmt.Errorf("updating message: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return ErrNotFound
		}
		if edit.EditorID != "" {
			if _, err := tx.Exec(ctx, `
				INSERT INTO message_seen (message_id, user_id, seen_at) VALUES ($1, $2, $3)
				ON CONFLICT DO NOTHING
			`, id, edit.EditorID, editedAt); err != nil {
				return fmt.Errorf("marking editor seen: %w", err)
			}
		}
		msg, err = pgGetMessage(ctx, tx, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	return msg, nil
}

// DeleteMessage removes a message and recomputes lastMessageAt under the conversation row lock.
func (s *PostgresStore) DeleteMessage(ctx context.Context, id string, opts DeleteOptions) (*DeleteResult, error) {
	var res *DeleteResult
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		var conversationID string
		err := tx.QueryRow(ctx, `SELECT conversation_id FROM messages WHERE id = $1`, id).Scan(&conversationID)
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("querying message: %w", err)
		}

		conv, err := pgGetConversation(ctx, tx, conversationID, true)
		if err != nil {
			return err
		}

		// Re-read under the lock; a concurrent delete may have won.
		deleted, err := pgGetMessage(ctx, tx, id)
		if err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, `DELETE FROM messages WHERE id = $1`, id); err != nil {
			return fmt.Errorf("deleting message: %w", err)
		}

		res = &DeleteResult{
			Deleted: deleted,
			WasLast: opts.isLast(conv.LastMessageAt, deleted.CreatedAt),
		}
		if err := tx.QueryRow(ctx, `
			SELECT COUNT(*) FROM messages WHERE conversation_id = $1
		`, conv.ID).Scan(&res.Remaining); err != nil {
			return fmt.Errorf("counting messages: %w", err)
		}

		switch {
		case res.WasLast && res.Remaining > 0:
			newest, err := pgQueryMessages(ctx, tx, `
				SELECT `+pgMessageColumns+` FROM messages
				WHERE conversation_id = $1
				ORDER BY created_at DESC, seq DESC
				LIMIT 1
			`, conv.ID)
			if err != nil {
				return err
			}
			if err := pgLoadSeen(ctx, tx, `WHERE s.message_id = $1`, newest[0].ID, newest); err != nil {
				return err
			}
			res.NewLast = newest[0]
			if err := pgSetLastMessageAt(ctx, tx, conv, res.NewLast.CreatedAt); err != nil {
				return err
			}
		case res.Remaining == 0 && opts.ResetWhenEmpty:
			if err := pgSetLastMessageAt(ctx, tx, conv, conv.CreatedAt); err != nil {
				return err
			}
		}
		res.Conversation = conv
		return nil
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

func pgSetLastMessageAt(ctx context.Context, q pgQuerier, conv *Conversation, at time.Time) error {
	if _, err := q.Exec(ctx, `
		UPDATE conversations SET last_message_at = $1 WHERE id = $2
	`, at.UTC(), conv.ID); err != nil {
		return fmt.Errorf("updating last_message_at: %w", err)
	}
	conv.LastMessageAt = at
	return nil
}

// MarkConversationSeen adds userID to the seen-set of every message in the conversation.
func (s *PostgresStore) MarkConversationSeen(ctx context.Context, conversationID, userID string) (*SeenResult, error) {
	var res *SeenResult
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		var exists int
		err := tx.QueryRow(ctx, `SELECT 1 FROM conversations WHERE id = $1`, conversationID).Scan(&exists)
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("querying conversation: %w", err)
		}

		tag, err := tx.Exec(ctx, `
			INSERT INTO message_seen (message_id, user_id, seen_at)
			SELECT id, $1, $2 FROM messages WHERE conversation_id = $3
			ON CONFLICT DO NOTHING
		`, userID, time.Now().UTC(), conversationID)
		if err != nil {
			return fmt.Errorf("marking seen: %w", err)
		}

		msgs, err := pgListMessages(ctx, tx, conversationID)
		if err != nil {
			return err
		}
		res = &SeenResult{Messages: msgs, Marked: int(tag.RowsAffected())}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}
