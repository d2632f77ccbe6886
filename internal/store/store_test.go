// ABOUTME: Backend-independent contract tests for the Store interface
// ABOUTME: Run against MockStore, SQLiteStore and PostgresStore so all three agree on semantics

package store

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var baseTime = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func at(seconds int) time.Time {
	return baseTime.Add(time.Duration(seconds) * time.Second)
}

func strPtr(s string) *string { return &s }

type fixture struct {
	alice, bob, carol *User
	conv              *Conversation
}

func seedFixture(t *testing.T, s Store) *fixture {
	t.Helper()
	ctx := t.Context()

	f := &fixture{}
	for _, u := range []**User{&f.alice, &f.bob, &f.carol} {
		id := uuid.NewString()
		*u = &User{ID: id, Email: id[:8] + "@example.com", Name: id[:8], CreatedAt: baseTime}
		require.NoError(t, s.CreateUser(ctx, *u))
	}

	f.conv = &Conversation{
		ID:            uuid.NewString(),
		UserIDs:       []string{f.alice.ID, f.bob.ID},
		CreatedAt:     baseTime,
		LastMessageAt: baseTime,
	}
	require.NoError(t, s.CreateConversation(ctx, f.conv))
	return f
}

func addMessage(t *testing.T, s Store, convID, senderID string, seconds int) *Message {
	t.Helper()
	msg := &Message{
		ID:             uuid.NewString(),
		ConversationID: convID,
		SenderID:       senderID,
		Body:           strPtr(fmt.Sprintf("message at t=%d", seconds)),
		CreatedAt:      at(seconds),
	}
	require.NoError(t, s.CreateMessage(t.Context(), msg))
	return msg
}

func lastMessageAt(t *testing.T, s Store, convID string) time.Time {
	t.Helper()
	conv, err := s.GetConversation(t.Context(), convID)
	require.NoError(t, err)
	return conv.LastMessageAt
}

// runStoreContract exercises every Store operation against a fresh store from newStore.
func runStoreContract(t *testing.T, newStore func(t *testing.T) Store) {
	t.Run("users", func(t *testing.T) {
		s := newStore(t)
		ctx := t.Context()

		u := &User{ID: "u1", Email: "ann@example.com", Name: "Ann", CreatedAt: baseTime}
		require.NoError(t, s.CreateUser(ctx, u))

		got, err := s.GetUser(ctx, "u1")
		require.NoError(t, err)
		assert.Equal(t, "ann@example.com", got.Email)
		assert.True(t, got.CreatedAt.Equal(baseTime))

		got, err = s.GetUserByEmail(ctx, "ann@example.com")
		require.NoError(t, err)
		assert.Equal(t, "u1", got.ID)

		err = s.CreateUser(ctx, &User{ID: "u2", Email: "ann@example.com", CreatedAt: baseTime})
		assert.ErrorIs(t, err, ErrDuplicateEmail)

		_, err = s.GetUser(ctx, "missing")
		assert.ErrorIs(t, err, ErrNotFound)
		_, err = s.GetUserByEmail(ctx, "missing@example.com")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("conversation members keep order", func(t *testing.T) {
		s := newStore(t)
		f := seedFixture(t, s)

		group := &Conversation{
			ID:            uuid.NewString(),
			Name:          strPtr("team"),
			IsGroup:       true,
			UserIDs:       []string{f.carol.ID, f.alice.ID, f.bob.ID},
			CreatedAt:     at(1),
			LastMessageAt: at(1),
		}
		require.NoError(t, s.CreateConversation(t.Context(), group))

		got, err := s.GetConversation(t.Context(), group.ID)
		require.NoError(t, err)
		assert.Equal(t, group.UserIDs, got.UserIDs)
		require.Len(t, got.Users, 3)
		assert.Equal(t, f.carol.Email, got.Users[0].Email)
		require.NotNil(t, got.Name)
		assert.Equal(t, "team", *got.Name)
		assert.True(t, got.IsGroup)

		_, err = s.GetConversation(t.Context(), "missing")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("find direct conversation", func(t *testing.T) {
		s := newStore(t)
		f := seedFixture(t, s)

		got, err := s.FindDirectConversation(t.Context(), f.bob.ID, f.alice.ID)
		require.NoError(t, err)
		assert.Equal(t, f.conv.ID, got.ID)

		_, err = s.FindDirectConversation(t.Context(), f.alice.ID, f.carol.ID)
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("list conversations by recent activity", func(t *testing.T) {
		s := newStore(t)
		f := seedFixture(t, s)

		other := &Conversation{
			ID:            uuid.NewString(),
			UserIDs:       []string{f.alice.ID, f.carol.ID},
			CreatedAt:     at(1),
			LastMessageAt: at(1),
		}
		require.NoError(t, s.CreateConversation(t.Context(), other))
		addMessage(t, s, f.conv.ID, f.bob.ID, 30)

		convs, err := s.ListConversations(t.Context(), f.alice.ID)
		require.NoError(t, err)
		require.Len(t, convs, 2)
		assert.Equal(t, f.conv.ID, convs[0].ID)
		assert.Len(t, convs[0].Messages, 1)
		assert.Equal(t, other.ID, convs[1].ID)

		convs, err = s.ListConversations(t.Context(), f.bob.ID)
		require.NoError(t, err)
		assert.Len(t, convs, 1)
	})

	t.Run("create message advances lastMessageAt", func(t *testing.T) {
		s := newStore(t)
		f := seedFixture(t, s)

		m1 := addMessage(t, s, f.conv.ID, f.alice.ID, 10)
		assert.True(t, lastMessageAt(t, s, f.conv.ID).Equal(m1.CreatedAt))

		m2 := addMessage(t, s, f.conv.ID, f.bob.ID, 20)
		assert.True(t, lastMessageAt(t, s, f.conv.ID).Equal(m2.CreatedAt))

		msgs, err := s.ListMessages(t.Context(), f.conv.ID)
		require.NoError(t, err)
		require.Len(t, msgs, 2)
		assert.Equal(t, m1.ID, msgs[0].ID)
		assert.Equal(t, m2.ID, msgs[1].ID)
		assert.Empty(t, msgs[0].SeenIDs)

		err = s.CreateMessage(t.Context(), &Message{
			ID: uuid.NewString(), ConversationID: "missing", SenderID: f.alice.ID, CreatedAt: at(1),
		})
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("out-of-order commits keep lastMessageAt on the newest", func(t *testing.T) {
		s := newStore(t)
		f := seedFixture(t, s)

		later := addMessage(t, s, f.conv.ID, f.alice.ID, 20)
		earlier := addMessage(t, s, f.conv.ID, f.bob.ID, 10)
		assert.True(t, lastMessageAt(t, s, f.conv.ID).Equal(later.CreatedAt))

		msgs, err := s.ListMessages(t.Context(), f.conv.ID)
		require.NoError(t, err)
		require.Len(t, msgs, 2)
		assert.Equal(t, earlier.ID, msgs[0].ID)
		assert.Equal(t, later.ID, msgs[1].ID)

		res, err := s.DeleteMessage(t.Context(), later.ID, DeleteOptions{})
		require.NoError(t, err)
		assert.True(t, res.WasLast)
		assert.True(t, lastMessageAt(t, s, f.conv.ID).Equal(earlier.CreatedAt))
	})

	t.Run("edit keeps absent fields and marks editor seen", func(t *testing.T) {
		s := newStore(t)
		f := seedFixture(t, s)
		msg := &Message{
			ID:             uuid.NewString(),
			ConversationID: f.conv.ID,
			SenderID:       f.alice.ID,
			Body:           strPtr("hello"),
			Image:          strPtr("https://img.example.com/a.png"),
			CreatedAt:      at(10),
		}
		require.NoError(t, s.CreateMessage(t.Context(), msg))

		edited, err := s.EditMessage(t.Context(), msg.ID, MessageEdit{
			Body:     strPtr("hello, edited"),
			EditorID: f.alice.ID,
			EditedAt: at(15),
		})
		require.NoError(t, err)
		assert.Equal(t, "hello, edited", *edited.Body)
		require.NotNil(t, edited.Image)
		assert.Equal(t, "https://img.example.com/a.png", *edited.Image)
		require.NotNil(t, edited.EditedAt)
		assert.True(t, edited.EditedAt.Equal(at(15)))
		assert.Equal(t, []string{f.alice.ID}, edited.SeenIDs)

		// Editing again does not duplicate the editor.
		edited, err = s.EditMessage(t.Context(), msg.ID, MessageEdit{EditorID: f.alice.ID, EditedAt: at(16)})
		require.NoError(t, err)
		assert.Equal(t, []string{f.alice.ID}, edited.SeenIDs)
		assert.Equal(t, "hello, edited", *edited.Body)

		_, err = s.EditMessage(t.Context(), "missing", MessageEdit{EditedAt: at(17)})
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("deleting the last message recomputes lastMessageAt", func(t *testing.T) {
		s := newStore(t)
		f := seedFixture(t, s)
		m1 := addMessage(t, s, f.conv.ID, f.alice.ID, 10)
		m2 := addMessage(t, s, f.conv.ID, f.bob.ID, 20)

		res, err := s.DeleteMessage(t.Context(), m2.ID, DeleteOptions{})
		require.NoError(t, err)
		assert.Equal(t, m2.ID, res.Deleted.ID)
		assert.True(t, res.WasLast)
		assert.True(t, res.Recomputed())
		assert.Equal(t, m1.ID, res.NewLast.ID)
		assert.Equal(t, 1, res.Remaining)
		assert.True(t, res.Conversation.LastMessageAt.Equal(at(10)))
		assert.True(t, lastMessageAt(t, s, f.conv.ID).Equal(at(10)))

		_, err = s.GetMessage(t.Context(), m2.ID)
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("deleting an older message leaves lastMessageAt", func(t *testing.T) {
		s := newStore(t)
		f := seedFixture(t, s)
		m1 := addMessage(t, s, f.conv.ID, f.alice.ID, 10)
		addMessage(t, s, f.conv.ID, f.bob.ID, 20)

		res, err := s.DeleteMessage(t.Context(), m1.ID, DeleteOptions{})
		require.NoError(t, err)
		assert.False(t, res.WasLast)
		assert.False(t, res.Recomputed())
		assert.True(t, lastMessageAt(t, s, f.conv.ID).Equal(at(20)))
	})

	t.Run("deleting the only message", func(t *testing.T) {
		s := newStore(t)
		f := seedFixture(t, s)
		m1 := addMessage(t, s, f.conv.ID, f.alice.ID, 10)

		res, err := s.DeleteMessage(t.Context(), m1.ID, DeleteOptions{})
		require.NoError(t, err)
		assert.True(t, res.WasLast)
		assert.False(t, res.Recomputed())
		assert.Equal(t, 0, res.Remaining)
		assert.True(t, lastMessageAt(t, s, f.conv.ID).Equal(at(10)))

		m2 := addMessage(t, s, f.conv.ID, f.alice.ID, 20)
		_, err = s.DeleteMessage(t.Context(), m2.ID, DeleteOptions{ResetWhenEmpty: true})
		require.NoError(t, err)
		assert.True(t, lastMessageAt(t, s, f.conv.ID).Equal(baseTime))
	})

	t.Run("delete uses the supplied matcher", func(t *testing.T) {
		s := newStore(t)
		f := seedFixture(t, s)
		addMessage(t, s, f.conv.ID, f.alice.ID, 10)
		m2 := addMessage(t, s, f.conv.ID, f.bob.ID, 20)

		never := func(time.Time, time.Time) bool { return false }
		res, err := s.DeleteMessage(t.Context(), m2.ID, DeleteOptions{IsLast: never})
		require.NoError(t, err)
		assert.False(t, res.WasLast)
		assert.True(t, lastMessageAt(t, s, f.conv.ID).Equal(at(20)))
	})

	t.Run("delete missing message", func(t *testing.T) {
		s := newStore(t)
		_, err := s.DeleteMessage(t.Context(), "missing", DeleteOptions{})
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("concurrent deletes converge on the survivor", func(t *testing.T) {
		s := newStore(t)
		f := seedFixture(t, s)
		m1 := addMessage(t, s, f.conv.ID, f.alice.ID, 10)
		m2 := addMessage(t, s, f.conv.ID, f.bob.ID, 20)
		m3 := addMessage(t, s, f.conv.ID, f.alice.ID, 30)

		var wg sync.WaitGroup
		errs := make([]error, 2)
		for i, id := range []string{m2.ID, m3.ID} {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, errs[i] = s.DeleteMessage(context.Background(), id, DeleteOptions{})
			}()
		}
		wg.Wait()
		require.NoError(t, errs[0])
		require.NoError(t, errs[1])

		assert.True(t, lastMessageAt(t, s, f.conv.ID).Equal(m1.CreatedAt))
	})

	t.Run("mark conversation seen", func(t *testing.T) {
		s := newStore(t)
		f := seedFixture(t, s)
		addMessage(t, s, f.conv.ID, f.alice.ID, 10)
		addMessage(t, s, f.conv.ID, f.alice.ID, 20)

		res, err := s.MarkConversationSeen(t.Context(), f.conv.ID, f.bob.ID)
		require.NoError(t, err)
		assert.Equal(t, 2, res.Marked)
		require.Len(t, res.Messages, 2)
		for _, m := range res.Messages {
			assert.True(t, m.SeenBy(f.bob.ID))
		}

		res, err = s.MarkConversationSeen(t.Context(), f.conv.ID, f.bob.ID)
		require.NoError(t, err)
		assert.Equal(t, 0, res.Marked)

		_, err = s.MarkConversationSeen(t.Context(), "missing", f.bob.ID)
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("ping", func(t *testing.T) {
		s := newStore(t)
		assert.NoError(t, s.Ping(t.Context()))
	})
}

func TestMessageClone(t *testing.T) {
	edited := at(5)
	orig := &Message{ID: "m1", Body: strPtr("hi"), EditedAt: &edited, SeenIDs: []string{"a"}}

	c := orig.Clone()
	*c.Body = "changed"
	c.SeenIDs[0] = "b"

	assert.Equal(t, "hi", *orig.Body)
	assert.Equal(t, []string{"a"}, orig.SeenIDs)
	assert.Nil(t, (*Message)(nil).Clone())
	assert.Equal(t, []string{}, (&Message{}).Clone().SeenIDs)
}

func TestConversationHasMember(t *testing.T) {
	c := &Conversation{UserIDs: []string{"a", "b"}}
	assert.True(t, c.HasMember("a"))
	assert.False(t, c.HasMember("c"))
	assert.False(t, c.HasMember(""))
}

func TestTimeFormatRoundTrip(t *testing.T) {
	in := time.Date(2026, 3, 1, 12, 0, 0, 123456000, time.FixedZone("x", 3600))
	out, err := parseTime(formatTime(in))
	require.NoError(t, err)
	assert.True(t, out.Equal(in))
	assert.Equal(t, time.UTC, out.Location())
}
