// ABOUTME: Session owns the subscription for the conversation a client is viewing
// ABOUTME: Switching conversations releases the old stream and fences its late events with a generation token

package client

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/2389/parley-gateway/internal/dedupe"
	"github.com/2389/parley-gateway/internal/events"
	"github.com/2389/parley-gateway/internal/store"
)

// Default dedupe window for redelivered events.
const (
	DefaultDedupeTTL  = 5 * time.Minute
	defaultDedupeSize = 10000
)

// SessionOptions configures a Session. Hooks run under the session lock and
// must not block; hand slow work to a goroutine.
type SessionOptions struct {
	// OnChange is called with a snapshot after every event that changed the timeline.
	OnChange func(conversationID string, messages []*store.Message)
	// MarkSeen is called when a message from someone else arrives.
	MarkSeen func(conversationID string)
	// DedupeTTL bounds how long event ids are remembered. Zero uses DefaultDedupeTTL.
	DedupeTTL time.Duration
	Logger    *slog.Logger
}

// Session is the client's handle on the active conversation. Only one
// conversation is followed at a time.
type Session struct {
	transport Transport
	viewerID  string
	opts      SessionOptions
	logger    *slog.Logger
	seen      *dedupe.Seen

	mu       sync.Mutex
	gen      uint64
	timeline *Timeline
	stream   Stream
	wg       sync.WaitGroup
}

// NewSession creates a session for viewerID receiving events over transport.
func NewSession(transport Transport, viewerID string, opts SessionOptions) *Session {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	ttl := opts.DedupeTTL
	if ttl <= 0 {
		ttl = DefaultDedupeTTL
	}
	return &Session{
		transport: transport,
		viewerID:  viewerID,
		opts:      opts,
		logger:    logger.With("component", "session"),
		seen:      dedupe.NewSeen(ttl, defaultDedupeSize),
	}
}

// Open switches the session to conversationID, seeding the timeline with
// initial. The previous subscription is released before the new one is
// acquired.
func (s *Session) Open(ctx context.Context, conversationID string, initial []*store.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.releaseLocked()
	s.gen++
	gen := s.gen
	s.timeline = NewTimeline(conversationID, s.viewerID, initial)

	stream, err := s.transport.Subscribe(ctx, events.ConversationChannel(conversationID))
	if err != nil {
		s.timeline = nil
		return err
	}
	s.stream = stream

	s.wg.Go(func() {
		for ev := range stream.Events() {
			s.handle(gen, ev)
		}
	})
	s.logger.Debug("opened conversation", "conversation_id", conversationID, "generation", gen)
	return nil
}

// releaseLocked drops the current subscription. Bumping the generation
// fences any event already in flight from the old stream.
func (s *Session) releaseLocked() {
	if s.stream != nil {
		s.stream.Close()
		s.stream = nil
	}
	s.timeline = nil
	s.gen++
}

// Close releases the subscription and waits for its reader to exit.
func (s *Session) Close() {
	s.mu.Lock()
	s.releaseLocked()
	s.mu.Unlock()

	s.wg.Wait()
	s.seen.Close()
}

// ConversationID returns the open conversation, or "" when none is open.
func (s *Session) ConversationID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.timeline == nil {
		return ""
	}
	return s.timeline.ConversationID()
}

// Messages returns a snapshot of the open timeline.
func (s *Session) Messages() []*store.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.timeline == nil {
		return nil
	}
	return s.timeline.Messages()
}

func (s *Session) handle(gen uint64, ev *events.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if gen != s.gen || s.timeline == nil {
		s.logger.Debug("dropping event from released subscription", "event", ev.Name, "channel", ev.Channel)
		return
	}
	// A redelivered messages:new still reaches the fold: it cannot duplicate
	// the message and it re-triggers seen marking. Redelivered updates and
	// deletes are dropped so a stale update cannot overwrite a newer one.
	if ev.ID != "" && s.seen.CheckAndMark(ev.ID) && ev.Name != events.MessageNew {
		s.logger.Debug("dropping redelivered event", "event_id", ev.ID, "event", ev.Name)
		return
	}

	res, err := s.timeline.Apply(ev)
	if err != nil {
		s.logger.Warn("ignoring malformed event", "event", ev.Name, "error", err)
		return
	}

	convID := s.timeline.ConversationID()
	if res.Changed && s.opts.OnChange != nil {
		s.opts.OnChange(convID, s.timeline.Messages())
	}
	if res.SeenNeeded && s.opts.MarkSeen != nil {
		s.opts.MarkSeen(convID)
	}
}
