// ABOUTME: In-memory fan-out event bus for single-instance deployments
// ABOUTME: Publishes events to buffered subscriber channels, dropping for slow subscribers

package events

import (
	"context"
	"log/slog"
	"sync"

	"github.com/google/uuid"
)

// Option configures a bus.
type Option func(*options)

type options struct {
	bufferSize int
	onDrop     func(channel string)
}

// WithBufferSize sets the per-subscriber channel buffer.
func WithBufferSize(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.bufferSize = n
		}
	}
}

// WithDropHook registers a callback invoked each time an event is dropped
// for a subscriber whose buffer is full.
func WithDropHook(fn func(channel string)) Option {
	return func(o *options) { o.onDrop = fn }
}

func buildOptions(opts []Option) options {
	o := options{bufferSize: DefaultBufferSize}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// MemoryBus provides in-process pub/sub. Subscribers register for a channel
// and receive every event published to it while they are registered.
type MemoryBus struct {
	mu          sync.RWMutex
	subscribers map[string]map[string]chan *Event // channel -> subID -> ch
	closed      bool
	opts        options
	logger      *slog.Logger
}

// NewMemoryBus creates a bus. Pass nil logger for default.
func NewMemoryBus(logger *slog.Logger, opts ...Option) *MemoryBus {
	if logger == nil {
		logger = slog.Default()
	}
	return &MemoryBus{
		subscribers: make(map[string]map[string]chan *Event),
		opts:        buildOptions(opts),
		logger:      logger.With("component", "bus"),
	}
}

// Subscribe registers a subscriber for events on channel. The subscription
// is cleaned up when ctx is cancelled or Close is called on it.
func (b *MemoryBus) Subscribe(ctx context.Context, channel string) (*Subscription, error) {
	subID := uuid.NewString()
	ch := make(chan *Event, b.opts.bufferSize)

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, ErrClosed
	}
	if _, ok := b.subscribers[channel]; !ok {
		b.subscribers[channel] = make(map[string]chan *Event)
	}
	b.subscribers[channel][subID] = ch
	b.mu.Unlock()

	b.logger.Debug("subscriber added", "channel", channel, "sub_id", subID)

	done := make(chan struct{})
	sub := &Subscription{
		ID:      subID,
		Channel: channel,
		C:       ch,
		release: func() {
			close(done)
			b.unsubscribe(channel, subID)
		},
	}

	go func() {
		select {
		case <-ctx.Done():
			sub.Close()
		case <-done:
		}
	}()

	return sub, nil
}

// Publish sends an event to all subscribers of channel. Non-blocking: the
// event is dropped for subscribers whose buffers are full.
func (b *MemoryBus) Publish(ctx context.Context, channel, name string, payload any) error {
	event, err := NewEvent(channel, name, payload)
	if err != nil {
		return err
	}
	return b.PublishEvent(ctx, event)
}

// PublishEvent delivers an already-built event, keeping its ID.
func (b *MemoryBus) PublishEvent(ctx context.Context, event *Event) error {
	// Sends happen under the read lock so unsubscribe cannot close a
	// channel mid-send.
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return ErrClosed
	}

	for subID, ch := range b.subscribers[event.Channel] {
		select {
		case ch <- event:
		default:
			b.logger.Debug("dropped event for slow subscriber",
				"channel", event.Channel,
				"sub_id", subID,
				"event_id", event.ID)
			if b.opts.onDrop != nil {
				b.opts.onDrop(event.Channel)
			}
		}
	}
	return nil
}

// SubscriberCount returns the number of live subscriptions on channel.
func (b *MemoryBus) SubscriberCount(channel string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers[channel])
}

func (b *MemoryBus) unsubscribe(channel, subID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs, ok := b.subscribers[channel]
	if !ok {
		return
	}
	ch, exists := subs[subID]
	if !exists {
		return
	}

	delete(subs, subID)
	close(ch)

	if len(subs) == 0 {
		delete(b.subscribers, channel)
	}

	b.logger.Debug("subscriber removed", "channel", channel, "sub_id", subID)
}

// Close shuts down the bus and closes all subscriber channels.
func (b *MemoryBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil
	}
	b.closed = true

	for channel, subs := range b.subscribers {
		for subID, ch := range subs {
			close(ch)
			delete(subs, subID)
		}
		delete(b.subscribers, channel)
	}

	b.logger.Debug("bus closed")
	return nil
}

var _ Bus = (*MemoryBus)(nil)
