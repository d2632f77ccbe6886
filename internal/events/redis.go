// ABOUTME: Redis-backed event bus for multi-instance deployments
// ABOUTME: Maps bus channels onto Redis PUBLISH/SUBSCRIBE with JSON-encoded events

package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"
)

// redisKeyPrefix namespaces bus channels inside a shared Redis.
const redisKeyPrefix = "parley:"

// RedisBus implements Bus over Redis pub/sub. Every gateway instance
// subscribed to a channel receives every event published to it by any instance.
type RedisBus struct {
	client *goredis.Client
	opts   options
	logger *slog.Logger

	mu     sync.Mutex
	subs   map[string]*Subscription
	closed bool
}

// NewRedisBus connects to redisURL and verifies it with PING.
func NewRedisBus(ctx context.Context, redisURL string, logger *slog.Logger, opts ...Option) (*RedisBus, error) {
	redisOpts, err := goredis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("redis bus: invalid URL: %w", err)
	}
	client := goredis.NewClient(redisOpts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis bus: ping failed: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisBus{
		client: client,
		opts:   buildOptions(opts),
		logger: logger.With("component", "bus"),
		subs:   make(map[string]*Subscription),
	}, nil
}

// Publish encodes the event and publishes it on the Redis channel.
func (b *RedisBus) Publish(ctx context.Context, channel, name string, payload any) error {
	b.mu.Lock()
	closed := b.closed
	b.mu.Unlock()
	if closed {
		return ErrClosed
	}

	event, err := NewEvent(channel, name, payload)
	if err != nil {
		return err
	}
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encoding event: %w", err)
	}
	if err := b.client.Publish(ctx, redisKeyPrefix+channel, data).Err(); err != nil {
		return fmt.Errorf("redis publish %s: %w", channel, err)
	}
	return nil
}

// Subscribe opens a Redis subscription and returns once Redis has confirmed it,
// so events published after Subscribe returns are not missed.
func (b *RedisBus) Subscribe(ctx context.Context, channel string) (*Subscription, error) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, ErrClosed
	}
	b.mu.Unlock()

	pubsub := b.client.Subscribe(ctx, redisKeyPrefix+channel)
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("redis subscribe %s: %w", channel, err)
	}

	subCtx, cancel := context.WithCancel(ctx)
	out := make(chan *Event, b.opts.bufferSize)
	sub := &Subscription{
		ID:      uuid.NewString(),
		Channel: channel,
		C:       out,
	}
	sub.release = func() {
		cancel()
		b.mu.Lock()
		delete(b.subs, sub.ID)
		b.mu.Unlock()
	}

	b.mu.Lock()
	b.subs[sub.ID] = sub
	b.mu.Unlock()

	go b.pump(subCtx, pubsub, sub, out)

	b.logger.Debug("subscriber added", "channel", channel, "sub_id", sub.ID)
	return sub, nil
}

// pump forwards Redis messages to the subscription channel until ctx ends.
// It is the only sender on out, so it owns closing it.
func (b *RedisBus) pump(ctx context.Context, pubsub *goredis.PubSub, sub *Subscription, out chan<- *Event) {
	defer close(out)
	defer func() { _ = pubsub.Close() }()
	defer sub.Close()

	msgs := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			b.logger.Debug("subscriber removed", "channel", sub.Channel, "sub_id", sub.ID)
			return
		case msg, ok := <-msgs:
			if !ok {
				return
			}
			var event Event
			if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
				b.logger.Warn("discarding undecodable event", "channel", sub.Channel, "error", err)
				continue
			}
			select {
			case out <- &event:
			default:
				b.logger.Debug("dropped event for slow subscriber",
					"channel", sub.Channel,
					"sub_id", sub.ID,
					"event_id", event.ID)
				if b.opts.onDrop != nil {
					b.opts.onDrop(sub.Channel)
				}
			}
		}
	}
}

// Ping checks the Redis connection.
func (b *RedisBus) Ping(ctx context.Context) error {
	return b.client.Ping(ctx).Err()
}

// Close ends every subscription and closes the Redis client.
func (b *RedisBus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	subs := make([]*Subscription, 0, len(b.subs))
	for _, s := range b.subs {
		subs = append(subs, s)
	}
	b.mu.Unlock()

	for _, s := range subs {
		s.Close()
	}
	return b.client.Close()
}

var _ Bus = (*RedisBus)(nil)
