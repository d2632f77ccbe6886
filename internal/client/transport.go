// ABOUTME: Transport abstraction for receiving channel events on the client side
// ABOUTME: BusTransport adapts an in-process events.Bus; Follow drains a stream through a dedupe cache

package client

import (
	"context"
	"errors"
	"log/slog"

	"github.com/2389/parley-gateway/internal/dedupe"
	"github.com/2389/parley-gateway/internal/events"
)

// ErrTransportClosed is returned when subscribing on a closed transport.
var ErrTransportClosed = errors.New("transport closed")

// Stream is one live channel subscription.
type Stream interface {
	// Events is closed when the stream ends.
	Events() <-chan *events.Event
	Close()
}

// Transport opens channel subscriptions.
type Transport interface {
	Subscribe(ctx context.Context, channel string) (Stream, error)
}

// BusTransport subscribes directly on a bus in the same process.
type BusTransport struct {
	Bus events.Bus
}

// Subscribe implements Transport.
func (t BusTransport) Subscribe(ctx context.Context, channel string) (Stream, error) {
	sub, err := t.Bus.Subscribe(ctx, channel)
	if err != nil {
		return nil, err
	}
	return busStream{sub}, nil
}

type busStream struct {
	sub *events.Subscription
}

func (s busStream) Events() <-chan *events.Event { return s.sub.C }
func (s busStream) Close()                       { s.sub.Close() }

// Follow subscribes to channel and calls fn for every event whose id has not
// been seen before, until ctx is cancelled or the stream ends. seen may be
// nil to disable deduplication.
func Follow(ctx context.Context, t Transport, channel string, seen *dedupe.Seen, logger *slog.Logger, fn func(*events.Event)) error {
	stream, err := t.Subscribe(ctx, channel)
	if err != nil {
		return err
	}
	defer stream.Close()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-stream.Events():
			if !ok {
				return ctx.Err()
			}
			if seen != nil && ev.ID != "" && seen.CheckAndMark(ev.ID) {
				if logger != nil {
					logger.Debug("dropping redelivered event", "channel", channel, "event_id", ev.ID)
				}
				continue
			}
			fn(ev)
		}
	}
}
