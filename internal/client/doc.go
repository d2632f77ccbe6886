// Package client is the receiving side of parley's realtime stream.
//
// # Overview
//
// Clients render a conversation from an initial HTTP fetch and then keep it
// current by folding events from the bus. Events are delivered at least once
// and may arrive late, so every fold here is idempotent per event kind:
//
//   - messages:new appends unless the id is already present
//   - message:update replaces by id and ignores unknown ids
//   - message:delete removes by id and ignores unknown ids
//
// # Types
//
//   - Timeline: the message list of one conversation
//   - Inbox: conversation summaries driven by the personal channel
//   - Session: the subscription for the conversation being viewed
//   - Transport: BusTransport in-process, WSTransport over /api/realtime
//   - API: the JSON mutation and query endpoints
//
// # Session
//
// A Session follows one conversation at a time. Open releases the previous
// subscription before acquiring the next and bumps a generation counter, so
// an event still in flight from the old stream is discarded instead of
// landing in the new timeline. Event ids are remembered in a TTL cache and
// redelivered events are dropped before they reach the fold.
//
//	sess := client.NewSession(transport, me.ID, client.SessionOptions{
//	    OnChange: func(convID string, msgs []*store.Message) { render(msgs) },
//	    MarkSeen: func(convID string) { go api.MarkSeen(ctx, convID) },
//	})
//	defer sess.Close()
//	err := sess.Open(ctx, convID, history)
package client
