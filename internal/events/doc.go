// Package events carries lifecycle notifications from the gateway to
// connected clients.
//
// Channels come in two families. conversation:{id} carries message events
// for everyone viewing that conversation; user:{email} carries summary
// events for one user's conversation list.
//
// MemoryBus fans out inside one process. RedisBus maps the same channels
// onto Redis pub/sub so several gateway instances share one event stream.
// Both drop events for subscribers whose buffers are full rather than block
// the publisher.
package events
