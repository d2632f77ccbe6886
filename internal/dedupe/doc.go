// Package dedupe provides a TTL cache for recognising repeats: event IDs
// redelivered by the bus, and Idempotency-Key headers on message creation
// whose first response should be replayed.
package dedupe
