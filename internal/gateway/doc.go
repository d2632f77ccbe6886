// Package gateway orchestrates the parley-gateway server components.
//
// # Overview
//
// The gateway owns the store, the event bus, the lifecycle service and the
// servers that expose them: an HTTP server carrying the JSON API and the
// realtime WebSocket endpoint, and a gRPC server carrying the standard
// health service plus parley.v1.Realtime (Subscribe and MarkSeen over a JSON
// codec, bearer token required). Listeners are plain TCP or, when enabled, a tsnet node.
//
// # HTTP API
//
//   - POST /api/messages - Create a message (Idempotency-Key honoured)
//   - PATCH /api/messages/{messageId} - Edit body and/or image
//   - DELETE /api/messages/{messageId} - Hard-delete, returns the snapshot
//   - POST /api/conversations/{conversationId}/seen - Mark seen (optional auth)
//   - GET /api/conversations - The caller's inbox
//   - POST /api/conversations - Start a one-to-one or group conversation
//   - GET /api/conversations/{conversationId}/messages - History
//   - GET /api/realtime - WebSocket upgrade
//   - GET /health, GET /health/ready - Liveness and readiness
//   - GET /metrics - Prometheus metrics, when enabled
//
// Errors are JSON objects of the form {"error": "..."}. Lifecycle error kinds
// map to 401, 404, 400 and 403; anything else is a 500 with the cause logged.
//
// # Realtime
//
// Clients send {"action":"subscribe","channel":"conversation:<id>"} or
// {"action":"unsubscribe",...} and receive event frames:
//
//	{"id":"...","channel":"conversation:<id>","event":"messages:new","data":{...},"at":"..."}
//
// A subscribe is answered with subscription:ok or subscription:error and an
// unsubscribe with unsubscribe:ok, on the same channel. Conversation channels are open to members, user channels only
// to their owner. A slow client loses bus events rather than stalling the bus.
//
// # Lifecycle
//
//	gw, err := gateway.New(cfg, logger)
//	ctx, cancel := context.WithCancel(context.Background())
//	go gw.Run(ctx)
//	...
//	cancel() // Run shuts down with a 5s grace period
package gateway
