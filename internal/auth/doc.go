// Package auth authenticates parley-gateway requests.
//
// Users present an HS256 JWT whose subject is their user ID, either as an
// Authorization bearer header or, for WebSocket upgrades only, as a
// ?token= query parameter. Tokens are issued by the CLI (`parley-gateway
// token`) using the configured jwt_secret.
//
// HTTPAuthMiddleware rejects requests without a valid token for an
// existing user. OptionalAuthMiddleware attaches the identity when present
// and otherwise lets the request through anonymously, which the seen
// endpoint relies on.
//
// Handlers read the caller with FromContext or UserID.
package auth
