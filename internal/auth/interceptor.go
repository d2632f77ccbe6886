// ABOUTME: gRPC interceptors authenticating calls with the same bearer JWTs as the HTTP API
// ABOUTME: Methods under public prefixes (the health service) skip authentication

package auth

import (
	"context"
	"errors"
	"log/slog"
	"strings"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"

	"github.com/2389/parley-gateway/internal/store"
)

// HealthServicePrefix is the full-method prefix of grpc.health.v1.
const HealthServicePrefix = "/grpc.health.v1.Health/"

// logAuthFailure logs an authentication failure with structured context.
func logAuthFailure(ctx context.Context, logger *slog.Logger, method, reason string) {
	if logger == nil {
		return
	}
	attrs := []any{"reason", reason, "method", method}
	if p, ok := peer.FromContext(ctx); ok && p.Addr != nil {
		attrs = append(attrs, "peer_addr", p.Addr.String())
	}
	logger.Warn("auth failure", attrs...)
}

func isPublic(method string, public []string) bool {
	for _, prefix := range public {
		if strings.HasPrefix(method, prefix) {
			return true
		}
	}
	return false
}

// UnaryInterceptor returns a gRPC unary interceptor that authenticates requests.
func UnaryInterceptor(users UserLookup, tokens TokenVerifier, logger *slog.Logger, public ...string) grpc.UnaryServerInterceptor {
	return func(
		ctx context.Context,
		req any,
		info *grpc.UnaryServerInfo,
		handler grpc.UnaryHandler,
	) (any, error) {
		if isPublic(info.FullMethod, public) {
			return handler(ctx, req)
		}
		id, err := extractIdentity(ctx, users, tokens)
		if err != nil {
			logAuthFailure(ctx, logger, info.FullMethod, status.Convert(err).Message())
			return nil, err
		}
		return handler(WithIdentity(ctx, id), req)
	}
}

// StreamInterceptor returns a gRPC stream interceptor that authenticates requests.
func StreamInterceptor(users UserLookup, tokens TokenVerifier, logger *slog.Logger, public ...string) grpc.StreamServerInterceptor {
	return func(
		srv any,
		ss grpc.ServerStream,
		info *grpc.StreamServerInfo,
		handler grpc.StreamHandler,
	) error {
		if isPublic(info.FullMethod, public) {
			return handler(srv, ss)
		}
		id, err := extractIdentity(ss.Context(), users, tokens)
		if err != nil {
			logAuthFailure(ss.Context(), logger, info.FullMethod, status.Convert(err).Message())
			return err
		}
		return handler(srv, &wrappedServerStream{
			ServerStream: ss,
			ctx:          WithIdentity(ss.Context(), id),
		})
	}
}

// wrappedServerStream wraps a grpc.ServerStream with a custom context.
type wrappedServerStream struct {
	grpc.ServerStream
	ctx context.Context
}

// Context returns the wrapped context.
func (w *wrappedServerStream) Context() context.Context {
	return w.ctx
}

// extractIdentity resolves the caller from the authorization metadata.
func extractIdentity(ctx context.Context, users UserLookup, tokens TokenVerifier) (*Identity, error) {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return nil, status.Error(codes.Unauthenticated, "missing metadata")
	}
	headers := md.Get("authorization")
	if len(headers) == 0 {
		return nil, status.Error(codes.Unauthenticated, "missing authorization header")
	}
	token, errMsg := extractBearerToken(headers[0])
	if errMsg != "" {
		return nil, status.Error(codes.Unauthenticated, errMsg)
	}

	userID, err := tokens.Verify(token)
	if err != nil {
		return nil, status.Error(codes.Unauthenticated, "invalid or expired token")
	}

	user, err := users.GetUser(ctx, userID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, status.Error(codes.Unauthenticated, "user not found")
		}
		return nil, status.Errorf(codes.Internal, "looking up user: %v", err)
	}
	return &Identity{UserID: user.ID, Email: user.Email, Name: user.Name}, nil
}
