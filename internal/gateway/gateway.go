// ABOUTME: Gateway orchestrator that coordinates gRPC and HTTP servers
// ABOUTME: Wires store, event bus, lifecycle service and realtime endpoint, and manages their lifecycle

package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gorilla/websocket"
	"golang.org/x/sync/singleflight"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"
	"tailscale.com/tsnet"

	"github.com/2389/parley-gateway/internal/auth"
	"github.com/2389/parley-gateway/internal/config"
	"github.com/2389/parley-gateway/internal/conversation"
	"github.com/2389/parley-gateway/internal/dedupe"
	"github.com/2389/parley-gateway/internal/events"
	"github.com/2389/parley-gateway/internal/metrics"
	"github.com/2389/parley-gateway/internal/store"
)

// idempotencyCacheSize bounds the Idempotency-Key replay cache.
const idempotencyCacheSize = 100_000

// Gateway orchestrates the parley-gateway server components.
type Gateway struct {
	config       *config.Config
	store        store.Store
	bus          events.Bus
	conversation *conversation.Service
	metrics      *metrics.Metrics
	verifier     *auth.JWTVerifier
	grpcServer   *grpc.Server
	health       *health.Server
	httpServer   *http.Server
	tsnetServer  *tsnet.Server
	logger       *slog.Logger

	// idempotency replays CreateMessage results for retried requests;
	// inflight collapses concurrent retries of the same key into one create.
	idempotency *dedupe.Cache[*store.Message]
	inflight    singleflight.Group

	validate *validator.Validate
	upgrader websocket.Upgrader
}

// OpenStore creates the configured store. PARLEY_DB_PATH overrides the
// SQLite path.
func OpenStore(ctx context.Context, cfg *config.Config) (store.Store, error) {
	switch cfg.Database.Driver {
	case config.DriverPostgres:
		s, err := store.NewPostgresStore(ctx, cfg.Database.DSN)
		if err != nil {
			return nil, fmt.Errorf("initializing store: %w", err)
		}
		return s, nil
	default:
		dbPath := cfg.Database.Path
		if envPath := os.Getenv("PARLEY_DB_PATH"); envPath != "" {
			dbPath = envPath
		}
		s, err := store.NewSQLiteStore(dbPath)
		if err != nil {
			return nil, fmt.Errorf("initializing store: %w", err)
		}
		return s, nil
	}
}

// initBus creates the configured event bus with drops counted in m.
func initBus(ctx context.Context, cfg *config.Config, m *metrics.Metrics, logger *slog.Logger) (events.Bus, error) {
	opts := []events.Option{
		events.WithBufferSize(cfg.Bus.BufferSize),
		events.WithDropHook(m.EventDropped),
	}
	if cfg.Bus.Driver == config.BusRedis {
		bus, err := events.NewRedisBus(ctx, cfg.Bus.RedisURL, logger, opts...)
		if err != nil {
			return nil, fmt.Errorf("initializing event bus: %w", err)
		}
		return bus, nil
	}
	return events.NewMemoryBus(logger, opts...), nil
}

// createGRPCServer creates the gRPC server carrying the standard health
// service. Every other method, the Realtime service included, requires a
// user bearer token.
func createGRPCServer(users auth.UserLookup, verifier auth.TokenVerifier, logger *slog.Logger) (*grpc.Server, *health.Server) {
	server := grpc.NewServer(
		grpc.UnaryInterceptor(auth.UnaryInterceptor(users, verifier, logger, auth.HealthServicePrefix)),
		grpc.StreamInterceptor(auth.StreamInterceptor(users, verifier, logger, auth.HealthServicePrefix)),
		grpc.KeepaliveParams(keepalive.ServerParameters{
			Time:    15 * time.Second,
			Timeout: 5 * time.Second,
		}),
		grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{
			MinTime:             5 * time.Second,
			PermitWithoutStream: true,
		}),
	)
	hs := health.NewServer()
	healthpb.RegisterHealthServer(server, hs)
	return server, hs
}

func serviceOptions(cfg *config.Config, m *metrics.Metrics) (conversation.Options, error) {
	matcher, err := conversation.MatcherByName(cfg.Lifecycle.LastMessageMatch)
	if err != nil {
		return conversation.Options{}, err
	}
	return conversation.Options{
		Matcher:        matcher,
		ResetWhenEmpty: cfg.Lifecycle.ResetEmptyLastMessageAt,
		Policy:         conversation.MutationPolicy(cfg.Lifecycle.MutationPolicy),
		Metrics:        m,
	}, nil
}

// New creates a new Gateway instance with the given configuration.
func New(cfg *config.Config, logger *slog.Logger) (*Gateway, error) {
	ctx := context.Background()

	verifier, err := auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret))
	if err != nil {
		return nil, fmt.Errorf("creating JWT verifier: %w", err)
	}

	m := metrics.New()

	s, err := OpenStore(ctx, cfg)
	if err != nil {
		return nil, err
	}

	bus, err := initBus(ctx, cfg, m, logger)
	if err != nil {
		_ = s.Close()
		return nil, err
	}

	opts, err := serviceOptions(cfg, m)
	if err != nil {
		_ = bus.Close()
		_ = s.Close()
		return nil, err
	}

	grpcServer, hs := createGRPCServer(s, verifier, logger.With("component", "grpc"))

	idemTTL := cfg.Lifecycle.IdempotencyTTL
	if idemTTL <= 0 {
		idemTTL = 5 * time.Minute
	}

	gw := &Gateway{
		config:       cfg,
		store:        s,
		bus:          bus,
		conversation: conversation.New(s, bus, logger, opts),
		metrics:      m,
		verifier:     verifier,
		grpcServer:   grpcServer,
		health:       hs,
		logger:       logger.With("component", "gateway"),
		idempotency:  dedupe.New[*store.Message](idemTTL, idempotencyCacheSize),
		validate:     newValidator(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Browsers send Origin; bearer tokens are the access control.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}

	grpcServer.RegisterService(&realtimeServiceDesc, grpcRealtime{g: gw})

	gw.httpServer = &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           gw.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	return gw, nil
}

// Handler exposes the HTTP router, mainly for tests.
func (g *Gateway) Handler() http.Handler {
	return g.httpServer.Handler
}

// Service exposes the lifecycle service.
func (g *Gateway) Service() *conversation.Service {
	return g.conversation
}

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(jsonFieldName)
	return v
}

// shutdownGRPCServer gracefully stops the gRPC server or force-stops on context cancel.
func (g *Gateway) shutdownGRPCServer(ctx context.Context) {
	stopped := make(chan struct{})
	go func() {
		g.grpcServer.GracefulStop()
		close(stopped)
	}()

	select {
	case <-stopped:
	case <-ctx.Done():
		g.grpcServer.Stop()
	}
}

// closeErr labels a non-nil close error.
func closeErr(label string, err error) error {
	if err != nil {
		return fmt.Errorf("%s: %w", label, err)
	}
	return nil
}

// Shutdown stops serving and releases the store, the bus and the caches.
// Realtime connections end when the bus closes their subscriptions.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.logger.Info("shutting down gateway")
	g.health.Shutdown()

	errs := []error{closeErr("HTTP shutdown", g.httpServer.Shutdown(ctx))}
	g.shutdownGRPCServer(ctx)
	if g.tsnetServer != nil {
		errs = append(errs, closeErr("tailscale shutdown", g.tsnetServer.Close()))
	}
	errs = append(errs,
		closeErr("event bus close", g.bus.Close()),
		closeErr("store close", g.store.Close()),
	)
	g.idempotency.Close()

	return errors.Join(errs...)
}

// handleHealth returns 200 OK if the server is alive.
func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// pinger is implemented by buses with a remote backend.
type pinger interface {
	Ping(ctx context.Context) error
}

// handleReady returns 200 OK when the store (and a remote bus, if any) respond.
func (g *Gateway) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if err := g.store.Ping(ctx); err != nil {
		g.logger.Warn("readiness check failed", "dependency", "store", "error", err)
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("store unavailable"))
		return
	}
	if p, ok := g.bus.(pinger); ok {
		if err := p.Ping(ctx); err != nil {
			g.logger.Warn("readiness check failed", "dependency", "bus", "error", err)
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte("event bus unavailable"))
			return
		}
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ready"))
}
