// ABOUTME: Listener setup and the serve loop: plain TCP or a tsnet node on the tailnet
// ABOUTME: Run serves gRPC and HTTP until the context ends or a server fails, then shuts down

package gateway

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"google.golang.org/grpc"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"tailscale.com/ipn/ipnstate"
	"tailscale.com/tsnet"

	"github.com/2389/parley-gateway/internal/config"
)

const (
	shutdownTimeout = 5 * time.Second
	tailnetGRPCPort = ":50061"
)

// listeners is the pair of sockets the gateway serves on.
type listeners struct {
	grpc net.Listener
	http net.Listener
}

func (l listeners) close() {
	for _, ln := range []net.Listener{l.grpc, l.http} {
		if ln != nil {
			_ = ln.Close()
		}
	}
}

func (g *Gateway) listen(ctx context.Context) (listeners, error) {
	if !g.config.Tailscale.Enabled {
		return g.listenTCP()
	}
	if srv := g.config.Server; srv.GRPCAddr != "" || srv.HTTPAddr != "" {
		g.logger.Warn("server addresses are ignored while tailscale is enabled",
			"grpc_addr", srv.GRPCAddr,
			"http_addr", srv.HTTPAddr,
		)
	}
	return g.listenTailnet(ctx)
}

func (g *Gateway) listenTCP() (listeners, error) {
	var (
		l   listeners
		err error
	)
	if l.grpc, err = net.Listen("tcp", g.config.Server.GRPCAddr); err != nil {
		return listeners{}, fmt.Errorf("listening on gRPC address %s: %w", g.config.Server.GRPCAddr, err)
	}
	if l.http, err = net.Listen("tcp", g.config.Server.HTTPAddr); err != nil {
		l.close()
		return listeners{}, fmt.Errorf("listening on HTTP address %s: %w", g.config.Server.HTTPAddr, err)
	}
	return l, nil
}

// tailscaleStateDir defaults to <data dir>/tailscale.
func tailscaleStateDir(configured string) string {
	if configured != "" {
		return configured
	}
	return filepath.Join(config.DataDir(), "tailscale")
}

// tailscaleAuthKey falls back to $TS_AUTHKEY.
func tailscaleAuthKey(configured string) (string, error) {
	if configured != "" {
		return configured, nil
	}
	if key := os.Getenv("TS_AUTHKEY"); key != "" {
		return key, nil
	}
	return "", errors.New("tailscale auth key required: set tailscale.auth_key or TS_AUTHKEY")
}

func (g *Gateway) listenTailnet(ctx context.Context) (l listeners, err error) {
	ts := g.config.Tailscale

	dir := tailscaleStateDir(ts.StateDir)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return l, fmt.Errorf("creating tailscale state dir: %w", err)
	}
	key, err := tailscaleAuthKey(ts.AuthKey)
	if err != nil {
		return l, err
	}

	node := &tsnet.Server{
		Hostname:  ts.Hostname,
		Dir:       dir,
		Ephemeral: ts.Ephemeral,
		AuthKey:   key,
	}
	defer func() {
		if err != nil {
			l.close()
			_ = node.Close()
		}
	}()

	g.logger.Info("starting tailscale node", "hostname", ts.Hostname, "state_dir", dir, "ephemeral", ts.Ephemeral)
	status, err := node.Up(ctx)
	if err != nil {
		return l, fmt.Errorf("starting tailscale: %w", err)
	}
	g.logger.Info("tailscale node ready", tailnetAttrs(ts.Hostname, status)...)

	if l.grpc, err = node.Listen("tcp", tailnetGRPCPort); err != nil {
		return l, fmt.Errorf("listening on tailnet gRPC port: %w", err)
	}
	if l.http, err = tailnetHTTPListener(node, ts, g.logger); err != nil {
		return l, err
	}

	g.tsnetServer = node
	return l, nil
}

func tailnetAttrs(hostname string, status *ipnstate.Status) []any {
	attrs := []any{"hostname", hostname}
	if len(status.TailscaleIPs) > 0 {
		attrs = append(attrs, "tailscale_ip", status.TailscaleIPs[0].String())
	}
	if status.Self != nil {
		attrs = append(attrs, "dns_name", status.Self.DNSName)
	}
	return attrs
}

// tailnetHTTPListener picks public funnel, tailnet HTTPS with auto-provisioned
// certs, or plain HTTP on :80.
func tailnetHTTPListener(node *tsnet.Server, ts config.TailscaleConfig, logger *slog.Logger) (net.Listener, error) {
	switch {
	case ts.Funnel:
		logger.Info("enabling tailscale funnel (public HTTPS) on :443")
		ln, err := node.ListenFunnel("tcp", ":443")
		if err != nil {
			return nil, fmt.Errorf("listening on funnel: %w", err)
		}
		return ln, nil

	case ts.HTTPS:
		logger.Info("enabling HTTPS with tailscale certs on :443")
		lc, err := node.LocalClient()
		if err != nil {
			return nil, fmt.Errorf("getting tailscale local client: %w", err)
		}
		ln, err := node.Listen("tcp", ":443")
		if err != nil {
			return nil, fmt.Errorf("listening on tailnet HTTPS port: %w", err)
		}
		return tls.NewListener(ln, &tls.Config{
			GetCertificate: lc.GetCertificate,
			MinVersion:     tls.VersionTLS12,
		}), nil

	default:
		ln, err := node.Listen("tcp", ":80")
		if err != nil {
			return nil, fmt.Errorf("listening on tailnet HTTP port: %w", err)
		}
		return ln, nil
	}
}

// Run serves until ctx is canceled (returning nil after a clean shutdown) or
// a server fails (returning its error).
func (g *Gateway) Run(ctx context.Context) error {
	l, err := g.listen(ctx)
	if err != nil {
		return err
	}

	errCh := make(chan error, 2)
	serve := func(name string, ln net.Listener, fn func(net.Listener) error) {
		g.logger.Info(name+" server listening", "addr", ln.Addr().String())
		go func() {
			err := fn(ln)
			if err != nil && !errors.Is(err, http.ErrServerClosed) && !errors.Is(err, grpc.ErrServerStopped) {
				errCh <- fmt.Errorf("%s server: %w", name, err)
			}
		}()
	}
	serve("gRPC", l.grpc, g.grpcServer.Serve)
	serve("HTTP", l.http, g.httpServer.Serve)
	g.health.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)

	var serverErr error
	select {
	case <-ctx.Done():
		g.logger.Info("context canceled, initiating shutdown")
	case serverErr = <-errCh:
		g.logger.Error("server error", "error", serverErr)
	}

	// ctx may already be done; shutdown gets its own deadline.
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	if err := g.Shutdown(shutdownCtx); err != nil && serverErr == nil {
		return err
	}
	return serverErr
}
