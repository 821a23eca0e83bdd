// ABOUTME: Gateway composition root that wires bus, store, registry, router, and coordinator
// ABOUTME: Manages the websocket listener (TCP, TLS, or tsnet), health endpoints, and ordered shutdown

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
	"sync"
	"time"

	"tailscale.com/ipn/ipnstate"
	"tailscale.com/tsnet"

	"github.com/2389/flowlink/internal/auth"
	"github.com/2389/flowlink/internal/bus"
	"github.com/2389/flowlink/internal/config"
	"github.com/2389/flowlink/internal/coordinator"
	"github.com/2389/flowlink/internal/metrics"
	"github.com/2389/flowlink/internal/registry"
	"github.com/2389/flowlink/internal/router"
	"github.com/2389/flowlink/internal/store"
	"github.com/2389/flowlink/internal/tlscert"
)

// ServerName is sent in the "source" response header of every accepted handshake.
const ServerName = "flowlink"

// Gateway owns every flowlink component and the websocket listener.
type Gateway struct {
	config      *config.Config
	bus         bus.Bus
	store       *store.SQLiteStore
	auth        *auth.Authenticator
	metrics     *metrics.Metrics
	registry    *registry.Registry
	router      *router.Router
	coordinator *coordinator.Coordinator
	httpServer  *http.Server
	tsnetServer *tsnet.Server
	logger      *slog.Logger

	// sessionCtx is canceled once every connection has been closed at shutdown
	sessionCtx    context.Context
	cancelSession context.CancelFunc
	sessions      sync.WaitGroup

	// admitMu guards closing and orders session admission against shutdown
	admitMu sync.Mutex
	closing bool

	shutdownOnce sync.Once
	shutdownErr  error
}

// newBus creates the configured bus implementation.
func newBus(cfg config.BusConfig, logger *slog.Logger) (bus.Bus, error) {
	switch cfg.Driver {
	case config.DriverNATS:
		nb, err := bus.NewNATSBus(bus.NATSConfig{
			URL:        cfg.NATSURL,
			Subject:    cfg.Subject,
			ClientName: cfg.ClientName,
		}, logger)
		if err != nil {
			return nil, err
		}
		return nb, nil
	default:
		return bus.NewMemoryBus(logger), nil
	}
}

// New creates a Gateway with every component started and ready to serve.
// Listeners are not opened until Run.
func New(cfg *config.Config, logger *slog.Logger) (*Gateway, error) {
	if logger == nil {
		logger = slog.Default()
	}

	b, err := newBus(cfg.Bus, logger)
	if err != nil {
		return nil, fmt.Errorf("initializing bus: %w", err)
	}

	s, err := store.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		_ = b.Close()
		return nil, fmt.Errorf("initializing store: %w", err)
	}

	policy, err := registry.NewPolicy(cfg.Policy.IPList, cfg.Policy.Blacklist())
	if err != nil {
		_ = s.Close()
		_ = b.Close()
		return nil, fmt.Errorf("parsing ip policy: %w", err)
	}
	if len(cfg.Policy.IPList) > 0 {
		logger.Info("ip policy loaded", "blacklist", policy.Blacklist(), "entries", len(cfg.Policy.IPList))
	}

	var m *metrics.Metrics
	if cfg.Metrics.Enabled {
		m = metrics.New()
	}

	authenticator := auth.NewAuthenticator(s, cfg.Auth.SharedSecret, logger)
	authenticator.SetAuditLog(s)

	reg := registry.New(b, policy, m, logger)

	sessionCtx, cancelSession := context.WithCancel(context.Background())

	rt := router.New(b, reg, router.Config{
		SafeMode:  cfg.Router.SafeMode,
		Whitelist: cfg.Router.MessageWhitelist,
	}, m, logger)
	rt.Start(sessionCtx)

	coord := coordinator.New(b, reg, coordinator.Config{
		Name:                cfg.Bus.ClientName,
		Timeout:             cfg.Coordinator.Timeout(),
		Priority:            cfg.Coordinator.Priority,
		Targets:             cfg.Coordinator.Targets,
		TargetTimeoutPolicy: cfg.Coordinator.TargetTimeoutPolicy,
		KeepaliveInterval:   cfg.Coordinator.KeepaliveInterval,
	}, m, logger)
	if err := coord.Start(); err != nil {
		logger.Warn("fallback handler announcement failed", "error", err)
	}

	gw := &Gateway{
		config:        cfg,
		bus:           b,
		store:         s,
		auth:          authenticator,
		metrics:       m,
		registry:      reg,
		router:        rt,
		coordinator:   coord,
		logger:        logger.With("component", "gateway"),
		sessionCtx:    sessionCtx,
		cancelSession: cancelSession,
	}

	gw.httpServer = &http.Server{
		Addr:              cfg.Server.Addr(),
		Handler:           gw.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	return gw, nil
}

// Handler returns the HTTP handler serving the websocket path, health
// endpoints, and metrics when enabled.
func (g *Gateway) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", g.handleHealth)
	mux.HandleFunc("/health/ready", g.handleReady)
	if g.metrics != nil {
		mux.Handle(g.config.Metrics.Path, g.metrics.Handler())
	}
	mux.HandleFunc(g.config.Server.Path, g.handleWebSocket)
	return mux
}

// Bus returns the event bus shared with the host application.
func (g *Gateway) Bus() bus.Bus {
	return g.bus
}

// Registry returns the connection registry.
func (g *Gateway) Registry() *registry.Registry {
	return g.registry
}

// Coordinator returns the ask-and-wait coordinator.
func (g *Gateway) Coordinator() *coordinator.Coordinator {
	return g.coordinator
}

// setupTCPListener binds the configured host and port, wrapping it in TLS when use_ssl is set.
func (g *Gateway) setupTCPListener() (net.Listener, error) {
	addr := g.config.Server.Addr()
	g.logger.Info("starting gateway", "addr", addr, "path", g.config.Server.Path, "tls", g.config.Server.UseSSL)

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listening on %s: %w", addr, err)
	}
	return g.wrapTLS(ln)
}

func (g *Gateway) wrapTLS(ln net.Listener) (net.Listener, error) {
	if !g.config.Server.UseSSL {
		return ln, nil
	}
	tlsCfg, err := tlscert.LoadServerConfig(g.config.Server.CertPath, g.config.Server.KeyPath)
	if err != nil {
		_ = ln.Close()
		return nil, err
	}
	return tls.NewListener(ln, tlsCfg), nil
}

// setupListener creates the listener based on configuration (Tailscale or TCP).
func (g *Gateway) setupListener(ctx context.Context) (net.Listener, error) {
	if g.config.Tailscale.Enabled {
		if g.config.Server.Host != "127.0.0.1" {
			g.logger.Warn("server.host is ignored when tailscale is enabled", "host", g.config.Server.Host)
		}
		return g.setupTailscaleListener(ctx)
	}
	return g.setupTCPListener()
}

// startServer serves HTTP in a goroutine, returning the error channel.
func (g *Gateway) startServer(ln net.Listener) chan error {
	errCh := make(chan error, 1)
	go func() {
		g.logger.Info("websocket server listening", "addr", ln.Addr().String())
		if err := g.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("HTTP server: %w", err)
		}
	}()
	return errCh
}

// waitForShutdownSignal waits for context cancellation or server error.
func (g *Gateway) waitForShutdownSignal(ctx context.Context, errCh chan error) error {
	select {
	case <-ctx.Done():
		g.logger.Info("context canceled, initiating shutdown")
		return nil
	case err := <-errCh:
		g.logger.Error("server error", "error", err)
		return err
	}
}

// Run binds the listener and serves until ctx is canceled, then shuts down.
// Returns nil on graceful shutdown, or the error that stopped the server.
// Failing to bind is returned immediately.
func (g *Gateway) Run(ctx context.Context) error {
	ln, err := g.setupListener(ctx)
	if err != nil {
		return err
	}

	errCh := g.startServer(ln)
	serverErr := g.waitForShutdownSignal(ctx, errCh)

	shutdownErr := g.gracefulShutdown()

	if serverErr != nil {
		return serverErr
	}
	return shutdownErr
}

// gracefulShutdown performs shutdown with a fresh context and timeout.
// Uses context.Background() intentionally since the original context is already canceled.
func (g *Gateway) gracefulShutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return g.Shutdown(ctx)
}

// resolveTailscaleStateDir returns the state directory, using default if not configured.
func resolveTailscaleStateDir(configured string) (string, error) {
	if configured != "" {
		return configured, nil
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory for tailscale state (set tailscale.state_dir explicitly): %w", err)
	}
	return filepath.Join(homeDir, ".local", "share", "flowlink", "tailscale"), nil
}

// resolveTailscaleAuthKey returns the auth key from config or environment.
func resolveTailscaleAuthKey(configured string) (string, error) {
	authKey := configured
	if authKey == "" {
		authKey = os.Getenv("TS_AUTHKEY")
	}
	if authKey == "" {
		return "", errors.New("tailscale auth key required: set auth_key in config or TS_AUTHKEY environment variable")
	}
	return authKey, nil
}

// setupTailscaleListener joins the tailnet and listens on server.port there.
func (g *Gateway) setupTailscaleListener(ctx context.Context) (net.Listener, error) {
	tsCfg := g.config.Tailscale

	stateDir, err := resolveTailscaleStateDir(tsCfg.StateDir)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(stateDir, 0700); err != nil {
		return nil, fmt.Errorf("creating tailscale state dir: %w", err)
	}

	authKey, err := resolveTailscaleAuthKey(tsCfg.AuthKey)
	if err != nil {
		return nil, err
	}

	g.tsnetServer = &tsnet.Server{
		Hostname:  tsCfg.Hostname,
		Dir:       stateDir,
		Ephemeral: tsCfg.Ephemeral,
		AuthKey:   authKey,
	}

	g.logger.Info("starting tailscale node", "hostname", tsCfg.Hostname, "state_dir", stateDir, "ephemeral", tsCfg.Ephemeral)
	status, err := g.tsnetServer.Up(ctx)
	if err != nil {
		_ = g.tsnetServer.Close()
		return nil, fmt.Errorf("starting tailscale: %w", err)
	}
	g.logTailscaleStatus(tsCfg.Hostname, status)

	ln, err := g.tsnetServer.Listen("tcp", fmt.Sprintf(":%d", g.config.Server.Port))
	if err != nil {
		_ = g.tsnetServer.Close()
		return nil, fmt.Errorf("listening on tailscale port: %w", err)
	}
	return g.wrapTLS(ln)
}

// logTailscaleStatus logs info about the tailscale node status.
func (g *Gateway) logTailscaleStatus(hostname string, status *ipnstate.Status) {
	var tsAddr, dnsName string
	if len(status.TailscaleIPs) > 0 {
		tsAddr = status.TailscaleIPs[0].String()
	} else {
		g.logger.Warn("tailscale node has no IP addresses assigned")
	}
	if status.Self != nil {
		dnsName = status.Self.DNSName
	}
	g.logger.Info("tailscale node ready", "hostname", hostname, "tailscale_ip", tsAddr, "dns_name", dnsName)
}

// appendCloseError appends an error with label if err is non-nil.
func appendCloseError(errs []error, label string, err error) []error {
	if err != nil {
		return append(errs, fmt.Errorf("%s: %w", label, err))
	}
	return errs
}

// Shutdown stops accepting connections, closes every registered connection,
// stops the coordinator (joining the converse keepalive), and then releases
// the bus and the store. Safe to call more than once.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.shutdownOnce.Do(func() {
		g.shutdownErr = g.shutdown(ctx)
	})
	return g.shutdownErr
}

func (g *Gateway) shutdown(ctx context.Context) error {
	g.logger.Info("shutting down gateway")

	g.admitMu.Lock()
	g.closing = true
	g.admitMu.Unlock()

	var errs []error
	errs = appendCloseError(errs, "HTTP shutdown", g.httpServer.Shutdown(ctx))

	g.registry.CloseAll(reasonShutdown)
	g.cancelSession()
	g.waitSessions(ctx)

	g.router.Stop()
	errs = appendCloseError(errs, "coordinator close", g.coordinator.Close())

	if g.tsnetServer != nil {
		errs = appendCloseError(errs, "tailscale shutdown", g.tsnetServer.Close())
	}
	errs = appendCloseError(errs, "bus close", g.bus.Close())
	errs = appendCloseError(errs, "store close", g.store.Close())

	if len(errs) > 0 {
		return fmt.Errorf("shutdown errors: %v", errs)
	}
	return nil
}

// waitSessions waits for session goroutines to return or ctx to expire.
func (g *Gateway) waitSessions(ctx context.Context) {
	done := make(chan struct{})
	go func() {
		g.sessions.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		g.logger.Warn("timed out waiting for sessions to finish")
	}
}

// handleHealth returns 200 OK if the server is alive.
func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// handleReady returns 200 OK if at least one automation client is connected,
// followed by one "peer name platform" line per connection.
func (g *Gateway) handleReady(w http.ResponseWriter, r *http.Request) {
	conns := g.registry.List()
	if len(conns) == 0 {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("no clients connected"))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = fmt.Fprintf(w, "ready (%d clients)\n", len(conns))
	for _, c := range conns {
		_, _ = fmt.Fprintf(w, "%s %s %s\n", c.Peer, c.Name, c.Platform)
	}
}
