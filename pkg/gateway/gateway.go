// Package gateway composes the port allocator, process supervisor, stdio
// adapters, reverse proxy, router, and WebSocket relay behind one public
// HTTP listener. The gateway owns startup order (allocate → adapter → spawn)
// and the reverse shutdown sequence (relay → adapters → supervisor →
// listener → allocator).
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/cors"

	"github.com/vikashloomba/mcp-http-gateway-go/pkg/adapter"
	"github.com/vikashloomba/mcp-http-gateway-go/pkg/backend"
	"github.com/vikashloomba/mcp-http-gateway-go/pkg/ports"
	"github.com/vikashloomba/mcp-http-gateway-go/pkg/proxy"
	"github.com/vikashloomba/mcp-http-gateway-go/pkg/router"
	"github.com/vikashloomba/mcp-http-gateway-go/pkg/supervisor"
	"github.com/vikashloomba/mcp-http-gateway-go/pkg/wsrelay"
)

// shutdownTimeout bounds the embedded server drain during ListenAndServe
// cancellation.
const shutdownTimeout = 30 * time.Second

// Gateway fronts a set of backends behind one HTTP listener.
type Gateway struct {
	opts   Options
	cfg    settings
	logger *slog.Logger

	instanceID  string
	startedAt   time.Time
	descriptors []backend.Descriptor
	skipped     map[string]string

	allocator  *ports.Allocator
	supervisor *supervisor.Supervisor
	adapters   *adapter.Manager
	proxy      *proxy.Proxy
	router     *router.Router
	relay      *wsrelay.Relay

	handler http.Handler

	httpServerMu sync.Mutex
	httpServer   *http.Server
}

// New builds a Gateway for the given descriptors. Backends that cannot be
// fully provisioned (port exhaustion, rejected commands) are logged and
// skipped; their routes stay registered and answer 503 until recovery.
func New(descriptors []backend.Descriptor, opts *Options) (*Gateway, error) {
	options, cfg := opts.resolve()

	allocator, err := ports.NewAllocator(options.Ports)
	if err != nil {
		return nil, err
	}

	g := &Gateway{
		opts:        options,
		cfg:         cfg,
		logger:      options.Logger.With("component", "gateway"),
		instanceID:  uuid.NewString(),
		startedAt:   time.Now(),
		descriptors: append([]backend.Descriptor(nil), descriptors...),
		skipped:     make(map[string]string),
		allocator:   allocator,
	}
	g.supervisor = supervisor.New(options.Supervisor)
	g.adapters = adapter.NewManager(g.supervisor, options.Adapter)
	g.proxy = proxy.New(allocator, g.supervisor, options.Proxy)
	g.router = router.New(g.proxy, options.Router)
	if cfg.webSockets {
		g.relay = wsrelay.New(allocator, options.Relay)
	}

	go g.drainEvents()

	// Validate and register the whole set before provisioning anything so a
	// malformed descriptor cannot leave half the fleet spawned.
	for i := range g.descriptors {
		d := &g.descriptors[i]
		// Command and argument rejections are left to the supervisor, which
		// applies its configured allowlist at spawn time and so disables only
		// that backend.
		if err := d.Validate(); err != nil && !errors.Is(err, backend.ErrDisallowedCommand) && !errors.Is(err, backend.ErrDangerousArgs) {
			g.teardownOnInitError()
			return nil, err
		}
		if d.DetectedType == "" {
			d.DetectedType = backend.DetectType(d)
		}
		d.Capabilities = backend.DeriveCapabilities(d)
		if err := g.router.Register(*d); err != nil {
			g.teardownOnInitError()
			return nil, err
		}
	}
	for _, d := range g.descriptors {
		if !d.Capabilities.RequiresStdio {
			g.logger.Info("registered http backend", "server", d.Name, "url", d.URL)
			continue
		}
		g.provisionStdio(d)
	}

	g.handler = g.buildHandler()
	return g, nil
}

// provisionStdio allocates a port and creates the adapter for one stdio
// descriptor. Failures disable the backend but keep its route.
func (g *Gateway) provisionStdio(d backend.Descriptor) {
	port, err := g.allocator.Allocate(d.Name)
	if err != nil {
		g.logger.Warn("skipping backend: no port", "server", d.Name, "error", err)
		g.skipped[d.Name] = err.Error()
		return
	}
	// Flag the port as reserved for the handoff window between allocation
	// and the adapter binding it.
	if err := g.allocator.Reserve(d.Name); err != nil {
		g.logger.Debug("reserve failed", "server", d.Name, "error", err)
	}
	if err := g.adapters.CreateAdapter(d, port); err != nil {
		g.logger.Warn("backend disabled", "server", d.Name, "error", err)
		g.skipped[d.Name] = err.Error()
		return
	}
	g.logger.Info("registered stdio backend", "server", d.Name, "port", port)
}

func (g *Gateway) teardownOnInitError() {
	g.supervisor.Close()
	if g.relay != nil {
		g.relay.Shutdown()
	}
	g.allocator.Close()
}

// drainEvents logs supervisor lifecycle events until the channel closes.
func (g *Gateway) drainEvents() {
	for ev := range g.supervisor.Events() {
		switch ev.Type {
		case supervisor.EventStarted:
			g.logger.Info("backend started", "server", ev.Name, "pid", ev.PID, "port", ev.Port)
		case supervisor.EventStopped:
			g.logger.Info("backend stopped", "server", ev.Name, "reason", ev.Reason)
		case supervisor.EventFailed:
			g.logger.Warn("backend failed", "server", ev.Name, "error", ev.Err, "restarts", ev.Restarts)
		case supervisor.EventRestartScheduled:
			g.logger.Info("backend restart scheduled", "server", ev.Name, "attempt", ev.Restarts)
		}
	}
}

// Handler exposes the public HTTP handler, including CORS and middlewares.
func (g *Gateway) Handler() http.Handler {
	return g.handler
}

func (g *Gateway) buildHandler() http.Handler {
	var h http.Handler = http.HandlerFunc(g.dispatch)
	for i := len(g.opts.Middlewares) - 1; i >= 0; i-- {
		h = g.opts.Middlewares[i](h)
	}
	if g.cfg.cors {
		c := cors.New(cors.Options{
			AllowedOrigins:       []string{"*"},
			AllowedMethods:       []string{"GET", "POST", "PUT", "DELETE", "PATCH", "HEAD", "OPTIONS"},
			AllowedHeaders:       []string{"*"},
			OptionsSuccessStatus: http.StatusOK,
		})
		h = c.Handler(h)
	}
	return h
}

// dispatch is the top of the request handler: panic recovery, built-in
// endpoints, WebSocket upgrades, then name-prefix routing.
func (g *Gateway) dispatch(w http.ResponseWriter, r *http.Request) {
	defer func() {
		if rec := recover(); rec != nil {
			g.logger.Error("handler panic", "path", r.URL.Path, "panic", rec)
			// Best effort; if headers were already sent this write is
			// silently dropped and the connection closes.
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "Internal Server Error"})
		}
	}()

	path := r.URL.Path
	if g.cfg.webSockets && (path == "/ws" || strings.HasPrefix(path, "/ws/")) {
		g.relay.ServeHTTP(w, r)
		return
	}

	if r.Method == http.MethodGet {
		switch path {
		case "/":
			g.serveIndex(w)
			return
		case "/health":
			g.serveHealth(w)
			return
		case "/servers":
			g.serveServers(w)
			return
		case "/ports":
			g.servePorts(w)
			return
		case "/stats":
			g.serveStats(w)
			return
		case "/metrics":
			if g.cfg.metrics {
				g.serveMetrics(w)
				return
			}
		}
	}

	matched, err := g.router.Route(w, r)
	if err != nil {
		// The proxy already answered the client; surface for the log only.
		g.logger.Debug("proxy error", "path", path, "error", err)
		return
	}
	if !matched {
		writeJSON(w, http.StatusNotFound, map[string]any{
			"error":            "Not found",
			"path":             path,
			"availableServers": g.router.Names(),
		})
	}
}

// Addr returns the configured public address.
func (g *Gateway) Addr() string {
	return net.JoinHostPort(g.cfg.host, strconv.Itoa(g.cfg.port))
}

// ListenAndServe runs the public HTTP server until the context is cancelled
// or the server stops.
func (g *Gateway) ListenAndServe(ctx context.Context) error {
	g.httpServerMu.Lock()
	if g.httpServer != nil {
		srv := g.httpServer
		g.httpServerMu.Unlock()
		return fmt.Errorf("gateway: server already running on %s", srv.Addr)
	}
	srv := &http.Server{Addr: g.Addr(), Handler: g.Handler()}
	g.httpServer = srv
	g.httpServerMu.Unlock()
	defer func() {
		g.httpServerMu.Lock()
		if g.httpServer == srv {
			g.httpServer = nil
		}
		g.httpServerMu.Unlock()
	}()

	g.logger.Info("gateway listening", "addr", srv.Addr, "servers", len(g.descriptors))

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		_ = g.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

// Shutdown tears the gateway down in reverse construction order: WebSocket
// relay, adapters, supervised children, public listener, then the allocator.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.logger.Info("gateway shutting down")
	if g.relay != nil {
		g.relay.Shutdown()
	}
	var errs []error
	if err := g.adapters.StopAll(ctx); err != nil {
		errs = append(errs, err)
	}
	if err := g.supervisor.StopAllServers(ctx); err != nil {
		errs = append(errs, err)
	}

	g.httpServerMu.Lock()
	srv := g.httpServer
	g.httpServer = nil
	g.httpServerMu.Unlock()
	if srv != nil {
		if err := srv.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
	}

	g.supervisor.Close()
	g.allocator.Close()
	return errors.Join(errs...)
}

// Supervisor exposes the process supervisor for operational tooling.
func (g *Gateway) Supervisor() *supervisor.Supervisor {
	return g.supervisor
}

// Allocator exposes the port allocator for operational tooling.
func (g *Gateway) Allocator() *ports.Allocator {
	return g.allocator
}
