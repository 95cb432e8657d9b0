// Package adapter translates HTTP traffic into line-delimited JSON over a
// child process's stdio. Each stdio backend gets one AdapterInstance: a
// loopback HTTP listener on the backend's allocated port whose handler
// validates the request, frames it as a single JSON line on the child's
// stdin, and answers with the first complete JSON value the child writes
// back. Round-trips to one child are strictly serialised; the adapter never
// multiplexes requests on a single stdin.
package adapter

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/vikashloomba/mcp-http-gateway-go/pkg/backend"
	"github.com/vikashloomba/mcp-http-gateway-go/pkg/supervisor"
)

// ProcessHost is the slice of supervisor behavior the adapter depends on.
// The supervisor owns every child; the adapter only borrows pipe handles.
type ProcessHost interface {
	StartServer(d backend.Descriptor, port int) error
	StopServer(ctx context.Context, name string, sig ...os.Signal) error
	State(name string) supervisor.State
	Stdio(name string) (*supervisor.Stdio, bool)
}

// Options configure the adapter manager.
type Options struct {
	// Timeout bounds one stdio round-trip. Defaults to 30s.
	Timeout time.Duration
	// MaxBufferSize bounds a request body in bytes. Defaults to 10 MiB.
	MaxBufferSize int64
	// HealthCheckPath is intercepted on every adapter. Defaults to "/health".
	HealthCheckPath string
	// AllowOrigin is echoed on CORS preflights. Defaults to "*".
	AllowOrigin string
	// Logger receives structured diagnostics. Defaults to slog.Default().
	Logger *slog.Logger
}

func (o *Options) withDefaults() Options {
	if o == nil {
		o = &Options{}
	}
	opts := *o
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.MaxBufferSize <= 0 {
		opts.MaxBufferSize = 10 << 20
	}
	if opts.HealthCheckPath == "" {
		opts.HealthCheckPath = "/health"
	}
	if opts.AllowOrigin == "" {
		opts.AllowOrigin = "*"
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return opts
}

// stopChildWait bounds the graceful child stop during StopAdapter.
const stopChildWait = 5 * time.Second

// Info is a snapshot of one adapter instance.
type Info struct {
	Name         string    `json:"name"`
	Port         int       `json:"port"`
	Healthy      bool      `json:"healthy"`
	HasChild     bool      `json:"hasChildProcess"`
	StartedAt    time.Time `json:"startedAt"`
	LastActivity time.Time `json:"lastActivity"`
}

// Manager owns every AdapterInstance.
type Manager struct {
	mu        sync.Mutex
	opts      Options
	host      ProcessHost
	instances map[string]*Instance
}

// NewManager builds an adapter manager around a process host.
func NewManager(host ProcessHost, opts *Options) *Manager {
	return &Manager{
		opts:      opts.withDefaults(),
		host:      host,
		instances: make(map[string]*Instance),
	}
}

// CreateAdapter binds a loopback listener on port for a stdio descriptor and,
// when the descriptor carries a command, asks the host to spawn the child.
// A spawn failure closes the listener and is returned to the caller.
func (m *Manager) CreateAdapter(d backend.Descriptor, port int) error {
	if d.Protocol == backend.ProtocolHTTP {
		return fmt.Errorf("adapter: %s: %w", d.Name, supervisor.ErrHTTPNotSpawnable)
	}

	m.mu.Lock()
	if _, exists := m.instances[d.Name]; exists {
		m.mu.Unlock()
		return fmt.Errorf("adapter: %s: already created", d.Name)
	}
	m.mu.Unlock()

	ln, err := net.Listen("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)))
	if err != nil {
		return fmt.Errorf("adapter: %s: bind port %d: %w", d.Name, port, err)
	}

	if d.Command != "" {
		if err := m.host.StartServer(d, port); err != nil {
			_ = ln.Close()
			return err
		}
	}

	inst := &Instance{
		desc:         d,
		port:         port,
		host:         m.host,
		opts:         m.opts,
		logger:       m.opts.Logger.With("component", "adapter", "server", d.Name),
		listener:     ln,
		startedAt:    time.Now(),
		lastActivity: time.Now(),
	}
	inst.server = &http.Server{Handler: inst}
	go func() {
		if err := inst.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			inst.logger.Debug("adapter listener closed", "error", err)
		}
	}()

	m.mu.Lock()
	m.instances[d.Name] = inst
	m.mu.Unlock()

	m.opts.Logger.Info("adapter created", "server", d.Name, "port", port, "hasCommand", d.Command != "")
	return nil
}

// StopAdapter stops the child (term, short wait, then kill) and closes the
// loopback listener. Unknown names are a no-op.
func (m *Manager) StopAdapter(ctx context.Context, name string) error {
	m.mu.Lock()
	inst, ok := m.instances[name]
	if ok {
		delete(m.instances, name)
	}
	m.mu.Unlock()
	if !ok {
		return nil
	}

	if inst.desc.Command != "" {
		stopCtx, cancel := context.WithTimeout(ctx, stopChildWait)
		defer cancel()
		if err := m.host.StopServer(stopCtx, name); err != nil {
			m.opts.Logger.Warn("child stop failed", "server", name, "error", err)
		}
	}
	_ = inst.server.Close()
	m.opts.Logger.Info("adapter stopped", "server", name)
	return nil
}

// StopAll stops every adapter.
func (m *Manager) StopAll(ctx context.Context) error {
	m.mu.Lock()
	names := make([]string, 0, len(m.instances))
	for name := range m.instances {
		names = append(names, name)
	}
	m.mu.Unlock()

	var firstErr error
	for _, name := range names {
		if err := m.StopAdapter(ctx, name); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Instance returns a snapshot of one adapter.
func (m *Manager) Instance(name string) (Info, bool) {
	m.mu.Lock()
	inst, ok := m.instances[name]
	m.mu.Unlock()
	if !ok {
		return Info{}, false
	}
	return inst.info(), true
}

// Instances returns snapshots of all adapters, ordered by name.
func (m *Manager) Instances() []Info {
	m.mu.Lock()
	out := make([]Info, 0, len(m.instances))
	for _, inst := range m.instances {
		out = append(out, inst.info())
	}
	m.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Handler exposes an adapter's HTTP handler, primarily for tests that drive
// it without a real socket.
func (m *Manager) Handler(name string) (http.Handler, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	inst, ok := m.instances[name]
	if !ok {
		return nil, false
	}
	return inst, true
}
