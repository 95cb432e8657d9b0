// Package wsrelay pipes WebSocket connections between clients and backends.
// A client upgrades at /ws/<name>; the relay dials the backend's loopback
// port at /ws and shuttles frames both ways, preserving text/binary framing
// and frame order per direction. A heartbeat task sweeps connections whose
// last activity exceeds the connection timeout and pings the remaining clients.
package wsrelay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
)

// PortLookup resolves a backend name to its allocated loopback port.
type PortLookup interface {
	PortForName(name string) (int, bool)
}

// Options configure a Relay.
type Options struct {
	// MaxConnections caps concurrently active relays. Defaults to 1000.
	MaxConnections int
	// PingInterval is the heartbeat period. Defaults to 30s.
	PingInterval time.Duration
	// ConnectionTimeout bounds both the backend dial and client idleness.
	// Defaults to 60s.
	ConnectionTimeout time.Duration
	// Logger receives structured diagnostics. Defaults to slog.Default().
	Logger *slog.Logger
}

func (o *Options) withDefaults() Options {
	if o == nil {
		o = &Options{}
	}
	opts := *o
	if opts.MaxConnections <= 0 {
		opts.MaxConnections = 1000
	}
	if opts.PingInterval <= 0 {
		opts.PingInterval = 30 * time.Second
	}
	if opts.ConnectionTimeout <= 0 {
		opts.ConnectionTimeout = 60 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return opts
}

// maxFrameSize bounds a single relayed message.
const maxFrameSize = 10 << 20

// pingWait bounds one heartbeat ping round-trip.
const pingWait = 10 * time.Second

// ConnInfo is a snapshot of one relayed connection.
type ConnInfo struct {
	ID           string    `json:"connectionId"`
	Backend      string    `json:"server"`
	Connected    bool      `json:"connected"`
	CreatedAt    time.Time `json:"createdAt"`
	LastActivity time.Time `json:"lastActivity"`
}

// Stats aggregates relay counters.
type Stats struct {
	TotalEver uint64         `json:"totalConnections"`
	Active    int            `json:"activeConnections"`
	ByServer  map[string]int `json:"connectionsByServer"`
}

type conn struct {
	id      string
	backend string
	client  *websocket.Conn
	remote  *websocket.Conn

	createdAt time.Time

	mu           sync.Mutex
	lastActivity time.Time
}

func (c *conn) touch() {
	c.mu.Lock()
	c.lastActivity = time.Now()
	c.mu.Unlock()
}

func (c *conn) activity() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastActivity
}

func (c *conn) closeBoth(code websocket.StatusCode, reason string) {
	_ = c.client.Close(code, reason)
	_ = c.remote.Close(code, reason)
}

// Relay owns all active WebSocket connections.
type Relay struct {
	opts  Options
	ports PortLookup

	mu        sync.Mutex
	conns     map[string]*conn
	counter   uint64
	totalEver uint64

	ctx    context.Context
	cancel context.CancelFunc
}

// New builds a Relay and starts its heartbeat task.
func New(ports PortLookup, opts *Options) *Relay {
	ctx, cancel := context.WithCancel(context.Background())
	rl := &Relay{
		opts:   opts.withDefaults(),
		ports:  ports,
		conns:  make(map[string]*conn),
		ctx:    ctx,
		cancel: cancel,
	}
	go rl.heartbeat()
	return rl
}

// ServeHTTP upgrades a client at /ws/<name> and relays it to the backend.
// The handler blocks for the lifetime of the connection.
func (rl *Relay) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	client, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
	if err != nil {
		return
	}
	client.SetReadLimit(maxFrameSize)

	name, ok := backendName(r.URL.Path)
	if !ok {
		_ = client.Close(websocket.StatusUnsupportedData, "Invalid path")
		return
	}

	rl.mu.Lock()
	if len(rl.conns) >= rl.opts.MaxConnections {
		rl.mu.Unlock()
		_ = client.Close(websocket.StatusPolicyViolation, "Connection limit reached")
		return
	}
	rl.counter++
	id := fmt.Sprintf("ws-%d-%d", rl.counter, time.Now().UnixMilli())
	rl.mu.Unlock()

	port, ok := rl.ports.PortForName(name)
	if !ok {
		_ = client.Close(websocket.StatusInternalError, "No port allocated for "+name)
		return
	}

	dialCtx, cancelDial := context.WithTimeout(rl.ctx, rl.opts.ConnectionTimeout)
	remote, _, err := websocket.Dial(dialCtx, "ws://127.0.0.1:"+strconv.Itoa(port)+"/ws", nil)
	cancelDial()
	if err != nil {
		rl.opts.Logger.Warn("backend dial failed", "server", name, "error", err)
		_ = client.Close(websocket.StatusInternalError, "Backend connection failed")
		return
	}
	remote.SetReadLimit(maxFrameSize)

	c := &conn{
		id:           id,
		backend:      name,
		client:       client,
		remote:       remote,
		createdAt:    time.Now(),
		lastActivity: time.Now(),
	}
	rl.mu.Lock()
	rl.conns[id] = c
	rl.totalEver++
	rl.mu.Unlock()
	rl.opts.Logger.Info("ws connection opened", "id", id, "server", name)

	ctx, cancel := context.WithCancel(rl.ctx)
	go func() {
		err := pipe(ctx, remote, client, c)
		cancel()
		mirrorClose(client, err)
	}()
	err = pipe(ctx, client, remote, c)
	cancel()
	mirrorClose(remote, err)

	rl.mu.Lock()
	delete(rl.conns, id)
	rl.mu.Unlock()
	rl.opts.Logger.Info("ws connection closed", "id", id, "server", name)
}

// backendName extracts <name> from /ws/<name>[/...].
func backendName(p string) (string, bool) {
	rest, ok := strings.CutPrefix(p, "/ws/")
	if !ok {
		return "", false
	}
	name, _, _ := strings.Cut(rest, "/")
	if name == "" {
		return "", false
	}
	return name, true
}

// pipe copies message frames from src to dst until either side fails,
// preserving the text/binary message type and per-direction ordering.
func pipe(ctx context.Context, src, dst *websocket.Conn, c *conn) error {
	for {
		typ, rd, err := src.Reader(ctx)
		if err != nil {
			return err
		}
		wr, err := dst.Writer(ctx, typ)
		if err != nil {
			return err
		}
		if _, err := io.Copy(wr, rd); err != nil {
			_ = wr.Close()
			return err
		}
		if err := wr.Close(); err != nil {
			return err
		}
		c.touch()
	}
}

// mirrorClose propagates one side's close code and reason to the other.
func mirrorClose(other *websocket.Conn, err error) {
	code := websocket.StatusNormalClosure
	reason := ""
	var ce websocket.CloseError
	if errors.As(err, &ce) {
		code = ce.Code
		reason = ce.Reason
	} else if err != nil && !errors.Is(err, context.Canceled) {
		code = websocket.StatusInternalError
		reason = "relay error"
	}
	_ = other.Close(code, reason)
}

// heartbeat sweeps idle connections and pings live clients.
func (rl *Relay) heartbeat() {
	ticker := time.NewTicker(rl.opts.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-rl.ctx.Done():
			return
		case <-ticker.C:
		}

		rl.mu.Lock()
		snapshot := make([]*conn, 0, len(rl.conns))
		for _, c := range rl.conns {
			snapshot = append(snapshot, c)
		}
		rl.mu.Unlock()

		now := time.Now()
		for _, c := range snapshot {
			if now.Sub(c.activity()) > rl.opts.ConnectionTimeout {
				rl.opts.Logger.Info("closing idle ws connection", "id", c.id, "server", c.backend)
				c.closeBoth(websocket.StatusGoingAway, "Connection timeout")
				continue
			}
			go func(c *conn) {
				pingCtx, cancel := context.WithTimeout(rl.ctx, pingWait)
				defer cancel()
				if err := c.client.Ping(pingCtx); err == nil {
					c.touch()
				}
			}(c)
		}
	}
}

// Connections returns snapshots of every active connection, ordered by ID.
func (rl *Relay) Connections() []ConnInfo {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	out := make([]ConnInfo, 0, len(rl.conns))
	for _, c := range rl.conns {
		out = append(out, snapshotConn(c))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// ConnectionsByServer returns snapshots of connections relayed to name.
func (rl *Relay) ConnectionsByServer(name string) []ConnInfo {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	var out []ConnInfo
	for _, c := range rl.conns {
		if c.backend == name {
			out = append(out, snapshotConn(c))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// ConnectionCount returns the number of active connections.
func (rl *Relay) ConnectionCount() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.conns)
}

// Snapshot returns aggregate counters.
func (rl *Relay) Snapshot() Stats {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	byServer := make(map[string]int)
	for _, c := range rl.conns {
		byServer[c.backend]++
	}
	return Stats{TotalEver: rl.totalEver, Active: len(rl.conns), ByServer: byServer}
}

// Shutdown closes every active connection with 1001 "Server shutdown", then
// cancels the heartbeat. The close frames go out before the relay context is
// cancelled, since cancelling it drops the piped sockets without a close code.
func (rl *Relay) Shutdown() {
	rl.mu.Lock()
	conns := make([]*conn, 0, len(rl.conns))
	for _, c := range rl.conns {
		conns = append(conns, c)
	}
	rl.conns = make(map[string]*conn)
	rl.mu.Unlock()
	for _, c := range conns {
		c.closeBoth(websocket.StatusGoingAway, "Server shutdown")
	}
	rl.cancel()
}

func snapshotConn(c *conn) ConnInfo {
	return ConnInfo{
		ID:           c.id,
		Backend:      c.backend,
		Connected:    true,
		CreatedAt:    c.createdAt,
		LastActivity: c.activity(),
	}
}
