package wsrelay

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
)

type fakePorts map[string]int

func (f fakePorts) PortForName(name string) (int, bool) {
	p, ok := f[name]
	return p, ok
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// startEchoBackend serves a WebSocket echo at /ws and returns its port.
func startEchoBackend(t *testing.T) int {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/ws" {
			http.NotFound(w, r)
			return
		}
		c, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer c.CloseNow()
		for {
			typ, data, err := c.Read(r.Context())
			if err != nil {
				return
			}
			if err := c.Write(r.Context(), typ, data); err != nil {
				return
			}
		}
	}))
	t.Cleanup(srv.Close)
	_, portStr, err := net.SplitHostPort(strings.TrimPrefix(srv.URL, "http://"))
	if err != nil {
		t.Fatalf("split host port: %v", err)
	}
	port, _ := strconv.Atoi(portStr)
	return port
}

func startRelay(t *testing.T, ports PortLookup, opts *Options) (*Relay, string) {
	t.Helper()
	if opts == nil {
		opts = &Options{}
	}
	opts.Logger = testLogger()
	rl := New(ports, opts)
	t.Cleanup(rl.Shutdown)
	srv := httptest.NewServer(rl)
	t.Cleanup(srv.Close)
	return rl, "ws" + strings.TrimPrefix(srv.URL, "http")
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", url, err)
	}
	return c
}

func TestRelay_EchoFramesInOrder(t *testing.T) {
	port := startEchoBackend(t)
	rl, base := startRelay(t, fakePorts{"echo": port}, nil)

	c := dial(t, base+"/ws/echo")
	defer c.CloseNow()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	for i := range 10 {
		msg := fmt.Sprintf("frame-%d", i)
		if err := c.Write(ctx, websocket.MessageText, []byte(msg)); err != nil {
			t.Fatalf("write %d: %v", i, err)
		}
		typ, data, err := c.Read(ctx)
		if err != nil {
			t.Fatalf("read %d: %v", i, err)
		}
		if typ != websocket.MessageText || string(data) != msg {
			t.Fatalf("frame %d = %q (%v), want %q", i, data, typ, msg)
		}
	}

	if got := rl.ConnectionCount(); got != 1 {
		t.Fatalf("ConnectionCount = %d, want 1", got)
	}
	stats := rl.Snapshot()
	if stats.TotalEver != 1 || stats.Active != 1 || stats.ByServer["echo"] != 1 {
		t.Fatalf("Stats = %+v", stats)
	}
}

func TestRelay_BinaryFramingPreserved(t *testing.T) {
	port := startEchoBackend(t)
	_, base := startRelay(t, fakePorts{"echo": port}, nil)

	c := dial(t, base+"/ws/echo")
	defer c.CloseNow()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	payload := []byte{0x00, 0x01, 0xFF, 0xFE}
	if err := c.Write(ctx, websocket.MessageBinary, payload); err != nil {
		t.Fatalf("write: %v", err)
	}
	typ, data, err := c.Read(ctx)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if typ != websocket.MessageBinary {
		t.Fatalf("type = %v, want binary", typ)
	}
	if string(data) != string(payload) {
		t.Fatalf("data = %v, want %v", data, payload)
	}
}

func TestRelay_InvalidPathCloses1003(t *testing.T) {
	_, base := startRelay(t, fakePorts{}, nil)

	c := dial(t, base+"/ws/")
	defer c.CloseNow()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, _, err := c.Read(ctx)
	if websocket.CloseStatus(err) != websocket.StatusUnsupportedData {
		t.Fatalf("close status = %v, want 1003", websocket.CloseStatus(err))
	}
}

func TestRelay_UnknownBackendCloses1011(t *testing.T) {
	_, base := startRelay(t, fakePorts{}, nil)

	c := dial(t, base+"/ws/ghost")
	defer c.CloseNow()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, _, err := c.Read(ctx)
	if websocket.CloseStatus(err) != websocket.StatusInternalError {
		t.Fatalf("close status = %v, want 1011", websocket.CloseStatus(err))
	}
}

func TestRelay_ConnectionLimitCloses1008(t *testing.T) {
	port := startEchoBackend(t)
	_, base := startRelay(t, fakePorts{"echo": port}, &Options{MaxConnections: 1})

	first := dial(t, base+"/ws/echo")
	defer first.CloseNow()

	// Prove the first relay is fully established before the second dial.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := first.Write(ctx, websocket.MessageText, []byte("hello")); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, _, err := first.Read(ctx); err != nil {
		t.Fatalf("read: %v", err)
	}

	second := dial(t, base+"/ws/echo")
	defer second.CloseNow()
	_, _, err := second.Read(ctx)
	if websocket.CloseStatus(err) != websocket.StatusPolicyViolation {
		t.Fatalf("close status = %v, want 1008", websocket.CloseStatus(err))
	}
}

func TestRelay_IdleTimeoutCloses1001(t *testing.T) {
	port := startEchoBackend(t)
	_, base := startRelay(t, fakePorts{"echo": port}, &Options{
		PingInterval:      50 * time.Millisecond,
		ConnectionTimeout: 20 * time.Millisecond,
	})

	c := dial(t, base+"/ws/echo")
	defer c.CloseNow()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, _, err := c.Read(ctx)
	if websocket.CloseStatus(err) != websocket.StatusGoingAway {
		t.Fatalf("close status = %v, want 1001", websocket.CloseStatus(err))
	}
}

func TestRelay_ShutdownCloses1001(t *testing.T) {
	port := startEchoBackend(t)
	rl, base := startRelay(t, fakePorts{"echo": port}, nil)

	c := dial(t, base+"/ws/echo")
	defer c.CloseNow()

	// Ensure the relay registered the connection before shutting down.
	deadline := time.Now().Add(2 * time.Second)
	for rl.ConnectionCount() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("connection never registered")
		}
		time.Sleep(5 * time.Millisecond)
	}

	rl.Shutdown()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, _, err := c.Read(ctx)
	if websocket.CloseStatus(err) != websocket.StatusGoingAway {
		t.Fatalf("close status = %v, want 1001", websocket.CloseStatus(err))
	}
	if rl.ConnectionCount() != 0 {
		t.Fatalf("ConnectionCount after Shutdown = %d", rl.ConnectionCount())
	}
}

func TestRelay_ConnectionsByServer(t *testing.T) {
	port := startEchoBackend(t)
	rl, base := startRelay(t, fakePorts{"alpha": port, "beta": port}, nil)

	a := dial(t, base+"/ws/alpha")
	defer a.CloseNow()
	b := dial(t, base+"/ws/beta")
	defer b.CloseNow()

	deadline := time.Now().Add(2 * time.Second)
	for rl.ConnectionCount() < 2 {
		if time.Now().After(deadline) {
			t.Fatalf("connections registered = %d, want 2", rl.ConnectionCount())
		}
		time.Sleep(5 * time.Millisecond)
	}

	if got := rl.ConnectionsByServer("alpha"); len(got) != 1 || got[0].Backend != "alpha" {
		t.Fatalf("ConnectionsByServer(alpha) = %+v", got)
	}
	if got := rl.Connections(); len(got) != 2 {
		t.Fatalf("Connections = %d entries, want 2", len(got))
	}
	for _, info := range rl.Connections() {
		if !strings.HasPrefix(info.ID, "ws-") {
			t.Fatalf("connection id %q missing ws- prefix", info.ID)
		}
	}
}
