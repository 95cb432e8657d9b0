package proxy

import (
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"testing"

	"github.com/vikashloomba/mcp-http-gateway-go/pkg/backend"
	"github.com/vikashloomba/mcp-http-gateway-go/pkg/supervisor"
)

type fakePorts map[string]int

func (f fakePorts) PortForName(name string) (int, bool) {
	p, ok := f[name]
	return p, ok
}

type fakeStates map[string]supervisor.State

func (f fakeStates) State(name string) supervisor.State {
	if st, ok := f[name]; ok {
		return st
	}
	return supervisor.StateIdle
}

func testProxy(ports PortLookup, procs StateLookup) *Proxy {
	return New(ports, procs, &Options{Logger: slog.New(slog.NewTextHandler(io.Discard, nil))})
}

// echoHandler reports what the backend actually received.
func echoHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		_ = json.NewEncoder(w).Encode(map[string]string{
			"method": r.Method,
			"path":   r.URL.Path,
			"query":  r.URL.RawQuery,
			"body":   string(body),
			"host":   r.Host,
			"reqID":  r.Header.Get("X-Request-Id"),
			"xff":    r.Header.Get("X-Forwarded-For"),
		})
	})
}

func TestForward_HTTPDescriptorRoundTrip(t *testing.T) {
	srv := httptest.NewServer(echoHandler())
	defer srv.Close()

	p := testProxy(fakePorts{}, fakeStates{})
	d := backend.Descriptor{Name: "echo", Protocol: backend.ProtocolHTTP, URL: srv.URL}

	req := httptest.NewRequest(http.MethodPost, "/hi?x=1", strings.NewReader("payload"))
	req.RemoteAddr = "192.0.2.7:1234"
	rr := httptest.NewRecorder()
	if err := p.Forward(rr, req, d); err != nil {
		t.Fatalf("Forward: %v", err)
	}
	if rr.Code != 200 {
		t.Fatalf("status = %d, want 200", rr.Code)
	}

	var got map[string]string
	if err := json.Unmarshal(rr.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode echo: %v", err)
	}
	if got["method"] != "POST" || got["path"] != "/hi" || got["query"] != "x=1" || got["body"] != "payload" {
		t.Fatalf("backend saw %+v", got)
	}
	target, _ := url.Parse(srv.URL)
	if got["host"] != target.Host {
		t.Fatalf("Host = %q, want rewritten to %q", got["host"], target.Host)
	}
	if got["reqID"] == "" {
		t.Fatal("X-Request-Id not stamped")
	}
	if got["xff"] != "192.0.2.7" {
		t.Fatalf("X-Forwarded-For = %q", got["xff"])
	}
}

func TestForward_StdioDescriptorUsesAllocatedPort(t *testing.T) {
	srv := httptest.NewServer(echoHandler())
	defer srv.Close()
	_, portStr, _ := net.SplitHostPort(strings.TrimPrefix(srv.URL, "http://"))
	port, _ := strconv.Atoi(portStr)

	p := testProxy(fakePorts{"mem": port}, fakeStates{"mem": supervisor.StateRunning})
	d := backend.Descriptor{Name: "mem", Protocol: backend.ProtocolStdio, Command: "node"}

	rr := httptest.NewRecorder()
	if err := p.Forward(rr, httptest.NewRequest(http.MethodGet, "/ping", nil), d); err != nil {
		t.Fatalf("Forward: %v", err)
	}
	if rr.Code != 200 {
		t.Fatalf("status = %d, want 200", rr.Code)
	}
}

func TestForward_NoPortAllocatedIs503(t *testing.T) {
	p := testProxy(fakePorts{}, fakeStates{})
	d := backend.Descriptor{Name: "mem", Protocol: backend.ProtocolStdio, Command: "node"}

	rr := httptest.NewRecorder()
	err := p.Forward(rr, httptest.NewRequest(http.MethodGet, "/x", nil), d)
	if err == nil {
		t.Fatal("Forward returned nil error")
	}
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rr.Code)
	}
}

func TestForward_NotRunningIs503(t *testing.T) {
	p := testProxy(fakePorts{"mem": 3001}, fakeStates{"mem": supervisor.StateFailed})
	d := backend.Descriptor{Name: "mem", Protocol: backend.ProtocolStdio, Command: "node"}

	rr := httptest.NewRecorder()
	_ = p.Forward(rr, httptest.NewRequest(http.MethodGet, "/x", nil), d)
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rr.Code)
	}
}

func TestForward_ConnectionRefusedIs503(t *testing.T) {
	// Grab a free port, then close it so the dial is refused.
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := l.Addr().String()
	_ = l.Close()

	p := testProxy(fakePorts{}, fakeStates{})
	d := backend.Descriptor{Name: "gone", Protocol: backend.ProtocolHTTP, URL: "http://" + addr}

	rr := httptest.NewRecorder()
	_ = p.Forward(rr, httptest.NewRequest(http.MethodGet, "/x", nil), d)
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rr.Code)
	}
	if !strings.Contains(rr.Body.String(), "Service Unavailable") {
		t.Fatalf("body = %q", rr.Body.String())
	}
}

func TestForward_Counters(t *testing.T) {
	srv := httptest.NewServer(echoHandler())
	defer srv.Close()

	p := testProxy(fakePorts{}, fakeStates{})
	good := backend.Descriptor{Name: "echo", Protocol: backend.ProtocolHTTP, URL: srv.URL}
	bad := backend.Descriptor{Name: "bad", Protocol: backend.ProtocolStdio, Command: "node"}

	for range 3 {
		rr := httptest.NewRecorder()
		_ = p.Forward(rr, httptest.NewRequest(http.MethodGet, "/x", nil), good)
	}
	rr := httptest.NewRecorder()
	_ = p.Forward(rr, httptest.NewRequest(http.MethodGet, "/x", nil), bad)

	m := p.Snapshot()
	if m.TotalRequests != 4 {
		t.Fatalf("TotalRequests = %d, want 4", m.TotalRequests)
	}
	if m.Successes != 3 || m.Failures != 1 {
		t.Fatalf("successes/failures = %d/%d, want 3/1", m.Successes, m.Failures)
	}
	if m.RequestsByName["echo"] != 3 || m.RequestsByName["bad"] != 1 {
		t.Fatalf("RequestsByName = %v", m.RequestsByName)
	}
}
