package adapter

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/vikashloomba/mcp-http-gateway-go/pkg/backend"
	"github.com/vikashloomba/mcp-http-gateway-go/pkg/supervisor"
)

// stdioRequest is the single JSON object written to the child's stdin,
// newline-terminated.
type stdioRequest struct {
	Method  string            `json:"method"`
	URL     string            `json:"url"`
	Headers map[string]string `json:"headers"`
	Body    string            `json:"body"`
}

// Instance is the per-backend loopback HTTP front. One exists per stdio
// descriptor; it serialises round-trips to the child behind stdioMu.
type Instance struct {
	desc      backend.Descriptor
	port      int
	host      ProcessHost
	opts      Options
	logger    *slog.Logger
	listener  net.Listener
	server    *http.Server
	startedAt time.Time

	mu           sync.Mutex
	lastActivity time.Time

	// stdioMu enforces the single-in-flight rule per child.
	stdioMu sync.Mutex
}

func (inst *Instance) touch() {
	inst.mu.Lock()
	inst.lastActivity = time.Now()
	inst.mu.Unlock()
}

func (inst *Instance) activity() time.Time {
	inst.mu.Lock()
	defer inst.mu.Unlock()
	return inst.lastActivity
}

// healthy reports whether the adapter can accept traffic: command-less
// adapters are waiting on an external process and count as healthy; adapters
// with a command are healthy while the child is running.
func (inst *Instance) healthy() bool {
	if inst.desc.Command == "" {
		return true
	}
	return inst.host.State(inst.desc.Name) == supervisor.StateRunning
}

func (inst *Instance) info() Info {
	return Info{
		Name:         inst.desc.Name,
		Port:         inst.port,
		Healthy:      inst.healthy(),
		HasChild:     inst.desc.Command != "",
		StartedAt:    inst.startedAt,
		LastActivity: inst.activity(),
	}
}

// ServeHTTP handles one request on the adapter's loopback port.
func (inst *Instance) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	inst.touch()

	if r.Method == http.MethodOptions {
		h := w.Header()
		h.Set("Access-Control-Allow-Origin", inst.opts.AllowOrigin)
		h.Set("Access-Control-Allow-Methods", strings.Join(allowedMethodList, ", "))
		h.Set("Access-Control-Allow-Headers", "Content-Type, Authorization, Accept")
		w.WriteHeader(http.StatusOK)
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == inst.opts.HealthCheckPath {
		inst.serveHealth(w)
		return
	}

	stdio, ok := inst.host.Stdio(inst.desc.Name)
	if !ok {
		writeError(w, http.StatusServiceUnavailable, "Service not available")
		return
	}

	req, status, err := inst.validate(r)
	if err != nil {
		writeError(w, status, err.Error())
		return
	}

	payload, err := json.Marshal(req)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "encode request")
		return
	}

	reply, err := inst.exchange(stdio, payload)
	if err != nil {
		switch {
		case errors.Is(err, ErrStdioTimeout):
			writeError(w, http.StatusGatewayTimeout, "Stdio request timed out")
		case errors.Is(err, ErrChildGone):
			writeError(w, http.StatusServiceUnavailable, "Service not available")
		default:
			writeError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}

	inst.writeReply(w, reply)
}

func (inst *Instance) serveHealth(w http.ResponseWriter) {
	healthy := inst.healthy()
	status := http.StatusOK
	state := "healthy"
	if !healthy {
		status = http.StatusServiceUnavailable
		state = "unhealthy"
	}
	body := map[string]any{
		"status":          state,
		"server":          inst.desc.Name,
		"type":            inst.desc.DetectedType,
		"uptimeMs":        time.Since(inst.startedAt).Milliseconds(),
		"lastActivity":    inst.activity().Format(time.RFC3339Nano),
		"hasChildProcess": inst.desc.Command != "",
	}
	writeJSON(w, status, body)
}

// validate applies the request checks from the gateway's security posture:
// method allowlist, URL shape, header allowlist with value sanitization, and
// the body size cap with NUL stripping. The returned status is the HTTP
// status to answer with on failure.
func (inst *Instance) validate(r *http.Request) (*stdioRequest, int, error) {
	method, err := validateMethod(r.Method)
	if err != nil {
		return nil, http.StatusBadRequest, err
	}

	target := r.URL.RequestURI()
	if err := validateURL(target); err != nil {
		return nil, http.StatusBadRequest, err
	}

	headers := sanitizeHeaders(r.Header, r.Host)

	body, err := io.ReadAll(io.LimitReader(r.Body, inst.opts.MaxBufferSize+1))
	if err != nil {
		return nil, http.StatusBadRequest, err
	}
	if int64(len(body)) > inst.opts.MaxBufferSize {
		return nil, http.StatusRequestEntityTooLarge, ErrBodyTooLarge
	}
	body = bytes.ReplaceAll(body, []byte{0}, nil)

	return &stdioRequest{
		Method:  method,
		URL:     target,
		Headers: headers,
		Body:    string(body),
	}, 0, nil
}

// exchange performs one serialised round-trip: drain stale stdout lines,
// write the framed request, then accumulate stdout lines until a complete
// JSON value parses or the timeout fires. On timeout, whatever the child
// writes afterwards is discarded by the drain preceding the next exchange.
func (inst *Instance) exchange(stdio *supervisor.Stdio, payload []byte) (map[string]any, error) {
	inst.stdioMu.Lock()
	defer inst.stdioMu.Unlock()

	// Discard anything the child wrote since the last reply was consumed
	// (late replies after a timeout, stray log lines on stdout).
	for {
		select {
		case _, ok := <-stdio.Lines:
			if !ok {
				return nil, ErrChildGone
			}
			continue
		default:
		}
		break
	}

	if err := stdio.WriteLine(payload); err != nil {
		return nil, ErrChildGone
	}

	timer := time.NewTimer(inst.opts.Timeout)
	defer timer.Stop()

	var buf bytes.Buffer
	for {
		select {
		case line, ok := <-stdio.Lines:
			if !ok {
				return nil, ErrChildGone
			}
			// Lines that cannot open a JSON value are opaque logging on
			// stdout; skip them until the reply starts.
			if buf.Len() == 0 {
				trimmed := strings.TrimSpace(line)
				if trimmed == "" || (trimmed[0] != '{' && trimmed[0] != '[') {
					continue
				}
			}
			buf.WriteString(line)
			var reply map[string]any
			if err := json.Unmarshal(buf.Bytes(), &reply); err == nil {
				return reply, nil
			}
			// Not yet a complete JSON value; keep accumulating. A reply
			// is allowed to span lines as long as the concatenation
			// eventually parses.
		case <-timer.C:
			return nil, ErrStdioTimeout
		}
	}
}

// writeReply maps the child's reply object onto the HTTP response.
// statusCode defaults to 200. A string body is passed through byte-for-byte;
// a structured body is re-serialised; a reply without a body field is
// serialised whole.
func (inst *Instance) writeReply(w http.ResponseWriter, reply map[string]any) {
	status := http.StatusOK
	if v, ok := reply["statusCode"]; ok {
		if f, ok := v.(float64); ok && int(f) >= 100 && int(f) < 600 {
			status = int(f)
		}
	}
	w.Header().Set("Content-Type", "application/json")
	if body, ok := reply["body"]; ok {
		if s, isString := body.(string); isString {
			w.WriteHeader(status)
			_, _ = io.WriteString(w, s)
			return
		}
		data, err := json.Marshal(body)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "encode reply")
			return
		}
		w.WriteHeader(status)
		_, _ = w.Write(data)
		return
	}
	data, err := json.Marshal(reply)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "encode reply")
		return
	}
	w.WriteHeader(status)
	_, _ = w.Write(data)
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
