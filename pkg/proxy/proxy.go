// Package proxy forwards client HTTP requests to a backend: directly to the
// declared URL for http descriptors, or to the adapter's loopback port for
// stdio descriptors. It owns no backend state; port assignments and process
// states are read through narrow lookup interfaces. Failures are mapped onto
// gateway status codes before any headers are written.
package proxy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/vikashloomba/mcp-http-gateway-go/pkg/backend"
	"github.com/vikashloomba/mcp-http-gateway-go/pkg/supervisor"
)

// PortLookup resolves a backend name to its allocated loopback port.
type PortLookup interface {
	PortForName(name string) (int, bool)
}

// StateLookup reads a managed process's lifecycle state.
type StateLookup interface {
	State(name string) supervisor.State
}

// Forwarding failure kinds. Callers match with errors.Is.
var (
	ErrNoPortAllocated = errors.New("no port allocated")
	ErrNotRunning      = errors.New("backend not running")
)

// Options configure a Proxy.
type Options struct {
	// DialTimeout bounds the TCP connect to a backend. Defaults to 10s.
	DialTimeout time.Duration
	// ResponseTimeout bounds the wait for response headers. Defaults to 30s.
	ResponseTimeout time.Duration
	// Logger receives structured diagnostics. Defaults to slog.Default().
	Logger *slog.Logger
}

func (o *Options) withDefaults() Options {
	if o == nil {
		o = &Options{}
	}
	opts := *o
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = 10 * time.Second
	}
	if opts.ResponseTimeout <= 0 {
		opts.ResponseTimeout = 30 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return opts
}

// Metrics is a snapshot of the proxy counters.
type Metrics struct {
	TotalRequests  uint64            `json:"totalRequests"`
	Successes      uint64            `json:"successes"`
	Failures       uint64            `json:"failures"`
	AvgResponseMs  float64           `json:"avgResponseMs"`
	RequestsByName map[string]uint64 `json:"requestsByServer"`
}

// Proxy forwards requests and keeps per-proxy counters.
type Proxy struct {
	ports  PortLookup
	procs  StateLookup
	opts   Options
	client *http.Client

	mu        sync.Mutex
	total     uint64
	successes uint64
	failures  uint64
	avgMs     float64
	completed uint64
	byName    map[string]uint64
}

// New builds a Proxy over the given lookups.
func New(ports PortLookup, procs StateLookup, opts *Options) *Proxy {
	o := opts.withDefaults()
	transport := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout: o.DialTimeout,
		}).DialContext,
		ResponseHeaderTimeout: o.ResponseTimeout,
		MaxIdleConnsPerHost:   16,
	}
	return &Proxy{
		ports:  ports,
		procs:  procs,
		opts:   o,
		client: &http.Client{Transport: transport},
		byName: make(map[string]uint64),
	}
}

// hopByHopHeaders are stripped in both directions.
var hopByHopHeaders = []string{
	"Connection", "Keep-Alive", "Proxy-Authenticate", "Proxy-Authorization",
	"Proxy-Connection", "Te", "Trailer", "Transfer-Encoding", "Upgrade",
}

// Forward sends the request to the backend described by d and streams the
// response back. The HTTP response is always written here; callers only
// observe the error for logging.
func (p *Proxy) Forward(w http.ResponseWriter, r *http.Request, d backend.Descriptor) error {
	p.mu.Lock()
	p.total++
	p.byName[d.Name]++
	p.mu.Unlock()

	start := time.Now()
	err := p.forward(w, r, d)
	elapsed := time.Since(start)

	p.mu.Lock()
	p.completed++
	// Running mean over completed requests.
	p.avgMs += (float64(elapsed.Milliseconds()) - p.avgMs) / float64(p.completed)
	if err != nil {
		p.failures++
	} else {
		p.successes++
	}
	p.mu.Unlock()

	return err
}

func (p *Proxy) forward(w http.ResponseWriter, r *http.Request, d backend.Descriptor) error {
	target, err := p.resolveTarget(d)
	if err != nil {
		p.writeFailure(w, d, err)
		return err
	}

	outURL := *target
	outURL.Path = r.URL.Path
	outURL.RawPath = r.URL.RawPath
	outURL.RawQuery = r.URL.RawQuery

	out, err := http.NewRequestWithContext(r.Context(), r.Method, outURL.String(), r.Body)
	if err != nil {
		p.writeFailure(w, d, err)
		return err
	}
	copyHeaders(out.Header, r.Header)
	for _, h := range hopByHopHeaders {
		out.Header.Del(h)
	}
	out.Host = target.Host
	if out.Header.Get("X-Request-Id") == "" {
		out.Header.Set("X-Request-Id", uuid.NewString())
	}
	if host, _, splitErr := net.SplitHostPort(r.RemoteAddr); splitErr == nil {
		prior := out.Header.Get("X-Forwarded-For")
		if prior != "" {
			out.Header.Set("X-Forwarded-For", prior+", "+host)
		} else {
			out.Header.Set("X-Forwarded-For", host)
		}
	}

	resp, err := p.client.Do(out)
	if err != nil {
		p.writeFailure(w, d, err)
		return err
	}
	defer resp.Body.Close()

	header := w.Header()
	copyHeaders(header, resp.Header)
	for _, h := range hopByHopHeaders {
		header.Del(h)
	}
	w.WriteHeader(resp.StatusCode)
	if _, err := io.Copy(w, resp.Body); err != nil {
		// Headers are gone; nothing more to write. Surface for counters.
		return fmt.Errorf("proxy: stream response for %s: %w", d.Name, err)
	}
	return nil
}

// resolveTarget picks the upstream base URL for a descriptor.
func (p *Proxy) resolveTarget(d backend.Descriptor) (*url.URL, error) {
	if d.Protocol == backend.ProtocolHTTP {
		u, err := url.Parse(d.URL)
		if err != nil {
			return nil, fmt.Errorf("proxy: %s: parse url: %w", d.Name, err)
		}
		return u, nil
	}

	port, ok := p.ports.PortForName(d.Name)
	if !ok {
		return nil, fmt.Errorf("proxy: %s: %w", d.Name, ErrNoPortAllocated)
	}
	if d.Command != "" && p.procs.State(d.Name) != supervisor.StateRunning {
		return nil, fmt.Errorf("proxy: %s: %w", d.Name, ErrNotRunning)
	}
	return &url.URL{Scheme: "http", Host: net.JoinHostPort("127.0.0.1", strconv.Itoa(port))}, nil
}

// writeFailure maps a forwarding error onto the gateway status codes. It is
// only called before response headers are written; once the backend response
// has started streaming, errors are returned without writing anything more.
func (p *Proxy) writeFailure(w http.ResponseWriter, d backend.Descriptor, err error) {
	status := http.StatusInternalServerError
	message := "Internal Server Error"
	switch {
	case errors.Is(err, ErrNoPortAllocated), errors.Is(err, ErrNotRunning):
		status = http.StatusServiceUnavailable
		message = "Service Unavailable"
	case isTimeout(err):
		status = http.StatusGatewayTimeout
		message = "Gateway Timeout"
	case isConnectionRefused(err):
		status = http.StatusServiceUnavailable
		message = "Service Unavailable"
	}
	p.opts.Logger.Warn("proxy failure", "server", d.Name, "status", status, "error", err)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	fmt.Fprintf(w, `{"error":%q,"server":%q}`, message, d.Name)
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || os.IsTimeout(err) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

func isConnectionRefused(err error) bool {
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return false
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return strings.Contains(opErr.Err.Error(), "connection refused")
	}
	return strings.Contains(err.Error(), "connection refused")
}

// Snapshot returns the current counters.
func (p *Proxy) Snapshot() Metrics {
	p.mu.Lock()
	defer p.mu.Unlock()
	byName := make(map[string]uint64, len(p.byName))
	for name, n := range p.byName {
		byName[name] = n
	}
	return Metrics{
		TotalRequests:  p.total,
		Successes:      p.successes,
		Failures:       p.failures,
		AvgResponseMs:  p.avgMs,
		RequestsByName: byName,
	}
}

func copyHeaders(dst, src http.Header) {
	for key, values := range src {
		for _, v := range values {
			dst.Add(key, v)
		}
	}
}
