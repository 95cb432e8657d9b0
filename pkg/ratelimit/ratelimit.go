// Package ratelimit provides the optional per-client rate limiting
// middleware: one token bucket per client IP, with an idle-eviction janitor
// so the bucket map cannot grow without bound.
package ratelimit

import (
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Options configure a Limiter.
type Options struct {
	// RPS is the sustained per-client request rate. Defaults to 10.
	RPS float64
	// Burst is the per-client burst allowance. Defaults to 20.
	Burst int
	// IdleTTL evicts buckets not seen for this long. Defaults to 5 minutes.
	IdleTTL time.Duration
	// Logger receives structured diagnostics. Defaults to slog.Default().
	Logger *slog.Logger
}

func (o *Options) withDefaults() Options {
	if o == nil {
		o = &Options{}
	}
	opts := *o
	if opts.RPS <= 0 {
		opts.RPS = 10
	}
	if opts.Burst <= 0 {
		opts.Burst = 20
	}
	if opts.IdleTTL <= 0 {
		opts.IdleTTL = 5 * time.Minute
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return opts
}

// Stats summarizes limiter activity for the metrics endpoint.
type Stats struct {
	ActiveClients int    `json:"activeClients"`
	Allowed       uint64 `json:"allowed"`
	Rejected      uint64 `json:"rejected"`
}

type client struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// Limiter tracks one token bucket per client IP.
type Limiter struct {
	opts Options

	mu       sync.Mutex
	clients  map[string]*client
	allowed  uint64
	rejected uint64

	done chan struct{}
}

// New builds a Limiter and starts its eviction janitor.
func New(opts *Options) *Limiter {
	l := &Limiter{
		opts:    opts.withDefaults(),
		clients: make(map[string]*client),
		done:    make(chan struct{}),
	}
	go l.janitor()
	return l
}

// Middleware wraps next with the per-client limit, answering 429 with a JSON
// body when the bucket is empty.
func (l *Limiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if l.allow(clientKey(r)) {
			next.ServeHTTP(w, r)
			return
		}
		l.opts.Logger.Debug("rate limited", "remote", r.RemoteAddr, "path", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Retry-After", "1")
		w.WriteHeader(http.StatusTooManyRequests)
		_ = json.NewEncoder(w).Encode(map[string]string{"error": "Too Many Requests"})
	})
}

func (l *Limiter) allow(key string) bool {
	l.mu.Lock()
	c, ok := l.clients[key]
	if !ok {
		c = &client{limiter: rate.NewLimiter(rate.Limit(l.opts.RPS), l.opts.Burst)}
		l.clients[key] = c
	}
	c.lastSeen = time.Now()
	ok = c.limiter.Allow()
	if ok {
		l.allowed++
	} else {
		l.rejected++
	}
	l.mu.Unlock()
	return ok
}

// clientKey buckets by client IP, falling back to the whole RemoteAddr when
// it has no port.
func clientKey(r *http.Request) string {
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}

func (l *Limiter) janitor() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-l.done:
			return
		case <-ticker.C:
			cutoff := time.Now().Add(-l.opts.IdleTTL)
			l.mu.Lock()
			for key, c := range l.clients {
				if c.lastSeen.Before(cutoff) {
					delete(l.clients, key)
				}
			}
			l.mu.Unlock()
		}
	}
}

// Snapshot returns limiter counters.
func (l *Limiter) Snapshot() Stats {
	l.mu.Lock()
	defer l.mu.Unlock()
	return Stats{ActiveClients: len(l.clients), Allowed: l.allowed, Rejected: l.rejected}
}

// Close stops the janitor.
func (l *Limiter) Close() {
	close(l.done)
}
