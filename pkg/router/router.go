// Package router matches an incoming request path to a backend by name
// prefix: the first path segment selects the descriptor, the prefix is
// stripped (by default), and the rewritten request is delegated to the
// reverse proxy. Registered names may contain glob wildcards, matched
// against the first segment.
package router

import (
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"path"
	"sort"
	"strings"
	"sync"

	"github.com/vikashloomba/mcp-http-gateway-go/pkg/backend"
)

// Forwarder is the proxy-side contract the router delegates to. The
// forwarder writes the HTTP response itself.
type Forwarder interface {
	Forward(w http.ResponseWriter, r *http.Request, d backend.Descriptor) error
}

// Options configure a Router. The pointers distinguish "unset" from an
// explicit false, since all three settings default to true.
type Options struct {
	// StripServerPrefix removes the matched name segment from the forwarded
	// path. Defaults to true.
	StripServerPrefix *bool
	// CaseSensitive compares names verbatim. When false, lookups are
	// lowered. Defaults to true.
	CaseSensitive *bool
	// EnableWildcards permits registered names containing '*', matched as a
	// glob against the first path segment. Defaults to true.
	EnableWildcards *bool
	// Logger receives structured diagnostics. Defaults to slog.Default().
	Logger *slog.Logger
}

type settings struct {
	stripPrefix   bool
	caseSensitive bool
	wildcards     bool
	logger        *slog.Logger
}

func (o *Options) resolve() settings {
	s := settings{stripPrefix: true, caseSensitive: true, wildcards: true, logger: slog.Default()}
	if o == nil {
		return s
	}
	if o.StripServerPrefix != nil {
		s.stripPrefix = *o.StripServerPrefix
	}
	if o.CaseSensitive != nil {
		s.caseSensitive = *o.CaseSensitive
	}
	if o.EnableWildcards != nil {
		s.wildcards = *o.EnableWildcards
	}
	if o.Logger != nil {
		s.logger = o.Logger
	}
	return s
}

// Router maps backend names to descriptors and dispatches requests.
type Router struct {
	cfg settings
	fw  Forwarder

	mu      sync.RWMutex
	servers map[string]backend.Descriptor
}

// New builds a Router delegating to fw.
func New(fw Forwarder, opts *Options) *Router {
	return &Router{
		cfg:     opts.resolve(),
		fw:      fw,
		servers: make(map[string]backend.Descriptor),
	}
}

// Register adds a descriptor under its name. Duplicate names are rejected.
func (rt *Router) Register(d backend.Descriptor) error {
	key := rt.key(d.Name)
	rt.mu.Lock()
	defer rt.mu.Unlock()
	if _, exists := rt.servers[key]; exists {
		return fmt.Errorf("router: duplicate server name %q", d.Name)
	}
	rt.servers[key] = d
	rt.cfg.logger.Debug("route registered", "server", d.Name, "protocol", d.Protocol)
	return nil
}

// Unregister removes a name. It reports whether the name was registered.
func (rt *Router) Unregister(name string) bool {
	key := rt.key(name)
	rt.mu.Lock()
	defer rt.mu.Unlock()
	if _, exists := rt.servers[key]; !exists {
		return false
	}
	delete(rt.servers, key)
	return true
}

// Lookup returns the descriptor registered under name.
func (rt *Router) Lookup(name string) (backend.Descriptor, bool) {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	d, ok := rt.servers[rt.key(name)]
	return d, ok
}

// Names returns the registered names, sorted.
func (rt *Router) Names() []string {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	names := make([]string, 0, len(rt.servers))
	for _, d := range rt.servers {
		names = append(names, d.Name)
	}
	sort.Strings(names)
	return names
}

func (rt *Router) key(name string) string {
	if rt.cfg.caseSensitive {
		return name
	}
	return strings.ToLower(name)
}

// Route matches the request's first path segment against the registered
// names and forwards on a hit. It reports whether a backend matched; the
// forwarder has already written the response in either outcome of its error.
func (rt *Router) Route(w http.ResponseWriter, r *http.Request) (bool, error) {
	segments := splitPath(r.URL.Path)
	if len(segments) == 0 {
		return false, nil
	}

	d, ok := rt.match(segments[0])
	if !ok {
		return false, nil
	}

	targetPath := r.URL.Path
	if rt.cfg.stripPrefix {
		targetPath = "/" + strings.Join(segments[1:], "/")
	}

	// Rewrite on a shallow clone; the caller's request stays untouched.
	out := new(http.Request)
	*out = *r
	u := new(url.URL)
	*u = *r.URL
	u.Path = targetPath
	u.RawPath = ""
	out.URL = u

	return true, rt.fw.Forward(w, out, d)
}

func (rt *Router) match(segment string) (backend.Descriptor, bool) {
	key := rt.key(segment)
	rt.mu.RLock()
	defer rt.mu.RUnlock()

	if d, ok := rt.servers[key]; ok {
		return d, true
	}
	if !rt.cfg.wildcards {
		return backend.Descriptor{}, false
	}
	for name, d := range rt.servers {
		if !strings.Contains(name, "*") {
			continue
		}
		if matched, err := path.Match(name, key); err == nil && matched {
			return d, true
		}
	}
	return backend.Descriptor{}, false
}

func splitPath(p string) []string {
	var out []string
	for _, seg := range strings.Split(p, "/") {
		if seg != "" {
			out = append(out, seg)
		}
	}
	return out
}
