package gateway

import (
	"log/slog"
	"net/http"

	"github.com/vikashloomba/mcp-http-gateway-go/pkg/adapter"
	"github.com/vikashloomba/mcp-http-gateway-go/pkg/ports"
	"github.com/vikashloomba/mcp-http-gateway-go/pkg/proxy"
	"github.com/vikashloomba/mcp-http-gateway-go/pkg/router"
	"github.com/vikashloomba/mcp-http-gateway-go/pkg/supervisor"
	"github.com/vikashloomba/mcp-http-gateway-go/pkg/wsrelay"
)

// Options configure a Gateway instance.
type Options struct {
	// Host is the public listen interface. Defaults to "0.0.0.0".
	Host string
	// Port is the public listen port. Defaults to 8080.
	Port int
	// Name and Version describe the gateway on the index endpoint.
	Name    string
	Version string
	// Description is shown on the index endpoint.
	Description string

	// EnableCORS wraps the public handler in the CORS layer. Defaults to true.
	EnableCORS *bool
	// EnableMetrics exposes /metrics. Defaults to true.
	EnableMetrics *bool
	// EnableWebSockets exposes /ws/<name> relaying. Defaults to true.
	EnableWebSockets *bool

	// Middlewares are applied outside the dispatch handler; the first entry
	// is the outermost.
	// This is the hook point for auth and rate limiting.
	Middlewares []func(http.Handler) http.Handler

	// Sub-component options. Nil values take each package's defaults.
	Ports      *ports.Options
	Supervisor *supervisor.Options
	Adapter    *adapter.Options
	Proxy      *proxy.Options
	Router     *router.Options
	Relay      *wsrelay.Options

	// Logger receives structured diagnostics. Defaults to slog.Default().
	Logger *slog.Logger
}

type settings struct {
	host        string
	port        int
	name        string
	version     string
	description string
	cors        bool
	metrics     bool
	webSockets  bool
}

func (o *Options) resolve() (Options, settings) {
	if o == nil {
		o = &Options{}
	}
	opts := *o
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	s := settings{
		host:        opts.Host,
		port:        opts.Port,
		name:        opts.Name,
		version:     opts.Version,
		description: opts.Description,
		cors:        true,
		metrics:     true,
		webSockets:  true,
	}
	if s.host == "" {
		s.host = "0.0.0.0"
	}
	if s.port == 0 {
		s.port = 8080
	}
	if s.name == "" {
		s.name = "mcp-http-gateway"
	}
	if s.version == "" {
		s.version = "1.0.0"
	}
	if s.description == "" {
		s.description = "HTTP gateway fronting stdio and HTTP MCP backends"
	}
	if opts.EnableCORS != nil {
		s.cors = *opts.EnableCORS
	}
	if opts.EnableMetrics != nil {
		s.metrics = *opts.EnableMetrics
	}
	if opts.EnableWebSockets != nil {
		s.webSockets = *opts.EnableWebSockets
	}
	return opts, s
}
