// Package config loads gateway configuration from JSON or YAML files and
// turns `mcpServers`-style definitions into validated backend descriptors.
// A definition's protocol is inferred when omitted: entries with a url are
// http, entries with a command are stdio. A directory of per-server files
// can be scanned as an alternative to one monolithic config.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/vikashloomba/mcp-http-gateway-go/pkg/backend"
)

// ServerEntry is one backend definition as written in a config file.
type ServerEntry struct {
	Protocol    string            `json:"protocol,omitempty" yaml:"protocol,omitempty"`
	Command     string            `json:"command,omitempty" yaml:"command,omitempty"`
	Args        []string          `json:"args,omitempty" yaml:"args,omitempty"`
	Env         map[string]string `json:"env,omitempty" yaml:"env,omitempty"`
	URL         string            `json:"url,omitempty" yaml:"url,omitempty"`
	Restart     *bool             `json:"restart,omitempty" yaml:"restart,omitempty"`
	HealthCheck *HealthCheckEntry `json:"healthCheck,omitempty" yaml:"healthCheck,omitempty"`
}

// HealthCheckEntry mirrors backend.HealthCheck with string durations.
type HealthCheckEntry struct {
	Interval string `json:"interval,omitempty" yaml:"interval,omitempty"`
	Timeout  string `json:"timeout,omitempty" yaml:"timeout,omitempty"`
	Retries  int    `json:"retries,omitempty" yaml:"retries,omitempty"`
}

// PortRange configures the allocator pool.
type PortRange struct {
	Start int `json:"start" yaml:"start"`
	End   int `json:"end" yaml:"end"`
}

// AuthSettings configure the optional auth middleware.
type AuthSettings struct {
	// Mode is one of "bearer", "jwt", "basic", or "apikey".
	Mode string `json:"mode,omitempty" yaml:"mode,omitempty"`
	// Token is the shared secret for bearer mode.
	Token string `json:"token,omitempty" yaml:"token,omitempty"`
	// Secret is the HMAC signing secret for jwt mode.
	Secret string `json:"secret,omitempty" yaml:"secret,omitempty"`
	// Users maps usernames to passwords for basic mode.
	Users map[string]string `json:"users,omitempty" yaml:"users,omitempty"`
	// Keys lists accepted API keys for apikey mode.
	Keys []string `json:"keys,omitempty" yaml:"keys,omitempty"`
	// Header overrides the API key header. Defaults to "X-API-Key".
	Header string `json:"header,omitempty" yaml:"header,omitempty"`
}

// RateLimitSettings configure the optional per-client rate limiter.
type RateLimitSettings struct {
	RPS   float64 `json:"rps,omitempty" yaml:"rps,omitempty"`
	Burst int     `json:"burst,omitempty" yaml:"burst,omitempty"`
}

// File is the full gateway configuration document.
type File struct {
	Host      string     `json:"host,omitempty" yaml:"host,omitempty"`
	Port      int        `json:"port,omitempty" yaml:"port,omitempty"`
	PortRange *PortRange `json:"portRange,omitempty" yaml:"portRange,omitempty"`

	EnableCORS       *bool `json:"enableCors,omitempty" yaml:"enableCors,omitempty"`
	EnableMetrics    *bool `json:"enableMetrics,omitempty" yaml:"enableMetrics,omitempty"`
	EnableAuth       *bool `json:"enableAuth,omitempty" yaml:"enableAuth,omitempty"`
	EnableRateLimit  *bool `json:"enableRateLimit,omitempty" yaml:"enableRateLimit,omitempty"`
	EnableWebSockets *bool `json:"enableWebSockets,omitempty" yaml:"enableWebSockets,omitempty"`

	Auth      *AuthSettings      `json:"auth,omitempty" yaml:"auth,omitempty"`
	RateLimit *RateLimitSettings `json:"rateLimit,omitempty" yaml:"rateLimit,omitempty"`

	MCPServers map[string]ServerEntry `json:"mcpServers,omitempty" yaml:"mcpServers,omitempty"`
}

// Load reads a config document, choosing the decoder by file extension.
func Load(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	var f File
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &f); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
	case ".json":
		if err := json.Unmarshal(data, &f); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
	default:
		return nil, fmt.Errorf("config: %s: unsupported extension %q", path, filepath.Ext(path))
	}
	return &f, nil
}

// LoadServersDir scans a directory for per-server definition files. A file
// holding an `mcpServers` map contributes every entry; any other file
// contributes a single entry named after the file's base name.
func LoadServersDir(dir string) (map[string]ServerEntry, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("config: scan %s: %w", dir, err)
	}
	out := make(map[string]ServerEntry)
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		ext := strings.ToLower(filepath.Ext(entry.Name()))
		if ext != ".json" && ext != ".yaml" && ext != ".yml" {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		f, err := Load(path)
		if err != nil {
			return nil, err
		}
		if len(f.MCPServers) > 0 {
			for name, server := range f.MCPServers {
				if _, dup := out[name]; dup {
					return nil, fmt.Errorf("config: duplicate server %q in %s", name, path)
				}
				out[name] = server
			}
			continue
		}
		var single ServerEntry
		if err := decodeFile(path, &single); err != nil {
			return nil, err
		}
		name := strings.TrimSuffix(entry.Name(), filepath.Ext(entry.Name()))
		if _, dup := out[name]; dup {
			return nil, fmt.Errorf("config: duplicate server %q in %s", name, path)
		}
		out[name] = single
	}
	return out, nil
}

func decodeFile(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config: read %s: %w", path, err)
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, v); err != nil {
			return fmt.Errorf("config: parse %s: %w", path, err)
		}
	default:
		if err := json.Unmarshal(data, v); err != nil {
			return fmt.Errorf("config: parse %s: %w", path, err)
		}
	}
	return nil
}

// Descriptors converts the mcpServers map into validated backend
// descriptors, sorted by name.
func (f *File) Descriptors() ([]backend.Descriptor, error) {
	names := make([]string, 0, len(f.MCPServers))
	for name := range f.MCPServers {
		names = append(names, name)
	}
	sort.Strings(names)

	out := make([]backend.Descriptor, 0, len(names))
	for _, name := range names {
		d, err := InferDescriptor(name, f.MCPServers[name])
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, nil
}

// InferDescriptor fills in the protocol, detected type, capabilities, and
// restart default for one definition, then validates the result.
func InferDescriptor(name string, e ServerEntry) (backend.Descriptor, error) {
	if name == "" {
		return backend.Descriptor{}, fmt.Errorf("config: server with empty name")
	}

	protocol := backend.Protocol(e.Protocol)
	if protocol == "" {
		if e.URL != "" {
			protocol = backend.ProtocolHTTP
		} else {
			protocol = backend.ProtocolStdio
		}
	}

	d := backend.Descriptor{
		Name:     name,
		Protocol: protocol,
		Command:  e.Command,
		Args:     append([]string(nil), e.Args...),
		Env:      e.Env,
		URL:      e.URL,
		// Supervised children restart by default; an explicit restart:false
		// opts out.
		Restart: protocol == backend.ProtocolStdio && e.Command != "",
	}
	if e.Restart != nil {
		d.Restart = *e.Restart
	}
	if e.HealthCheck != nil {
		hc, err := parseHealthCheck(name, e.HealthCheck)
		if err != nil {
			return backend.Descriptor{}, err
		}
		d.HealthCheck = hc
	}
	d.DetectedType = backend.DetectType(&d)
	d.Capabilities = backend.DeriveCapabilities(&d)

	if err := d.Validate(); err != nil {
		return backend.Descriptor{}, err
	}
	return d, nil
}

func parseHealthCheck(name string, e *HealthCheckEntry) (*backend.HealthCheck, error) {
	hc := &backend.HealthCheck{
		Interval: 30 * time.Second,
		Timeout:  5 * time.Second,
		Retries:  3,
	}
	if e.Interval != "" {
		d, err := time.ParseDuration(e.Interval)
		if err != nil {
			return nil, fmt.Errorf("config: %s: healthCheck interval: %w", name, err)
		}
		hc.Interval = d
	}
	if e.Timeout != "" {
		d, err := time.ParseDuration(e.Timeout)
		if err != nil {
			return nil, fmt.Errorf("config: %s: healthCheck timeout: %w", name, err)
		}
		hc.Timeout = d
	}
	if e.Retries > 0 {
		hc.Retries = e.Retries
	}
	return hc, nil
}
