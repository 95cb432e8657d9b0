// Package backend defines the descriptor type shared by every gateway
// subsystem. A Descriptor is the validated configuration record for one
// fronted backend: either a child process speaking line-delimited JSON over
// stdio, or an HTTP endpoint reached by URL. Descriptors are created by the
// config loader, handed to the gateway at construction, and never mutated.
package backend

import (
	"fmt"
	"net/url"
	"path/filepath"
	"strings"
	"time"
)

// Protocol identifies how the gateway reaches a backend.
type Protocol string

const (
	ProtocolStdio Protocol = "stdio"
	ProtocolHTTP  Protocol = "http"
)

// DetectedType is a classification hint used only to adjust validation and
// diagnostics; it never changes routing behavior.
type DetectedType string

const (
	TypeDocker DetectedType = "docker"
	TypeNPX    DetectedType = "npx"
	TypeHTTP   DetectedType = "http"
	TypeCustom DetectedType = "custom"
)

// Capabilities are flags derived from the descriptor fields.
type Capabilities struct {
	RequiresStdio       bool `json:"requiresStdio"`
	SupportsHealthCheck bool `json:"supportsHealthCheck"`
	RequiresEnvironment bool `json:"requiresEnvironment"`
	CanRestart          bool `json:"canRestart"`
}

// HealthCheck configures optional periodic health probing for a backend.
type HealthCheck struct {
	Interval time.Duration `json:"interval"`
	Timeout  time.Duration `json:"timeout"`
	Retries  int           `json:"retries"`
}

// Descriptor is the immutable configuration record for one backend.
type Descriptor struct {
	Name         string            `json:"name"`
	Protocol     Protocol          `json:"protocol"`
	DetectedType DetectedType      `json:"detectedType"`
	Command      string            `json:"command,omitempty"`
	Args         []string          `json:"args,omitempty"`
	Env          map[string]string `json:"env,omitempty"`
	URL          string            `json:"url,omitempty"`
	Capabilities Capabilities      `json:"capabilities"`
	Restart      bool              `json:"restart"`
	HealthCheck  *HealthCheck      `json:"healthCheck,omitempty"`
}

// DefaultAllowedCommands is the spawn allowlist checked against the basename
// of a stdio descriptor's executable.
var DefaultAllowedCommands = []string{
	"node", "python", "python3", "npx", "yarn", "pnpm", "deno", "bun",
}

// shellMetachars are rejected anywhere in a command or argument.
const shellMetachars = ";&|$`"

// ValidateCommand checks the executable against the allowlist and rejects
// path traversal and shell metacharacters. A nil allowed slice means
// DefaultAllowedCommands.
func ValidateCommand(command string, allowed []string) error {
	if command == "" {
		return fmt.Errorf("backend: %w", ErrNoCommand)
	}
	if strings.Contains(command, "..") || strings.ContainsAny(command, shellMetachars) {
		return fmt.Errorf("backend: command %q: %w", command, ErrDisallowedCommand)
	}
	if allowed == nil {
		allowed = DefaultAllowedCommands
	}
	base := filepath.Base(command)
	for _, name := range allowed {
		if base == name {
			return nil
		}
	}
	return fmt.Errorf("backend: command %q not in allowlist: %w", command, ErrDisallowedCommand)
}

// ValidateArgs rejects arguments containing shell metacharacters.
func ValidateArgs(args []string) error {
	for _, arg := range args {
		if strings.ContainsAny(arg, shellMetachars) {
			return fmt.Errorf("backend: argument %q: %w", arg, ErrDangerousArgs)
		}
	}
	return nil
}

// DeriveCapabilities computes the capability flags implied by the descriptor
// fields.
func DeriveCapabilities(d *Descriptor) Capabilities {
	return Capabilities{
		RequiresStdio:       d.Protocol == ProtocolStdio,
		SupportsHealthCheck: d.HealthCheck != nil || d.Protocol == ProtocolStdio,
		RequiresEnvironment: len(d.Env) > 0,
		CanRestart:          d.Protocol == ProtocolStdio && d.Command != "",
	}
}

// DetectType classifies a descriptor from its command or URL.
func DetectType(d *Descriptor) DetectedType {
	if d.Protocol == ProtocolHTTP || d.URL != "" {
		return TypeHTTP
	}
	switch filepath.Base(d.Command) {
	case "docker":
		return TypeDocker
	case "npx":
		return TypeNPX
	}
	return TypeCustom
}

// Validate checks the descriptor for internal consistency. It does not probe
// the network or the filesystem.
func (d *Descriptor) Validate() error {
	if d.Name == "" {
		return fmt.Errorf("backend: descriptor has no name")
	}
	switch d.Protocol {
	case ProtocolStdio:
		if d.Command != "" {
			if err := ValidateCommand(d.Command, nil); err != nil {
				return err
			}
			if err := ValidateArgs(d.Args); err != nil {
				return err
			}
		}
	case ProtocolHTTP:
		if d.URL == "" {
			return fmt.Errorf("backend: %s: http descriptor requires a url", d.Name)
		}
		u, err := url.Parse(d.URL)
		if err != nil {
			return fmt.Errorf("backend: %s: invalid url: %w", d.Name, err)
		}
		if u.Scheme != "http" && u.Scheme != "https" {
			return fmt.Errorf("backend: %s: unsupported url scheme %q", d.Name, u.Scheme)
		}
	default:
		return fmt.Errorf("backend: %s: unknown protocol %q", d.Name, d.Protocol)
	}
	return nil
}
