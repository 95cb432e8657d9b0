// Command mcp-gateway runs the HTTP gateway in front of a configured set of
// stdio and HTTP backends.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/vikashloomba/mcp-http-gateway-go/pkg/auth"
	"github.com/vikashloomba/mcp-http-gateway-go/pkg/config"
	"github.com/vikashloomba/mcp-http-gateway-go/pkg/gateway"
	"github.com/vikashloomba/mcp-http-gateway-go/pkg/ports"
	"github.com/vikashloomba/mcp-http-gateway-go/pkg/ratelimit"
)

const version = "1.0.0"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "mcp-gateway",
		Short:         "HTTP gateway fronting stdio and HTTP MCP backends",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(newServeCmd(), newValidateCmd())
	return root
}

type serveFlags struct {
	configPath string
	serversDir string
	host       string
	port       int
	debug      bool
}

func newServeCmd() *cobra.Command {
	flags := &serveFlags{}
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the gateway",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), flags)
		},
	}
	cmd.Flags().StringVarP(&flags.configPath, "config", "c", "", "path to the gateway config file (json or yaml)")
	cmd.Flags().StringVar(&flags.serversDir, "servers-dir", "", "directory of per-server definition files")
	cmd.Flags().StringVar(&flags.host, "host", "", "listen host (overrides config)")
	cmd.Flags().IntVar(&flags.port, "port", 0, "listen port (overrides config)")
	cmd.Flags().BoolVar(&flags.debug, "debug", false, "enable debug logging")
	return cmd
}

func newValidateCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate a gateway config without serving",
		RunE: func(cmd *cobra.Command, _ []string) error {
			file, err := config.Load(configPath)
			if err != nil {
				return err
			}
			descriptors, err := file.Descriptors()
			if err != nil {
				return err
			}
			for _, d := range descriptors {
				fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\t%s\n", d.Name, d.Protocol, d.DetectedType)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%d servers ok\n", len(descriptors))
			return nil
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "path to the gateway config file (json or yaml)")
	_ = cmd.MarkFlagRequired("config")
	return cmd
}

func runServe(parent context.Context, flags *serveFlags) error {
	level := slog.LevelInfo
	if flags.debug {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	file := &config.File{}
	if flags.configPath != "" {
		loaded, err := config.Load(flags.configPath)
		if err != nil {
			return err
		}
		file = loaded
	}
	if flags.serversDir != "" {
		scanned, err := config.LoadServersDir(flags.serversDir)
		if err != nil {
			return err
		}
		if file.MCPServers == nil {
			file.MCPServers = make(map[string]config.ServerEntry)
		}
		for name, entry := range scanned {
			if _, dup := file.MCPServers[name]; dup {
				return fmt.Errorf("server %q defined in both config and servers dir", name)
			}
			file.MCPServers[name] = entry
		}
	}

	descriptors, err := file.Descriptors()
	if err != nil {
		return err
	}

	opts, cleanup, err := buildOptions(file, flags, logger)
	if err != nil {
		return err
	}
	defer cleanup()

	g, err := gateway.New(descriptors, opts)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info("starting gateway", "addr", g.Addr(), "servers", len(descriptors))
	if err := g.ListenAndServe(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// buildOptions translates the config document into gateway options, wiring
// the auth and rate-limit middlewares when enabled.
func buildOptions(file *config.File, flags *serveFlags, logger *slog.Logger) (*gateway.Options, func(), error) {
	opts := &gateway.Options{
		Host:             file.Host,
		Port:             file.Port,
		Version:          version,
		EnableCORS:       file.EnableCORS,
		EnableMetrics:    file.EnableMetrics,
		EnableWebSockets: file.EnableWebSockets,
		Logger:           logger,
	}
	if flags.host != "" {
		opts.Host = flags.host
	}
	if flags.port != 0 {
		opts.Port = flags.port
	}
	if file.PortRange != nil {
		opts.Ports = &ports.Options{Start: file.PortRange.Start, End: file.PortRange.End, Logger: logger}
	}

	cleanup := func() {}

	if file.EnableAuth != nil && *file.EnableAuth {
		if file.Auth == nil {
			return nil, nil, fmt.Errorf("enableAuth is set but no auth settings are present")
		}
		mw, err := auth.Middleware(&auth.Options{
			Mode:   auth.Mode(file.Auth.Mode),
			Token:  file.Auth.Token,
			Secret: []byte(file.Auth.Secret),
			Users:  file.Auth.Users,
			Keys:   file.Auth.Keys,
			Header: file.Auth.Header,
			Logger: logger,
		})
		if err != nil {
			return nil, nil, err
		}
		opts.Middlewares = append(opts.Middlewares, mw)
	}

	if file.EnableRateLimit != nil && *file.EnableRateLimit {
		rlOpts := &ratelimit.Options{Logger: logger}
		if file.RateLimit != nil {
			rlOpts.RPS = file.RateLimit.RPS
			rlOpts.Burst = file.RateLimit.Burst
		}
		limiter := ratelimit.New(rlOpts)
		opts.Middlewares = append(opts.Middlewares, limiter.Middleware)
		cleanup = limiter.Close
	}

	return opts, cleanup, nil
}
