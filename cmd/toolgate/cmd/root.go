// Package cmd provides the CLI commands for ToolGate.
package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/Sentinel-Gate/toolgate/internal/config"
)

var cfgFile string
var devMode bool

var rootCmd = &cobra.Command{
	Use:   "toolgate",
	Short: "ToolGate - MCP tool-access gateway",
	Long: `ToolGate is an access gateway for Model Context Protocol (MCP) tools.

It sits between AI agents and a catalog of MCP backend services and
authorizes every tool call through three layers: the service catalog,
subject access rules, and per-service governance (store-and-forward
approval workflows with parameter constraints).

The binary hosts three servers that can run in one process group or be
split across machines:

  control-plane   Policy store, governance registry, and admin API
  gateway         MCP edge: aggregator plus embedded decision engine
  bundler         Standalone bundle server for polling decision engines

Quick start:
  1. Run a control plane:  toolgate control-plane --dev
  2. Run a gateway:        toolgate gateway --dev --config toolgate.yaml

Configuration:
  Config is loaded from toolgate.yaml in the current directory,
  $HOME/.toolgate/, or /etc/toolgate/.

  Environment variables can override config values with the TOOLGATE_ prefix.
  Example: TOOLGATE_GATEWAY_LISTEN_ADDR=:9000

Commands:
  control-plane  Run the policy control plane
  gateway        Run the MCP gateway
  bundler        Run the standalone bundle server
  hash-token     Generate an argon2id hash for a bearer token
  version        Print version information`,
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ./toolgate.yaml)")
	rootCmd.PersistentFlags().BoolVar(&devMode, "dev", false, "Enable development mode (dev tokens, in-memory database, debug logging)")
}

func initConfig() {
	config.InitViper(cfgFile)
}

// loadConfig loads the configuration without validation, applies the --dev
// flag override, fills dev defaults, and validates. Shared by the three
// server commands.
func loadConfig() (*config.Config, error) {
	cfg, err := config.LoadConfigRaw()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	if devMode {
		cfg.DevMode = true
	}
	cfg.SetDevDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

// newLogger builds the process logger writing to stderr.
func newLogger(level string) *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: parseLogLevel(level),
	}))
}

// parseLogLevel converts a string log level to slog.Level.
// Returns slog.LevelInfo for unrecognized values.
func parseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// signalContext returns a context cancelled on SIGINT or SIGTERM.
// stop() restores default signal handling so a second Ctrl+C does a hard kill.
func signalContext() (context.Context, context.CancelFunc) {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-ctx.Done()
		stop() // Restore default: next Ctrl+C = immediate exit.
	}()
	return ctx, stop
}

// shutdownTimeout bounds the drain when a server stops.
const shutdownTimeout = 10 * time.Second

// contextWithShutdownTimeout returns a context for flush and drain work on
// the way out.
func contextWithShutdownTimeout() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), shutdownTimeout)
}

// serveHTTP runs an HTTP server for the handler until ctx is cancelled,
// then drains it with a bounded grace period. Cancelling the server's base
// context ends every request context, so open SSE streams return and
// Shutdown can complete.
func serveHTTP(ctx context.Context, logger *slog.Logger, name, addr string, handler http.Handler) error {
	baseCtx, baseCancel := context.WithCancel(context.Background())
	defer baseCancel()

	server := &http.Server{
		Addr:    addr,
		Handler: handler,
		BaseContext: func(net.Listener) context.Context {
			return baseCtx
		},
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("starting "+name, "addr", addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		logger.Info("context cancelled, shutting down " + name)
		baseCancel()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("error during shutdown", "server", name, "error", err)
			return err
		}
		logger.Info(name + " shutdown complete")
		return nil
	case err := <-errCh:
		return err
	}
}
