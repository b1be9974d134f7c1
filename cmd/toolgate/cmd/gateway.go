package cmd

import (
	"fmt"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/Sentinel-Gate/toolgate/internal/adapter/inbound/http"
	"github.com/Sentinel-Gate/toolgate/internal/adapter/outbound/controlplane"
	"github.com/Sentinel-Gate/toolgate/internal/adapter/outbound/mcp"
	"github.com/Sentinel-Gate/toolgate/internal/adapter/outbound/memory"
	"github.com/Sentinel-Gate/toolgate/internal/config"
	"github.com/Sentinel-Gate/toolgate/internal/domain/session"
	"github.com/Sentinel-Gate/toolgate/internal/observability"
	"github.com/Sentinel-Gate/toolgate/internal/port/outbound"
	"github.com/Sentinel-Gate/toolgate/internal/service"
)

var gatewayCmd = &cobra.Command{
	Use:   "gateway",
	Short: "Run the MCP gateway",
	Long: `Run the ToolGate MCP gateway.

The gateway is the edge the AI agent talks to. It serves the MCP
Streamable HTTP endpoint, authorizes every JSON-RPC call through the
embedded decision engine, and fans calls out to the configured backends.
Policy arrives as compiled bundles over the control plane's change
stream, so decisions never block on the control plane except for gated
tools, which are evaluated synchronously against governance.

Backends are configured as a comma-separated list:
  gateway.backends: "github=http://localhost:9100,jira=http://localhost:9200"

and can also be added at runtime through POST /backends.

Examples:
  # Development mode against a local control plane
  toolgate gateway --dev

  # Production
  toolgate gateway --config /etc/toolgate/toolgate.yaml`,
	RunE: runGateway,
}

func init() {
	rootCmd.AddCommand(gatewayCmd)
}

func runGateway(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	if !cfg.DevMode && cfg.Gateway.GatewayToken == "" {
		return fmt.Errorf("gateway.gateway_token is required outside dev mode")
	}

	backendSpecs, err := cfg.Gateway.ParseBackends()
	if err != nil {
		return fmt.Errorf("invalid gateway.backends: %w", err)
	}

	ctx, stop := signalContext()
	defer stop()

	logger := newLogger(cfg.LogLevel)
	if configFile := config.ConfigFileUsed(); configFile != "" {
		logger.Info("loaded config", "file", configFile)
	}

	shutdownTelemetry, err := observability.SetupTelemetry(observability.TelemetryConfig{
		Enabled:        cfg.Telemetry.TracesEnabled,
		ServiceName:    "toolgate-gateway",
		ServiceVersion: Version,
	})
	if err != nil {
		return fmt.Errorf("setup telemetry: %w", err)
	}
	defer func() {
		flushCtx, cancel := contextWithShutdownTimeout()
		defer cancel()
		if err := shutdownTelemetry(flushCtx); err != nil {
			logger.Error("telemetry shutdown failed", "error", err)
		}
	}()

	var registry *prometheus.Registry
	var metrics *observability.Metrics
	if cfg.Telemetry.MetricsEnabled {
		registry = observability.NewRegistry()
		metrics = observability.NewMetrics(registry)
	}

	// Backend clients share the forwarded-call timeout.
	backendFactory := func(name, url string) outbound.MCPBackend {
		return mcp.NewBackend(name, url, mcp.WithTimeout(cfg.Gateway.CallTimeout))
	}
	backends := make([]outbound.MCPBackend, 0, len(backendSpecs))
	for _, spec := range backendSpecs {
		backends = append(backends, backendFactory(spec.Name, spec.URL))
		logger.Info("backend configured", "service", spec.Name, "url", spec.URL)
	}

	sessionStore := memory.NewSessionStore()
	sessionStore.StartCleanup(ctx)
	defer sessionStore.Stop()
	sessions := session.NewManager(sessionStore, session.Config{})

	aggregator := service.NewAggregatorService(backends, sessions, logger,
		service.WithInitializeTimeout(cfg.Gateway.InitializeTimeout),
		service.WithCallTimeout(cfg.Gateway.CallTimeout),
		service.WithServerInfo("toolgate", Version),
	)

	// One connection config serves both the bundle refresher and the
	// synchronous governance evaluator.
	cpClient := controlplane.NewClient(cfg.Gateway.ControlPlaneURL, cfg.Gateway.GatewayToken,
		controlplane.WithEvaluateTimeout(cfg.Gateway.GovernanceTimeout),
	)
	defer cpClient.CloseIdleConnections()

	engineOpts := []service.DecisionOption{
		service.WithCacheSize(cfg.Gateway.CacheSize),
	}
	if cfg.Gateway.IssuerURL != "" && cfg.Gateway.PublicURL != "" {
		metadataURL := strings.TrimSuffix(cfg.Gateway.PublicURL, "/") + "/.well-known/oauth-protected-resource"
		engineOpts = append(engineOpts, service.WithResourceMetadataURL(metadataURL))
	}
	engine, err := service.NewDecisionService(controlplane.NewGovernanceClient(cpClient), logger, engineOpts...)
	if err != nil {
		return fmt.Errorf("create decision engine: %w", err)
	}

	bundleOpts := []service.BundleOption{
		service.WithGovernanceConnection(cfg.Gateway.ControlPlaneURL, cfg.Gateway.GatewayToken),
		service.WithOnPublish(engine.SetBundle),
	}
	if metrics != nil {
		bundleOpts = append(bundleOpts, service.WithMetrics(metrics))
	}
	bundles := service.NewBundleService(controlplane.NewBundleSource(cpClient), logger, bundleOpts...)
	bundles.Start(ctx)
	defer bundles.Stop()

	transportOpts := []http.Option{
		http.WithAddr(cfg.Gateway.ListenAddr),
		http.WithLogger(logger),
		http.WithAdminToken(cfg.ControlPlane.AdminTokenHash),
		http.WithBackendFactory(backendFactory),
	}
	if cfg.Gateway.IssuerURL != "" {
		transportOpts = append(transportOpts, http.WithIssuerURL(cfg.Gateway.IssuerURL))
	}
	if registry != nil {
		transportOpts = append(transportOpts,
			http.WithRegistry(registry),
			http.WithMetrics(metrics),
		)
	}
	transport := http.NewHTTPTransport(aggregator, engine, transportOpts...)

	logger.Info("gateway starting",
		"version", Version,
		"dev_mode", cfg.DevMode,
		"addr", cfg.Gateway.ListenAddr,
		"control_plane", cfg.Gateway.ControlPlaneURL,
		"backends", len(backends),
		"issuer", cfg.Gateway.IssuerURL,
	)

	return transport.Start(ctx)
}
