package cmd

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/Sentinel-Gate/toolgate/internal/adapter/inbound/bundleapi"
	"github.com/Sentinel-Gate/toolgate/internal/adapter/outbound/controlplane"
	"github.com/Sentinel-Gate/toolgate/internal/adapter/outbound/snapshot"
	"github.com/Sentinel-Gate/toolgate/internal/config"
	"github.com/Sentinel-Gate/toolgate/internal/observability"
	"github.com/Sentinel-Gate/toolgate/internal/service"
)

var bundlerCmd = &cobra.Command{
	Use:   "bundler",
	Short: "Run the standalone bundle server",
	Long: `Run the standalone ToolGate bundle server.

The bundler subscribes to the control plane's change stream, compiles
policy bundles, and serves the latest one on GET /bundle with ETag
revision checks. Decision engines that poll instead of embedding a
builder fetch from here. A snapshot file keeps the last good bundle
across restarts, so a control-plane outage degrades service instead of
blanking it.

Examples:
  # Development mode against a local control plane
  toolgate bundler --dev

  # Production
  toolgate bundler --config /etc/toolgate/toolgate.yaml`,
	RunE: runBundler,
}

func init() {
	rootCmd.AddCommand(bundlerCmd)
}

func runBundler(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	if !cfg.DevMode && cfg.Bundler.GatewayToken == "" {
		return fmt.Errorf("bundler.gateway_token is required outside dev mode")
	}

	ctx, stop := signalContext()
	defer stop()

	logger := newLogger(cfg.LogLevel)
	if configFile := config.ConfigFileUsed(); configFile != "" {
		logger.Info("loaded config", "file", configFile)
	}

	shutdownTelemetry, err := observability.SetupTelemetry(observability.TelemetryConfig{
		Enabled:        cfg.Telemetry.TracesEnabled,
		ServiceName:    "toolgate-bundler",
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

	cpClient := controlplane.NewClient(cfg.Bundler.ControlPlaneURL, cfg.Bundler.GatewayToken)
	defer cpClient.CloseIdleConnections()

	bundleOpts := []service.BundleOption{
		service.WithGovernanceConnection(cfg.Bundler.ControlPlaneURL, cfg.Bundler.GatewayToken),
		service.WithDebounce(cfg.Bundler.Debounce),
		service.WithReconcileInterval(cfg.Bundler.ReconcileInterval),
	}
	if cfg.Bundler.SnapshotPath != "" {
		bundleOpts = append(bundleOpts,
			service.WithSnapshotCache(snapshot.NewFileCache(cfg.Bundler.SnapshotPath, logger)))
	} else {
		logger.Info("snapshot caching disabled")
	}
	if metrics != nil {
		bundleOpts = append(bundleOpts, service.WithMetrics(metrics))
	}
	bundles := service.NewBundleService(controlplane.NewBundleSource(cpClient), logger, bundleOpts...)
	bundles.Start(ctx)
	defer bundles.Stop()

	transportOpts := []bundleapi.Option{
		bundleapi.WithAddr(cfg.Bundler.ListenAddr),
		bundleapi.WithLogger(logger),
		bundleapi.WithStaleAfter(cfg.Bundler.StaleAfter),
	}
	if registry != nil {
		transportOpts = append(transportOpts, bundleapi.WithRegistry(registry))
	}
	transport := bundleapi.NewTransport(bundles, transportOpts...)

	logger.Info("bundler starting",
		"version", Version,
		"dev_mode", cfg.DevMode,
		"addr", cfg.Bundler.ListenAddr,
		"control_plane", cfg.Bundler.ControlPlaneURL,
		"snapshot", cfg.Bundler.SnapshotPath,
	)

	return transport.Start(ctx)
}
