package cmd

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/spf13/cobra"

	"github.com/Sentinel-Gate/toolgate/internal/adapter/inbound/admin"
	"github.com/Sentinel-Gate/toolgate/internal/adapter/outbound/cel"
	"github.com/Sentinel-Gate/toolgate/internal/adapter/outbound/sqlite"
	"github.com/Sentinel-Gate/toolgate/internal/config"
	"github.com/Sentinel-Gate/toolgate/internal/domain/governance"
	"github.com/Sentinel-Gate/toolgate/internal/domain/policy"
	"github.com/Sentinel-Gate/toolgate/internal/observability"
	"github.com/Sentinel-Gate/toolgate/internal/service"
)

var controlPlaneCmd = &cobra.Command{
	Use:   "control-plane",
	Short: "Run the policy control plane",
	Long: `Run the ToolGate control plane.

The control plane owns the durable policy state: the service catalog,
access rules, revocations, and governance bindings. It exposes the admin
API for operators, the governance approval API, and the gateway-facing
bundle-data and change-stream endpoints.

Examples:
  # Development mode: in-memory database, plaintext dev tokens
  toolgate control-plane --dev

  # Production: durable store, argon2id-hashed tokens from config
  toolgate control-plane --config /etc/toolgate/toolgate.yaml

  # Bootstrap an empty store from a seed file
  toolgate control-plane --dev --seed catalog.yaml`,
	RunE: runControlPlane,
}

var seedFile string

func init() {
	controlPlaneCmd.Flags().StringVar(&seedFile, "seed", "", "seed file applied once to an empty store (overrides control_plane.seed_file)")
	rootCmd.AddCommand(controlPlaneCmd)
}

func runControlPlane(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	// Outside dev mode both control surfaces need provisioned credentials.
	if !cfg.DevMode {
		if cfg.ControlPlane.AdminTokenHash == "" {
			return fmt.Errorf("control_plane.admin_token_hash is required outside dev mode (generate one with `toolgate hash-token`)")
		}
		if cfg.ControlPlane.GatewayTokenHash == "" {
			return fmt.Errorf("control_plane.gateway_token_hash is required outside dev mode (generate one with `toolgate hash-token`)")
		}
	}

	ctx, stop := signalContext()
	defer stop()

	logger := newLogger(cfg.LogLevel)
	if configFile := config.ConfigFileUsed(); configFile != "" {
		logger.Info("loaded config", "file", configFile)
	}
	if cfg.DevMode {
		logger.Warn("dev mode enabled: plaintext dev tokens accepted, database may be in-memory")
	}

	shutdownTelemetry, err := observability.SetupTelemetry(observability.TelemetryConfig{
		Enabled:        cfg.Telemetry.TracesEnabled,
		ServiceName:    "toolgate-control-plane",
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

	persist, err := sqlite.Open(cfg.ControlPlane.DBPath)
	if err != nil {
		return fmt.Errorf("open policy database: %w", err)
	}
	defer func() { _ = persist.Close() }()

	governanceSvc := service.NewGovernanceService(logger,
		service.WithRetention(cfg.Governance.Retention),
		service.WithMaxTerminal(cfg.Governance.MaxTerminal),
		service.WithApprovalDeadline(time.Duration(cfg.Governance.ApprovalDeadlineHours)*time.Hour),
	)
	governanceSvc.StartSweeper(ctx)
	defer governanceSvc.Stop()

	validator, err := cel.NewEvaluator()
	if err != nil {
		return fmt.Errorf("create expression validator: %w", err)
	}

	store, err := service.NewPolicyStore(ctx, persist, logger,
		service.WithGovernanceRegistry(governanceSvc),
		service.WithExpressionValidator(validator),
	)
	if err != nil {
		return fmt.Errorf("create policy store: %w", err)
	}

	// Governance instances are not persisted; rebuild them from the stored
	// bindings so approval settings can be re-applied by operators.
	governanceSvc.Restore(store.GovernanceBindings(ctx), store.Services(ctx))

	// Seed an empty store once. Every mutation bumps the revision, so
	// revision 0 means the store has never been written.
	seedPath := seedFile
	if seedPath == "" {
		seedPath = cfg.ControlPlane.SeedFile
	}
	if seedPath != "" {
		if store.Revision() == 0 {
			seed, err := config.LoadSeed(seedPath)
			if err != nil {
				return fmt.Errorf("load seed: %w", err)
			}
			if err := applySeed(ctx, store, governanceSvc, seed); err != nil {
				return fmt.Errorf("apply seed: %w", err)
			}
			logger.Info("seed applied",
				"file", seedPath,
				"services", len(seed.Catalog),
				"rules", len(seed.AccessRules),
			)
		} else {
			logger.Info("seed skipped, store already has data", "revision", store.Revision())
		}
	}

	opts := []admin.Option{
		admin.WithAdminToken(cfg.ControlPlane.AdminTokenHash),
		admin.WithGatewayToken(cfg.ControlPlane.GatewayTokenHash),
	}
	if cfg.Telemetry.MetricsEnabled {
		registry := observability.NewRegistry()
		opts = append(opts,
			admin.WithMetrics(observability.NewMetrics(registry)),
			admin.WithRegistry(registry),
		)
	}
	handler := admin.NewHandler(store, governanceSvc, logger, opts...)

	logger.Info("control plane starting",
		"version", Version,
		"dev_mode", cfg.DevMode,
		"addr", cfg.ControlPlane.ListenAddr,
		"db", cfg.ControlPlane.DBPath,
		"revision", store.Revision(),
		"services", len(store.Services(ctx)),
	)

	return serveHTTP(ctx, logger, "control plane", cfg.ControlPlane.ListenAddr, handler.Routes())
}

// applySeed loads the one-time bootstrap into an empty store: services with
// their tools and governance bindings first, enablement last so a service
// goes live fully configured, then the access rules.
func applySeed(ctx context.Context, store *service.PolicyStore, gov *service.GovernanceService, seed *config.Seed) error {
	services := make([]string, 0, len(seed.Catalog))
	for name := range seed.Catalog {
		services = append(services, name)
	}
	sort.Strings(services)

	for _, name := range services {
		svc := seed.Catalog[name]
		if err := store.RegisterService(ctx, name); err != nil {
			return fmt.Errorf("register service %s: %w", name, err)
		}

		tools := make([]string, 0, len(svc.Tools))
		for tool := range svc.Tools {
			tools = append(tools, tool)
		}
		sort.Strings(tools)
		for _, tool := range tools {
			tag := policy.Tag(svc.Tools[tool].TagOrDefault())
			if err := store.RegisterTool(ctx, name, tool, tag); err != nil {
				return fmt.Errorf("register tool %s.%s: %w", name, tool, err)
			}
		}

		if svc.GovernanceID != "" {
			// Attaching creates the governance instance, so per-tool
			// approval settings land on a live instance.
			if err := store.AttachGovernance(ctx, name, svc.GovernanceID); err != nil {
				return fmt.Errorf("attach governance to %s: %w", name, err)
			}
			for _, tool := range tools {
				st := svc.Tools[tool]
				if st.RequiresApproval != nil {
					if err := gov.SetApprovalRequired(svc.GovernanceID, tool, *st.RequiresApproval); err != nil {
						return fmt.Errorf("set approval for %s.%s: %w", name, tool, err)
					}
				}
				for _, sc := range st.Constraints {
					c := governance.Constraint{
						ToolName:    tool,
						ParamName:   sc.Param,
						Operator:    governance.Operator(sc.Operator),
						Values:      sc.Values,
						Description: sc.Description,
					}
					if err := gov.AddConstraint(svc.GovernanceID, c); err != nil {
						return fmt.Errorf("add constraint for %s.%s: %w", name, tool, err)
					}
				}
			}
		}

		if svc.IsEnabled() {
			if err := store.EnableService(ctx, name); err != nil {
				return fmt.Errorf("enable service %s: %w", name, err)
			}
		}
	}

	for i, rule := range seed.AccessRules {
		r := policy.AccessRule{
			// Deterministic ids so re-seeding a reset store replaces
			// instead of accumulating.
			ID: fmt.Sprintf("seed-rule-%d", i),
			Matcher: policy.Matcher{
				Type:       policy.MatcherType(rule.Matcher.Type),
				Claims:     rule.Matcher.Claims,
				Identity:   rule.Matcher.Identity,
				Expression: rule.Matcher.Expression,
			},
			Allow: policy.Allow{
				Services: rule.Allow.Services,
				Tools:    rule.Allow.Tools,
			},
		}
		if _, err := store.AddAccessRule(ctx, r); err != nil {
			return fmt.Errorf("add access rule %d: %w", i, err)
		}
	}

	return nil
}
