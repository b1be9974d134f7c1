// Package config provides the single-file configuration shared by the
// toolgate commands. One YAML document (default toolgate.yaml) carries the
// control-plane, gateway, and bundler sections; each command reads only the
// sections it runs, so the same file can drive a split deployment or a
// single process.
//
// Every leaf key can be overridden through the environment with the
// TOOLGATE_ prefix, e.g. TOOLGATE_GATEWAY_LISTEN_ADDR.
package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Dev-mode token defaults. Anything without the argon2id prefix is treated
// as a plaintext credential by the verifier, so these work as both the
// stored value and the presented token.
const (
	DevAdminToken   = "admin-dev-token"
	DevGatewayToken = "gateway-dev-token"
)

// Config is the top-level configuration for all toolgate commands.
type Config struct {
	// DevMode enables permissive defaults: plaintext dev tokens, an
	// in-memory database, and debug logging.
	DevMode bool `yaml:"dev_mode" mapstructure:"dev_mode"`

	// LogLevel sets the minimum log level.
	// Valid values: "debug", "info", "warn", "error".
	// Defaults to "info"; DevMode switches the default to "debug".
	LogLevel string `yaml:"log_level" mapstructure:"log_level" validate:"omitempty,oneof=debug info warn warning error"`

	// ControlPlane configures the policy store and its admin API.
	ControlPlane ControlPlaneConfig `yaml:"control_plane" mapstructure:"control_plane"`

	// Gateway configures the MCP edge.
	Gateway GatewayConfig `yaml:"gateway" mapstructure:"gateway"`

	// Bundler configures the standalone bundle builder.
	Bundler BundlerConfig `yaml:"bundler" mapstructure:"bundler"`

	// Governance configures approval-workflow instances.
	Governance GovernanceConfig `yaml:"governance" mapstructure:"governance"`

	// Telemetry configures OpenTelemetry exporters.
	Telemetry TelemetryConfig `yaml:"telemetry" mapstructure:"telemetry"`
}

// ControlPlaneConfig configures the control-plane command: the durable
// policy store, the admin API, and the bundle-data endpoint.
type ControlPlaneConfig struct {
	// ListenAddr is the address the admin API listens on.
	// Defaults to ":12000".
	ListenAddr string `yaml:"listen_addr" mapstructure:"listen_addr" validate:"omitempty,hostname_port"`

	// DBPath is the SQLite database path, or ":memory:" for an ephemeral
	// store. Defaults to "toolgate.db" (":memory:" in dev mode).
	DBPath string `yaml:"db_path" mapstructure:"db_path"`

	// AdminTokenHash is the argon2id hash of the admin bearer token.
	// A value without the argon2id prefix is compared as plaintext
	// (dev mode only). Generate hashes with `toolgate hash-token`.
	AdminTokenHash string `yaml:"admin_token_hash" mapstructure:"admin_token_hash"`

	// GatewayTokenHash is the argon2id hash of the token decision engines
	// present when fetching bundle data.
	GatewayTokenHash string `yaml:"gateway_token_hash" mapstructure:"gateway_token_hash"`

	// SeedFile is an optional YAML file applied once at startup to an
	// empty store: catalog services, tools, and access rules.
	SeedFile string `yaml:"seed_file" mapstructure:"seed_file"`
}

// GatewayConfig configures the gateway command: the MCP edge plus its
// embedded decision engine and bundle refresher.
type GatewayConfig struct {
	// ListenAddr is the address the MCP endpoint listens on.
	// Defaults to ":8000".
	ListenAddr string `yaml:"listen_addr" mapstructure:"listen_addr" validate:"omitempty,hostname_port"`

	// ControlPlaneURL is the base URL of the control plane.
	// Defaults to "http://localhost:12000".
	ControlPlaneURL string `yaml:"control_plane_url" mapstructure:"control_plane_url" validate:"omitempty,url"`

	// GatewayToken is the plaintext token presented to the control plane
	// when fetching bundle data.
	GatewayToken string `yaml:"gateway_token" mapstructure:"gateway_token"`

	// IssuerURL is the OAuth issuer advertised to unauthenticated callers
	// via the protected-resource metadata endpoint. Empty disables the
	// metadata endpoints.
	IssuerURL string `yaml:"issuer_url" mapstructure:"issuer_url" validate:"omitempty,url"`

	// PublicURL is the externally visible base URL of the gateway. It
	// anchors the resource_metadata pointer in 401 challenges, so set it
	// together with IssuerURL when the gateway sits behind a proxy.
	PublicURL string `yaml:"public_url" mapstructure:"public_url" validate:"omitempty,url"`

	// Backends lists the MCP servers behind the gateway as
	// "name=url,name=url". Names become tool namespaces.
	Backends string `yaml:"backends" mapstructure:"backends" validate:"omitempty,backend_list"`

	// GovernanceTimeout bounds a single governance evaluation.
	// Defaults to 5s.
	GovernanceTimeout time.Duration `yaml:"governance_timeout" mapstructure:"governance_timeout" validate:"min=0"`

	// InitializeTimeout bounds the per-backend initialize fan-out.
	// Defaults to 10s.
	InitializeTimeout time.Duration `yaml:"initialize_timeout" mapstructure:"initialize_timeout" validate:"min=0"`

	// CallTimeout bounds a forwarded tool call. Defaults to 30s.
	CallTimeout time.Duration `yaml:"call_timeout" mapstructure:"call_timeout" validate:"min=0"`

	// CacheSize is the decision engine's verdict cache capacity in
	// entries. Defaults to 1024.
	CacheSize int `yaml:"cache_size" mapstructure:"cache_size" validate:"omitempty,min=1"`
}

// BundlerConfig configures the standalone bundler command, which serves
// compiled bundles to decision engines that poll over HTTP.
type BundlerConfig struct {
	// ListenAddr is the address the bundle API listens on.
	// Defaults to ":12400".
	ListenAddr string `yaml:"listen_addr" mapstructure:"listen_addr" validate:"omitempty,hostname_port"`

	// ControlPlaneURL is the base URL of the control plane.
	// Defaults to "http://localhost:12000".
	ControlPlaneURL string `yaml:"control_plane_url" mapstructure:"control_plane_url" validate:"omitempty,url"`

	// GatewayToken is the plaintext token presented to the control plane.
	GatewayToken string `yaml:"gateway_token" mapstructure:"gateway_token"`

	// SnapshotPath is where the last good bundle is cached for restarts.
	// Defaults to "bundle-snapshot.json"; empty string disables caching.
	SnapshotPath string `yaml:"snapshot_path" mapstructure:"snapshot_path"`

	// StaleAfter marks the bundler degraded when the last control-plane
	// sync is older than this. Defaults to 60s.
	StaleAfter time.Duration `yaml:"stale_after" mapstructure:"stale_after" validate:"min=0"`

	// ReconcileInterval is the periodic full-rebuild cadence that catches
	// missed change events. Defaults to 30s.
	ReconcileInterval time.Duration `yaml:"reconcile_interval" mapstructure:"reconcile_interval" validate:"min=0"`

	// Debounce coalesces bursts of change events into one rebuild.
	// Defaults to 100ms.
	Debounce time.Duration `yaml:"debounce" mapstructure:"debounce" validate:"min=0"`
}

// GovernanceConfig configures approval-workflow instances.
type GovernanceConfig struct {
	// ApprovalDeadlineHours is how long a pending request may await a
	// decision before it expires into a denial. Defaults to 168 (7 days).
	ApprovalDeadlineHours int `yaml:"approval_deadline_hours" mapstructure:"approval_deadline_hours" validate:"omitempty,min=1"`

	// Retention is how long consumed requests stay inspectable before the
	// sweeper removes them. Defaults to 24h.
	Retention time.Duration `yaml:"retention" mapstructure:"retention" validate:"min=0"`

	// MaxTerminal caps retained consumed requests per instance.
	// Defaults to 1000.
	MaxTerminal int `yaml:"max_terminal" mapstructure:"max_terminal" validate:"omitempty,min=1"`
}

// TelemetryConfig configures OpenTelemetry exporters.
type TelemetryConfig struct {
	// TracesEnabled turns on the stdout span exporter. Default: false.
	TracesEnabled bool `yaml:"traces_enabled" mapstructure:"traces_enabled"`

	// MetricsEnabled turns on the Prometheus /metrics endpoint.
	// Default: true.
	MetricsEnabled bool `yaml:"metrics_enabled" mapstructure:"metrics_enabled"`
}

// BackendSpec is one parsed entry of GatewayConfig.Backends.
type BackendSpec struct {
	Name string
	URL  string
}

// ParseBackends parses the "name=url,name=url" backend list. Names become
// tool namespaces, so they must be unique and must not contain dots.
func (g GatewayConfig) ParseBackends() ([]BackendSpec, error) {
	raw := strings.TrimSpace(g.Backends)
	if raw == "" {
		return nil, nil
	}

	seen := make(map[string]struct{})
	var specs []BackendSpec
	for _, entry := range strings.Split(raw, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		name, rawURL, ok := strings.Cut(entry, "=")
		name = strings.TrimSpace(name)
		rawURL = strings.TrimSpace(rawURL)
		if !ok || name == "" || rawURL == "" {
			return nil, fmt.Errorf("backend entry %q: want name=url", entry)
		}
		if strings.Contains(name, ".") {
			return nil, fmt.Errorf("backend name %q: dots collide with tool namespacing", name)
		}
		if _, dup := seen[name]; dup {
			return nil, fmt.Errorf("backend name %q: duplicate", name)
		}
		u, err := url.Parse(rawURL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return nil, fmt.Errorf("backend %q: url must be http(s) with a host, got %q", name, rawURL)
		}
		seen[name] = struct{}{}
		specs = append(specs, BackendSpec{Name: name, URL: rawURL})
	}
	return specs, nil
}

// SetDevDefaults applies permissive defaults for development mode: dev
// tokens on both sides, an in-memory database, and debug logging. Applied
// after SetDefaults and before validation.
func (c *Config) SetDevDefaults() {
	if !c.DevMode {
		return
	}

	// viper.IsSet distinguishes "not set" from "explicitly configured":
	// explicit values survive dev mode.
	if !viper.IsSet("log_level") {
		c.LogLevel = "debug"
	}
	if !viper.IsSet("control_plane.db_path") {
		c.ControlPlane.DBPath = ":memory:"
	}

	if c.ControlPlane.AdminTokenHash == "" {
		c.ControlPlane.AdminTokenHash = DevAdminToken
	}
	if c.ControlPlane.GatewayTokenHash == "" {
		c.ControlPlane.GatewayTokenHash = DevGatewayToken
	}
	if c.Gateway.GatewayToken == "" {
		c.Gateway.GatewayToken = DevGatewayToken
	}
	if c.Bundler.GatewayToken == "" {
		c.Bundler.GatewayToken = DevGatewayToken
	}
}

// SetDefaults applies default values to unset fields.
func (c *Config) SetDefaults() {
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}

	if c.ControlPlane.ListenAddr == "" {
		c.ControlPlane.ListenAddr = ":12000"
	}
	if c.ControlPlane.DBPath == "" {
		c.ControlPlane.DBPath = "toolgate.db"
	}

	if c.Gateway.ListenAddr == "" {
		c.Gateway.ListenAddr = ":8000"
	}
	if c.Gateway.ControlPlaneURL == "" {
		c.Gateway.ControlPlaneURL = "http://localhost:12000"
	}
	if c.Gateway.GovernanceTimeout == 0 {
		c.Gateway.GovernanceTimeout = 5 * time.Second
	}
	if c.Gateway.InitializeTimeout == 0 {
		c.Gateway.InitializeTimeout = 10 * time.Second
	}
	if c.Gateway.CallTimeout == 0 {
		c.Gateway.CallTimeout = 30 * time.Second
	}
	if c.Gateway.CacheSize == 0 {
		c.Gateway.CacheSize = 1024
	}

	if c.Bundler.ListenAddr == "" {
		c.Bundler.ListenAddr = ":12400"
	}
	if c.Bundler.ControlPlaneURL == "" {
		c.Bundler.ControlPlaneURL = "http://localhost:12000"
	}
	// Empty disables snapshot caching, so the default only applies when
	// the key is absent entirely.
	if !viper.IsSet("bundler.snapshot_path") && c.Bundler.SnapshotPath == "" {
		c.Bundler.SnapshotPath = "bundle-snapshot.json"
	}
	if c.Bundler.StaleAfter == 0 {
		c.Bundler.StaleAfter = 60 * time.Second
	}
	if c.Bundler.ReconcileInterval == 0 {
		c.Bundler.ReconcileInterval = 30 * time.Second
	}
	if c.Bundler.Debounce == 0 {
		c.Bundler.Debounce = 100 * time.Millisecond
	}

	if c.Governance.ApprovalDeadlineHours == 0 {
		c.Governance.ApprovalDeadlineHours = 168
	}
	if c.Governance.Retention == 0 {
		c.Governance.Retention = 24 * time.Hour
	}
	if c.Governance.MaxTerminal == 0 {
		c.Governance.MaxTerminal = 1000
	}

	// Metrics default to on; viper.IsSet distinguishes "not set" from
	// "explicitly false".
	if !viper.IsSet("telemetry.metrics_enabled") {
		c.Telemetry.MetricsEnabled = true
	}
}
