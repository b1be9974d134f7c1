package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/spf13/viper"
)

// InitViper initializes Viper with the configuration file and environment
// variables. If configFile is empty, it searches standard locations for
// toolgate.yaml/.yml. The search requires an explicit YAML extension so the
// toolgate binary itself (same base name, no extension) never matches.
func InitViper(configFile string) {
	if configFile != "" {
		viper.SetConfigFile(configFile)
	} else if found := findConfigFile(); found != "" {
		viper.SetConfigFile(found)
	} else {
		// No config file in any standard location. Set name/type without
		// search paths so ReadInConfig returns ConfigFileNotFoundError,
		// which callers treat as env-only configuration.
		viper.SetConfigName("toolgate")
		viper.SetConfigType("yaml")
	}

	// Environment variable support: TOOLGATE_GATEWAY_LISTEN_ADDR
	viper.SetEnvPrefix("TOOLGATE")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	viper.AutomaticEnv()

	bindNestedEnvKeys()
}

// findConfigFile searches standard locations for a toolgate config file
// with an explicit YAML extension (.yaml or .yml).
func findConfigFile() string {
	home, _ := os.UserHomeDir()
	paths := []string{
		".",
		filepath.Join(home, ".toolgate"),
	}
	if runtime.GOOS == "windows" {
		if pd := os.Getenv("ProgramData"); pd != "" {
			paths = append(paths, filepath.Join(pd, "toolgate"))
		}
	} else {
		paths = append(paths, "/etc/toolgate")
	}
	return findConfigFileInPaths(paths)
}

// findConfigFileInPaths returns the first toolgate.yaml or .yml found in
// the given directories, or empty string.
func findConfigFileInPaths(paths []string) string {
	for _, dir := range paths {
		for _, ext := range []string{".yaml", ".yml"} {
			path := filepath.Join(dir, "toolgate"+ext)
			if _, err := os.Stat(path); err == nil {
				return path
			}
		}
	}
	return ""
}

// bindNestedEnvKeys binds every leaf key for environment variable support.
// AutomaticEnv alone does not surface nested keys that are absent from the
// config file, so each one is bound explicitly.
func bindNestedEnvKeys() {
	for _, key := range []string{
		"dev_mode",
		"log_level",

		"control_plane.listen_addr",
		"control_plane.db_path",
		"control_plane.admin_token_hash",
		"control_plane.gateway_token_hash",
		"control_plane.seed_file",

		"gateway.listen_addr",
		"gateway.control_plane_url",
		"gateway.gateway_token",
		"gateway.issuer_url",
		"gateway.public_url",
		"gateway.backends",
		"gateway.governance_timeout",
		"gateway.initialize_timeout",
		"gateway.call_timeout",
		"gateway.cache_size",

		"bundler.listen_addr",
		"bundler.control_plane_url",
		"bundler.gateway_token",
		"bundler.snapshot_path",
		"bundler.stale_after",
		"bundler.reconcile_interval",
		"bundler.debounce",

		"governance.approval_deadline_hours",
		"governance.retention",
		"governance.max_terminal",

		"telemetry.traces_enabled",
		"telemetry.metrics_enabled",
	} {
		_ = viper.BindEnv(key)
	}
}

// LoadConfig reads the configuration file, applies environment overrides
// and defaults, and validates the result.
// Note: callers that override DevMode from a CLI flag should use
// LoadConfigRaw, apply the flag, then call SetDevDefaults and Validate.
func LoadConfig() (*Config, error) {
	cfg, err := LoadConfigRaw()
	if err != nil {
		return nil, err
	}

	cfg.SetDevDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

// LoadConfigRaw reads the configuration file and applies defaults, but
// does NOT apply dev defaults or validate. Use when CLI flags may override
// DevMode before validation.
func LoadConfigRaw() (*Config, error) {
	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		// No config file: continue with env vars and defaults only.
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	cfg.SetDefaults()
	return &cfg, nil
}

// ConfigFileUsed returns the path of the loaded configuration file, or an
// empty string in env-only mode.
func ConfigFileUsed() string {
	return viper.ConfigFileUsed()
}
