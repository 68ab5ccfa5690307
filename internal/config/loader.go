package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// Load reads defaults, then configPath (if non-empty), then environment
// variables, then resolves secret references, then validates the result —
// the four-layer order spec.md §4.3's load() names. configPath may be
// empty to load defaults + env only (used by tests and by the
// rollback-drill command's scratch service).
func Load(configPath string, resolver SecretsResolver) (*Tree, error) {
	v := viper.New()
	setDefaults(v)

	v.AutomaticEnv()
	v.SetEnvPrefix("sentrycore")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	// Viper's AutomaticEnv alone is not honored by Unmarshal; every key that
	// should be env-overridable needs an explicit bind.
	for _, key := range []string{
		"system.environment", "system.log_level", "system.health_poll_interval_seconds",
		"system.summary_interval_seconds", "system.shutdown_deadline_seconds",
		"system.rollback_drill_cron", "system.rollback_drill_enabled",
		"status.bus_telemetry_interval_seconds",
	} {
		_ = v.BindEnv(key)
	}

	if configPath != "" {
		v.SetConfigFile(configPath)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return nil, fmt.Errorf("config: read file: %w", err)
			}
		}
	}

	var tree Tree
	if err := v.Unmarshal(&tree); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}

	if resolver != nil {
		if err := ResolveSecrets(&tree, resolver); err != nil {
			return nil, fmt.Errorf("config: resolve secrets: %w", err)
		}
	}

	if err := Validate(&tree); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrValidation, err)
	}

	return &tree, nil
}

// setDefaults mirrors the teacher's setDefaults(): every leaf of the tree
// gets a sane value so Load("", nil) alone produces a valid, bootable
// configuration.
func setDefaults(v *viper.Viper) {
	v.SetDefault("system.environment", "development")
	v.SetDefault("system.log_level", "info")
	v.SetDefault("system.health_poll_interval_seconds", 5)
	v.SetDefault("system.summary_interval_seconds", 10)
	v.SetDefault("system.shutdown_deadline_seconds", 10)
	v.SetDefault("system.rollback_drill_cron", "0 3 * * 0")
	v.SetDefault("system.rollback_drill_enabled", false)

	v.SetDefault("status.bus_telemetry_interval_seconds", 1)

	v.SetDefault("cameras", []map[string]any{})
	v.SetDefault("process", []map[string]any{})
	v.SetDefault("event", []map[string]any{})
	v.SetDefault("outputs", []map[string]any{})
	v.SetDefault("storage", []map[string]any{})
	v.SetDefault("analytics", []map[string]any{})
	v.SetDefault("dashboards", []map[string]any{})

	v.SetDefault("resilience.scenarios", []map[string]any{})
}
