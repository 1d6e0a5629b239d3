// Package rconfig is the runner-side configuration: device identity,
// the managed root override, the control-plane dispatch URL, lease TTL,
// and retry/backoff parameters. Loaded through spf13/viper with VK_-
// prefixed environment overrides, distinct from internal/config's
// repo-side action-chain configuration.
package rconfig

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Config is the runner process's own configuration.
type Config struct {
	DeviceID          string        `mapstructure:"device_id"`
	ManagedRootOverride string      `mapstructure:"managed_root_override"`
	ControlPlaneURL   string        `mapstructure:"control_plane_url"`
	LeaseTTL          time.Duration `mapstructure:"lease_ttl"`
	OrphanSweepCron   string        `mapstructure:"orphan_sweep_cron"`
	ApprovalSweepEvery time.Duration `mapstructure:"approval_sweep_interval"`
	BackoffInitial    time.Duration `mapstructure:"backoff_initial"`
	BackoffMax        time.Duration `mapstructure:"backoff_max"`
	MetricsPort       int           `mapstructure:"metrics_port"`
	Debug             bool          `mapstructure:"debug"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("lease_ttl", 30*time.Second)
	v.SetDefault("orphan_sweep_cron", "@every 10s")
	v.SetDefault("approval_sweep_interval", 5*time.Second)
	v.SetDefault("backoff_initial", 200*time.Millisecond)
	v.SetDefault("backoff_max", 30*time.Second)
	v.SetDefault("metrics_port", 9090)
	v.SetDefault("managed_root_override", "")
	v.SetDefault("debug", false)
}

// Load reads configuration from, in priority order, an explicit
// configPath, a well-known path (./vkrunner.yml or ~/.config/vkrunner/
// vkrunner.yml), and VK_-prefixed environment variables, which always
// win over file values.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("VK")
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("vkrunner")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.config/vkrunner")
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("reading runner config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decoding runner config: %w", err)
	}
	return &cfg, nil
}

// Validate enforces the fields required before the runner can dispatch.
func (c *Config) Validate() error {
	if c.DeviceID == "" {
		return fmt.Errorf("device_id is required (run `vkrunner enroll` first)")
	}
	if c.ControlPlaneURL == "" {
		return fmt.Errorf("control_plane_url is required")
	}
	return nil
}
