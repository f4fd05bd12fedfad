// Package config loads coordctl's runtime configuration — rate-limit
// plans, dashboard refresh interval, and storage paths — via viper, with
// COORDCTL_-prefixed environment variable overrides, following the
// pack's viper.SetEnvPrefix/AutomaticEnv convention.
package config

import (
	"errors"
	"io/fs"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is coordctl's daemon configuration.
type Config struct {
	TaskFilePath      string        `mapstructure:"task_file_path"`
	DashboardInterval time.Duration `mapstructure:"dashboard_interval"`
	DashboardAddr     string        `mapstructure:"dashboard_addr"`
	RateLimitPlan     string        `mapstructure:"rate_limit_plan"`
	NATSURL           string        `mapstructure:"nats_url"`
	LogLevel          string        `mapstructure:"log_level"`
}

// setDefaults mirrors the pack's viper.SetDefault block, one call per key.
func setDefaults(v *viper.Viper) {
	v.SetDefault("task_file_path", "coordctl-tasks.json")
	v.SetDefault("dashboard_interval", "30s")
	v.SetDefault("dashboard_addr", ":8090")
	v.SetDefault("rate_limit_plan", "Free")
	v.SetDefault("nats_url", "")
	v.SetDefault("log_level", "info")
}

// Load reads coordctl.yaml (if configPath is non-empty and exists),
// layering COORDCTL_ environment variables on top.
func Load(configPath string) (Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("COORDCTL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok && !errors.Is(err, fs.ErrNotExist) {
				return Config{}, err
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}
