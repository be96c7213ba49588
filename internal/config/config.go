// Package config loads daemon configuration through viper: defaults, then
// an optional config file, then PORT_DADDY_* environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

// Config is the resolved daemon configuration.
type Config struct {
	DBPath        string `mapstructure:"db"`
	Listen        string `mapstructure:"listen"`
	Socket        string `mapstructure:"socket"`
	PortRangeLo   int    `mapstructure:"port-range-lo"`
	PortRangeHi   int    `mapstructure:"port-range-hi"`
	ReservedPorts []int  `mapstructure:"reserved-ports"`

	ActivityRetentionMs int64 `mapstructure:"activity-retention-ms"`
	ActivityMaxEntries  int   `mapstructure:"activity-max-entries"`

	WebhookQueueSize   int   `mapstructure:"webhook-queue-size"`
	WebhookMaxAttempts int   `mapstructure:"webhook-max-attempts"`
	WebhookRetentionMs int64 `mapstructure:"webhook-retention-ms"`

	SweepEvery string `mapstructure:"sweep-every"`

	LogLevel  string `mapstructure:"log-level"`
	LogPretty bool   `mapstructure:"log-pretty"`
}

// Load resolves configuration. file overrides the default search path
// ($PORT_DADDY_CONFIG, then ~/.port-daddy/config.yaml); a missing config
// file is not an error.
func Load(file string) (*Config, error) {
	v := viper.New()

	v.SetDefault("db", "")
	v.SetDefault("listen", ":9876")
	v.SetDefault("socket", defaultSocketPath())
	v.SetDefault("port-range-lo", 3100)
	v.SetDefault("port-range-hi", 9999)
	v.SetDefault("activity-retention-ms", 24*3600*1000)
	v.SetDefault("activity-max-entries", 10_000)
	v.SetDefault("webhook-queue-size", 1000)
	v.SetDefault("webhook-max-attempts", 5)
	v.SetDefault("webhook-retention-ms", 24*3600*1000)
	v.SetDefault("sweep-every", "30s")
	v.SetDefault("log-level", "info")
	v.SetDefault("log-pretty", false)

	v.SetEnvPrefix("PORT_DADDY")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	if file == "" {
		file = os.Getenv("PORT_DADDY_CONFIG")
	}
	if file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", file, err)
		}
	} else if home, err := os.UserHomeDir(); err == nil {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(filepath.Join(home, ".port-daddy"))
		// A missing default config file is fine.
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("read config: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	return &cfg, nil
}

func defaultSocketPath() string {
	return filepath.Join(os.TempDir(), "port-daddy.sock")
}
