// Package config loads process configuration via viper, binding
// environment variables and an optional config file onto a typed
// Config struct.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config mirrors spec.md §6's configuration surface plus the ambient
// settings the expanded system needs (store/backend endpoints, event
// bus mode, audit sink DSN).
type Config struct {
	InstanceID        string `mapstructure:"instance-id"`
	PublicPathPrefix  string `mapstructure:"public-path-prefix"`

	Proxy struct {
		StopProxiesOnShutdown bool `mapstructure:"stop-proxies-on-shutdown"`
	} `mapstructure:"proxy"`

	Scaler struct {
		TickInterval     time.Duration `mapstructure:"tick-interval"`
		ScaleDownEnabled bool          `mapstructure:"scale-down-enabled"`
	} `mapstructure:"scaler"`

	Readiness struct {
		Deadline time.Duration `mapstructure:"deadline"`
		Interval time.Duration `mapstructure:"interval"`
	} `mapstructure:"readiness"`

	Store struct {
		Kind  string `mapstructure:"kind"` // "memory" | "redis"
		Redis struct {
			Address  string `mapstructure:"address"`
			Password string `mapstructure:"password"`
			DB       int    `mapstructure:"db"`
		} `mapstructure:"redis"`
	} `mapstructure:"store"`

	Leader struct {
		Kind string `mapstructure:"kind"` // "single" | "redis"
	} `mapstructure:"leader"`

	EventBus struct {
		Kind string `mapstructure:"kind"` // "memory" | "nats"
		NATS struct {
			URL string `mapstructure:"url"`
		} `mapstructure:"nats"`
	} `mapstructure:"event-bus"`

	Audit struct {
		Enabled     bool   `mapstructure:"enabled"`
		PostgresDSN string `mapstructure:"postgres-dsn"`
	} `mapstructure:"audit"`

	SpecDir string `mapstructure:"spec-dir"`

	HealthAddr  string `mapstructure:"health-addr"`
	MetricsAddr string `mapstructure:"metrics-addr"`
}

// Load reads configuration from an optional file at path (ignored if
// empty and not found), environment variables prefixed PROXYCORE_, and
// the defaults below, in viper's usual override order.
func Load(path string) (*Config, error) {
	v := viper.New()

	v.SetEnvPrefix("proxycore")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return nil, fmt.Errorf("config: reading %s: %w", path, err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("instance-id", "")
	v.SetDefault("public-path-prefix", "/api/route/")
	v.SetDefault("proxy.stop-proxies-on-shutdown", true)
	v.SetDefault("scaler.tick-interval", 10*time.Second)
	v.SetDefault("scaler.scale-down-enabled", false)
	v.SetDefault("readiness.deadline", 60*time.Second)
	v.SetDefault("readiness.interval", time.Second)
	v.SetDefault("store.kind", "memory")
	v.SetDefault("store.redis.address", "localhost:6379")
	v.SetDefault("store.redis.db", 0)
	v.SetDefault("leader.kind", "single")
	v.SetDefault("event-bus.kind", "memory")
	v.SetDefault("event-bus.nats.url", "nats://localhost:4222")
	v.SetDefault("audit.enabled", false)
	v.SetDefault("spec-dir", "./specs")
	v.SetDefault("health-addr", ":9090")
	v.SetDefault("metrics-addr", ":9091")
}
