// Package config loads proxy settings from an optional YAML file plus
// environment variables prefixed with WGPROXY_.
package config

import (
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	ListenAddr string `mapstructure:"listen_addr"`
	LogLevel   string `mapstructure:"log_level"`

	Store struct {
		URL     string        `mapstructure:"url"`
		Timeout time.Duration `mapstructure:"timeout"`
	} `mapstructure:"store"`

	Registry struct {
		RefreshInterval time.Duration `mapstructure:"refresh_interval"`
		ProbeTimeout    time.Duration `mapstructure:"probe_timeout"`
		ProbeWorkers    int           `mapstructure:"probe_workers"`
		CacheTTL        time.Duration `mapstructure:"cache_ttl"`
	} `mapstructure:"registry"`

	Cache struct {
		MaxSize    int           `mapstructure:"max_size"`
		DefaultTTL time.Duration `mapstructure:"default_ttl"`
	} `mapstructure:"cache"`

	Executor struct {
		Timeout time.Duration `mapstructure:"timeout"`
	} `mapstructure:"executor"`

	Auth struct {
		RotationInterval time.Duration `mapstructure:"rotation_interval"`
	} `mapstructure:"auth"`

	Failover struct {
		CheckInterval       time.Duration `mapstructure:"check_interval"`
		FailureThreshold    int           `mapstructure:"failure_threshold"`
		PingCount           int           `mapstructure:"ping_count"`
		PingTimeout         time.Duration `mapstructure:"ping_timeout"`
		PacketLossThreshold float64       `mapstructure:"packet_loss_threshold"`
		LatencyThresholdMs  float64       `mapstructure:"latency_threshold_ms"`
	} `mapstructure:"failover"`

	Admin struct {
		JWTSecret string `mapstructure:"jwt_secret"`
	} `mapstructure:"admin"`
}

// Load reads the file at path when it exists, then lets environment
// variables override. An empty path skips the file entirely.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("WGPROXY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("listen_addr", ":5001")
	v.SetDefault("log_level", "info")
	v.SetDefault("store.url", "http://database-service:5002")
	v.SetDefault("store.timeout", 10*time.Second)
	v.SetDefault("registry.refresh_interval", time.Minute)
	v.SetDefault("registry.probe_timeout", 5*time.Second)
	v.SetDefault("registry.probe_workers", 8)
	v.SetDefault("registry.cache_ttl", 5*time.Minute)
	v.SetDefault("cache.max_size", 1000)
	v.SetDefault("cache.default_ttl", 5*time.Minute)
	v.SetDefault("executor.timeout", 10*time.Second)
	v.SetDefault("auth.rotation_interval", 5*time.Minute)
	v.SetDefault("failover.check_interval", 5*time.Minute)
	v.SetDefault("failover.failure_threshold", 3)
	v.SetDefault("failover.ping_count", 5)
	v.SetDefault("failover.ping_timeout", 3*time.Second)
	v.SetDefault("failover.packet_loss_threshold", 50.0)
	v.SetDefault("failover.latency_threshold_ms", 300.0)
	v.SetDefault("admin.jwt_secret", "")

	if path != "" {
		if _, err := os.Stat(path); err == nil {
			v.SetConfigFile(path)
			v.SetConfigType("yaml")
			if err := v.ReadInConfig(); err != nil {
				return nil, err
			}
		}
	}

	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, err
	}
	return &c, nil
}
