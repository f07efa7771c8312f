// Package config provides configuration management for the edge-runtime
// service.
package config

import (
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the service.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Sandbox   SandboxConfig   `mapstructure:"sandbox"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
	Auth      AuthConfig      `mapstructure:"auth"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host         string        `mapstructure:"host"`
	Port         int           `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// SandboxConfig holds the request-execution fabric's own knobs: pool
// sizing, per-request timeout, and the heap ceiling enforced per isolate.
type SandboxConfig struct {
	PoolSize         int           `mapstructure:"pool_size"` // 0 = 2*cores+1
	RequestTimeout   time.Duration `mapstructure:"request_timeout"`
	HeapLimitMB      int           `mapstructure:"heap_limit_mb"`
	SupervisorTickMS int           `mapstructure:"supervisor_tick_ms"`
}

// TelemetryConfig holds the best-effort lifecycle-event sink configuration.
type TelemetryConfig struct {
	Enabled bool        `mapstructure:"enabled"`
	Redis   RedisConfig `mapstructure:"redis"`
	Channel string      `mapstructure:"channel"`
}

// RedisConfig holds Redis connection configuration.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// AuthConfig holds authentication configuration gating /admin and,
// optionally, /invoke routes.
type AuthConfig struct {
	ServiceToken       string   `mapstructure:"service_token"`
	ValidateUserTokens bool     `mapstructure:"validate_user_tokens"`
	UserServiceURL     string   `mapstructure:"user_service_url"`
	AdminUsers         []string `mapstructure:"admin_users"`
}

// Load reads configuration from file and environment variables.
func Load(configPath string) (*Config, error) {
	v := viper.New()

	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", 30*time.Second)
	v.SetDefault("server.write_timeout", 60*time.Second)

	v.SetDefault("sandbox.pool_size", 0)
	v.SetDefault("sandbox.request_timeout", 30*time.Second)
	v.SetDefault("sandbox.heap_limit_mb", 64)
	v.SetDefault("sandbox.supervisor_tick_ms", 200)

	v.SetDefault("telemetry.enabled", false)
	v.SetDefault("telemetry.redis.addr", "localhost:6379")
	v.SetDefault("telemetry.redis.password", "")
	v.SetDefault("telemetry.redis.db", 0)
	v.SetDefault("telemetry.channel", "edge:worker-events")

	v.SetDefault("auth.validate_user_tokens", false)
	v.SetDefault("auth.user_service_url", "")
	v.SetDefault("auth.admin_users", []string{})

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
		v.AddConfigPath("/etc/edge-runtime")
	}

	v.SetEnvPrefix("EDGE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}
