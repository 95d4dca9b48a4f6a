package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds the complete application configuration
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Token    TokenConfig    `mapstructure:"token"`
	Gate     GateConfig     `mapstructure:"gate"`
	Polling  PollingConfig  `mapstructure:"polling"`
	Usage    UsageConfig    `mapstructure:"usage"`
	Provider ProviderConfig `mapstructure:"provider"`
	Storage  StorageConfig  `mapstructure:"storage"`
	Logging  LoggingConfig  `mapstructure:"logging"`
	HTTP     HTTPConfig     `mapstructure:"http"`
}

// ServerConfig defines server ports and addresses
type ServerConfig struct {
	HTTPPort    int    `mapstructure:"http_port"`
	MetricsPort int    `mapstructure:"metrics_port"`
	BindAddress string `mapstructure:"bind_address"`
}

// TokenConfig defines the access token scheme
type TokenConfig struct {
	Secret string `mapstructure:"secret"`
	Scheme string `mapstructure:"scheme"` // "legacy", "hmac" or "jwt"
	Window string `mapstructure:"window"` // freshness window
}

// GateConfig defines session gate behaviour
type GateConfig struct {
	StickyScope     string `mapstructure:"sticky_scope"`   // "subject" or "session"
	ReplayBackend   string `mapstructure:"replay_backend"` // "memory" or "storage"
	ReplayCacheSize int    `mapstructure:"replay_cache_size"`
	ReplayTTL       string `mapstructure:"replay_ttl"`
}

// PollingConfig defines slot polling settings
type PollingConfig struct {
	Interval string `mapstructure:"interval"`
}

// UsageConfig defines the daily usage budget
type UsageConfig struct {
	Limit         string `mapstructure:"limit"`
	ClientID      string `mapstructure:"client_id"`
	RetentionDays int    `mapstructure:"retention_days"`
	PruneTime     string `mapstructure:"prune_time"` // HH:MM
}

// ProviderConfig defines the remote metrics and search providers
type ProviderConfig struct {
	MetricsURL      string `mapstructure:"metrics_url"`
	SearchURL       string `mapstructure:"search_url"`
	Timeout         string `mapstructure:"timeout"` // "0" disables the client timeout
	SearchCacheSize int    `mapstructure:"search_cache_size"`
	SearchCacheTTL  string `mapstructure:"search_cache_ttl"`
}

// StorageConfig defines storage backend settings
type StorageConfig struct {
	Type  string      `mapstructure:"type"` // "bolt" or "redis"
	Path  string      `mapstructure:"path"`
	Redis RedisConfig `mapstructure:"redis"`
}

// RedisConfig defines Redis connection settings
type RedisConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	Password     string `mapstructure:"password"`
	DB           int    `mapstructure:"db"`
	PoolSize     int    `mapstructure:"pool_size"`
	MinIdleConns int    `mapstructure:"min_idle_conns"`
	DialTimeout  string `mapstructure:"dial_timeout"`
	ReadTimeout  string `mapstructure:"read_timeout"`
	WriteTimeout string `mapstructure:"write_timeout"`
}

// LoggingConfig defines logging behavior
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// HTTPConfig defines HTTP API settings
type HTTPConfig struct {
	RateLimit       int      `mapstructure:"rate_limit"`
	RateLimitWindow string   `mapstructure:"rate_limit_window"`
	AllowedOrigins  []string `mapstructure:"allowed_origins"`
}

// Load loads configuration from file and environment variables
func Load(configPath string) (*Config, error) {
	v := viper.New()

	SetDefaults(v)

	v.SetConfigFile(configPath)
	v.SetEnvPrefix("LIVESTAT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		// Config file not found, use defaults and environment variables
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := validate(&config); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &config, nil
}

// Defaults returns a configuration populated only with default values.
func Defaults() *Config {
	v := viper.New()
	SetDefaults(v)

	var cfg Config
	_ = v.Unmarshal(&cfg)
	return &cfg
}

// SetDefaults sets default configuration values
func SetDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.http_port", 8080)
	v.SetDefault("server.metrics_port", 9090)
	v.SetDefault("server.bind_address", "0.0.0.0")

	// Token defaults
	v.SetDefault("token.secret", "")
	v.SetDefault("token.scheme", "hmac")
	v.SetDefault("token.window", "5m")

	// Gate defaults
	v.SetDefault("gate.sticky_scope", "subject")
	v.SetDefault("gate.replay_backend", "memory")
	v.SetDefault("gate.replay_cache_size", 4096)
	v.SetDefault("gate.replay_ttl", "24h")

	// Polling defaults
	v.SetDefault("polling.interval", "5s")

	// Usage defaults
	v.SetDefault("usage.limit", "1h")
	v.SetDefault("usage.client_id", "default")
	v.SetDefault("usage.retention_days", 90)
	v.SetDefault("usage.prune_time", "00:00")

	// Provider defaults
	v.SetDefault("provider.metrics_url", "")
	v.SetDefault("provider.search_url", "")
	v.SetDefault("provider.timeout", "0")
	v.SetDefault("provider.search_cache_size", 256)
	v.SetDefault("provider.search_cache_ttl", "1m")

	// Storage defaults
	v.SetDefault("storage.type", "bolt")
	v.SetDefault("storage.path", "/var/lib/livestat/livestat.bolt")
	v.SetDefault("storage.redis.host", "localhost")
	v.SetDefault("storage.redis.port", 6379)
	v.SetDefault("storage.redis.password", "")
	v.SetDefault("storage.redis.db", 0)
	v.SetDefault("storage.redis.pool_size", 10)
	v.SetDefault("storage.redis.min_idle_conns", 2)
	v.SetDefault("storage.redis.dial_timeout", "5s")
	v.SetDefault("storage.redis.read_timeout", "3s")
	v.SetDefault("storage.redis.write_timeout", "3s")

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	// HTTP defaults
	v.SetDefault("http.rate_limit", 120)
	v.SetDefault("http.rate_limit_window", "1m")
	v.SetDefault("http.allowed_origins", []string{})
}

// validate validates the configuration
func validate(cfg *Config) error {
	if cfg.Server.HTTPPort <= 0 || cfg.Server.HTTPPort > 65535 {
		return fmt.Errorf("invalid HTTP port: %d", cfg.Server.HTTPPort)
	}
	if cfg.Server.MetricsPort <= 0 || cfg.Server.MetricsPort > 65535 {
		return fmt.Errorf("invalid metrics port: %d", cfg.Server.MetricsPort)
	}

	// The shared secret is injected at startup and never defaulted
	if cfg.Token.Secret == "" {
		return fmt.Errorf("token.secret is required")
	}
	switch cfg.Token.Scheme {
	case "legacy", "hmac", "jwt":
	default:
		return fmt.Errorf("invalid token scheme: %s (must be legacy, hmac or jwt)", cfg.Token.Scheme)
	}
	if err := positiveDuration("token.window", cfg.Token.Window); err != nil {
		return err
	}

	switch cfg.Gate.StickyScope {
	case "subject", "session":
	default:
		return fmt.Errorf("invalid gate.sticky_scope: %s (must be subject or session)", cfg.Gate.StickyScope)
	}
	switch cfg.Gate.ReplayBackend {
	case "memory", "storage":
	default:
		return fmt.Errorf("invalid gate.replay_backend: %s (must be memory or storage)", cfg.Gate.ReplayBackend)
	}
	if cfg.Gate.ReplayCacheSize <= 0 {
		return fmt.Errorf("gate.replay_cache_size must be positive")
	}
	if err := positiveDuration("gate.replay_ttl", cfg.Gate.ReplayTTL); err != nil {
		return err
	}
	// A code is fresh up to one window either side of its issuance, so a
	// marker must outlive two windows from the moment it is consumed
	window, _ := time.ParseDuration(cfg.Token.Window)
	if ttl, _ := time.ParseDuration(cfg.Gate.ReplayTTL); ttl < 2*window {
		return fmt.Errorf("gate.replay_ttl (%s) must be at least twice token.window (%s)", cfg.Gate.ReplayTTL, cfg.Token.Window)
	}

	if err := positiveDuration("polling.interval", cfg.Polling.Interval); err != nil {
		return err
	}

	if err := positiveDuration("usage.limit", cfg.Usage.Limit); err != nil {
		return err
	}
	if d, _ := time.ParseDuration(cfg.Usage.Limit); d < time.Second {
		return fmt.Errorf("usage.limit must be at least 1s")
	}
	if cfg.Usage.ClientID == "" {
		return fmt.Errorf("usage.client_id is required")
	}
	if cfg.Usage.RetentionDays <= 0 {
		return fmt.Errorf("usage.retention_days must be positive")
	}
	if _, err := time.Parse("15:04", cfg.Usage.PruneTime); err != nil {
		return fmt.Errorf("invalid usage.prune_time %q (expected HH:MM): %w", cfg.Usage.PruneTime, err)
	}

	if cfg.Provider.MetricsURL == "" {
		return fmt.Errorf("provider.metrics_url is required")
	}
	if cfg.Provider.SearchURL == "" {
		cfg.Provider.SearchURL = cfg.Provider.MetricsURL
	}
	if _, err := time.ParseDuration(cfg.Provider.Timeout); err != nil {
		return fmt.Errorf("invalid provider.timeout: %w", err)
	}

	switch cfg.Storage.Type {
	case "bolt":
		if cfg.Storage.Path == "" {
			return fmt.Errorf("storage path is required for bolt storage")
		}
	case "redis":
		if cfg.Storage.Redis.Host == "" {
			return fmt.Errorf("storage.redis.host is required for redis storage")
		}
	default:
		return fmt.Errorf("unsupported storage type: %s (must be bolt or redis)", cfg.Storage.Type)
	}

	return nil
}

func positiveDuration(key, value string) error {
	d, err := time.ParseDuration(value)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", key, err)
	}
	if d <= 0 {
		return fmt.Errorf("%s must be positive", key)
	}
	return nil
}

// ParseDuration parses a duration string with a fallback
func ParseDuration(s string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil {
		return fallback
	}
	return d
}
