package main

import (
	"fmt"
	"io"
	"reflect"
	"sort"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/goodtune/livestat/internal/config"
)

var (
	validateDump bool
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate configuration file",
	Long:  `Validate the livestat configuration file for syntax and semantic errors.`,
	RunE:  runValidate,
}

func init() {
	validateCmd.Flags().BoolVar(&validateDump, "dump", false, "Dump full configuration with defaults highlighted")
	rootCmd.AddCommand(validateCmd)
}

func runValidate(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()

	cfg, err := config.Load(configPath)
	if err != nil {
		_, _ = fmt.Fprintf(cmd.ErrOrStderr(), "Configuration validation failed: %v\n", err)
		return err
	}

	// Check for unknown keys (always, not just with --dump)
	unknownKeys, err := findUnknownKeys(configPath)
	if err != nil {
		_, _ = fmt.Fprintf(cmd.ErrOrStderr(), "Warning: could not check for unknown keys: %v\n", err)
	}

	_, _ = fmt.Fprintf(out, "Configuration is valid: %s\n", configPath)

	if len(unknownKeys) > 0 {
		red := color.New(color.FgRed, color.Bold)
		_, _ = fmt.Fprintln(out)
		_, _ = red.Fprintf(out, "WARNING: found %d unknown configuration key(s):\n", len(unknownKeys))
		for _, key := range unknownKeys {
			_, _ = red.Fprintf(out, "   - %s\n", key)
		}
		_, _ = fmt.Fprintln(out, "\nThese keys will be ignored and may indicate typos or deprecated settings.")
	}

	if validateDump {
		_, _ = fmt.Fprintln(out, "\n"+strings.Repeat("=", 80))
		_, _ = fmt.Fprintln(out, "FULL CONFIGURATION (values different from defaults are highlighted)")
		_, _ = fmt.Fprintln(out, strings.Repeat("=", 80))

		dumpConfig(out, cfg, config.Defaults())

		_, _ = fmt.Fprintln(out, "\n"+strings.Repeat("=", 80))
	}

	return nil
}

// findUnknownKeys loads the config file and reports keys that have no default
func findUnknownKeys(configPath string) ([]string, error) {
	v := viper.New()
	v.SetConfigFile(configPath)

	if err := v.ReadInConfig(); err != nil {
		return nil, err
	}

	valid := viper.New()
	config.SetDefaults(valid)
	validKeys := make(map[string]bool)
	for _, key := range valid.AllKeys() {
		validKeys[key] = true
	}

	unknown := []string{}
	for _, key := range v.AllKeys() {
		if !validKeys[key] {
			unknown = append(unknown, key)
		}
	}
	sort.Strings(unknown)

	return unknown, nil
}

// dumpConfig dumps configuration with color highlighting for non-default values
func dumpConfig(out io.Writer, cfg, defaultCfg *config.Config) {
	yellow := color.New(color.FgYellow, color.Bold)
	green := color.New(color.FgGreen)
	cyan := color.New(color.FgCyan, color.Bold)

	field := func(name string, value, defaultValue any) {
		dumpField(out, name, value, defaultValue, yellow, green)
	}

	_, _ = cyan.Fprintln(out, "\n[server]")
	field("  http_port", cfg.Server.HTTPPort, defaultCfg.Server.HTTPPort)
	field("  metrics_port", cfg.Server.MetricsPort, defaultCfg.Server.MetricsPort)
	field("  bind_address", cfg.Server.BindAddress, defaultCfg.Server.BindAddress)

	_, _ = cyan.Fprintln(out, "\n[token]")
	field("  secret", redactSecret(cfg.Token.Secret), redactSecret(defaultCfg.Token.Secret))
	field("  scheme", cfg.Token.Scheme, defaultCfg.Token.Scheme)
	field("  window", cfg.Token.Window, defaultCfg.Token.Window)

	_, _ = cyan.Fprintln(out, "\n[gate]")
	field("  sticky_scope", cfg.Gate.StickyScope, defaultCfg.Gate.StickyScope)
	field("  replay_backend", cfg.Gate.ReplayBackend, defaultCfg.Gate.ReplayBackend)
	field("  replay_cache_size", cfg.Gate.ReplayCacheSize, defaultCfg.Gate.ReplayCacheSize)
	field("  replay_ttl", cfg.Gate.ReplayTTL, defaultCfg.Gate.ReplayTTL)

	_, _ = cyan.Fprintln(out, "\n[polling]")
	field("  interval", cfg.Polling.Interval, defaultCfg.Polling.Interval)

	_, _ = cyan.Fprintln(out, "\n[usage]")
	field("  limit", cfg.Usage.Limit, defaultCfg.Usage.Limit)
	field("  client_id", cfg.Usage.ClientID, defaultCfg.Usage.ClientID)
	field("  retention_days", cfg.Usage.RetentionDays, defaultCfg.Usage.RetentionDays)
	field("  prune_time", cfg.Usage.PruneTime, defaultCfg.Usage.PruneTime)

	_, _ = cyan.Fprintln(out, "\n[provider]")
	field("  metrics_url", cfg.Provider.MetricsURL, defaultCfg.Provider.MetricsURL)
	field("  search_url", cfg.Provider.SearchURL, defaultCfg.Provider.SearchURL)
	field("  timeout", cfg.Provider.Timeout, defaultCfg.Provider.Timeout)
	field("  search_cache_size", cfg.Provider.SearchCacheSize, defaultCfg.Provider.SearchCacheSize)
	field("  search_cache_ttl", cfg.Provider.SearchCacheTTL, defaultCfg.Provider.SearchCacheTTL)

	_, _ = cyan.Fprintln(out, "\n[storage]")
	field("  type", cfg.Storage.Type, defaultCfg.Storage.Type)
	field("  path", cfg.Storage.Path, defaultCfg.Storage.Path)
	_, _ = cyan.Fprintln(out, "  [storage.redis]")
	field("    host", cfg.Storage.Redis.Host, defaultCfg.Storage.Redis.Host)
	field("    port", cfg.Storage.Redis.Port, defaultCfg.Storage.Redis.Port)
	field("    password", redactSecret(cfg.Storage.Redis.Password), redactSecret(defaultCfg.Storage.Redis.Password))
	field("    db", cfg.Storage.Redis.DB, defaultCfg.Storage.Redis.DB)
	field("    pool_size", cfg.Storage.Redis.PoolSize, defaultCfg.Storage.Redis.PoolSize)
	field("    min_idle_conns", cfg.Storage.Redis.MinIdleConns, defaultCfg.Storage.Redis.MinIdleConns)
	field("    dial_timeout", cfg.Storage.Redis.DialTimeout, defaultCfg.Storage.Redis.DialTimeout)
	field("    read_timeout", cfg.Storage.Redis.ReadTimeout, defaultCfg.Storage.Redis.ReadTimeout)
	field("    write_timeout", cfg.Storage.Redis.WriteTimeout, defaultCfg.Storage.Redis.WriteTimeout)

	_, _ = cyan.Fprintln(out, "\n[logging]")
	field("  level", cfg.Logging.Level, defaultCfg.Logging.Level)
	field("  format", cfg.Logging.Format, defaultCfg.Logging.Format)

	_, _ = cyan.Fprintln(out, "\n[http]")
	field("  rate_limit", cfg.HTTP.RateLimit, defaultCfg.HTTP.RateLimit)
	field("  rate_limit_window", cfg.HTTP.RateLimitWindow, defaultCfg.HTTP.RateLimitWindow)
	field("  allowed_origins", cfg.HTTP.AllowedOrigins, defaultCfg.HTTP.AllowedOrigins)
}

// dumpField prints a field with color if it differs from default
func dumpField(out io.Writer, name string, value, defaultValue any, modifiedColor, defaultColor *color.Color) {
	valueStr := fmt.Sprintf("%v", value)

	if reflect.DeepEqual(value, defaultValue) {
		_, _ = defaultColor.Fprintf(out, "%s = %s\n", name, valueStr)
	} else {
		_, _ = modifiedColor.Fprintf(out, "%s = %s  (modified from default: %v)\n", name, valueStr, defaultValue)
	}
}

// redactSecret redacts a secret if not empty
func redactSecret(secret string) string {
	if secret == "" {
		return ""
	}
	return "***REDACTED***"
}

