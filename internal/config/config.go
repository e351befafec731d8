// Package config loads and validates estimator configuration via Viper.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/JakeFAU/modernjs-estimator/internal/policy/intercept"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Pool      PoolConfig      `mapstructure:"pool"`
	Transform TransformConfig `mapstructure:"transform"`
	Cache     CacheConfig     `mapstructure:"cache"`
	Headless  HeadlessConfig  `mapstructure:"headless"`
	Fetch     FetchConfig     `mapstructure:"fetch"`
	Client    ClientConfig    `mapstructure:"client"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port                  int `mapstructure:"port"`
	RequestTimeoutSeconds int `mapstructure:"request_timeout_seconds"`
	CacheMaxAgeSeconds    int `mapstructure:"cache_max_age_seconds"`
	ShutdownGraceSeconds  int `mapstructure:"shutdown_grace_seconds"`
}

// PoolConfig sizes the transform worker pool.
type PoolConfig struct {
	MaxWorkers  int `mapstructure:"max_workers"`
	WarmWorkers int `mapstructure:"warm_workers"`
	QueueDepth  int `mapstructure:"queue_depth"`
}

// TransformConfig tunes the transform profiles and their diagnostics.
type TransformConfig struct {
	WebpackThreshold int `mapstructure:"webpack_threshold"`
	LogBudget        int `mapstructure:"log_budget"`
	LogLineMax       int `mapstructure:"log_line_max"`
}

// CacheConfig bounds the two LRU stores by entry count.
type CacheConfig struct {
	ScriptEntries int `mapstructure:"script_entries"`
	ModernEntries int `mapstructure:"modern_entries"`
}

// HeadlessConfig configures the browser session and page analyzer.
type HeadlessConfig struct {
	NavTimeoutSeconds    int      `mapstructure:"nav_timeout_seconds"`
	UserAgent            string   `mapstructure:"user_agent"`
	IdleConnections      int      `mapstructure:"idle_connections"`
	IdleWindowMs         int      `mapstructure:"idle_window_ms"`
	MinScriptBytes       int      `mapstructure:"min_script_bytes"`
	ExecPath             string   `mapstructure:"exec_path"`
	PolicyFile           string   `mapstructure:"policy_file"`
	BlockedResourceTypes []string `mapstructure:"blocked_resource_types"`
	BlockedURLPatterns   []string `mapstructure:"blocked_url_patterns"`
	BlockedDomains       []string `mapstructure:"blocked_domains"`
}

// FetchConfig controls the script fetcher.
type FetchConfig struct {
	TimeoutSeconds int     `mapstructure:"timeout_seconds"`
	MaxRedirects   int     `mapstructure:"max_redirects"`
	MaxBodyBytes   int64   `mapstructure:"max_body_bytes"`
	HostQPS        float64 `mapstructure:"host_qps"`
	UserAgent      string  `mapstructure:"user_agent"`
}

// ClientConfig drives the progressive client used by the check command.
type ClientConfig struct {
	ServerURL      string `mapstructure:"server_url"`
	RetryAttempts  int    `mapstructure:"retry_attempts"`
	RetryBackoffMs int    `mapstructure:"retry_backoff_ms"`
	TimeoutSeconds int    `mapstructure:"timeout_seconds"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("ESTIMATOR")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	// PORT wins over everything, matching container platforms that inject it.
	if raw := os.Getenv("PORT"); raw != "" {
		port, err := strconv.Atoi(raw)
		if err != nil {
			return Config{}, fmt.Errorf("parse PORT %q: %w", raw, err)
		}
		cfg.Server.Port = port
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 3000)
	v.SetDefault("server.request_timeout_seconds", 90)
	v.SetDefault("server.cache_max_age_seconds", 7200)
	v.SetDefault("server.shutdown_grace_seconds", 10)
	v.SetDefault("pool.max_workers", 8)
	v.SetDefault("pool.warm_workers", 2)
	v.SetDefault("pool.queue_depth", 1024)
	v.SetDefault("transform.webpack_threshold", 100000)
	v.SetDefault("transform.log_budget", 4000)
	v.SetDefault("transform.log_line_max", 200)
	v.SetDefault("cache.script_entries", 500)
	v.SetDefault("cache.modern_entries", 500)
	v.SetDefault("headless.nav_timeout_seconds", 20)
	v.SetDefault("headless.user_agent", "")
	v.SetDefault("headless.idle_connections", 2)
	v.SetDefault("headless.idle_window_ms", 500)
	v.SetDefault("headless.min_script_bytes", 50)
	v.SetDefault("headless.exec_path", "")
	v.SetDefault("headless.policy_file", "")
	policy := intercept.Default()
	v.SetDefault("headless.blocked_resource_types", policy.BlockedResourceTypes)
	v.SetDefault("headless.blocked_url_patterns", policy.BlockedURLPatterns)
	v.SetDefault("headless.blocked_domains", []string{})
	v.SetDefault("fetch.timeout_seconds", 30)
	v.SetDefault("fetch.max_redirects", 10)
	v.SetDefault("fetch.max_body_bytes", 20<<20)
	v.SetDefault("fetch.host_qps", 0)
	v.SetDefault("fetch.user_agent", "")
	v.SetDefault("client.server_url", "http://localhost:3000")
	v.SetDefault("client.retry_attempts", 3)
	v.SetDefault("client.retry_backoff_ms", 1000)
	v.SetDefault("client.timeout_seconds", 70)
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "")
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Pool.MaxWorkers <= 0 {
		return fmt.Errorf("pool.max_workers must be > 0")
	}
	if c.Pool.WarmWorkers < 0 || c.Pool.WarmWorkers > c.Pool.MaxWorkers {
		return fmt.Errorf("pool.warm_workers must be between 0 and pool.max_workers")
	}
	if c.Pool.QueueDepth <= 0 {
		return fmt.Errorf("pool.queue_depth must be > 0")
	}
	if c.Cache.ScriptEntries <= 0 || c.Cache.ModernEntries <= 0 {
		return fmt.Errorf("cache entries must be > 0")
	}
	if c.Headless.NavTimeoutSeconds <= 0 {
		return fmt.Errorf("headless.nav_timeout_seconds must be > 0")
	}
	if c.Fetch.MaxRedirects < 0 {
		return fmt.Errorf("fetch.max_redirects must be >= 0")
	}
	if c.Fetch.HostQPS < 0 {
		return fmt.Errorf("fetch.host_qps must be >= 0")
	}
	if c.Client.RetryAttempts <= 0 {
		return fmt.Errorf("client.retry_attempts must be > 0")
	}
	return nil
}

// InterceptPolicy returns the configured block lists.
func (c HeadlessConfig) InterceptPolicy() intercept.Policy {
	return intercept.Policy{
		BlockedResourceTypes: c.BlockedResourceTypes,
		BlockedURLPatterns:   c.BlockedURLPatterns,
		BlockedDomains:       c.BlockedDomains,
	}
}

// Seconds converts a whole-second knob into a Duration.
func Seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}

// Millis converts a millisecond knob into a Duration.
func Millis(n int) time.Duration {
	return time.Duration(n) * time.Millisecond
}
