package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	internal "github.com/ZanzyTHEbar/turnkit/turnkit"

	"github.com/spf13/viper"
)

// Config stores all configuration of the application.
// The values are read by viper from a config file or environment variables.
type Config struct {
	Harness HarnessConfig `mapstructure:"harness"`
	Tools   ToolsConfig   `mapstructure:"tools"`
	Store   StoreConfig   `mapstructure:"store"`
	Log     LogConfig     `mapstructure:"log"`
}

// HarnessConfig stores turn engine configurations.
type HarnessConfig struct {
	// Turn limits
	MaxTurns int `mapstructure:"max_turns"` // Maximum backend round trips per run

	// Tool execution
	ToolConcurrency int           `mapstructure:"tool_concurrency"` // Max concurrent tool executions per turn
	ToolTimeout     time.Duration `mapstructure:"tool_timeout"`     // Per-tool deadline, 0 disables

	// Rate limiting of backend calls
	RateLimitEnabled    bool          `mapstructure:"rate_limit_enabled"`     // Enable rate limiting
	RateLimitCapacity   int           `mapstructure:"rate_limit_capacity"`    // Token bucket capacity
	RateLimitRefillRate time.Duration `mapstructure:"rate_limit_refill_rate"` // Refill rate

	// Safety and validation
	EnableGuardrails bool     `mapstructure:"enable_guardrails"` // Validate tool arguments against schemas
	AllowedTools     []string `mapstructure:"allowed_tools"`     // Whitelist of allowed tool names, empty allows all

	// Telemetry
	EnableTracing bool   `mapstructure:"enable_tracing"` // Enable span/event emission
	Tracer        string `mapstructure:"tracer"`         // "zerolog" or "otel"
	EnableMetrics bool   `mapstructure:"enable_metrics"` // Enable Prometheus metrics
}

// ToolsConfig stores tool registry configurations.
type ToolsConfig struct {
	DynamicTopK     int  `mapstructure:"dynamic_top_k"`     // Tools pulled from the semantic index per turn
	CacheEnabled    bool `mapstructure:"cache_enabled"`     // Memoize index lookups
	CacheCapacity   int  `mapstructure:"cache_capacity"`    // LRU cache capacity
	CacheTTLSeconds int  `mapstructure:"cache_ttl_seconds"` // Cache entry TTL
}

// StoreConfig stores conversation persistence configurations.
type StoreConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	DataDir string `mapstructure:"data_dir"` // Directory for database files
	File    string `mapstructure:"file"`     // Database file name
}

// Path returns the database file location.
func (s StoreConfig) Path() string {
	return filepath.Join(s.DataDir, s.File)
}

// LoadConfig reads configuration from file or environment variables.
func LoadConfig(configPath string) (*Config, error) {
	v := viper.New()

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.AddConfigPath(".")
		v.AddConfigPath("..")
		v.AddConfigPath(filepath.Join("etc", internal.DefaultAppName))
		v.AddConfigPath(internal.DefaultConfigPath)
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}

	setDefaults(v)

	v.SetEnvPrefix(internal.DefaultEnvPrefix)
	v.AutomaticEnv()
	// harness.max_turns becomes TURNKIT_HARNESS_MAX_TURNS
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		// Defaults are enough to run.
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unable to decode into struct: %w", err)
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("harness.max_turns", 8)
	v.SetDefault("harness.tool_concurrency", 4)
	v.SetDefault("harness.tool_timeout", "30s")
	v.SetDefault("harness.rate_limit_enabled", false)
	v.SetDefault("harness.rate_limit_capacity", 10)
	v.SetDefault("harness.rate_limit_refill_rate", "1s")
	v.SetDefault("harness.enable_guardrails", true)
	v.SetDefault("harness.allowed_tools", []string{}) // Empty means allow all
	v.SetDefault("harness.enable_tracing", false)
	v.SetDefault("harness.tracer", "zerolog")
	v.SetDefault("harness.enable_metrics", false)

	v.SetDefault("tools.dynamic_top_k", 3)
	v.SetDefault("tools.cache_enabled", true)
	v.SetDefault("tools.cache_capacity", 256)
	v.SetDefault("tools.cache_ttl_seconds", 600)

	v.SetDefault("store.enabled", false)
	v.SetDefault("store.data_dir", internal.DefaultDatabaseDir)
	v.SetDefault("store.file", internal.DefaultDatabaseFile)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.pretty", false)
}
