// Package config loads gh-harvest settings from defaults, an optional YAML
// file and GH_HARVEST_* environment variables, and GitHub tokens from the
// environment or .env files.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/Sternrassler/gh-harvest/pkg/logging"
)

// EnvPrefix prefixes every environment override, e.g.
// GH_HARVEST_COLLECT_BATCH_SIZE=20.
const EnvPrefix = "GH_HARVEST"

// Config is the full configuration.
type Config struct {
	GitHub     GitHubConfig     `mapstructure:"github"`
	Redis      RedisConfig      `mapstructure:"redis"`
	Collect    CollectConfig    `mapstructure:"collect"`
	Discovery  DiscoveryConfig  `mapstructure:"discovery"`
	Checkpoint CheckpointConfig `mapstructure:"checkpoint"`
	Output     OutputConfig     `mapstructure:"output"`
	Cache      CacheConfig      `mapstructure:"cache"`
	Log        LogConfig        `mapstructure:"log"`

	// MetricsAddr serves /metrics and /health when set.
	MetricsAddr string `mapstructure:"metrics_addr"`

	// Tokens are loaded by LoadTokens, never from the config file.
	Tokens []string `mapstructure:"-"`
}

// GitHubConfig configures the API client.
type GitHubConfig struct {
	BaseURL   string        `mapstructure:"base_url"`
	UserAgent string        `mapstructure:"user_agent"`
	Timeout   time.Duration `mapstructure:"timeout"`
}

// RedisConfig configures the shared Redis. An empty Addr runs everything
// in process.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	Prefix   string `mapstructure:"prefix"`
}

// CollectConfig configures planning, workers and retries.
type CollectConfig struct {
	BatchSize         int           `mapstructure:"batch_size"`
	Workers           int           `mapstructure:"workers"`
	Concurrency       int           `mapstructure:"concurrency"`
	MaxRetries        int           `mapstructure:"max_retries"`
	AccountRetries    int           `mapstructure:"account_retries"`
	BatchTimeout      time.Duration `mapstructure:"batch_timeout"`
	LeaseTimeout      time.Duration `mapstructure:"lease_timeout"`
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
	ReapInterval      time.Duration `mapstructure:"reap_interval"`
	IdleTimeout       time.Duration `mapstructure:"idle_timeout"`
	AllowList         []string      `mapstructure:"allow_list"`
	IncludeForks      bool          `mapstructure:"include_forks"`
	IncludeArchived   bool          `mapstructure:"include_archived"`

	// StartAccount skips this many accounts of the input list, so one
	// list can be split over several runs.
	StartAccount int `mapstructure:"start_account"`
}

// DiscoveryConfig configures account discovery.
type DiscoveryConfig struct {
	Location    string   `mapstructure:"location"`
	Filters     []string `mapstructure:"filters"`
	MaxAccounts int      `mapstructure:"max_accounts"`

	// AccountsOut keeps the discovered accounts. A list there that is
	// younger than MaxAge replaces the search.
	AccountsOut string        `mapstructure:"accounts_out"`
	MaxAge      time.Duration `mapstructure:"max_age"`
}

// CheckpointConfig selects the checkpoint store.
type CheckpointConfig struct {
	// Backend is "file" or "redis".
	Backend string `mapstructure:"backend"`
	Dir     string `mapstructure:"dir"`
}

// OutputConfig names the output artifacts.
type OutputConfig struct {
	JSON   string `mapstructure:"json"`
	SQLite string `mapstructure:"sqlite"`
}

// CacheConfig configures the Redis ETag cache.
type CacheConfig struct {
	Enabled bool          `mapstructure:"enabled"`
	TTL     time.Duration `mapstructure:"ttl"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Pretty bool   `mapstructure:"pretty"`
}

// SetDefaults registers every default on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("github.base_url", "https://api.github.com/")
	v.SetDefault("github.user_agent", "gh-harvest/0.1.0")
	v.SetDefault("github.timeout", "30s")

	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.prefix", "gh-harvest")

	v.SetDefault("collect.batch_size", 10)
	v.SetDefault("collect.workers", 4)
	v.SetDefault("collect.concurrency", 5)
	v.SetDefault("collect.max_retries", 3)
	v.SetDefault("collect.account_retries", 3)
	v.SetDefault("collect.batch_timeout", "2h")
	v.SetDefault("collect.lease_timeout", "5m")
	v.SetDefault("collect.heartbeat_interval", "30s")
	v.SetDefault("collect.reap_interval", "10s")
	v.SetDefault("collect.idle_timeout", "30m")
	v.SetDefault("collect.allow_list", []string{})
	v.SetDefault("collect.include_forks", false)
	v.SetDefault("collect.include_archived", false)

	v.SetDefault("discovery.location", "")
	v.SetDefault("discovery.filters", []string{})
	v.SetDefault("discovery.max_accounts", 0)
	v.SetDefault("discovery.accounts_out", "")
	v.SetDefault("discovery.max_age", "24h")
	v.SetDefault("collect.start_account", 0)

	v.SetDefault("checkpoint.backend", "file")
	v.SetDefault("checkpoint.dir", "checkpoints")

	v.SetDefault("output.json", "projects.json")
	v.SetDefault("output.sqlite", "")

	v.SetDefault("cache.enabled", false)
	v.SetDefault("cache.ttl", "24h")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.pretty", false)

	v.SetDefault("metrics_addr", "")
}

// Load reads configuration into a Config. configFile may be empty, in
// which case ./gh-harvest.yaml is used if present. Tokens are loaded from
// the environment and the given env files.
func Load(v *viper.Viper, configFile string, envFiles ...string) (*Config, error) {
	SetDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName("gh-harvest")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if configFile != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	tokens, err := LoadTokens(envFiles...)
	if err != nil {
		return nil, err
	}
	cfg.Tokens = tokens
	return &cfg, nil
}

// Error reports an invalid setting.
type Error struct {
	Field   string
	Message string
}

func (e *Error) Error() string {
	return e.Field + ": " + e.Message
}

// Validate checks settings the collector cannot run without.
func (c *Config) Validate() error {
	if len(c.Tokens) == 0 {
		return &Error{Field: "GITHUB_TOKEN", Message: "at least one GitHub token is required (GITHUB_TOKEN_1..n or GITHUB_TOKEN)"}
	}
	if c.Collect.BatchSize < 1 {
		return &Error{Field: "collect.batch_size", Message: "must be at least 1"}
	}
	if c.Collect.Workers < 1 {
		return &Error{Field: "collect.workers", Message: "must be at least 1"}
	}
	if c.Collect.Concurrency < 1 {
		return &Error{Field: "collect.concurrency", Message: "must be at least 1"}
	}
	if c.Collect.MaxRetries < 0 || c.Collect.AccountRetries < 0 {
		return &Error{Field: "collect.max_retries", Message: "must not be negative"}
	}
	if c.Collect.StartAccount < 0 {
		return &Error{Field: "collect.start_account", Message: "must not be negative"}
	}
	if c.Discovery.MaxAccounts < 0 {
		return &Error{Field: "discovery.max_accounts", Message: "must not be negative"}
	}
	if c.Collect.LeaseTimeout > 0 && c.Collect.HeartbeatInterval >= c.Collect.LeaseTimeout {
		return &Error{Field: "collect.heartbeat_interval", Message: "must be shorter than collect.lease_timeout"}
	}
	switch c.Checkpoint.Backend {
	case "file":
		if c.Checkpoint.Dir == "" {
			return &Error{Field: "checkpoint.dir", Message: "is required for the file backend"}
		}
	case "redis":
		if c.Redis.Addr == "" {
			return &Error{Field: "redis.addr", Message: "is required for the redis checkpoint backend"}
		}
	default:
		return &Error{Field: "checkpoint.backend", Message: "must be 'file' or 'redis'"}
	}
	if c.Cache.Enabled && c.Redis.Addr == "" {
		return &Error{Field: "cache.enabled", Message: "the ETag cache needs redis.addr"}
	}
	if _, err := logging.ParseLevel(c.Log.Level); err != nil {
		return &Error{Field: "log.level", Message: err.Error()}
	}
	return nil
}
