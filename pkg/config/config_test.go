package config

import (
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"github.com/spf13/viper"
)

// clearTokens unsets every token variable the test process might carry.
func clearTokens(t *testing.T) {
	t.Helper()
	t.Setenv("GITHUB_TOKEN", "")
	for i := 1; i <= 5; i++ {
		t.Setenv(tokenPrefix+string(rune('0'+i)), "")
	}
}

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoad_Defaults(t *testing.T) {
	clearTokens(t)
	t.Setenv("GITHUB_TOKEN", "ghp_single")
	missing := filepath.Join(t.TempDir(), "none.env")

	cfg, err := Load(viper.New(), "", missing)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Collect.BatchSize != 10 {
		t.Errorf("Collect.BatchSize = %d, want 10", cfg.Collect.BatchSize)
	}
	if cfg.Collect.LeaseTimeout != 5*time.Minute {
		t.Errorf("Collect.LeaseTimeout = %v, want 5m", cfg.Collect.LeaseTimeout)
	}
	if cfg.Checkpoint.Backend != "file" {
		t.Errorf("Checkpoint.Backend = %q, want file", cfg.Checkpoint.Backend)
	}
	if cfg.Discovery.MaxAge != 24*time.Hour {
		t.Errorf("Discovery.MaxAge = %v, want 24h", cfg.Discovery.MaxAge)
	}
	if !reflect.DeepEqual(cfg.Tokens, []string{"ghp_single"}) {
		t.Errorf("Tokens = %v, want [ghp_single]", cfg.Tokens)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate() error = %v", err)
	}
}

func TestLoad_FileAndEnv(t *testing.T) {
	clearTokens(t)
	dir := t.TempDir()
	file := writeFile(t, dir, "gh-harvest.yaml", `
collect:
  batch_size: 25
  workers: 8
  allow_list: [seattle, bellevue]
discovery:
  location: seattle
  max_accounts: 500
redis:
  addr: localhost:6379
`)
	tokens := writeFile(t, dir, ".env.tokens", "GITHUB_TOKEN_2=ghp_b\nGITHUB_TOKEN_1=ghp_a\n")
	t.Setenv("GH_HARVEST_COLLECT_WORKERS", "3")

	cfg, err := Load(viper.New(), file, tokens)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Collect.BatchSize != 25 {
		t.Errorf("Collect.BatchSize = %d, want 25", cfg.Collect.BatchSize)
	}
	if cfg.Collect.Workers != 3 {
		t.Errorf("Collect.Workers = %d, want 3 from environment", cfg.Collect.Workers)
	}
	if !reflect.DeepEqual(cfg.Collect.AllowList, []string{"seattle", "bellevue"}) {
		t.Errorf("Collect.AllowList = %v", cfg.Collect.AllowList)
	}
	if cfg.Discovery.MaxAccounts != 500 {
		t.Errorf("Discovery.MaxAccounts = %d, want 500", cfg.Discovery.MaxAccounts)
	}
	if !reflect.DeepEqual(cfg.Tokens, []string{"ghp_a", "ghp_b"}) {
		t.Errorf("Tokens = %v, want [ghp_a ghp_b]", cfg.Tokens)
	}
}

func TestLoad_MissingExplicitFile(t *testing.T) {
	clearTokens(t)
	_, err := Load(viper.New(), filepath.Join(t.TempDir(), "absent.yaml"))
	if err == nil {
		t.Error("Load() error = nil, want error for missing explicit config file")
	}
}

func TestLoadTokens(t *testing.T) {
	tests := []struct {
		name string
		file string
		env  map[string]string
		want []string
	}{
		{
			name: "file ordered numerically",
			file: "GITHUB_TOKEN_10=ghp_j\nGITHUB_TOKEN_2=ghp_b\nGITHUB_TOKEN_1=ghp_a\nOTHER=x\n",
			want: []string{"ghp_a", "ghp_b", "ghp_j"},
		},
		{
			name: "environment until first gap",
			env:  map[string]string{"GITHUB_TOKEN_1": "ghp_1", "GITHUB_TOKEN_2": "ghp_2", "GITHUB_TOKEN_4": "ghp_4"},
			want: []string{"ghp_1", "ghp_2"},
		},
		{
			name: "file and environment deduplicated",
			file: "GITHUB_TOKEN_1=ghp_a\n",
			env:  map[string]string{"GITHUB_TOKEN_1": "ghp_a", "GITHUB_TOKEN_2": "ghp_c"},
			want: []string{"ghp_a", "ghp_c"},
		},
		{
			name: "single token fallback",
			env:  map[string]string{"GITHUB_TOKEN": "ghp_only"},
			want: []string{"ghp_only"},
		},
		{
			name: "single token ignored when numbered exist",
			env:  map[string]string{"GITHUB_TOKEN": "ghp_only", "GITHUB_TOKEN_1": "ghp_1"},
			want: []string{"ghp_1"},
		},
		{
			name: "nothing",
			want: nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clearTokens(t)
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			path := filepath.Join(t.TempDir(), ".env.tokens")
			if tt.file != "" {
				writeFile(t, filepath.Dir(path), ".env.tokens", tt.file)
			}

			got, err := LoadTokens(path)
			if err != nil {
				t.Fatalf("LoadTokens() error = %v", err)
			}
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("LoadTokens() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		v := viper.New()
		SetDefaults(v)
		var cfg Config
		if err := v.Unmarshal(&cfg); err != nil {
			t.Fatalf("Unmarshal() error = %v", err)
		}
		cfg.Tokens = []string{"ghp_a"}
		return &cfg
	}

	tests := []struct {
		name      string
		mutate    func(c *Config)
		wantField string
	}{
		{"defaults", func(c *Config) {}, ""},
		{"no tokens", func(c *Config) { c.Tokens = nil }, "GITHUB_TOKEN"},
		{"zero batch size", func(c *Config) { c.Collect.BatchSize = 0 }, "collect.batch_size"},
		{"zero workers", func(c *Config) { c.Collect.Workers = 0 }, "collect.workers"},
		{"negative retries", func(c *Config) { c.Collect.MaxRetries = -1 }, "collect.max_retries"},
		{"negative start account", func(c *Config) { c.Collect.StartAccount = -1 }, "collect.start_account"},
		{"negative max accounts", func(c *Config) { c.Discovery.MaxAccounts = -5 }, "discovery.max_accounts"},
		{"heartbeat too slow", func(c *Config) { c.Collect.HeartbeatInterval = 10 * time.Minute }, "collect.heartbeat_interval"},
		{"redis store without redis", func(c *Config) { c.Checkpoint.Backend = "redis" }, "redis.addr"},
		{"unknown store", func(c *Config) { c.Checkpoint.Backend = "s3" }, "checkpoint.backend"},
		{"cache without redis", func(c *Config) { c.Cache.Enabled = true }, "cache.enabled"},
		{"unknown log level", func(c *Config) { c.Log.Level = "verbose" }, "log.level"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantField == "" {
				if err != nil {
					t.Errorf("Validate() error = %v, want nil", err)
				}
				return
			}
			var cerr *Error
			if !errors.As(err, &cerr) {
				t.Fatalf("Validate() error = %v, want *Error", err)
			}
			if cerr.Field != tt.wantField {
				t.Errorf("Field = %q, want %q", cerr.Field, tt.wantField)
			}
		})
	}
}
