package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Dispatch.CooldownPeriod != 60*time.Second {
		t.Errorf("default cooldown = %v, want 60s", cfg.Dispatch.CooldownPeriod)
	}

	if cfg.Dispatch.RetryCount != 3 {
		t.Errorf("default retry count = %d, want 3", cfg.Dispatch.RetryCount)
	}

	if cfg.Affinity.Store != "memory" {
		t.Errorf("default affinity store = %s, want memory", cfg.Affinity.Store)
	}

	if cfg.OAuth.ExpiryMargin != 5*time.Minute {
		t.Errorf("default expiry margin = %v, want 5m", cfg.OAuth.ExpiryMargin)
	}

	if cfg.Logging.Level != "info" || cfg.Logging.Format != "json" {
		t.Errorf("default logging = %s/%s, want info/json", cfg.Logging.Level, cfg.Logging.Format)
	}
}

func TestConfigValidation(t *testing.T) {
	valid := func(mutate func(*Config)) *Config {
		cfg := DefaultConfig()
		cfg.Credentials = []CredentialConfig{{Secret: "sk-ant-test", Kind: "api_key"}}
		mutate(cfg)
		return cfg
	}

	tests := []struct {
		name    string
		cfg     *Config
		wantErr bool
	}{
		{
			name:    "valid config",
			cfg:     valid(func(*Config) {}),
			wantErr: false,
		},
		{
			name:    "empty credentials list is legal",
			cfg:     valid(func(c *Config) { c.Credentials = nil }),
			wantErr: false,
		},
		{
			name:    "credential missing secret",
			cfg:     valid(func(c *Config) { c.Credentials[0].Secret = "" }),
			wantErr: true,
		},
		{
			name:    "credential unknown kind",
			cfg:     valid(func(c *Config) { c.Credentials[0].Kind = "cookie" }),
			wantErr: true,
		},
		{
			name:    "negative retry count",
			cfg:     valid(func(c *Config) { c.Dispatch.RetryCount = -1 }),
			wantErr: true,
		},
		{
			name:    "negative cooldown",
			cfg:     valid(func(c *Config) { c.Dispatch.CooldownPeriod = -time.Second }),
			wantErr: true,
		},
		{
			name:    "max backoff below backoff",
			cfg:     valid(func(c *Config) { c.Dispatch.RetryBackoff = 10 * time.Second }),
			wantErr: true,
		},
		{
			name:    "unknown affinity store",
			cfg:     valid(func(c *Config) { c.Affinity.Store = "memcached" }),
			wantErr: true,
		},
		{
			name: "redis store requires addr",
			cfg: valid(func(c *Config) {
				c.Affinity.Store = "redis"
				c.Affinity.Redis.Addr = ""
			}),
			wantErr: true,
		},
		{
			name: "redis store with addr",
			cfg: valid(func(c *Config) {
				c.Affinity.Store = "redis"
				c.Affinity.Redis.Addr = "localhost:6379"
			}),
			wantErr: false,
		},
		{
			name:    "sample rate above one",
			cfg:     valid(func(c *Config) { c.Tracing.SampleRate = 1.5 }),
			wantErr: true,
		},
		{
			name:    "s3 sink requires bucket",
			cfg:     valid(func(c *Config) { c.Audit.S3.Enabled = true }),
			wantErr: true,
		},
		{
			name:    "slack sink requires webhook",
			cfg:     valid(func(c *Config) { c.Audit.Slack.Enabled = true }),
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestLoadFromFile(t *testing.T) {
	t.Run("valid yaml", func(t *testing.T) {
		content := `
credentials:
  - secret: sk-ant-api03-test
  - secret: env://CREDMUX_OAUTH_TOKEN
    kind: oauth
dispatch:
  cooldown_period: 90s
  retry_count: 5
affinity:
  ttl: 10m
  capacity: 128
`
		path := createTempFile(t, content)

		cfg, err := LoadFromFile(path)
		if err != nil {
			t.Fatalf("LoadFromFile() error = %v", err)
		}

		if len(cfg.Credentials) != 2 {
			t.Fatalf("credentials count = %d, want 2", len(cfg.Credentials))
		}
		if cfg.Credentials[1].Kind != "oauth" {
			t.Errorf("credential kind = %s, want oauth", cfg.Credentials[1].Kind)
		}
		if cfg.Dispatch.CooldownPeriod != 90*time.Second {
			t.Errorf("cooldown = %v, want 90s", cfg.Dispatch.CooldownPeriod)
		}
		if cfg.Dispatch.RetryCount != 5 {
			t.Errorf("retry count = %d, want 5", cfg.Dispatch.RetryCount)
		}
		if cfg.Affinity.TTL != 10*time.Minute {
			t.Errorf("affinity ttl = %v, want 10m", cfg.Affinity.TTL)
		}

		// Unset sections keep their defaults.
		if cfg.Dispatch.RetryBackoff != time.Second {
			t.Errorf("retry backoff = %v, want default 1s", cfg.Dispatch.RetryBackoff)
		}
	})

	t.Run("environment variable expansion", func(t *testing.T) {
		t.Setenv("CREDMUX_TEST_SECRET", "sk-ant-oat01-expanded")

		content := `
credentials:
  - secret: ${CREDMUX_TEST_SECRET}
    kind: oauth
`
		path := createTempFile(t, content)

		cfg, err := LoadFromFile(path)
		if err != nil {
			t.Fatalf("LoadFromFile() error = %v", err)
		}
		if cfg.Credentials[0].Secret != "sk-ant-oat01-expanded" {
			t.Errorf("secret = %q, want expanded value", cfg.Credentials[0].Secret)
		}
	})

	t.Run("invalid yaml", func(t *testing.T) {
		path := createTempFile(t, "credentials: [broken")
		if _, err := LoadFromFile(path); err == nil {
			t.Fatal("expected parse error")
		}
	})

	t.Run("missing file", func(t *testing.T) {
		if _, err := LoadFromFile(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
			t.Fatal("expected read error")
		}
	})

	t.Run("validation failure surfaces", func(t *testing.T) {
		path := createTempFile(t, `
credentials:
  - kind: oauth
`)
		_, err := LoadFromFile(path)
		if err == nil || !strings.Contains(err.Error(), "secret is required") {
			t.Fatalf("expected validation error, got %v", err)
		}
	})
}

func createTempFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}
