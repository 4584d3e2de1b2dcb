// Package config provides configuration management with hot-reload support.
// It uses fsnotify to watch for file changes and atomic pointer swaps for zero-downtime updates.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete credential dispatcher configuration.
type Config struct {
	Credentials []CredentialConfig `yaml:"credentials"`
	Dispatch    DispatchConfig     `yaml:"dispatch"`
	Affinity    AffinityConfig     `yaml:"affinity"`
	OAuth       OAuthConfig        `yaml:"oauth"`
	Upstream    UpstreamConfig     `yaml:"upstream"`
	Secrets     SecretsConfig      `yaml:"secrets"`
	Logging     LoggingConfig      `yaml:"logging"`
	Tracing     TracingConfig      `yaml:"tracing"`
	Audit       AuditConfig        `yaml:"audit"`
}

// CredentialConfig seeds one pool credential at startup. Secret is either a
// literal value or a reference resolved by internal/secret
// ("env://CREDMUX_TOKEN", "vault://secret/data/credmux#refresh_token").
type CredentialConfig struct {
	Secret string `yaml:"secret"`
	Kind   string `yaml:"kind"` // api_key (default), oauth
}

// DispatchConfig tunes the retry loop and the rate-limit cooldown.
type DispatchConfig struct {
	CooldownPeriod  time.Duration `yaml:"cooldown_period"`
	RetryCount      int           `yaml:"retry_count"`
	RetryBackoff    time.Duration `yaml:"retry_backoff"`
	RetryMaxBackoff time.Duration `yaml:"retry_max_backoff"`
}

// AffinityConfig selects and sizes the fingerprint affinity store.
type AffinityConfig struct {
	Store    string        `yaml:"store"` // memory (default), redis, dual, none
	TTL      time.Duration `yaml:"ttl"`
	Capacity int           `yaml:"capacity"`
	Redis    RedisConfig   `yaml:"redis"`
}

// RedisConfig connects the Redis-backed affinity store.
type RedisConfig struct {
	Addr      string `yaml:"addr"`
	Password  string `yaml:"password"`
	DB        int    `yaml:"db"`
	KeyPrefix string `yaml:"key_prefix"`
}

// OAuthConfig tunes access-token minting for oauth-kind credentials. Empty
// TokenURL/ClientID fall back to the upstream provider's published defaults.
type OAuthConfig struct {
	TokenURL        string        `yaml:"token_url"`
	ClientID        string        `yaml:"client_id"`
	ExpiryMargin    time.Duration `yaml:"expiry_margin"`
	RefreshInterval time.Duration `yaml:"refresh_interval"`
}

// UpstreamConfig points at the upstream API.
type UpstreamConfig struct {
	BaseURL    string            `yaml:"base_url"`
	APIVersion string            `yaml:"api_version"`
	Timeout    time.Duration     `yaml:"timeout"`
	Headers    map[string]string `yaml:"headers"`
}

// SecretsConfig configures secret reference resolution.
type SecretsConfig struct {
	CacheTTL time.Duration `yaml:"cache_ttl"`
	Vault    VaultConfig   `yaml:"vault"`
}

// VaultConfig connects the vault:// secret provider.
type VaultConfig struct {
	Address    string `yaml:"address"`
	AuthMethod string `yaml:"auth_method"` // token, approle, cert
	Token      string `yaml:"token"`
	RoleID     string `yaml:"role_id"`
	SecretID   string `yaml:"secret_id"`
	CACert     string `yaml:"ca_cert"`
	ClientCert string `yaml:"client_cert"`
	ClientKey  string `yaml:"client_key"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, text
}

// TracingConfig contains OpenTelemetry settings.
type TracingConfig struct {
	Enabled     bool    `yaml:"enabled"`
	Endpoint    string  `yaml:"endpoint"`     // OTLP endpoint (e.g., "localhost:4317")
	ServiceName string  `yaml:"service_name"` // Service name for traces
	SampleRate  float64 `yaml:"sample_rate"`  // Sampling rate (0.0 to 1.0)
	Insecure    bool    `yaml:"insecure"`     // Use insecure connection (no TLS)
}

// AuditConfig wires credential lifecycle events to external sinks.
type AuditConfig struct {
	S3    S3AuditConfig    `yaml:"s3"`
	Slack SlackAuditConfig `yaml:"slack"`
}

// S3AuditConfig batches lifecycle events into JSONL objects.
type S3AuditConfig struct {
	Enabled       bool          `yaml:"enabled"`
	Bucket        string        `yaml:"bucket"`
	Prefix        string        `yaml:"prefix"`
	Region        string        `yaml:"region"`
	FlushInterval time.Duration `yaml:"flush_interval"`
	BatchSize     int           `yaml:"batch_size"`
}

// SlackAuditConfig posts lifecycle alerts to a webhook.
type SlackAuditConfig struct {
	Enabled    bool   `yaml:"enabled"`
	WebhookURL string `yaml:"webhook_url"`
	Channel    string `yaml:"channel"`
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Dispatch: DispatchConfig{
			CooldownPeriod:  60 * time.Second,
			RetryCount:      3,
			RetryBackoff:    1 * time.Second,
			RetryMaxBackoff: 5 * time.Second,
		},
		Affinity: AffinityConfig{
			Store:    "memory",
			TTL:      30 * time.Minute,
			Capacity: 4096,
		},
		OAuth: OAuthConfig{
			ExpiryMargin:    5 * time.Minute,
			RefreshInterval: 30 * time.Second,
		},
		Upstream: UpstreamConfig{
			Timeout: 120 * time.Second,
		},
		Secrets: SecretsConfig{
			CacheTTL: 5 * time.Minute,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Tracing: TracingConfig{
			Enabled:     false,
			Endpoint:    "localhost:4317",
			ServiceName: "credmux",
			SampleRate:  1.0,
			Insecure:    true,
		},
		Audit: AuditConfig{
			S3: S3AuditConfig{
				FlushInterval: 10 * time.Second,
				BatchSize:     64,
			},
		},
	}
}

// LoadFromFile reads and parses a YAML configuration file.
// Environment variables in the format ${VAR_NAME} are expanded.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	cfg := DefaultConfig()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return cfg, nil
}

// Validate checks the configuration for errors. An empty credentials list is
// legal; the pool can be populated at runtime through Submit.
func (c *Config) Validate() error {
	for i, cred := range c.Credentials {
		if cred.Secret == "" {
			return fmt.Errorf("credentials[%d]: secret is required", i)
		}
		switch cred.Kind {
		case "", "api_key", "oauth":
		default:
			return fmt.Errorf("credentials[%d]: unknown kind %q", i, cred.Kind)
		}
	}

	if c.Dispatch.RetryCount < 0 {
		return fmt.Errorf("dispatch.retry_count cannot be negative")
	}
	if c.Dispatch.CooldownPeriod < 0 {
		return fmt.Errorf("dispatch.cooldown_period cannot be negative")
	}
	if c.Dispatch.RetryBackoff < 0 || c.Dispatch.RetryMaxBackoff < 0 {
		return fmt.Errorf("dispatch retry backoffs cannot be negative")
	}
	if c.Dispatch.RetryMaxBackoff > 0 && c.Dispatch.RetryMaxBackoff < c.Dispatch.RetryBackoff {
		return fmt.Errorf("dispatch.retry_max_backoff is below dispatch.retry_backoff")
	}

	switch c.Affinity.Store {
	case "", "memory", "none":
	case "redis", "dual":
		if c.Affinity.Redis.Addr == "" {
			return fmt.Errorf("affinity.redis.addr is required for the %s store", c.Affinity.Store)
		}
	default:
		return fmt.Errorf("unknown affinity store %q", c.Affinity.Store)
	}
	if c.Affinity.TTL < 0 {
		return fmt.Errorf("affinity.ttl cannot be negative")
	}
	if c.Affinity.Capacity < 0 {
		return fmt.Errorf("affinity.capacity cannot be negative")
	}

	if c.OAuth.ExpiryMargin < 0 {
		return fmt.Errorf("oauth.expiry_margin cannot be negative")
	}
	if c.OAuth.RefreshInterval < 0 {
		return fmt.Errorf("oauth.refresh_interval cannot be negative")
	}
	if c.Upstream.Timeout < 0 {
		return fmt.Errorf("upstream.timeout cannot be negative")
	}

	if c.Tracing.SampleRate < 0 || c.Tracing.SampleRate > 1 {
		return fmt.Errorf("tracing.sample_rate must be between 0.0 and 1.0")
	}

	if c.Audit.S3.Enabled && c.Audit.S3.Bucket == "" {
		return fmt.Errorf("audit.s3.bucket is required when the s3 sink is enabled")
	}
	if c.Audit.Slack.Enabled && c.Audit.Slack.WebhookURL == "" {
		return fmt.Errorf("audit.slack.webhook_url is required when the slack sink is enabled")
	}

	return nil
}

// WarningCode identifies a non-fatal configuration smell.
type WarningCode string

const (
	// WarningNoCredentials: the pool starts empty; dispatch fails until a
	// credential is submitted.
	WarningNoCredentials WarningCode = "no_credentials"
	// WarningTracingZeroSample: tracing is on but the sampler drops everything.
	WarningTracingZeroSample WarningCode = "tracing_zero_sample"
)

// Warning is a non-fatal configuration finding, logged at startup.
type Warning struct {
	Code    WarningCode
	Message string
}

// Warnings reports configurations that are valid but probably not what the
// operator meant.
func (c *Config) Warnings() []Warning {
	var out []Warning
	if len(c.Credentials) == 0 {
		out = append(out, Warning{
			Code:    WarningNoCredentials,
			Message: "no credentials configured; every dispatch fails until one is submitted",
		})
	}
	if c.Tracing.Enabled && c.Tracing.SampleRate == 0 {
		out = append(out, Warning{
			Code:    WarningTracingZeroSample,
			Message: "tracing is enabled with sample_rate 0; no spans will be exported",
		})
	}
	return out
}
