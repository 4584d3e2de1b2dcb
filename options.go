package credmux

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/blueberrycongee/credmux/caches"
	"github.com/blueberrycongee/credmux/internal/config"
	"github.com/blueberrycongee/credmux/internal/observability"
	"github.com/blueberrycongee/credmux/internal/secret"
	"github.com/blueberrycongee/credmux/internal/secret/env"
	"github.com/blueberrycongee/credmux/internal/secret/vault"
	"github.com/blueberrycongee/credmux/pkg/affinity"
	"github.com/blueberrycongee/credmux/pkg/credential"
	"github.com/blueberrycongee/credmux/pkg/upstream"
)

// CredentialSeed is one credential provisioned at client construction.
type CredentialSeed struct {
	// Secret is the raw credential value: an API key, or a refresh token for
	// oauth-kind credentials.
	Secret string
	// Kind selects how the secret authorizes upstream calls. Empty defaults
	// to KindAPIKey.
	Kind credential.Kind
}

// ClientConfig holds all configuration for the credmux client.
type ClientConfig struct {
	// Credentials seeded into the pool before the client is returned.
	Credentials []CredentialSeed

	// Upstream caller. When nil, an Anthropic caller is built from BaseURL,
	// APIVersion, UpstreamHeaders, and Timeout.
	Caller          upstream.Caller
	BaseURL         string
	APIVersion      string
	UpstreamHeaders map[string]string
	Timeout         time.Duration

	// HTTPClient overrides the client used for upstream calls and token
	// exchanges. Timeout is ignored when set.
	HTTPClient *http.Client

	// Affinity store configuration. A custom Store wins over TTL/Capacity,
	// which tune the default in-process store.
	AffinityStore    affinity.Store
	AffinityTTL      time.Duration
	AffinityCapacity int
	AffinityDisabled bool

	// Dispatch retry loop and rate-limit cooldown.
	CooldownPeriod  time.Duration
	RetryCount      int
	RetryBackoff    time.Duration
	RetryMaxBackoff time.Duration

	// OAuth token lifecycle. Empty TokenURL/ClientID fall back to the
	// upstream provider's published defaults.
	OAuthTokenURL        string
	OAuthClientID        string
	OAuthExpiryMargin    time.Duration
	OAuthRefreshInterval time.Duration

	// Logging
	Logger *slog.Logger

	// Observability sinks: tracing, OTLP logs/metrics, S3 audit trail,
	// Slack alerts. The zero value disables everything.
	Observability observability.Config

	// Callbacks are additional audit sinks registered alongside the
	// configured ones.
	Callbacks []observability.Callback

	// EventBuffer sizes the pool lifecycle event channel.
	EventBuffer int

	ownsAffinityStore bool
}

// Option is a function that configures the Client.
type Option func(*ClientConfig)

// defaultConfig returns sensible defaults.
func defaultConfig() *ClientConfig {
	return &ClientConfig{
		Timeout:          120 * time.Second,
		AffinityTTL:      30 * time.Minute,
		AffinityCapacity: 4096,
		CooldownPeriod:   60 * time.Second,
		RetryCount:       3,
		RetryBackoff:     time.Second,
		RetryMaxBackoff:  5 * time.Second,
		Logger:           slog.Default(),
	}
}

// WithCredential seeds one credential into the pool.
//
// Example:
//
//	credmux.WithCredential(os.Getenv("ANTHROPIC_API_KEY"), credmux.KindAPIKey)
//	credmux.WithCredential(os.Getenv("CLAUDE_REFRESH_TOKEN"), credmux.KindOAuth)
func WithCredential(secret string, kind credential.Kind) Option {
	return func(c *ClientConfig) {
		c.Credentials = append(c.Credentials, CredentialSeed{Secret: secret, Kind: kind})
	}
}

// WithCaller sets a custom upstream caller, replacing the default Anthropic
// one. The caller owns error classification for its responses.
func WithCaller(caller upstream.Caller) Option {
	return func(c *ClientConfig) {
		c.Caller = caller
	}
}

// WithBaseURL points the default Anthropic caller at a different endpoint.
// Ignored when a custom caller is set.
func WithBaseURL(url string) Option {
	return func(c *ClientConfig) {
		c.BaseURL = url
	}
}

// WithAPIVersion overrides the anthropic-version header of the default caller.
func WithAPIVersion(version string) Option {
	return func(c *ClientConfig) {
		c.APIVersion = version
	}
}

// WithUpstreamHeader adds a header to every upstream call of the default
// caller.
func WithUpstreamHeader(key, value string) Option {
	return func(c *ClientConfig) {
		if c.UpstreamHeaders == nil {
			c.UpstreamHeaders = make(map[string]string)
		}
		c.UpstreamHeaders[key] = value
	}
}

// WithTimeout sets the HTTP timeout for upstream calls. Streaming responses
// need this to cover the whole stream, not just the first byte.
func WithTimeout(d time.Duration) Option {
	return func(c *ClientConfig) {
		c.Timeout = d
	}
}

// WithHTTPClient sets the HTTP client used for upstream calls and OAuth token
// exchanges. Overrides WithTimeout.
func WithHTTPClient(client *http.Client) Option {
	return func(c *ClientConfig) {
		c.HTTPClient = client
	}
}

// WithAffinityStore sets a custom affinity store, for example a Redis-backed
// one shared across replicas. The caller keeps ownership and closes it.
//
// Example:
//
//	store, _ := caches.NewRedis(caches.RedisConfig{Addr: "localhost:6379"})
//	credmux.WithAffinityStore(store)
func WithAffinityStore(store affinity.Store) Option {
	return func(c *ClientConfig) {
		c.AffinityStore = store
	}
}

// WithAffinityTTL sets the sliding lifetime of affinity entries in the
// default in-process store.
func WithAffinityTTL(ttl time.Duration) Option {
	return func(c *ClientConfig) {
		c.AffinityTTL = ttl
	}
}

// WithAffinityCapacity bounds the default in-process affinity store.
func WithAffinityCapacity(n int) Option {
	return func(c *ClientConfig) {
		c.AffinityCapacity = n
	}
}

// WithoutAffinity disables fingerprint affinity entirely; every dispatch
// rotates.
func WithoutAffinity() Option {
	return func(c *ClientConfig) {
		c.AffinityDisabled = true
	}
}

// WithCooldownPeriod sets the fallback cooling duration for rate-limited
// credentials whose upstream did not announce a reset time.
func WithCooldownPeriod(d time.Duration) Option {
	return func(c *ClientConfig) {
		c.CooldownPeriod = d
	}
}

// WithRetry configures the bounded retry budget for transport and
// unclassified failures.
// count: number of retries after the first attempt (0 = no retries)
// backoff: initial backoff duration (exponential backoff is applied)
func WithRetry(count int, backoff time.Duration) Option {
	return func(c *ClientConfig) {
		c.RetryCount = count
		c.RetryBackoff = backoff
	}
}

// WithRetryMaxBackoff sets the maximum backoff duration for retries.
// Use 0 to disable the cap.
func WithRetryMaxBackoff(d time.Duration) Option {
	return func(c *ClientConfig) {
		c.RetryMaxBackoff = d
	}
}

// WithOAuth points token minting at a custom OAuth endpoint. Both values
// default to the Anthropic console's published endpoint and public client ID.
func WithOAuth(tokenURL, clientID string) Option {
	return func(c *ClientConfig) {
		c.OAuthTokenURL = tokenURL
		c.OAuthClientID = clientID
	}
}

// WithOAuthExpiryMargin refreshes access tokens this long before they expire.
func WithOAuthExpiryMargin(d time.Duration) Option {
	return func(c *ClientConfig) {
		c.OAuthExpiryMargin = d
	}
}

// WithOAuthRefreshInterval floors the time between refresh grants per
// credential. Forced refreshes after an upstream rejection skip it.
func WithOAuthRefreshInterval(d time.Duration) Option {
	return func(c *ClientConfig) {
		c.OAuthRefreshInterval = d
	}
}

// WithLogger sets the logger for the client. Credential secrets are redacted
// before any message reaches it.
func WithLogger(logger *slog.Logger) Option {
	return func(c *ClientConfig) {
		c.Logger = logger
	}
}

// WithObservability configures the audit and telemetry sinks.
//
// Example:
//
//	obs := observability.DefaultConfig() // reads CREDMUX_* environment
//	credmux.WithObservability(obs)
func WithObservability(cfg observability.Config) Option {
	return func(c *ClientConfig) {
		c.Observability = cfg
	}
}

// WithCallback registers an additional audit sink for lifecycle and dispatch
// events.
func WithCallback(cb observability.Callback) Option {
	return func(c *ClientConfig) {
		c.Callbacks = append(c.Callbacks, cb)
	}
}

// WithEventBuffer sizes the lifecycle event channel between the pool and the
// audit sinks. Events are dropped, never blocked on, when sinks fall behind.
func WithEventBuffer(n int) Option {
	return func(c *ClientConfig) {
		c.EventBuffer = n
	}
}

// NewFromConfig builds a client from a parsed configuration file: secret
// references are resolved, the affinity store is constructed per the
// configured backend, and audit sinks are wired from the audit section.
func NewFromConfig(ctx context.Context, cfg *config.Config) (*Client, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}

	logger := observability.NewDefaultLogger(cfg.Logging.Level, cfg.Logging.Format)
	slogger := logger.Slog()
	for _, w := range cfg.Warnings() {
		slogger.Warn("configuration warning", "code", string(w.Code), "message", w.Message)
	}

	opts := []Option{
		WithLogger(slogger),
		WithCooldownPeriod(cfg.Dispatch.CooldownPeriod),
		WithRetry(cfg.Dispatch.RetryCount, cfg.Dispatch.RetryBackoff),
		WithRetryMaxBackoff(cfg.Dispatch.RetryMaxBackoff),
		WithTimeout(cfg.Upstream.Timeout),
		WithOAuth(cfg.OAuth.TokenURL, cfg.OAuth.ClientID),
		WithOAuthExpiryMargin(cfg.OAuth.ExpiryMargin),
		WithOAuthRefreshInterval(cfg.OAuth.RefreshInterval),
	}
	if cfg.Upstream.BaseURL != "" {
		opts = append(opts, WithBaseURL(cfg.Upstream.BaseURL))
	}
	if cfg.Upstream.APIVersion != "" {
		opts = append(opts, WithAPIVersion(cfg.Upstream.APIVersion))
	}
	for k, v := range cfg.Upstream.Headers {
		opts = append(opts, WithUpstreamHeader(k, v))
	}

	storeOpts, err := affinityOptions(cfg.Affinity)
	if err != nil {
		return nil, err
	}
	opts = append(opts, storeOpts...)

	credOpts, err := resolveCredentials(ctx, cfg, slogger)
	if err != nil {
		return nil, err
	}
	opts = append(opts, credOpts...)

	opts = append(opts, WithObservability(observabilityConfig(cfg)))

	return New(opts...)
}

// NewFromConfigFile loads a YAML configuration file, builds the client, and
// watches the file so dispatch tunables apply without a restart.
func NewFromConfigFile(ctx context.Context, path string) (*Client, error) {
	mgr, err := config.NewManager(path, slog.Default())
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	client, err := NewFromConfig(ctx, mgr.Get())
	if err != nil {
		_ = mgr.Close()
		return nil, err
	}
	client.watchConfig(ctx, mgr)
	return client, nil
}

// affinityOptions maps the affinity config section onto store options.
func affinityOptions(cfg config.AffinityConfig) ([]Option, error) {
	switch cfg.Store {
	case "", "memory":
		return []Option{
			WithAffinityTTL(cfg.TTL),
			WithAffinityCapacity(cfg.Capacity),
		}, nil
	case "none":
		return []Option{WithoutAffinity()}, nil
	case "redis", "dual":
		redisCfg := caches.RedisConfig{
			Addr:      cfg.Redis.Addr,
			Password:  cfg.Redis.Password,
			DB:        cfg.Redis.DB,
			KeyPrefix: cfg.Redis.KeyPrefix,
			TTL:       cfg.TTL,
		}
		var (
			store affinity.Store
			err   error
		)
		if cfg.Store == "dual" {
			store, err = caches.NewDual(caches.MemoryConfig{TTL: cfg.TTL, MaxEntries: cfg.Capacity}, redisCfg)
		} else {
			store, err = caches.NewRedis(redisCfg)
		}
		if err != nil {
			return nil, fmt.Errorf("init %s affinity store: %w", cfg.Store, err)
		}
		return []Option{
			WithAffinityStore(store),
			func(c *ClientConfig) { c.ownsAffinityStore = true },
		}, nil
	default:
		return nil, fmt.Errorf("unknown affinity store %q", cfg.Store)
	}
}

// resolveCredentials turns configured secret references into credential seeds.
func resolveCredentials(ctx context.Context, cfg *config.Config, logger *slog.Logger) ([]Option, error) {
	if len(cfg.Credentials) == 0 {
		return nil, nil
	}

	secrets := secret.NewManager()
	defer func() { _ = secrets.Close() }()

	secrets.Register("env", env.New())
	if cfg.Secrets.Vault.Address != "" {
		vp, err := vault.New(vault.Config{
			Address:    cfg.Secrets.Vault.Address,
			AuthMethod: cfg.Secrets.Vault.AuthMethod,
			Token:      cfg.Secrets.Vault.Token,
			RoleID:     cfg.Secrets.Vault.RoleID,
			SecretID:   cfg.Secrets.Vault.SecretID,
			CACert:     cfg.Secrets.Vault.CACert,
			ClientCert: cfg.Secrets.Vault.ClientCert,
			ClientKey:  cfg.Secrets.Vault.ClientKey,
			Logger:     logger,
		})
		if err != nil {
			return nil, fmt.Errorf("init vault secret provider: %w", err)
		}
		secrets.Register("vault", secret.NewCachedProvider(vp, cfg.Secrets.CacheTTL))
	}

	opts := make([]Option, 0, len(cfg.Credentials))
	for i, cred := range cfg.Credentials {
		resolved, err := secrets.Resolve(ctx, cred.Secret)
		if err != nil {
			return nil, fmt.Errorf("resolve credentials[%d]: %w", i, err)
		}
		opts = append(opts, WithCredential(resolved, credential.Kind(cred.Kind)))
	}
	return opts, nil
}

// observabilityConfig maps the tracing and audit config sections onto sink
// configuration. OTLP log and metric export stay environment-driven.
func observabilityConfig(cfg *config.Config) observability.Config {
	obs := observability.Config{
		Tracing: observability.TracingConfig{
			Enabled:      cfg.Tracing.Enabled,
			Endpoint:     cfg.Tracing.Endpoint,
			ExporterType: observability.ExporterGRPC,
			ServiceName:  cfg.Tracing.ServiceName,
			SampleRate:   cfg.Tracing.SampleRate,
			Insecure:     cfg.Tracing.Insecure,
		},
		Logs:    observability.DefaultOTelLogsConfig(),
		Metrics: observability.DefaultOTelMetricsConfig(),
	}
	if cfg.Audit.S3.Enabled {
		obs.S3 = observability.S3Config{
			BucketName:    cfg.Audit.S3.Bucket,
			Region:        cfg.Audit.S3.Region,
			PathPrefix:    cfg.Audit.S3.Prefix,
			FlushInterval: cfg.Audit.S3.FlushInterval,
			BatchSize:     cfg.Audit.S3.BatchSize,
		}
	}
	if cfg.Audit.Slack.Enabled {
		obs.Slack = observability.SlackConfig{
			WebhookURL:       cfg.Audit.Slack.WebhookURL,
			Channel:          cfg.Audit.Slack.Channel,
			AlertOnLifecycle: true,
			AlertOnFailures:  true,
		}
	}
	return obs
}
