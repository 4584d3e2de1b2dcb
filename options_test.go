package credmux

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blueberrycongee/credmux/caches/memory"
	"github.com/blueberrycongee/credmux/internal/config"
	"github.com/blueberrycongee/credmux/pkg/affinity"
	"github.com/blueberrycongee/credmux/pkg/credential"
)

func TestDefaultConfig(t *testing.T) {
	cfg := defaultConfig()

	assert.Equal(t, 120*time.Second, cfg.Timeout)
	assert.Equal(t, 30*time.Minute, cfg.AffinityTTL)
	assert.Equal(t, 4096, cfg.AffinityCapacity)
	assert.Equal(t, 60*time.Second, cfg.CooldownPeriod)
	assert.Equal(t, 3, cfg.RetryCount)
	assert.Equal(t, time.Second, cfg.RetryBackoff)
	assert.Equal(t, 5*time.Second, cfg.RetryMaxBackoff)
	assert.NotNil(t, cfg.Logger)
	assert.Empty(t, cfg.Credentials)
	assert.Nil(t, cfg.Caller)
}

func TestOptionsApply(t *testing.T) {
	cfg := defaultConfig()
	for _, opt := range []Option{
		WithCredential("sk-test-alpha", KindAPIKey),
		WithCredential("rt-test-beta", KindOAuth),
		WithBaseURL("http://localhost:9999"),
		WithAPIVersion("2024-06-01"),
		WithUpstreamHeader("x-trace", "on"),
		WithTimeout(5 * time.Second),
		WithAffinityTTL(time.Minute),
		WithAffinityCapacity(7),
		WithCooldownPeriod(9 * time.Second),
		WithRetry(5, 2*time.Second),
		WithRetryMaxBackoff(8 * time.Second),
		WithOAuth("http://localhost:9998/token", "client-x"),
		WithOAuthExpiryMargin(time.Minute),
		WithOAuthRefreshInterval(2 * time.Minute),
		WithEventBuffer(99),
	} {
		opt(cfg)
	}

	require.Len(t, cfg.Credentials, 2)
	assert.Equal(t, CredentialSeed{Secret: "sk-test-alpha", Kind: KindAPIKey}, cfg.Credentials[0])
	assert.Equal(t, CredentialSeed{Secret: "rt-test-beta", Kind: KindOAuth}, cfg.Credentials[1])
	assert.Equal(t, "http://localhost:9999", cfg.BaseURL)
	assert.Equal(t, "2024-06-01", cfg.APIVersion)
	assert.Equal(t, "on", cfg.UpstreamHeaders["x-trace"])
	assert.Equal(t, 5*time.Second, cfg.Timeout)
	assert.Equal(t, time.Minute, cfg.AffinityTTL)
	assert.Equal(t, 7, cfg.AffinityCapacity)
	assert.Equal(t, 9*time.Second, cfg.CooldownPeriod)
	assert.Equal(t, 5, cfg.RetryCount)
	assert.Equal(t, 2*time.Second, cfg.RetryBackoff)
	assert.Equal(t, 8*time.Second, cfg.RetryMaxBackoff)
	assert.Equal(t, "http://localhost:9998/token", cfg.OAuthTokenURL)
	assert.Equal(t, "client-x", cfg.OAuthClientID)
	assert.Equal(t, time.Minute, cfg.OAuthExpiryMargin)
	assert.Equal(t, 2*time.Minute, cfg.OAuthRefreshInterval)
	assert.Equal(t, 99, cfg.EventBuffer)
}

func TestWithoutAffinity(t *testing.T) {
	client := newTestClient(t, WithoutAffinity())

	_, ok := client.store.(affinity.NoopStore)
	require.True(t, ok)
	require.False(t, client.ownsStore)
}

func TestWithAffinityStore_CallerOwned(t *testing.T) {
	store := memory.New(memory.Config{TTL: time.Minute, MaxEntries: 8})
	t.Cleanup(func() { _ = store.Close() })

	client := newTestClient(t, WithAffinityStore(store))
	require.Same(t, store, client.store)
	require.False(t, client.ownsStore)
}

func TestNewFromConfig(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Logging.Level = "error"
	cfg.Credentials = []config.CredentialConfig{
		{Secret: "sk-from-config-alpha", Kind: "api_key"},
	}

	client, err := NewFromConfig(context.Background(), cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	require.Equal(t, 60*time.Second, client.config.CooldownPeriod)
	require.Equal(t, 3, client.config.RetryCount)

	snaps, err := client.List(context.Background())
	require.NoError(t, err)
	require.Len(t, snaps, 1)
	require.Equal(t, credential.IDFor("sk-from-config-alpha"), snaps[0].ID)
}

func TestNewFromConfig_EnvSecret(t *testing.T) {
	t.Setenv("CREDMUX_TEST_KEY", "sk-env-resolved-alpha")

	cfg := config.DefaultConfig()
	cfg.Logging.Level = "error"
	cfg.Credentials = []config.CredentialConfig{
		{Secret: "env://CREDMUX_TEST_KEY", Kind: "api_key"},
	}

	client, err := NewFromConfig(context.Background(), cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	snaps, err := client.List(context.Background())
	require.NoError(t, err)
	require.Len(t, snaps, 1)
	require.Equal(t, credential.IDFor("sk-env-resolved-alpha"), snaps[0].ID)
}

func TestNewFromConfig_MissingEnvSecret(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Logging.Level = "error"
	cfg.Credentials = []config.CredentialConfig{
		{Secret: "env://CREDMUX_TEST_KEY_UNSET", Kind: "api_key"},
	}

	_, err := NewFromConfig(context.Background(), cfg)
	require.Error(t, err)
	require.Contains(t, err.Error(), "credentials[0]")
}

func TestNewFromConfig_NoneAffinity(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Logging.Level = "error"
	cfg.Affinity.Store = "none"

	client, err := NewFromConfig(context.Background(), cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	_, ok := client.store.(affinity.NoopStore)
	require.True(t, ok)
}

func TestNewFromConfig_UnknownAffinityStore(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Logging.Level = "error"
	cfg.Affinity.Store = "bogus"

	_, err := NewFromConfig(context.Background(), cfg)
	require.Error(t, err)
	require.Contains(t, err.Error(), "bogus")
}

func TestNewFromConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "credmux.yaml")
	yaml := `
logging:
  level: error
dispatch:
  cooldown_period: 45s
  retry_count: 2
credentials:
  - secret: sk-file-alpha-000000
    kind: api_key
`
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o600))

	client, err := NewFromConfigFile(context.Background(), path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	require.Equal(t, 45*time.Second, client.config.CooldownPeriod)
	require.Equal(t, 2, client.config.RetryCount)

	snaps, err := client.List(context.Background())
	require.NoError(t, err)
	require.Len(t, snaps, 1)
	require.Equal(t, credential.IDFor("sk-file-alpha-000000"), snaps[0].ID)
}

func TestNewFromConfigFile_Missing(t *testing.T) {
	_, err := NewFromConfigFile(context.Background(), filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
}
