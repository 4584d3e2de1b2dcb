package secret

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// countingProvider records lookups and serves from a fixed map.
type countingProvider struct {
	values map[string]string
	calls  int
	closed bool
}

func (p *countingProvider) Get(_ context.Context, path string) (string, error) {
	p.calls++
	if v, ok := p.values[path]; ok {
		return v, nil
	}
	return "", errors.New("not found")
}

func (p *countingProvider) Close() error {
	p.closed = true
	return nil
}

func TestManager_Resolve_LiteralPassesThrough(t *testing.T) {
	m := NewManager()

	got, err := m.Resolve(context.Background(), "sk-ant-api03-raw-value")
	require.NoError(t, err)
	assert.Equal(t, "sk-ant-api03-raw-value", got)
}

func TestManager_Resolve_RoutesByScheme(t *testing.T) {
	m := NewManager()
	fake := &countingProvider{values: map[string]string{"TOKEN": "resolved"}}
	m.Register("fake", fake)

	got, err := m.Resolve(context.Background(), "fake://TOKEN")
	require.NoError(t, err)
	assert.Equal(t, "resolved", got)
	assert.Equal(t, 1, fake.calls)
}

func TestManager_Resolve_UnknownScheme(t *testing.T) {
	m := NewManager()

	_, err := m.Resolve(context.Background(), "vault://secret/data/credmux")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "vault")
}

func TestManager_ResolveAll_StopsAtFirstFailure(t *testing.T) {
	m := NewManager()
	fake := &countingProvider{values: map[string]string{"A": "one"}}
	m.Register("fake", fake)

	got, err := m.ResolveAll(context.Background(), []string{"fake://A", "literal-secret"})
	require.NoError(t, err)
	assert.Equal(t, []string{"one", "literal-secret"}, got)

	_, err = m.ResolveAll(context.Background(), []string{"fake://A", "fake://MISSING"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "fake://MISSING")
}

func TestRedactRef(t *testing.T) {
	assert.Equal(t, "***", redactRef("shortval"))
	assert.Equal(t, "sk-a...", redactRef("sk-ant-api03-secret"))
	assert.Equal(t, "env://TOKEN", redactRef("env://TOKEN"))
}

func TestManager_Close_ClosesAllProviders(t *testing.T) {
	m := NewManager()
	a := &countingProvider{}
	b := &countingProvider{}
	m.Register("a", a)
	m.Register("b", b)

	require.NoError(t, m.Close())
	assert.True(t, a.closed)
	assert.True(t, b.closed)
}

func TestCachedProvider_ServesFromCache(t *testing.T) {
	inner := &countingProvider{values: map[string]string{"TOKEN": "v1"}}
	cached := NewCachedProvider(inner, time.Minute)

	for i := 0; i < 3; i++ {
		got, err := cached.Get(context.Background(), "TOKEN")
		require.NoError(t, err)
		assert.Equal(t, "v1", got)
	}
	assert.Equal(t, 1, inner.calls)
}

func TestCachedProvider_DoesNotCacheFailures(t *testing.T) {
	inner := &countingProvider{values: map[string]string{}}
	cached := NewCachedProvider(inner, time.Minute)

	_, err := cached.Get(context.Background(), "MISSING")
	require.Error(t, err)
	_, err = cached.Get(context.Background(), "MISSING")
	require.Error(t, err)
	assert.Equal(t, 2, inner.calls)
}

func TestCachedProvider_ExpiresEntries(t *testing.T) {
	inner := &countingProvider{values: map[string]string{"TOKEN": "v1"}}
	cached := NewCachedProvider(inner, 50*time.Millisecond)

	_, err := cached.Get(context.Background(), "TOKEN")
	require.NoError(t, err)
	time.Sleep(80 * time.Millisecond)
	_, err = cached.Get(context.Background(), "TOKEN")
	require.NoError(t, err)
	assert.Equal(t, 2, inner.calls)
}
