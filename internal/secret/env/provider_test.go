package env

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProvider_Get(t *testing.T) {
	t.Setenv("CREDMUX_TEST_TOKEN", "sk-ant-oat01-value")

	p := New()
	got, err := p.Get(context.Background(), "CREDMUX_TEST_TOKEN")
	require.NoError(t, err)
	assert.Equal(t, "sk-ant-oat01-value", got)
}

func TestProvider_Get_TrimsWhitespace(t *testing.T) {
	t.Setenv("CREDMUX_TEST_TOKEN", "  sk-ant-oat01-value\n")

	p := New()
	got, err := p.Get(context.Background(), "CREDMUX_TEST_TOKEN")
	require.NoError(t, err)
	assert.Equal(t, "sk-ant-oat01-value", got)
}

func TestProvider_Get_MissingVariable(t *testing.T) {
	p := New()
	_, err := p.Get(context.Background(), "CREDMUX_TEST_NOT_SET")
	require.Error(t, err)
}

func TestProvider_Get_EmptyVariable(t *testing.T) {
	t.Setenv("CREDMUX_TEST_TOKEN", "   ")

	p := New()
	_, err := p.Get(context.Background(), "CREDMUX_TEST_TOKEN")
	require.Error(t, err)
}
