package types

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blueberrycongee/credmux/pkg/credential"
)

func TestNormalizeModel(t *testing.T) {
	tests := []struct {
		name     string
		model    string
		want     string
		wantLane credential.LaneKey
	}{
		{"plain model", "claude-sonnet-4-5", "claude-sonnet-4-5", ""},
		{"dash marker", "claude-sonnet-4-5-1m", "claude-sonnet-4-5", credential.LaneLongContextSonnet},
		{"bracket marker", "claude-opus-4-1[1m]", "claude-opus-4-1", credential.LaneLongContextOpus},
		{"uppercase marker", "claude-sonnet-4-5-1M", "claude-sonnet-4-5", credential.LaneLongContextSonnet},
		{"thinking variant", "claude-sonnet-4-5-1M-thinking", "claude-sonnet-4-5-thinking", credential.LaneLongContextSonnet},
		{"thinking without marker", "claude-sonnet-4-5-thinking", "claude-sonnet-4-5-thinking", ""},
		{"haiku family", "claude-haiku-3-5-1m", "claude-haiku-3-5", credential.LongContextLane("haiku")},
		{"unknown family", "austral-9-1m", "austral-9", credential.LongContextLane("default")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			model, lane := NormalizeModel(tt.model)
			assert.Equal(t, tt.want, model)
			assert.Equal(t, tt.wantLane, lane)
		})
	}
}

func TestNewRequestContext(t *testing.T) {
	rc := NewRequestContext(DialectAnthropic, "claude-sonnet-4-5-1m", true,
		[]string{"system prompt", "project files"})

	require.NotEmpty(t, rc.ID)
	assert.Equal(t, DialectAnthropic, rc.Dialect)
	assert.Equal(t, "claude-sonnet-4-5", rc.Model)
	assert.True(t, rc.Stream)
	assert.True(t, rc.HasFingerprint)
	assert.Equal(t, credential.LaneLongContextSonnet, rc.RequiredLane)

	// Identical content hashes identically across contexts.
	other := NewRequestContext(DialectAnthropic, "claude-sonnet-4-5-1m", true,
		[]string{"system prompt", "project files"})
	assert.Equal(t, rc.Fingerprint, other.Fingerprint)
	assert.NotEqual(t, rc.ID, other.ID)
}

func TestNewRequestContextWithoutCacheableContent(t *testing.T) {
	rc := NewRequestContext(DialectOpenAI, "claude-opus-4-1", false, nil)

	assert.False(t, rc.HasFingerprint)
	assert.Empty(t, rc.RequiredLane)
	assert.Equal(t, "claude-opus-4-1", rc.Model)
}
