package lmstudio

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProfilesResolve(t *testing.T) {
	p := NewProfiles()

	gpt := p.Resolve("  OpenAI/GPT-OSS-20B ")
	assert.Equal(t, 0.8, gpt.Temperature)
	assert.True(t, gpt.HasReasoningControls())
	assert.Equal(t, "  OpenAI/GPT-OSS-20B ", gpt.ModelID)

	euro := p.Resolve("eurollm-22b")
	assert.False(t, euro.HasReasoningControls())
	require.NotNil(t, euro.MaxTokensCap)
	assert.Equal(t, 3072, *euro.MaxTokensCap)

	unknown := p.Resolve("some/unknown-model")
	assert.Equal(t, 0.0, unknown.Temperature)
	assert.Nil(t, unknown.MaxTokensCap)
}

func TestLoadProfilesOverlay(t *testing.T) {
	path := filepath.Join(t.TempDir(), "profiles.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
default:
  temperature: 0.4
  top_k: 10
qwen3-8b:
  temperature: 0.6
  max_tokens_cap: 1500
  enable_thinking: false
`), 0o600))

	p, err := LoadProfiles(path)
	require.NoError(t, err)

	qwen := p.Resolve("qwen/qwen3-8b")
	assert.Equal(t, 0.6, qwen.Temperature)
	require.NotNil(t, qwen.MaxTokensCap)
	assert.Equal(t, 1500, *qwen.MaxTokensCap)
	assert.True(t, qwen.HasReasoningControls())

	fallback := p.Resolve("anything")
	assert.Equal(t, 0.4, fallback.Temperature)
	require.NotNil(t, fallback.TopK)
	assert.Equal(t, 10, *fallback.TopK)

	assert.Equal(t, 0.8, p.Resolve("gpt-oss-20b").Temperature)
}

func TestLoadProfilesErrors(t *testing.T) {
	p, err := LoadProfiles("")
	require.NoError(t, err)
	assert.NotNil(t, p)

	_, err = LoadProfiles(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)

	bad := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(bad, []byte("x: [unclosed"), 0o600))
	_, err = LoadProfiles(bad)
	require.Error(t, err)
}
