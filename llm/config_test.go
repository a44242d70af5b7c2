package llm

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfigMissingFileYieldsZeroValue(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "missing.toml"))
	require.NoError(t, err)
	assert.Equal(t, &Config{}, cfg)
}

func TestLoadConfigParsesProviders(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	content := `
model = "gpt-5"
model_provider = "custom"

[model_providers.custom]
base_url = "https://example.com/v1"
wire_api = "chat"
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "gpt-5", cfg.Model)
	assert.Equal(t, "custom", cfg.ModelProvider)
	require.Contains(t, cfg.ModelProviders, "custom")
	assert.Equal(t, "https://example.com/v1", cfg.ModelProviders["custom"].BaseURL)
}

func TestResolveEndpointProviderBaseURL(t *testing.T) {
	cfg := &Config{
		Model:         "gpt-5",
		ModelProvider: "custom",
		ModelProviders: map[string]ProviderConfig{
			"custom": {BaseURL: "https://example.com/v1"},
		},
	}
	model, baseURL := ResolveEndpoint(cfg)
	assert.Equal(t, "gpt-5", model)
	assert.Equal(t, "https://example.com/v1", baseURL)
}

func TestResolveEndpointFallsBackToModelWithDefaultURL(t *testing.T) {
	cfg := &Config{Model: "gpt-5"}
	model, baseURL := ResolveEndpoint(cfg)
	assert.Equal(t, "gpt-5", model)
	assert.Equal(t, DefaultBaseURL, baseURL)
}

func TestResolveEndpointDefaultsEntirely(t *testing.T) {
	model, baseURL := ResolveEndpoint(&Config{})
	assert.Equal(t, DefaultModel, model)
	assert.Equal(t, DefaultBaseURL, baseURL)
}

func TestResolveEndpointUnknownProviderFallsThrough(t *testing.T) {
	cfg := &Config{Model: "gpt-5", ModelProvider: "missing"}
	model, baseURL := ResolveEndpoint(cfg)
	assert.Equal(t, "gpt-5", model)
	assert.Equal(t, DefaultBaseURL, baseURL)
}

func TestResolveCredentialFromTokens(t *testing.T) {
	cred, err := ResolveCredential([]byte(`{"tokens":{"access_token":"tok-123"}}`))
	require.NoError(t, err)
	assert.Equal(t, "tok-123", cred)
}

func TestResolveCredentialFromAPIKey(t *testing.T) {
	cred, err := ResolveCredential([]byte(`{"OPENAI_API_KEY":"sk-abc"}`))
	require.NoError(t, err)
	assert.Equal(t, "sk-abc", cred)
}

func TestResolveCredentialTokensTakePriorityOverAPIKey(t *testing.T) {
	cred, err := ResolveCredential([]byte(`{"OPENAI_API_KEY":"sk-abc","tokens":{"access_token":"tok-123"}}`))
	require.NoError(t, err)
	assert.Equal(t, "tok-123", cred)
}

func TestResolveCredentialRegexFallbackOnBrokenJSON(t *testing.T) {
	cred, err := ResolveCredential([]byte(`not json at all "access_token": "tok-456"`))
	require.NoError(t, err)
	assert.Equal(t, "tok-456", cred)
}

func TestResolveCredentialNoneFound(t *testing.T) {
	_, err := ResolveCredential([]byte(`{"unrelated":"field"}`))
	assert.Error(t, err)
}
