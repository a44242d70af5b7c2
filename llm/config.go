package llm

import (
	"encoding/json"
	"os"
	"regexp"

	"github.com/BurntSushi/toml"

	"github.com/relaycode/turnguard/internal/xerrors"
)

// DefaultModel and DefaultBaseURL are the final fallback in endpoint
// resolution, used when config.toml is absent or names a provider with no
// matching base_url entry.
const (
	DefaultModel   = "gpt-4o-mini"
	DefaultBaseURL = "https://api.openai.com/v1"
	// DefaultContextWindow is the assumed model context size when nothing
	// else narrows it, matching Codex's own compaction assumption.
	DefaultContextWindow = 128_000
)

// ProviderConfig is one [model_providers.<id>] table.
type ProviderConfig struct {
	BaseURL string `toml:"base_url"`
	WireAPI string `toml:"wire_api"`
}

// Config is the parsed shape of config.toml (SPEC_FULL §6).
type Config struct {
	Model          string                    `toml:"model"`
	ModelProvider  string                    `toml:"model_provider"`
	ModelProviders map[string]ProviderConfig `toml:"model_providers"`
}

// LoadConfig reads and parses config.toml at path. A missing file is not an
// error: it yields a zero-value Config so endpoint resolution falls through
// to its hardcoded defaults.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return &Config{}, nil
	}
	if err != nil {
		return nil, xerrors.Wrap(xerrors.IO, "read config.toml", err)
	}

	var cfg Config
	if _, err := toml.Decode(string(data), &cfg); err != nil {
		return nil, xerrors.Wrap(xerrors.IO, "parse config.toml", err)
	}
	return &cfg, nil
}

// ResolveEndpoint implements SPEC_FULL §4.7's three-step precedence: a
// named provider's base_url, else the configured model against the
// hardcoded default base URL, else the hardcoded default model+URL.
func ResolveEndpoint(cfg *Config) (model, baseURL string) {
	if cfg != nil && cfg.ModelProvider != "" {
		if provider, ok := cfg.ModelProviders[cfg.ModelProvider]; ok && provider.BaseURL != "" {
			model := cfg.Model
			if model == "" {
				model = DefaultModel
			}
			return model, provider.BaseURL
		}
	}
	if cfg != nil && cfg.Model != "" {
		return cfg.Model, DefaultBaseURL
	}
	return DefaultModel, DefaultBaseURL
}

// TokensBlock is auth.json's "tokens" object.
type TokensBlock struct {
	AccessToken string `json:"access_token"`
}

// AuthFile is the parsed shape of auth.json (SPEC_FULL §6).
type AuthFile struct {
	OpenAIAPIKey string       `json:"OPENAI_API_KEY"`
	Tokens       *TokensBlock `json:"tokens"`
}

var (
	accessTokenPattern = regexp.MustCompile(`"access_token"\s*:\s*"([^"]+)"`)
	apiKeyPattern      = regexp.MustCompile(`"OPENAI_API_KEY"\s*:\s*"([^"]+)"`)
)

// ResolveCredential implements SPEC_FULL §4.7's credential precedence:
// tokens.access_token, then OPENAI_API_KEY, then a best-effort regex
// extraction of either field if the file does not parse as JSON at all.
// Environment variables are never consulted, by design.
func ResolveCredential(data []byte) (string, error) {
	var auth AuthFile
	if err := json.Unmarshal(data, &auth); err == nil {
		if auth.Tokens != nil && auth.Tokens.AccessToken != "" {
			return auth.Tokens.AccessToken, nil
		}
		if auth.OpenAIAPIKey != "" {
			return auth.OpenAIAPIKey, nil
		}
	}

	if m := accessTokenPattern.FindSubmatch(data); m != nil {
		return string(m[1]), nil
	}
	if m := apiKeyPattern.FindSubmatch(data); m != nil {
		return string(m[1]), nil
	}

	return "", xerrors.New(xerrors.Auth, "no usable credential found in auth.json")
}
