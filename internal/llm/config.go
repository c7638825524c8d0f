package llm

import (
	"fmt"
	"os"
	"strings"
	"time"
)

// Provider names accepted in Config.Provider.
const (
	ProviderAnthropic  = "anthropic"
	ProviderOpenAI     = "openai"
	ProviderGemini     = "gemini"
	ProviderOpenRouter = "openrouter"
	ProviderMock       = "mock"

	// ProviderNone disables the generative planner; every pack comes from
	// the deterministic fallback.
	ProviderNone = "none"
)

// Config holds all LLM provider configuration.
type Config struct {
	Provider string `mapstructure:"provider" toml:"provider"`

	Anthropic  AnthropicConfig  `mapstructure:"anthropic" toml:"anthropic"`
	OpenAI     OpenAIConfig     `mapstructure:"openai" toml:"openai"`
	Gemini     GeminiConfig     `mapstructure:"gemini" toml:"gemini"`
	OpenRouter OpenRouterConfig `mapstructure:"openrouter" toml:"openrouter"`
	Retry      RetryConfig      `mapstructure:"retry" toml:"retry"`
}

// AnthropicConfig holds Anthropic-specific configuration.
type AnthropicConfig struct {
	APIKey  string `mapstructure:"api_key" toml:"api_key"`
	Model   string `mapstructure:"model" toml:"model"`
	BaseURL string `mapstructure:"base_url" toml:"base_url,omitempty"`
}

// OpenAIConfig holds OpenAI-specific configuration.
type OpenAIConfig struct {
	APIKey  string `mapstructure:"api_key" toml:"api_key"`
	Model   string `mapstructure:"model" toml:"model"`
	BaseURL string `mapstructure:"base_url" toml:"base_url,omitempty"`
}

// GeminiConfig holds Gemini-specific configuration.
type GeminiConfig struct {
	APIKey string `mapstructure:"api_key" toml:"api_key"`
	Model  string `mapstructure:"model" toml:"model"`
}

// OpenRouterConfig holds OpenRouter-specific configuration.
type OpenRouterConfig struct {
	APIKey  string `mapstructure:"api_key" toml:"api_key"`
	Model   string `mapstructure:"model" toml:"model"`
	BaseURL string `mapstructure:"base_url" toml:"base_url,omitempty"`
}

// DefaultConfig returns a disabled provider with per-provider model
// defaults filled in. Retries are short: the whole generative step has a
// budget of a few seconds.
func DefaultConfig() Config {
	return Config{
		Provider:   ProviderNone,
		Anthropic:  AnthropicConfig{Model: "claude-haiku"},
		OpenAI:     OpenAIConfig{Model: "gpt-4o-mini"},
		Gemini:     GeminiConfig{Model: "gemini-flash"},
		OpenRouter: OpenRouterConfig{Model: "google/gemini-2.0-flash-exp"},
		Retry: RetryConfig{
			MaxAttempts: 2,
			InitialWait: 200 * time.Millisecond,
			MaxWait:     time.Second,
			Multiplier:  2.0,
		},
	}
}

// DiscoverConfig probes standard API key env vars in priority order
// (Gemini, OpenAI, Anthropic, OpenRouter) and returns a Config for the
// first provider whose key is found.
func DiscoverConfig() (Config, bool) {
	cfg := DefaultConfig()

	if k := os.Getenv("GEMINI_API_KEY"); k != "" {
		cfg.Provider = ProviderGemini
		cfg.Gemini.APIKey = k
		return cfg, true
	}
	if k := os.Getenv("OPENAI_API_KEY"); k != "" {
		cfg.Provider = ProviderOpenAI
		cfg.OpenAI.APIKey = k
		return cfg, true
	}
	if k := os.Getenv("ANTHROPIC_API_KEY"); k != "" {
		cfg.Provider = ProviderAnthropic
		cfg.Anthropic.APIKey = k
		return cfg, true
	}
	if k := os.Getenv("OPENROUTER_API_KEY"); k != "" {
		cfg.Provider = ProviderOpenRouter
		cfg.OpenRouter.APIKey = k
		return cfg, true
	}

	return Config{}, false
}

// Enabled reports whether a generative provider is configured.
func (c Config) Enabled() bool {
	return c.Provider != "" && c.Provider != ProviderNone
}

// APIKey returns the key of the selected provider.
func (c Config) APIKey() string {
	switch c.Provider {
	case ProviderAnthropic:
		return c.Anthropic.APIKey
	case ProviderOpenAI:
		return c.OpenAI.APIKey
	case ProviderGemini:
		return c.Gemini.APIKey
	case ProviderOpenRouter:
		return c.OpenRouter.APIKey
	}
	return ""
}

// Validate checks that the selected provider has its required API key set.
func (c Config) Validate() error {
	switch c.Provider {
	case ProviderAnthropic, ProviderOpenAI, ProviderGemini, ProviderOpenRouter:
		if c.APIKey() == "" {
			return fmt.Errorf("PACKPLAN_LLM_%s_API_KEY is required for the %s provider", strings.ToUpper(c.Provider), c.Provider)
		}
	case ProviderMock, ProviderNone, "":
	default:
		return fmt.Errorf("unknown LLM provider: %q", c.Provider)
	}
	return nil
}
