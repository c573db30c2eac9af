// Package config loads runtime configuration from the environment.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	agerrors "agiraph/internal/errors"
)

// Config holds everything the kernel reads from the environment.
type Config struct {
	// Home is the root of the agents/ tree.
	Home string `mapstructure:"home"`

	// HTTPAddr is the listen address for the server layer.
	HTTPAddr string `mapstructure:"http_addr"`

	AnthropicAPIKey string `mapstructure:"anthropic_api_key"`
	OpenAIAPIKey    string `mapstructure:"openai_api_key"`

	// Base URL overrides, for proxies and OpenAI-compatible local servers.
	AnthropicBaseURL string `mapstructure:"anthropic_base_url"`
	OpenAIBaseURL    string `mapstructure:"openai_base_url"`

	// ContextLimits maps model name to its context window in tokens.
	// Models not listed fall back to DefaultContextLimit.
	ContextLimits       map[string]int `mapstructure:"context_limits"`
	DefaultContextLimit int            `mapstructure:"default_context_limit"`

	// CompactionFraction of the context limit above which a harnessed worker
	// compacts its conversation. CompactionKeepTurns is the tail preserved.
	CompactionFraction float64 `mapstructure:"compaction_fraction"`
	CompactionKeepTurns int    `mapstructure:"compaction_keep_turns"`

	MaxWorkerIterations int `mapstructure:"max_worker_iterations"`

	// Autonomous worker bridge.
	PollInterval         time.Duration `mapstructure:"poll_interval"`
	MaxSubprocessLifetime time.Duration `mapstructure:"max_subprocess_lifetime"`

	// Provider calls.
	ProviderTimeout    time.Duration `mapstructure:"provider_timeout"`
	NativeSearchMaxUses int          `mapstructure:"native_search_max_uses"`
}

// Load reads configuration from the environment with the AGIRAPH_ prefix.
// Provider keys also honor their conventional names (ANTHROPIC_API_KEY,
// OPENAI_API_KEY). Fatal problems return a ConfigError.
func Load() (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("AGIRAPH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("home", "agents")
	v.SetDefault("http_addr", ":8420")
	v.SetDefault("default_context_limit", 200000)
	v.SetDefault("compaction_fraction", 0.8)
	v.SetDefault("compaction_keep_turns", 6)
	v.SetDefault("max_worker_iterations", 50)
	v.SetDefault("poll_interval", 2*time.Second)
	v.SetDefault("max_subprocess_lifetime", 30*time.Minute)
	v.SetDefault("provider_timeout", 120*time.Second)
	v.SetDefault("native_search_max_uses", 5)

	// Conventional provider key names take effect when the prefixed ones are
	// unset.
	_ = v.BindEnv("anthropic_api_key", "AGIRAPH_ANTHROPIC_API_KEY", "ANTHROPIC_API_KEY")
	_ = v.BindEnv("openai_api_key", "AGIRAPH_OPENAI_API_KEY", "OPENAI_API_KEY")

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, agerrors.NewConfigError("", err)
	}
	if cfg.ContextLimits == nil {
		cfg.ContextLimits = map[string]int{}
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	if strings.TrimSpace(c.Home) == "" {
		return agerrors.NewConfigError("home", fmt.Errorf("must not be empty"))
	}
	if c.CompactionFraction <= 0 || c.CompactionFraction > 1 {
		return agerrors.NewConfigError("compaction_fraction", fmt.Errorf("must be in (0, 1], got %v", c.CompactionFraction))
	}
	if c.MaxWorkerIterations <= 0 {
		return agerrors.NewConfigError("max_worker_iterations", fmt.Errorf("must be positive"))
	}
	if c.PollInterval <= 0 {
		return agerrors.NewConfigError("poll_interval", fmt.Errorf("must be positive"))
	}
	return nil
}

// ContextLimit returns the context window for model.
func (c *Config) ContextLimit(model string) int {
	if limit, ok := c.ContextLimits[model]; ok && limit > 0 {
		return limit
	}
	return c.DefaultContextLimit
}

// ProviderKey returns the API key for the named provider, or an error when
// it is missing. Text-fallback and mock providers need no key.
func (c *Config) ProviderKey(provider string) (string, error) {
	switch provider {
	case "anthropic":
		if c.AnthropicAPIKey == "" {
			return "", agerrors.NewConfigError("anthropic_api_key", fmt.Errorf("ANTHROPIC_API_KEY is not set"))
		}
		return c.AnthropicAPIKey, nil
	case "openai":
		if c.OpenAIAPIKey == "" {
			return "", agerrors.NewConfigError("openai_api_key", fmt.Errorf("OPENAI_API_KEY is not set"))
		}
		return c.OpenAIAPIKey, nil
	default:
		return "", nil
	}
}
