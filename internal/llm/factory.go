package llm

import (
	"fmt"
	"strings"
	"time"

	"agiraph/internal/config"
	agerrors "agiraph/internal/errors"
	"agiraph/internal/shared/logging"
)

// New builds a retry-wrapped client for a "provider/model" pair. Bare model
// names are routed by prefix: claude-* to Anthropic, gpt-*/o* to OpenAI.
// The "text/" prefix selects the text-fallback adapter over an
// OpenAI-compatible endpoint.
func New(spec string, cfg *config.Config, logger logging.Logger) (Client, error) {
	provider, model := splitSpec(spec)

	var (
		client Client
		err    error
	)
	switch provider {
	case "anthropic":
		client, err = NewAnthropic(model, AnthropicOptions{
			APIKey:              cfg.AnthropicAPIKey,
			BaseURL:             cfg.AnthropicBaseURL,
			Timeout:             cfg.ProviderTimeout,
			NativeSearchMaxUses: cfg.NativeSearchMaxUses,
			Logger:              logger,
		})
	case "openai":
		client, err = NewOpenAI(model, OpenAIOptions{
			APIKey:  cfg.OpenAIAPIKey,
			BaseURL: cfg.OpenAIBaseURL,
			Timeout: cfg.ProviderTimeout,
			Logger:  logger,
		})
	case "text":
		// Text-fallback endpoints are usually local and accept any token.
		key := cfg.OpenAIAPIKey
		if key == "" {
			key = "unused"
		}
		var inner Client
		inner, err = NewOpenAI(model, OpenAIOptions{
			APIKey:  key,
			BaseURL: cfg.OpenAIBaseURL,
			Timeout: cfg.ProviderTimeout,
			Logger:  logger,
		})
		if err == nil {
			client = NewTextFallback(inner, logger)
		}
	default:
		err = &agerrors.ConfigError{Field: "model", Err: fmt.Errorf("unknown provider %q", provider)}
	}
	if err != nil {
		return nil, err
	}
	return WithRetry(client, 2*time.Second, logger), nil
}

func splitSpec(spec string) (provider, model string) {
	spec = strings.TrimSpace(spec)
	if i := strings.Index(spec, "/"); i > 0 {
		return strings.ToLower(spec[:i]), spec[i+1:]
	}
	switch {
	case strings.HasPrefix(spec, "claude"):
		return "anthropic", spec
	case strings.HasPrefix(spec, "gpt"), strings.HasPrefix(spec, "o1"), strings.HasPrefix(spec, "o3"), strings.HasPrefix(spec, "o4"):
		return "openai", spec
	default:
		return "anthropic", spec
	}
}
