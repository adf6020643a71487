package main

import (
	"fmt"
	"log/slog"

	"github.com/ShayCichocki/scribe/internal/agent"
	"github.com/ShayCichocki/scribe/internal/config"
	"github.com/ShayCichocki/scribe/internal/llm"
	"github.com/ShayCichocki/scribe/internal/state"
	"github.com/ShayCichocki/scribe/pkg/models"
)

var agentNames = []string{
	models.AgentWriter,
	models.AgentFormat,
	models.AgentFinalEditor,
	models.AgentStrategist,
	models.AgentSummarizer,
}

// newCompleter creates the backend for provider. An empty model selects the
// backend default. SDK retries stay off; the dispatcher owns retry policy.
func newCompleter(cfg *config.Config, provider, model string) (llm.Completer, error) {
	switch provider {
	case config.ProviderAnthropic, config.ProviderBedrock:
		key, err := cfg.APIKey(provider)
		if err != nil {
			return nil, err
		}
		return llm.NewAnthropic(llm.AnthropicConfig{
			Model:         model,
			APIKey:        key,
			BaseURL:       cfg.Anthropic.BaseURL,
			UseAWSBedrock: provider == config.ProviderBedrock,
			AWSRegion:     cfg.Bedrock.Region,
			AWSProfile:    cfg.Bedrock.Profile,
		})
	case config.ProviderOpenAI:
		key, err := cfg.APIKey(provider)
		if err != nil {
			return nil, err
		}
		return llm.NewOpenAI(llm.OpenAIConfig{
			Model:   model,
			APIKey:  key,
			BaseURL: cfg.OpenAI.BaseURL,
		})
	default:
		return nil, fmt.Errorf("unknown provider %q", provider)
	}
}

// newGateway wires the agent gateway: the default backend, per-agent
// overrides, prompt and template lookups from the store.
func newGateway(cfg *config.Config, db *state.DB, logger *slog.Logger) (*agent.Gateway, error) {
	base, err := newCompleter(cfg, cfg.Agents.Provider, cfg.Agents.Model)
	if err != nil {
		return nil, fmt.Errorf("create %s backend: %w", cfg.Agents.Provider, err)
	}

	opts := []agent.Option{
		agent.WithTemplates(db),
		agent.WithTimeout(cfg.Agents.Timeout),
		agent.WithRateLimit(cfg.Agents.RateLimit, cfg.Agents.RateBurst),
		agent.WithMaxTokens(cfg.Agents.MaxTokens),
		agent.WithLogger(logger),
	}

	for _, name := range agentNames {
		o, ok := cfg.Override(name)
		if !ok {
			continue
		}
		provider, model := overrideBackend(cfg.Agents, o)
		c, err := newCompleter(cfg, provider, model)
		if err != nil {
			return nil, fmt.Errorf("create backend for %s: %w", name, err)
		}
		logger.Debug("agent backend override", "agent", name, "provider", provider, "model", c.Model())
		opts = append(opts, agent.WithAgentCompleter(name, c))
	}

	return agent.NewGateway(base, db, opts...), nil
}

// overrideBackend resolves an override against the agent defaults. The
// default model only carries over when the provider does.
func overrideBackend(defaults config.AgentsConfig, o config.AgentOverride) (provider, model string) {
	provider = o.Provider
	if provider == "" {
		provider = defaults.Provider
	}
	model = o.Model
	if model == "" && provider == defaults.Provider {
		model = defaults.Model
	}
	return provider, model
}
