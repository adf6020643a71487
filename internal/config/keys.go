package config

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// Backend providers.
const (
	ProviderAnthropic = "anthropic"
	ProviderBedrock   = "bedrock"
	ProviderOpenAI    = "openai"
)

// ErrNoAPIKey is returned when the selected provider has no API key.
var ErrNoAPIKey = errors.New("no API key configured")

// secretKeys are masked by Flatten.
var secretKeys = map[string]bool{
	"anthropic.api_key":       true,
	"openai.api_key":          true,
	"telegram.bot_token":      true,
	"telegram.webhook_secret": true,
	"readwise.token":          true,
	"server.auth_token":       true,
}

// SecretKey reports whether the dot-notation key holds a credential.
func SecretKey(key string) bool {
	return secretKeys[strings.ToLower(key)]
}

// Validate checks settings that would otherwise fail at first use.
func (c *Config) Validate() error {
	var errs []error

	for _, p := range c.providers() {
		switch p {
		case ProviderAnthropic, ProviderBedrock, ProviderOpenAI:
		default:
			errs = append(errs, fmt.Errorf("agents: unknown provider %q", p))
		}
	}
	if c.Dispatcher.Workers < 1 {
		errs = append(errs, errors.New("dispatcher.workers must be at least 1"))
	}
	if c.Dispatcher.QueueDepth < 1 {
		errs = append(errs, errors.New("dispatcher.queue_depth must be at least 1"))
	}
	if c.Dispatcher.MaxAttempts < 1 {
		errs = append(errs, errors.New("dispatcher.max_attempts must be at least 1"))
	}
	if c.Dispatcher.BaseDelay < 0 || c.Dispatcher.MaxDelay < c.Dispatcher.BaseDelay {
		errs = append(errs, errors.New("dispatcher.max_delay must not be below dispatcher.base_delay"))
	}
	switch c.Coordinator.FeedbackFormat {
	case "last_used", "default":
	default:
		errs = append(errs, fmt.Errorf("coordinator.feedback_format must be last_used or default, got %q", c.Coordinator.FeedbackFormat))
	}
	switch c.Logging.Format {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("logging.format must be text or json, got %q", c.Logging.Format))
	}
	if c.Database.Path == "" {
		errs = append(errs, errors.New("database.path is required"))
	}
	if c.Telegram.BotToken != "" && c.Telegram.WebhookSecret == "" {
		errs = append(errs, errors.New("telegram.webhook_secret is required when the bot is enabled"))
	}
	return errors.Join(errs...)
}

func (c *Config) providers() []string {
	out := []string{c.Agents.Provider}
	for _, o := range c.Agents.Overrides {
		if o.Provider != "" {
			out = append(out, o.Provider)
		}
	}
	return out
}

// APIKey returns the key for provider. Bedrock uses AWS credentials and
// needs none.
func (c *Config) APIKey(provider string) (string, error) {
	var key, env string
	switch provider {
	case ProviderBedrock:
		return "", nil
	case ProviderAnthropic:
		key, env = c.Anthropic.APIKey, "ANTHROPIC_API_KEY"
	case ProviderOpenAI:
		key, env = c.OpenAI.APIKey, "OPENAI_API_KEY"
	default:
		return "", fmt.Errorf("unknown provider %q", provider)
	}

	if key == "" {
		key = os.Getenv(env)
	}
	if key == "" || strings.HasPrefix(key, "${") {
		return "", fmt.Errorf("%s: %w", provider, ErrNoAPIKey)
	}
	return key, nil
}

// Override returns the backend override for agentName. Keys are matched
// case-insensitively since config keys are lowercased on load.
func (c *Config) Override(agentName string) (AgentOverride, bool) {
	for name, o := range c.Agents.Overrides {
		if strings.EqualFold(name, agentName) {
			return o, true
		}
	}
	return AgentOverride{}, false
}

// MaskAPIKey returns a masked version of a secret for display.
func MaskAPIKey(key string) string {
	if key == "" {
		return "(not set)"
	}
	if len(key) <= 15 {
		return "***"
	}
	return key[:7] + "..." + key[len(key)-4:]
}

// Flatten returns every setting as a dot-notation key with secrets masked.
func (c *Config) Flatten() map[string]string {
	data, err := yaml.Marshal(c)
	if err != nil {
		return map[string]string{}
	}
	var tree map[string]any
	if err := yaml.Unmarshal(data, &tree); err != nil {
		return map[string]string{}
	}

	out := make(map[string]string)
	flatten("", tree, out)
	for k, v := range out {
		if secretKeys[k] {
			out[k] = MaskAPIKey(v)
		}
	}
	return out
}

func flatten(prefix string, node map[string]any, out map[string]string) {
	for k, v := range node {
		key := k
		if prefix != "" {
			key = prefix + "." + k
		}
		switch val := v.(type) {
		case map[string]any:
			flatten(key, val, out)
		case []any:
			parts := make([]string, len(val))
			for i, item := range val {
				parts[i] = fmt.Sprint(item)
			}
			out[key] = strings.Join(parts, ",")
		case nil:
			out[key] = ""
		default:
			out[key] = fmt.Sprint(val)
		}
	}
}

// SortedKeys returns the keys of a flattened config in order.
func SortedKeys(flat map[string]string) []string {
	keys := make([]string, 0, len(flat))
	for k := range flat {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
