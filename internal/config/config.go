// Package config handles configuration loading and management for scribe.
// It supports XDG config paths, project-level overrides, and environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for scribe.
type Config struct {
	Server      ServerConfig      `mapstructure:"server" yaml:"server"`
	Database    DatabaseConfig    `mapstructure:"database" yaml:"database"`
	Dispatcher  DispatcherConfig  `mapstructure:"dispatcher" yaml:"dispatcher"`
	Agents      AgentsConfig      `mapstructure:"agents" yaml:"agents"`
	Anthropic   AnthropicConfig   `mapstructure:"anthropic" yaml:"anthropic"`
	OpenAI      OpenAIConfig      `mapstructure:"openai" yaml:"openai"`
	Bedrock     BedrockConfig     `mapstructure:"bedrock" yaml:"bedrock"`
	Coordinator CoordinatorConfig `mapstructure:"coordinator" yaml:"coordinator"`
	Telegram    TelegramConfig    `mapstructure:"telegram" yaml:"telegram"`
	Prompts     PromptsConfig     `mapstructure:"prompts" yaml:"prompts"`
	Readwise    ReadwiseConfig    `mapstructure:"readwise" yaml:"readwise"`
	Logging     LoggingConfig     `mapstructure:"logging" yaml:"logging"`
}

// ServerConfig holds HTTP channel settings.
type ServerConfig struct {
	Addr string `mapstructure:"addr" yaml:"addr"`
	// AuthToken, when set, is required as a bearer token on API routes.
	AuthToken      string        `mapstructure:"auth_token" yaml:"auth_token"`
	AllowedOrigins []string      `mapstructure:"allowed_origins" yaml:"allowed_origins"`
	RequestTimeout time.Duration `mapstructure:"request_timeout" yaml:"request_timeout"`
}

// DatabaseConfig holds the SQLite location.
type DatabaseConfig struct {
	Path string `mapstructure:"path" yaml:"path"`
}

// DispatcherConfig holds task dispatcher settings.
type DispatcherConfig struct {
	Workers         int           `mapstructure:"workers" yaml:"workers"`
	QueueDepth      int           `mapstructure:"queue_depth" yaml:"queue_depth"`
	MaxAttempts     int           `mapstructure:"max_attempts" yaml:"max_attempts"`
	BaseDelay       time.Duration `mapstructure:"base_delay" yaml:"base_delay"`
	MaxDelay        time.Duration `mapstructure:"max_delay" yaml:"max_delay"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout"`
}

// AgentsConfig selects the language model backend agents run on.
type AgentsConfig struct {
	// Provider is anthropic, bedrock or openai.
	Provider  string        `mapstructure:"provider" yaml:"provider"`
	Model     string        `mapstructure:"model" yaml:"model"`
	MaxTokens int64         `mapstructure:"max_tokens" yaml:"max_tokens"`
	Timeout   time.Duration `mapstructure:"timeout" yaml:"timeout"`
	// RateLimit caps backend calls per second. Zero disables limiting.
	RateLimit float64 `mapstructure:"rate_limit" yaml:"rate_limit"`
	RateBurst int     `mapstructure:"rate_burst" yaml:"rate_burst"`
	// Overrides routes individual agents, keyed by agent name, to another backend.
	Overrides map[string]AgentOverride `mapstructure:"overrides" yaml:"overrides,omitempty"`
}

// AgentOverride selects a backend for a single agent.
type AgentOverride struct {
	Provider string `mapstructure:"provider" yaml:"provider"`
	Model    string `mapstructure:"model" yaml:"model"`
}

// AnthropicConfig holds Anthropic API settings.
type AnthropicConfig struct {
	APIKey  string `mapstructure:"api_key" yaml:"api_key"`
	BaseURL string `mapstructure:"base_url" yaml:"base_url"`
}

// OpenAIConfig holds OpenAI API settings.
type OpenAIConfig struct {
	APIKey  string `mapstructure:"api_key" yaml:"api_key"`
	BaseURL string `mapstructure:"base_url" yaml:"base_url"`
}

// BedrockConfig holds AWS Bedrock settings for the anthropic backend.
type BedrockConfig struct {
	Region  string `mapstructure:"region" yaml:"region"`
	Profile string `mapstructure:"profile" yaml:"profile"`
}

// CoordinatorConfig holds pipeline behavior settings.
type CoordinatorConfig struct {
	// FeedbackFormat is last_used or default.
	FeedbackFormat  string `mapstructure:"feedback_format" yaml:"feedback_format"`
	DefaultFormat   string `mapstructure:"default_format" yaml:"default_format"`
	DefaultCategory string `mapstructure:"default_category" yaml:"default_category"`
	ConflictRetries int    `mapstructure:"conflict_retries" yaml:"conflict_retries"`
	HistoryLimit    int    `mapstructure:"history_limit" yaml:"history_limit"`
	AutoSummarize   bool   `mapstructure:"auto_summarize" yaml:"auto_summarize"`
}

// TelegramConfig holds chat-bot settings. The bot is off without a token.
type TelegramConfig struct {
	BotToken      string `mapstructure:"bot_token" yaml:"bot_token"`
	WebhookSecret string `mapstructure:"webhook_secret" yaml:"webhook_secret"`
	// WebhookURL, when set, is registered with Telegram at serve start.
	WebhookURL  string        `mapstructure:"webhook_url" yaml:"webhook_url"`
	APIURL      string        `mapstructure:"api_url" yaml:"api_url"`
	DedupSize   int           `mapstructure:"dedup_size" yaml:"dedup_size"`
	DedupTTL    time.Duration `mapstructure:"dedup_ttl" yaml:"dedup_ttl"`
	StepTimeout time.Duration `mapstructure:"step_timeout" yaml:"step_timeout"`
}

// PromptsConfig holds prompt seeding settings.
type PromptsConfig struct {
	Dir   string `mapstructure:"dir" yaml:"dir"`
	Watch bool   `mapstructure:"watch" yaml:"watch"`
}

// ReadwiseConfig holds Readwise Reader API settings.
type ReadwiseConfig struct {
	Token   string        `mapstructure:"token" yaml:"token"`
	BaseURL string        `mapstructure:"base_url" yaml:"base_url"`
	Timeout time.Duration `mapstructure:"timeout" yaml:"timeout"`
}

// LoggingConfig holds logger settings.
type LoggingConfig struct {
	Level  string `mapstructure:"level" yaml:"level"`
	Format string `mapstructure:"format" yaml:"format"`
	File   string `mapstructure:"file" yaml:"file"`
}

// envBindings maps config keys to the conventional environment variables.
var envBindings = map[string]string{
	"anthropic.api_key":  "ANTHROPIC_API_KEY",
	"openai.api_key":     "OPENAI_API_KEY",
	"telegram.bot_token": "TELEGRAM_BOT_TOKEN",
	"readwise.token":     "READWISE_TOKEN",
	"bedrock.region":     "AWS_REGION",
	"bedrock.profile":    "AWS_PROFILE",
}

// Load loads configuration from XDG paths, project overrides, and environment variables.
// Precedence (highest to lowest):
// 1. Environment variables (ANTHROPIC_API_KEY, SCRIBE_SERVER_ADDR, ...)
// 2. Project config (.scribe.yaml in current directory or parent)
// 3. User config (~/.config/scribe/config.yaml)
// 4. Built-in defaults
func Load() (*Config, error) {
	v := newViper()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(getUserConfigDir())

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading user config: %w", err)
		}
	}

	if projectConfig := findProjectConfig(); projectConfig != "" {
		projectViper := viper.New()
		projectViper.SetConfigFile(projectConfig)
		if err := projectViper.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading project config %s: %w", projectConfig, err)
		}
		if err := v.MergeConfigMap(projectViper.AllSettings()); err != nil {
			return nil, fmt.Errorf("merging project config: %w", err)
		}
	}

	return unmarshal(v)
}

// LoadFromPath loads configuration from a specific path (for testing).
// Environment variables still take precedence.
func LoadFromPath(path string) (*Config, error) {
	v := newViper()

	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("reading config from %s: %w", path, err)
	}

	return unmarshal(v)
}

func newViper() *viper.Viper {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("SCRIBE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for key, env := range envBindings {
		_ = v.BindEnv(key, "SCRIBE_"+strings.ToUpper(strings.ReplaceAll(key, ".", "_")), env)
	}
	return v
}

func unmarshal(v *viper.Viper) (*Config, error) {
	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	// Expand ${VAR} references in secrets.
	cfg.Anthropic.APIKey = expandEnv(cfg.Anthropic.APIKey)
	cfg.OpenAI.APIKey = expandEnv(cfg.OpenAI.APIKey)
	cfg.Telegram.BotToken = expandEnv(cfg.Telegram.BotToken)
	cfg.Telegram.WebhookSecret = expandEnv(cfg.Telegram.WebhookSecret)
	cfg.Readwise.Token = expandEnv(cfg.Readwise.Token)
	cfg.Server.AuthToken = expandEnv(cfg.Server.AuthToken)
	cfg.Database.Path = expandPath(cfg.Database.Path)
	cfg.Prompts.Dir = expandPath(cfg.Prompts.Dir)
	cfg.Logging.File = expandPath(cfg.Logging.File)

	return cfg, nil
}

// SetUserValue writes one key into the user config file, keeping the rest.
func SetUserValue(key, value string) error {
	if !KnownKey(key) {
		return fmt.Errorf("unknown configuration key: %s", key)
	}

	userConfigDir := getUserConfigDir()
	if err := os.MkdirAll(userConfigDir, 0700); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	configPath := filepath.Join(userConfigDir, "config.yaml")

	v := viper.New()
	v.SetConfigFile(configPath)
	if _, err := os.Stat(configPath); err == nil {
		if err := v.ReadInConfig(); err != nil {
			return fmt.Errorf("reading user config: %w", err)
		}
	}
	v.Set(strings.ToLower(key), value)
	return v.WriteConfigAs(configPath)
}

// KnownKey reports whether key names a configuration setting.
func KnownKey(key string) bool {
	key = strings.ToLower(key)
	if strings.HasPrefix(key, "agents.overrides.") {
		return true
	}
	_, ok := Default().Flatten()[key]
	return ok
}

// GetUserConfigPath returns the path to the user config file.
func GetUserConfigPath() string {
	return filepath.Join(getUserConfigDir(), "config.yaml")
}

// GetProjectConfigPath returns the path to the project config file if it exists.
func GetProjectConfigPath() string {
	return findProjectConfig()
}

// setDefaults configures default values.
func setDefaults(v *viper.Viper) {
	d := Default()

	v.SetDefault("server.addr", d.Server.Addr)
	v.SetDefault("server.auth_token", "")
	v.SetDefault("server.allowed_origins", []string{})
	v.SetDefault("server.request_timeout", d.Server.RequestTimeout.String())

	v.SetDefault("database.path", d.Database.Path)

	v.SetDefault("dispatcher.workers", d.Dispatcher.Workers)
	v.SetDefault("dispatcher.queue_depth", d.Dispatcher.QueueDepth)
	v.SetDefault("dispatcher.max_attempts", d.Dispatcher.MaxAttempts)
	v.SetDefault("dispatcher.base_delay", d.Dispatcher.BaseDelay.String())
	v.SetDefault("dispatcher.max_delay", d.Dispatcher.MaxDelay.String())
	v.SetDefault("dispatcher.shutdown_timeout", d.Dispatcher.ShutdownTimeout.String())

	v.SetDefault("agents.provider", d.Agents.Provider)
	v.SetDefault("agents.model", "")
	v.SetDefault("agents.max_tokens", d.Agents.MaxTokens)
	v.SetDefault("agents.timeout", d.Agents.Timeout.String())
	v.SetDefault("agents.rate_limit", d.Agents.RateLimit)
	v.SetDefault("agents.rate_burst", d.Agents.RateBurst)

	v.SetDefault("anthropic.api_key", "")
	v.SetDefault("anthropic.base_url", "")
	v.SetDefault("openai.api_key", "")
	v.SetDefault("openai.base_url", "")
	v.SetDefault("bedrock.region", "")
	v.SetDefault("bedrock.profile", "")

	v.SetDefault("coordinator.feedback_format", d.Coordinator.FeedbackFormat)
	v.SetDefault("coordinator.default_format", d.Coordinator.DefaultFormat)
	v.SetDefault("coordinator.default_category", "")
	v.SetDefault("coordinator.conflict_retries", d.Coordinator.ConflictRetries)
	v.SetDefault("coordinator.history_limit", d.Coordinator.HistoryLimit)
	v.SetDefault("coordinator.auto_summarize", d.Coordinator.AutoSummarize)

	v.SetDefault("telegram.bot_token", "")
	v.SetDefault("telegram.webhook_secret", "")
	v.SetDefault("telegram.webhook_url", "")
	v.SetDefault("telegram.api_url", d.Telegram.APIURL)
	v.SetDefault("telegram.dedup_size", d.Telegram.DedupSize)
	v.SetDefault("telegram.dedup_ttl", d.Telegram.DedupTTL.String())
	v.SetDefault("telegram.step_timeout", d.Telegram.StepTimeout.String())

	v.SetDefault("prompts.dir", d.Prompts.Dir)
	v.SetDefault("prompts.watch", d.Prompts.Watch)

	v.SetDefault("readwise.token", "")
	v.SetDefault("readwise.base_url", d.Readwise.BaseURL)
	v.SetDefault("readwise.timeout", d.Readwise.Timeout.String())

	v.SetDefault("logging.level", d.Logging.Level)
	v.SetDefault("logging.format", d.Logging.Format)
	v.SetDefault("logging.file", "")
}

// getUserConfigDir returns the XDG config directory for scribe.
func getUserConfigDir() string {
	if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
		return filepath.Join(xdgConfig, "scribe")
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", ".config", "scribe")
	}
	return filepath.Join(home, ".config", "scribe")
}

// findProjectConfig searches for .scribe.yaml in the current directory and parents.
func findProjectConfig() string {
	cwd, err := os.Getwd()
	if err != nil {
		return ""
	}

	for {
		configPath := filepath.Join(cwd, ".scribe.yaml")
		if _, err := os.Stat(configPath); err == nil {
			return configPath
		}

		parent := filepath.Dir(cwd)
		if parent == cwd {
			break
		}
		cwd = parent
	}

	return ""
}

// expandEnv expands ${VAR} references in a string.
func expandEnv(s string) string {
	return os.ExpandEnv(s)
}

// expandPath expands environment references and a leading ~.
func expandPath(p string) string {
	p = os.ExpandEnv(p)
	if p == "~" || strings.HasPrefix(p, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			p = filepath.Join(home, strings.TrimPrefix(p, "~"))
		}
	}
	return p
}

func defaultDataDir() string {
	dataDir := os.Getenv("XDG_DATA_HOME")
	if dataDir == "" {
		home, _ := os.UserHomeDir()
		dataDir = filepath.Join(home, ".local", "share")
	}
	return filepath.Join(dataDir, "scribe")
}

// Default returns a Config with default values.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:           ":8080",
			AllowedOrigins: []string{},
			RequestTimeout: 3 * time.Minute,
		},
		Database: DatabaseConfig{
			Path: filepath.Join(defaultDataDir(), "scribe.db"),
		},
		Dispatcher: DispatcherConfig{
			Workers:         4,
			QueueDepth:      8,
			MaxAttempts:     3,
			BaseDelay:       500 * time.Millisecond,
			MaxDelay:        10 * time.Second,
			ShutdownTimeout: 30 * time.Second,
		},
		Agents: AgentsConfig{
			Provider:  ProviderAnthropic,
			MaxTokens: 4096,
			Timeout:   2 * time.Minute,
			RateLimit: 2,
			RateBurst: 4,
		},
		Coordinator: CoordinatorConfig{
			FeedbackFormat:  "last_used",
			DefaultFormat:   "framework",
			ConflictRetries: 5,
			HistoryLimit:    10,
		},
		Telegram: TelegramConfig{
			APIURL:      "https://api.telegram.org",
			DedupSize:   10000,
			DedupTTL:    24 * time.Hour,
			StepTimeout: 5 * time.Minute,
		},
		Prompts: PromptsConfig{
			Dir:   filepath.Join(getUserConfigDir(), "prompts"),
			Watch: true,
		},
		Readwise: ReadwiseConfig{
			BaseURL: "https://readwise.io/api/v3",
			Timeout: 30 * time.Second,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}
