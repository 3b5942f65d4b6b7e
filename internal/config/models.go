package config

import (
	"fmt"
	"time"

	"github.com/mikey/mailwatch/internal/core"
)

// LLMConfig represents the configuration for the LLM provider
type LLMConfig struct {
	Provider string
}

// BedrockConfig represents the configuration for Amazon Bedrock
type BedrockConfig struct {
	Region      string
	ModelID     string
	MaxTokens   int
	Temperature float32
	TopP        float32
}

// GeminiConfig represents the configuration for Google Gemini
type GeminiConfig struct {
	APIKey      string
	ModelName   string
	MaxTokens   int
	Temperature float32
	TopP        float32
}

// OpenAIConfig represents the configuration for OpenAI
type OpenAIConfig struct {
	APIKey      string
	ModelName   string
	MaxTokens   int
	Temperature float32
	TopP        float32
}

// WatcherConfig controls per-target reconnect behavior.
type WatcherConfig struct {
	BackoffInitial time.Duration
	BackoffMax     time.Duration
	// MaxRetries caps consecutive reconnect attempts per target.
	// Zero means retry forever.
	MaxRetries int
}

// TriageMode selects how arrived messages are processed.
type TriageMode string

const (
	TriageDisabled TriageMode = "disabled"
	TriageNotify   TriageMode = "notify"
	TriageAI       TriageMode = "triage"
)

// TriageConfig controls batching and the AI classification path.
type TriageConfig struct {
	Mode           TriageMode
	BatchWindow    time.Duration
	MaxAICalls     int
	AICallReset    time.Duration
	AutoLabel      bool
	AutoFlag       bool
	CacheSenders   bool
	TrustedDomains []string
}

// DesktopConfig controls the desktop notification channel.
type DesktopConfig struct {
	Enabled      bool
	Threshold    core.Priority
	MaxPerMinute int
}

// WebhookConfig controls the webhook notification channel.
type WebhookConfig struct {
	URL     string
	Timeout time.Duration
	Events  []core.Priority
}

// SMTPForwardConfig controls the optional alert-forwarding email channel.
type SMTPForwardConfig struct {
	Enabled   bool
	Addr      string
	From      string
	To        string
	Threshold core.Priority
}

// NotifyConfig aggregates all notification channel settings.
type NotifyConfig struct {
	Desktop      DesktopConfig
	SoundEnabled bool
	Webhook      WebhookConfig
	SMTP         SMTPForwardConfig
}

// CacheConfig represents the sender-cache configuration.
type CacheConfig struct {
	Type             string
	Enabled          bool
	TTL              time.Duration
	CleanupFrequency time.Duration
	SQLitePath       string
	MySQLDSN         string
}

// accountEntry mirrors one element of the accounts list in the config file.
type accountEntry struct {
	Name     string   `mapstructure:"name"`
	Host     string   `mapstructure:"host"`
	Port     int      `mapstructure:"port"`
	TLS      bool     `mapstructure:"tls"`
	Username string   `mapstructure:"username"`
	Password string   `mapstructure:"password"`
	Token    string   `mapstructure:"token"`
	Auth     string   `mapstructure:"auth"`
	Folders  []string `mapstructure:"folders"`
}

// GetLLM returns the LLM configuration
func (c *Config) GetLLM() LLMConfig {
	return LLMConfig{
		Provider: c.GetString("llm.provider"),
	}
}

// GetBedrock returns the Bedrock configuration
func (c *Config) GetBedrock() BedrockConfig {
	return BedrockConfig{
		Region:      c.GetString("bedrock.region"),
		ModelID:     c.GetString("bedrock.model_id"),
		MaxTokens:   c.GetInt("bedrock.max_tokens"),
		Temperature: float32(c.GetFloat64("bedrock.temperature")),
		TopP:        float32(c.GetFloat64("bedrock.top_p")),
	}
}

// GetGemini returns the Gemini configuration
func (c *Config) GetGemini() GeminiConfig {
	return GeminiConfig{
		APIKey:      c.GetString("gemini.api_key"),
		ModelName:   c.GetString("gemini.model_name"),
		MaxTokens:   c.GetInt("gemini.max_tokens"),
		Temperature: float32(c.GetFloat64("gemini.temperature")),
		TopP:        float32(c.GetFloat64("gemini.top_p")),
	}
}

// GetOpenAI returns the OpenAI configuration
func (c *Config) GetOpenAI() OpenAIConfig {
	return OpenAIConfig{
		APIKey:      c.GetString("openai.api_key"),
		ModelName:   c.GetString("openai.model_name"),
		MaxTokens:   c.GetInt("openai.max_tokens"),
		Temperature: float32(c.GetFloat64("openai.temperature")),
		TopP:        float32(c.GetFloat64("openai.top_p")),
	}
}

// GetWatcher returns the watcher configuration
func (c *Config) GetWatcher() WatcherConfig {
	initial, err := c.GetDuration("watcher.backoff_initial")
	if err != nil {
		initial = 5 * time.Second
	}
	max, err := c.GetDuration("watcher.backoff_max")
	if err != nil {
		max = 5 * time.Minute
	}
	return WatcherConfig{
		BackoffInitial: initial,
		BackoffMax:     max,
		MaxRetries:     c.GetInt("watcher.max_retries"),
	}
}

// GetTriage returns the triage engine configuration
func (c *Config) GetTriage() TriageConfig {
	window, err := c.GetDuration("triage.batch_window")
	if err != nil {
		window = 5 * time.Second
	}
	reset, err := c.GetDuration("triage.ai_call_reset")
	if err != nil {
		reset = time.Minute
	}
	return TriageConfig{
		Mode:           TriageMode(c.GetString("triage.mode")),
		BatchWindow:    window,
		MaxAICalls:     c.GetInt("triage.max_ai_calls"),
		AICallReset:    reset,
		AutoLabel:      c.GetBool("triage.auto_label"),
		AutoFlag:       c.GetBool("triage.auto_flag"),
		CacheSenders:   c.GetBool("triage.cache_senders"),
		TrustedDomains: c.GetStringSlice("triage.trusted_domains"),
	}
}

// GetNotify returns the notification configuration
func (c *Config) GetNotify() NotifyConfig {
	webhookTimeout, err := c.GetDuration("notify.webhook.timeout")
	if err != nil {
		webhookTimeout = 10 * time.Second
	}

	var events []core.Priority
	for _, s := range c.GetStringSlice("notify.webhook.events") {
		if p, ok := core.ParsePriority(s); ok {
			events = append(events, p)
		}
	}

	desktopThreshold, ok := core.ParsePriority(c.GetString("notify.desktop.threshold"))
	if !ok {
		desktopThreshold = core.PriorityHigh
	}
	smtpThreshold, ok := core.ParsePriority(c.GetString("notify.smtp.threshold"))
	if !ok {
		smtpThreshold = core.PriorityUrgent
	}

	return NotifyConfig{
		Desktop: DesktopConfig{
			Enabled:      c.GetBool("notify.desktop.enabled"),
			Threshold:    desktopThreshold,
			MaxPerMinute: c.GetInt("notify.desktop.max_per_minute"),
		},
		SoundEnabled: c.GetBool("notify.sound.enabled"),
		Webhook: WebhookConfig{
			URL:     c.GetString("notify.webhook.url"),
			Timeout: webhookTimeout,
			Events:  events,
		},
		SMTP: SMTPForwardConfig{
			Enabled:   c.GetBool("notify.smtp.enabled"),
			Addr:      c.GetString("notify.smtp.addr"),
			From:      c.GetString("notify.smtp.from"),
			To:        c.GetString("notify.smtp.to"),
			Threshold: smtpThreshold,
		},
	}
}

// GetCache returns the cache configuration
func (c *Config) GetCache() CacheConfig {
	ttl, err := c.GetDuration("cache.ttl")
	if err != nil {
		ttl = 24 * time.Hour
	}
	cleanup, err := c.GetDuration("cache.cleanup_frequency")
	if err != nil {
		cleanup = time.Hour
	}
	return CacheConfig{
		Type:             c.GetString("cache.type"),
		Enabled:          c.GetBool("cache.enabled"),
		TTL:              ttl,
		CleanupFrequency: cleanup,
		SQLitePath:       c.GetString("cache.sqlite_path"),
		MySQLDSN:         c.GetString("cache.mysql_dsn"),
	}
}

// GetAccounts returns the configured mailbox accounts. Accounts missing a
// name or host are rejected; folders default to INBOX.
func (c *Config) GetAccounts() ([]core.Account, error) {
	var entries []accountEntry
	if err := c.v.UnmarshalKey("accounts", &entries); err != nil {
		return nil, fmt.Errorf("failed to parse accounts: %w", err)
	}

	accounts := make([]core.Account, 0, len(entries))
	for i, e := range entries {
		if e.Name == "" || e.Host == "" {
			return nil, fmt.Errorf("account %d: name and host are required", i)
		}
		auth := core.AuthMethod(e.Auth)
		if auth == "" {
			auth = core.AuthPassword
		}
		if auth != core.AuthPassword && auth != core.AuthBearer {
			return nil, fmt.Errorf("account %s: unknown auth method %q", e.Name, e.Auth)
		}
		port := e.Port
		if port == 0 {
			port = 993
		}
		folders := e.Folders
		if len(folders) == 0 {
			folders = []string{"INBOX"}
		}
		accounts = append(accounts, core.Account{
			Name:     e.Name,
			Host:     e.Host,
			Port:     port,
			TLS:      e.TLS,
			Username: e.Username,
			Password: e.Password,
			Token:    e.Token,
			Auth:     auth,
			Folders:  folders,
		})
	}
	return accounts, nil
}
