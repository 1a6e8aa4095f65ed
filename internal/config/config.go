package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Model      ModelConfig      `mapstructure:"model"`
	OpenAI     OpenAIConfig     `mapstructure:"openai"`
	Doubao     DoubaoConfig     `mapstructure:"doubao"`
	Qwen       QwenConfig       `mapstructure:"qwen"`
	Assistant  AssistantConfig  `mapstructure:"assistant"`
	CORS       CORSConfig       `mapstructure:"cors"`
	Log        LogConfig        `mapstructure:"log"`
	RateLimit  RateLimitConfig  `mapstructure:"rate_limit"`
	QuotaStore QuotaStoreConfig `mapstructure:"quota_store"`
	Storage    StorageConfig    `mapstructure:"storage"`
	Admin      AdminConfig      `mapstructure:"admin"`
	Client     ClientConfig     `mapstructure:"client"`
}

type ServerConfig struct {
	Port           int           `mapstructure:"port"`
	ReadTimeout    time.Duration `mapstructure:"read_timeout"`
	WriteTimeout   time.Duration `mapstructure:"write_timeout"`
	MaxHeaderBytes int           `mapstructure:"max_header_bytes"`
}

type ModelConfig struct {
	// Provider is one of openai, doubao, qwen.
	Provider string `mapstructure:"provider"`
}

type OpenAIConfig struct {
	APIKey  string        `mapstructure:"api_key"`
	BaseURL string        `mapstructure:"base_url"`
	Model   string        `mapstructure:"model"`
	Timeout time.Duration `mapstructure:"timeout"`
}

type DoubaoConfig struct {
	APIKey string `mapstructure:"api_key"`
	Model  string `mapstructure:"model"`
}

type QwenConfig struct {
	APIKey      string        `mapstructure:"api_key"`
	BaseURL     string        `mapstructure:"base_url"`
	Model       string        `mapstructure:"model"`
	MaxTokens   int           `mapstructure:"max_tokens"`
	Temperature float32       `mapstructure:"temperature"`
	TopP        float32       `mapstructure:"top_p"`
	Timeout     time.Duration `mapstructure:"timeout"`
}

type AssistantConfig struct {
	TechnologyPrompt   string `mapstructure:"technology_prompt"`
	HealthcarePrompt   string `mapstructure:"healthcare_prompt"`
	MaxHistoryMessages int    `mapstructure:"max_history_messages"`
}

type CORSConfig struct {
	AllowedOrigins   []string `mapstructure:"allowed_origins"`
	AllowedMethods   []string `mapstructure:"allowed_methods"`
	AllowedHeaders   []string `mapstructure:"allowed_headers"`
	ExposedHeaders   []string `mapstructure:"exposed_headers"`
	AllowCredentials bool     `mapstructure:"allow_credentials"`
	MaxAge           int      `mapstructure:"max_age"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// RateLimitConfig holds the conversation ceilings. Counts are conversations
// started, except MaxMessagesPerConversation.
type RateLimitConfig struct {
	Enabled                    bool          `mapstructure:"enabled"`
	IPHourlyLimit              int64         `mapstructure:"ip_hourly_limit"`
	IPDailyLimit               int64         `mapstructure:"ip_daily_limit"`
	EmailHourlyLimit           int64         `mapstructure:"email_hourly_limit"`
	EmailDailyLimit            int64         `mapstructure:"email_daily_limit"`
	MaxEmailIPs                int           `mapstructure:"max_email_ips"`
	MaxMessagesPerConversation int           `mapstructure:"max_messages_per_conversation"`
	ExemptEmails               []string      `mapstructure:"exempt_emails"`
	CleanupInterval            time.Duration `mapstructure:"cleanup_interval"`
}

type QuotaStoreConfig struct {
	// Backend is one of memory, sqlite, postgres.
	Backend string `mapstructure:"backend"`
	DSN     string `mapstructure:"dsn"`
}

type StorageConfig struct {
	Type           string        `mapstructure:"type"`
	DataDir        string        `mapstructure:"data_dir"`
	CacheSize      int           `mapstructure:"cache_size"`
	BackupInterval time.Duration `mapstructure:"backup_interval"`
}

type AdminConfig struct {
	Token string `mapstructure:"token"`
}

// ClientConfig configures the session tracker used by genie-cli.
type ClientConfig struct {
	LimiterURL      string        `mapstructure:"limiter_url"`
	ChatURL         string        `mapstructure:"chat_url"`
	APIKey          string        `mapstructure:"api_key"`
	IPLookupURL     string        `mapstructure:"ip_lookup_url"`
	IPLookupTimeout time.Duration `mapstructure:"ip_lookup_timeout"`
	RequestTimeout  time.Duration `mapstructure:"request_timeout"`
	ReconcileCounts bool          `mapstructure:"reconcile_counts"`
}

var cfg *Config

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", 30*time.Second)
	v.SetDefault("server.write_timeout", 10*time.Minute)
	v.SetDefault("server.max_header_bytes", 1<<20)

	v.SetDefault("model.provider", "openai")
	v.SetDefault("openai.model", "gpt-4o-mini")
	v.SetDefault("openai.timeout", 60*time.Second)
	v.SetDefault("qwen.base_url", "https://dashscope.aliyuncs.com/compatible-mode/v1")
	v.SetDefault("qwen.max_tokens", 2048)
	v.SetDefault("qwen.temperature", 0.7)
	v.SetDefault("qwen.top_p", 0.9)
	v.SetDefault("qwen.timeout", 60*time.Second)

	v.SetDefault("assistant.max_history_messages", 20)

	v.SetDefault("cors.allowed_origins", []string{"*"})
	v.SetDefault("cors.allowed_methods", []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"})
	v.SetDefault("cors.allowed_headers", []string{"Origin", "Content-Type", "Authorization", "apikey", "X-Admin-Token"})
	v.SetDefault("cors.max_age", 3600)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")

	v.SetDefault("rate_limit.enabled", true)
	v.SetDefault("rate_limit.ip_hourly_limit", 2)
	v.SetDefault("rate_limit.ip_daily_limit", 5)
	v.SetDefault("rate_limit.email_hourly_limit", 3)
	v.SetDefault("rate_limit.email_daily_limit", 10)
	v.SetDefault("rate_limit.max_email_ips", 3)
	v.SetDefault("rate_limit.max_messages_per_conversation", 20)
	v.SetDefault("rate_limit.cleanup_interval", 10*time.Minute)

	v.SetDefault("quota_store.backend", "memory")

	v.SetDefault("storage.type", "memory")
	v.SetDefault("storage.data_dir", "./data")
	v.SetDefault("storage.cache_size", 500)
	v.SetDefault("storage.backup_interval", 0)

	v.SetDefault("client.limiter_url", "http://localhost:8080/functions/v1/conversation-rate-limiter")
	v.SetDefault("client.chat_url", "http://localhost:8080/api/chat/stream")
	v.SetDefault("client.ip_lookup_url", "https://api.ipify.org?format=json")
	v.SetDefault("client.ip_lookup_timeout", 5*time.Second)
	v.SetDefault("client.request_timeout", 30*time.Second)
	v.SetDefault("client.reconcile_counts", true)
}

// Load reads the YAML file at configPath. An empty path loads defaults and
// environment overrides only.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("GENIE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", configPath, err)
		}
	}

	loaded := &Config{}
	if err := v.Unmarshal(loaded); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	// The config file wins; provider-specific env vars only fill gaps.
	if loaded.OpenAI.APIKey == "" {
		loaded.OpenAI.APIKey = os.Getenv("OPENAI_API_KEY")
	}
	if loaded.Doubao.APIKey == "" {
		loaded.Doubao.APIKey = os.Getenv("ARK_API_KEY")
	}
	if loaded.Qwen.APIKey == "" {
		loaded.Qwen.APIKey = os.Getenv("DASHSCOPE_API_KEY")
	}

	if err := loaded.Validate(); err != nil {
		return nil, err
	}

	cfg = loaded
	return cfg, nil
}

func (c *Config) Validate() error {
	switch c.Model.Provider {
	case "openai", "doubao", "qwen":
	default:
		return fmt.Errorf("invalid model.provider %q", c.Model.Provider)
	}

	switch c.QuotaStore.Backend {
	case "memory", "":
	case "sqlite", "postgres":
		if c.QuotaStore.DSN == "" {
			return fmt.Errorf("quota_store.dsn is required for backend %s", c.QuotaStore.Backend)
		}
	default:
		return fmt.Errorf("invalid quota_store.backend %q", c.QuotaStore.Backend)
	}

	switch c.Storage.Type {
	case "memory", "disk":
	default:
		return fmt.Errorf("invalid storage.type %q", c.Storage.Type)
	}

	rl := c.RateLimit
	if rl.Enabled {
		if rl.IPHourlyLimit <= 0 || rl.IPDailyLimit <= 0 {
			return fmt.Errorf("rate_limit: ip limits must be positive")
		}
		if rl.EmailHourlyLimit <= 0 || rl.EmailDailyLimit <= 0 {
			return fmt.Errorf("rate_limit: email limits must be positive")
		}
		if rl.IPHourlyLimit > rl.IPDailyLimit {
			return fmt.Errorf("rate_limit: ip_hourly_limit exceeds ip_daily_limit")
		}
	}

	return nil
}

// IsExemptEmail reports whether email bypasses every ceiling.
func (r *RateLimitConfig) IsExemptEmail(email string) bool {
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" {
		return false
	}
	for _, e := range r.ExemptEmails {
		if strings.ToLower(strings.TrimSpace(e)) == email {
			return true
		}
	}
	return false
}

func Get() *Config {
	return cfg
}
