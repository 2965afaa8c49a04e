package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"

	"github.com/ryosukesatoh/tweet-digest/internal/failure"
)

// Duration wraps time.Duration for YAML unmarshaling from strings like "4h".
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses strings such as "4h" or "30s".
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", s, err)
	}
	d.Duration = parsed
	return nil
}

type Config struct {
	Monitor    MonitorConfig    `yaml:"monitor"`
	Summarizer SummarizerConfig `yaml:"summarizer"`
	Feishu     FeishuConfig     `yaml:"feishu"`
	Storage    StorageConfig    `yaml:"storage"`
	Publisher  PublisherConfig  `yaml:"publisher"`
}

type MonitorConfig struct {
	Fetcher    string           `yaml:"fetcher"`
	Accounts   []string         `yaml:"accounts"`
	Interval   Duration         `yaml:"interval"`
	Schedule   string           `yaml:"schedule"`
	Retries    int              `yaml:"retries"`
	TwitterAPI TwitterAPIConfig `yaml:"twitterapi"`
	Nitter     NitterConfig     `yaml:"nitter"`
}

type TwitterAPIConfig struct {
	BaseURL   string   `yaml:"base_url"`
	APIKey    string   `yaml:"api_key" env:"TWITTER_API_KEY"`
	MaxPages  int      `yaml:"max_pages"`
	PageDelay Duration `yaml:"page_delay"`
	Timeout   Duration `yaml:"timeout"`
}

type NitterConfig struct {
	BaseURL string   `yaml:"base_url" env:"NITTER_URL"`
	Timeout Duration `yaml:"timeout"`
}

type SummarizerConfig struct {
	BaseURL      string   `yaml:"base_url" env:"OPENAI_BASE_URL"`
	APIKey       string   `yaml:"api_key" env:"OPENAI_API_KEY"`
	Model        string   `yaml:"model"`
	MaxTokens    int      `yaml:"max_tokens"`
	Temperature  *float64 `yaml:"temperature"`
	MaxPosts     int      `yaml:"max_posts"`
	Source       string   `yaml:"source"`
	OutputDir    string   `yaml:"output_dir"`
	Timeout      Duration `yaml:"timeout"`
	SystemPrompt string   `yaml:"system_prompt"`
	UserPrompt   string   `yaml:"user_prompt"`
}

type FeishuConfig struct {
	BaseURL          string `yaml:"base_url"`
	AppID            string `yaml:"app_id" env:"FEISHU_APP_ID"`
	AppSecret        string `yaml:"app_secret" env:"FEISHU_APP_SECRET"`
	ReceiveIDType    string `yaml:"receive_id_type"`
	ChatID           string `yaml:"chat_id" env:"FEISHU_CHAT_ID"`
	MaxMessageLength int    `yaml:"max_message_length"`
	Retries          int    `yaml:"retries"`
}

type StorageConfig struct {
	Driver   string `yaml:"driver"`
	Dir      string `yaml:"dir"`
	Path     string `yaml:"path"`
	Timezone string `yaml:"timezone"`
}

type PublisherConfig struct {
	Types   []string      `yaml:"types"`
	Email   EmailConfig   `yaml:"email"`
	Web     WebConfig     `yaml:"web"`
	Discord DiscordConfig `yaml:"discord"`
}

type DiscordConfig struct {
	WebhookURL string `yaml:"webhook_url" env:"DISCORD_WEBHOOK_URL"`
	Username   string `yaml:"username"`
}

type EmailConfig struct {
	SMTPHost string   `yaml:"smtp_host"`
	SMTPPort int      `yaml:"smtp_port"`
	Username string   `yaml:"username"`
	Password string   `yaml:"password" env:"SMTP_PASSWORD"`
	From     string   `yaml:"from"`
	To       []string `yaml:"to"`
}

type WebConfig struct {
	Addr string `yaml:"addr"`
}

const (
	DefaultFetcher          = "twitterapi"
	DefaultInterval         = 4 * time.Hour
	DefaultTwitterAPIURL    = "https://api.twitterapi.io"
	DefaultMaxPages         = 5
	DefaultPageDelay        = 500 * time.Millisecond
	DefaultHTTPTimeout      = 30 * time.Second
	DefaultNitterURL        = "https://nitter.net"
	DefaultOpenAIURL        = "https://api.openai.com/v1/"
	DefaultModel            = "gpt-4o-mini"
	DefaultMaxTokens        = 4096
	DefaultTemperature      = 0.7
	DefaultMaxPosts         = 100
	DefaultSource           = "latest"
	DefaultOutputDir        = "summaries"
	DefaultSummarizeTimeout = 120 * time.Second
	DefaultFeishuURL        = "https://open.feishu.cn/open-apis/"
	DefaultReceiveIDType    = "chat_id"
	DefaultMaxMessageLength = 15000
	DefaultStorageDriver    = "json"
	DefaultStorageDir       = "data"
	DefaultTimezone         = "UTC"
	DefaultWebAddr          = ":8080"
	DefaultSMTPPort         = 587
)

var envVarRegex = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars replaces ${VAR_NAME} patterns with environment variable values.
func expandEnvVars(s string) string {
	return envVarRegex.ReplaceAllStringFunc(s, func(match string) string {
		varName := strings.TrimSuffix(strings.TrimPrefix(match, "${"), "}")
		if val, ok := os.LookupEnv(varName); ok {
			return val
		}
		return match
	})
}

func setDefaults(cfg *Config) {
	if cfg.Monitor.Fetcher == "" {
		cfg.Monitor.Fetcher = DefaultFetcher
	}
	if cfg.Monitor.Interval.Duration == 0 {
		cfg.Monitor.Interval.Duration = DefaultInterval
	}
	if cfg.Monitor.TwitterAPI.BaseURL == "" {
		cfg.Monitor.TwitterAPI.BaseURL = DefaultTwitterAPIURL
	}
	if cfg.Monitor.TwitterAPI.MaxPages == 0 {
		cfg.Monitor.TwitterAPI.MaxPages = DefaultMaxPages
	}
	if cfg.Monitor.TwitterAPI.PageDelay.Duration == 0 {
		cfg.Monitor.TwitterAPI.PageDelay.Duration = DefaultPageDelay
	}
	if cfg.Monitor.TwitterAPI.Timeout.Duration == 0 {
		cfg.Monitor.TwitterAPI.Timeout.Duration = DefaultHTTPTimeout
	}
	if cfg.Monitor.Nitter.BaseURL == "" {
		cfg.Monitor.Nitter.BaseURL = DefaultNitterURL
	}
	if cfg.Monitor.Nitter.Timeout.Duration == 0 {
		cfg.Monitor.Nitter.Timeout.Duration = DefaultHTTPTimeout
	}
	if cfg.Summarizer.BaseURL == "" {
		cfg.Summarizer.BaseURL = DefaultOpenAIURL
	}
	if cfg.Summarizer.Model == "" {
		cfg.Summarizer.Model = DefaultModel
	}
	if cfg.Summarizer.MaxTokens == 0 {
		cfg.Summarizer.MaxTokens = DefaultMaxTokens
	}
	if cfg.Summarizer.Temperature == nil {
		t := DefaultTemperature
		cfg.Summarizer.Temperature = &t
	}
	if cfg.Summarizer.MaxPosts == 0 {
		cfg.Summarizer.MaxPosts = DefaultMaxPosts
	}
	if cfg.Summarizer.Source == "" {
		cfg.Summarizer.Source = DefaultSource
	}
	if cfg.Summarizer.OutputDir == "" {
		cfg.Summarizer.OutputDir = DefaultOutputDir
	}
	if cfg.Summarizer.Timeout.Duration == 0 {
		cfg.Summarizer.Timeout.Duration = DefaultSummarizeTimeout
	}
	if cfg.Feishu.BaseURL == "" {
		cfg.Feishu.BaseURL = DefaultFeishuURL
	}
	if cfg.Feishu.ReceiveIDType == "" {
		cfg.Feishu.ReceiveIDType = DefaultReceiveIDType
	}
	if cfg.Feishu.MaxMessageLength == 0 {
		cfg.Feishu.MaxMessageLength = DefaultMaxMessageLength
	}
	if cfg.Storage.Driver == "" {
		cfg.Storage.Driver = DefaultStorageDriver
	}
	if cfg.Storage.Dir == "" {
		cfg.Storage.Dir = DefaultStorageDir
	}
	if cfg.Storage.Path == "" {
		cfg.Storage.Path = filepath.Join(cfg.Storage.Dir, "tweets.sqlite")
	}
	if cfg.Storage.Timezone == "" {
		cfg.Storage.Timezone = DefaultTimezone
	}
	if len(cfg.Publisher.Types) == 0 {
		cfg.Publisher.Types = []string{"feishu"}
	}
	if cfg.Publisher.Web.Addr == "" {
		cfg.Publisher.Web.Addr = DefaultWebAddr
	}
	if cfg.Publisher.Email.SMTPPort == 0 {
		cfg.Publisher.Email.SMTPPort = DefaultSMTPPort
	}
}

func configError(format string, args ...any) error {
	return failure.Newf(failure.ErrConfig, "config", format, args...)
}

// validate checks the parts of the configuration every command relies on.
// Stage credentials are checked by the ValidateX methods.
func validate(cfg *Config) error {
	switch cfg.Monitor.Fetcher {
	case "twitterapi", "nitter":
	default:
		return configError("unsupported monitor.fetcher %q (supported: twitterapi, nitter)", cfg.Monitor.Fetcher)
	}
	if cfg.Monitor.Interval.Duration < time.Second {
		return configError("monitor.interval must be at least 1s, got %s", cfg.Monitor.Interval.Duration)
	}
	if cfg.Monitor.Schedule != "" {
		if _, err := cron.ParseStandard(cfg.Monitor.Schedule); err != nil {
			return configError("invalid monitor.schedule %q: %v", cfg.Monitor.Schedule, err)
		}
	}
	if cfg.Monitor.Retries < 0 || cfg.Feishu.Retries < 0 {
		return configError("retries must not be negative")
	}
	switch cfg.Summarizer.Source {
	case "latest", "daily", "all":
	default:
		return configError("unsupported summarizer.source %q (supported: latest, daily, all)", cfg.Summarizer.Source)
	}
	switch cfg.Storage.Driver {
	case "json", "sqlite":
	default:
		return configError("unsupported storage.driver %q (supported: json, sqlite)", cfg.Storage.Driver)
	}
	if _, err := time.LoadLocation(cfg.Storage.Timezone); err != nil {
		return configError("invalid storage.timezone %q: %v", cfg.Storage.Timezone, err)
	}
	for _, t := range cfg.Publisher.Types {
		switch t {
		case "feishu", "stdout", "web", "discord", "email":
		default:
			return configError("unsupported publisher type %q (supported: feishu, stdout, web, discord, email)", t)
		}
	}
	return nil
}

// ValidateMonitor checks the account list and the fetcher credentials.
func (c *Config) ValidateMonitor() error {
	if len(c.Monitor.Accounts) == 0 {
		return configError("monitor.accounts is empty")
	}
	for i, a := range c.Monitor.Accounts {
		if NormalizeAccount(a) == "" {
			return configError("monitor.accounts[%d] is blank", i)
		}
	}
	if c.Monitor.Fetcher == "twitterapi" && c.Monitor.TwitterAPI.APIKey == "" {
		return configError("monitor.twitterapi.api_key is required (set TWITTER_API_KEY env var)")
	}
	return nil
}

// ValidateSummarizer checks the completion API settings.
func (c *Config) ValidateSummarizer() error {
	if c.Summarizer.APIKey == "" {
		return configError("summarizer.api_key is required (set OPENAI_API_KEY env var)")
	}
	if c.Summarizer.MaxPosts < 0 || c.Summarizer.MaxTokens < 0 {
		return configError("summarizer.max_posts and summarizer.max_tokens must be positive")
	}
	return nil
}

// ValidateFeishu checks the Feishu app credentials and target chat.
func (c *Config) ValidateFeishu() error {
	if c.Feishu.AppID == "" || c.Feishu.AppSecret == "" {
		return configError("feishu.app_id and feishu.app_secret are required (set FEISHU_APP_ID / FEISHU_APP_SECRET)")
	}
	if c.Feishu.ChatID == "" {
		return configError("feishu.chat_id is required (set FEISHU_CHAT_ID env var)")
	}
	return nil
}

// ValidatePublishers checks the settings of every configured publisher.
func (c *Config) ValidatePublishers() error {
	for _, t := range c.Publisher.Types {
		switch t {
		case "feishu":
			if err := c.ValidateFeishu(); err != nil {
				return err
			}
		case "discord":
			if c.Publisher.Discord.WebhookURL == "" {
				return configError("publisher.discord.webhook_url is required for discord publisher")
			}
		case "email":
			if c.Publisher.Email.SMTPHost == "" {
				return configError("publisher.email.smtp_host is required for email publisher")
			}
			if len(c.Publisher.Email.To) == 0 {
				return configError("publisher.email.to is required for email publisher")
			}
			if c.Publisher.Email.From == "" {
				return configError("publisher.email.from is required for email publisher")
			}
		}
	}
	return nil
}

// Location returns the time zone daily buckets are cut in.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Storage.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// NormalizeAccount trims whitespace and a leading "@" from a handle.
func NormalizeAccount(account string) string {
	return strings.TrimPrefix(strings.TrimSpace(account), "@")
}

// Load reads the config file, expands environment variables, overlays
// credentials from the environment, applies defaults, and validates the
// configuration. A .env file next to the working directory is loaded first
// when present.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, configError("failed to load .env: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, configError("failed to read %s: %v", path, err)
	}

	expanded := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, configError("failed to parse %s: %v", path, err)
	}

	if err := env.Parse(&cfg); err != nil {
		return nil, configError("failed to read environment: %v", err)
	}

	setDefaults(&cfg)

	for i, a := range cfg.Monitor.Accounts {
		cfg.Monitor.Accounts[i] = NormalizeAccount(a)
	}

	if err := validate(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}
