package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	"race-agents/internal/logging"
)

// Config materialises application configuration.
type Config struct {
	App        AppConfig        `mapstructure:"app"`
	Logging    logging.Config   `mapstructure:"logging"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Redis      RedisConfig      `mapstructure:"redis"`
	Metrics    MetricsConfig    `mapstructure:"metrics"`
	Source     SourceConfig     `mapstructure:"source"`
	Watcher    WatcherConfig    `mapstructure:"watcher"`
	Analysis   AnalysisConfig   `mapstructure:"analysis"`
	Results    ResultsConfig    `mapstructure:"results"`
	Dispatch   DispatchConfig   `mapstructure:"dispatch"`
	Research   ResearchConfig   `mapstructure:"research"`
	Predictors PredictorsConfig `mapstructure:"predictors"`
	Telegram   TelegramConfig   `mapstructure:"telegram"`
}

// AppConfig general metadata.
type AppConfig struct {
	Name          string        `mapstructure:"name"`
	Environment   string        `mapstructure:"environment"`
	ShutdownGrace time.Duration `mapstructure:"shutdown_grace"`
}

// DatabaseConfig encapsulates PostgreSQL connectivity.
type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

// RedisConfig covers the pub/sub bus connection.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// MetricsConfig controls the prometheus sidecar server.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Port    string `mapstructure:"port"`
}

// SourceConfig captures the race data source endpoint.
type SourceConfig struct {
	BaseURL        string        `mapstructure:"base_url"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	UserAgent      string        `mapstructure:"user_agent"`
}

// WatcherConfig governs the race polling loop and trigger window.
type WatcherConfig struct {
	PollInterval       time.Duration `mapstructure:"poll_interval"`
	StartupDelay       time.Duration `mapstructure:"startup_delay"`
	WindowStartMinutes float64       `mapstructure:"window_start_minutes"`
	WindowEndMinutes   float64       `mapstructure:"window_end_minutes"`
	TriggerTTL         time.Duration `mapstructure:"trigger_ttl"`
}

// AnalysisConfig tunes the predictor fan-out.
type AnalysisConfig struct {
	MinConfidence float64 `mapstructure:"min_confidence"`
}

// ResultsConfig governs result polling after each race.
type ResultsConfig struct {
	WaitAfterStart time.Duration `mapstructure:"wait_after_start"`
	MaxRetries     int           `mapstructure:"max_retries"`
	RetryInterval  time.Duration `mapstructure:"retry_interval"`
	RestoreHorizon time.Duration `mapstructure:"restore_horizon"`
}

// DispatchConfig paces outbound notifications under the Telegram ceiling.
type DispatchConfig struct {
	PerSecond   int           `mapstructure:"per_second"`
	MaxAttempts int           `mapstructure:"max_attempts"`
	BackoffBase time.Duration `mapstructure:"backoff_base"`
	BackoffCap  time.Duration `mapstructure:"backoff_cap"`
}

// ResearchConfig tunes the shared in-process research cache.
type ResearchConfig struct {
	TTL        time.Duration `mapstructure:"ttl"`
	MaxEntries int           `mapstructure:"max_entries"`
}

// PredictorsConfig describes the LLM predictor pool.
type PredictorsConfig struct {
	Endpoint       string        `mapstructure:"endpoint"`
	APIKey         string        `mapstructure:"api_key"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	Agents         []AgentConfig `mapstructure:"agents"`
}

// AgentConfig parameterises one predictor instance.
type AgentConfig struct {
	Name        string  `mapstructure:"name"`
	Model       string  `mapstructure:"model"`
	Temperature float64 `mapstructure:"temperature"`
	MaxTokens   int     `mapstructure:"max_tokens"`
}

// TelegramConfig 描述 Telegram 通知参数。
type TelegramConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	BotToken string `mapstructure:"bot_token"`
	ChatID   string `mapstructure:"chat_id"`
	APIBase  string `mapstructure:"api_base"`
}

// Load builds configuration from file, environment, and defaults.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("RACEWATCHER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	if err := readConfig(v); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, decodeHook()); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func readConfig(v *viper.Viper) error {
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "racewatcher")
	v.SetDefault("app.environment", "development")
	v.SetDefault("app.shutdown_grace", "30s")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", "30m")

	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.db", 0)

	v.SetDefault("metrics.enabled", false)
	v.SetDefault("metrics.port", "9095")

	v.SetDefault("source.base_url", "https://www.tabtouch.mobi/api")
	v.SetDefault("source.request_timeout", "15s")
	v.SetDefault("source.user_agent", "racewatcher/1.0")

	v.SetDefault("watcher.poll_interval", "60s")
	v.SetDefault("watcher.startup_delay", "0s")
	v.SetDefault("watcher.window_start_minutes", 5.0)
	v.SetDefault("watcher.window_end_minutes", 0.5)
	v.SetDefault("watcher.trigger_ttl", "24h")

	v.SetDefault("analysis.min_confidence", 0.5)

	v.SetDefault("results.wait_after_start", "15m")
	v.SetDefault("results.max_retries", 5)
	v.SetDefault("results.retry_interval", "180s")
	v.SetDefault("results.restore_horizon", "24h")

	// Telegram allows ~30 msg/s; pace well below it to leave burst margin.
	v.SetDefault("dispatch.per_second", 20)
	v.SetDefault("dispatch.max_attempts", 5)
	v.SetDefault("dispatch.backoff_base", "1s")
	v.SetDefault("dispatch.backoff_cap", "30s")

	v.SetDefault("research.ttl", "5m")
	v.SetDefault("research.max_entries", 1000)

	v.SetDefault("predictors.endpoint", "https://openrouter.ai/api/v1")
	v.SetDefault("predictors.request_timeout", "120s")
	v.SetDefault("predictors.agents", []map[string]any{
		{"name": "gemini", "model": "google/gemini-3-flash-preview", "temperature": 0.7, "max_tokens": 10000},
		{"name": "grok", "model": "x-ai/grok-4.1-fast", "temperature": 0.7, "max_tokens": 12000},
	})

	v.SetDefault("telegram.enabled", false)
	v.SetDefault("telegram.api_base", "https://api.telegram.org")
}

func decodeHook() viper.DecoderConfigOption {
	return func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		)
	}
}

// Validate performs basic sanity checks on the configuration values.
func (c *Config) Validate() error {
	if c.Watcher.PollInterval <= 0 {
		return fmt.Errorf("watcher.poll_interval must be greater than zero")
	}
	if c.Watcher.WindowStartMinutes <= c.Watcher.WindowEndMinutes {
		return fmt.Errorf("watcher.window_start_minutes must exceed watcher.window_end_minutes")
	}
	if c.Watcher.TriggerTTL <= 0 {
		return fmt.Errorf("watcher.trigger_ttl must be greater than zero")
	}
	if c.Analysis.MinConfidence < 0 || c.Analysis.MinConfidence > 1 {
		return fmt.Errorf("analysis.min_confidence must be within [0,1]")
	}
	if c.Results.MaxRetries <= 0 {
		return fmt.Errorf("results.max_retries must be greater than zero")
	}
	if c.Results.RetryInterval <= 0 {
		return fmt.Errorf("results.retry_interval must be greater than zero")
	}
	if c.Dispatch.PerSecond <= 0 {
		return fmt.Errorf("dispatch.per_second must be greater than zero")
	}
	if c.Dispatch.PerSecond > 30 {
		return fmt.Errorf("dispatch.per_second must stay at or below the 30/s ceiling")
	}
	if c.Research.TTL <= 0 {
		return fmt.Errorf("research.ttl must be greater than zero")
	}
	if c.Telegram.Enabled {
		if c.Telegram.BotToken == "" {
			return fmt.Errorf("telegram.bot_token 必须配置")
		}
		if c.Telegram.ChatID == "" {
			return fmt.Errorf("telegram.chat_id 必须配置")
		}
	}
	return nil
}
