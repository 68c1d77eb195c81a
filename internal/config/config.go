package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Redis    RedisConfig    `yaml:"redis"`
	JWT      JWTConfig      `yaml:"jwt"`
	Log      LogConfig      `yaml:"log"`
	Market   MarketConfig   `yaml:"market"`
	AI       AIConfig       `yaml:"ai"`
	Agent    AgentConfig    `yaml:"agent"`
	Demo     DemoConfig     `yaml:"demo"`
	Telegram TelegramConfig `yaml:"telegram"`
}

type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
	Mode string `yaml:"mode"`
}

type DatabaseConfig struct {
	Driver   string `yaml:"driver"` // postgres | sqlite
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	DBName   string `yaml:"dbname"`
	SSLMode  string `yaml:"sslmode"`
	Path     string `yaml:"path"` // sqlite file, ":memory:" allowed
}

type RedisConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type JWTConfig struct {
	Secret      string `yaml:"secret"`
	ExpireHours int    `yaml:"expire_hours"`
}

type LogConfig struct {
	Level      string `yaml:"level"`
	Dir        string `yaml:"dir"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
}

type MarketConfig struct {
	RESTBaseURL   string  `yaml:"rest_base_url"`
	WSBaseURL     string  `yaml:"ws_base_url"`
	KlineLimit    int     `yaml:"kline_limit"`
	PriceTTLSec   int     `yaml:"price_ttl_sec"`
	RequestsPerS  float64 `yaml:"requests_per_sec"`
	HTTPTimeoutS  int     `yaml:"http_timeout_sec"`
	QuoteAsset    string  `yaml:"quote_asset"`
	StreamBacklog int     `yaml:"stream_backlog"`
}

type AIProviderConfig struct {
	APIKey  string `yaml:"api_key"`
	BaseURL string `yaml:"base_url"`
}

type AIConfig struct {
	GLM            AIProviderConfig `yaml:"glm"`
	OpenAI         AIProviderConfig `yaml:"openai"`
	DefaultModel   string           `yaml:"default_model"`
	TimeoutSec     int              `yaml:"timeout_sec"`
	Temperature    float32          `yaml:"temperature"`
	MaxTokens      int              `yaml:"max_tokens"`
	RequestsPerMin int              `yaml:"requests_per_min"`
}

type AgentConfig struct {
	DefaultIntervalSec int `yaml:"default_interval_sec"`
	MinIntervalSec     int `yaml:"min_interval_sec"`
	MaxIntervalSec     int `yaml:"max_interval_sec"`
	LogRetention       int `yaml:"log_retention"`
	StatusLogLimit     int `yaml:"status_log_limit"`
	CandleLimit        int `yaml:"candle_limit"`
	EquityIntervalSec  int `yaml:"equity_interval_sec"`
}

type DemoConfig struct {
	InitialBalance        float64 `yaml:"initial_balance"`
	SpotCommissionRate    float64 `yaml:"spot_commission_rate"`
	FuturesCommissionRate float64 `yaml:"futures_commission_rate"`
	DefaultOrderAmount    float64 `yaml:"default_order_amount"`
	MaxFuturesMargin      float64 `yaml:"max_futures_margin"`
}

type TelegramConfig struct {
	Enabled  bool   `yaml:"enabled"`
	BotToken string `yaml:"bot_token"`
	ChatID   int64  `yaml:"chat_id"`
}

// Default returns a configuration usable for local runs
func Default() *Config {
	return &Config{
		Server:   ServerConfig{Host: "0.0.0.0", Port: 8080, Mode: "debug"},
		Database: DatabaseConfig{Driver: "sqlite", Path: "agent.db", Port: 5432, SSLMode: "disable"},
		Redis:    RedisConfig{Host: "localhost", Port: 6379},
		JWT:      JWTConfig{Secret: "change-me", ExpireHours: 72},
		Log:      LogConfig{Level: "info", Dir: "logs", MaxSizeMB: 10, MaxBackups: 30, MaxAgeDays: 30},
		Market: MarketConfig{
			RESTBaseURL:   "https://api.binance.com",
			WSBaseURL:     "wss://stream.binance.com:9443/ws",
			KlineLimit:    100,
			PriceTTLSec:   5,
			RequestsPerS:  10,
			HTTPTimeoutS:  10,
			QuoteAsset:    "USDT",
			StreamBacklog: 64,
		},
		AI: AIConfig{
			GLM:            AIProviderConfig{BaseURL: "https://open.bigmodel.cn/api/paas/v4"},
			OpenAI:         AIProviderConfig{BaseURL: "https://api.openai.com/v1"},
			DefaultModel:   "GLM-4.6V-Flash",
			TimeoutSec:     90,
			Temperature:    0.6,
			MaxTokens:      4096,
			RequestsPerMin: 60,
		},
		Agent: AgentConfig{
			DefaultIntervalSec: 60,
			MinIntervalSec:     5,
			MaxIntervalSec:     3600,
			LogRetention:       500,
			StatusLogLimit:     100,
			CandleLimit:        100,
			EquityIntervalSec:  300,
		},
		Demo: DemoConfig{
			InitialBalance:        10000,
			SpotCommissionRate:    0.001,
			FuturesCommissionRate: 0.0004,
			DefaultOrderAmount:    100,
			MaxFuturesMargin:      10000,
		},
	}
}

// Load loads configuration from file, .env and environment variables.
// A missing file falls back to defaults.
func Load(path string) (*Config, error) {
	cfg := Default()

	_ = godotenv.Load()

	data, err := os.ReadFile(path)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	if err == nil {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	}

	cfg.loadFromEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks values that would make the service misbehave
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "postgres", "sqlite":
	default:
		return fmt.Errorf("unsupported database driver %q", c.Database.Driver)
	}
	if c.JWT.Secret == "" {
		return errors.New("jwt secret is required")
	}
	if c.Demo.InitialBalance <= 0 {
		return errors.New("demo initial balance must be positive")
	}
	if c.Demo.SpotCommissionRate < 0 || c.Demo.FuturesCommissionRate < 0 {
		return errors.New("commission rates must not be negative")
	}
	if c.Agent.MinIntervalSec <= 0 || c.Agent.MaxIntervalSec < c.Agent.MinIntervalSec {
		return errors.New("agent interval bounds are invalid")
	}
	if c.Agent.LogRetention < c.Agent.StatusLogLimit {
		return errors.New("agent log retention must cover the status log limit")
	}
	if c.Telegram.Enabled && (c.Telegram.BotToken == "" || c.Telegram.ChatID == 0) {
		return errors.New("telegram enabled without bot token or chat id")
	}
	return nil
}

func (c *Config) loadFromEnv() {
	// Server
	if v := os.Getenv("SERVER_HOST"); v != "" {
		c.Server.Host = v
	}
	if v := os.Getenv("SERVER_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			c.Server.Port = port
		}
	}
	if v := os.Getenv("SERVER_MODE"); v != "" {
		c.Server.Mode = v
	}

	// Database
	if v := os.Getenv("DB_DRIVER"); v != "" {
		c.Database.Driver = strings.ToLower(v)
	}
	if v := os.Getenv("DB_HOST"); v != "" {
		c.Database.Host = v
	}
	if v := os.Getenv("DB_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			c.Database.Port = port
		}
	}
	if v := os.Getenv("DB_USER"); v != "" {
		c.Database.User = v
	}
	if v := os.Getenv("DB_PASSWORD"); v != "" {
		c.Database.Password = v
	}
	if v := os.Getenv("DB_NAME"); v != "" {
		c.Database.DBName = v
	}
	if v := os.Getenv("DB_PATH"); v != "" {
		c.Database.Path = v
	}

	// Redis
	if v := os.Getenv("REDIS_ENABLED"); v != "" {
		c.Redis.Enabled, _ = strconv.ParseBool(v)
	}
	if v := os.Getenv("REDIS_HOST"); v != "" {
		c.Redis.Host = v
	}
	if v := os.Getenv("REDIS_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			c.Redis.Port = port
		}
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		c.Redis.Password = v
	}

	// JWT
	if v := os.Getenv("JWT_SECRET"); v != "" {
		c.JWT.Secret = v
	}
	if v := os.Getenv("JWT_EXPIRE_HOURS"); v != "" {
		if hours, err := strconv.Atoi(v); err == nil {
			c.JWT.ExpireHours = hours
		}
	}

	// Log
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.Log.Level = v
	}
	if v := os.Getenv("LOG_DIR"); v != "" {
		c.Log.Dir = v
	}

	// AI providers
	if v := os.Getenv("GLM_API_KEY"); v != "" {
		c.AI.GLM.APIKey = v
	}
	if v := os.Getenv("GLM_BASE_URL"); v != "" {
		c.AI.GLM.BaseURL = v
	}
	if v := os.Getenv("OPENAI_API_KEY"); v != "" {
		c.AI.OpenAI.APIKey = v
	}
	if v := os.Getenv("OPENAI_BASE_URL"); v != "" {
		c.AI.OpenAI.BaseURL = v
	}
	if v := os.Getenv("AI_DEFAULT_MODEL"); v != "" {
		c.AI.DefaultModel = v
	}

	// Market
	if v := os.Getenv("BINANCE_REST_URL"); v != "" {
		c.Market.RESTBaseURL = v
	}
	if v := os.Getenv("BINANCE_WS_URL"); v != "" {
		c.Market.WSBaseURL = v
	}

	// Demo
	if v := os.Getenv("DEMO_INITIAL_BALANCE"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			c.Demo.InitialBalance = f
		}
	}

	// Telegram
	if v := os.Getenv("TELEGRAM_BOT_TOKEN"); v != "" {
		c.Telegram.BotToken = v
		c.Telegram.Enabled = true
	}
	if v := os.Getenv("TELEGRAM_CHAT_ID"); v != "" {
		if id, err := strconv.ParseInt(v, 10, 64); err == nil {
			c.Telegram.ChatID = id
		}
	}
}

// DSN returns the PostgreSQL connection string
func (c *DatabaseConfig) DSN() string {
	return "host=" + c.Host +
		" port=" + strconv.Itoa(c.Port) +
		" user=" + c.User +
		" password=" + c.Password +
		" dbname=" + c.DBName +
		" sslmode=" + c.SSLMode
}

func (c *AIConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSec) * time.Second
}

func (c *MarketConfig) PriceTTL() time.Duration {
	return time.Duration(c.PriceTTLSec) * time.Second
}

func (c *MarketConfig) HTTPTimeout() time.Duration {
	return time.Duration(c.HTTPTimeoutS) * time.Second
}
