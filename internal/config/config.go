package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// SupportedCurrencies are the fiat currencies positions can be bought in and displayed in.
var SupportedCurrencies = []string{"USD", "EUR", "CZK"}

type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	Redis     RedisConfig     `yaml:"redis"`
	Binance   BinanceConfig   `yaml:"binance"`
	FX        FXConfig        `yaml:"fx"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Telegram  TelegramConfig  `yaml:"telegram"`
	Portfolio PortfolioConfig `yaml:"portfolio"`
	Logging   LoggingConfig   `yaml:"logging"`
}

type ServerConfig struct {
	Port int `yaml:"port"`
}

type DatabaseConfig struct {
	Driver string `yaml:"driver"` // sqlite or postgres
	DSN    string `yaml:"dsn"`
}

type RedisConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type BinanceConfig struct {
	BaseURL         string `yaml:"base_url"`
	TimeoutSeconds  int    `yaml:"timeout_seconds"`
	Concurrency     int    `yaml:"concurrency"`
	CacheTTLSeconds int    `yaml:"cache_ttl_seconds"`
}

type FXConfig struct {
	BaseURL              string `yaml:"base_url"`
	TimeoutSeconds       int    `yaml:"timeout_seconds"`
	CacheDurationSeconds int    `yaml:"cache_duration_seconds"`
	RefreshInterval      string `yaml:"refresh_interval"`
}

type SchedulerConfig struct {
	PriceInterval string `yaml:"price_interval"`
}

type TelegramConfig struct {
	Enabled  bool   `yaml:"enabled"`
	BotToken string `yaml:"bot_token"`
	ChatID   int64  `yaml:"chat_id"`
	APIURL   string `yaml:"api_url"`
}

type PortfolioConfig struct {
	DefaultCurrency string `yaml:"default_currency"`
	DefaultUserID   uint   `yaml:"default_user_id"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
}

// Load reads the YAML file at path, applies .env / environment overrides and defaults,
// then validates the result. A missing file is not an error when path is empty.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	applyEnv(cfg)
	setDefaults(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return cfg, nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("COINFOLIO_DATABASE_DRIVER"); v != "" {
		cfg.Database.Driver = v
	}
	if v := os.Getenv("COINFOLIO_DATABASE_DSN"); v != "" {
		cfg.Database.DSN = v
	}
	if v := os.Getenv("COINFOLIO_REDIS_ADDR"); v != "" {
		cfg.Redis.Addr = v
		cfg.Redis.Enabled = true
	}
	if v := os.Getenv("COINFOLIO_REDIS_PASSWORD"); v != "" {
		cfg.Redis.Password = v
	}
	if v := os.Getenv("COINFOLIO_TELEGRAM_BOT_TOKEN"); v != "" {
		cfg.Telegram.BotToken = v
		cfg.Telegram.Enabled = true
	}
	if v := os.Getenv("COINFOLIO_TELEGRAM_CHAT_ID"); v != "" {
		if id, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.Telegram.ChatID = id
		}
	}
	if v := os.Getenv("COINFOLIO_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("COINFOLIO_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
}

func setDefaults(cfg *Config) {
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Database.Driver == "" {
		cfg.Database.Driver = "sqlite"
	}
	if cfg.Database.DSN == "" && cfg.Database.Driver == "sqlite" {
		cfg.Database.DSN = "data/coinfolio.db"
	}
	if cfg.Redis.Addr == "" {
		cfg.Redis.Addr = "localhost:6379"
	}
	if cfg.Binance.BaseURL == "" {
		cfg.Binance.BaseURL = "https://api.binance.com/api/v3"
	}
	if cfg.Binance.TimeoutSeconds == 0 {
		cfg.Binance.TimeoutSeconds = 10
	}
	if cfg.Binance.Concurrency == 0 {
		cfg.Binance.Concurrency = 10
	}
	if cfg.Binance.CacheTTLSeconds == 0 {
		cfg.Binance.CacheTTLSeconds = 10
	}
	if cfg.FX.BaseURL == "" {
		cfg.FX.BaseURL = "https://api.exchangerate-api.com/v4/latest"
	}
	if cfg.FX.TimeoutSeconds == 0 {
		cfg.FX.TimeoutSeconds = 10
	}
	if cfg.FX.CacheDurationSeconds == 0 {
		cfg.FX.CacheDurationSeconds = 1800
	}
	if cfg.FX.RefreshInterval == "" {
		cfg.FX.RefreshInterval = "30m"
	}
	if cfg.Scheduler.PriceInterval == "" {
		cfg.Scheduler.PriceInterval = "30s"
	}
	if cfg.Telegram.APIURL == "" {
		cfg.Telegram.APIURL = "https://api.telegram.org/bot%s/%s"
	}
	if cfg.Portfolio.DefaultCurrency == "" {
		cfg.Portfolio.DefaultCurrency = "USD"
	}
	cfg.Portfolio.DefaultCurrency = strings.ToUpper(cfg.Portfolio.DefaultCurrency)
	if cfg.Portfolio.DefaultUserID == 0 {
		cfg.Portfolio.DefaultUserID = 1
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
}

func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("unsupported database.driver %q", c.Database.Driver)
	}
	if c.Database.DSN == "" {
		return fmt.Errorf("database.dsn is required")
	}
	if err := positiveDuration("scheduler.price_interval", c.Scheduler.PriceInterval); err != nil {
		return err
	}
	if err := positiveDuration("fx.refresh_interval", c.FX.RefreshInterval); err != nil {
		return err
	}
	for _, f := range []struct {
		name  string
		value int
	}{
		{"binance.timeout_seconds", c.Binance.TimeoutSeconds},
		{"binance.concurrency", c.Binance.Concurrency},
		{"binance.cache_ttl_seconds", c.Binance.CacheTTLSeconds},
		{"fx.timeout_seconds", c.FX.TimeoutSeconds},
		{"fx.cache_duration_seconds", c.FX.CacheDurationSeconds},
	} {
		if f.value <= 0 {
			return fmt.Errorf("%s must be positive, got %d", f.name, f.value)
		}
	}
	if !IsSupportedCurrency(c.Portfolio.DefaultCurrency) {
		return fmt.Errorf("unsupported portfolio.default_currency %q", c.Portfolio.DefaultCurrency)
	}
	if c.Telegram.Enabled {
		if c.Telegram.BotToken == "" {
			return fmt.Errorf("telegram.bot_token is required when telegram is enabled")
		}
		if c.Telegram.ChatID == 0 {
			return fmt.Errorf("telegram.chat_id is required when telegram is enabled")
		}
	}
	return nil
}

func positiveDuration(name, raw string) error {
	d, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid %s %q: %w", name, raw, err)
	}
	if d <= 0 {
		return fmt.Errorf("%s must be positive, got %s", name, raw)
	}
	return nil
}

// IsSupportedCurrency reports whether code is one of SupportedCurrencies.
func IsSupportedCurrency(code string) bool {
	for _, c := range SupportedCurrencies {
		if c == code {
			return true
		}
	}
	return false
}

func (c *Config) PriceInterval() time.Duration {
	d, _ := time.ParseDuration(c.Scheduler.PriceInterval)
	return d
}

func (c *Config) FXRefreshInterval() time.Duration {
	d, _ := time.ParseDuration(c.FX.RefreshInterval)
	return d
}

func (c *Config) FXCacheDuration() time.Duration {
	return time.Duration(c.FX.CacheDurationSeconds) * time.Second
}

func (c *Config) FXTimeout() time.Duration {
	return time.Duration(c.FX.TimeoutSeconds) * time.Second
}

func (c *Config) BinanceTimeout() time.Duration {
	return time.Duration(c.Binance.TimeoutSeconds) * time.Second
}

func (c *Config) PriceCacheTTL() time.Duration {
	return time.Duration(c.Binance.CacheTTLSeconds) * time.Second
}
