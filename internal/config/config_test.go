package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, "logging:\n  level: debug\n")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "sqlite", cfg.Database.Driver)
	assert.Equal(t, "data/coinfolio.db", cfg.Database.DSN)
	assert.Equal(t, 30*time.Second, cfg.PriceInterval())
	assert.Equal(t, 30*time.Minute, cfg.FXRefreshInterval())
	assert.Equal(t, 1800*time.Second, cfg.FXCacheDuration())
	assert.Equal(t, 10*time.Second, cfg.BinanceTimeout())
	assert.Equal(t, "USD", cfg.Portfolio.DefaultCurrency)
	assert.Equal(t, "debug", cfg.Logging.Level)
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("COINFOLIO_TELEGRAM_BOT_TOKEN", "123:abc")
	t.Setenv("COINFOLIO_TELEGRAM_CHAT_ID", "42")
	t.Setenv("COINFOLIO_PORT", "9090")

	cfg, err := Load(writeConfig(t, "portfolio:\n  default_currency: eur\n"))
	require.NoError(t, err)

	assert.True(t, cfg.Telegram.Enabled)
	assert.Equal(t, "123:abc", cfg.Telegram.BotToken)
	assert.Equal(t, int64(42), cfg.Telegram.ChatID)
	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, "EUR", cfg.Portfolio.DefaultCurrency)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"bad driver", "database:\n  driver: mysql\n  dsn: x\n"},
		{"bad interval", "scheduler:\n  price_interval: soon\n"},
		{"zero price interval", "scheduler:\n  price_interval: 0s\n"},
		{"negative price interval", "scheduler:\n  price_interval: -30s\n"},
		{"zero fx interval", "fx:\n  refresh_interval: 0m\n"},
		{"negative fx interval", "fx:\n  refresh_interval: -1h\n"},
		{"negative fx cache duration", "fx:\n  cache_duration_seconds: -1\n"},
		{"negative fx timeout", "fx:\n  timeout_seconds: -5\n"},
		{"negative price cache ttl", "binance:\n  cache_ttl_seconds: -10\n"},
		{"negative binance timeout", "binance:\n  timeout_seconds: -1\n"},
		{"negative concurrency", "binance:\n  concurrency: -2\n"},
		{"bad currency", "portfolio:\n  default_currency: GBP\n"},
		{"telegram without chat", "telegram:\n  enabled: true\n  bot_token: t\n"},
		{"postgres without dsn", "database:\n  driver: postgres\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.body))
			assert.Error(t, err)
		})
	}
}

func TestIsSupportedCurrency(t *testing.T) {
	assert.True(t, IsSupportedCurrency("CZK"))
	assert.False(t, IsSupportedCurrency("usd"))
	assert.False(t, IsSupportedCurrency("GBP"))
}
