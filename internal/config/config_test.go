package config

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func baseEnv(t *testing.T) {
	t.Helper()
	t.Setenv("APP_ENV", "development")
	t.Setenv("DATABASE_URL", "file:issuer.db")
	t.Setenv("DATABASE_DRIVER", "sqlite3")
	t.Setenv("ISSUER_BASE_URL", "https://sandbox.example.com/v3")
	t.Setenv("ISSUER_CARD_PRODUCT_TOKEN", "prod-1")
}

func TestFromEnv_MissingRequired(t *testing.T) {
	t.Setenv("APP_ENV", "")
	t.Setenv("DATABASE_URL", "")
	t.Setenv("ISSUER_BASE_URL", "")
	t.Setenv("ISSUER_CARD_PRODUCT_TOKEN", "")

	_, err := FromEnv()
	require.Error(t, err)
	for _, key := range []string{"APP_ENV", "DATABASE_URL", "ISSUER_BASE_URL", "ISSUER_CARD_PRODUCT_TOKEN"} {
		assert.Contains(t, err.Error(), key)
	}
}

func TestFromEnv_Defaults(t *testing.T) {
	baseEnv(t)

	cfg, err := FromEnv()
	require.NoError(t, err)
	assert.Equal(t, "sqlite3", cfg.Database.Driver)
	assert.Equal(t, 100, cfg.Sync.PageSize)
	assert.Equal(t, 72*time.Hour, cfg.Sync.TransactionLookback)
	assert.True(t, cfg.Sync.LowBalanceThreshold.Equal(decimal.NewFromInt(10)))
	assert.Equal(t, "@every 15m", cfg.Sync.CronTransactions)
	assert.Equal(t, ":8080", cfg.Webhook.Addr)
	assert.False(t, cfg.Production())
}

func TestFromEnv_Overrides(t *testing.T) {
	baseEnv(t)
	t.Setenv("SYNC_PAGE_SIZE", "25")
	t.Setenv("SYNC_CALL_DELAY", "250ms")
	t.Setenv("LOW_BALANCE_THRESHOLD", "12.50")
	t.Setenv("SYNC_CRON_PERSONS", "0 3 * * *")
	t.Setenv("WEBHOOK_IP_ALLOWLIST", "10.0.0.0/8, 192.0.2.1 ,")
	t.Setenv("WEBHOOK_RATE_CAPACITY", "50")
	t.Setenv("WEBHOOK_RATE_PER_SECOND", "2.5")

	cfg, err := FromEnv()
	require.NoError(t, err)
	assert.Equal(t, 25, cfg.Sync.PageSize)
	assert.Equal(t, 250*time.Millisecond, cfg.Sync.CallDelay)
	assert.Equal(t, "12.5", cfg.Sync.LowBalanceThreshold.String())
	assert.Equal(t, "0 3 * * *", cfg.Sync.CronPersons)
	assert.Equal(t, []string{"10.0.0.0/8", "192.0.2.1"}, cfg.Webhook.IPAllowlist)
	assert.Equal(t, 50, cfg.Webhook.RateCapacity)
	assert.InDelta(t, 2.5, cfg.Webhook.RatePerSecond, 1e-9)
}

func TestFromEnv_InvalidValues(t *testing.T) {
	baseEnv(t)
	t.Setenv("SYNC_PAGE_DELAY", "soon")
	t.Setenv("LOW_BALANCE_THRESHOLD", "ten")

	_, err := FromEnv()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "SYNC_PAGE_DELAY")
	assert.Contains(t, err.Error(), "LOW_BALANCE_THRESHOLD")
}

func TestValidate_Production(t *testing.T) {
	baseEnv(t)
	t.Setenv("APP_ENV", "production")
	t.Setenv("DATABASE_DRIVER", "pgx")

	_, err := FromEnv()
	require.Error(t, err)
	for _, key := range []string{"ISSUER_APP_TOKEN", "ISSUER_ACCESS_TOKEN", "WEBHOOK_USERNAME", "WEBHOOK_PASSWORD_HASH", "REDIS_ADDR"} {
		assert.Contains(t, err.Error(), key)
	}

	t.Setenv("ISSUER_APP_TOKEN", "app")
	t.Setenv("ISSUER_ACCESS_TOKEN", "secret")
	t.Setenv("WEBHOOK_USERNAME", "issuer")
	t.Setenv("WEBHOOK_PASSWORD_HASH", "plaintext")
	t.Setenv("REDIS_ADDR", "localhost:6379")
	_, err = FromEnv()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bcrypt")

	t.Setenv("WEBHOOK_PASSWORD_HASH", "$2a$10$abcdefghijklmnopqrstuuABCDEFGHIJKLMNOPQRSTUVWXYZ01234")
	cfg, err := FromEnv()
	require.NoError(t, err)
	assert.True(t, cfg.Production())
}

func TestValidate_Driver(t *testing.T) {
	baseEnv(t)
	t.Setenv("DATABASE_DRIVER", "mysql")
	_, err := FromEnv()
	assert.ErrorContains(t, err, "DATABASE_DRIVER")
}

func TestValidate_TLSPair(t *testing.T) {
	baseEnv(t)
	t.Setenv("WEBHOOK_TLS_CERT_FILE", "/etc/tls/tls.crt")
	_, err := FromEnv()
	assert.ErrorContains(t, err, "WEBHOOK_TLS_KEY_FILE")
}
