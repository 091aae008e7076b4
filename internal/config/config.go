package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
)

// Config holds the application configuration.
type Config struct {
	Environment string
	Database    Database
	RedisAddr   string
	Issuer      Issuer
	Sync        Sync
	Webhook     Webhook
	Logging     Logging
}

// Database selects the SQL driver and its DSN.
type Database struct {
	Driver string
	URL    string
}

// Issuer configures the remote platform client.
type Issuer struct {
	BaseURL          string
	AppToken         string
	AccessToken      string
	Timeout          time.Duration
	MaxRetries       int
	RetryWait        time.Duration
	RetryMaxWait     time.Duration
	CardProductToken string
}

// Sync configures the reconciliation jobs. An empty schedule disables a job.
type Sync struct {
	PageSize            int
	PageDelay           time.Duration
	CallDelay           time.Duration
	Parallelism         int
	TransactionLookback time.Duration
	LeaseTTL            time.Duration
	LowBalanceThreshold decimal.Decimal

	CronPersons      string
	CronCards        string
	CronTransactions string
	CronLowBalance   string
	CronResume       string
}

// Webhook configures the inbound webhook server.
type Webhook struct {
	Addr          string
	Username      string
	PasswordHash  string
	IPAllowlist   []string
	MaxBodyBytes  int64
	TLSCertFile   string
	TLSKeyFile    string
	TLSCAFile     string
	RateCapacity  int
	RatePerSecond float64
}

// Logging selects the log level and handler.
type Logging struct {
	Level  string
	Format string
}

// Load reads configuration from the environment. A .env file in the working
// directory, when present, fills variables that are not already set.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}
	return FromEnv()
}

// FromEnv builds the configuration from environment variables only.
func FromEnv() (*Config, error) {
	p := &parser{}
	cfg := &Config{
		Environment: os.Getenv("APP_ENV"),
		Database: Database{
			Driver: getEnv("DATABASE_DRIVER", "pgx"),
			URL:    os.Getenv("DATABASE_URL"),
		},
		RedisAddr: os.Getenv("REDIS_ADDR"),
		Issuer: Issuer{
			BaseURL:          os.Getenv("ISSUER_BASE_URL"),
			AppToken:         os.Getenv("ISSUER_APP_TOKEN"),
			AccessToken:      os.Getenv("ISSUER_ACCESS_TOKEN"),
			Timeout:          p.duration("ISSUER_TIMEOUT", 30*time.Second),
			MaxRetries:       p.int("ISSUER_MAX_RETRIES", 3),
			RetryWait:        p.duration("ISSUER_RETRY_WAIT", 500*time.Millisecond),
			RetryMaxWait:     p.duration("ISSUER_RETRY_MAX_WAIT", 10*time.Second),
			CardProductToken: os.Getenv("ISSUER_CARD_PRODUCT_TOKEN"),
		},
		Sync: Sync{
			PageSize:            p.int("SYNC_PAGE_SIZE", 100),
			PageDelay:           p.duration("SYNC_PAGE_DELAY", 200*time.Millisecond),
			CallDelay:           p.duration("SYNC_CALL_DELAY", 100*time.Millisecond),
			Parallelism:         p.int("SYNC_PARALLELISM", 4),
			TransactionLookback: p.duration("SYNC_TX_LOOKBACK", 72*time.Hour),
			LeaseTTL:            p.duration("SYNC_LEASE_TTL", 30*time.Minute),
			LowBalanceThreshold: p.decimal("LOW_BALANCE_THRESHOLD", decimal.NewFromInt(10)),
			CronPersons:         getEnv("SYNC_CRON_PERSONS", "@every 6h"),
			CronCards:           getEnv("SYNC_CRON_CARDS", "@every 1h"),
			CronTransactions:    getEnv("SYNC_CRON_TRANSACTIONS", "@every 15m"),
			CronLowBalance:      getEnv("SYNC_CRON_LOW_BALANCE", "@every 1h"),
			CronResume:          getEnv("SYNC_CRON_RESUME", "@every 10m"),
		},
		Webhook: Webhook{
			Addr:          getEnv("WEBHOOK_ADDR", ":8080"),
			Username:      os.Getenv("WEBHOOK_USERNAME"),
			PasswordHash:  os.Getenv("WEBHOOK_PASSWORD_HASH"),
			IPAllowlist:   splitList(os.Getenv("WEBHOOK_IP_ALLOWLIST")),
			MaxBodyBytes:  int64(p.int("WEBHOOK_MAX_BODY_BYTES", 1<<20)),
			TLSCertFile:   os.Getenv("WEBHOOK_TLS_CERT_FILE"),
			TLSKeyFile:    os.Getenv("WEBHOOK_TLS_KEY_FILE"),
			TLSCAFile:     os.Getenv("WEBHOOK_TLS_CA_FILE"),
			RateCapacity:  p.int("WEBHOOK_RATE_CAPACITY", 0),
			RatePerSecond: p.float("WEBHOOK_RATE_PER_SECOND", 0),
		},
		Logging: Logging{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "json"),
		},
	}
	if len(p.invalid) > 0 {
		return nil, errors.New("invalid environment variables: " + strings.Join(p.invalid, ", "))
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Production reports whether the environment requires the full credential set.
func (c *Config) Production() bool {
	return c.Environment == "production" || c.Environment == "staging"
}

// Validate checks that the configuration is valid.
func (c *Config) Validate() error {
	var missing []string

	if c.Environment == "" {
		missing = append(missing, "APP_ENV")
	}
	if c.Database.URL == "" {
		missing = append(missing, "DATABASE_URL")
	}
	if c.Issuer.BaseURL == "" {
		missing = append(missing, "ISSUER_BASE_URL")
	}
	if c.Issuer.CardProductToken == "" {
		missing = append(missing, "ISSUER_CARD_PRODUCT_TOKEN")
	}
	if c.Production() {
		if c.Issuer.AppToken == "" {
			missing = append(missing, "ISSUER_APP_TOKEN")
		}
		if c.Issuer.AccessToken == "" {
			missing = append(missing, "ISSUER_ACCESS_TOKEN")
		}
		if c.Webhook.Username == "" {
			missing = append(missing, "WEBHOOK_USERNAME")
		}
		if c.Webhook.PasswordHash == "" {
			missing = append(missing, "WEBHOOK_PASSWORD_HASH")
		}
		if c.RedisAddr == "" {
			missing = append(missing, "REDIS_ADDR")
		}
	}
	if len(missing) > 0 {
		return errors.New("missing required environment variables: " + strings.Join(missing, ", "))
	}

	switch c.Database.Driver {
	case "pgx", "sqlite3":
	default:
		return fmt.Errorf("DATABASE_DRIVER must be pgx or sqlite3, got %q", c.Database.Driver)
	}
	if c.Webhook.Username != "" && !strings.HasPrefix(c.Webhook.PasswordHash, "$2") {
		return errors.New("WEBHOOK_PASSWORD_HASH must be a bcrypt hash")
	}
	if (c.Webhook.TLSCertFile == "") != (c.Webhook.TLSKeyFile == "") {
		return errors.New("WEBHOOK_TLS_CERT_FILE and WEBHOOK_TLS_KEY_FILE must be set together")
	}
	if c.Sync.PageSize <= 0 || c.Sync.Parallelism <= 0 {
		return errors.New("SYNC_PAGE_SIZE and SYNC_PARALLELISM must be positive")
	}
	if c.Sync.LowBalanceThreshold.IsNegative() {
		return errors.New("LOW_BALANCE_THRESHOLD must not be negative")
	}
	return nil
}

func getEnv(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func splitList(v string) []string {
	var out []string
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// parser reads typed variables and remembers which ones failed to parse.
type parser struct {
	invalid []string
}

func (p *parser) int(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		p.invalid = append(p.invalid, key)
		return fallback
	}
	return n
}

func (p *parser) float(key string, fallback float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		p.invalid = append(p.invalid, key)
		return fallback
	}
	return f
}

func (p *parser) duration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		p.invalid = append(p.invalid, key)
		return fallback
	}
	return d
}

func (p *parser) decimal(key string, fallback decimal.Decimal) decimal.Decimal {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := decimal.NewFromString(v)
	if err != nil {
		p.invalid = append(p.invalid, key)
		return fallback
	}
	return d
}
