package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	_ "github.com/joho/godotenv/autoload"
)

const (
	GatewayMock    = "mock"
	GatewaySandbox = "sandbox"
	GatewayLive    = "live"
)

type Config struct {
	ServiceName string
	Env         string
	HTTPAddr    string
	CORSOrigins []string

	DatabaseURL string

	RedisAddr      string
	EntitlementTTL time.Duration

	KafkaBrokers []string

	Gateway        string
	PayPalClientID string
	PayPalSecret   string
	Currency       string
	GatewayTimeout time.Duration

	S3Region       string
	S3Bucket       string
	S3Endpoint     string
	S3AccessKey    string
	S3SecretKey    string
	DownloadURLTTL time.Duration

	OutboxInterval    time.Duration
	OutboxBatch       int
	ReconcileInterval time.Duration
	ReconcileAfter    time.Duration
}

// Load reads the configuration from the environment (and .env, via autoload).
func Load() (Config, error) {
	cfg := Config{
		ServiceName: getenv("SERVICE_NAME", "purchase-ledger"),
		Env:         getenv("ENV", "dev"),
		HTTPAddr:    getenv("HTTP_ADDR", ":8080"),
		CORSOrigins: splitCSV(getenv("CORS_ORIGINS", "http://localhost:3000")),

		DatabaseURL: databaseURL(),

		RedisAddr:    os.Getenv("REDIS_ADDR"),
		KafkaBrokers: splitCSV(os.Getenv("KAFKA_BROKERS")),

		Gateway:        strings.ToLower(getenv("PAYMENT_GATEWAY", GatewayMock)),
		PayPalClientID: os.Getenv("PAYPAL_CLIENT_ID"),
		PayPalSecret:   os.Getenv("PAYPAL_CLIENT_SECRET"),
		Currency:       strings.ToUpper(getenv("CURRENCY", "USD")),

		S3Region:    getenv("S3_REGION", "us-east-1"),
		S3Bucket:    os.Getenv("S3_PLUGIN_BUCKET"),
		S3Endpoint:  os.Getenv("S3_ENDPOINT"),
		S3AccessKey: os.Getenv("S3_ACCESS_KEY"),
		S3SecretKey: os.Getenv("S3_SECRET_KEY"),
	}

	var err error
	durations := []struct {
		dst *time.Duration
		key string
		def string
	}{
		{&cfg.EntitlementTTL, "ENTITLEMENT_CACHE_TTL", "24h"},
		{&cfg.GatewayTimeout, "GATEWAY_TIMEOUT", "30s"},
		{&cfg.DownloadURLTTL, "DOWNLOAD_URL_TTL", "1h"},
		{&cfg.OutboxInterval, "OUTBOX_INTERVAL", "2s"},
		{&cfg.ReconcileInterval, "RECONCILE_INTERVAL", "1m"},
		{&cfg.ReconcileAfter, "RECONCILE_AFTER", "15m"},
	}
	for _, d := range durations {
		if *d.dst, err = time.ParseDuration(getenv(d.key, d.def)); err != nil {
			return Config{}, fmt.Errorf("config: %s: %w", d.key, err)
		}
	}
	if cfg.OutboxBatch, err = strconv.Atoi(getenv("OUTBOX_BATCH", "100")); err != nil {
		return Config{}, fmt.Errorf("config: OUTBOX_BATCH: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	switch c.Gateway {
	case GatewayMock:
	case GatewaySandbox, GatewayLive:
		if c.PayPalClientID == "" || c.PayPalSecret == "" {
			return errors.New("config: PAYPAL_CLIENT_ID and PAYPAL_CLIENT_SECRET are required for the paypal gateway")
		}
	default:
		return fmt.Errorf("config: unknown PAYMENT_GATEWAY %q", c.Gateway)
	}
	if c.DatabaseURL == "" {
		return errors.New("config: DATABASE_URL or BLUEPRINT_DB_* is required")
	}
	if c.GatewayTimeout <= 0 {
		return errors.New("config: GATEWAY_TIMEOUT must be positive")
	}
	if c.OutboxBatch <= 0 {
		return errors.New("config: OUTBOX_BATCH must be positive")
	}
	if !isCurrencyCode(c.Currency) {
		return fmt.Errorf("config: CURRENCY %q is not a three-letter ISO 4217 code", c.Currency)
	}
	return nil
}

func isCurrencyCode(s string) bool {
	if len(s) != 3 {
		return false
	}
	for _, r := range s {
		if r < 'A' || r > 'Z' {
			return false
		}
	}
	return true
}

// databaseURL prefers DATABASE_URL and falls back to the BLUEPRINT_DB_* variables.
func databaseURL() string {
	if dsn := strings.TrimSpace(os.Getenv("DATABASE_URL")); dsn != "" {
		return dsn
	}
	host := os.Getenv("BLUEPRINT_DB_HOST")
	if host == "" {
		return ""
	}
	dsn := fmt.Sprintf(
		"postgres://%s:%s@%s:%s/%s?sslmode=disable",
		os.Getenv("BLUEPRINT_DB_USERNAME"),
		os.Getenv("BLUEPRINT_DB_PASSWORD"),
		host,
		getenv("BLUEPRINT_DB_PORT", "5432"),
		os.Getenv("BLUEPRINT_DB_DATABASE"),
	)
	if schema := os.Getenv("BLUEPRINT_DB_SCHEMA"); schema != "" {
		dsn += "&search_path=" + schema
	}
	return dsn
}

func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func splitCSV(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if t := strings.TrimSpace(p); t != "" {
			out = append(out, t)
		}
	}
	return out
}
