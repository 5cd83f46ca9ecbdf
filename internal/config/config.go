package config

import (
	"os"
	"strconv"
	"time"
)

// Config holds the core runtime configuration for the service.
// Values are primarily sourced from environment variables, with
// sensible defaults where appropriate. See .env.example.
//
// Domain configuration (status mappings, severity thresholds, retention
// windows, holidays) is persisted in the database instead; see package
// settings.
type Config struct {
	DatabaseURL string

	ListenAddr string

	// GitHubWebhookSecret enables signature verification of source-control
	// webhooks. When empty, deliveries are accepted unsigned.
	GitHubWebhookSecret string

	// IdentityHMACKey keys the pseudonymization hash applied to author and
	// reviewer identities. When empty, plain SHA-256 is used.
	IdentityHMACKey string

	DrainInterval time.Duration
	DrainBatch    int

	MaterializeInterval    time.Duration
	MaterializeConcurrency int
	// MetricWindowDays is the rolling window used for materialized rollups.
	MetricWindowDays int

	LogLevel  string
	LogFormat string

	// SettingsFile is an optional YAML file seeding streams, repositories
	// and mapping tables at startup.
	SettingsFile string
}

// Load reads configuration from environment variables and applies defaults.
func Load() *Config {
	cfg := &Config{
		DatabaseURL:            os.Getenv("APP_DATABASE_URL"),
		ListenAddr:             getenv("APP_LISTEN_ADDR", ":8080"),
		GitHubWebhookSecret:    os.Getenv("APP_GITHUB_WEBHOOK_SECRET"),
		IdentityHMACKey:        os.Getenv("APP_IDENTITY_HMAC_KEY"),
		DrainInterval:          30 * time.Second,
		DrainBatch:             100,
		MaterializeInterval:    24 * time.Hour,
		MaterializeConcurrency: 4,
		MetricWindowDays:       30,
		LogLevel:               getenv("APP_LOG_LEVEL", "info"),
		LogFormat:              getenv("APP_LOG_FORMAT", "json"),
		SettingsFile:           os.Getenv("APP_SETTINGS_FILE"),
	}

	if d, ok := durationEnv("APP_DRAIN_INTERVAL"); ok {
		cfg.DrainInterval = d
	}
	if n, ok := positiveIntEnv("APP_DRAIN_BATCH"); ok {
		cfg.DrainBatch = n
	}
	if d, ok := durationEnv("APP_MATERIALIZE_INTERVAL"); ok {
		cfg.MaterializeInterval = d
	}
	if n, ok := positiveIntEnv("APP_MATERIALIZE_CONCURRENCY"); ok {
		cfg.MaterializeConcurrency = n
	}
	if n, ok := positiveIntEnv("APP_METRIC_WINDOW_DAYS"); ok {
		cfg.MetricWindowDays = n
	}

	return cfg
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func positiveIntEnv(key string) (int, bool) {
	v := os.Getenv(key)
	if v == "" {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return 0, false
	}
	return n, true
}

func durationEnv(key string) (time.Duration, bool) {
	v := os.Getenv(key)
	if v == "" {
		return 0, false
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return 0, false
	}
	return d, true
}
