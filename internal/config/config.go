package config

import (
	"time"

	"github.com/kelseyhightower/envconfig"
)

type Config struct {
	// ----------------------------
	// Scheduling
	// ----------------------------
	DeliveryLocalHour int `envconfig:"DELIVERY_LOCAL_HOUR" default:"9"`
	MaxHorizonYears   int `envconfig:"MAX_HORIZON_YEARS" default:"50"`

	// ----------------------------
	// Dispatch
	// ----------------------------
	MaxAttempts       int           `envconfig:"MAX_ATTEMPTS" default:"5"`
	RetryBaseInterval time.Duration `envconfig:"RETRY_BASE_INTERVAL" default:"1m"`
	RetryMaxInterval  time.Duration `envconfig:"RETRY_MAX_INTERVAL" default:"1h"`
	ClaimLease        time.Duration `envconfig:"CLAIM_LEASE" default:"10m"`
	DispatchBatchSize int           `envconfig:"DISPATCH_BATCH_SIZE" default:"100"`
	WorkerCount       int           `envconfig:"WORKER_COUNT" default:"5"`
	RateLimit         int           `envconfig:"RATE_LIMIT" default:"10"`

	// ----------------------------
	// Drafts
	// ----------------------------
	DraftRetention time.Duration `envconfig:"DRAFT_RETENTION" default:"720h"`

	// ----------------------------
	// SMTP
	// ----------------------------
	SMTPHost     string `envconfig:"SMTP_HOST" default:"localhost"`
	SMTPPort     int    `envconfig:"SMTP_PORT" default:"1025"`
	SMTPUser     string `envconfig:"SMTP_USER" default:""`
	SMTPPassword string `envconfig:"SMTP_PASSWORD" default:""`
	SMTPFrom     string `envconfig:"SMTP_FROM" default:"letters@capsulenote.app"`

	// ----------------------------
	// Print provider
	// ----------------------------
	PostalAPIURL string `envconfig:"POSTAL_API_URL" default:"https://api.lob.com/v1/letters"`
	PostalAPIKey string `envconfig:"POSTAL_API_KEY" default:""`

	// ----------------------------
	// Content sealing (age keys)
	// ----------------------------
	SealRecipient string `envconfig:"SEAL_RECIPIENT" required:"true"`
	SealIdentity  string `envconfig:"SEAL_IDENTITY" required:"true"`

	// ----------------------------
	// HTTP
	// ----------------------------
	APIPort     string `envconfig:"API_PORT" default:"8080"`
	MetricsPort string `envconfig:"METRICS_PORT" default:"9090"`
	CronSecret  string `envconfig:"CRON_SECRET" required:"true"`

	// ----------------------------
	// Database
	// ----------------------------
	DatabaseURL string `envconfig:"DATABASE_URL" required:"true"`
}

func Load() (*Config, error) {
	var cfg Config
	err := envconfig.Process("", &cfg)
	return &cfg, err
}
