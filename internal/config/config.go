package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Store backends
const (
	StorePostgres = "postgres"
	StoreMemory   = "memory"
)

type Config struct {
	Port     int
	LogLevel string
	Env      string

	// STORE_BACKEND: postgres or memory
	StoreBackend string

	// Database
	DBHost     string
	DBPort     int
	DBUser     string
	DBPassword string
	DBName     string
	DBSSLMode  string

	// Redis config. Empty RedisURL and RedisHost disable idempotency and
	// rate limiting.
	RedisURL        string
	RedisHost       string
	RedisPort       int
	RedisPassword   string
	RedisDB         int
	RateLimit       int
	RateLimitWindow time.Duration

	// AWS services
	AWSRegion      string
	AWSEndpoint    string // LocalStack and friends
	IntakeQueueURL string
	AlertTopicARN  string

	// Mail. These override the active mail_settings row field by field.
	MailBackend     string
	SMTPHost        string
	SMTPPort        int
	SMTPUsername    string
	SMTPPassword    string
	SMTPFrom        string
	SESFromEmail    string
	MailFromName    string
	MailTestMode    bool
	MailTestAddress string
	MailSendTimeout time.Duration

	// Dispatcher
	DispatchInterval     time.Duration
	DispatchBatchSize    int
	DispatchMaxAttempts  int
	DispatchClaimTimeout time.Duration
	DispatchConcurrency  int
	WorkerID             string

	// Schedule generation
	EventTimeZone string
	EventLinkBase string
}

// Load reads configuration from environment variables with sensible defaults.
// A .env file in the working directory is read first when present; variables
// already set in the environment take precedence over it.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to read .env: %w", err)
	}

	cfg := &Config{
		Port:     8080,
		LogLevel: "info",
		Env:      "development",

		StoreBackend: StorePostgres,

		// Local postgres defaults
		DBHost:    "localhost",
		DBPort:    5432,
		DBUser:    "remindr",
		DBName:    "remindr",
		DBSSLMode: "disable",

		RedisPort:       6379,
		RateLimit:       120,
		RateLimitWindow: time.Minute,

		AWSRegion: "ap-southeast-2",

		MailBackend:     "smtp",
		MailSendTimeout: 15 * time.Second,

		DispatchInterval:     60 * time.Second,
		DispatchBatchSize:    10,
		DispatchMaxAttempts:  3,
		DispatchClaimTimeout: 5 * time.Minute,
		DispatchConcurrency:  1,

		EventTimeZone: "Australia/Sydney",
	}

	var err error

	if port := os.Getenv("PORT"); port != "" {
		p, err := strconv.Atoi(port)
		if err != nil {
			return nil, fmt.Errorf("invalid PORT: %w", err)
		}
		cfg.Port = p
	}

	if level := os.Getenv("LOG_LEVEL"); level != "" {
		cfg.LogLevel = level
	}

	if env := os.Getenv("ENV"); env != "" {
		cfg.Env = env
	}

	if backend := os.Getenv("STORE_BACKEND"); backend != "" {
		if backend != StorePostgres && backend != StoreMemory {
			return nil, fmt.Errorf("invalid STORE_BACKEND %q: must be postgres or memory", backend)
		}
		cfg.StoreBackend = backend
	}

	// Database config
	if host := os.Getenv("DB_HOST"); host != "" {
		cfg.DBHost = host
	}

	if port := os.Getenv("DB_PORT"); port != "" {
		p, err := strconv.Atoi(port)
		if err != nil {
			return nil, fmt.Errorf("invalid DB_PORT: %w", err)
		}
		cfg.DBPort = p
	}

	if user := os.Getenv("DB_USER"); user != "" {
		cfg.DBUser = user
	}

	if password := os.Getenv("DB_PASSWORD"); password != "" {
		cfg.DBPassword = password
	}

	if dbname := os.Getenv("DB_NAME"); dbname != "" {
		cfg.DBName = dbname
	}

	if sslmode := os.Getenv("DB_SSLMODE"); sslmode != "" {
		cfg.DBSSLMode = sslmode
	}

	// Redis config
	cfg.RedisURL = os.Getenv("REDIS_URL")
	cfg.RedisHost = os.Getenv("REDIS_HOST")

	if cfg.RedisPort, err = envInt("REDIS_PORT", cfg.RedisPort); err != nil {
		return nil, err
	}

	cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")

	if cfg.RedisDB, err = envInt("REDIS_DB", cfg.RedisDB); err != nil {
		return nil, err
	}
	if cfg.RateLimit, err = envInt("RATE_LIMIT", cfg.RateLimit); err != nil {
		return nil, err
	}
	if cfg.RateLimitWindow, err = envDuration("RATE_LIMIT_WINDOW", cfg.RateLimitWindow); err != nil {
		return nil, err
	}

	// AWS
	if region := os.Getenv("AWS_REGION"); region != "" {
		cfg.AWSRegion = region
	}
	cfg.AWSEndpoint = os.Getenv("AWS_ENDPOINT_URL")
	cfg.IntakeQueueURL = os.Getenv("INTAKE_QUEUE_URL")
	cfg.AlertTopicARN = os.Getenv("ALERT_TOPIC_ARN")

	// Mail
	if backend := os.Getenv("MAIL_BACKEND"); backend != "" {
		cfg.MailBackend = backend
	}

	cfg.SMTPHost = os.Getenv("SMTP_HOST")

	if cfg.SMTPPort, err = envInt("SMTP_PORT", 0); err != nil {
		return nil, err
	}

	cfg.SMTPUsername = os.Getenv("SMTP_USERNAME")
	cfg.SMTPPassword = os.Getenv("SMTP_PASSWORD")
	cfg.SMTPFrom = os.Getenv("SMTP_FROM")
	cfg.SESFromEmail = os.Getenv("SES_FROM_EMAIL")
	cfg.MailFromName = os.Getenv("MAIL_FROM_NAME")
	cfg.MailTestAddress = os.Getenv("MAIL_TEST_ADDRESS")

	if cfg.MailTestMode, err = envBool("MAIL_TEST_MODE", false); err != nil {
		return nil, err
	}
	if cfg.MailSendTimeout, err = envDuration("MAIL_SEND_TIMEOUT", cfg.MailSendTimeout); err != nil {
		return nil, err
	}

	// Dispatcher
	if cfg.DispatchInterval, err = envDuration("DISPATCH_INTERVAL", cfg.DispatchInterval); err != nil {
		return nil, err
	}
	if cfg.DispatchBatchSize, err = envInt("DISPATCH_BATCH_SIZE", cfg.DispatchBatchSize); err != nil {
		return nil, err
	}
	if cfg.DispatchMaxAttempts, err = envInt("DISPATCH_MAX_ATTEMPTS", cfg.DispatchMaxAttempts); err != nil {
		return nil, err
	}
	if cfg.DispatchClaimTimeout, err = envDuration("DISPATCH_CLAIM_TIMEOUT", cfg.DispatchClaimTimeout); err != nil {
		return nil, err
	}
	if cfg.DispatchConcurrency, err = envInt("DISPATCH_CONCURRENCY", cfg.DispatchConcurrency); err != nil {
		return nil, err
	}
	cfg.WorkerID = os.Getenv("WORKER_ID")

	if cfg.DispatchBatchSize <= 0 || cfg.DispatchMaxAttempts <= 0 || cfg.DispatchConcurrency <= 0 {
		return nil, errors.New("DISPATCH_BATCH_SIZE, DISPATCH_MAX_ATTEMPTS and DISPATCH_CONCURRENCY must be positive")
	}
	if cfg.DispatchInterval <= 0 {
		return nil, errors.New("DISPATCH_INTERVAL must be positive")
	}
	if cfg.MailSendTimeout <= 0 {
		return nil, errors.New("MAIL_SEND_TIMEOUT must be positive")
	}

	// Every job of a claimed batch must finish while its claim is still live
	rounds := (cfg.DispatchBatchSize + cfg.DispatchConcurrency - 1) / cfg.DispatchConcurrency
	if batch := time.Duration(rounds) * cfg.DispatchSendTimeout(); batch >= cfg.DispatchClaimTimeout {
		return nil, fmt.Errorf("DISPATCH_BATCH_SIZE %d at DISPATCH_CONCURRENCY %d can take %v, which exceeds DISPATCH_CLAIM_TIMEOUT %v",
			cfg.DispatchBatchSize, cfg.DispatchConcurrency, batch, cfg.DispatchClaimTimeout)
	}

	// Schedule generation
	if tz := os.Getenv("EVENT_TIMEZONE"); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			return nil, fmt.Errorf("invalid EVENT_TIMEZONE: %w", err)
		}
		cfg.EventTimeZone = tz
	}
	cfg.EventLinkBase = os.Getenv("EVENT_LINK_BASE")

	return cfg, nil
}

// FromAddress is the sender override for the configured mail backend
func (c *Config) FromAddress() string {
	if c.MailBackend == "ses" && c.SESFromEmail != "" {
		return c.SESFromEmail
	}
	if c.SMTPFrom != "" {
		return c.SMTPFrom
	}
	return c.SESFromEmail
}

// DispatchSendTimeout bounds one render, send and complete cycle: the mail
// send timeout plus time for the store round trips
func (c *Config) DispatchSendTimeout() time.Duration {
	return c.MailSendTimeout + 5*time.Second
}

func envInt(key string, def int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return n, nil
}

func envDuration(key string, def time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return d, nil
}

func envBool(key string, def bool) (bool, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("invalid %s: %w", key, err)
	}
	return b, nil
}
