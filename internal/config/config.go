package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

type Config struct {
	Port     int
	LogLevel string
	Env      string

	// Database
	DBHost     string
	DBPort     int
	DBUser     string
	DBPassword string
	DBName     string
	DBSSLMode  string

	// Redis config
	RedisHost     string
	RedisPort     int
	RedisPassword string
	RedisDB       int

	// SMTP config for the primary transport
	SMTPHost     string
	SMTPPort     int
	SMTPUsername string
	SMTPPassword string
	SMTPFrom     string // sender email address

	// AWS SES fallback transport
	AWSRegion    string
	SESFromEmail string
	SESEnabled   bool

	// Tracking service
	TrackingBaseURL string
	TrackingTimeout time.Duration

	// Dispatch loop
	DispatchPollInterval time.Duration
	DispatchClaimLimit   int
	DispatchMaxAttempts  int
	DispatchBackoffBase  time.Duration
	DispatchBackoffMax   time.Duration
	DispatchSendTimeout  time.Duration
	DispatchStaleAfter   time.Duration

	// Provider send-window safety net (counts actual transport calls)
	SendWindowLimit  int
	SendWindowLength time.Duration
}

// Load reads configuration from environment variables with sensible defaults
func Load() (*Config, error) {
	cfg := &Config{
		Port:     8080,
		LogLevel: "info",
		Env:      "development",

		// Local postgres defaults
		DBHost:     "localhost",
		DBPort:     5432,
		DBUser:     "courier",
		DBPassword: "",
		DBName:     "courier",
		DBSSLMode:  "disable",

		// Redis defaults
		RedisHost:     "localhost",
		RedisPort:     6379,
		RedisPassword: "",
		RedisDB:       0,

		// SMTP defaults
		SMTPHost: "localhost",
		SMTPPort: 587,
		SMTPFrom: "noreply@courier.local",

		AWSRegion:    "us-east-1",
		SESFromEmail: "noreply@courier.local",

		TrackingTimeout: 5 * time.Second,

		DispatchPollInterval: 30 * time.Second,
		DispatchClaimLimit:   10,
		DispatchMaxAttempts:  3,
		DispatchBackoffBase:  1 * time.Minute,
		DispatchBackoffMax:   30 * time.Minute,
		DispatchSendTimeout:  30 * time.Second,
		DispatchStaleAfter:   10 * time.Minute,

		// Safety margin below the typical 50/hour provider cap
		SendWindowLimit:  40,
		SendWindowLength: 1 * time.Hour,
	}

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
	if host := os.Getenv("REDIS_HOST"); host != "" {
		cfg.RedisHost = host
	}

	if port := os.Getenv("REDIS_PORT"); port != "" {
		p, err := strconv.Atoi(port)
		if err != nil {
			return nil, fmt.Errorf("invalid REDIS_PORT: %w", err)
		}
		cfg.RedisPort = p
	}

	if password := os.Getenv("REDIS_PASSWORD"); password != "" {
		cfg.RedisPassword = password
	}

	if db := os.Getenv("REDIS_DB"); db != "" {
		d, err := strconv.Atoi(db)
		if err != nil {
			return nil, fmt.Errorf("invalid REDIS_DB: %w", err)
		}
		cfg.RedisDB = d
	}

	if host := os.Getenv("SMTP_HOST"); host != "" {
		cfg.SMTPHost = host
	}

	if port := os.Getenv("SMTP_PORT"); port != "" {
		p, err := strconv.Atoi(port)
		if err != nil {
			return nil, fmt.Errorf("invalid SMTP_PORT: %w", err)
		}
		cfg.SMTPPort = p
	}

	if user := os.Getenv("SMTP_USERNAME"); user != "" {
		cfg.SMTPUsername = user
	}

	if pass := os.Getenv("SMTP_PASSWORD"); pass != "" {
		cfg.SMTPPassword = pass
	}

	if from := os.Getenv("SMTP_FROM"); from != "" {
		cfg.SMTPFrom = from
	}

	if region := os.Getenv("AWS_REGION"); region != "" {
		cfg.AWSRegion = region
	}

	if from := os.Getenv("SES_FROM_EMAIL"); from != "" {
		cfg.SESFromEmail = from
		cfg.SESEnabled = true
	}

	if url := os.Getenv("TRACKING_BASE_URL"); url != "" {
		cfg.TrackingBaseURL = url
	}

	if timeout := os.Getenv("TRACKING_TIMEOUT"); timeout != "" {
		d, err := time.ParseDuration(timeout)
		if err != nil {
			return nil, fmt.Errorf("invalid TRACKING_TIMEOUT: %w", err)
		}
		cfg.TrackingTimeout = d
	}

	// Dispatch config
	if interval := os.Getenv("DISPATCH_POLL_INTERVAL"); interval != "" {
		d, err := time.ParseDuration(interval)
		if err != nil {
			return nil, fmt.Errorf("invalid DISPATCH_POLL_INTERVAL: %w", err)
		}
		cfg.DispatchPollInterval = d
	}

	if limit := os.Getenv("DISPATCH_CLAIM_LIMIT"); limit != "" {
		l, err := strconv.Atoi(limit)
		if err != nil {
			return nil, fmt.Errorf("invalid DISPATCH_CLAIM_LIMIT: %w", err)
		}
		cfg.DispatchClaimLimit = l
	}

	if attempts := os.Getenv("DISPATCH_MAX_ATTEMPTS"); attempts != "" {
		a, err := strconv.Atoi(attempts)
		if err != nil {
			return nil, fmt.Errorf("invalid DISPATCH_MAX_ATTEMPTS: %w", err)
		}
		cfg.DispatchMaxAttempts = a
	}

	if base := os.Getenv("DISPATCH_BACKOFF_BASE"); base != "" {
		d, err := time.ParseDuration(base)
		if err != nil {
			return nil, fmt.Errorf("invalid DISPATCH_BACKOFF_BASE: %w", err)
		}
		cfg.DispatchBackoffBase = d
	}

	if max := os.Getenv("DISPATCH_BACKOFF_MAX"); max != "" {
		d, err := time.ParseDuration(max)
		if err != nil {
			return nil, fmt.Errorf("invalid DISPATCH_BACKOFF_MAX: %w", err)
		}
		cfg.DispatchBackoffMax = d
	}

	if timeout := os.Getenv("DISPATCH_SEND_TIMEOUT"); timeout != "" {
		d, err := time.ParseDuration(timeout)
		if err != nil {
			return nil, fmt.Errorf("invalid DISPATCH_SEND_TIMEOUT: %w", err)
		}
		cfg.DispatchSendTimeout = d
	}

	if stale := os.Getenv("DISPATCH_STALE_AFTER"); stale != "" {
		d, err := time.ParseDuration(stale)
		if err != nil {
			return nil, fmt.Errorf("invalid DISPATCH_STALE_AFTER: %w", err)
		}
		cfg.DispatchStaleAfter = d
	}

	if limit := os.Getenv("SEND_WINDOW_LIMIT"); limit != "" {
		l, err := strconv.Atoi(limit)
		if err != nil {
			return nil, fmt.Errorf("invalid SEND_WINDOW_LIMIT: %w", err)
		}
		cfg.SendWindowLimit = l
	}

	if window := os.Getenv("SEND_WINDOW_LENGTH"); window != "" {
		d, err := time.ParseDuration(window)
		if err != nil {
			return nil, fmt.Errorf("invalid SEND_WINDOW_LENGTH: %w", err)
		}
		cfg.SendWindowLength = d
	}

	return cfg, nil
}
