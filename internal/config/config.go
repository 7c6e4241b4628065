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

	// AWS Services
	AWSRegion    string
	SESFromEmail string
	SNSRegion    string // AWS region for SNS (SMS)

	// Events queue (state change broadcast)
	EventsQueueURL string

	// Push gateway config
	PushGatewayURL string
	PushTimeout    time.Duration

	// Ledger config
	LedgerRPCURL        string
	LedgerTimeout       time.Duration
	SaleContractAddress string

	// Reconciliation config
	ReconcileInterval     time.Duration
	ReconcileBatchSize    int
	Retention             time.Duration
	MaxProcessingAttempts int

	// Notification delivery config
	DeliveryMaxAttempts int
	BackoffMultiplier   float64

	// Rate limiting
	RateLimit       int
	RateLimitWindow time.Duration
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
		DBUser:     "lalithlochan",
		DBPassword: "",
		DBName:     "saleflow",
		DBSSLMode:  "disable",

		// Redis defaults
		RedisHost:     "localhost",
		RedisPort:     6379,
		RedisPassword: "",
		RedisDB:       0,

		AWSRegion:    "us-east-1",
		SESFromEmail: "noreply@saleflow.local",

		PushTimeout: 15 * time.Second,

		LedgerRPCURL:  "http://localhost:8545",
		LedgerTimeout: 15 * time.Second,

		ReconcileInterval:     30 * time.Second,
		ReconcileBatchSize:    50,
		Retention:             30 * 24 * time.Hour,
		MaxProcessingAttempts: 5,

		DeliveryMaxAttempts: 3,
		BackoffMultiplier:   2.0,

		RateLimit:       100,
		RateLimitWindow: time.Minute,
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

	if region := os.Getenv("AWS_REGION"); region != "" {
		cfg.AWSRegion = region
	}

	if from := os.Getenv("SES_FROM_EMAIL"); from != "" {
		cfg.SESFromEmail = from
	}

	// SNS config for SMS
	if region := os.Getenv("SNS_REGION"); region != "" {
		cfg.SNSRegion = region
	} else {
		cfg.SNSRegion = cfg.AWSRegion
	}

	if url := os.Getenv("EVENTS_QUEUE_URL"); url != "" {
		cfg.EventsQueueURL = url
	}

	// Push gateway config
	if url := os.Getenv("PUSH_GATEWAY_URL"); url != "" {
		cfg.PushGatewayURL = url
	}

	if timeout := os.Getenv("PUSH_TIMEOUT"); timeout != "" {
		d, err := time.ParseDuration(timeout)
		if err != nil {
			return nil, fmt.Errorf("invalid PUSH_TIMEOUT: %w", err)
		}
		cfg.PushTimeout = d
	}

	// Ledger config
	if url := os.Getenv("LEDGER_RPC_URL"); url != "" {
		cfg.LedgerRPCURL = url
	}

	if timeout := os.Getenv("LEDGER_TIMEOUT"); timeout != "" {
		d, err := time.ParseDuration(timeout)
		if err != nil {
			return nil, fmt.Errorf("invalid LEDGER_TIMEOUT: %w", err)
		}
		cfg.LedgerTimeout = d
	}

	if addr := os.Getenv("SALE_CONTRACT_ADDRESS"); addr != "" {
		cfg.SaleContractAddress = addr
	}

	// Reconciliation config
	if interval := os.Getenv("RECONCILE_INTERVAL"); interval != "" {
		d, err := time.ParseDuration(interval)
		if err != nil {
			return nil, fmt.Errorf("invalid RECONCILE_INTERVAL: %w", err)
		}
		cfg.ReconcileInterval = d
	}

	if size := os.Getenv("RECONCILE_BATCH_SIZE"); size != "" {
		s, err := strconv.Atoi(size)
		if err != nil {
			return nil, fmt.Errorf("invalid RECONCILE_BATCH_SIZE: %w", err)
		}
		cfg.ReconcileBatchSize = s
	}

	if retention := os.Getenv("RETENTION"); retention != "" {
		d, err := time.ParseDuration(retention)
		if err != nil {
			return nil, fmt.Errorf("invalid RETENTION: %w", err)
		}
		cfg.Retention = d
	}

	if attempts := os.Getenv("MAX_PROCESSING_ATTEMPTS"); attempts != "" {
		a, err := strconv.Atoi(attempts)
		if err != nil {
			return nil, fmt.Errorf("invalid MAX_PROCESSING_ATTEMPTS: %w", err)
		}
		cfg.MaxProcessingAttempts = a
	}

	// Notification delivery config
	if attempts := os.Getenv("DELIVERY_MAX_ATTEMPTS"); attempts != "" {
		a, err := strconv.Atoi(attempts)
		if err != nil {
			return nil, fmt.Errorf("invalid DELIVERY_MAX_ATTEMPTS: %w", err)
		}
		cfg.DeliveryMaxAttempts = a
	}

	if multiplier := os.Getenv("BACKOFF_MULTIPLIER"); multiplier != "" {
		m, err := strconv.ParseFloat(multiplier, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid BACKOFF_MULTIPLIER: %w", err)
		}
		cfg.BackoffMultiplier = m
	}

	// Rate limiting
	if limit := os.Getenv("RATE_LIMIT"); limit != "" {
		l, err := strconv.Atoi(limit)
		if err != nil {
			return nil, fmt.Errorf("invalid RATE_LIMIT: %w", err)
		}
		cfg.RateLimit = l
	}

	if window := os.Getenv("RATE_LIMIT_WINDOW"); window != "" {
		d, err := time.ParseDuration(window)
		if err != nil {
			return nil, fmt.Errorf("invalid RATE_LIMIT_WINDOW: %w", err)
		}
		cfg.RateLimitWindow = d
	}

	return cfg, nil
}
