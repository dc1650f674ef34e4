package config

import (
	"fmt"
	"os"
	"strconv"
	"strings" // For LogLevel normalization
	"time"

	"study_settlement/internal/domain/settlement"

	"github.com/joho/godotenv"
)

// AppConfig holds all configuration for the application
type AppConfig struct {
	DatabaseURL    string
	MigrateOnStart bool
	LogLevel       string
	Environment    string
	CronSpec       string // settlement pass schedule
	MetricsAddr    string

	StudyAPIURL         string
	StudyAPIToken       string
	LedgerAPIURL        string
	LedgerAPIToken      string
	ExternalCallTimeout time.Duration
	LedgerRateLimit     float64 // requests per second
	LedgerRateBurst     int

	CreationBatchSize        int
	CreationSkipLimit        int
	ExecutionBatchSize       int
	MaxRetries               int
	RetryBaseDelay           time.Duration
	DefaultPenaltyPerAbsence int64
	LeaseTimeout             time.Duration

	// Optional operator bot; alerts only go to the log when empty.
	TelegramToken   string
	AdminTelegramID int64
}

// RetryPolicy builds the backoff policy shared by settlements and items.
func (c *AppConfig) RetryPolicy() settlement.RetryPolicy {
	return settlement.RetryPolicy{
		MaxRetries: c.MaxRetries,
		BaseDelay:  c.RetryBaseDelay,
	}
}

// Load reads configuration from environment variables and .env file (if present).
func Load() (*AppConfig, error) {
	// Attempt to load .env file. Errors are ignored if the file doesn't exist.
	// godotenv.Load will not override existing env variables.
	_ = godotenv.Load()

	cfg := &AppConfig{}
	var err error

	cfg.DatabaseURL = os.Getenv("DATABASE_URL")
	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is not set")
	}
	cfg.StudyAPIURL = strings.TrimRight(os.Getenv("STUDY_API_URL"), "/")
	if cfg.StudyAPIURL == "" {
		return nil, fmt.Errorf("STUDY_API_URL is not set")
	}
	cfg.LedgerAPIURL = strings.TrimRight(os.Getenv("LEDGER_API_URL"), "/")
	if cfg.LedgerAPIURL == "" {
		return nil, fmt.Errorf("LEDGER_API_URL is not set")
	}
	cfg.StudyAPIToken = os.Getenv("STUDY_API_TOKEN")
	cfg.LedgerAPIToken = os.Getenv("LEDGER_API_TOKEN")

	cfg.LogLevel = strings.ToLower(os.Getenv("LOG_LEVEL"))
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info" // Default log level
	}

	cfg.Environment = strings.ToLower(os.Getenv("ENVIRONMENT"))
	if cfg.Environment == "" {
		cfg.Environment = "development" // Default environment
	}

	cfg.CronSpec = os.Getenv("CRON_SPEC_SETTLEMENT")
	if cfg.CronSpec == "" {
		cfg.CronSpec = "*/10 * * * *" // Default: every 10 minutes
	}

	cfg.MetricsAddr = os.Getenv("METRICS_ADDR")
	if cfg.MetricsAddr == "" {
		cfg.MetricsAddr = ":9100"
	}

	if cfg.MigrateOnStart, err = boolEnv("MIGRATE_ON_START", true); err != nil {
		return nil, err
	}
	if cfg.ExternalCallTimeout, err = durationEnv("EXTERNAL_CALL_TIMEOUT", 10*time.Second); err != nil {
		return nil, err
	}
	if cfg.LedgerRateLimit, err = floatEnv("LEDGER_RATE_LIMIT", 20); err != nil {
		return nil, err
	}
	if cfg.LedgerRateBurst, err = intEnv("LEDGER_RATE_BURST", 5); err != nil {
		return nil, err
	}
	if cfg.CreationBatchSize, err = intEnv("CREATION_BATCH_SIZE", 100); err != nil {
		return nil, err
	}
	if cfg.CreationSkipLimit, err = intEnv("CREATION_SKIP_LIMIT", 10); err != nil {
		return nil, err
	}
	if cfg.ExecutionBatchSize, err = intEnv("EXECUTION_BATCH_SIZE", 50); err != nil {
		return nil, err
	}
	if cfg.MaxRetries, err = intEnv("MAX_RETRIES", settlement.DefaultMaxRetries); err != nil {
		return nil, err
	}
	if cfg.RetryBaseDelay, err = durationEnv("RETRY_BASE_DELAY", settlement.DefaultBaseDelay); err != nil {
		return nil, err
	}
	penalty, err := intEnv("DEFAULT_PENALTY_PER_ABSENCE", 1000)
	if err != nil {
		return nil, err
	}
	if penalty < 0 {
		return nil, fmt.Errorf("invalid DEFAULT_PENALTY_PER_ABSENCE: must not be negative")
	}
	cfg.DefaultPenaltyPerAbsence = int64(penalty)
	if cfg.LeaseTimeout, err = durationEnv("LEASE_TIMEOUT", 30*time.Minute); err != nil {
		return nil, err
	}

	cfg.TelegramToken = os.Getenv("TELEGRAM_TOKEN")
	if adminIDStr := os.Getenv("ADMIN_TELEGRAM_ID"); adminIDStr != "" {
		cfg.AdminTelegramID, err = strconv.ParseInt(adminIDStr, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid ADMIN_TELEGRAM_ID: %w", err)
		}
	}
	if cfg.TelegramToken != "" && cfg.AdminTelegramID == 0 {
		return nil, fmt.Errorf("ADMIN_TELEGRAM_ID is required when TELEGRAM_TOKEN is set")
	}

	if cfg.CreationBatchSize <= 0 || cfg.ExecutionBatchSize <= 0 {
		return nil, fmt.Errorf("batch sizes must be positive")
	}
	if cfg.MaxRetries < 0 {
		return nil, fmt.Errorf("invalid MAX_RETRIES: must not be negative")
	}

	return cfg, nil
}

func intEnv(key string, def int) (int, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return def, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return v, nil
}

func floatEnv(key string, def float64) (float64, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return def, nil
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return v, nil
}

func durationEnv(key string, def time.Duration) (time.Duration, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return def, nil
	}
	v, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return v, nil
}

func boolEnv(key string, def bool) (bool, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return def, nil
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return false, fmt.Errorf("invalid %s: %w", key, err)
	}
	return v, nil
}
