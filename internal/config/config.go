package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds application configuration.
type Config struct {
	AppName     string
	AppVersion  string
	Environment string
	HTTPAddr    string

	OTLPEndpoint string

	DBType            string
	DBHost            string
	DBPort            string
	DBName            string
	DBUser            string
	DBPassword        string
	DBSSLMode         string
	DBMaxIdleConn     int
	DBMaxOpenConn     int
	DBConnMaxLifetime int
	DBConnMaxIdleTime int

	RateLimit RateLimitConfig
	Webhook   WebhookConfig
	Alert     AlertConfig
}

// RateLimitConfig controls the usage counter store and evaluator.
type RateLimitConfig struct {
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// FailOpen decides behavior when the counter store is unreachable.
	// true allows the request through, false denies with 503. This is a
	// deployment policy, never a silent default: the evaluator logs which
	// policy was applied on every store failure.
	FailOpen bool
}

// WebhookConfig controls delivery, circuit breaking and retries.
type WebhookConfig struct {
	DeliveryTimeout  time.Duration
	MaxAttempts      int
	RetryBase        time.Duration
	RetryCap         time.Duration
	FailureThreshold int
	Cooldown         time.Duration
	PollInterval     time.Duration
	BatchSize        int
}

// AlertConfig controls the delivery-exhaustion alert path.
type AlertConfig struct {
	SlackWebhookURL string
	SlackChannel    string
}

// Load loads configuration from environment variables and .env file.
func Load() Config {
	_ = godotenv.Load()

	return Config{
		AppName:      getenv("APP_SERVICE", "metergate"),
		AppVersion:   getenv("APP_VERSION", "0.1.0"),
		Environment:  getenv("ENVIRONMENT", "development"),
		HTTPAddr:     getenv("HTTP_ADDR", ":8080"),
		OTLPEndpoint: getenv("OTLP_ENDPOINT", "localhost:4317"),

		DBType:            getenv("DATABASE_TYPE", "postgres"),
		DBHost:            getenv("DATABASE_HOST", "localhost"),
		DBPort:            getenv("DATABASE_PORT", "5432"),
		DBName:            getenv("DATABASE_NAME", "postgres"),
		DBUser:            getenv("DATABASE_USER", "postgres"),
		DBPassword:        getenv("DATABASE_PASSWORD", "postgres"),
		DBSSLMode:         getenv("DATABASE_SSLMODE", "disable"),
		DBMaxIdleConn:     getenvInt("DATABASE_MAX_IDLE_CONN", 5),
		DBMaxOpenConn:     getenvInt("DATABASE_MAX_OPEN_CONN", 25),
		DBConnMaxLifetime: getenvInt("DATABASE_CONN_MAX_LIFETIME", 300),
		DBConnMaxIdleTime: getenvInt("DATABASE_CONN_MAX_IDLE_TIME", 60),

		RateLimit: RateLimitConfig{
			RedisAddr:     strings.TrimSpace(getenv("RATE_LIMIT_REDIS_ADDR", "")),
			RedisPassword: strings.TrimSpace(getenv("RATE_LIMIT_REDIS_PASSWORD", "")),
			RedisDB:       getenvInt("RATE_LIMIT_REDIS_DB", 0),
			FailOpen:      getenvBool("RATE_LIMIT_FAIL_OPEN", true),
		},
		Webhook: WebhookConfig{
			DeliveryTimeout:  getenvSeconds("WEBHOOK_TIMEOUT_SECONDS", 10),
			MaxAttempts:      getenvInt("WEBHOOK_MAX_ATTEMPTS", 5),
			RetryBase:        getenvSeconds("WEBHOOK_RETRY_BASE_SECONDS", 60),
			RetryCap:         getenvSeconds("WEBHOOK_RETRY_CAP_SECONDS", 3600),
			FailureThreshold: getenvInt("BREAKER_FAILURE_THRESHOLD", 5),
			Cooldown:         getenvSeconds("BREAKER_COOLDOWN_SECONDS", 60),
			PollInterval:     getenvSeconds("WEBHOOK_POLL_INTERVAL_SECONDS", 2),
			BatchSize:        getenvInt("WEBHOOK_BATCH_SIZE", 50),
		},
		Alert: AlertConfig{
			SlackWebhookURL: strings.TrimSpace(getenv("ALERT_SLACK_WEBHOOK_URL", "")),
			SlackChannel:    strings.TrimSpace(getenv("ALERT_SLACK_CHANNEL", "")),
		},
	}
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvInt(key string, def int) int {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return def
	}
	return parsed
}

func getenvSeconds(key string, def int) time.Duration {
	return time.Duration(getenvInt(key, def)) * time.Second
}

func getenvBool(key string, def bool) bool {
	value := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	if value == "" {
		return def
	}
	switch value {
	case "1", "true", "yes", "y", "on":
		return true
	case "0", "false", "no", "n", "off":
		return false
	default:
		return def
	}
}
