package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Queue scopes accepted by QUEUE_SCOPE.
const (
	ScopeGlobal = "global"
	ScopeArea   = "area"
	ScopeRadius = "radius"
)

// ServerConfig captures all tunable parameters for the HTTP API process.
// Values are primarily loaded from environment variables with sane defaults
// so the binary can run locally without excessive setup.
type ServerConfig struct {
	HTTPAddr        string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration

	PGDSN         string
	RunMigrations bool
	StoreTimeout  time.Duration

	RedisURL          string
	RedisEventChannel string

	KafkaBrokers []string
	KafkaTopic   string

	NotifyWebhookURL string
	NotifyQueueSize  int

	JWTSecret string
	LogLevel  string

	RequireAccept     bool
	QueueScope        string
	QueueRadiusMeters float64

	RateLimitRPS   float64
	RateLimitBurst int
}

func defaultServerConfig() ServerConfig {
	return ServerConfig{
		HTTPAddr:          ":8080",
		ReadTimeout:       5 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       120 * time.Second,
		ShutdownTimeout:   15 * time.Second,
		StoreTimeout:      5 * time.Second,
		RedisEventChannel: "rides:events",
		KafkaTopic:        "ride-lifecycle",
		NotifyQueueSize:   1024,
		LogLevel:          "info",
		QueueScope:        ScopeGlobal,
		RateLimitRPS:      5,
		RateLimitBurst:    10,
	}
}

// LoadServerConfig reads an optional .env file and then the process environment.
func LoadServerConfig() (ServerConfig, error) {
	loadDotEnv()
	cfg := defaultServerConfig()
	var errs []error

	setStringFromEnv(&cfg.HTTPAddr, "HTTP_ADDR")
	setDurationFromEnv(&cfg.ReadTimeout, "HTTP_READ_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.WriteTimeout, "HTTP_WRITE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.IdleTimeout, "HTTP_IDLE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.ShutdownTimeout, "HTTP_SHUTDOWN_TIMEOUT", &errs)

	cfg.PGDSN = strings.TrimSpace(os.Getenv("PG_DSN"))
	cfg.RunMigrations = strings.EqualFold(os.Getenv("MIGRATE"), "true")
	setDurationFromEnv(&cfg.StoreTimeout, "STORE_TIMEOUT", &errs)

	cfg.RedisURL = strings.TrimSpace(os.Getenv("REDIS_URL"))
	setStringFromEnv(&cfg.RedisEventChannel, "REDIS_EVENTS_CHANNEL")

	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		cfg.KafkaBrokers = splitAndTrim(brokers)
	}
	setStringFromEnv(&cfg.KafkaTopic, "KAFKA_TOPIC")

	cfg.NotifyWebhookURL = strings.TrimSpace(os.Getenv("NOTIFY_WEBHOOK_URL"))
	setIntFromEnv(&cfg.NotifyQueueSize, "NOTIFY_QUEUE_SIZE", &errs)

	cfg.JWTSecret = os.Getenv("JWT_SECRET")
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}

	setBoolFromEnv(&cfg.RequireAccept, "RIDES_REQUIRE_ACCEPT", &errs)
	if v := strings.TrimSpace(os.Getenv("QUEUE_SCOPE")); v != "" {
		cfg.QueueScope = strings.ToLower(v)
	}
	setFloatFromEnv(&cfg.QueueRadiusMeters, "QUEUE_RADIUS_METERS", &errs)

	setFloatFromEnv(&cfg.RateLimitRPS, "RATE_LIMIT_RPS", &errs)
	setIntFromEnv(&cfg.RateLimitBurst, "RATE_LIMIT_BURST", &errs)

	if cfg.NotifyQueueSize <= 0 {
		errs = append(errs, fmt.Errorf("NOTIFY_QUEUE_SIZE must be > 0"))
	}
	if cfg.StoreTimeout <= 0 {
		errs = append(errs, fmt.Errorf("STORE_TIMEOUT must be > 0"))
	}
	switch cfg.QueueScope {
	case ScopeGlobal, ScopeArea:
	case ScopeRadius:
		if cfg.QueueRadiusMeters <= 0 {
			errs = append(errs, fmt.Errorf("QUEUE_RADIUS_METERS must be > 0 when QUEUE_SCOPE=radius"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown QUEUE_SCOPE %q", cfg.QueueScope))
	}
	if strings.TrimSpace(cfg.JWTSecret) == "" {
		errs = append(errs, fmt.Errorf("JWT_SECRET is required"))
	}

	return cfg, errors.Join(errs...)
}

// ConsumerConfig configures the notifier worker that moves lifecycle events from
// Kafka into per-user Redis inboxes.
type ConsumerConfig struct {
	MetricsAddr  string
	KafkaBrokers []string
	KafkaTopic   string
	KafkaGroup   string

	RedisURL    string
	InboxPrefix string
	InboxMaxLen int64
	InboxTTL    time.Duration

	RetryAttempts int
	RetryDelay    time.Duration

	LogLevel string
}

func defaultConsumerConfig() ConsumerConfig {
	return ConsumerConfig{
		MetricsAddr:   ":2112",
		KafkaBrokers:  []string{"localhost:9092"},
		KafkaTopic:    "ride-lifecycle",
		KafkaGroup:    "escort-dispatch-notifier",
		RedisURL:      "redis://localhost:6379/0",
		InboxPrefix:   "inbox:",
		InboxMaxLen:   100,
		InboxTTL:      7 * 24 * time.Hour,
		RetryAttempts: 3,
		RetryDelay:    200 * time.Millisecond,
		LogLevel:      "info",
	}
}

func LoadConsumerConfig() (ConsumerConfig, error) {
	loadDotEnv()
	cfg := defaultConsumerConfig()
	var errs []error

	setStringFromEnv(&cfg.MetricsAddr, "METRICS_ADDR")
	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		cfg.KafkaBrokers = splitAndTrim(brokers)
	}
	setStringFromEnv(&cfg.KafkaTopic, "KAFKA_TOPIC")
	setStringFromEnv(&cfg.KafkaGroup, "KAFKA_GROUP")

	setStringFromEnv(&cfg.RedisURL, "REDIS_URL")
	setStringFromEnv(&cfg.InboxPrefix, "INBOX_PREFIX")
	var maxLen int
	if v := os.Getenv("INBOX_MAX_LEN"); v != "" {
		setIntFromEnv(&maxLen, "INBOX_MAX_LEN", &errs)
		cfg.InboxMaxLen = int64(maxLen)
	}
	setDurationFromEnv(&cfg.InboxTTL, "INBOX_TTL", &errs)
	setIntFromEnv(&cfg.RetryAttempts, "RETRY_ATTEMPTS", &errs)
	setDurationFromEnv(&cfg.RetryDelay, "RETRY_DELAY", &errs)
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}

	if len(cfg.KafkaBrokers) == 0 {
		errs = append(errs, fmt.Errorf("KAFKA_BROKERS must list at least one broker"))
	}
	if cfg.InboxMaxLen <= 0 {
		errs = append(errs, fmt.Errorf("INBOX_MAX_LEN must be > 0"))
	}
	if cfg.RetryAttempts <= 0 {
		errs = append(errs, fmt.Errorf("RETRY_ATTEMPTS must be > 0"))
	}

	return cfg, errors.Join(errs...)
}

// loadDotEnv fills unset variables from ./.env when the file exists.
func loadDotEnv() {
	_ = godotenv.Load()
}

func setDurationFromEnv(target *time.Duration, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = d
	}
}

func setFloatFromEnv(target *float64, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = f
	}
}

func setIntFromEnv(target *int, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		i, err := strconv.Atoi(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = i
	}
}

func setBoolFromEnv(target *bool, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = b
	}
}

func setStringFromEnv(target *string, key string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		*target = v
	}
}

func splitAndTrim(v string) []string {
	raw := strings.Split(v, ",")
	out := make([]string, 0, len(raw))
	for _, r := range raw {
		r = strings.TrimSpace(r)
		if r == "" {
			continue
		}
		out = append(out, r)
	}
	return out
}
