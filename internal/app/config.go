package app

import (
	"os"
	"strconv"
	"time"
)

// Config описывает настройки запуска сервиса наград. Все значения читаются
// из переменных окружения с префиксом REWARDS_.
type Config struct {
	HTTPAddr    string
	MetricsAddr string

	JWTSecret string

	// StorageBackend: memory | postgres.
	StorageBackend string
	PostgresDSN    string

	// Broker: "" (outbox копится без публикации) | kafka | rabbit.
	Broker        string
	KafkaBrokers  string
	RabbitURL     string
	ConsumerGroup string

	// IdempotencyBackend: storage (хранилище StorageBackend) | redis.
	IdempotencyBackend string
	RedisAddr          string
	RedisPassword      string
	RedisDB            int

	IdempotencyTTL     time.Duration
	OutboxPollInterval time.Duration
}

// DefaultConfig возвращает конфигурацию для локальной разработки:
// in-memory хранилище, без брокера.
func DefaultConfig() Config {
	return Config{
		HTTPAddr:           ":8080",
		MetricsAddr:        ":9090",
		JWTSecret:          "dev-secret",
		StorageBackend:     "memory",
		Broker:             "",
		ConsumerGroup:      "rewards-service",
		IdempotencyBackend: "storage",
		IdempotencyTTL:     24 * time.Hour,
		OutboxPollInterval: 2 * time.Second,
	}
}

// LoadConfig читает конфигурацию из окружения поверх значений по умолчанию.
func LoadConfig() Config {
	cfg := DefaultConfig()

	setString(&cfg.HTTPAddr, "REWARDS_HTTP_ADDR")
	setString(&cfg.MetricsAddr, "REWARDS_METRICS_ADDR")
	setString(&cfg.JWTSecret, "REWARDS_JWT_SECRET")
	setString(&cfg.StorageBackend, "REWARDS_STORAGE")
	setString(&cfg.PostgresDSN, "REWARDS_POSTGRES_DSN")
	setString(&cfg.Broker, "REWARDS_BROKER")
	setString(&cfg.KafkaBrokers, "REWARDS_KAFKA_BROKERS")
	setString(&cfg.RabbitURL, "REWARDS_RABBIT_URL")
	setString(&cfg.ConsumerGroup, "REWARDS_CONSUMER_GROUP")
	setString(&cfg.IdempotencyBackend, "REWARDS_IDEMPOTENCY_BACKEND")
	setString(&cfg.RedisAddr, "REWARDS_REDIS_ADDR")
	setString(&cfg.RedisPassword, "REWARDS_REDIS_PASSWORD")
	setInt(&cfg.RedisDB, "REWARDS_REDIS_DB")
	setDuration(&cfg.IdempotencyTTL, "REWARDS_IDEMPOTENCY_TTL")
	setDuration(&cfg.OutboxPollInterval, "REWARDS_OUTBOX_POLL_INTERVAL")

	return cfg
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setDuration(dst *time.Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			*dst = d
		}
	}
}
