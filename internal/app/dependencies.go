package app

import (
	"context"
	"fmt"

	goredis "github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/rewards/internal/domain"
	"github.com/vladislavdragonenkov/rewards/internal/storage/memory"
	"github.com/vladislavdragonenkov/rewards/internal/storage/postgres"
	"github.com/vladislavdragonenkov/rewards/internal/storage/redis"
)

// Dependencies содержит хранилища и внешние подключения приложения.
type Dependencies struct {
	Rewards     domain.RewardRepository
	Redeems     domain.RedeemRepository
	Outbox      domain.OutboxRepository
	Timeline    domain.TimelineRepository
	Idempotency domain.IdempotencyRepository
	Logger      *log.Entry

	store       *postgres.Store
	redisClient *goredis.Client
}

// NewDependencies выбирает storage backend по конфигурации и собирает
// репозитории. Для postgres схема применяется на старте.
func NewDependencies(ctx context.Context, cfg Config, logger *log.Entry) (*Dependencies, error) {
	if logger == nil {
		logger = log.WithField("component", "app")
	}

	deps := &Dependencies{Logger: logger}

	switch cfg.StorageBackend {
	case "", "memory":
		deps.Rewards = memory.NewRewardRepository()
		deps.Redeems = memory.NewRedeemRepository()
		deps.Outbox = memory.NewOutboxRepository()
		deps.Timeline = memory.NewTimelineRepository()
		deps.Idempotency = memory.NewIdempotencyRepository()
		logger.Info("using in-memory storage")
	case "postgres":
		store, err := postgres.Open(ctx, cfg.PostgresDSN)
		if err != nil {
			return nil, fmt.Errorf("connect postgres: %w", err)
		}
		if err := store.EnsureSchema(ctx); err != nil {
			_ = store.Close()
			return nil, fmt.Errorf("apply migrations: %w", err)
		}
		deps.store = store
		deps.Rewards = postgres.NewRewardRepository(store)
		deps.Redeems = postgres.NewRedeemRepository(store)
		deps.Outbox = postgres.NewOutboxRepository(store)
		deps.Timeline = postgres.NewTimelineRepository(store)
		deps.Idempotency = postgres.NewIdempotencyRepository(store)
		logger.Info("using postgres storage")
	default:
		return nil, fmt.Errorf("unsupported storage backend: %s", cfg.StorageBackend)
	}

	if cfg.IdempotencyBackend == "redis" {
		client, err := redis.NewClient(redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		if err != nil {
			deps.Close()
			return nil, fmt.Errorf("connect redis: %w", err)
		}
		deps.redisClient = client
		deps.Idempotency = redis.NewIdempotencyRepository(client)
		logger.WithField("addr", cfg.RedisAddr).Info("using redis idempotency store")
	}

	return deps, nil
}

// Store возвращает postgres-подключение или nil для in-memory режима.
func (d *Dependencies) Store() *postgres.Store {
	return d.store
}

// Close освобождает внешние подключения.
func (d *Dependencies) Close() {
	if d.redisClient != nil {
		if err := d.redisClient.Close(); err != nil {
			d.Logger.WithError(err).Warn("close redis client failed")
		}
		d.redisClient = nil
	}
	if d.store != nil {
		if err := d.store.Close(); err != nil {
			d.Logger.WithError(err).Warn("close postgres store failed")
		}
		d.store = nil
	}
}
