package domain

import "time"

// OutboxPublisher доводит записи outbox до брокера.
type OutboxPublisher interface {
	// Publish обязан быть идемпотентным: запись может быть отправлена повторно.
	Publish(event OutboxMessage) error
}

// OutboxRepository — transactional outbox: события пишутся в одной
// транзакции с изменением состояния выкупа и публикуются воркером.
type OutboxRepository interface {
	Enqueue(msg OutboxMessage) (OutboxMessage, error)
	PullPending(limit int) ([]OutboxMessage, error)
	Stats() (OutboxStats, error)
	MarkSent(id string) error
	MarkFailed(id string) error
}

// TimelineRepository хранит события жизненного цикла выкупа.
type TimelineRepository interface {
	Append(event TimelineEvent) error
	List(redeemID string) ([]TimelineEvent, error)
}

// IdempotencyRepository хранит состояние обработки запросов по idempotency-key.
type IdempotencyRepository interface {
	CreateProcessing(key, requestHash string, ttlAt time.Time) (IdempotencyRecord, error)
	Get(key string) (IdempotencyRecord, error)
	MarkDone(key string, responseBody []byte, httpStatus int) error
	MarkFailed(key string, responseBody []byte, httpStatus int) error
	DeleteExpired(before time.Time, limit int) (int, error)
}

// OutboxMessage — одна запись outbox, готовая к публикации.
type OutboxMessage struct {
	ID            string
	AggregateType string
	AggregateID   string
	EventType     string
	Payload       []byte
}

// OutboxStats описывает текущее состояние backlog transactional outbox.
type OutboxStats struct {
	PendingCount    int
	OldestPendingAt time.Time
}

// Типы исходящих событий, по которым outbox worker выбирает destination.
const (
	EventTypeTransactionRequested = "TransactionRequested"
	EventTypeNotificationQueued   = "NotificationQueued"
	EventTypeWalletProvision      = "WalletProvisionRequested"
	EventTypeRedeemStatusChanged  = "RedeemStatusChanged"
	EventTypeRedeemFailed         = "RedeemFailed"
	EventTypeRedeemFulfilled      = "RedeemFulfilled"
	EventTypeRedeemConsumed       = "RedeemConsumed"
)
