package messaging

import (
	"encoding/json"
	"fmt"
	"time"
)

// Destinations сервиса. Для Kafka это topics, для RabbitMQ — очереди с теми
// же именами, чтобы конфигурация внешних систем не зависела от брокера.
const (
	DestinationTransactionRequests = "rewards.transaction.requests"
	DestinationTransactionOutcomes = "rewards.transaction.outcomes"
	DestinationNotifications       = "rewards.notifications"
	DestinationWalletData          = "rewards.wallet.data"
	DestinationRedeemEvents        = "rewards.redeem.events"
	DestinationDeadLetterQueue     = "rewards.dlq"
)

// Заголовки для retry-логики consumer'а.
const (
	HeaderRetryCount    = "x-retry-count"
	HeaderOriginalTopic = "x-original-topic"
	HeaderErrorMessage  = "x-error-message"
	HeaderFailedAt      = "x-failed-at"
)

// TransactionRequest — исходящий запрос на списание средств во внешнюю
// транзакционную систему. CorrelationID равен идентификатору выкупа и
// возвращается обратно в исходе.
type TransactionRequest struct {
	PayerID       string    `json:"payer_id"`
	CorrelationID string    `json:"correlation_id"`
	AmountMinor   int64     `json:"amount_minor"`
	Description   string    `json:"description"`
	RequestedAt   time.Time `json:"requested_at"`
}

// TransactionOutcome — входящее асинхронное уведомление об исходе списания.
// Доставка at-least-once: возможны дубликаты и задержки.
type TransactionOutcome struct {
	CorrelationID string    `json:"correlation_id"`
	Completed     bool      `json:"completed"`
	OccurredAt    time.Time `json:"occurred_at,omitempty"`
}

// NotificationMessage — исходящее уведомление пользователю, fire-and-forget.
type NotificationMessage struct {
	Receiver     string `json:"receiver"`
	Message      string `json:"message"`
	Subject      string `json:"subject"`
	Type         string `json:"type"`
	Email        bool   `json:"email"`
	Notification bool   `json:"notification"`
}

// WalletProvision просит транзакционную систему завести кошелёк под награду,
// чтобы списания в её пользу стали возможны.
type WalletProvision struct {
	RewardID string `json:"reward_id"`
}

// RedeemEvent — событие жизненного цикла выкупа для внешних подписчиков.
type RedeemEvent struct {
	EventType string                 `json:"event_type"`
	RedeemID  string                 `json:"redeem_id"`
	Timestamp time.Time              `json:"timestamp"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
}

// NewRedeemEvent создаёт событие жизненного цикла выкупа.
func NewRedeemEvent(eventType, redeemID string, metadata map[string]interface{}) *RedeemEvent {
	return &RedeemEvent{
		EventType: eventType,
		RedeemID:  redeemID,
		Timestamp: time.Now().UTC(),
		Metadata:  metadata,
	}
}

// ParseTransactionOutcome разбирает payload исхода транзакции.
func ParseTransactionOutcome(payload []byte) (*TransactionOutcome, error) {
	var outcome TransactionOutcome
	if err := json.Unmarshal(payload, &outcome); err != nil {
		return nil, fmt.Errorf("unmarshal transaction outcome: %w", err)
	}
	if outcome.CorrelationID == "" {
		return nil, fmt.Errorf("transaction outcome without correlation_id")
	}
	return &outcome, nil
}
