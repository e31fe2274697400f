package messaging

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/vladislavdragonenkov/rewards/internal/domain"
)

// routingPublisher публикует outbox-сообщения, выбирая destination по типу
// события. Работает поверх любого Publisher backend'а.
type routingPublisher struct {
	publisher Publisher
	routes    map[string]string
	fallback  string
}

// DefaultRoutes возвращает маршрутизацию событий сервиса наград:
// запросы транзакций, уведомления и данные кошельков уходят во внешние
// системы, остальной жизненный цикл — в общий поток событий выкупов.
func DefaultRoutes() map[string]string {
	return map[string]string{
		domain.EventTypeTransactionRequested: DestinationTransactionRequests,
		domain.EventTypeNotificationQueued:   DestinationNotifications,
		domain.EventTypeWalletProvision:      DestinationWalletData,
	}
}

// NewOutboxPublisher создаёт паблишер для transactional outbox.
func NewOutboxPublisher(publisher Publisher, routes map[string]string) domain.OutboxPublisher {
	if routes == nil {
		routes = DefaultRoutes()
	}
	return &routingPublisher{
		publisher: publisher,
		routes:    routes,
		fallback:  DestinationRedeemEvents,
	}
}

// NewDLQPublisher создаёт паблишер, отправляющий любое сообщение в DLQ.
// Используется outbox worker'ом после исчерпания попыток публикации.
func NewDLQPublisher(publisher Publisher) domain.OutboxPublisher {
	return &routingPublisher{
		publisher: publisher,
		routes:    map[string]string{},
		fallback:  DestinationDeadLetterQueue,
	}
}

func (p *routingPublisher) Publish(event domain.OutboxMessage) error {
	if p == nil || p.publisher == nil {
		return fmt.Errorf("outbox publisher is not initialized")
	}

	key := event.AggregateID
	if key == "" {
		key = event.ID
	}

	destination, ok := p.routes[event.EventType]
	if !ok {
		destination = p.fallback
	}

	// Запросы во внешние шлюзы уходят голым payload'ом — это их контракт.
	// Собственные события сервиса заворачиваются в envelope с метаданными.
	body := event.Payload
	if !ok {
		envelope := struct {
			ID            string          `json:"id"`
			AggregateType string          `json:"aggregate_type"`
			AggregateID   string          `json:"aggregate_id"`
			EventType     string          `json:"event_type"`
			Payload       json.RawMessage `json:"payload"`
			PublishedAt   time.Time       `json:"published_at"`
		}{
			ID:            event.ID,
			AggregateType: event.AggregateType,
			AggregateID:   event.AggregateID,
			EventType:     event.EventType,
			Payload:       json.RawMessage(event.Payload),
			PublishedAt:   time.Now().UTC(),
		}
		data, err := json.Marshal(envelope)
		if err != nil {
			return fmt.Errorf("marshal outbox envelope: %w", err)
		}
		body = data
	}

	return p.publisher.Publish(context.Background(), destination, key, body)
}

var _ domain.OutboxPublisher = (*routingPublisher)(nil)
