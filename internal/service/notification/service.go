package notification

import (
	"encoding/json"
	"fmt"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/rewards/internal/domain"
	"github.com/vladislavdragonenkov/rewards/internal/messaging"
)

// Service ставит уведомления пользователям в outbox. Доставка fire-and-forget:
// сбой нотификации не влияет на исход выкупа.
type Service struct {
	outbox domain.OutboxRepository
	logger *log.Entry
}

// NewService создаёт сервис уведомлений.
func NewService(outbox domain.OutboxRepository, logger *log.Entry) *Service {
	if logger == nil {
		logger = log.New().WithField("component", "notification")
	}
	return &Service{outbox: outbox, logger: logger}
}

// BuildRedeemCodeMessage собирает письмо с одноразовым кодом выкупа.
func BuildRedeemCodeMessage(receiver, code string) messaging.NotificationMessage {
	return messaging.NotificationMessage{
		Receiver:     receiver,
		Message:      fmt.Sprintf("Your redeem code is: %s", code),
		Subject:      "Redeem Code",
		Type:         "redeem",
		Email:        true,
		Notification: false,
	}
}

// QueueRedeemCode ставит в outbox уведомление с кодом выкупа.
func (s *Service) QueueRedeemCode(receiver, code string) error {
	msg := BuildRedeemCodeMessage(receiver, code)
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}

	if _, err := s.outbox.Enqueue(domain.OutboxMessage{
		AggregateType: "notification",
		AggregateID:   receiver,
		EventType:     domain.EventTypeNotificationQueued,
		Payload:       payload,
	}); err != nil {
		return fmt.Errorf("enqueue notification: %w", err)
	}

	s.logger.WithField("receiver", receiver).Debug("redeem code notification queued")
	return nil
}
