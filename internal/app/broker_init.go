package app

import (
	"context"
	"fmt"
	"strings"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/rewards/internal/messaging"
	"github.com/vladislavdragonenkov/rewards/internal/messaging/kafka"
	"github.com/vladislavdragonenkov/rewards/internal/messaging/rabbit"
	"github.com/vladislavdragonenkov/rewards/internal/service/saga"
)

// initPublisher создаёт publisher выбранного брокера. Пустой Broker означает
// режим без публикации: outbox копит сообщения до появления брокера.
func initPublisher(cfg Config, logger *log.Entry) (messaging.Publisher, error) {
	switch cfg.Broker {
	case "":
		logger.Warn("no broker configured, outbox messages will accumulate")
		return nil, nil
	case "kafka":
		brokers := strings.Split(cfg.KafkaBrokers, ",")
		producer, err := kafka.NewProducer(brokers)
		if err != nil {
			return nil, fmt.Errorf("create kafka producer: %w", err)
		}
		logger.WithField("brokers", brokers).Info("kafka producer initialized")
		return producer, nil
	case "rabbit":
		publisher, err := rabbit.NewPublisher(cfg.RabbitURL)
		if err != nil {
			return nil, fmt.Errorf("create rabbit publisher: %w", err)
		}
		logger.Info("rabbitmq publisher initialized")
		return publisher, nil
	default:
		return nil, fmt.Errorf("unsupported broker: %s", cfg.Broker)
	}
}

// initOutcomeConsumer подписывает handler на поток исходов транзакций.
func initOutcomeConsumer(cfg Config, handler messaging.Handler, logger *log.Entry) (messaging.Consumer, error) {
	switch cfg.Broker {
	case "":
		return nil, nil
	case "kafka":
		brokers := strings.Split(cfg.KafkaBrokers, ",")
		consumer, err := kafka.NewConsumer(brokers, cfg.ConsumerGroup,
			[]string{messaging.DestinationTransactionOutcomes}, handler)
		if err != nil {
			return nil, fmt.Errorf("create kafka consumer: %w", err)
		}
		logger.WithField("topic", messaging.DestinationTransactionOutcomes).Info("kafka outcome consumer initialized")
		return consumer, nil
	case "rabbit":
		consumer := rabbit.NewConsumer(cfg.RabbitURL, messaging.DestinationTransactionOutcomes, handler)
		logger.WithField("queue", messaging.DestinationTransactionOutcomes).Info("rabbitmq outcome consumer initialized")
		return consumer, nil
	default:
		return nil, fmt.Errorf("unsupported broker: %s", cfg.Broker)
	}
}

// closePublisher закрывает publisher, если он был создан.
func closePublisher(publisher messaging.Publisher, logger *log.Entry) {
	if publisher == nil {
		return
	}
	if err := publisher.Close(); err != nil {
		logger.WithError(err).Warn("failed to close broker publisher")
	} else {
		logger.Info("broker publisher closed")
	}
}

// outcomeHandler переводит входящее сообщение брокера в шаг саги.
// Неизвестный correlation id оркестратор сам логирует и глотает, поэтому
// такие сообщения подтверждаются и не зацикливают доставку.
func outcomeHandler(orchestrator saga.Orchestrator, logger *log.Entry) messaging.Handler {
	return func(_ context.Context, payload []byte) error {
		outcome, err := messaging.ParseTransactionOutcome(payload)
		if err != nil {
			// Сообщение не станет валиднее при повторе.
			logger.WithError(err).Warn("dropping malformed transaction outcome")
			return nil
		}
		return orchestrator.HandleTransactionOutcome(outcome.CorrelationID, outcome.Completed)
	}
}
