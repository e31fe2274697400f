// Package rabbit реализует транспорт сервиса наград поверх RabbitMQ.
package rabbit

import (
	"context"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/rewards/internal/messaging"
)

// Publisher публикует сообщения в durable-очереди RabbitMQ.
type Publisher struct {
	mu       sync.Mutex
	conn     *amqp.Connection
	channel  *amqp.Channel
	declared map[string]bool
	logger   *log.Entry
}

// NewPublisher подключается к брокеру по AMQP URL.
func NewPublisher(url string) (*Publisher, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("dial rabbitmq: %w", err)
	}

	channel, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}

	return &Publisher{
		conn:     conn,
		channel:  channel,
		declared: make(map[string]bool),
		logger:   log.WithField("component", "rabbit-publisher"),
	}, nil
}

// Publish доставляет payload в очередь destination. Очередь объявляется
// durable и идемпотентно, сообщения помечаются persistent.
func (p *Publisher) Publish(ctx context.Context, destination, key string, payload []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.declared[destination] {
		if _, err := p.channel.QueueDeclare(destination, true, false, false, false, nil); err != nil {
			return fmt.Errorf("declare queue %s: %w", destination, err)
		}
		p.declared[destination] = true
	}

	pub := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now().UTC(),
		MessageId:    key,
		Body:         payload,
	}

	if err := p.channel.PublishWithContext(ctx, "", destination, false, false, pub); err != nil {
		p.logger.WithError(err).WithField("queue", destination).Error("failed to publish message")
		return fmt.Errorf("publish to %s: %w", destination, err)
	}

	p.logger.WithFields(log.Fields{
		"queue": destination,
		"key":   key,
	}).Debug("message published to rabbitmq")

	return nil
}

// Close закрывает канал и соединение.
func (p *Publisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.channel != nil {
		_ = p.channel.Close()
	}
	if p.conn != nil {
		if err := p.conn.Close(); err != nil {
			return fmt.Errorf("close rabbitmq connection: %w", err)
		}
	}
	return nil
}

var _ messaging.Publisher = (*Publisher)(nil)
