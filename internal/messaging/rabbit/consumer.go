package rabbit

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/rewards/internal/messaging"
)

const (
	prefetchCount  = 50
	initialBackoff = time.Second
	maxBackoff     = 30 * time.Second
)

// Consumer читает одну очередь с reconnect-циклом. Сообщения, которые не
// удалось обработать, отклоняются без requeue, чтобы не зациклиться на
// ядовитом сообщении.
type Consumer struct {
	url     string
	queue   string
	handler messaging.Handler
	logger  *log.Entry

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewConsumer создаёт consumer очереди queue.
func NewConsumer(url, queue string, handler messaging.Handler) *Consumer {
	return &Consumer{
		url:     url,
		queue:   queue,
		handler: handler,
		logger:  log.WithField("component", "rabbit-consumer").WithField("queue", queue),
	}
}

// Start запускает consumer до отмены контекста.
func (c *Consumer) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.run(runCtx)
	}()

	c.logger.Info("rabbitmq consumer started")
	return nil
}

// Stop останавливает consumer и дожидается завершения цикла.
func (c *Consumer) Stop() error {
	if c.cancel != nil {
		c.cancel()
	}
	c.wg.Wait()
	c.logger.Info("rabbitmq consumer stopped")
	return nil
}

func (c *Consumer) run(ctx context.Context) {
	backoff := initialBackoff
	for {
		if ctx.Err() != nil {
			return
		}

		conn, err := amqp.Dial(c.url)
		if err != nil {
			c.logger.WithError(err).Warnf("failed to dial broker, retrying in %s", backoff)
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			if backoff < maxBackoff {
				backoff *= 2
			}
			continue
		}
		backoff = initialBackoff

		if err := c.consumeLoop(ctx, conn); err != nil && ctx.Err() == nil {
			c.logger.WithError(err).Warn("consume loop ended, reconnecting")
		}
		_ = conn.Close()
	}
}

func (c *Consumer) consumeLoop(ctx context.Context, conn *amqp.Connection) error {
	channel, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("open channel: %w", err)
	}
	defer func() { _ = channel.Close() }()

	if err := channel.Qos(prefetchCount, 0, false); err != nil {
		c.logger.WithError(err).Warn("set QoS failed")
	}

	if _, err := channel.QueueDeclare(c.queue, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare queue: %w", err)
	}

	deliveries, err := channel.Consume(c.queue, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("consume queue: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case d, ok := <-deliveries:
			if !ok {
				return errors.New("deliveries channel closed")
			}
			if err := c.handler(ctx, d.Body); err != nil {
				c.logger.WithError(err).Error("handle message failed")
				_ = d.Nack(false, false)
				continue
			}
			_ = d.Ack(false)
		}
	}
}

var _ messaging.Consumer = (*Consumer)(nil)
