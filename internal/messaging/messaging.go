// Package messaging задаёт транспортную абстракцию сервиса наград.
//
// Брокеры (Kafka, RabbitMQ) взаимозаменяемы: каждый backend реализует одну
// способность — доставить payload в именованный destination. Выбор backend
// делается конфигурацией, бизнес-код о нём не знает.
package messaging

import "context"

// Publisher доставляет сообщение в destination (topic или очередь).
type Publisher interface {
	Publish(ctx context.Context, destination, key string, payload []byte) error
	Close() error
}

// Handler обрабатывает входящее сообщение. Ошибка означает, что доставку
// нельзя подтверждать: backend сам решает про retry и DLQ.
type Handler func(ctx context.Context, payload []byte) error

// Consumer принимает сообщения из destination до отмены контекста.
type Consumer interface {
	Start(ctx context.Context) error
	Stop() error
}
