package domain

import "time"

// IdempotencyStatus — стадия обработки запроса, связанного с Idempotency-Key.
type IdempotencyStatus string

const (
	// IdempotencyStatusProcessing — ключ захвачен, ответ ещё не сохранён.
	IdempotencyStatusProcessing IdempotencyStatus = "processing"
	// IdempotencyStatusDone — обработка закончилась успешно, ответ зафиксирован.
	IdempotencyStatusDone IdempotencyStatus = "done"
	// IdempotencyStatusFailed — обработка закончилась ошибкой, ответ зафиксирован.
	IdempotencyStatusFailed IdempotencyStatus = "failed"
)

// Valid проверяет, что статус относится к поддерживаемым значениям.
func (s IdempotencyStatus) Valid() bool {
	return s == IdempotencyStatusProcessing || s == IdempotencyStatusDone || s == IdempotencyStatusFailed
}

// IdempotencyRecord — сохранённый результат запроса с Idempotency-Key.
// Повтор с тем же ключом и хэшем тела получает ResponseBody/HTTPStatus
// вместо повторной обработки, пока не истёк TTLAt.
type IdempotencyRecord struct {
	Key          string
	RequestHash  string
	ResponseBody []byte
	HTTPStatus   int
	Status       IdempotencyStatus
	TTLAt        time.Time
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Expired сообщает, что запись пережила свой TTL и подлежит удалению.
func (r IdempotencyRecord) Expired(now time.Time) bool {
	return !r.TTLAt.IsZero() && r.TTLAt.Before(now)
}
