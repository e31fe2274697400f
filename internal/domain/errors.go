package domain

import "errors"

var (
	// Ошибка отсутствующего имени награды.
	ErrRewardNameRequired = errors.New("reward name is required")
	// Ошибка отрицательной стоимости награды.
	ErrRewardCostNegative = errors.New("reward cost_minor must be non-negative")
	// Ошибка отрицательного остатка награды.
	ErrRewardQuantityNegative = errors.New("reward quantity must be non-negative")
	// Ошибка отрицательного счётчика продаж.
	ErrRewardSoldNegative = errors.New("reward sold must be non-negative")
	// Ошибка некорректного счётчика удержанных единиц.
	ErrRewardReservedInvalid = errors.New("reward reserved must be within [0, quantity]")
	// Ошибка отсутствующего идентификатора награды в выкупе.
	ErrRewardIDRequired = errors.New("reward_id is required")
	// Ошибка отсутствующего идентификатора пользователя.
	ErrUserRequired = errors.New("user_id is required")
	// Ошибка некорректного количества в выкупе (<= 0).
	ErrRedeemQtyInvalid = errors.New("redeem quantity must be greater than zero")

	// ErrRewardNotFound возвращается, если награда не найдена в репозитории.
	ErrRewardNotFound = errors.New("reward not found")
	// ErrOutOfStock — награда неактивна или доступного остатка не хватает.
	ErrOutOfStock = errors.New("reward not available or out of stock")
	// ErrRedeemNotFound возвращается, если выкуп не найден. Тот же сигнал
	// используется для чужих кодов, чтобы не раскрывать их существование.
	ErrRedeemNotFound = errors.New("redeem not found")
	// ErrRedeemNotCompleted — код существует, но транзакция не была подтверждена.
	ErrRedeemNotCompleted = errors.New("invalid redeem code")
	// ErrRedeemAlreadyUsed — одноразовый код уже погашен.
	ErrRedeemAlreadyUsed = errors.New("redeem already used")
	// ErrUserNotAuthorized — действующий пользователь не владеет ресурсом.
	ErrUserNotAuthorized = errors.New("user is not authorized for this resource")

	// ErrRewardVersionConflict сигнализирует о конфликте версий при сохранении награды.
	ErrRewardVersionConflict = errors.New("reward version conflict")
	// ErrRedeemVersionConflict сигнализирует о конфликте версий при сохранении выкупа.
	ErrRedeemVersionConflict = errors.New("redeem version conflict")
	// ErrStockInconsistent — финализация увела бы остаток в минус; фатальная
	// рассогласованность данных, не обрабатывается компенсацией.
	ErrStockInconsistent = errors.New("reward stock inconsistent: decrement below zero")

	// ErrOutboxPublish — ошибка при публикации сообщения из outbox.
	ErrOutboxPublish = errors.New("outbox publish failed")

	// ErrIdempotencyKeyRequired — пустой idempotency-key.
	ErrIdempotencyKeyRequired = errors.New("idempotency key is required")
	// ErrIdempotencyRequestHashRequired — пустой hash запроса.
	ErrIdempotencyRequestHashRequired = errors.New("idempotency request hash is required")
	// ErrIdempotencyKeyNotFound — ключ не найден в хранилище.
	ErrIdempotencyKeyNotFound = errors.New("idempotency key not found")
	// ErrIdempotencyKeyAlreadyExists — повтор запроса с тем же ключом и hash.
	ErrIdempotencyKeyAlreadyExists = errors.New("idempotency key already exists")
	// ErrIdempotencyHashMismatch — тот же ключ использован для другого запроса.
	ErrIdempotencyHashMismatch = errors.New("idempotency key reused with different request")
)

// IsVersionConflict проверяет, является ли ошибка конфликтом версий.
func IsVersionConflict(err error) bool {
	return errors.Is(err, ErrRewardVersionConflict) || errors.Is(err, ErrRedeemVersionConflict)
}

// IsNotFound проверяет, относится ли ошибка к классу not-found.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrRewardNotFound) || errors.Is(err, ErrRedeemNotFound)
}
