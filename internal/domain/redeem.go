package domain

import "time"

// RedeemStatus описывает жизненный цикл одной попытки выкупа награды.
type RedeemStatus string

const (
	// RedeemStatusPending — резервирование создано, ждём исход внешней транзакции.
	RedeemStatusPending RedeemStatus = "pending"
	// RedeemStatusFulfilled — транзакция подтверждена, код выкупа выпущен.
	RedeemStatusFulfilled RedeemStatus = "fulfilled"
	// RedeemStatusFailed — транзакция отклонена; терминальный статус, код не выпускается.
	RedeemStatusFailed RedeemStatus = "failed"
	// RedeemStatusConsumed — код выкупа погашен владельцем; терминальный статус.
	RedeemStatusConsumed RedeemStatus = "consumed"
)

// Valid проверяет, что статус относится к поддерживаемым значениям.
func (s RedeemStatus) Valid() bool {
	switch s {
	case RedeemStatusPending, RedeemStatusFulfilled, RedeemStatusFailed, RedeemStatusConsumed:
		return true
	default:
		return false
	}
}

// Terminal сообщает, допускает ли статус дальнейшие переходы.
func (s RedeemStatus) Terminal() bool {
	return s == RedeemStatusFailed || s == RedeemStatusConsumed
}

// Redeem агрегирует одну попытку выкупа: резервирование, исход транзакции
// и одноразовый код.
type Redeem struct {
	ID       string
	RewardID string
	// UserID — идентификатор владельца; только он может погасить код.
	UserID   string
	Quantity int32
	Status   RedeemStatus
	// Code заполняется единственный раз, тем же шагом, что переводит
	// выкуп в статус fulfilled.
	Code string
	// RequestedAt — момент резервирования.
	RequestedAt time.Time
	// UsedAt — момент погашения кода; нулевое время, пока код не использован.
	UsedAt    time.Time
	Version   int64
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Redeemed возвращает true, если внешняя транзакция была подтверждена.
func (r *Redeem) Redeemed() bool {
	return r.Status == RedeemStatusFulfilled || r.Status == RedeemStatusConsumed
}

// Used возвращает true, если одноразовый код уже погашен.
func (r *Redeem) Used() bool {
	return r.Status == RedeemStatusConsumed
}

// CanFulfill проверяет, допустим ли переход в fulfilled/failed.
// Повторная доставка исхода для уже завершённого выкупа — no-op.
func (r *Redeem) CanFulfill() bool {
	return r.Status == RedeemStatusPending
}

// CanConsume проверяет, допустимо ли погашение кода.
func (r *Redeem) CanConsume() bool {
	return r.Status == RedeemStatusFulfilled && r.Code != ""
}

// Validate проверяет, корректно ли заполнены ключевые поля выкупа.
func (r *Redeem) Validate() []error {
	var errs []error

	if r.RewardID == "" {
		errs = append(errs, ErrRewardIDRequired)
	}
	if r.UserID == "" {
		errs = append(errs, ErrUserRequired)
	}
	if r.Quantity <= 0 {
		errs = append(errs, ErrRedeemQtyInvalid)
	}

	return errs
}
