package domain

import "time"

// RewardFilter описывает критерии поиска по каталогу наград.
// Отрицательные значения числовых границ означают "без ограничения".
type RewardFilter struct {
	Name        string
	Category    string
	Subcategory string
	MinQuantity int32
	MaxQuantity int32
	MinSold     int32
	MaxSold     int32
	// Active == nil интерпретируется как "только активные" — поведение
	// публичного каталога по умолчанию.
	Active *bool
}

// RewardRepository описывает требования к хранилищу наград.
//
// ReserveStock, CommitStock и ReleaseStock обязаны быть атомарными
// относительно конкурентных вызовов для одной награды: проверка
// доступности и изменение счётчиков выполняются одним условным
// обновлением, а не read-modify-write.
type RewardRepository interface {
	// Create сохраняет новую награду. Возвращает ошибку, если запись с таким ID уже существует.
	Create(reward Reward) error
	// Get возвращает награду по идентификатору или ErrRewardNotFound, если её нет.
	Get(id string) (Reward, error)
	// Find возвращает награды, удовлетворяющие фильтру.
	Find(filter RewardFilter) ([]Reward, error)
	// List возвращает весь каталог.
	List() ([]Reward, error)
	// Save применяет обновления к награде с учётом optimistic locking.
	Save(reward Reward) error
	// ReserveStock атомарно удерживает qty единиц: reserved += qty, только
	// если награда активна и quantity - reserved >= qty. Иначе ErrOutOfStock.
	ReserveStock(id string, qty int32) (Reward, error)
	// CommitStock атомарно финализирует выкуп: quantity -= qty,
	// reserved -= qty, sold += qty, active=false при нулевом остатке.
	// ErrStockInconsistent, если остаток ушёл бы в минус.
	CommitStock(id string, qty int32) (Reward, error)
	// ReleaseStock атомарно снимает удержание после отклонённой транзакции.
	ReleaseStock(id string, qty int32) (Reward, error)
}

// RedeemRepository описывает требования к хранилищу выкупов.
type RedeemRepository interface {
	// Create сохраняет новый выкуп. Возвращает ошибку, если запись с таким ID уже существует.
	Create(redeem Redeem) error
	// Get возвращает выкуп по идентификатору или ErrRedeemNotFound, если его нет.
	Get(id string) (Redeem, error)
	// GetByCode возвращает выкуп по одноразовому коду (вторичный уникальный индекс).
	GetByCode(code string) (Redeem, error)
	// ListByUser возвращает выкупы пользователя, от новых к старым.
	ListByUser(userID string, limit int) ([]Redeem, error)
	// ListByReward возвращает выкупы по награде.
	ListByReward(rewardID string, limit int) ([]Redeem, error)
	// Save применяет обновления к выкупу с учётом optimistic locking.
	Save(redeem Redeem) error
	// Consume атомарно гасит код от имени владельца (check-and-set).
	// Из двух конкурентных вызовов для одного кода выигрывает ровно один;
	// проигравший получает ErrRedeemAlreadyUsed. Чужой или неизвестный
	// код — ErrRedeemNotFound; код без подтверждённой транзакции —
	// ErrRedeemNotCompleted.
	Consume(code, userID string, usedAt time.Time) (Redeem, error)
}
