package memory

import (
	"sort"
	"sync"
	"time"

	"github.com/vladislavdragonenkov/rewards/internal/domain"
)

// redeemRepositoryInMemory — in-memory реализация RedeemRepository.
// Вторичный индекс byCode обеспечивает уникальность кода и O(1) lookup.
type redeemRepositoryInMemory struct {
	mu     sync.RWMutex
	items  map[string]domain.Redeem
	byCode map[string]string
}

// NewRedeemRepository возвращает in-memory репозиторий для локальной разработки и тестов.
func NewRedeemRepository() domain.RedeemRepository {
	return &redeemRepositoryInMemory{
		items:  make(map[string]domain.Redeem),
		byCode: make(map[string]string),
	}
}

// Create сохраняет новый выкуп, если ID ещё не занят.
func (r *redeemRepositoryInMemory) Create(redeem domain.Redeem) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.items[redeem.ID]; exists {
		return domain.ErrRedeemVersionConflict
	}
	r.items[redeem.ID] = redeem
	if redeem.Code != "" {
		r.byCode[redeem.Code] = redeem.ID
	}
	return nil
}

// Get возвращает выкуп или ErrRedeemNotFound, если его нет.
func (r *redeemRepositoryInMemory) Get(id string) (domain.Redeem, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	redeem, ok := r.items[id]
	if !ok {
		return domain.Redeem{}, domain.ErrRedeemNotFound
	}
	return redeem, nil
}

// GetByCode возвращает выкуп по одноразовому коду.
func (r *redeemRepositoryInMemory) GetByCode(code string) (domain.Redeem, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	id, ok := r.byCode[code]
	if !ok {
		return domain.Redeem{}, domain.ErrRedeemNotFound
	}
	return r.items[id], nil
}

// ListByUser возвращает выкупы пользователя, от новых к старым.
func (r *redeemRepositoryInMemory) ListByUser(userID string, limit int) ([]domain.Redeem, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]domain.Redeem, 0)
	for _, redeem := range r.items {
		if redeem.UserID != userID {
			continue
		}
		result = append(result, redeem)
	}
	sortRedeems(result)
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

// ListByReward возвращает выкупы по награде.
func (r *redeemRepositoryInMemory) ListByReward(rewardID string, limit int) ([]domain.Redeem, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]domain.Redeem, 0)
	for _, redeem := range r.items {
		if redeem.RewardID != rewardID {
			continue
		}
		result = append(result, redeem)
	}
	sortRedeems(result)
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

// Save перезаписывает выкуп, проверяя версию (optimistic locking) и
// поддерживая индекс по коду.
func (r *redeemRepositoryInMemory) Save(redeem domain.Redeem) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	current, ok := r.items[redeem.ID]
	if !ok {
		return domain.ErrRedeemNotFound
	}
	if current.Version != redeem.Version {
		return domain.ErrRedeemVersionConflict
	}

	if current.Code != "" && current.Code != redeem.Code {
		delete(r.byCode, current.Code)
	}
	if redeem.Code != "" {
		r.byCode[redeem.Code] = redeem.ID
	}

	redeem.Version++
	r.items[redeem.ID] = redeem
	return nil
}

// Consume атомарно гасит код: проверка владельца, статуса и установка
// used выполняются под одной блокировкой, так что из конкурентных попыток
// выигрывает ровно одна.
func (r *redeemRepositoryInMemory) Consume(code, userID string, usedAt time.Time) (domain.Redeem, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	id, ok := r.byCode[code]
	if !ok {
		return domain.Redeem{}, domain.ErrRedeemNotFound
	}
	redeem := r.items[id]

	// Чужой код неотличим от несуществующего.
	if redeem.UserID != userID {
		return domain.Redeem{}, domain.ErrRedeemNotFound
	}
	if redeem.Status == domain.RedeemStatusConsumed {
		return domain.Redeem{}, domain.ErrRedeemAlreadyUsed
	}
	if !redeem.CanConsume() {
		return domain.Redeem{}, domain.ErrRedeemNotCompleted
	}

	redeem.Status = domain.RedeemStatusConsumed
	redeem.UsedAt = usedAt.UTC()
	redeem.UpdatedAt = usedAt.UTC()
	redeem.Version++
	r.items[id] = redeem
	return redeem, nil
}

func sortRedeems(redeems []domain.Redeem) {
	sort.Slice(redeems, func(i, j int) bool {
		if !redeems[i].RequestedAt.Equal(redeems[j].RequestedAt) {
			return redeems[i].RequestedAt.After(redeems[j].RequestedAt)
		}
		return redeems[i].ID > redeems[j].ID
	})
}

var _ domain.RedeemRepository = (*redeemRepositoryInMemory)(nil)
