package memory

import (
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/vladislavdragonenkov/rewards/internal/domain"
)

// rewardRepositoryInMemory — in-memory реализация RewardRepository.
// Мьютекс делает условные обновления счётчиков атомарными относительно
// конкурентных резервирований и финализаций.
type rewardRepositoryInMemory struct {
	mu    sync.RWMutex
	items map[string]domain.Reward
}

// NewRewardRepository возвращает in-memory репозиторий для локальной разработки и тестов.
func NewRewardRepository() domain.RewardRepository {
	return &rewardRepositoryInMemory{
		items: make(map[string]domain.Reward),
	}
}

// Create сохраняет новую награду, если ID ещё не занят.
func (r *rewardRepositoryInMemory) Create(reward domain.Reward) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.items[reward.ID]; exists {
		return domain.ErrRewardVersionConflict
	}
	r.items[reward.ID] = reward
	return nil
}

// Get возвращает награду или ErrRewardNotFound, если её нет.
func (r *rewardRepositoryInMemory) Get(id string) (domain.Reward, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	reward, ok := r.items[id]
	if !ok {
		return domain.Reward{}, domain.ErrRewardNotFound
	}
	return reward, nil
}

// List возвращает весь каталог, новые записи первыми.
func (r *rewardRepositoryInMemory) List() ([]domain.Reward, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]domain.Reward, 0, len(r.items))
	for _, reward := range r.items {
		result = append(result, reward)
	}
	sortRewards(result)
	return result, nil
}

// Find возвращает награды, удовлетворяющие фильтру.
func (r *rewardRepositoryInMemory) Find(filter domain.RewardFilter) ([]domain.Reward, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]domain.Reward, 0)
	for _, reward := range r.items {
		if !matchesFilter(reward, filter) {
			continue
		}
		result = append(result, reward)
	}
	sortRewards(result)
	return result, nil
}

// Save перезаписывает награду, проверяя версию (optimistic locking).
func (r *rewardRepositoryInMemory) Save(reward domain.Reward) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	current, ok := r.items[reward.ID]
	if !ok {
		return domain.ErrRewardNotFound
	}
	if current.Version != reward.Version {
		return domain.ErrRewardVersionConflict
	}
	reward.Version++
	r.items[reward.ID] = reward
	return nil
}

// ReserveStock атомарно удерживает qty единиц под новый выкуп.
func (r *rewardRepositoryInMemory) ReserveStock(id string, qty int32) (domain.Reward, error) {
	if qty <= 0 {
		return domain.Reward{}, domain.ErrRedeemQtyInvalid
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	reward, ok := r.items[id]
	if !ok {
		return domain.Reward{}, domain.ErrRewardNotFound
	}
	if !reward.CanReserve(qty) {
		return domain.Reward{}, domain.ErrOutOfStock
	}

	reward.Reserved += qty
	reward.UpdatedAt = time.Now().UTC()
	reward.Version++
	r.items[id] = reward
	return reward, nil
}

// CommitStock атомарно финализирует успешный выкуп qty единиц.
func (r *rewardRepositoryInMemory) CommitStock(id string, qty int32) (domain.Reward, error) {
	if qty <= 0 {
		return domain.Reward{}, domain.ErrRedeemQtyInvalid
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	reward, ok := r.items[id]
	if !ok {
		return domain.Reward{}, domain.ErrRewardNotFound
	}
	if err := reward.ApplyRedemption(qty); err != nil {
		return domain.Reward{}, err
	}

	reward.UpdatedAt = time.Now().UTC()
	reward.Version++
	r.items[id] = reward
	return reward, nil
}

// ReleaseStock атомарно снимает удержание после отклонённой транзакции.
func (r *rewardRepositoryInMemory) ReleaseStock(id string, qty int32) (domain.Reward, error) {
	if qty <= 0 {
		return domain.Reward{}, domain.ErrRedeemQtyInvalid
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	reward, ok := r.items[id]
	if !ok {
		return domain.Reward{}, domain.ErrRewardNotFound
	}

	reward.Reserved -= qty
	if reward.Reserved < 0 {
		reward.Reserved = 0
	}
	reward.UpdatedAt = time.Now().UTC()
	reward.Version++
	r.items[id] = reward
	return reward, nil
}

func matchesFilter(reward domain.Reward, filter domain.RewardFilter) bool {
	if filter.Name != "" && !strings.EqualFold(reward.Name, filter.Name) {
		return false
	}
	if filter.Category != "" && reward.Category != filter.Category {
		return false
	}
	if filter.Subcategory != "" && reward.Subcategory != filter.Subcategory {
		return false
	}
	if filter.Active == nil {
		// Публичный каталог по умолчанию показывает только активные награды.
		if !reward.Active {
			return false
		}
	} else if reward.Active != *filter.Active {
		return false
	}
	if filter.MinQuantity >= 0 && reward.Quantity < filter.MinQuantity {
		return false
	}
	if filter.MaxQuantity >= 0 && reward.Quantity > filter.MaxQuantity {
		return false
	}
	if filter.MinSold >= 0 && reward.Sold < filter.MinSold {
		return false
	}
	if filter.MaxSold >= 0 && reward.Sold > filter.MaxSold {
		return false
	}
	return true
}

func sortRewards(rewards []domain.Reward) {
	sort.Slice(rewards, func(i, j int) bool {
		if !rewards[i].AddedAt.Equal(rewards[j].AddedAt) {
			return rewards[i].AddedAt.After(rewards[j].AddedAt)
		}
		return rewards[i].ID > rewards[j].ID
	})
}

var _ domain.RewardRepository = (*rewardRepositoryInMemory)(nil)
