package memory

import (
	"sort"
	"sync"

	"github.com/vladislavdragonenkov/rewards/internal/domain"
)

// timelineRepositoryInMemory хранит события в памяти (для разработки/тестов).
type timelineRepositoryInMemory struct {
	mu     sync.RWMutex
	events map[string][]domain.TimelineEvent
}

// NewTimelineRepository создаёт in-memory реализацию TimelineRepository.
func NewTimelineRepository() domain.TimelineRepository {
	return &timelineRepositoryInMemory{events: make(map[string][]domain.TimelineEvent)}
}

// Append добавляет событие в хранилище.
func (r *timelineRepositoryInMemory) Append(event domain.TimelineEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.events[event.RedeemID] = append(r.events[event.RedeemID], event)

	sort.Slice(r.events[event.RedeemID], func(i, j int) bool {
		return r.events[event.RedeemID][i].Occurred.Before(r.events[event.RedeemID][j].Occurred)
	})

	return nil
}

// List возвращает события выкупа в хронологическом порядке.
func (r *timelineRepositoryInMemory) List(redeemID string) ([]domain.TimelineEvent, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	events := r.events[redeemID]
	result := make([]domain.TimelineEvent, len(events))
	copy(result, events)
	return result, nil
}

var _ domain.TimelineRepository = (*timelineRepositoryInMemory)(nil)
