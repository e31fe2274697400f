package catalog

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/rewards/internal/domain"
	"github.com/vladislavdragonenkov/rewards/internal/messaging"
)

// Service управляет каталогом наград: создание, обновление, активация.
type Service struct {
	rewards domain.RewardRepository
	outbox  domain.OutboxRepository
	logger  *log.Entry
}

// NewService создаёт сервис каталога.
func NewService(rewards domain.RewardRepository, outbox domain.OutboxRepository, logger *log.Entry) *Service {
	if logger == nil {
		logger = log.New().WithField("component", "catalog")
	}
	return &Service{rewards: rewards, outbox: outbox, logger: logger}
}

// CreateRewardInput — данные новой награды.
type CreateRewardInput struct {
	Name        string
	Description string
	Image       string
	Category    string
	Subcategory string
	CostMinor   int64
	Quantity    int32
}

// UpdateRewardInput — частичное обновление награды; nil-поля не меняются.
type UpdateRewardInput struct {
	Name        *string
	Description *string
	Image       *string
	Category    *string
	Subcategory *string
	CostMinor   *int64
	Quantity    *int32
}

// Create сохраняет новую награду и ставит в outbox запрос на создание
// кошелька во внешней транзакционной системе.
func (s *Service) Create(input CreateRewardInput) (domain.Reward, error) {
	now := time.Now().UTC()
	reward := domain.Reward{
		ID:          uuid.NewString(),
		Name:        input.Name,
		Description: input.Description,
		Image:       input.Image,
		Category:    input.Category,
		Subcategory: input.Subcategory,
		CostMinor:   input.CostMinor,
		Quantity:    input.Quantity,
		Active:      input.Quantity > 0,
		AddedAt:     now,
		UpdatedAt:   now,
	}
	if errs := reward.ValidateInvariants(); len(errs) > 0 {
		return domain.Reward{}, errs[0]
	}

	if err := s.rewards.Create(reward); err != nil {
		return domain.Reward{}, fmt.Errorf("create reward: %w", err)
	}

	if err := s.queueWalletProvision(reward.ID); err != nil {
		// Награда уже создана; без кошелька списания невозможны, но это
		// чинится повторной подачей события, а не откатом каталога.
		s.logger.WithError(err).WithField("reward_id", reward.ID).Error("queue wallet provision failed")
	}

	s.logger.WithFields(log.Fields{
		"reward_id": reward.ID,
		"name":      reward.Name,
		"quantity":  reward.Quantity,
	}).Info("reward created")
	return reward, nil
}

// Update применяет частичное обновление с retry по version conflict.
func (s *Service) Update(id string, input UpdateRewardInput) (domain.Reward, error) {
	const maxRetries = 3

	var lastErr error
	for attempt := 0; attempt < maxRetries; attempt++ {
		reward, err := s.rewards.Get(id)
		if err != nil {
			return domain.Reward{}, err
		}

		if input.Name != nil {
			reward.Name = *input.Name
		}
		if input.Description != nil {
			reward.Description = *input.Description
		}
		if input.Image != nil {
			reward.Image = *input.Image
		}
		if input.Category != nil {
			reward.Category = *input.Category
		}
		if input.Subcategory != nil {
			reward.Subcategory = *input.Subcategory
		}
		if input.CostMinor != nil {
			reward.CostMinor = *input.CostMinor
		}
		if input.Quantity != nil {
			reward.Quantity = *input.Quantity
		}
		reward.UpdatedAt = time.Now().UTC()

		if errs := reward.ValidateInvariants(); len(errs) > 0 {
			return domain.Reward{}, errs[0]
		}

		if err := s.rewards.Save(reward); err != nil {
			if domain.IsVersionConflict(err) {
				lastErr = err
				continue
			}
			return domain.Reward{}, err
		}
		reward.Version++
		return reward, nil
	}
	return domain.Reward{}, lastErr
}

// Activate делает награду видимой и доступной для выкупа.
func (s *Service) Activate(id string) (domain.Reward, error) {
	return s.setActive(id, true)
}

// Deactivate скрывает награду; существующие выкупы продолжают жить.
func (s *Service) Deactivate(id string) (domain.Reward, error) {
	return s.setActive(id, false)
}

func (s *Service) setActive(id string, active bool) (domain.Reward, error) {
	const maxRetries = 3

	var lastErr error
	for attempt := 0; attempt < maxRetries; attempt++ {
		reward, err := s.rewards.Get(id)
		if err != nil {
			return domain.Reward{}, err
		}
		if reward.Active == active {
			return reward, nil
		}
		// Активировать награду без остатка нельзя.
		if active && reward.Quantity == 0 {
			return domain.Reward{}, domain.ErrOutOfStock
		}

		reward.Active = active
		reward.UpdatedAt = time.Now().UTC()

		if err := s.rewards.Save(reward); err != nil {
			if domain.IsVersionConflict(err) {
				lastErr = err
				continue
			}
			return domain.Reward{}, err
		}
		reward.Version++

		s.logger.WithFields(log.Fields{
			"reward_id": id,
			"active":    active,
		}).Info("reward activation changed")
		return reward, nil
	}
	return domain.Reward{}, lastErr
}

// Get возвращает награду по идентификатору.
func (s *Service) Get(id string) (domain.Reward, error) {
	return s.rewards.Get(id)
}

// List возвращает весь каталог.
func (s *Service) List() ([]domain.Reward, error) {
	return s.rewards.List()
}

// Find возвращает награды по фильтру.
func (s *Service) Find(filter domain.RewardFilter) ([]domain.Reward, error) {
	return s.rewards.Find(filter)
}

func (s *Service) queueWalletProvision(rewardID string) error {
	payload, err := json.Marshal(messaging.WalletProvision{RewardID: rewardID})
	if err != nil {
		return fmt.Errorf("marshal wallet provision: %w", err)
	}
	if _, err := s.outbox.Enqueue(domain.OutboxMessage{
		AggregateType: "reward",
		AggregateID:   rewardID,
		EventType:     domain.EventTypeWalletProvision,
		Payload:       payload,
	}); err != nil {
		return fmt.Errorf("enqueue wallet provision: %w", err)
	}
	return nil
}
