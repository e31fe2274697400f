package redeemcode

import (
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/rewards/internal/domain"
	"github.com/vladislavdragonenkov/rewards/internal/metrics"
)

// Service отвечает за чтение выкупов и погашение одноразовых кодов.
type Service struct {
	redeems  domain.RedeemRepository
	outbox   domain.OutboxRepository
	timeline domain.TimelineRepository
	logger   *log.Entry
	metrics  *metrics.RedemptionMetrics
}

// NewService создаёт сервис работы с кодами выкупа.
func NewService(redeems domain.RedeemRepository, outbox domain.OutboxRepository, timeline domain.TimelineRepository, logger *log.Entry) *Service {
	svc := NewServiceWithoutMetrics(redeems, outbox, timeline, logger)
	svc.metrics = metrics.NewRedemptionMetrics()
	return svc
}

// NewServiceWithoutMetrics создаёт сервис без метрик (для тестов).
func NewServiceWithoutMetrics(redeems domain.RedeemRepository, outbox domain.OutboxRepository, timeline domain.TimelineRepository, logger *log.Entry) *Service {
	if logger == nil {
		logger = log.New().WithField("component", "redeemcode")
	}
	return &Service{
		redeems:  redeems,
		outbox:   outbox,
		timeline: timeline,
		logger:   logger,
	}
}

// Consume гасит одноразовый код от имени userID. Проверка владельца, статуса
// и установка used выполняются одной атомарной операцией хранилища, поэтому
// из конкурентных попыток выигрывает ровно одна. Чужой и несуществующий код
// неразличимы для вызывающего.
func (s *Service) Consume(code, userID string) (domain.Redeem, error) {
	if code == "" {
		return domain.Redeem{}, domain.ErrRedeemNotFound
	}
	if userID == "" {
		return domain.Redeem{}, domain.ErrUserRequired
	}

	redeem, err := s.redeems.Consume(code, userID, time.Now().UTC())
	if err != nil {
		s.logger.WithError(err).WithField("user_id", userID).Debug("consume rejected")
		return domain.Redeem{}, err
	}

	if s.metrics != nil {
		s.metrics.RecordCodeConsumed()
	}

	if s.outbox != nil {
		if _, err := s.outbox.Enqueue(domain.OutboxMessage{
			AggregateType: "redeem",
			AggregateID:   redeem.ID,
			EventType:     domain.EventTypeRedeemConsumed,
			Payload:       []byte(`{"redeem_id":"` + redeem.ID + `"}`),
		}); err != nil {
			s.logger.WithError(err).WithField("redeem_id", redeem.ID).Warn("enqueue consumed event failed")
		}
	}
	if s.timeline != nil {
		if err := s.timeline.Append(domain.TimelineEvent{
			RedeemID: redeem.ID,
			Type:     domain.EventTypeRedeemConsumed,
			Occurred: redeem.UsedAt,
		}); err != nil {
			s.logger.WithError(err).WithField("redeem_id", redeem.ID).Warn("append timeline event failed")
		}
	}

	s.logger.WithFields(log.Fields{
		"redeem_id": redeem.ID,
		"user_id":   userID,
	}).Info("redeem code consumed")
	return redeem, nil
}

// Get возвращает выкуп с проверкой доступа: владелец или админ.
func (s *Service) Get(id, userID string, isAdmin bool) (domain.Redeem, error) {
	redeem, err := s.redeems.Get(id)
	if err != nil {
		return domain.Redeem{}, err
	}
	if !isAdmin && redeem.UserID != userID {
		return domain.Redeem{}, domain.ErrUserNotAuthorized
	}
	return redeem, nil
}

// ListByUser возвращает выкупы пользователя, от новых к старым.
func (s *Service) ListByUser(userID string, limit int) ([]domain.Redeem, error) {
	if userID == "" {
		return nil, domain.ErrUserRequired
	}
	return s.redeems.ListByUser(userID, limit)
}

// ListByReward возвращает выкупы по награде (админский запрос).
func (s *Service) ListByReward(rewardID string, limit int) ([]domain.Redeem, error) {
	if rewardID == "" {
		return nil, domain.ErrRewardIDRequired
	}
	return s.redeems.ListByReward(rewardID, limit)
}

// Timeline возвращает события жизненного цикла выкупа.
func (s *Service) Timeline(redeemID string) ([]domain.TimelineEvent, error) {
	if s.timeline == nil {
		return nil, nil
	}
	if _, err := s.redeems.Get(redeemID); err != nil {
		return nil, err
	}
	return s.timeline.List(redeemID)
}
