package saga

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/rewards/internal/domain"
	"github.com/vladislavdragonenkov/rewards/internal/messaging"
	"github.com/vladislavdragonenkov/rewards/internal/metrics"
	"github.com/vladislavdragonenkov/rewards/internal/service/notification"
	"github.com/vladislavdragonenkov/rewards/internal/token"
)

// Orchestrator управляет сагой выкупа: резервирование → запрос списания →
// исход → выпуск кода или компенсация.
type Orchestrator interface {
	// Initiate резервирует остаток и ставит запрос на списание в outbox.
	Initiate(rewardID, userID string, qty int32) (domain.Redeem, error)
	// HandleTransactionOutcome применяет исход внешней транзакции.
	// Идемпотентен относительно повторных доставок одного исхода.
	HandleTransactionOutcome(redeemID string, completed bool) error
}

// orchestrator реализует шаги саги поверх репозиториев и outbox.
type orchestrator struct {
	rewards       domain.RewardRepository
	redeems       domain.RedeemRepository
	outbox        domain.OutboxRepository
	timeline      domain.TimelineRepository
	codes         token.Generator
	notifications *notification.Service
	logger        *log.Entry
	metrics       *metrics.RedemptionMetrics
}

// NewOrchestrator создаёт рабочий экземпляр оркестратора.
func NewOrchestrator(
	rewards domain.RewardRepository,
	redeems domain.RedeemRepository,
	outbox domain.OutboxRepository,
	timeline domain.TimelineRepository,
	codes token.Generator,
	notifications *notification.Service,
	logger *log.Entry,
) Orchestrator {
	if logger == nil {
		logger = log.New().WithField("component", "saga")
	}
	return &orchestrator{
		rewards:       rewards,
		redeems:       redeems,
		outbox:        outbox,
		timeline:      timeline,
		codes:         codes,
		notifications: notifications,
		logger:        logger,
		metrics:       metrics.NewRedemptionMetrics(),
	}
}

// NewOrchestratorWithoutMetrics создаёт оркестратор без метрик (для тестов).
func NewOrchestratorWithoutMetrics(
	rewards domain.RewardRepository,
	redeems domain.RedeemRepository,
	outbox domain.OutboxRepository,
	timeline domain.TimelineRepository,
	codes token.Generator,
	notifications *notification.Service,
	logger *log.Entry,
) Orchestrator {
	if logger == nil {
		logger = log.New().WithField("component", "saga")
	}
	return &orchestrator{
		rewards:       rewards,
		redeems:       redeems,
		outbox:        outbox,
		timeline:      timeline,
		codes:         codes,
		notifications: notifications,
		logger:        logger,
	}
}

// Initiate резервирует qty единиц награды и создаёт выкуп в статусе pending.
// Проверка доступности и удержание выполняются одним условным обновлением,
// поэтому конкурирующие выкупы не могут зарезервировать больше остатка.
func (o *orchestrator) Initiate(rewardID, userID string, qty int32) (domain.Redeem, error) {
	start := time.Now()
	defer func() {
		if o.metrics != nil {
			o.metrics.RecordInitiateDuration(time.Since(start))
		}
	}()

	redeem := domain.Redeem{
		RewardID: rewardID,
		UserID:   userID,
		Quantity: qty,
	}
	if errs := redeem.Validate(); len(errs) > 0 {
		return domain.Redeem{}, errs[0]
	}

	reward, err := o.rewards.Get(rewardID)
	if err != nil {
		o.logger.WithError(err).WithField("reward_id", rewardID).Warn("reward not found for redemption")
		return domain.Redeem{}, err
	}

	reward, err = o.rewards.ReserveStock(rewardID, qty)
	if err != nil {
		o.logger.WithError(err).WithFields(log.Fields{
			"reward_id": rewardID,
			"user_id":   userID,
			"quantity":  qty,
		}).Warn("stock reservation rejected")
		if o.metrics != nil {
			o.metrics.RecordOutOfStock()
		}
		return domain.Redeem{}, err
	}

	now := time.Now().UTC()
	redeem.ID = uuid.NewString()
	redeem.Status = domain.RedeemStatusPending
	redeem.RequestedAt = now
	redeem.CreatedAt = now
	redeem.UpdatedAt = now

	if err := o.redeems.Create(redeem); err != nil {
		// Компенсируем удержание, иначе единицы зависнут навсегда.
		if _, releaseErr := o.rewards.ReleaseStock(rewardID, qty); releaseErr != nil {
			o.logger.WithError(releaseErr).WithField("reward_id", rewardID).Error("release after failed create failed")
		}
		o.logger.WithError(err).WithField("redeem_id", redeem.ID).Error("persist redeem failed")
		return domain.Redeem{}, err
	}

	if o.metrics != nil {
		o.metrics.RecordRedemptionStarted()
	}

	request := messaging.TransactionRequest{
		PayerID:       userID,
		CorrelationID: redeem.ID,
		AmountMinor:   int64(qty) * reward.CostMinor,
		Description:   "Redeem reward " + reward.Name,
		RequestedAt:   now,
	}
	payload, err := json.Marshal(request)
	if err != nil {
		o.logger.WithError(err).WithField("redeem_id", redeem.ID).Error("marshal transaction request failed")
		return domain.Redeem{}, err
	}
	if _, err := o.outbox.Enqueue(domain.OutboxMessage{
		AggregateType: "redeem",
		AggregateID:   redeem.ID,
		EventType:     domain.EventTypeTransactionRequested,
		Payload:       payload,
	}); err != nil {
		o.logger.WithError(err).WithField("redeem_id", redeem.ID).Error("enqueue transaction request failed")
		return domain.Redeem{}, err
	}
	if o.metrics != nil {
		o.metrics.RecordOutboxEvent()
	}

	o.appendTimeline(redeem.ID, "RedeemRequested", "", now)

	o.logger.WithFields(log.Fields{
		"redeem_id":    redeem.ID,
		"reward_id":    rewardID,
		"user_id":      userID,
		"quantity":     qty,
		"amount_minor": request.AmountMinor,
	}).Info("redemption initiated")

	return redeem, nil
}

// HandleTransactionOutcome применяет исход списания. Исход для неизвестного
// выкупа логируется и отбрасывается; повторная доставка исхода для уже
// завершённого выкупа — no-op.
func (o *orchestrator) HandleTransactionOutcome(redeemID string, completed bool) error {
	start := time.Now()
	outcome := "failed"
	if completed {
		outcome = "completed"
	}
	defer func() {
		if o.metrics != nil {
			o.metrics.RecordOutcomeDuration(outcome, time.Since(start))
		}
	}()

	redeem, err := o.redeems.Get(redeemID)
	if err != nil {
		if domain.IsNotFound(err) {
			o.logger.WithField("redeem_id", redeemID).Warn("outcome for unknown redeem dropped")
			return nil
		}
		return err
	}

	if !redeem.CanFulfill() {
		o.logger.WithFields(log.Fields{
			"redeem_id": redeemID,
			"status":    redeem.Status,
		}).Debug("redeem already resolved, skipping outcome")
		return nil
	}

	if !completed {
		return o.handleDeclined(&redeem)
	}
	return o.handleCompleted(&redeem)
}

// handleDeclined переводит выкуп в failed и компенсирует резервирование.
// Статус фиксируется до возврата единиц: повторная доставка после срыва
// сохранения не должна освободить резерв дважды.
// Код не выпускается: по отклонённой транзакции гасить нечего.
func (o *orchestrator) handleDeclined(redeem *domain.Redeem) error {
	if err := o.updateRedeem(redeem, func(r *domain.Redeem) {
		r.Status = domain.RedeemStatusFailed
	}); err != nil {
		if errors.Is(err, errOutcomeSuperseded) {
			return nil
		}
		return err
	}

	if o.metrics != nil {
		o.metrics.RecordRedemptionFailed()
	}
	o.emitEvent(redeem, domain.EventTypeRedeemFailed, map[string]interface{}{
		"reason": "transaction declined",
	})

	if _, err := o.rewards.ReleaseStock(redeem.RewardID, redeem.Quantity); err != nil {
		o.logger.WithError(err).WithFields(log.Fields{
			"redeem_id": redeem.ID,
			"reward_id": redeem.RewardID,
		}).Error("release reservation failed")
		return err
	}

	o.logger.WithField("redeem_id", redeem.ID).Info("redemption failed, reservation released")
	return nil
}

// handleCompleted выпускает одноразовый код и финализирует остаток.
// Код устанавливается тем же сохранением, что переводит выкуп в fulfilled.
func (o *orchestrator) handleCompleted(redeem *domain.Redeem) error {
	code, err := o.codes.Generate()
	if err != nil {
		o.logger.WithError(err).WithField("redeem_id", redeem.ID).Error("generate redeem code failed")
		return err
	}

	if err := o.updateRedeem(redeem, func(r *domain.Redeem) {
		r.Status = domain.RedeemStatusFulfilled
		r.Code = code
	}); err != nil {
		if errors.Is(err, errOutcomeSuperseded) {
			return nil
		}
		return err
	}

	if o.metrics != nil {
		o.metrics.RecordRedemptionFulfilled()
	}
	o.emitEvent(redeem, domain.EventTypeRedeemFulfilled, nil)

	if o.notifications != nil {
		if err := o.notifications.QueueRedeemCode(redeem.UserID, code); err != nil {
			o.logger.WithError(err).WithField("redeem_id", redeem.ID).Warn("queue redeem code notification failed")
		}
	}

	if _, err := o.rewards.CommitStock(redeem.RewardID, redeem.Quantity); err != nil {
		// Остаток ушёл бы в минус: данные рассогласованы, клампинг запрещён.
		o.logger.WithError(err).WithFields(log.Fields{
			"redeem_id": redeem.ID,
			"reward_id": redeem.RewardID,
		}).Error("stock finalization failed")
		if o.metrics != nil {
			o.metrics.RecordStockInconsistent()
		}
		return err
	}

	o.logger.WithField("redeem_id", redeem.ID).Info("redemption fulfilled, code issued")
	return nil
}

// errOutcomeSuperseded сигнализирует, что при retry выяснилось: исход уже
// применён конкурирующей доставкой, и повторять его нельзя.
var errOutcomeSuperseded = errors.New("redeem outcome already applied")

// updateRedeem применяет мутацию и сохраняет выкуп с retry по version conflict.
// Если перечитанный после конфликта выкуп уже не pending, мутация не
// переприменяется: возвращается errOutcomeSuperseded.
func (o *orchestrator) updateRedeem(redeem *domain.Redeem, mutate func(*domain.Redeem)) error {
	const maxRetries = 3
	const baseDelay = 10 * time.Millisecond

	for attempt := 0; attempt < maxRetries; attempt++ {
		mutate(redeem)
		redeem.UpdatedAt = time.Now().UTC()
		prevVersion := redeem.Version

		if err := o.redeems.Save(*redeem); err != nil {
			if domain.IsVersionConflict(err) && attempt < maxRetries-1 {
				o.logger.WithFields(log.Fields{
					"redeem_id": redeem.ID,
					"attempt":   attempt + 1,
					"version":   redeem.Version,
				}).Warn("version conflict detected, retrying")

				fresh, loadErr := o.redeems.Get(redeem.ID)
				if loadErr != nil {
					o.logger.WithError(loadErr).WithField("redeem_id", redeem.ID).Error("reload redeem after conflict failed")
					return loadErr
				}
				*redeem = fresh
				if !redeem.CanFulfill() {
					o.logger.WithFields(log.Fields{
						"redeem_id": redeem.ID,
						"status":    redeem.Status,
					}).Debug("redeem resolved by concurrent delivery, dropping outcome")
					return errOutcomeSuperseded
				}

				delay := baseDelay * time.Duration(1<<uint(attempt))
				time.Sleep(delay)
				continue
			}

			o.logger.WithError(err).WithFields(log.Fields{
				"redeem_id": redeem.ID,
				"attempt":   attempt + 1,
			}).Error("persist redeem status failed")
			return err
		}

		redeem.Version = prevVersion + 1
		o.emitEvent(redeem, domain.EventTypeRedeemStatusChanged, map[string]interface{}{
			"status":     string(redeem.Status),
			"updated_at": redeem.UpdatedAt.Format(time.RFC3339Nano),
		})
		return nil
	}

	return domain.ErrRedeemVersionConflict
}

func (o *orchestrator) emitEvent(redeem *domain.Redeem, eventType string, payload map[string]interface{}) {
	if payload == nil {
		payload = make(map[string]interface{})
	}
	payload["redeem_id"] = redeem.ID
	data, err := json.Marshal(payload)
	if err != nil {
		o.logger.WithError(err).WithFields(log.Fields{
			"redeem_id": redeem.ID,
			"event":     eventType,
		}).Error("marshal event failed")
		return
	}

	msg := domain.OutboxMessage{
		AggregateType: "redeem",
		AggregateID:   redeem.ID,
		EventType:     eventType,
		Payload:       data,
	}
	if _, err := o.outbox.Enqueue(msg); err != nil {
		o.logger.WithError(err).WithFields(log.Fields{
			"redeem_id": redeem.ID,
			"event":     eventType,
		}).Error("enqueue event failed")
	} else if o.metrics != nil {
		o.metrics.RecordOutboxEvent()
	}

	var reason string
	if r, ok := payload["reason"].(string); ok {
		reason = r
	}
	o.appendTimeline(redeem.ID, eventType, reason, time.Now().UTC())
}

func (o *orchestrator) appendTimeline(redeemID, eventType, reason string, occurred time.Time) {
	if o.timeline == nil {
		return
	}
	event := domain.TimelineEvent{
		RedeemID: redeemID,
		Type:     eventType,
		Reason:   reason,
		Occurred: occurred,
	}
	if err := o.timeline.Append(event); err != nil {
		o.logger.WithError(err).WithFields(log.Fields{
			"redeem_id": redeemID,
			"event":     eventType,
		}).Warn("append timeline event failed")
	} else if o.metrics != nil {
		o.metrics.RecordTimelineEvent()
	}
}

type noopOrchestrator struct {
	logger *log.Entry
}

// NewNoop возвращает оркестратор-заглушку для окружений без саги.
func NewNoop(logger *log.Entry) Orchestrator {
	if logger == nil {
		logger = log.New().WithField("component", "saga-noop")
	}
	return &noopOrchestrator{logger: logger}
}

func (n *noopOrchestrator) Initiate(rewardID, userID string, qty int32) (domain.Redeem, error) {
	n.logger.WithFields(log.Fields{
		"reward_id": rewardID,
		"user_id":   userID,
		"quantity":  qty,
	}).Info("saga orchestrator noop initiate")
	return domain.Redeem{}, nil
}

func (n *noopOrchestrator) HandleTransactionOutcome(redeemID string, completed bool) error {
	n.logger.WithFields(log.Fields{
		"redeem_id": redeemID,
		"completed": completed,
	}).Info("saga orchestrator noop outcome")
	return nil
}

var _ Orchestrator = (*orchestrator)(nil)
var _ Orchestrator = (*noopOrchestrator)(nil)
