package saga

import (
	"errors"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/rewards/internal/domain"
)

// RetryConfig конфигурация для retry логики.
type RetryConfig struct {
	MaxAttempts   int
	InitialDelay  time.Duration
	MaxDelay      time.Duration
	BackoffFactor float64
}

// DefaultRetryConfig возвращает конфигурацию по умолчанию.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:   3,
		InitialDelay:  100 * time.Millisecond,
		MaxDelay:      5 * time.Second,
		BackoffFactor: 2.0,
	}
}

// RetryableOrchestrator оборачивает оркестратор retry логикой. Используется
// consumer'ом исходов: временные ошибки хранилища не должны ронять сообщение в DLQ.
type RetryableOrchestrator struct {
	orchestrator Orchestrator
	config       RetryConfig
	logger       *log.Entry
}

// NewRetryableOrchestrator создаёт оркестратор с retry логикой.
func NewRetryableOrchestrator(orchestrator Orchestrator, config RetryConfig, logger *log.Entry) *RetryableOrchestrator {
	if logger == nil {
		logger = log.New().WithField("component", "retryable-orchestrator")
	}

	return &RetryableOrchestrator{
		orchestrator: orchestrator,
		config:       config,
		logger:       logger,
	}
}

// Initiate запускает выкуп без retry: отказ по остатку или валидации ретраить бессмысленно.
func (ro *RetryableOrchestrator) Initiate(rewardID, userID string, qty int32) (domain.Redeem, error) {
	return ro.orchestrator.Initiate(rewardID, userID, qty)
}

// HandleTransactionOutcome применяет исход с retry логикой.
func (ro *RetryableOrchestrator) HandleTransactionOutcome(redeemID string, completed bool) error {
	return ro.executeWithRetry("HandleTransactionOutcome", redeemID, func() error {
		return ro.orchestrator.HandleTransactionOutcome(redeemID, completed)
	})
}

func (ro *RetryableOrchestrator) executeWithRetry(operation, redeemID string, fn func() error) error {
	var lastErr error
	delay := ro.config.InitialDelay

	for attempt := 1; attempt <= ro.config.MaxAttempts; attempt++ {
		err := fn()
		if err == nil {
			if attempt > 1 {
				ro.logger.WithFields(log.Fields{
					"operation": operation,
					"redeem_id": redeemID,
					"attempt":   attempt,
				}).Info("operation succeeded after retry")
			}
			return nil
		}

		lastErr = err

		if !ro.shouldRetry(err) {
			ro.logger.WithFields(log.Fields{
				"operation": operation,
				"redeem_id": redeemID,
				"error":     err,
			}).Warn("operation failed with non-retryable error")
			return err
		}

		if attempt < ro.config.MaxAttempts {
			ro.logger.WithFields(log.Fields{
				"operation": operation,
				"redeem_id": redeemID,
				"attempt":   attempt,
				"delay":     delay,
				"error":     err,
			}).Warn("operation failed, retrying")

			time.Sleep(delay)

			delay = time.Duration(float64(delay) * ro.config.BackoffFactor)
			if delay > ro.config.MaxDelay {
				delay = ro.config.MaxDelay
			}
		}
	}

	ro.logger.WithFields(log.Fields{
		"operation":    operation,
		"redeem_id":    redeemID,
		"max_attempts": ro.config.MaxAttempts,
		"error":        lastErr,
	}).Error("operation failed after all retry attempts")
	return lastErr
}

// shouldRetry определяет, стоит ли повторять операцию при данной ошибке.
func (ro *RetryableOrchestrator) shouldRetry(err error) bool {
	// Бизнес-ошибки ретраить бессмысленно.
	if errors.Is(err, domain.ErrRedeemNotFound) ||
		errors.Is(err, domain.ErrRewardNotFound) ||
		errors.Is(err, domain.ErrStockInconsistent) {
		return false
	}

	// Version conflict уже ретраится внутри оркестратора; повтор на этом
	// уровне даёт ещё один шанс при высокой конкуренции.
	if domain.IsVersionConflict(err) {
		return true
	}

	// Неизвестные ошибки считаем временными.
	return true
}

// CircuitBreaker простая реализация circuit breaker паттерна.
type CircuitBreaker struct {
	maxFailures  int
	resetTimeout time.Duration

	failures    int
	lastFailure time.Time
	state       CircuitState
	logger      *log.Entry
}

type CircuitState int

const (
	CircuitClosed CircuitState = iota
	CircuitOpen
	CircuitHalfOpen
)

// NewCircuitBreaker создаёт новый circuit breaker.
func NewCircuitBreaker(maxFailures int, resetTimeout time.Duration, logger *log.Entry) *CircuitBreaker {
	if logger == nil {
		logger = log.New().WithField("component", "circuit-breaker")
	}

	return &CircuitBreaker{
		maxFailures:  maxFailures,
		resetTimeout: resetTimeout,
		state:        CircuitClosed,
		logger:       logger,
	}
}

// Execute выполняет операцию через circuit breaker.
func (cb *CircuitBreaker) Execute(operation string, fn func() error) error {
	if cb.state == CircuitOpen {
		if time.Since(cb.lastFailure) > cb.resetTimeout {
			cb.state = CircuitHalfOpen
			cb.logger.WithField("operation", operation).Info("circuit breaker half-open")
		} else {
			return errors.New("circuit breaker is open")
		}
	}

	err := fn()

	if err != nil {
		cb.failures++
		cb.lastFailure = time.Now()

		if cb.state == CircuitHalfOpen || cb.failures >= cb.maxFailures {
			cb.state = CircuitOpen
			cb.logger.WithFields(log.Fields{
				"operation": operation,
				"failures":  cb.failures,
			}).Warn("circuit breaker opened")
		}

		return err
	}

	if cb.state == CircuitHalfOpen {
		cb.state = CircuitClosed
		cb.logger.WithField("operation", operation).Info("circuit breaker closed")
	}
	cb.failures = 0

	return nil
}

var _ Orchestrator = (*RetryableOrchestrator)(nil)
