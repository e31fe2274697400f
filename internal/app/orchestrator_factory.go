package app

import (
	"github.com/vladislavdragonenkov/rewards/internal/service/notification"
	"github.com/vladislavdragonenkov/rewards/internal/service/saga"
	"github.com/vladislavdragonenkov/rewards/internal/token"
)

// createOrchestrator собирает сагу выкупа поверх зависимостей приложения.
func createOrchestrator(deps *Dependencies, notifications *notification.Service) saga.Orchestrator {
	return saga.NewOrchestrator(
		deps.Rewards,
		deps.Redeems,
		deps.Outbox,
		deps.Timeline,
		token.NewGenerator(),
		notifications,
		deps.Logger.WithField("component", "saga"),
	)
}

// createOutcomeOrchestrator оборачивает оркестратор в retry для consumer'а
// исходов: транзиентные ошибки хранилища не должны ронять доставку.
func createOutcomeOrchestrator(deps *Dependencies, orchestrator saga.Orchestrator) saga.Orchestrator {
	return saga.NewRetryableOrchestrator(
		orchestrator,
		saga.DefaultRetryConfig(),
		deps.Logger.WithField("component", "saga-retry"),
	)
}
