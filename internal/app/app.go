package app

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"

	healthcheck "github.com/vladislavdragonenkov/rewards/internal/health"
	"github.com/vladislavdragonenkov/rewards/internal/handler"
	"github.com/vladislavdragonenkov/rewards/internal/messaging"
	"github.com/vladislavdragonenkov/rewards/internal/service/catalog"
	idempotencysvc "github.com/vladislavdragonenkov/rewards/internal/service/idempotency"
	"github.com/vladislavdragonenkov/rewards/internal/service/notification"
	"github.com/vladislavdragonenkov/rewards/internal/service/outbox"
	"github.com/vladislavdragonenkov/rewards/internal/service/redeemcode"
	"github.com/vladislavdragonenkov/rewards/internal/version"
)

// Run собирает зависимости и держит сервис до отмены контекста: HTTP API,
// сервер метрик, outbox worker, cleanup worker и consumer исходов транзакций.
func Run(ctx context.Context, cfg Config) error {
	logger := log.WithField("component", "app")

	deps, err := NewDependencies(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer deps.Close()

	publisher, err := initPublisher(cfg, logger)
	if err != nil {
		return err
	}
	defer closePublisher(publisher, logger)

	notifications := notification.NewService(deps.Outbox, logger.WithField("component", "notification"))
	orchestrator := createOrchestrator(deps, notifications)
	codes := redeemcode.NewService(deps.Redeems, deps.Outbox, deps.Timeline, logger.WithField("component", "redeemcode"))
	catalogSvc := catalog.NewService(deps.Rewards, deps.Outbox, logger.WithField("component", "catalog"))

	// Outbox worker публикует всё, что сервисы кладут в outbox.
	var outboxWorker *outbox.Worker
	if publisher != nil {
		outboxPublisher := messaging.NewOutboxPublisher(publisher, nil)
		dlqPublisher := messaging.NewDLQPublisher(publisher)
		outboxWorker = outbox.NewWorker(deps.Outbox, outboxPublisher,
			outbox.WithLogger(logger.WithField("component", "outbox-worker")),
			outbox.WithDLQPublisher(dlqPublisher),
			outbox.WithPollInterval(cfg.OutboxPollInterval),
		)
		go outboxWorker.Run(ctx)
	}

	cleanupWorker := idempotencysvc.NewCleanupWorker(deps.Idempotency,
		idempotencysvc.WithLogger(logger.WithField("component", "idempotency-cleanup")))
	go cleanupWorker.Run(ctx)

	// Consumer исходов: ретраи поверх оркестратора, чтобы транзиентные сбои
	// хранилища не приводили к потере сообщений.
	outcomeConsumer, err := initOutcomeConsumer(cfg,
		outcomeHandler(createOutcomeOrchestrator(deps, orchestrator), logger.WithField("component", "outcome-consumer")),
		logger)
	if err != nil {
		return err
	}
	if outcomeConsumer != nil {
		go func() {
			if err := outcomeConsumer.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.WithError(err).Error("outcome consumer stopped with error")
			}
		}()
		defer func() {
			if err := outcomeConsumer.Stop(); err != nil {
				logger.WithError(err).Warn("failed to stop outcome consumer")
			}
		}()
	}

	// HTTP API.
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(echomw.Recover())
	handler.RegisterRoutes(e,
		handler.NewRewardHandler(catalogSvc, logger.WithField("component", "reward_handler")),
		handler.NewRedeemHandler(orchestrator, codes, deps.Idempotency, cfg.IdempotencyTTL, logger.WithField("component", "redeem_handler")),
		cfg.JWTSecret,
	)

	healthHandler := healthcheck.NewHandler(version.GetVersion())
	if store := deps.Store(); store != nil {
		healthHandler.RegisterChecker("postgres", healthcheck.NewSimpleChecker("postgres", func() error {
			pingCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			return store.Ping(pingCtx)
		}))
	}

	metricsSrv := startMetricsServer(ctx, cfg.MetricsAddr, logger, healthHandler)

	errCh := make(chan error, 1)
	go func() {
		logger.Infof("HTTP API listening on %s", cfg.HTTPAddr)
		errCh <- e.Start(cfg.HTTPAddr)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received, stopping HTTP server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := e.Shutdown(shutdownCtx); err != nil {
			logger.WithError(err).Warn("http shutdown with error")
		}
		shutdownHTTP(metricsSrv, logger)
		return ctx.Err()
	case err := <-errCh:
		shutdownHTTP(metricsSrv, logger)
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

// startMetricsServer запускает side-сервер с /metrics и health-пробами.
func startMetricsServer(ctx context.Context, addr string, logger *log.Entry, healthHandler *healthcheck.Handler) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.Handle("/healthz", healthHandler)
	mux.HandleFunc("/livez", healthcheck.LivenessHandler)
	mux.HandleFunc("/readyz", healthHandler.ReadinessHandler)

	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		logger.Infof("metrics available at %s/metrics", addr)
		logger.Infof("health checks: %s/healthz, %s/livez, %s/readyz", addr, addr, addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithError(err).Warn("metrics server failed")
		}
	}()

	go func() {
		<-ctx.Done()
		shutdownHTTP(srv, logger)
	}()

	return srv
}

// shutdownHTTP аккуратно останавливает HTTP-сервер.
func shutdownHTTP(srv *http.Server, logger *log.Entry) {
	if srv == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.WithError(err).Warn("metrics shutdown with error")
	}
}
