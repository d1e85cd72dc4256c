package main

import (
	"context"

	"github.com/septivank/billing-reconciliation-worker/internal/anomaly"
	"github.com/septivank/billing-reconciliation-worker/internal/billing"
	"github.com/septivank/billing-reconciliation-worker/internal/config"
	"github.com/septivank/billing-reconciliation-worker/internal/db"
	"github.com/septivank/billing-reconciliation-worker/internal/mq"
	"github.com/septivank/billing-reconciliation-worker/internal/repository"
	"github.com/septivank/billing-reconciliation-worker/internal/service"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

func startWorker(
	lc fx.Lifecycle,
	conn *mq.Connection,
	cfg *config.Config,
	logger *zap.Logger,
	engine *service.ApprovalService,
) (*mq.Consumer, error) {
	// Create context for consumer that will be cancelled on shutdown
	ctx, cancel := context.WithCancel(context.Background())

	consumer, err := mq.NewConsumer(mq.ConsumerConfig{
		Connection:       conn,
		Queue:            cfg.RabbitMQ.CommandQueue,
		DLQQueue:         cfg.RabbitMQ.DLQQueue,
		Exchange:         cfg.RabbitMQ.CommandExchange,
		RoutingKey:       cfg.RabbitMQ.CommandRoutingKey,
		PrefetchCount:    cfg.RabbitMQ.PrefetchCount,
		Logger:           logger,
		MessageProcessor: engine.HandleBatchCommand,
	})
	if err != nil {
		cancel()
		return nil, err
	}

	lc.Append(fx.Hook{
		OnStart: func(startCtx context.Context) error {
			logger.Info("starting reconciliation consumer",
				zap.String("queue", cfg.RabbitMQ.CommandQueue),
				zap.Int("prefetch", cfg.RabbitMQ.PrefetchCount))
			return consumer.Start(ctx)
		},
		OnStop: func(stopCtx context.Context) error {
			cancel()
			if err := consumer.Close(); err != nil {
				logger.Error("failed to close consumer", zap.Error(err))
				return err
			}
			logger.Info("worker stopped gracefully")
			return nil
		},
	})

	return consumer, nil
}

// ProvideRepository creates a new audit repository instance
func ProvideRepository(pool *db.Pool) *repository.Repository {
	return repository.NewRepository(pool)
}

// ProvideBillingClient creates a new billing backend client
func ProvideBillingClient(cfg *config.Config, logger *zap.Logger) *billing.Client {
	return billing.NewClient(cfg.Billing, logger)
}

// ProvideReadingResolver creates a new reading-route resolver
func ProvideReadingResolver(client *billing.Client, cfg *config.Config, logger *zap.Logger) *billing.Resolver {
	return billing.NewResolver(client, cfg.Billing.ReadingRouteCandidates, logger)
}

// ProvideAnomalyDetector creates a new anomaly detector instance
func ProvideAnomalyDetector(cfg *config.Config) *anomaly.Detector {
	return anomaly.NewDetector(cfg.Anomaly.DeltaThresholdPercent)
}

// ProvidePublisher creates a new publisher instance
func ProvidePublisher(conn *mq.Connection, cfg *config.Config, logger *zap.Logger) (*mq.Publisher, error) {
	return mq.NewPublisher(conn, cfg.RabbitMQ.EventExchange, logger)
}

// ProvideApprovalService creates the reconciliation engine
func ProvideApprovalService(
	client *billing.Client,
	resolver *billing.Resolver,
	detector *anomaly.Detector,
	repo *repository.Repository,
	publisher *mq.Publisher,
	cfg *config.Config,
	logger *zap.Logger,
) *service.ApprovalService {
	return service.NewApprovalService(client, resolver, detector, repo, publisher, cfg, logger)
}

// ProvideDBPool creates a new database pool instance
func ProvideDBPool(lc fx.Lifecycle, logger *zap.Logger, cfg *config.Config) (*db.Pool, error) {
	return db.NewPool(lc, logger, cfg.Database.URL)
}

// ProvideMQConnection creates a new RabbitMQ connection instance
func ProvideMQConnection(lc fx.Lifecycle, logger *zap.Logger, cfg *config.Config) (*mq.Connection, error) {
	return mq.NewConnection(lc, logger, cfg.RabbitMQ.URL)
}
