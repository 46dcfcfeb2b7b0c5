// Package scheduler assembles the renewal sweep binary.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/streadway/amqp"

	"github.com/bizdesk/entitlement-engine/internal/cache"
	"github.com/bizdesk/entitlement-engine/internal/config"
	"github.com/bizdesk/entitlement-engine/internal/paymentgateway"
	"github.com/bizdesk/entitlement-engine/internal/rabbitmq"
	entitlementservice "github.com/bizdesk/entitlement-engine/internal/services/entitlement"
	ledgerservice "github.com/bizdesk/entitlement-engine/internal/services/ledger"
	schedulerservice "github.com/bizdesk/entitlement-engine/internal/services/scheduler"
	"github.com/bizdesk/entitlement-engine/internal/storage/repository"
)

// App is the sweep daemon.
type App struct {
	schedulerService *schedulerservice.Service
	conn             *amqp.Connection
	ch               *amqp.Channel
	db               *repository.Storage
	logger           *slog.Logger
}

func waitForDB(db *repository.Storage) error {
	for range 10 {
		err := repository.CheckDatabaseReady(db)
		if err == nil {
			return nil
		}
		time.Sleep(3 * time.Second)
	}
	return fmt.Errorf("database not ready after retries")
}

func New(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*App, error) {
	conn, err := rabbitmq.Connect(cfg.RabbitMQ.URL, cfg.RabbitMQ.MaxRetries, cfg.RabbitMQ.RetryDelay)
	if err != nil {
		return nil, fmt.Errorf("failed to connect RabbitMQ: %w", err)
	}

	ch, err := rabbitmq.SetupChannel(conn, rabbitmq.GetNotificationQueues())
	if err != nil {
		closeResources(nil, conn, logger)
		return nil, fmt.Errorf("failed to setup RabbitMQ channel: %w", err)
	}
	publisher := rabbitmq.NewPublisher(ch)

	db, err := repository.New(cfg.StorageConnectionString)
	if err != nil {
		closeResources(ch, conn, logger)
		return nil, fmt.Errorf("failed to connect storage: %w", err)
	}

	// Migrations are owned by the engine binary; the sweep waits for the
	// schema instead of racing it.
	if err := waitForDB(db); err != nil {
		closeResources(ch, conn, logger)
		return nil, err
	}

	cacheRedis, err := cache.InitServer(ctx, cfg.RedisConnection)
	if err != nil {
		closeResources(ch, conn, logger)
		return nil, fmt.Errorf("cache not initialized: %w", err)
	}

	entitlementService := entitlementservice.NewService(db, cacheRedis, logger)
	ledgerService := ledgerservice.NewService(db, cacheRedis, logger, cfg.Billing.GracePeriodDays)

	var gatewayClient schedulerservice.Gateway
	if cfg.Gateway.Enabled {
		gatewayClient = paymentgateway.NewClient(cfg.Gateway.AccountID, cfg.Gateway.SecretKey, cfg.Gateway.APIURL)
	}

	schedulerService := schedulerservice.NewService(db, entitlementService, ledgerService, gatewayClient,
		publisher, logger, schedulerservice.Config{
			GracePeriodDays:    cfg.Billing.GracePeriodDays,
			GraceExtensionDays: cfg.Billing.GraceExtensionDays,
			SweepInterval:      cfg.Billing.SweepInterval,
			ManualRenew:        cfg.Billing.ManualRenew,
			GatewayEnabled:     cfg.Gateway.Enabled,
			CheckoutTTL:        cfg.Gateway.CheckoutTTL,
			ReturnURL:          cfg.Gateway.ReturnURL,
		})

	return &App{
		schedulerService: schedulerService,
		conn:             conn,
		ch:               ch,
		db:               db,
		logger:           logger,
	}, nil
}

func closeResources(ch *amqp.Channel, conn *amqp.Connection, logger *slog.Logger) {
	if ch != nil {
		if err := ch.Close(); err != nil {
			logger.Error("failed to close channel", slog.Any("err", err))
		}
	}
	if conn != nil {
		if err := conn.Close(); err != nil {
			logger.Error("failed to close connection", slog.Any("err", err))
		}
	}
}

// Run sweeps until the context is canceled.
func (a *App) Run(ctx context.Context) error {
	a.schedulerService.Run(ctx)

	a.logger.Info("shutting down scheduler service")
	closeResources(a.ch, a.conn, a.logger)
	if err := a.db.DB.Close(); err != nil {
		a.logger.Error("failed to close storage", slog.Any("err", err))
	}
	return nil
}
