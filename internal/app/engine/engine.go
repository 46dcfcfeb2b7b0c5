// Package engine assembles the HTTP-facing binary: storage, migrations,
// cache, the notification publisher, every service, the router and the
// server lifecycle.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi"
	"github.com/streadway/amqp"

	"github.com/bizdesk/entitlement-engine/internal/cache"
	"github.com/bizdesk/entitlement-engine/internal/config"
	"github.com/bizdesk/entitlement-engine/internal/lib/jwt"
	"github.com/bizdesk/entitlement-engine/internal/migrations"
	"github.com/bizdesk/entitlement-engine/internal/paymentgateway"
	"github.com/bizdesk/entitlement-engine/internal/rabbitmq"
	entitlementservice "github.com/bizdesk/entitlement-engine/internal/services/entitlement"
	ledgerservice "github.com/bizdesk/entitlement-engine/internal/services/ledger"
	schedulerservice "github.com/bizdesk/entitlement-engine/internal/services/scheduler"
	subscriptionservice "github.com/bizdesk/entitlement-engine/internal/services/subscription"
	webhookservice "github.com/bizdesk/entitlement-engine/internal/services/webhook"
	"github.com/bizdesk/entitlement-engine/internal/storage/repository"
)

type App struct {
	server *http.Server
	logger *slog.Logger
	db     *repository.Storage
	conn   *amqp.Connection
	ch     *amqp.Channel
}

func New(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*App, error) {
	db, err := repository.New(cfg.StorageConnectionString)
	if err != nil {
		return nil, fmt.Errorf("failed to connect storage: %w", err)
	}
	if err = migrations.Run(db.DB, cfg.MigrationsPath); err != nil {
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	cacheRedis, err := cache.InitServer(ctx, cfg.RedisConnection)
	if err != nil {
		return nil, fmt.Errorf("cache not initialized: %w", err)
	}

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

	jwtMaker := jwt.NewMaker(cfg.JWTToken.JWTSecretKey, cfg.JWTToken.TokenTTL)

	entitlementService := entitlementservice.NewService(db, cacheRedis, logger)
	ledgerService := ledgerservice.NewService(db, cacheRedis, logger, cfg.Billing.GracePeriodDays)
	subscriptionService := subscriptionservice.NewService(db, entitlementService, publisher, logger)

	// The webhook hands confirmed renewals back to the scheduler service;
	// the sweep loop itself runs only in the scheduler binary.
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

	webhookService := webhookservice.NewService(db, ledgerService, entitlementService, schedulerService,
		logger, cfg.Billing.GracePeriodDays)

	router := chi.NewRouter()
	RegisterRoutes(router, logger, jwtMaker, webhookService, entitlementService, subscriptionService,
		cfg.Gateway.WebhookSecret)

	srv := &http.Server{
		Addr:         cfg.HTTPServer.AddressHTTP,
		Handler:      router,
		ReadTimeout:  cfg.HTTPServer.TimeoutHTTP,
		WriteTimeout: cfg.HTTPServer.TimeoutHTTP,
		IdleTimeout:  cfg.HTTPServer.IdleTimeout,
	}

	return &App{
		server: srv,
		logger: logger,
		db:     db,
		conn:   conn,
		ch:     ch,
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

func (a *App) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		a.logger.Info("HTTP server starting on", slog.String("address", a.server.Addr))
		err := a.server.ListenAndServe()
		if errors.Is(err, http.ErrServerClosed) {
			errCh <- nil
		} else {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		timeoutCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		a.logger.Info("shutting down HTTP server gracefully")
		err := a.server.Shutdown(timeoutCtx)
		closeResources(a.ch, a.conn, a.logger)
		if closeErr := a.db.DB.Close(); closeErr != nil {
			a.logger.Error("failed to close storage", slog.Any("err", closeErr))
		}
		return err
	}
}
