package main

import (
	"context"

	"github.com/jogardn/fieldops/internal/app"
	"github.com/jogardn/fieldops/internal/config"
	"github.com/jogardn/fieldops/internal/metrics"
	"github.com/jogardn/fieldops/internal/payment"
	"github.com/jogardn/fieldops/internal/server"
	"github.com/jogardn/fieldops/internal/storefront"
	"github.com/sirupsen/logrus"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logrus.WithError(err).Fatal("Failed to load configuration")
	}

	logger := server.NewLogger(cfg.Log, "storefront")
	metrics.Register()

	ctx := context.Background()
	client := app.NewAPIClient(cfg, logger)

	store, closer, err := app.OpenPendingStore(ctx, cfg)
	if err != nil {
		logger.WithError(err).WithField("store", cfg.Payment.Store).Fatal("Failed to open pending payment store")
	}
	logger.WithField("store", cfg.Payment.Store).Info("Pending payment store ready")

	publisher := app.NewPublisher(cfg.Kafka, logger)

	watcher := payment.NewWatcher(client, payment.WatcherConfig{
		Interval:    cfg.Payment.PollInterval,
		MaxAttempts: cfg.Payment.MaxAttempts,
		Publisher:   publisher,
		OnTerminal: func(result payment.Result) {
			logger.WithFields(logrus.Fields{
				"payment_reference": result.Reference,
				"outcome":           result.Outcome.String(),
			}).Info("Customer payment settled")
		},
	}, logger)

	handler := storefront.NewHandler(
		payment.NewInitiator(client, logger),
		watcher,
		client,
		store,
		cfg.Payment.SessionCookie,
		logger,
	)

	router := server.NewRouter(logger)
	handler.Register(router)

	err = server.Run(router, cfg.Storefront.Port, cfg.HTTP, logger, func(ctx context.Context) {
		if err := publisher.Close(); err != nil {
			logger.WithError(err).Error("Failed to close event publisher")
		}
		if err := closer.Close(); err != nil {
			logger.WithError(err).Error("Failed to close pending payment store")
		}
	})
	if err != nil {
		logger.WithError(err).Fatal("Storefront stopped")
	}
}
