package main

import (
	"context"
	"time"

	"github.com/jogardn/fieldops/internal/agent"
	"github.com/jogardn/fieldops/internal/app"
	"github.com/jogardn/fieldops/internal/config"
	"github.com/jogardn/fieldops/internal/delivery"
	"github.com/jogardn/fieldops/internal/metrics"
	"github.com/jogardn/fieldops/internal/server"
	"github.com/jogardn/fieldops/internal/telemetry"
	"github.com/jogardn/fieldops/internal/websocket"
	"github.com/sirupsen/logrus"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logrus.WithError(err).Fatal("Failed to load configuration")
	}

	logger := server.NewLogger(cfg.Log, "driver-agent")
	metrics.Register()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	client := app.NewAPIClient(cfg, logger)

	lookupCtx, lookupCancel := context.WithTimeout(ctx, 30*time.Second)
	driverID, err := app.DriverID(lookupCtx, cfg, client, logger)
	lookupCancel()
	if err != nil {
		logger.WithError(err).Fatal("Cannot tell which driver this agent is for")
	}
	logger.WithField("driver_id", driverID).Info("Driver agent starting")

	hub := websocket.NewHub("driver-agent", logger)
	go hub.Run(ctx)

	publisher := app.NewPublisher(cfg.Kafka, logger, hub)

	uploader, err := app.NewUploader(ctx, cfg.Storage, client, logger)
	if err != nil {
		logger.WithError(err).Fatal("Failed to set up proof photo storage")
	}

	geolocator := telemetry.NewWebSocketGeolocator(cfg.Tracking.GeolocatorURL, logger)
	tracker := telemetry.NewTracker(geolocator, client, telemetry.Config{
		Interval:  cfg.Tracking.Interval,
		Publisher: publisher,
	}, logger)

	registry := delivery.NewRegistry(delivery.Dependencies{
		Boundary:  client,
		Position:  tracker,
		Uploader:  uploader,
		Publisher: publisher,
	}, logger)

	handler := agent.NewHandler(driverID, client, registry, tracker, logger)
	handler.SetBreakers(client.Breakers())

	router := server.NewRouter(logger)
	handler.Register(router)
	router.HandleFunc("/ws", hub.HandleWebSocket)

	if cfg.Tracking.AutoStart {
		if err := tracker.Start(ctx, driverID); err != nil {
			logger.WithError(err).Warn("Location tracking not started")
		}
	}

	err = server.Run(router, cfg.Agent.Port, cfg.HTTP, logger, func(ctx context.Context) {
		tracker.Stop()
		if err := publisher.Close(); err != nil {
			logger.WithError(err).Error("Failed to close event publisher")
		}
		cancel()
	})
	if err != nil {
		logger.WithError(err).Fatal("Driver agent stopped")
	}
}
