package main

import (
	"context"
	"net/http"
	"time"

	"github.com/jogardn/fieldops/internal/config"
	"github.com/jogardn/fieldops/internal/events"
	"github.com/jogardn/fieldops/internal/metrics"
	"github.com/jogardn/fieldops/internal/server"
	"github.com/jogardn/fieldops/internal/websocket"
	"github.com/sirupsen/logrus"
)

// event-monitor relays fieldops events from Kafka to dashboards over
// websocket and reports anything that lands on the dead letter topic.
func main() {
	cfg, err := config.Load()
	if err != nil {
		logrus.WithError(err).Fatal("Failed to load configuration")
	}

	logger := server.NewLogger(cfg.Log, "event-monitor")
	metrics.Register()

	if len(cfg.Kafka.Brokers) == 0 {
		logger.Fatal("kafka.brokers is required for the event monitor")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	hub := websocket.NewHub("event-monitor", logger)
	go hub.Run(ctx)

	var consumer *events.KafkaConsumer
	for i := 0; i < 10; i++ {
		consumer, err = events.NewKafkaConsumer(cfg.Kafka.Brokers, "fieldops-event-monitor", cfg.Kafka.Topic, hub, logger)
		if err == nil {
			break
		}
		logger.WithError(err).WithField("attempt", i+1).Warn("Failed to connect to Kafka, retrying...")
		time.Sleep(5 * time.Second)
	}
	if err != nil {
		logger.WithError(err).Fatal("Failed to create Kafka consumer after retries")
	}

	dlqTopic := cfg.Kafka.Topic + ".dlq"
	monitor, err := events.NewDeadLetterMonitor(cfg.Kafka.Brokers, "fieldops-dlq-monitor", dlqTopic,
		func(dl events.DeadLetter) {
			hub.Broadcast("dead_letter", dl.Key, dl)
		}, logger)
	if err != nil {
		logger.WithError(err).Fatal("Failed to create DLQ monitor")
	}

	go func() {
		logger.WithField("topic", cfg.Kafka.Topic).Info("Relaying events to dashboards")
		if err := consumer.Start(ctx); err != nil {
			logger.WithError(err).Error("Kafka consumer error")
		}
	}()
	go func() {
		logger.WithField("topic", dlqTopic).Info("Monitoring dead letters")
		if err := monitor.Start(ctx); err != nil {
			logger.WithError(err).Error("DLQ monitor error")
		}
	}()

	router := server.NewRouter(logger)
	router.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		server.RespondWithJSON(w, http.StatusOK, map[string]interface{}{
			"status":       "healthy",
			"service":      "event-monitor",
			"consumer":     consumer.Stats(),
			"dead_letters": monitor.Seen(),
			"dashboards":   hub.ClientCount(),
		})
	}).Methods("GET", "OPTIONS")
	router.HandleFunc("/ws", hub.HandleWebSocket)

	err = server.Run(router, cfg.Monitor.Port, cfg.HTTP, logger, func(ctx context.Context) {
		cancel()
		if err := consumer.Close(); err != nil {
			logger.WithError(err).Error("Failed to close Kafka consumer")
		}
		if err := monitor.Close(); err != nil {
			logger.WithError(err).Error("Failed to close DLQ monitor")
		}
	})
	if err != nil {
		logger.WithError(err).Fatal("Event monitor stopped")
	}
}
