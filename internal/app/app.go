package app

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/jogardn/fieldops/internal/api"
	"github.com/jogardn/fieldops/internal/auth"
	"github.com/jogardn/fieldops/internal/circuitbreaker"
	"github.com/jogardn/fieldops/internal/config"
	"github.com/jogardn/fieldops/internal/events"
	"github.com/jogardn/fieldops/internal/metrics"
	"github.com/jogardn/fieldops/internal/payment"
	"github.com/jogardn/fieldops/internal/proof"
	"github.com/jogardn/fieldops/pkg/models"
	"github.com/sirupsen/logrus"
)

const (
	kafkaConnectAttempts = 10
	kafkaConnectBackoff  = 5 * time.Second
)

// NewAPIClient builds the API client with one breaker per API area.
func NewAPIClient(cfg *config.Config, logger *logrus.Logger) *api.Client {
	breakers := circuitbreaker.NewManager(circuitbreaker.Config{
		MaxFailures:   cfg.Breaker.MaxFailures,
		Timeout:       cfg.Breaker.Timeout,
		IsFailure:     api.IsFailure,
		OnStateChange: metrics.ObserveBreaker,
	}, logger)

	return api.NewClient(cfg.API.BaseURL, logger,
		api.WithToken(cfg.API.Token),
		api.WithTimeout(cfg.API.Timeout),
		api.WithBreakers(breakers),
	)
}

// NewPublisher publishes to Kafka when brokers are configured, and to every
// local publisher given.
func NewPublisher(cfg config.KafkaConfig, logger *logrus.Logger, local ...events.Publisher) events.Publisher {
	publishers := events.Fanout(local)

	if len(cfg.Brokers) == 0 {
		logger.Info("No Kafka brokers configured, events stay local")
		if len(publishers) == 0 {
			return events.NopPublisher{}
		}
		return publishers
	}

	var (
		kafka *events.KafkaPublisher
		err   error
	)
	for i := 0; i < kafkaConnectAttempts; i++ {
		kafka, err = events.NewKafkaPublisher(cfg.Brokers, cfg.Topic, logger)
		if err == nil {
			break
		}
		logger.WithError(err).WithField("attempt", i+1).Warn("Failed to connect to Kafka, retrying...")
		time.Sleep(kafkaConnectBackoff)
	}
	if err != nil {
		logger.WithError(err).Error("Giving up on Kafka, events stay local")
		return publishers
	}

	logger.WithFields(logrus.Fields{
		"brokers": cfg.Brokers,
		"topic":   cfg.Topic,
	}).Info("Publishing events to Kafka")
	return append(publishers, kafka)
}

type ProfileSource interface {
	MyProfile(ctx context.Context) (*models.DriverProfile, error)
}

// DriverID works out which driver the agent acts for: configuration first,
// then the token claims, then the API's profile endpoint.
func DriverID(ctx context.Context, cfg *config.Config, profiles ProfileSource, logger *logrus.Logger) (int64, error) {
	if cfg.Agent.DriverID > 0 {
		return cfg.Agent.DriverID, nil
	}

	if cfg.API.Token != "" {
		identity, err := auth.Inspect(cfg.API.Token, time.Now())
		switch {
		case err == nil:
			return identity.DriverID, nil
		case identity != nil && identity.Subject != "":
			logger.WithError(err).WithField("subject", identity.Subject).Warn("Token does not name the driver")
		default:
			logger.WithError(err).Warn("Could not read driver id from token")
		}
	}

	profile, err := profiles.MyProfile(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to resolve driver id: %w", err)
	}
	return profile.DriverID, nil
}

// OpenPendingStore opens the configured pending payment store. The returned
// closer is never nil.
func OpenPendingStore(ctx context.Context, cfg *config.Config) (payment.PendingStore, io.Closer, error) {
	switch cfg.Payment.Store {
	case "redis":
		store, err := payment.NewRedisStore(payment.RedisConfig{
			Addr:     cfg.Redis.Addr(),
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err != nil {
			return nil, nil, err
		}
		return store, store, nil
	case "postgres":
		store, err := payment.OpenSQLStore(ctx, cfg.Database.DSN())
		if err != nil {
			return nil, nil, err
		}
		return store, store, nil
	default:
		store, err := payment.NewFileStore(cfg.Payment.FilePath)
		if err != nil {
			return nil, nil, err
		}
		return store, nopCloser{}, nil
	}
}

// NewUploader picks where proof photos go.
func NewUploader(ctx context.Context, cfg config.StorageConfig, client proof.ProofAPI, logger *logrus.Logger) (proof.Uploader, error) {
	if cfg.Backend != "s3" {
		return proof.NewAPIUploader(client), nil
	}
	return proof.NewS3Uploader(ctx, proof.S3Config{
		Endpoint:      cfg.Endpoint,
		Region:        cfg.Region,
		Bucket:        cfg.Bucket,
		AccessKey:     cfg.AccessKey,
		SecretKey:     cfg.SecretKey,
		UsePathStyle:  cfg.UsePathStyle,
		PublicBaseURL: cfg.PublicBaseURL,
	}, logger)
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
