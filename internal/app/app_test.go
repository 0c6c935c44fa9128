package app

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/jogardn/fieldops/internal/config"
	"github.com/jogardn/fieldops/internal/events"
	"github.com/jogardn/fieldops/internal/payment"
	"github.com/jogardn/fieldops/internal/proof"
	"github.com/jogardn/fieldops/pkg/models"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	return logger
}

type fakeProfiles struct {
	id    int64
	err   error
	calls int
}

func (f *fakeProfiles) MyProfile(ctx context.Context) (*models.DriverProfile, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return &models.DriverProfile{DriverID: f.id}, nil
}

func signedToken(t *testing.T, claims jwt.MapClaims) string {
	t.Helper()
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("secret"))
	require.NoError(t, err)
	return token
}

func TestDriverIDPrecedence(t *testing.T) {
	ctx := context.Background()
	logger := newTestLogger()

	cfg := &config.Config{Agent: config.AgentConfig{DriverID: 3}}
	profiles := &fakeProfiles{id: 9}
	id, err := DriverID(ctx, cfg, profiles, logger)
	require.NoError(t, err)
	assert.Equal(t, int64(3), id)
	assert.Equal(t, 0, profiles.calls)

	cfg = &config.Config{API: config.APIConfig{Token: signedToken(t, jwt.MapClaims{
		"sub":      "driver@example.com",
		"driverId": 12,
		"exp":      time.Now().Add(time.Hour).Unix(),
	})}}
	id, err = DriverID(ctx, cfg, profiles, logger)
	require.NoError(t, err)
	assert.Equal(t, int64(12), id)
	assert.Equal(t, 0, profiles.calls)

	cfg = &config.Config{API: config.APIConfig{Token: signedToken(t, jwt.MapClaims{"sub": "driver@example.com"})}}
	id, err = DriverID(ctx, cfg, profiles, logger)
	require.NoError(t, err)
	assert.Equal(t, int64(9), id)
	assert.Equal(t, 1, profiles.calls)
}

func TestDriverIDProfileFailure(t *testing.T) {
	profiles := &fakeProfiles{err: errors.New("unauthorized")}
	_, err := DriverID(context.Background(), &config.Config{}, profiles, newTestLogger())
	assert.ErrorContains(t, err, "unauthorized")
}

func TestOpenPendingStoreFile(t *testing.T) {
	cfg := &config.Config{Payment: config.PaymentConfig{
		Store:    "file",
		FilePath: filepath.Join(t.TempDir(), "pending.json"),
	}}

	store, closer, err := OpenPendingStore(context.Background(), cfg)
	require.NoError(t, err)
	defer closer.Close()

	_, ok := store.(*payment.FileStore)
	assert.True(t, ok)
}

func TestNewPublisherWithoutBrokers(t *testing.T) {
	publisher := NewPublisher(config.KafkaConfig{}, newTestLogger())
	require.NotNil(t, publisher)
	assert.IsType(t, events.NopPublisher{}, publisher)
	assert.NoError(t, publisher.Publish(context.Background(), events.Event{Type: events.DeliveryStatusChanged}))
	assert.NoError(t, publisher.Close())
}

func TestNewPublisherKeepsLocalPublishers(t *testing.T) {
	local := &countingPublisher{}
	publisher := NewPublisher(config.KafkaConfig{}, newTestLogger(), local)

	require.NoError(t, publisher.Publish(context.Background(), events.Event{Type: events.DriverLocation}))
	assert.Equal(t, 1, local.published)
}

type countingPublisher struct {
	published int
}

func (p *countingPublisher) Publish(ctx context.Context, event events.Event) error {
	p.published++
	return nil
}

func (p *countingPublisher) Close() error { return nil }

func TestNewUploaderDefaultsToAPI(t *testing.T) {
	uploader, err := NewUploader(context.Background(), config.StorageConfig{Backend: "api"}, nil, newTestLogger())
	require.NoError(t, err)
	_, ok := uploader.(*proof.APIUploader)
	assert.True(t, ok)
}

func TestNewAPIClientWiresBreakers(t *testing.T) {
	cfg := &config.Config{
		API:     config.APIConfig{BaseURL: "http://localhost:1/api", Timeout: time.Second},
		Breaker: config.BreakerConfig{MaxFailures: 2, Timeout: time.Second},
	}
	client := NewAPIClient(cfg, newTestLogger())
	require.NotNil(t, client.Breakers())
	assert.Equal(t, "deliveries", client.Breakers().For("deliveries").Name())
}
