package telemetry

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/jogardn/fieldops/internal/events"
	"github.com/jogardn/fieldops/internal/metrics"
	"github.com/jogardn/fieldops/pkg/models"
	"github.com/sirupsen/logrus"
)

const DefaultInterval = 30 * time.Second

// Forwarder sends an accepted sample to the location endpoint.
type Forwarder interface {
	UpdateLocation(ctx context.Context, driverID int64, sample models.LocationSample) error
}

// Clock is the throttle time basis. time.Now readings carry a monotonic
// component, so wall clock changes do not move the window.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

type Config struct {
	Interval  time.Duration
	Options   WatchOptions
	Clock     Clock
	Publisher events.Publisher
}

// Tracker streams the position of one driver to the API, at most one sample
// per Interval. Create one per driver session and Stop it when the session
// ends.
type Tracker struct {
	geolocator Geolocator
	forwarder  Forwarder
	publisher  events.Publisher
	validate   *validator.Validate
	interval   time.Duration
	options    WatchOptions
	clock      Clock
	logger     *logrus.Logger

	mu           sync.Mutex
	tracking     bool
	driverID     int64
	cancel       context.CancelFunc
	loopDone     chan struct{}
	lastAccepted time.Time
	hasAccepted  bool
	forwards     sync.WaitGroup
}

func NewTracker(geolocator Geolocator, forwarder Forwarder, config Config, logger *logrus.Logger) *Tracker {
	if config.Interval <= 0 {
		config.Interval = DefaultInterval
	}
	if config.Options == (WatchOptions{}) {
		config.Options = DefaultWatchOptions()
	}
	if config.Clock == nil {
		config.Clock = systemClock{}
	}
	if config.Publisher == nil {
		config.Publisher = events.NopPublisher{}
	}

	return &Tracker{
		geolocator: geolocator,
		forwarder:  forwarder,
		publisher:  config.Publisher,
		validate:   validator.New(),
		interval:   config.Interval,
		options:    config.Options,
		clock:      config.Clock,
		logger:     logger,
	}
}

// Start begins continuous tracking for driverID. Calling it while tracking is
// a no-op. Tracking outlives ctx; only Stop ends it.
func (t *Tracker) Start(ctx context.Context, driverID int64) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.tracking {
		t.logger.WithFields(logrus.Fields{
			"driver_id":        driverID,
			"active_driver_id": t.driverID,
		}).Info("Location tracking already active")
		return nil
	}

	if !t.geolocator.Available() {
		return ErrCapabilityUnavailable
	}

	watchCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	observations, err := t.geolocator.Watch(watchCtx, t.options)
	if err != nil {
		cancel()
		return fmt.Errorf("failed to start position watch: %w", err)
	}

	done := make(chan struct{})
	t.tracking = true
	t.driverID = driverID
	t.cancel = cancel
	t.loopDone = done
	t.hasAccepted = false

	go t.loop(watchCtx, observations, done)

	t.logger.WithFields(logrus.Fields{
		"driver_id": driverID,
		"interval":  t.interval.String(),
	}).Info("Location tracking started")
	return nil
}

// Stop ends tracking and waits for in-flight forwards. Safe to call at any
// time, any number of times.
func (t *Tracker) Stop() {
	t.mu.Lock()
	if !t.tracking {
		t.mu.Unlock()
		return
	}
	t.cancel()
	done := t.loopDone
	driverID := t.driverID
	t.tracking = false
	t.mu.Unlock()

	<-done
	t.forwards.Wait()

	t.logger.WithField("driver_id", driverID).Info("Location tracking stopped")
}

func (t *Tracker) IsTracking() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.tracking
}

// CurrentPosition reads the position once. It does not touch the tracking
// session or its throttle.
func (t *Tracker) CurrentPosition(ctx context.Context) (models.Position, error) {
	if !t.geolocator.Available() {
		return models.Position{}, &PositionError{Code: Unavailable, Err: ErrCapabilityUnavailable}
	}

	if t.options.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.options.Timeout)
		defer cancel()
	}

	fix, err := t.geolocator.CurrentPosition(ctx, t.options)
	if err != nil {
		var posErr *PositionError
		if !errors.As(err, &posErr) {
			err = &PositionError{Code: PositionErrorCodeOf(err), Err: err}
		}
		return models.Position{}, err
	}

	return models.Position{
		Latitude:  fix.Latitude,
		Longitude: fix.Longitude,
		Accuracy:  fix.Accuracy,
	}, nil
}

func (t *Tracker) loop(ctx context.Context, observations <-chan Observation, done chan struct{}) {
	defer close(done)

	for {
		select {
		case <-ctx.Done():
			return
		case obs, ok := <-observations:
			if !ok {
				t.watchEnded(done)
				return
			}
			t.observe(ctx, obs)
		}
	}
}

// watchEnded handles a geolocator that closed its channel on its own.
func (t *Tracker) watchEnded(done chan struct{}) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.tracking || t.loopDone != done {
		return
	}
	t.tracking = false
	t.cancel()
	t.logger.WithField("driver_id", t.driverID).Warn("Position watch ended, location tracking stopped")
}

func (t *Tracker) observe(ctx context.Context, obs Observation) {
	if obs.Err != nil {
		code := PositionErrorCodeOf(obs.Err)
		entry := t.logger.WithError(obs.Err).WithField("code", code.String())
		switch code {
		case PermissionDenied:
			entry.Error("Location permission denied")
		case Unavailable:
			entry.Warn("Location information unavailable")
		case Timeout:
			entry.Warn("Location request timed out")
		default:
			entry.Warn("Unknown location error")
		}
		return
	}

	sample := toSample(obs.Fix)
	if err := t.validate.Struct(sample); err != nil {
		metrics.LocationSamplesTotal.WithLabelValues("invalid").Inc()
		t.logger.WithError(err).Warn("Dropping invalid position fix")
		return
	}

	now := t.clock.Now()

	t.mu.Lock()
	if !t.tracking {
		t.mu.Unlock()
		return
	}
	if t.hasAccepted && now.Sub(t.lastAccepted) < t.interval {
		t.mu.Unlock()
		metrics.LocationSamplesTotal.WithLabelValues("throttled").Inc()
		return
	}
	// The window restarts here, whether or not the forward succeeds.
	t.lastAccepted = now
	t.hasAccepted = true
	driverID := t.driverID
	t.forwards.Add(1)
	t.mu.Unlock()

	if sample.CapturedAt.IsZero() {
		sample.CapturedAt = now
	}

	go t.forward(ctx, driverID, sample)
}

func (t *Tracker) forward(ctx context.Context, driverID int64, sample models.LocationSample) {
	defer t.forwards.Done()

	start := time.Now()
	err := t.forwarder.UpdateLocation(ctx, driverID, sample)
	metrics.LocationForwardDuration.Observe(time.Since(start).Seconds())

	if err != nil {
		metrics.LocationSamplesTotal.WithLabelValues("failed").Inc()
		t.logger.WithError(err).WithField("driver_id", driverID).Warn("Failed to forward location")
		return
	}

	metrics.LocationSamplesTotal.WithLabelValues("forwarded").Inc()
	t.logger.WithFields(logrus.Fields{
		"driver_id": driverID,
		"latitude":  sample.Latitude,
		"longitude": sample.Longitude,
	}).Debug("Location forwarded")

	events.Emit(ctx, t.publisher, t.logger, events.DriverLocation,
		"driver-"+strconv.FormatInt(driverID, 10), events.LocationPayload(driverID, sample))
}

func toSample(fix Fix) models.LocationSample {
	sample := models.LocationSample{
		Latitude:   fix.Latitude,
		Longitude:  fix.Longitude,
		Accuracy:   fix.Accuracy,
		Heading:    fix.Heading,
		CapturedAt: fix.Timestamp,
	}
	if fix.Speed != nil {
		kmh := *fix.Speed * models.MetersPerSecondToKmh
		sample.Speed = &kmh
	}
	return sample
}
