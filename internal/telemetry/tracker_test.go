package telemetry

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

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

// stepClock advances one second on every reading.
type stepClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *stepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now
	c.now = c.now.Add(time.Second)
	return now
}

type fakeGeolocator struct {
	mu          sync.Mutex
	unavailable bool
	watches     int
	opts        WatchOptions
	ch          chan Observation

	current    Fix
	currentErr error
}

func (g *fakeGeolocator) Available() bool { return !g.unavailable }

func (g *fakeGeolocator) Watch(ctx context.Context, opts WatchOptions) (<-chan Observation, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.watches++
	g.opts = opts
	g.ch = make(chan Observation)
	return g.ch, nil
}

func (g *fakeGeolocator) CurrentPosition(ctx context.Context, opts WatchOptions) (Fix, error) {
	return g.current, g.currentErr
}

func (g *fakeGeolocator) send(obs Observation) {
	g.mu.Lock()
	ch := g.ch
	g.mu.Unlock()
	ch <- obs
}

// flush returns once every observation sent before it has been handled.
func (g *fakeGeolocator) flush() {
	g.send(Observation{Err: &PositionError{Code: Unknown}})
}

func (g *fakeGeolocator) watchCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.watches
}

type forwarded struct {
	driverID int64
	sample   models.LocationSample
}

type fakeForwarder struct {
	mu    sync.Mutex
	calls []forwarded
	err   error
	block chan struct{}
}

func (f *fakeForwarder) UpdateLocation(ctx context.Context, driverID int64, sample models.LocationSample) error {
	f.mu.Lock()
	f.calls = append(f.calls, forwarded{driverID, sample})
	block := f.block
	f.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return f.err
}

func (f *fakeForwarder) recorded() []forwarded {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]forwarded, len(f.calls))
	copy(out, f.calls)
	return out
}

func fix(lat, lng float64) Fix {
	return Fix{Latitude: lat, Longitude: lng, Accuracy: 5}
}

func newTestTracker(geo *fakeGeolocator, fwd *fakeForwarder) *Tracker {
	clock := &stepClock{now: time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC)}
	return NewTracker(geo, fwd, Config{Clock: clock}, newTestLogger())
}

func TestThrottleTwoMinutesOfFixes(t *testing.T) {
	geo := &fakeGeolocator{}
	fwd := &fakeForwarder{}
	tracker := newTestTracker(geo, fwd)

	require.NoError(t, tracker.Start(context.Background(), 5))
	for i := 0; i < 120; i++ {
		geo.send(Observation{Fix: fix(6.9+float64(i)*0.0001, 79.8)})
	}
	geo.flush()
	tracker.Stop()

	calls := fwd.recorded()
	assert.LessOrEqual(t, len(calls), 4)
	assert.Len(t, calls, 4)

	sort.Slice(calls, func(i, j int) bool {
		return calls[i].sample.CapturedAt.Before(calls[j].sample.CapturedAt)
	})
	for i := 1; i < len(calls); i++ {
		gap := calls[i].sample.CapturedAt.Sub(calls[i-1].sample.CapturedAt)
		assert.GreaterOrEqual(t, gap, 30*time.Second)
	}
	for _, call := range calls {
		assert.Equal(t, int64(5), call.driverID)
	}
}

func TestStartTwiceRegistersOneWatch(t *testing.T) {
	geo := &fakeGeolocator{}
	tracker := newTestTracker(geo, &fakeForwarder{})

	require.NoError(t, tracker.Start(context.Background(), 5))
	require.NoError(t, tracker.Start(context.Background(), 5))

	assert.Equal(t, 1, geo.watchCount())
	assert.True(t, tracker.IsTracking())
	assert.Equal(t, DefaultWatchOptions(), geo.opts)

	tracker.Stop()
	tracker.Stop()
	assert.False(t, tracker.IsTracking())
}

func TestRestartAfterStop(t *testing.T) {
	geo := &fakeGeolocator{}
	tracker := newTestTracker(geo, &fakeForwarder{})

	require.NoError(t, tracker.Start(context.Background(), 5))
	tracker.Stop()
	require.NoError(t, tracker.Start(context.Background(), 6))
	defer tracker.Stop()

	assert.Equal(t, 2, geo.watchCount())
}

func TestStartWithoutCapability(t *testing.T) {
	geo := &fakeGeolocator{unavailable: true}
	tracker := newTestTracker(geo, &fakeForwarder{})

	err := tracker.Start(context.Background(), 5)
	assert.ErrorIs(t, err, ErrCapabilityUnavailable)
	assert.False(t, tracker.IsTracking())
	assert.Equal(t, 0, geo.watchCount())
}

func TestFailedForwardStillThrottles(t *testing.T) {
	geo := &fakeGeolocator{}
	fwd := &fakeForwarder{err: errors.New("503 service unavailable")}
	tracker := newTestTracker(geo, fwd)

	require.NoError(t, tracker.Start(context.Background(), 5))
	for i := 0; i < 10; i++ {
		geo.send(Observation{Fix: fix(6.9, 79.8)})
	}
	geo.flush()

	assert.True(t, tracker.IsTracking(), "forward failures must not stop tracking")
	tracker.Stop()
	assert.Len(t, fwd.recorded(), 1)
}

func TestSpeedConvertedToKmh(t *testing.T) {
	geo := &fakeGeolocator{}
	fwd := &fakeForwarder{}
	tracker := newTestTracker(geo, fwd)

	speed, heading := 10.0, 270.0
	require.NoError(t, tracker.Start(context.Background(), 5))
	geo.send(Observation{Fix: Fix{Latitude: 6.9, Longitude: 79.8, Accuracy: 12.5, Speed: &speed, Heading: &heading}})
	geo.flush()
	tracker.Stop()

	calls := fwd.recorded()
	require.Len(t, calls, 1)
	sample := calls[0].sample
	require.NotNil(t, sample.Speed)
	assert.InDelta(t, 36.0, *sample.Speed, 1e-9)
	assert.Equal(t, 270.0, *sample.Heading)
	assert.Equal(t, 12.5, sample.Accuracy)
	assert.Equal(t, 10.0, speed, "the fix itself is left alone")
}

func TestWatchErrorsDoNotStopTracking(t *testing.T) {
	geo := &fakeGeolocator{}
	fwd := &fakeForwarder{}
	tracker := newTestTracker(geo, fwd)

	require.NoError(t, tracker.Start(context.Background(), 5))
	geo.send(Observation{Err: &PositionError{Code: PermissionDenied}})
	geo.send(Observation{Err: &PositionError{Code: Timeout}})
	geo.send(Observation{Fix: fix(6.9, 79.8)})
	geo.flush()

	assert.True(t, tracker.IsTracking())
	tracker.Stop()
	assert.Len(t, fwd.recorded(), 1)
}

func TestInvalidFixDoesNotConsumeWindow(t *testing.T) {
	geo := &fakeGeolocator{}
	fwd := &fakeForwarder{}
	tracker := newTestTracker(geo, fwd)

	require.NoError(t, tracker.Start(context.Background(), 5))
	geo.send(Observation{Fix: fix(123, 79.8)})
	geo.send(Observation{Fix: fix(6.9, 79.8)})
	geo.flush()
	tracker.Stop()

	calls := fwd.recorded()
	require.Len(t, calls, 1)
	assert.Equal(t, 6.9, calls[0].sample.Latitude)
}

func TestStopWaitsForInFlightForward(t *testing.T) {
	geo := &fakeGeolocator{}
	fwd := &fakeForwarder{block: make(chan struct{})}
	tracker := newTestTracker(geo, fwd)

	require.NoError(t, tracker.Start(context.Background(), 5))
	geo.send(Observation{Fix: fix(6.9, 79.8)})
	geo.flush()
	require.Eventually(t, func() bool { return len(fwd.recorded()) == 1 }, time.Second, 5*time.Millisecond)

	stopped := make(chan struct{})
	go func() {
		tracker.Stop()
		close(stopped)
	}()

	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not return after cancelling the in-flight forward")
	}
}

func TestWatchEndingStopsTracking(t *testing.T) {
	geo := &fakeGeolocator{}
	tracker := newTestTracker(geo, &fakeForwarder{})

	require.NoError(t, tracker.Start(context.Background(), 5))
	geo.mu.Lock()
	close(geo.ch)
	geo.mu.Unlock()

	assert.Eventually(t, func() bool { return !tracker.IsTracking() }, time.Second, 5*time.Millisecond)
	tracker.Stop()
}

func TestCurrentPositionIsIndependent(t *testing.T) {
	geo := &fakeGeolocator{current: Fix{Latitude: 6.9271, Longitude: 79.8612, Accuracy: 4}}
	fwd := &fakeForwarder{}
	tracker := newTestTracker(geo, fwd)

	pos, err := tracker.CurrentPosition(context.Background())
	require.NoError(t, err)
	assert.Equal(t, models.Position{Latitude: 6.9271, Longitude: 79.8612, Accuracy: 4}, pos)
	assert.Equal(t, 0, geo.watchCount())
	assert.False(t, tracker.IsTracking())
	assert.Empty(t, fwd.recorded())
}

func TestCurrentPositionErrors(t *testing.T) {
	tests := []struct {
		name string
		err  error
		code PositionErrorCode
	}{
		{"permission", &PositionError{Code: PermissionDenied}, PermissionDenied},
		{"unavailable", &PositionError{Code: Unavailable}, Unavailable},
		{"deadline", context.DeadlineExceeded, Timeout},
		{"other", errors.New("gps chip on fire"), Unknown},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tracker := newTestTracker(&fakeGeolocator{currentErr: tt.err}, &fakeForwarder{})
			_, err := tracker.CurrentPosition(context.Background())

			var posErr *PositionError
			require.ErrorAs(t, err, &posErr)
			assert.Equal(t, tt.code, posErr.Code)
		})
	}

	tracker := newTestTracker(&fakeGeolocator{unavailable: true}, &fakeForwarder{})
	_, err := tracker.CurrentPosition(context.Background())
	assert.ErrorIs(t, err, ErrCapabilityUnavailable)
	assert.Equal(t, Unavailable, PositionErrorCodeOf(err))
	assert.Contains(t, err.Error(), "unavailable")
}
