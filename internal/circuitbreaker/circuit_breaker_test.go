package circuitbreaker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
)

var errRemote = errors.New("remote failure")

func newTestLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel) // Reduce noise in tests
	return logger
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestBreaker(config Config) (*CircuitBreaker, *fakeClock) {
	clock := &fakeClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	cb := New(config, newTestLogger())
	cb.now = clock.Now
	return cb, clock
}

func fail(ctx context.Context) error    { return errRemote }
func succeed(ctx context.Context) error { return nil }

func TestStateTransitions(t *testing.T) {
	config := Config{Name: "test", MaxFailures: 3, Timeout: time.Second, MaxRequests: 1}

	tests := []struct {
		name        string
		scenario    func(t *testing.T, cb *CircuitBreaker, clock *fakeClock)
		expectedEnd State
	}{
		{
			name: "closed_to_open_after_max_failures",
			scenario: func(t *testing.T, cb *CircuitBreaker, clock *fakeClock) {
				for i := 0; i < 3; i++ {
					if err := cb.Execute(context.Background(), fail); !errors.Is(err, errRemote) {
						t.Fatalf("Expected remote failure, got %v", err)
					}
				}
			},
			expectedEnd: StateOpen,
		},
		{
			name: "open_rejects_without_calling",
			scenario: func(t *testing.T, cb *CircuitBreaker, clock *fakeClock) {
				for i := 0; i < 3; i++ {
					cb.Execute(context.Background(), fail)
				}
				called := false
				err := cb.Execute(context.Background(), func(ctx context.Context) error {
					called = true
					return nil
				})
				if !errors.Is(err, ErrCircuitBreakerOpen) {
					t.Errorf("Expected ErrCircuitBreakerOpen, got %v", err)
				}
				if called {
					t.Error("Guarded function should not run while open")
				}
			},
			expectedEnd: StateOpen,
		},
		{
			name: "half_open_success_closes",
			scenario: func(t *testing.T, cb *CircuitBreaker, clock *fakeClock) {
				for i := 0; i < 3; i++ {
					cb.Execute(context.Background(), fail)
				}
				clock.Advance(2 * time.Second)
				if err := cb.Execute(context.Background(), succeed); err != nil {
					t.Errorf("Expected success, got %v", err)
				}
			},
			expectedEnd: StateClosed,
		},
		{
			name: "half_open_failure_reopens",
			scenario: func(t *testing.T, cb *CircuitBreaker, clock *fakeClock) {
				for i := 0; i < 3; i++ {
					cb.Execute(context.Background(), fail)
				}
				clock.Advance(2 * time.Second)
				cb.Execute(context.Background(), fail)
			},
			expectedEnd: StateOpen,
		},
		{
			name: "success_resets_failure_count",
			scenario: func(t *testing.T, cb *CircuitBreaker, clock *fakeClock) {
				cb.Execute(context.Background(), fail)
				cb.Execute(context.Background(), fail)
				cb.Execute(context.Background(), succeed)
				cb.Execute(context.Background(), fail)
				cb.Execute(context.Background(), fail)
			},
			expectedEnd: StateClosed,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cb, clock := newTestBreaker(config)
			tt.scenario(t, cb, clock)
			if cb.State() != tt.expectedEnd {
				t.Errorf("Expected %s, got %s", tt.expectedEnd, cb.State())
			}
		})
	}
}

func TestIsFailureFiltersErrors(t *testing.T) {
	errRefused := errors.New("refused")
	cb, _ := newTestBreaker(Config{
		Name:        "filtered",
		MaxFailures: 1,
		Timeout:     time.Second,
		IsFailure:   func(err error) bool { return !errors.Is(err, errRefused) },
	})

	for i := 0; i < 5; i++ {
		err := cb.Execute(context.Background(), func(ctx context.Context) error { return errRefused })
		if !errors.Is(err, errRefused) {
			t.Fatalf("Expected error to pass through, got %v", err)
		}
	}

	if cb.State() != StateClosed {
		t.Errorf("Filtered errors should not open the breaker, got %s", cb.State())
	}
}

func TestCancelledContextDoesNotCount(t *testing.T) {
	cb, _ := newTestBreaker(Config{Name: "cancelled", MaxFailures: 1, Timeout: time.Second})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := cb.Execute(ctx, func(ctx context.Context) error { return ctx.Err() })
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Expected context.Canceled, got %v", err)
	}
	if cb.State() != StateClosed {
		t.Errorf("Cancellation should not open the breaker, got %s", cb.State())
	}
}

func TestConfigDefaults(t *testing.T) {
	cb := New(Config{}, newTestLogger())

	if cb.Name() != "unnamed" {
		t.Errorf("Expected name 'unnamed', got %s", cb.Name())
	}
	if cb.maxFailures != 5 {
		t.Errorf("Expected default MaxFailures 5, got %d", cb.maxFailures)
	}
	if cb.timeout != 30*time.Second {
		t.Errorf("Expected default Timeout 30s, got %v", cb.timeout)
	}
	if cb.maxRequests != 1 {
		t.Errorf("Expected default MaxRequests 1, got %d", cb.maxRequests)
	}

	capped := New(Config{Name: "capped", MaxFailures: 5000, Timeout: time.Hour, MaxRequests: 500}, newTestLogger())
	if capped.maxFailures != 1000 || capped.timeout != 10*time.Minute || capped.maxRequests != 100 {
		t.Errorf("Expected caps to apply, got %s", capped)
	}
}

func TestSnapshotCounters(t *testing.T) {
	cb, _ := newTestBreaker(Config{Name: "counted", MaxFailures: 2, Timeout: time.Second})

	cb.Execute(context.Background(), succeed)
	cb.Execute(context.Background(), fail)
	cb.Execute(context.Background(), fail)
	cb.Execute(context.Background(), succeed) // rejected

	snap := cb.Snapshot()
	if snap.TotalRequests != 3 {
		t.Errorf("Expected 3 attempted requests, got %d", snap.TotalRequests)
	}
	if snap.TotalSuccesses != 1 || snap.TotalFailures != 2 || snap.TotalRejected != 1 {
		t.Errorf("Unexpected counters: %+v", snap)
	}
	if snap.State != "open" || snap.StateChanges != 1 {
		t.Errorf("Expected one change to open, got %+v", snap)
	}
}

func TestStateChangeCallback(t *testing.T) {
	changes := make(chan State, 4)
	cb, _ := newTestBreaker(Config{
		Name:        "callback",
		MaxFailures: 1,
		Timeout:     time.Second,
		OnStateChange: func(name string, from State, to State) {
			changes <- to
		},
	})

	cb.Execute(context.Background(), fail)

	select {
	case to := <-changes:
		if to != StateOpen {
			t.Errorf("Expected change to open, got %s", to)
		}
	case <-time.After(time.Second):
		t.Fatal("State change callback was not invoked")
	}
}

func TestExecuteConcurrentAccess(t *testing.T) {
	cb, _ := newTestBreaker(Config{Name: "concurrent", MaxFailures: 1000, Timeout: time.Second})

	const numGoroutines = 50
	const numIterations = 20

	var wg sync.WaitGroup
	for i := 0; i < numGoroutines; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < numIterations; j++ {
				if (i+j)%2 == 0 {
					cb.Execute(context.Background(), succeed)
				} else {
					cb.Execute(context.Background(), fail)
				}
			}
		}(i)
	}
	wg.Wait()

	snap := cb.Snapshot()
	if snap.TotalRequests != numGoroutines*numIterations {
		t.Errorf("Expected %d requests, got %d", numGoroutines*numIterations, snap.TotalRequests)
	}
	if snap.TotalSuccesses+snap.TotalFailures != snap.TotalRequests {
		t.Errorf("Successes and failures should add up to requests: %+v", snap)
	}
}
