package telemetry

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var ErrCapabilityUnavailable = errors.New("location capability unavailable")

// PositionErrorCode values follow the platform geolocation codes.
type PositionErrorCode int

const (
	Unknown          PositionErrorCode = 0
	PermissionDenied PositionErrorCode = 1
	Unavailable      PositionErrorCode = 2
	Timeout          PositionErrorCode = 3
)

func (c PositionErrorCode) String() string {
	switch c {
	case PermissionDenied:
		return "permission_denied"
	case Unavailable:
		return "unavailable"
	case Timeout:
		return "timeout"
	default:
		return "unknown"
	}
}

type PositionError struct {
	Code    PositionErrorCode
	Message string
	Err     error
}

func (e *PositionError) Error() string {
	message := e.Message
	if message == "" && e.Err != nil {
		message = e.Err.Error()
	}
	if message == "" {
		return fmt.Sprintf("position error: %s", e.Code)
	}
	return fmt.Sprintf("position error: %s: %s", e.Code, message)
}

func (e *PositionError) Unwrap() error { return e.Err }

// PositionErrorCodeOf extracts the code from err, Unknown when err is not a
// *PositionError.
func PositionErrorCodeOf(err error) PositionErrorCode {
	var posErr *PositionError
	if errors.As(err, &posErr) {
		return posErr.Code
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return Timeout
	}
	return Unknown
}

// Fix is a raw reading as the device reports it. Speed is in m/s.
type Fix struct {
	Latitude  float64
	Longitude float64
	Accuracy  float64
	Speed     *float64
	Heading   *float64
	Timestamp time.Time
}

// Observation carries either a fix or the error the device reported instead.
type Observation struct {
	Fix Fix
	Err error
}

type WatchOptions struct {
	HighAccuracy bool
	Timeout      time.Duration
	MaximumAge   time.Duration
}

// DefaultWatchOptions asks for fresh high-accuracy fixes.
func DefaultWatchOptions() WatchOptions {
	return WatchOptions{
		HighAccuracy: true,
		Timeout:      10 * time.Second,
		MaximumAge:   0,
	}
}

// Geolocator is the platform position capability.
//
// Watch delivers observations until ctx is cancelled, then closes the
// channel. CurrentPosition is a one-shot read.
type Geolocator interface {
	Available() bool
	Watch(ctx context.Context, opts WatchOptions) (<-chan Observation, error)
	CurrentPosition(ctx context.Context, opts WatchOptions) (Fix, error)
}
