package telemetry

import (
	"context"
	"fmt"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

// deviceMessage is what the device relay streams: a position in the shape of
// the browser Geolocation API, or the error it raised instead.
type deviceMessage struct {
	Coords *struct {
		Latitude  float64  `json:"latitude"`
		Longitude float64  `json:"longitude"`
		Accuracy  float64  `json:"accuracy"`
		Speed     *float64 `json:"speed"`
		Heading   *float64 `json:"heading"`
	} `json:"coords"`
	Timestamp int64 `json:"timestamp"` // ms since epoch
	Error     *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

type subscribeRequest struct {
	Type               string `json:"type"` // watch, current
	EnableHighAccuracy bool   `json:"enableHighAccuracy"`
	Timeout            int64  `json:"timeout"`
	MaximumAge         int64  `json:"maximumAge"`
}

const (
	initialRedialDelay = 1 * time.Second
	maxRedialDelay     = 30 * time.Second
)

// WebSocketGeolocator reads position fixes that the driver's device streams
// to a relay. Each watch and each one-shot read uses its own connection.
type WebSocketGeolocator struct {
	url    string
	dialer *websocket.Dialer
	logger *logrus.Logger

	initialRedialDelay time.Duration
	maxRedialDelay     time.Duration
}

func NewWebSocketGeolocator(url string, logger *logrus.Logger) *WebSocketGeolocator {
	return &WebSocketGeolocator{
		url: url,
		dialer: &websocket.Dialer{
			HandshakeTimeout: 10 * time.Second,
		},
		logger:             logger,
		initialRedialDelay: initialRedialDelay,
		maxRedialDelay:     maxRedialDelay,
	}
}

func (g *WebSocketGeolocator) Available() bool {
	return g.url != ""
}

// Watch streams observations until ctx is cancelled. A dropped feed is
// reported as Unavailable and redialled with backoff; only the first dial
// failing is returned as an error.
func (g *WebSocketGeolocator) Watch(ctx context.Context, opts WatchOptions) (<-chan Observation, error) {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultWatchOptions().Timeout
	}
	conn, err := g.connect(ctx, "watch", opts)
	if err != nil {
		return nil, err
	}

	observations := make(chan Observation)
	go func() {
		defer close(observations)

		for conn != nil {
			err := g.stream(ctx, conn, opts, observations)
			if ctx.Err() != nil {
				return
			}
			g.logger.WithError(err).Warn("Position feed closed, reconnecting")

			lost := Observation{Err: &PositionError{Code: Unavailable, Message: "position feed closed", Err: err}}
			select {
			case observations <- lost:
			case <-ctx.Done():
				return
			}
			conn = g.redial(ctx, opts)
		}
	}()

	return observations, nil
}

// stream relays one connection until it fails or ctx ends.
func (g *WebSocketGeolocator) stream(ctx context.Context, conn *websocket.Conn, opts WatchOptions, observations chan<- Observation) error {
	defer conn.Close()

	session, cancel := context.WithCancel(ctx)
	defer cancel()

	raw := make(chan deviceMessage)
	readErr := make(chan error, 1)
	go func() {
		for {
			var msg deviceMessage
			if err := conn.ReadJSON(&msg); err != nil {
				readErr <- err
				return
			}
			select {
			case raw <- msg:
			case <-session.Done():
				return
			}
		}
	}()

	// No fix within Timeout is reported the way the platform does it, and
	// the watch carries on.
	timer := time.NewTimer(opts.Timeout)
	defer timer.Stop()

	for {
		var obs Observation
		select {
		case <-ctx.Done():
			conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
			return ctx.Err()
		case err := <-readErr:
			return err
		case <-timer.C:
			obs = Observation{Err: &PositionError{Code: Timeout, Message: "no position fix received"}}
		case msg := <-raw:
			obs = msg.observation()
		}

		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(opts.Timeout)

		select {
		case observations <- obs:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// redial reconnects with exponential backoff. It returns nil once ctx ends.
func (g *WebSocketGeolocator) redial(ctx context.Context, opts WatchOptions) *websocket.Conn {
	delay := g.initialRedialDelay
	for attempt := 1; ; attempt++ {
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}

		conn, err := g.connect(ctx, "watch", opts)
		if err == nil {
			g.logger.WithField("attempt", attempt).Info("Position feed reconnected")
			return conn
		}
		if ctx.Err() != nil {
			return nil
		}
		g.logger.WithError(err).WithFields(logrus.Fields{
			"attempt": attempt,
			"delay":   delay,
		}).Warn("Failed to reconnect to position feed")

		delay *= 2
		if delay > g.maxRedialDelay {
			delay = g.maxRedialDelay
		}
	}
}

func (g *WebSocketGeolocator) CurrentPosition(ctx context.Context, opts WatchOptions) (Fix, error) {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultWatchOptions().Timeout
	}
	conn, err := g.connect(ctx, "current", opts)
	if err != nil {
		return Fix{}, err
	}
	defer conn.Close()

	deadline := time.Now().Add(opts.Timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	conn.SetReadDeadline(deadline)

	var msg deviceMessage
	if err := conn.ReadJSON(&msg); err != nil {
		if ne, ok := err.(interface{ Timeout() bool }); ok && ne.Timeout() {
			return Fix{}, &PositionError{Code: Timeout, Message: "no position fix received"}
		}
		return Fix{}, &PositionError{Code: Unavailable, Message: err.Error()}
	}

	obs := msg.observation()
	return obs.Fix, obs.Err
}

func (g *WebSocketGeolocator) connect(ctx context.Context, kind string, opts WatchOptions) (*websocket.Conn, error) {
	conn, _, err := g.dialer.DialContext(ctx, g.url, nil)
	if err != nil {
		return nil, &PositionError{Code: Unavailable, Message: fmt.Sprintf("failed to connect to position feed: %v", err)}
	}

	req := subscribeRequest{
		Type:               kind,
		EnableHighAccuracy: opts.HighAccuracy,
		Timeout:            opts.Timeout.Milliseconds(),
		MaximumAge:         opts.MaximumAge.Milliseconds(),
	}
	if err := conn.WriteJSON(req); err != nil {
		conn.Close()
		return nil, &PositionError{Code: Unavailable, Message: fmt.Sprintf("failed to subscribe to position feed: %v", err)}
	}
	return conn, nil
}

func (m deviceMessage) observation() Observation {
	if m.Error != nil {
		return Observation{Err: &PositionError{Code: PositionErrorCode(m.Error.Code), Message: m.Error.Message}}
	}
	if m.Coords == nil {
		return Observation{Err: &PositionError{Code: Unknown, Message: "message carries neither coords nor error"}}
	}

	fix := Fix{
		Latitude:  m.Coords.Latitude,
		Longitude: m.Coords.Longitude,
		Accuracy:  m.Coords.Accuracy,
		Speed:     m.Coords.Speed,
		Heading:   m.Coords.Heading,
	}
	if m.Timestamp > 0 {
		fix.Timestamp = time.UnixMilli(m.Timestamp).UTC()
	}
	return Observation{Fix: fix}
}
