package events

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jogardn/fieldops/pkg/models"
	"github.com/shopspring/decimal"
)

type Type string

const (
	DeliveryStatusChanged Type = "delivery.status_changed"
	DriverLocation        Type = "driver.location"
	PaymentResolved       Type = "payment.resolved"
)

// Event is the envelope every fieldops message travels in.
type Event struct {
	ID         string          `json:"id"`
	Type       Type            `json:"type"`
	Key        string          `json:"key"`
	OccurredAt time.Time       `json:"occurred_at"`
	Payload    json.RawMessage `json:"payload"`
}

type DeliveryStatusChangedPayload struct {
	DeliveryID int64                 `json:"delivery_id"`
	OrderID    int64                 `json:"order_id"`
	DriverID   *int64                `json:"driver_id,omitempty"`
	Action     string                `json:"action"`
	From       models.DeliveryStatus `json:"from"`
	To         models.DeliveryStatus `json:"to"`
}

type DriverLocationPayload struct {
	DriverID   int64     `json:"driver_id"`
	Latitude   float64   `json:"latitude"`
	Longitude  float64   `json:"longitude"`
	Accuracy   float64   `json:"accuracy"`
	Speed      *float64  `json:"speed_kmh,omitempty"`
	Heading    *float64  `json:"heading,omitempty"`
	CapturedAt time.Time `json:"captured_at"`
}

type PaymentResolvedPayload struct {
	PaymentReference string               `json:"payment_reference"`
	Outcome          string               `json:"outcome"`
	Status           models.PaymentStatus `json:"status,omitempty"`
	OrderNumber      string               `json:"order_number,omitempty"`
	Amount           decimal.Decimal      `json:"amount"`
	Currency         string               `json:"currency,omitempty"`
}

// New wraps payload in an envelope. key is used as the Kafka message key so
// events about the same delivery, driver or payment stay ordered.
func New(typ Type, key string, payload interface{}) (Event, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Event{}, fmt.Errorf("failed to marshal %s payload: %w", typ, err)
	}
	return Event{
		ID:         uuid.New().String(),
		Type:       typ,
		Key:        key,
		OccurredAt: time.Now().UTC(),
		Payload:    data,
	}, nil
}

func (e Event) Decode(v interface{}) error {
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return fmt.Errorf("failed to decode %s payload: %w", e.Type, err)
	}
	return nil
}

func LocationPayload(driverID int64, sample models.LocationSample) DriverLocationPayload {
	return DriverLocationPayload{
		DriverID:   driverID,
		Latitude:   sample.Latitude,
		Longitude:  sample.Longitude,
		Accuracy:   sample.Accuracy,
		Speed:      sample.Speed,
		Heading:    sample.Heading,
		CapturedAt: sample.CapturedAt,
	}
}
