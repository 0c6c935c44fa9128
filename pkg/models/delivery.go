package models

import (
	"fmt"
	"time"
)

type DeliveryStatus string

const (
	DeliveryAssigned  DeliveryStatus = "ASSIGNED"
	DeliveryPickedUp  DeliveryStatus = "PICKED_UP"
	DeliveryInTransit DeliveryStatus = "IN_TRANSIT"
	DeliveryArrived   DeliveryStatus = "ARRIVED"
	DeliveryDelivered DeliveryStatus = "DELIVERED"
	DeliveryFailed    DeliveryStatus = "FAILED"
)

// deliverySequence is the forward order a delivery moves through. FAILED sits
// outside of it and can be reached from any non-terminal status.
var deliverySequence = []DeliveryStatus{
	DeliveryAssigned,
	DeliveryPickedUp,
	DeliveryInTransit,
	DeliveryArrived,
	DeliveryDelivered,
}

func (s DeliveryStatus) String() string {
	return string(s)
}

func (s DeliveryStatus) IsTerminal() bool {
	return s == DeliveryDelivered || s == DeliveryFailed
}

// Rank returns the position of s in the forward sequence, or -1 for FAILED and
// unknown values.
func (s DeliveryStatus) Rank() int {
	for i, st := range deliverySequence {
		if st == s {
			return i
		}
	}
	return -1
}

func (s DeliveryStatus) Valid() bool {
	return s == DeliveryFailed || s.Rank() >= 0
}

type Delivery struct {
	DeliveryID           int64          `json:"deliveryId"`
	OrderID              int64          `json:"orderId"`
	OrderNumber          string         `json:"orderNumber,omitempty"`
	Status               DeliveryStatus `json:"status"`
	DriverID             *int64         `json:"driverId,omitempty"`
	DriverName           string         `json:"driverName,omitempty"`
	DestinationAddress   string         `json:"deliveryAddress"`
	DestinationLatitude  *float64       `json:"destinationLatitude,omitempty"`
	DestinationLongitude *float64       `json:"destinationLongitude,omitempty"`
	ContactNumber        string         `json:"contactNumber"`
	Notes                *string        `json:"notes,omitempty"`
	PickupTime           *time.Time     `json:"pickupTime,omitempty"`
	DeliveryTime         *time.Time     `json:"deliveryTime,omitempty"`
	RecipientName        string         `json:"recipientName,omitempty"`
	ProofPhotoURL        string         `json:"proofPhotoUrl,omitempty"`
}

func (d *Delivery) HasDestination() bool {
	return d.DestinationLatitude != nil && d.DestinationLongitude != nil
}

// DirectionsURL links to turn-by-turn directions to the destination. Empty
// when the delivery has no coordinates.
func (d *Delivery) DirectionsURL() string {
	if !d.HasDestination() {
		return ""
	}
	return fmt.Sprintf("https://www.google.com/maps/dir/?api=1&destination=%f,%f",
		*d.DestinationLatitude, *d.DestinationLongitude)
}

// TransitionRequest is the body of the pickup, start and arrive endpoints.
type TransitionRequest struct {
	Notes            *string  `json:"notes"`
	CurrentLatitude  *float64 `json:"currentLatitude"`
	CurrentLongitude *float64 `json:"currentLongitude"`
}

type CompletionRequest struct {
	RecipientName    string   `json:"recipientName" validate:"required"`
	DeliveryNotes    string   `json:"deliveryNotes"`
	CurrentLatitude  *float64 `json:"currentLatitude" validate:"omitempty,latitude"`
	CurrentLongitude *float64 `json:"currentLongitude" validate:"omitempty,longitude"`
	PhotoURL         *string  `json:"photoUrl"`
}

type ProofUpload struct {
	PhotoURL string `json:"photoUrl"`
}
