package models

import "time"

// MetersPerSecondToKmh converts platform speed readings to the unit the
// location endpoint expects.
const MetersPerSecondToKmh = 3.6

type LocationSample struct {
	Latitude   float64   `json:"latitude" validate:"latitude"`
	Longitude  float64   `json:"longitude" validate:"longitude"`
	Accuracy   float64   `json:"accuracy" validate:"gte=0"`
	Speed      *float64  `json:"speed"`
	Heading    *float64  `json:"heading" validate:"omitempty,gte=0,lte=360"`
	CapturedAt time.Time `json:"-"`
}

type Position struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	Accuracy  float64 `json:"accuracy"`
}
