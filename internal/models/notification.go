package models

import "time"

type EventType string

const (
	EventOfferCreated EventType = "OfferCreated"
	EventRideAssigned EventType = "RideAssigned"
	EventRideCanceled EventType = "RideCancelled"
)

// Notification is a one-way event pushed to a driver (or to the event stream
// when DriverID is empty, e.g. a ride exhausted before any offer).
type Notification struct {
	Event    EventType `json:"event"`
	DriverID string    `json:"driver_id,omitempty"`
	RideID   string    `json:"ride_id"`
	OfferID  string    `json:"offer_id,omitempty"`
	Reason   string    `json:"reason,omitempty"`

	Pickup           *Place     `json:"pickup,omitempty"`
	Dropoff          *Place     `json:"dropoff,omitempty"`
	Price            float64    `json:"price,omitempty"`
	ExpiresAt        *time.Time `json:"expires_at,omitempty"`
	PickupETASeconds float64    `json:"pickup_eta_seconds,omitempty"`

	At time.Time `json:"at"`
}
