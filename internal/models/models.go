package models

import "time"

type Coord struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// Valid reports whether the coordinate lies inside WGS84 bounds.
func (c Coord) Valid() bool {
	return c.Lat >= -90 && c.Lat <= 90 && c.Lon >= -180 && c.Lon <= 180
}

type Place struct {
	Coord
	Address string `json:"address,omitempty"`
}

type RideStatus string

const (
	RideMatching   RideStatus = "MATCHING"
	RideAssigned   RideStatus = "ASSIGNED"
	RideInProgress RideStatus = "IN_PROGRESS"
	RideCompleted  RideStatus = "COMPLETED"
	RideCancelled  RideStatus = "CANCELLED"
)

// HasDriver reports whether a ride in this status must carry an assigned driver.
func (s RideStatus) HasDriver() bool {
	return s == RideAssigned || s == RideInProgress || s == RideCompleted
}

func (s RideStatus) Terminal() bool {
	return s == RideCompleted || s == RideCancelled
}

// RideRequest is what the passenger-facing path submits.
type RideRequest struct {
	RiderID     string  `json:"rider_id"`
	Origin      Place   `json:"origin"`
	Destination Place   `json:"destination"`
	Price       float64 `json:"price"`
}

type Ride struct {
	ID               string     `json:"id"`
	RiderID          string     `json:"rider_id"`
	Origin           Place      `json:"origin"`
	Destination      Place      `json:"destination"`
	Price            float64    `json:"price"`
	Status           RideStatus `json:"status"`
	AssignedDriverID string     `json:"assigned_driver_id,omitempty"`
	CancelReason     string     `json:"cancel_reason,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
	AssignedAt       *time.Time `json:"assigned_at,omitempty"`
	UpdatedAt        time.Time  `json:"updated_at"`
}

// Transition is a compare-and-swap request against a ride's status.
type Transition struct {
	From     RideStatus
	To       RideStatus
	DriverID string // required when To carries a driver
	Reason   string // cancellation reason
}

// DriverAvailability is the directory's view of one driver.
type DriverAvailability struct {
	DriverID string    `json:"driver_id"`
	Online   bool      `json:"online"`
	Loc      Coord     `json:"loc"`
	LastSeen time.Time `json:"last_seen"`
	Busy     bool      `json:"busy"`
}

type OfferStatus string

const (
	OfferSent       OfferStatus = "SENT"
	OfferAccepted   OfferStatus = "ACCEPTED"
	OfferDeclined   OfferStatus = "DECLINED"
	OfferExpired    OfferStatus = "EXPIRED"
	OfferSuperseded OfferStatus = "SUPERSEDED"
)

type Offer struct {
	ID         string      `json:"id"`
	RideID     string      `json:"ride_id"`
	DriverID   string      `json:"driver_id"`
	Seq        int         `json:"seq"`
	Status     OfferStatus `json:"status"`
	IssuedAt   time.Time   `json:"issued_at"`
	ExpiresAt  time.Time   `json:"expires_at"`
	ResolvedAt *time.Time  `json:"resolved_at,omitempty"`
}

// ExpiredAt reports whether the offer's TTL has elapsed at now.
func (o Offer) ExpiredAt(now time.Time) bool {
	return !now.Before(o.ExpiresAt)
}

type Decision string

const (
	DecisionAccept  Decision = "ACCEPTED"
	DecisionDecline Decision = "DECLINED"
)

func (d Decision) Valid() bool { return d == DecisionAccept || d == DecisionDecline }

// DispatchState is the dispatcher's per-ride state machine position.
type DispatchState string

const (
	StateSearching DispatchState = "SEARCHING"
	StateOffering  DispatchState = "OFFERING"
	StateAssigned  DispatchState = "ASSIGNED"
	StateExhausted DispatchState = "EXHAUSTED"
	StateCancelled DispatchState = "CANCELLED"
)

func (s DispatchState) Terminal() bool {
	return s == StateAssigned || s == StateExhausted || s == StateCancelled
}

// DispatchStatus is a snapshot of a ride's dispatch progress.
type DispatchStatus struct {
	RideID       string        `json:"ride_id"`
	State        DispatchState `json:"state"`
	CurrentOffer string        `json:"current_offer,omitempty"`
	Excluded     []string      `json:"excluded,omitempty"`
}

const ReasonNoDrivers = "no drivers available"

// LocationUpdate is a driver heartbeat as carried on the availability stream.
type LocationUpdate struct {
	DriverID string    `json:"driver_id"`
	Loc      Coord     `json:"loc"`
	Online   bool      `json:"online"`
	At       time.Time `json:"at"`
}
