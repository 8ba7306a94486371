package models

import "time"

// RideStatus is the closed set of states a ride moves through.
type RideStatus string

const (
	StatusRequested RideStatus = "requested"
	StatusAccepted  RideStatus = "accepted"
	StatusRejected  RideStatus = "rejected"
	StatusCancelled RideStatus = "cancelled"
	StatusPickedUp  RideStatus = "picked_up"
	StatusInTransit RideStatus = "in_transit"
	StatusCompleted RideStatus = "completed"
)

func (s RideStatus) Valid() bool {
	switch s {
	case StatusRequested, StatusAccepted, StatusRejected, StatusCancelled,
		StatusPickedUp, StatusInTransit, StatusCompleted:
		return true
	}
	return false
}

// Terminal reports whether no transitions exist out of s.
func (s RideStatus) Terminal() bool {
	switch s {
	case StatusRejected, StatusCancelled, StatusCompleted:
		return true
	}
	return false
}

type Role string

const (
	RoleRider  Role = "rider"
	RoleDriver Role = "driver"
)

// Actor is the identity context supplied per call by the external auth
// layer. The engine trusts it and only checks role and ownership.
type Actor struct {
	ID   string `json:"id"`
	Role Role   `json:"role"`
}

type GeoPoint struct {
	Lat     float64 `json:"lat"`
	Lng     float64 `json:"lng"`
	Address string  `json:"address,omitempty"`
}

// HistoryEntry is one line of a ride's append-only audit trail.
type HistoryEntry struct {
	Status RideStatus `json:"status"`
	At     time.Time  `json:"at"`
	By     string     `json:"by"`
	Note   string     `json:"note,omitempty"`
}

type Ride struct {
	ID          string         `json:"id"`
	Rider       string         `json:"rider"`
	Driver      string         `json:"driver,omitempty"`
	Pickup      GeoPoint       `json:"pickup"`
	Destination GeoPoint       `json:"destination"`
	Status      RideStatus     `json:"status"`
	Fare        float64        `json:"fare"`
	History     []HistoryEntry `json:"history"`
	CancelledAt *time.Time     `json:"cancelled_at,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
}

// RequestedAt returns the timestamp of the first history entry, the
// authoritative creation time used for the cancellation window.
func (r *Ride) RequestedAt() time.Time {
	if len(r.History) > 0 {
		return r.History[0].At
	}
	return r.CreatedAt
}

// Earning is an immutable settlement record, at most one per ride.
type Earning struct {
	Driver      string    `json:"driver"`
	Ride        string    `json:"ride"`
	Amount      float64   `json:"amount"`
	Description string    `json:"description"`
	CreatedAt   time.Time `json:"created_at"`
}

// EarningsSummary aggregates a driver's settled rides.
type EarningsSummary struct {
	TotalRides    int     `json:"total_rides"`
	TotalEarnings float64 `json:"total_earnings"`
	AverageFare   float64 `json:"average_fare"`
}

// LocationUpdate is a driver position ping for an active ride. It travels
// over the side channel (Kafka, WebSocket) and is not part of ride state.
type LocationUpdate struct {
	RideID string    `json:"ride_id"`
	Driver string    `json:"driver"`
	Loc    GeoPoint  `json:"loc"`
	At     time.Time `json:"at"`
}
