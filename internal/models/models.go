package models

import (
	"time"
)

// Location is a point on the integer dispatch grid.
type Location struct {
	X int `json:"x"`
	Y int `json:"y"`
}

// Manhattan returns |x1-x2| + |y1-y2|.
func (l Location) Manhattan(o Location) int {
	return abs(l.X-o.X) + abs(l.Y-o.Y)
}

// SquaredEuclidean avoids the square root; only useful for comparisons.
func (l Location) SquaredEuclidean(o Location) int {
	dx, dy := l.X-o.X, l.Y-o.Y
	return dx*dx + dy*dy
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}

type DriverStatus string

const (
	DriverOffline   DriverStatus = "OFFLINE"
	DriverAvailable DriverStatus = "AVAILABLE"
	DriverOnTrip    DriverStatus = "ON_TRIP"
)

func (s DriverStatus) Valid() bool {
	switch s {
	case DriverOffline, DriverAvailable, DriverOnTrip:
		return true
	}
	return false
}

type Driver struct {
	ID           string       `json:"id"`
	Name         string       `json:"name,omitempty"`
	Capacity     int          `json:"capacity"`
	Rating       float64      `json:"rating"` // 0..5
	Loc          Location     `json:"loc"`
	Status       DriverStatus `json:"status"`
	ActiveTrips  int          `json:"active_trips"`
	Availability TimeWindow   `json:"availability"`
	RegisteredAt time.Time    `json:"registered_at"`
	UpdatedAt    time.Time    `json:"updated_at"`
}

type Rider struct {
	ID           string    `json:"id"`
	Name         string    `json:"name,omitempty"`
	Rating       float64   `json:"rating"`
	Phone        string    `json:"phone,omitempty"`
	Email        string    `json:"email,omitempty"`
	RegisteredAt time.Time `json:"registered_at"`
}

type RequestStatus string

const (
	RequestPending   RequestStatus = "PENDING"
	RequestMatched   RequestStatus = "MATCHED"
	RequestCancelled RequestStatus = "CANCELLED"
	RequestCompleted RequestStatus = "COMPLETED"
)

type RideRequest struct {
	ID        string        `json:"id"`
	RiderID   string        `json:"rider_id"`
	Start     Location      `json:"start"`
	End       Location      `json:"end"`
	Window    TimeWindow    `json:"window"`
	Status    RequestStatus `json:"status"`
	CreatedAt time.Time     `json:"created_at"`
	UpdatedAt time.Time     `json:"updated_at"`
}

// Matchable reports whether the request may be matched at now.
func (r RideRequest) Matchable(now time.Time) bool {
	return r.Status == RequestPending && r.Window.Contains(now)
}

// Expired reports whether the departure window closed before now.
func (r RideRequest) Expired(now time.Time) bool {
	return !r.Window.Latest.IsZero() && now.After(r.Window.Latest)
}

type TripStatus string

const (
	TripOngoing   TripStatus = "ONGOING"
	TripCompleted TripStatus = "COMPLETED"
	TripCancelled TripStatus = "CANCELLED"
)

type Trip struct {
	ID        string     `json:"id"`
	DriverID  string     `json:"driver_id"`
	RiderID   string     `json:"rider_id"`
	RequestID string     `json:"request_id"`
	Distance  int        `json:"pickup_distance"`
	Status    TripStatus `json:"status"`
	MatchedAt time.Time  `json:"matched_at"`
	EndedAt   time.Time  `json:"ended_at,omitempty"`
}
