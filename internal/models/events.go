package models

import "time"

type EventType string

const (
	EventMatched       EventType = "match.committed"
	EventTripCompleted EventType = "trip.completed"
	EventTripCancelled EventType = "trip.cancelled"
	EventLocation      EventType = "driver.location"
)

// Event is the envelope published to the event bus and pushed to websocket
// sessions.
type Event struct {
	Type      EventType `json:"type"`
	TripID    string    `json:"trip_id,omitempty"`
	RequestID string    `json:"request_id,omitempty"`
	DriverID  string    `json:"driver_id,omitempty"`
	RiderID   string    `json:"rider_id,omitempty"`
	Loc       *Location `json:"loc,omitempty"`
	Distance  int       `json:"distance,omitempty"`
	At        time.Time `json:"at"`
}

// LocationPing is what driver apps send, over HTTP or the location topic.
type LocationPing struct {
	DriverID string    `json:"driver_id"`
	Loc      Location  `json:"loc"`
	SentAt   time.Time `json:"sent_at,omitempty"`
}

func MatchEvent(t Trip) Event {
	return Event{
		Type:      EventMatched,
		TripID:    t.ID,
		RequestID: t.RequestID,
		DriverID:  t.DriverID,
		RiderID:   t.RiderID,
		Distance:  t.Distance,
		At:        t.MatchedAt,
	}
}

func TripEvent(t Trip) Event {
	typ := EventTripCompleted
	if t.Status == TripCancelled {
		typ = EventTripCancelled
	}
	return Event{
		Type:      typ,
		TripID:    t.ID,
		RequestID: t.RequestID,
		DriverID:  t.DriverID,
		RiderID:   t.RiderID,
		At:        t.EndedAt,
	}
}

func LocationEvent(driverID string, loc Location, at time.Time) Event {
	return Event{Type: EventLocation, DriverID: driverID, Loc: &loc, At: at}
}
