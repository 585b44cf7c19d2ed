package models

import (
	"errors"
	"time"
)

var ErrInvalidWindow = errors.New("invalid time window")

// TimeWindow is an inclusive [Earliest, Latest] interval. A zero bound is
// open on that side, so the zero TimeWindow admits every instant.
type TimeWindow struct {
	Earliest time.Time `json:"earliest,omitempty"`
	Latest   time.Time `json:"latest,omitempty"`
}

func (w TimeWindow) Validate() error {
	if !w.Earliest.IsZero() && !w.Latest.IsZero() && w.Latest.Before(w.Earliest) {
		return ErrInvalidWindow
	}
	return nil
}

func (w TimeWindow) Contains(t time.Time) bool {
	if !w.Earliest.IsZero() && t.Before(w.Earliest) {
		return false
	}
	if !w.Latest.IsZero() && t.After(w.Latest) {
		return false
	}
	return true
}

// Overlaps reports whether the two windows share at least one instant.
func (w TimeWindow) Overlaps(o TimeWindow) bool {
	if !w.Latest.IsZero() && !o.Earliest.IsZero() && w.Latest.Before(o.Earliest) {
		return false
	}
	if !o.Latest.IsZero() && !w.Earliest.IsZero() && o.Latest.Before(w.Earliest) {
		return false
	}
	return true
}

// WindowCompatible is the departure rule used by matching: the request must
// be departable at now, and the driver must be available at some instant
// between now and the request's latest departure.
func WindowCompatible(driver TimeWindow, request TimeWindow, now time.Time) bool {
	if !request.Contains(now) {
		return false
	}
	remaining := TimeWindow{Earliest: now, Latest: request.Latest}
	return driver.Overlaps(remaining)
}
