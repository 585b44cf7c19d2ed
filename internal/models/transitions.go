package models

import (
	"errors"
	"fmt"
	"slices"
)

var ErrInvalidTransition = errors.New("invalid status transition")

// Cause records who initiated a status change. Some transitions are only
// legal for a specific cause, e.g. a driver leaves ON_TRIP for AVAILABLE
// only when a trip ends or a failed match is rolled back.
type Cause string

const (
	CauseOperator Cause = "operator"
	CauseMatch    Cause = "match"
	CauseTripEnd  Cause = "trip_end"
	CauseRollback Cause = "rollback"
	CauseExpiry   Cause = "expiry"
)

var driverTransitions = map[DriverStatus]map[DriverStatus][]Cause{
	DriverOffline: {
		DriverAvailable: {CauseOperator},
		// A trip closing for a driver who went offline mid-trip.
		DriverOffline: {CauseTripEnd},
	},
	DriverAvailable: {
		DriverOffline: {CauseOperator},
		DriverOnTrip:  {CauseMatch},
	},
	DriverOnTrip: {
		DriverAvailable: {CauseTripEnd, CauseRollback},
		DriverOffline:   {CauseOperator, CauseTripEnd},
	},
}

var requestTransitions = map[RequestStatus]map[RequestStatus][]Cause{
	RequestPending: {
		RequestMatched:   {CauseMatch},
		RequestCancelled: {CauseOperator, CauseExpiry},
	},
	RequestMatched: {
		RequestPending:   {CauseRollback},
		RequestCompleted: {CauseTripEnd},
		RequestCancelled: {CauseTripEnd},
	},
	RequestCancelled: {},
	RequestCompleted: {},
}

var tripTransitions = map[TripStatus][]TripStatus{
	TripOngoing:   {TripCompleted, TripCancelled},
	TripCompleted: {},
	TripCancelled: {},
}

// CheckDriverTransition is the only place driver status rules live.
// Every repository implementation calls it before writing.
func CheckDriverTransition(from, to DriverStatus, cause Cause) error {
	causes, ok := driverTransitions[from][to]
	if !ok || !slices.Contains(causes, cause) {
		return fmt.Errorf("%w: driver %s -> %s (%s)", ErrInvalidTransition, from, to, cause)
	}
	return nil
}

func CheckRequestTransition(from, to RequestStatus, cause Cause) error {
	causes, ok := requestTransitions[from][to]
	if !ok || !slices.Contains(causes, cause) {
		return fmt.Errorf("%w: request %s -> %s (%s)", ErrInvalidTransition, from, to, cause)
	}
	return nil
}

func CheckTripTransition(from, to TripStatus) error {
	if !slices.Contains(tripTransitions[from], to) {
		return fmt.Errorf("%w: trip %s -> %s", ErrInvalidTransition, from, to)
	}
	return nil
}

// CheckDriverUpdate validates moving d to the given status and returns the
// active-trip counter to store with it. The counter only moves with a match
// or a trip ending, so a driver who goes offline mid-trip keeps it and
// cannot come back online until that trip is closed.
func CheckDriverUpdate(d Driver, to DriverStatus, cause Cause) (int, error) {
	if err := CheckDriverTransition(d.Status, to, cause); err != nil {
		return d.ActiveTrips, err
	}
	if to == DriverAvailable && cause == CauseOperator && d.ActiveTrips > 0 {
		return d.ActiveTrips, fmt.Errorf("%w: driver %s still holds %d ongoing trip(s)", ErrInvalidTransition, d.ID, d.ActiveTrips)
	}
	return ActiveTripsAfter(d.ActiveTrips, cause), nil
}

// ActiveTripsAfter returns the active-trip counter that accompanies a status
// change made for cause.
func ActiveTripsAfter(current int, cause Cause) int {
	switch cause {
	case CauseMatch:
		return current + 1
	case CauseTripEnd, CauseRollback:
		if current > 0 {
			return current - 1
		}
		return 0
	}
	return current
}
