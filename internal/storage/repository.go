package storage

import (
	"context"
	"errors"

	"github.com/example/dispatch-engine/internal/models"
)

var (
	ErrNotFound      = errors.New("not found")
	ErrAlreadyExists = errors.New("already exists")
	// ErrConflict means the row changed between read and write.
	ErrConflict = errors.New("concurrent update conflict")
)

// Every status write validates the transition through models.Check*
// and is atomic for the single row it touches. Reads return value copies.

type DriverRepository interface {
	CreateDriver(ctx context.Context, d models.Driver) error
	GetDriver(ctx context.Context, id string) (models.Driver, error)
	ListDriversByStatus(ctx context.Context, status models.DriverStatus) ([]models.Driver, error)
	CountDriversByStatus(ctx context.Context, status models.DriverStatus) (int, error)
	UpdateDriverStatus(ctx context.Context, id string, to models.DriverStatus, cause models.Cause) (models.Driver, error)
	UpdateDriverLocation(ctx context.Context, id string, loc models.Location) (models.Driver, error)
}

type RiderRepository interface {
	CreateRider(ctx context.Context, r models.Rider) error
	GetRider(ctx context.Context, id string) (models.Rider, error)
}

type RequestRepository interface {
	CreateRequest(ctx context.Context, r models.RideRequest) error
	GetRequest(ctx context.Context, id string) (models.RideRequest, error)
	// ListPendingRequests returns PENDING requests oldest first.
	ListPendingRequests(ctx context.Context) ([]models.RideRequest, error)
	CountPendingRequests(ctx context.Context) (int, error)
	UpdateRequestStatus(ctx context.Context, id string, to models.RequestStatus, cause models.Cause) (models.RideRequest, error)
}

type TripRepository interface {
	// CreateTrip fails with ErrAlreadyExists if the request already has a trip.
	CreateTrip(ctx context.Context, t models.Trip) error
	GetTrip(ctx context.Context, id string) (models.Trip, error)
	UpdateTripStatus(ctx context.Context, id string, to models.TripStatus) (models.Trip, error)
	CountTripsByStatus(ctx context.Context, status models.TripStatus) (int, error)
	CountDriverTrips(ctx context.Context, driverID string, status models.TripStatus) (int, error)
}

// Store bundles all repositories behind one backend.
type Store interface {
	DriverRepository
	RiderRepository
	RequestRepository
	TripRepository
	Close() error
}
