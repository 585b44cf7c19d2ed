// Package lifecycle drives registration, requests, driver updates and trip
// endings, keeping the matcher and telemetry in step with persisted state.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/example/dispatch-engine/internal/logging"
	"github.com/example/dispatch-engine/internal/matcher"
	"github.com/example/dispatch-engine/internal/models"
	"github.com/example/dispatch-engine/internal/observability"
	"github.com/example/dispatch-engine/internal/storage"
)

var ErrInvalidInput = errors.New("invalid input")

// Matcher is the part of the matching service this package drives.
type Matcher interface {
	TryMatch(ctx context.Context, requestID string) (models.Trip, bool)
	TriggerMatching()
	OnDriverUpdate(ctx context.Context, driverID string, locationChanged bool)
	State() matcher.State
	Scans() uint64
	IndexedDrivers() int
}

type Stats interface {
	observability.Sink
	SetCounts(online, available, pending, active int)
	Snapshot() observability.Snapshot
}

type Notifier interface {
	Notify(ctx context.Context, ev models.Event)
}

type Deps struct {
	Store   storage.Store
	Matcher Matcher
	Stats   Stats
	// Events receives trip endings; Locations receives position updates.
	Events    Notifier
	Locations Notifier
	Logger    *slog.Logger
}

type Service struct {
	store         storage.Store
	matcher       Matcher
	stats         Stats
	events        Notifier
	locations     Notifier
	logger        *slog.Logger
	matchOnCreate bool

	now   func() time.Time
	newID func() string
}

type nopNotifier struct{}

func (nopNotifier) Notify(context.Context, models.Event) {}

// New builds the service. With matchOnCreate a new request is matched
// inline; otherwise it waits for the next scan.
func New(deps Deps, matchOnCreate bool) *Service {
	s := &Service{
		store:         deps.Store,
		matcher:       deps.Matcher,
		stats:         deps.Stats,
		events:        deps.Events,
		locations:     deps.Locations,
		logger:        logging.OrDefault(deps.Logger).With("component", "lifecycle"),
		matchOnCreate: matchOnCreate,
		now:           time.Now,
		newID:         uuid.NewString,
	}
	if s.stats == nil {
		s.stats = observability.NewStats()
	}
	if s.events == nil {
		s.events = nopNotifier{}
	}
	if s.locations == nil {
		s.locations = nopNotifier{}
	}
	return s
}

type DriverInput struct {
	ID           string              `json:"id,omitempty"`
	Name         string              `json:"name"`
	Capacity     int                 `json:"capacity"`
	Rating       float64             `json:"rating"`
	Loc          models.Location     `json:"loc"`
	Status       models.DriverStatus `json:"status,omitempty"`
	Availability models.TimeWindow   `json:"availability"`
}

type RiderInput struct {
	ID     string  `json:"id,omitempty"`
	Name   string  `json:"name"`
	Rating float64 `json:"rating"`
	Phone  string  `json:"phone,omitempty"`
	Email  string  `json:"email,omitempty"`
}

type RequestInput struct {
	RiderID string            `json:"rider_id"`
	Start   models.Location   `json:"start"`
	End     models.Location   `json:"end"`
	Window  models.TimeWindow `json:"window"`
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidInput, fmt.Sprintf(format, args...))
}

func (s *Service) RegisterDriver(ctx context.Context, in DriverInput) (models.Driver, error) {
	if in.Status == "" {
		in.Status = models.DriverOffline
	}
	if in.Status != models.DriverOffline && in.Status != models.DriverAvailable {
		return models.Driver{}, invalid("driver must register as OFFLINE or AVAILABLE, got %q", in.Status)
	}
	if in.Capacity < 0 {
		return models.Driver{}, invalid("capacity must not be negative")
	}
	if in.Capacity == 0 {
		in.Capacity = 4
	}
	if in.Rating < 0 || in.Rating > 5 {
		return models.Driver{}, invalid("rating must be within 0..5")
	}
	if err := in.Availability.Validate(); err != nil {
		return models.Driver{}, fmt.Errorf("%w: %w", ErrInvalidInput, err)
	}
	if in.ID == "" {
		in.ID = s.newID()
	}
	now := s.now().UTC()
	d := models.Driver{
		ID:           in.ID,
		Name:         in.Name,
		Capacity:     in.Capacity,
		Rating:       in.Rating,
		Loc:          in.Loc,
		Status:       in.Status,
		Availability: in.Availability,
		RegisteredAt: now,
		UpdatedAt:    now,
	}
	if err := s.store.CreateDriver(ctx, d); err != nil {
		return models.Driver{}, fmt.Errorf("create driver: %w", err)
	}
	s.applyDriverDelta(models.DriverOffline, d.Status)
	if d.Status == models.DriverAvailable {
		s.matcher.OnDriverUpdate(ctx, d.ID, true)
	}
	s.logger.Info("driver registered", "driver_id", d.ID, "status", d.Status)
	return d, nil
}

func (s *Service) RegisterRider(ctx context.Context, in RiderInput) (models.Rider, error) {
	if in.Rating < 0 || in.Rating > 5 {
		return models.Rider{}, invalid("rating must be within 0..5")
	}
	if in.ID == "" {
		in.ID = s.newID()
	}
	r := models.Rider{
		ID:           in.ID,
		Name:         in.Name,
		Rating:       in.Rating,
		Phone:        in.Phone,
		Email:        in.Email,
		RegisteredAt: s.now().UTC(),
	}
	if err := s.store.CreateRider(ctx, r); err != nil {
		return models.Rider{}, fmt.Errorf("create rider: %w", err)
	}
	return r, nil
}

// CreateRideRequest persists a PENDING request and hands it to the matcher.
// The returned request reflects an inline match when one happened.
func (s *Service) CreateRideRequest(ctx context.Context, in RequestInput) (models.RideRequest, error) {
	if in.RiderID == "" {
		return models.RideRequest{}, invalid("rider_id is required")
	}
	if err := in.Window.Validate(); err != nil {
		return models.RideRequest{}, fmt.Errorf("%w: %w", ErrInvalidInput, err)
	}
	if _, err := s.store.GetRider(ctx, in.RiderID); err != nil {
		return models.RideRequest{}, fmt.Errorf("rider %s: %w", in.RiderID, err)
	}
	now := s.now().UTC()
	req := models.RideRequest{
		ID:        s.newID(),
		RiderID:   in.RiderID,
		Start:     in.Start,
		End:       in.End,
		Window:    in.Window,
		Status:    models.RequestPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.store.CreateRequest(ctx, req); err != nil {
		return models.RideRequest{}, fmt.Errorf("create request: %w", err)
	}
	s.stats.AddPendingRequests(1)

	if !s.matchOnCreate {
		s.matcher.TriggerMatching()
		return req, nil
	}
	if _, ok := s.matcher.TryMatch(ctx, req.ID); !ok {
		s.matcher.TriggerMatching()
		return req, nil
	}
	fresh, err := s.store.GetRequest(ctx, req.ID)
	if err != nil {
		return req, nil
	}
	return fresh, nil
}

// CancelRideRequest is legal only while the request is PENDING.
func (s *Service) CancelRideRequest(ctx context.Context, id string) (models.RideRequest, error) {
	req, err := s.store.UpdateRequestStatus(ctx, id, models.RequestCancelled, models.CauseOperator)
	if err != nil {
		return models.RideRequest{}, fmt.Errorf("cancel request %s: %w", id, err)
	}
	s.stats.AddPendingRequests(-1)
	return req, nil
}

// MatchRequest runs an on-demand match for one request and returns its
// current state.
func (s *Service) MatchRequest(ctx context.Context, id string) (models.RideRequest, bool, error) {
	if _, err := s.store.GetRequest(ctx, id); err != nil {
		return models.RideRequest{}, false, fmt.Errorf("request %s: %w", id, err)
	}
	_, ok := s.matcher.TryMatch(ctx, id)
	req, err := s.store.GetRequest(ctx, id)
	if err != nil {
		return models.RideRequest{}, ok, fmt.Errorf("request %s: %w", id, err)
	}
	return req, ok, nil
}

func (s *Service) UpdateDriverStatus(ctx context.Context, id string, to models.DriverStatus) (models.Driver, error) {
	if !to.Valid() {
		return models.Driver{}, invalid("unknown driver status %q", to)
	}
	before, err := s.store.GetDriver(ctx, id)
	if err != nil {
		return models.Driver{}, fmt.Errorf("driver %s: %w", id, err)
	}
	d, err := s.store.UpdateDriverStatus(ctx, id, to, models.CauseOperator)
	if err != nil {
		return models.Driver{}, fmt.Errorf("update driver %s status: %w", id, err)
	}
	s.applyDriverDelta(before.Status, d.Status)
	s.matcher.OnDriverUpdate(ctx, id, false)
	return d, nil
}

func (s *Service) UpdateDriverLocation(ctx context.Context, id string, loc models.Location) (models.Driver, error) {
	d, err := s.store.UpdateDriverLocation(ctx, id, loc)
	if err != nil {
		return models.Driver{}, fmt.Errorf("update driver %s location: %w", id, err)
	}
	s.matcher.OnDriverUpdate(ctx, id, true)
	s.locations.Notify(ctx, models.LocationEvent(id, loc, s.now().UTC()))
	return d, nil
}

func (s *Service) CompleteTrip(ctx context.Context, id string) (models.Trip, error) {
	return s.endTrip(ctx, id, models.TripCompleted, models.RequestCompleted)
}

func (s *Service) CancelTrip(ctx context.Context, id string) (models.Trip, error) {
	return s.endTrip(ctx, id, models.TripCancelled, models.RequestCancelled)
}

// endTrip closes the trip, settles its request and frees the driver. Later
// steps still run when an earlier follow-up fails; the errors are joined.
func (s *Service) endTrip(ctx context.Context, id string, tripTo models.TripStatus, reqTo models.RequestStatus) (models.Trip, error) {
	trip, err := s.store.UpdateTripStatus(ctx, id, tripTo)
	if err != nil {
		return models.Trip{}, fmt.Errorf("end trip %s: %w", id, err)
	}
	s.stats.AddActiveTrips(-1)
	log := s.logger.With("trip_id", trip.ID, "driver_id", trip.DriverID, "request_id", trip.RequestID)

	var errs []error
	if _, err := s.store.UpdateRequestStatus(ctx, trip.RequestID, reqTo, models.CauseTripEnd); err != nil {
		errs = append(errs, fmt.Errorf("settle request: %w", err))
	}

	if err := s.releaseDriver(ctx, trip, log); err != nil {
		errs = append(errs, err)
	}
	s.matcher.OnDriverUpdate(ctx, trip.DriverID, true)
	s.events.Notify(ctx, models.TripEvent(trip))

	if err := errors.Join(errs...); err != nil {
		log.Error("trip ended with follow-up failures", "status", trip.Status, "error", err)
		return trip, err
	}
	log.Info("trip ended", "status", trip.Status)
	return trip, nil
}

// releaseDriver settles the driver's side of an ended trip. The driver goes
// back to AVAILABLE only when no other ONGOING trip references them; a
// driver who went offline mid-trip stays offline with the trip cleared.
func (s *Service) releaseDriver(ctx context.Context, trip models.Trip, log *slog.Logger) error {
	d, err := s.store.GetDriver(ctx, trip.DriverID)
	if err != nil {
		return fmt.Errorf("fetch driver: %w", err)
	}
	ongoing, err := s.store.CountDriverTrips(ctx, d.ID, models.TripOngoing)
	if err != nil {
		return fmt.Errorf("count driver trips: %w", err)
	}
	if ongoing > 0 {
		log.Warn("driver still holds another ongoing trip, not released", "ongoing", ongoing)
		return nil
	}

	var to models.DriverStatus
	switch {
	case d.Status == models.DriverOnTrip:
		to = models.DriverAvailable
	case d.Status == models.DriverOffline && d.ActiveTrips > 0:
		to = models.DriverOffline
	default:
		return nil
	}
	if _, err := s.store.UpdateDriverStatus(ctx, d.ID, to, models.CauseTripEnd); err != nil {
		return fmt.Errorf("release driver: %w", err)
	}
	s.applyDriverDelta(d.Status, to)
	return nil
}

func (s *Service) GetDriver(ctx context.Context, id string) (models.Driver, error) {
	return s.store.GetDriver(ctx, id)
}

func (s *Service) GetRequest(ctx context.Context, id string) (models.RideRequest, error) {
	return s.store.GetRequest(ctx, id)
}

func (s *Service) GetTrip(ctx context.Context, id string) (models.Trip, error) {
	return s.store.GetTrip(ctx, id)
}

// Status is the operational view served by the monitoring endpoint.
type Status struct {
	PendingRequests  int                    `json:"pending_requests"`
	AvailableDrivers int                    `json:"available_drivers"`
	OnlineDrivers    int                    `json:"online_drivers"`
	ActiveTrips      int                    `json:"active_trips"`
	IndexedDrivers   int                    `json:"indexed_drivers"`
	MatcherState     string                 `json:"matcher_state"`
	Scans            uint64                 `json:"scans"`
	Matching         observability.Snapshot `json:"matching"`
}

// Status reads counts from the repositories, which are authoritative, and
// match aggregates from the telemetry sink.
func (s *Service) Status(ctx context.Context) (Status, error) {
	c, err := s.counts(ctx)
	if err != nil {
		return Status{}, err
	}
	return Status{
		PendingRequests:  c.pending,
		AvailableDrivers: c.available,
		OnlineDrivers:    c.available + c.onTrip,
		ActiveTrips:      c.active,
		IndexedDrivers:   s.matcher.IndexedDrivers(),
		MatcherState:     s.matcher.State().String(),
		Scans:            s.matcher.Scans(),
		Matching:         s.stats.Snapshot(),
	}, nil
}

// SyncStats seeds the telemetry counters from persisted state.
func (s *Service) SyncStats(ctx context.Context) error {
	c, err := s.counts(ctx)
	if err != nil {
		return err
	}
	s.stats.SetCounts(c.available+c.onTrip, c.available, c.pending, c.active)
	return nil
}

type counts struct {
	pending, available, onTrip, active int
}

func (s *Service) counts(ctx context.Context) (counts, error) {
	var c counts
	var err error
	if c.pending, err = s.store.CountPendingRequests(ctx); err != nil {
		return c, fmt.Errorf("count pending requests: %w", err)
	}
	if c.available, err = s.store.CountDriversByStatus(ctx, models.DriverAvailable); err != nil {
		return c, fmt.Errorf("count available drivers: %w", err)
	}
	if c.onTrip, err = s.store.CountDriversByStatus(ctx, models.DriverOnTrip); err != nil {
		return c, fmt.Errorf("count on-trip drivers: %w", err)
	}
	if c.active, err = s.store.CountTripsByStatus(ctx, models.TripOngoing); err != nil {
		return c, fmt.Errorf("count active trips: %w", err)
	}
	return c, nil
}

func (s *Service) applyDriverDelta(from, to models.DriverStatus) {
	if d := online(to) - online(from); d != 0 {
		s.stats.AddOnlineDrivers(d)
	}
	if d := available(to) - available(from); d != 0 {
		s.stats.AddAvailableDrivers(d)
	}
}

func online(s models.DriverStatus) int {
	if s == models.DriverOffline {
		return 0
	}
	return 1
}

func available(s models.DriverStatus) int {
	if s == models.DriverAvailable {
		return 1
	}
	return 0
}
