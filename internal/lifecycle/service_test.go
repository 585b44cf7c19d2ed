package lifecycle

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/dispatch-engine/internal/geo"
	"github.com/example/dispatch-engine/internal/matcher"
	"github.com/example/dispatch-engine/internal/models"
	"github.com/example/dispatch-engine/internal/observability"
	"github.com/example/dispatch-engine/internal/storage"
)

type recorder struct {
	mu     sync.Mutex
	events []models.Event
}

func (r *recorder) Notify(_ context.Context, ev models.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recorder) all() []models.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]models.Event(nil), r.events...)
}

type harness struct {
	svc       *Service
	store     *storage.MemoryStore
	matcher   *matcher.Service
	stats     *observability.Stats
	matches   *recorder
	events    *recorder
	locations *recorder
}

func newHarness(t *testing.T, matchOnCreate bool) *harness {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	store := storage.NewMemoryStore()
	stats := observability.NewStats()
	matches := &recorder{}
	cfg := matcher.DefaultConfig()
	cfg.WaitTimeout = time.Hour
	m := matcher.New(matcher.Deps{
		Drivers:  store,
		Requests: store,
		Trips:    store,
		Index:    geo.NewGridIndex(cfg.MaxMatchDistance),
		Stats:    stats,
		Notifier: matches,
		Logger:   logger,
	}, cfg)
	h := &harness{store: store, matcher: m, stats: stats, matches: matches, events: &recorder{}, locations: &recorder{}}
	h.svc = New(Deps{Store: store, Matcher: m, Stats: stats, Events: h.events, Locations: h.locations, Logger: logger}, matchOnCreate)
	return h
}

func (h *harness) driver(t *testing.T, id string, x, y int) models.Driver {
	t.Helper()
	d, err := h.svc.RegisterDriver(context.Background(), DriverInput{ID: id, Loc: models.Location{X: x, Y: y}, Status: models.DriverAvailable, Rating: 4.8})
	require.NoError(t, err)
	return d
}

func (h *harness) rider(t *testing.T, id string) {
	t.Helper()
	_, err := h.svc.RegisterRider(context.Background(), RiderInput{ID: id, Name: "rider " + id, Rating: 5})
	require.NoError(t, err)
}

func TestRegisterDriverIndexesAvailableDriver(t *testing.T) {
	h := newHarness(t, true)
	d := h.driver(t, "d1", 2, 3)
	assert.Equal(t, 4, d.Capacity)
	assert.Equal(t, 1, h.matcher.IndexedDrivers())

	snap := h.stats.Snapshot()
	assert.EqualValues(t, 1, snap.OnlineDrivers)
	assert.EqualValues(t, 1, snap.AvailableDrivers)

	_, err := h.svc.RegisterDriver(context.Background(), DriverInput{ID: "d2"})
	require.NoError(t, err)
	assert.Equal(t, 1, h.matcher.IndexedDrivers(), "offline drivers stay out of the index")
}

func TestRegisterDriverRejectsBadInput(t *testing.T) {
	h := newHarness(t, true)
	ctx := context.Background()

	_, err := h.svc.RegisterDriver(ctx, DriverInput{Status: models.DriverOnTrip})
	require.ErrorIs(t, err, ErrInvalidInput)
	_, err = h.svc.RegisterDriver(ctx, DriverInput{Rating: 7})
	require.ErrorIs(t, err, ErrInvalidInput)

	h.driver(t, "d1", 0, 0)
	_, err = h.svc.RegisterDriver(ctx, DriverInput{ID: "d1"})
	require.ErrorIs(t, err, storage.ErrAlreadyExists)
}

func TestCreateRideRequestMatchesInline(t *testing.T) {
	h := newHarness(t, true)
	h.driver(t, "d1", 1, 1)
	h.rider(t, "r1")

	req, err := h.svc.CreateRideRequest(context.Background(), RequestInput{RiderID: "r1", Start: models.Location{}, End: models.Location{X: 9, Y: 9}})
	require.NoError(t, err)
	assert.Equal(t, models.RequestMatched, req.Status)

	d, err := h.store.GetDriver(context.Background(), "d1")
	require.NoError(t, err)
	assert.Equal(t, models.DriverOnTrip, d.Status)
	assert.Equal(t, 1, d.ActiveTrips)
	assert.Zero(t, h.matcher.IndexedDrivers())

	snap := h.stats.Snapshot()
	assert.EqualValues(t, 0, snap.PendingRequests)
	assert.EqualValues(t, 1, snap.ActiveTrips)
	assert.EqualValues(t, 1, snap.Matches)
	assert.Equal(t, 2, snap.MaxDistance)
}

func TestCreateRideRequestDeferredToLoop(t *testing.T) {
	h := newHarness(t, false)
	h.driver(t, "d1", 1, 1)
	h.rider(t, "r1")

	req, err := h.svc.CreateRideRequest(context.Background(), RequestInput{RiderID: "r1"})
	require.NoError(t, err)
	assert.Equal(t, models.RequestPending, req.Status)
	assert.EqualValues(t, 1, h.stats.Snapshot().PendingRequests)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.matcher.Start(ctx)
	defer h.matcher.Stop()

	require.Eventually(t, func() bool {
		got, err := h.store.GetRequest(context.Background(), req.ID)
		return err == nil && got.Status == models.RequestMatched
	}, 2*time.Second, 10*time.Millisecond)
}

func TestCreateRideRequestValidation(t *testing.T) {
	h := newHarness(t, true)
	ctx := context.Background()

	_, err := h.svc.CreateRideRequest(ctx, RequestInput{RiderID: "ghost"})
	require.ErrorIs(t, err, storage.ErrNotFound)

	h.rider(t, "r1")
	now := time.Now()
	_, err = h.svc.CreateRideRequest(ctx, RequestInput{RiderID: "r1", Window: models.TimeWindow{Earliest: now, Latest: now.Add(-time.Minute)}})
	require.ErrorIs(t, err, ErrInvalidInput)
	require.ErrorIs(t, err, models.ErrInvalidWindow)

	_, err = h.svc.CreateRideRequest(ctx, RequestInput{})
	require.ErrorIs(t, err, ErrInvalidInput)
}

func TestCancelRideRequestOnlyWhilePending(t *testing.T) {
	h := newHarness(t, true)
	ctx := context.Background()
	h.rider(t, "r1")

	pending, err := h.svc.CreateRideRequest(ctx, RequestInput{RiderID: "r1"})
	require.NoError(t, err)
	got, err := h.svc.CancelRideRequest(ctx, pending.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RequestCancelled, got.Status)
	assert.EqualValues(t, 0, h.stats.Snapshot().PendingRequests)

	h.driver(t, "d1", 0, 0)
	matched, err := h.svc.CreateRideRequest(ctx, RequestInput{RiderID: "r1"})
	require.NoError(t, err)
	require.Equal(t, models.RequestMatched, matched.Status)
	_, err = h.svc.CancelRideRequest(ctx, matched.ID)
	require.ErrorIs(t, err, models.ErrInvalidTransition)

	_, err = h.svc.CancelRideRequest(ctx, "missing")
	require.ErrorIs(t, err, storage.ErrNotFound)
}

// matchOne registers d1 next to r1's pickup and returns the inline match.
func matchOne(t *testing.T, h *harness) (models.RideRequest, models.Trip) {
	t.Helper()
	ctx := context.Background()
	h.driver(t, "d1", 0, 1)
	h.rider(t, "r1")
	req, err := h.svc.CreateRideRequest(ctx, RequestInput{RiderID: "r1"})
	require.NoError(t, err)
	require.Equal(t, models.RequestMatched, req.Status)

	evs := h.matches.all()
	require.Len(t, evs, 1)
	trip, err := h.store.GetTrip(ctx, evs[0].TripID)
	require.NoError(t, err)
	require.Equal(t, req.ID, trip.RequestID)
	return req, trip
}

func TestCompleteTripReleasesDriver(t *testing.T) {
	h := newHarness(t, true)
	ctx := context.Background()
	req, trip := matchOne(t, h)

	done, err := h.svc.CompleteTrip(ctx, trip.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TripCompleted, done.Status)
	assert.False(t, done.EndedAt.IsZero())

	gotReq, err := h.store.GetRequest(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RequestCompleted, gotReq.Status)

	d, err := h.store.GetDriver(ctx, "d1")
	require.NoError(t, err)
	assert.Equal(t, models.DriverAvailable, d.Status)
	assert.Zero(t, d.ActiveTrips)
	assert.Equal(t, 1, h.matcher.IndexedDrivers())

	evs := h.events.all()
	require.Len(t, evs, 1)
	assert.Equal(t, models.EventTripCompleted, evs[0].Type)

	snap := h.stats.Snapshot()
	assert.EqualValues(t, 0, snap.ActiveTrips)
	assert.EqualValues(t, 1, snap.AvailableDrivers)

	_, err = h.svc.CompleteTrip(ctx, trip.ID)
	require.ErrorIs(t, err, models.ErrInvalidTransition)
}

func TestCancelTripCancelsRequest(t *testing.T) {
	h := newHarness(t, true)
	ctx := context.Background()
	req, trip := matchOne(t, h)

	got, err := h.svc.CancelTrip(ctx, trip.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TripCancelled, got.Status)

	gotReq, err := h.store.GetRequest(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RequestCancelled, gotReq.Status)

	d, err := h.store.GetDriver(ctx, "d1")
	require.NoError(t, err)
	assert.Equal(t, models.DriverAvailable, d.Status)
	assert.Equal(t, models.EventTripCancelled, h.events.all()[0].Type)
}

func TestCompleteTripAfterDriverWentOffline(t *testing.T) {
	h := newHarness(t, true)
	ctx := context.Background()
	_, trip := matchOne(t, h)

	_, err := h.svc.UpdateDriverStatus(ctx, "d1", models.DriverOffline)
	require.NoError(t, err)

	_, err = h.svc.CompleteTrip(ctx, trip.ID)
	require.NoError(t, err)
	d, err := h.store.GetDriver(ctx, "d1")
	require.NoError(t, err)
	assert.Equal(t, models.DriverOffline, d.Status)
	assert.Zero(t, h.matcher.IndexedDrivers())
}

func TestDriverOfflineMidTripCannotBeMatchedAgain(t *testing.T) {
	h := newHarness(t, true)
	ctx := context.Background()
	_, trip := matchOne(t, h)

	_, err := h.svc.UpdateDriverStatus(ctx, "d1", models.DriverOffline)
	require.NoError(t, err)
	_, err = h.svc.UpdateDriverStatus(ctx, "d1", models.DriverAvailable)
	require.ErrorIs(t, err, models.ErrInvalidTransition, "trip still ongoing")
	assert.Zero(t, h.matcher.IndexedDrivers())

	h.rider(t, "r2")
	second, err := h.svc.CreateRideRequest(ctx, RequestInput{RiderID: "r2"})
	require.NoError(t, err)
	assert.Equal(t, models.RequestPending, second.Status)

	_, err = h.svc.CompleteTrip(ctx, trip.ID)
	require.NoError(t, err)
	d, err := h.store.GetDriver(ctx, "d1")
	require.NoError(t, err)
	assert.Equal(t, models.DriverOffline, d.Status)
	assert.Zero(t, d.ActiveTrips)

	_, err = h.svc.UpdateDriverStatus(ctx, "d1", models.DriverAvailable)
	require.NoError(t, err)
	got, ok, err := h.svc.MatchRequest(ctx, second.ID)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, models.RequestMatched, got.Status)

	ongoing, err := h.store.CountDriverTrips(ctx, "d1", models.TripOngoing)
	require.NoError(t, err)
	assert.Equal(t, 1, ongoing)
}

func TestEndTripKeepsDriverHoldingAnotherTrip(t *testing.T) {
	h := newHarness(t, true)
	ctx := context.Background()
	_, trip := matchOne(t, h)
	require.NoError(t, h.store.CreateTrip(ctx, models.Trip{ID: "t2", DriverID: "d1", RiderID: "r1", RequestID: "other", Status: models.TripOngoing, MatchedAt: time.Now()}))

	_, err := h.svc.CompleteTrip(ctx, trip.ID)
	require.NoError(t, err)
	d, err := h.store.GetDriver(ctx, "d1")
	require.NoError(t, err)
	assert.Equal(t, models.DriverOnTrip, d.Status)
	assert.Zero(t, h.matcher.IndexedDrivers())
}

func TestUpdateDriverStatus(t *testing.T) {
	h := newHarness(t, true)
	ctx := context.Background()
	h.driver(t, "d1", 0, 0)

	d, err := h.svc.UpdateDriverStatus(ctx, "d1", models.DriverOffline)
	require.NoError(t, err)
	assert.Equal(t, models.DriverOffline, d.Status)
	assert.Zero(t, h.matcher.IndexedDrivers())
	assert.EqualValues(t, 0, h.stats.Snapshot().OnlineDrivers)

	_, err = h.svc.UpdateDriverStatus(ctx, "d1", models.DriverOnTrip)
	require.ErrorIs(t, err, models.ErrInvalidTransition)
	_, err = h.svc.UpdateDriverStatus(ctx, "d1", "ASLEEP")
	require.ErrorIs(t, err, ErrInvalidInput)

	_, err = h.svc.UpdateDriverStatus(ctx, "d1", models.DriverAvailable)
	require.NoError(t, err)
	assert.Equal(t, 1, h.matcher.IndexedDrivers())
}

func TestDriverComingOnlineMatchesWaitingRequest(t *testing.T) {
	h := newHarness(t, true)
	ctx := context.Background()
	h.rider(t, "r1")
	req, err := h.svc.CreateRideRequest(ctx, RequestInput{RiderID: "r1"})
	require.NoError(t, err)
	require.Equal(t, models.RequestPending, req.Status)

	h.matcher.Start(ctx)
	defer h.matcher.Stop()
	h.driver(t, "d1", 3, 3)

	require.Eventually(t, func() bool {
		got, err := h.store.GetRequest(ctx, req.ID)
		return err == nil && got.Status == models.RequestMatched
	}, 2*time.Second, 10*time.Millisecond)
}

func TestUpdateDriverLocationMovesIndexAndPublishes(t *testing.T) {
	h := newHarness(t, true)
	ctx := context.Background()
	h.driver(t, "d1", 0, 0)
	h.rider(t, "r1")

	_, err := h.svc.UpdateDriverLocation(ctx, "d1", models.Location{X: 50, Y: 50})
	require.NoError(t, err)
	evs := h.locations.all()
	require.Len(t, evs, 1)
	assert.Equal(t, models.EventLocation, evs[0].Type)
	assert.Equal(t, &models.Location{X: 50, Y: 50}, evs[0].Loc)

	req, err := h.svc.CreateRideRequest(ctx, RequestInput{RiderID: "r1"})
	require.NoError(t, err)
	assert.Equal(t, models.RequestPending, req.Status, "driver moved out of range")

	_, err = h.svc.UpdateDriverLocation(ctx, "nobody", models.Location{})
	require.ErrorIs(t, err, storage.ErrNotFound)
}

func TestMatchRequestOnDemand(t *testing.T) {
	h := newHarness(t, false)
	ctx := context.Background()
	h.rider(t, "r1")
	h.driver(t, "d1", 0, 0)
	req, err := h.svc.CreateRideRequest(ctx, RequestInput{RiderID: "r1"})
	require.NoError(t, err)

	got, ok, err := h.svc.MatchRequest(ctx, req.ID)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, models.RequestMatched, got.Status)

	_, _, err = h.svc.MatchRequest(ctx, "missing")
	require.ErrorIs(t, err, storage.ErrNotFound)
}

func TestStatusAndSyncStats(t *testing.T) {
	h := newHarness(t, true)
	ctx := context.Background()
	matchOne(t, h)
	h.driver(t, "d2", 40, 40)
	_, err := h.svc.RegisterDriver(ctx, DriverInput{ID: "d3"})
	require.NoError(t, err)
	_, err = h.svc.CreateRideRequest(ctx, RequestInput{RiderID: "r1"})
	require.NoError(t, err)

	st, err := h.svc.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, st.PendingRequests)
	assert.Equal(t, 1, st.AvailableDrivers)
	assert.Equal(t, 2, st.OnlineDrivers)
	assert.Equal(t, 1, st.ActiveTrips)
	assert.Equal(t, 1, st.IndexedDrivers)
	assert.Equal(t, "STOPPED", st.MatcherState)
	assert.EqualValues(t, 1, st.Matching.Matches)

	h.stats.SetCounts(0, 0, 0, 0)
	require.NoError(t, h.svc.SyncStats(ctx))
	snap := h.stats.Snapshot()
	assert.EqualValues(t, 2, snap.OnlineDrivers)
	assert.EqualValues(t, 1, snap.AvailableDrivers)
	assert.EqualValues(t, 1, snap.PendingRequests)
	assert.EqualValues(t, 1, snap.ActiveTrips)
}
