package storage

import (
	"context"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/dispatch-engine/internal/models"
)

// Runs against a real database only when DISPATCH_TEST_PG_DSN is set.
func newTestPostgres(t *testing.T) *PostgresStore {
	t.Helper()
	dsn := os.Getenv("DISPATCH_TEST_PG_DSN")
	if dsn == "" {
		t.Skip("DISPATCH_TEST_PG_DSN not set")
	}
	ctx := context.Background()
	p, err := NewPostgresStore(ctx, dsn)
	require.NoError(t, err)
	_, err = p.Migrate(ctx)
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Close() })
	return p
}

func TestPostgresDriverTransitions(t *testing.T) {
	p := newTestPostgres(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Millisecond)
	id := uuid.NewString()

	require.NoError(t, p.CreateDriver(ctx, models.Driver{ID: id, Status: models.DriverAvailable, RegisteredAt: now, UpdatedAt: now}))
	require.ErrorIs(t, p.CreateDriver(ctx, models.Driver{ID: id, Status: models.DriverAvailable, RegisteredAt: now, UpdatedAt: now}), ErrAlreadyExists)

	d, err := p.UpdateDriverStatus(ctx, id, models.DriverOnTrip, models.CauseMatch)
	require.NoError(t, err)
	assert.Equal(t, 1, d.ActiveTrips)

	_, err = p.UpdateDriverStatus(ctx, id, models.DriverAvailable, models.CauseOperator)
	require.ErrorIs(t, err, models.ErrInvalidTransition)

	d, err = p.UpdateDriverLocation(ctx, id, models.Location{X: 3, Y: -2})
	require.NoError(t, err)
	assert.Equal(t, models.Location{X: 3, Y: -2}, d.Loc)

	_, err = p.GetDriver(ctx, uuid.NewString())
	require.ErrorIs(t, err, ErrNotFound)
}

func TestPostgresConcurrentClaim(t *testing.T) {
	p := newTestPostgres(t)
	ctx := context.Background()
	now := time.Now().UTC()
	id := uuid.NewString()
	require.NoError(t, p.CreateDriver(ctx, models.Driver{ID: id, Status: models.DriverAvailable, RegisteredAt: now, UpdatedAt: now}))

	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := p.UpdateDriverStatus(ctx, id, models.DriverOnTrip, models.CauseMatch); err == nil {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), wins.Load())
}

func TestPostgresRequestAndTrip(t *testing.T) {
	p := newTestPostgres(t)
	ctx := context.Background()
	now := time.Now().UTC()
	reqID := uuid.NewString()

	require.NoError(t, p.CreateRequest(ctx, models.RideRequest{
		ID: reqID, RiderID: "r1", Start: models.Location{X: 1, Y: 2}, Status: models.RequestPending,
		Window: models.TimeWindow{Latest: now.Add(time.Hour)}, CreatedAt: now, UpdatedAt: now,
	}))
	got, err := p.GetRequest(ctx, reqID)
	require.NoError(t, err)
	assert.True(t, got.Window.Earliest.IsZero())
	assert.False(t, got.Window.Latest.IsZero())

	_, err = p.UpdateRequestStatus(ctx, reqID, models.RequestMatched, models.CauseMatch)
	require.NoError(t, err)

	trip := models.Trip{ID: uuid.NewString(), DriverID: "d1", RiderID: "r1", RequestID: reqID, Status: models.TripOngoing, MatchedAt: now}
	require.NoError(t, p.CreateTrip(ctx, trip))
	trip.ID = uuid.NewString()
	require.ErrorIs(t, p.CreateTrip(ctx, trip), ErrAlreadyExists)
}
