package matcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/example/dispatch-engine/internal/logging"
	"github.com/example/dispatch-engine/internal/models"
	"github.com/example/dispatch-engine/internal/observability"
	"github.com/example/dispatch-engine/internal/storage"
)

type candidate struct {
	driver   models.Driver
	distance int
}

// better orders candidates: nearest first, then fewest active trips, then
// earliest registration. The id keeps the order total.
func better(a, b candidate) bool {
	if a.distance != b.distance {
		return a.distance < b.distance
	}
	if a.driver.ActiveTrips != b.driver.ActiveTrips {
		return a.driver.ActiveTrips < b.driver.ActiveTrips
	}
	if !a.driver.RegisteredAt.Equal(b.driver.RegisteredAt) {
		return a.driver.RegisteredAt.Before(b.driver.RegisteredAt)
	}
	return a.driver.ID < b.driver.ID
}

// selectBest drops drivers whose availability does not fit the request
// window and returns the best of the rest.
func selectBest(cands []candidate, req models.RideRequest, now time.Time) (candidate, bool) {
	eligible := cands[:0:0]
	for _, c := range cands {
		if models.WindowCompatible(c.driver.Availability, req.Window, now) {
			eligible = append(eligible, c)
		}
	}
	if len(eligible) == 0 {
		return candidate{}, false
	}
	sort.Slice(eligible, func(i, j int) bool { return better(eligible[i], eligible[j]) })
	return eligible[0], true
}

// TryMatch runs one match attempt for the request. It never panics and
// reports failures only through logs and the boolean.
func (s *Service) TryMatch(ctx context.Context, requestID string) (models.Trip, bool) {
	trip, ok := s.matchOne(ctx, requestID)
	if ok {
		s.notifier.Notify(ctx, models.MatchEvent(trip))
	}
	return trip, ok
}

func (s *Service) matchOne(ctx context.Context, requestID string) (trip models.Trip, ok bool) {
	start := time.Now()
	log := s.logger.With("request_id", requestID)
	defer func() {
		if rec := recover(); rec != nil {
			log.Error("match attempt panicked", "panic", rec)
			trip, ok = models.Trip{}, false
		}
	}()

	s.matchMu.Lock()
	defer s.matchMu.Unlock()

	req, err := s.requests.GetRequest(ctx, requestID)
	if err != nil {
		log.Error("fetch request", "error", err)
		return models.Trip{}, false
	}
	if req.Status != models.RequestPending {
		log.Debug("request no longer pending", "status", req.Status)
		return models.Trip{}, false
	}
	now := s.now()
	if s.cfg.ExpireRequests && req.Expired(now) {
		s.expire(ctx, req, log)
		return models.Trip{}, false
	}
	if !req.Matchable(now) {
		log.Debug("request outside departure window")
		return models.Trip{}, false
	}

	ids := s.index.QueryNearby(req.Start, s.cfg.MaxMatchDistance)
	if len(ids) == 0 {
		log.Debug("no drivers in range")
		return models.Trip{}, false
	}
	cands := s.loadCandidates(ctx, ids, req, log)
	if len(cands) == 0 {
		log.Debug("no available candidates")
		return models.Trip{}, false
	}
	best, found := selectBest(cands, req, now)
	if !found {
		log.Debug("no driver fits the departure window", "candidates", len(cands))
		return models.Trip{}, false
	}
	if ctx.Err() != nil {
		return models.Trip{}, false
	}

	// Once started, the commit must not be interrupted by cancellation.
	trip, err = s.commit(context.WithoutCancel(ctx), req, best, log)
	if err != nil {
		return models.Trip{}, false
	}

	s.index.Remove(best.driver.ID)
	s.syncIndexGauge()
	s.stats.AddPendingRequests(-1)
	s.stats.AddAvailableDrivers(-1)
	s.stats.AddActiveTrips(1)
	s.stats.RecordMatch(time.Since(start), best.distance)
	log.Info("match committed", "driver_id", best.driver.ID, "trip_id", trip.ID, "distance", best.distance)
	return trip, true
}

// loadCandidates re-reads every indexed id and keeps drivers that are
// still available and in range. Stale index entries are dropped.
func (s *Service) loadCandidates(ctx context.Context, ids []string, req models.RideRequest, log *slog.Logger) []candidate {
	cands := make([]candidate, 0, len(ids))
	for _, id := range ids {
		d, err := s.drivers.GetDriver(ctx, id)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				s.index.Remove(id)
				continue
			}
			log.Error("fetch candidate driver", "driver_id", id, "error", err)
			continue
		}
		if d.Status != models.DriverAvailable {
			s.index.Remove(id)
			continue
		}
		dist := d.Loc.Manhattan(req.Start)
		if dist > s.cfg.MaxMatchDistance {
			continue
		}
		cands = append(cands, candidate{driver: d, distance: dist})
	}
	return cands
}

func (s *Service) expire(ctx context.Context, req models.RideRequest, log *slog.Logger) {
	if _, err := s.requests.UpdateRequestStatus(ctx, req.ID, models.RequestCancelled, models.CauseExpiry); err != nil {
		log.Error("expire request", "error", err)
		return
	}
	s.stats.AddPendingRequests(-1)
	observability.ExpiredTotal.Inc()
	log.Info("request expired", "latest", req.Window.Latest)
}

type commitStep string

const (
	stepDriver  commitStep = "driver_status"
	stepRequest commitStep = "request_status"
	stepTrip    commitStep = "trip_create"
)

// commit writes driver ON_TRIP, request MATCHED and a new ONGOING trip in
// that order. A failure or panic at any step undoes the steps before it.
func (s *Service) commit(ctx context.Context, req models.RideRequest, c candidate, log *slog.Logger) (trip models.Trip, err error) {
	step := stepDriver
	var driverDone, requestDone bool
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("panic: %v", rec)
		}
		if err != nil {
			trip = models.Trip{}
			s.rollback(ctx, req.ID, c.driver.ID, step, driverDone, requestDone, err, log)
		}
	}()

	if _, err = s.drivers.UpdateDriverStatus(ctx, c.driver.ID, models.DriverOnTrip, models.CauseMatch); err != nil {
		return trip, fmt.Errorf("set driver on trip: %w", err)
	}
	driverDone = true

	step = stepRequest
	if _, err = s.requests.UpdateRequestStatus(ctx, req.ID, models.RequestMatched, models.CauseMatch); err != nil {
		return trip, fmt.Errorf("mark request matched: %w", err)
	}
	requestDone = true

	step = stepTrip
	trip = models.Trip{
		ID:        s.newID(),
		DriverID:  c.driver.ID,
		RiderID:   req.RiderID,
		RequestID: req.ID,
		Distance:  c.distance,
		Status:    models.TripOngoing,
		MatchedAt: s.now(),
	}
	if err = s.trips.CreateTrip(ctx, trip); err != nil {
		return trip, fmt.Errorf("create trip: %w", err)
	}
	return trip, nil
}

func (s *Service) rollback(ctx context.Context, requestID, driverID string, step commitStep, driverDone, requestDone bool, cause error, log *slog.Logger) {
	log = log.With("driver_id", driverID, "step", string(step))

	if !driverDone {
		// Nothing was written. A driver that changed state since validation
		// is an ordinary race, not a fault.
		if errors.Is(cause, models.ErrInvalidTransition) || errors.Is(cause, storage.ErrConflict) {
			log.Debug("candidate raced away", "error", cause)
			return
		}
		observability.MatchFailures.WithLabelValues(string(step), "none").Inc()
		log.Error("match commit failed", "error", cause)
		return
	}

	var errs []error
	requestReverted, driverReverted := !requestDone, false
	if requestDone {
		if _, err := s.requests.UpdateRequestStatus(ctx, requestID, models.RequestPending, models.CauseRollback); err != nil {
			errs = append(errs, fmt.Errorf("revert request to pending: %w", err))
		} else {
			requestReverted = true
		}
	}
	if _, err := s.drivers.UpdateDriverStatus(ctx, driverID, models.DriverAvailable, models.CauseRollback); err != nil {
		errs = append(errs, fmt.Errorf("revert driver to available: %w", err))
	} else {
		driverReverted = true
	}

	if rbErr := errors.Join(errs...); rbErr != nil {
		observability.MatchFailures.WithLabelValues(string(step), "failed").Inc()
		log.Log(ctx, logging.LevelCritical, "match rollback failed, entity state is inconsistent",
			"error", cause, "rollback_error", rbErr,
			"request_reverted", requestReverted, "driver_reverted", driverReverted)
		return
	}
	observability.MatchFailures.WithLabelValues(string(step), "ok").Inc()
	log.Error("match commit failed, rolled back", "error", cause)
}
