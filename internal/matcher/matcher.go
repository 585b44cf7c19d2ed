package matcher

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/example/dispatch-engine/internal/logging"
	"github.com/example/dispatch-engine/internal/models"
	"github.com/example/dispatch-engine/internal/observability"
	"github.com/example/dispatch-engine/internal/storage"
)

// Index is the spatial structure the matcher owns exclusively.
type Index interface {
	Add(id string, loc models.Location)
	Update(id string, loc models.Location)
	Remove(id string)
	QueryNearby(center models.Location, radius int) []string
	Contains(id string) bool
	Size() int
}

// Notifier receives committed matches. Delivery is best effort.
type Notifier interface {
	Notify(ctx context.Context, ev models.Event)
}

type nopNotifier struct{}

func (nopNotifier) Notify(context.Context, models.Event) {}

type State int32

const (
	StateStopped State = iota
	StateWaiting
	StateScanning
)

func (s State) String() string {
	switch s {
	case StateWaiting:
		return "WAITING"
	case StateScanning:
		return "SCANNING"
	default:
		return "STOPPED"
	}
}

type Config struct {
	// MaxMatchDistance bounds the Manhattan distance from driver to pickup.
	MaxMatchDistance int
	// WaitTimeout is how long the loop sleeps without a trigger.
	WaitTimeout time.Duration
	// ExpireRequests cancels pending requests whose window has closed.
	ExpireRequests bool
}

func DefaultConfig() Config {
	return Config{MaxMatchDistance: 10, WaitTimeout: 5 * time.Second, ExpireRequests: true}
}

type Deps struct {
	Drivers  storage.DriverRepository
	Requests storage.RequestRepository
	Trips    storage.TripRepository
	Index    Index
	Stats    observability.Sink
	Notifier Notifier
	Logger   *slog.Logger
}

// Service is the only component that moves a request to MATCHED and a
// driver to ON_TRIP.
type Service struct {
	drivers  storage.DriverRepository
	requests storage.RequestRepository
	trips    storage.TripRepository
	index    Index
	stats    observability.Sink
	notifier Notifier
	logger   *slog.Logger
	cfg      Config

	now   func() time.Time
	newID func() string

	// matchMu serializes candidate validation and the commit protocol.
	matchMu sync.Mutex
	trigger chan struct{}

	lifeMu sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}

	state atomic.Int32
	scans atomic.Uint64
}

func New(deps Deps, cfg Config) *Service {
	def := DefaultConfig()
	if cfg.MaxMatchDistance < 0 {
		cfg.MaxMatchDistance = def.MaxMatchDistance
	}
	if cfg.WaitTimeout <= 0 {
		cfg.WaitTimeout = def.WaitTimeout
	}
	s := &Service{
		drivers:  deps.Drivers,
		requests: deps.Requests,
		trips:    deps.Trips,
		index:    deps.Index,
		stats:    deps.Stats,
		notifier: deps.Notifier,
		logger:   logging.OrDefault(deps.Logger).With("component", "matcher"),
		cfg:      cfg,
		now:      time.Now,
		newID:    uuid.NewString,
		trigger:  make(chan struct{}, 1),
	}
	if s.stats == nil {
		s.stats = observability.NewStats()
	}
	if s.notifier == nil {
		s.notifier = nopNotifier{}
	}
	return s
}

// Start launches the background loop. Calling it while running is a no-op.
// The loop exits when ctx is cancelled or Stop is called.
func (s *Service) Start(ctx context.Context) {
	s.lifeMu.Lock()
	defer s.lifeMu.Unlock()
	if s.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.state.Store(int32(StateWaiting))
	go s.loop(ctx, s.done)
	s.logger.Info("matcher started", "max_distance", s.cfg.MaxMatchDistance, "wait_timeout", s.cfg.WaitTimeout)
}

// Stop cancels the loop and waits for it to exit. An in-flight commit is
// allowed to finish. Stopping a stopped service is a no-op.
func (s *Service) Stop() {
	s.lifeMu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel, s.done = nil, nil
	s.lifeMu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
	s.logger.Info("matcher stopped", "scans", s.scans.Load())
}

// TriggerMatching wakes the loop without blocking. Triggers that arrive
// before the loop wakes collapse into one.
func (s *Service) TriggerMatching() {
	select {
	case s.trigger <- struct{}{}:
	default:
	}
}

func (s *Service) State() State { return State(s.state.Load()) }

// Scans returns the number of completed scans of the pending queue.
func (s *Service) Scans() uint64 { return s.scans.Load() }

func (s *Service) IndexedDrivers() int { return s.index.Size() }

func (s *Service) PendingRequestsCount(ctx context.Context) (int, error) {
	return s.requests.CountPendingRequests(ctx)
}

// MatchRequest attempts to match one request right away.
func (s *Service) MatchRequest(ctx context.Context, requestID string) bool {
	_, ok := s.TryMatch(ctx, requestID)
	return ok
}

// OnDriverUpdate must be called after a driver's status or location is
// persisted. It keeps the index in line with the repository and triggers
// a scan when the driver has just become available.
func (s *Service) OnDriverUpdate(ctx context.Context, driverID string, locationChanged bool) {
	s.matchMu.Lock()
	defer s.matchMu.Unlock()

	d, err := s.drivers.GetDriver(ctx, driverID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			s.index.Remove(driverID)
		} else {
			s.logger.Error("driver update: fetch driver", "driver_id", driverID, "error", err)
		}
		s.syncIndexGauge()
		return
	}
	if d.Status != models.DriverAvailable {
		s.index.Remove(driverID)
		s.syncIndexGauge()
		return
	}

	wasIndexed := s.index.Contains(driverID)
	if !wasIndexed || locationChanged {
		s.index.Update(driverID, d.Loc)
	}
	s.syncIndexGauge()
	if !wasIndexed {
		s.TriggerMatching()
	}
}

// Rebuild loads every available driver into the index. It is meant to run
// once before Start.
func (s *Service) Rebuild(ctx context.Context) (int, error) {
	drivers, err := s.drivers.ListDriversByStatus(ctx, models.DriverAvailable)
	if err != nil {
		return 0, err
	}
	s.matchMu.Lock()
	defer s.matchMu.Unlock()
	for _, d := range drivers {
		s.index.Add(d.ID, d.Loc)
	}
	s.syncIndexGauge()
	return len(drivers), nil
}

func (s *Service) loop(ctx context.Context, done chan struct{}) {
	defer close(done)
	defer s.detach(done)
	defer s.state.Store(int32(StateStopped))
	for {
		s.state.Store(int32(StateWaiting))
		work := s.waitForWork(ctx)
		if ctx.Err() != nil {
			return
		}
		if !work {
			continue
		}
		s.state.Store(int32(StateScanning))
		s.scan(ctx)
	}
}

// detach forgets a loop that exited on its own, e.g. on parent
// cancellation, so a later Start runs a fresh one.
func (s *Service) detach(done chan struct{}) {
	s.lifeMu.Lock()
	defer s.lifeMu.Unlock()
	if s.done == done {
		s.cancel()
		s.cancel, s.done = nil, nil
	}
}

// waitForWork blocks until a trigger, a timeout with pending requests, or
// cancellation.
func (s *Service) waitForWork(ctx context.Context) bool {
	timer := time.NewTimer(s.cfg.WaitTimeout)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-s.trigger:
		return true
	case <-timer.C:
		n, err := s.requests.CountPendingRequests(ctx)
		if err != nil {
			s.logger.Error("count pending requests", "error", err)
			return false
		}
		return n > 0
	}
}

func (s *Service) scan(ctx context.Context) {
	defer func() {
		s.scans.Add(1)
		observability.ScansTotal.Inc()
	}()
	pending, err := s.requests.ListPendingRequests(ctx)
	if err != nil {
		s.logger.Error("list pending requests", "error", err)
		return
	}
	matched := 0
	for _, req := range pending {
		if ctx.Err() != nil {
			return
		}
		if _, ok := s.TryMatch(ctx, req.ID); ok {
			matched++
		}
	}
	if len(pending) > 0 {
		s.logger.Debug("scan finished", "pending", len(pending), "matched", matched)
	}
}

func (s *Service) syncIndexGauge() {
	observability.IndexedDrivers.Set(float64(s.index.Size()))
}
