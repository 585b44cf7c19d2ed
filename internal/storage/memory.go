package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/example/dispatch-engine/internal/models"
)

// MemoryStore keeps every entity in process memory. It is the default
// backend when no database DSN is configured.
type MemoryStore struct {
	mu        sync.RWMutex
	drivers   map[string]models.Driver
	riders    map[string]models.Rider
	requests  map[string]models.RideRequest
	trips     map[string]models.Trip
	byRequest map[string]string
	now       func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		drivers:   make(map[string]models.Driver),
		riders:    make(map[string]models.Rider),
		requests:  make(map[string]models.RideRequest),
		trips:     make(map[string]models.Trip),
		byRequest: make(map[string]string),
		now:       time.Now,
	}
}

func (m *MemoryStore) Close() error { return nil }

func (m *MemoryStore) CreateDriver(_ context.Context, d models.Driver) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.drivers[d.ID]; ok {
		return fmt.Errorf("driver %s: %w", d.ID, ErrAlreadyExists)
	}
	m.drivers[d.ID] = d
	return nil
}

func (m *MemoryStore) GetDriver(_ context.Context, id string) (models.Driver, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.drivers[id]
	if !ok {
		return models.Driver{}, fmt.Errorf("driver %s: %w", id, ErrNotFound)
	}
	return d, nil
}

func (m *MemoryStore) ListDriversByStatus(_ context.Context, status models.DriverStatus) ([]models.Driver, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.Driver
	for _, d := range m.drivers {
		if d.Status == status {
			out = append(out, d)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MemoryStore) CountDriversByStatus(_ context.Context, status models.DriverStatus) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, d := range m.drivers {
		if d.Status == status {
			n++
		}
	}
	return n, nil
}

func (m *MemoryStore) UpdateDriverStatus(_ context.Context, id string, to models.DriverStatus, cause models.Cause) (models.Driver, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.drivers[id]
	if !ok {
		return models.Driver{}, fmt.Errorf("driver %s: %w", id, ErrNotFound)
	}
	active, err := models.CheckDriverUpdate(d, to, cause)
	if err != nil {
		return d, err
	}
	d.ActiveTrips = active
	d.Status = to
	d.UpdatedAt = m.now()
	m.drivers[id] = d
	return d, nil
}

func (m *MemoryStore) UpdateDriverLocation(_ context.Context, id string, loc models.Location) (models.Driver, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.drivers[id]
	if !ok {
		return models.Driver{}, fmt.Errorf("driver %s: %w", id, ErrNotFound)
	}
	d.Loc = loc
	d.UpdatedAt = m.now()
	m.drivers[id] = d
	return d, nil
}

func (m *MemoryStore) CreateRider(_ context.Context, r models.Rider) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.riders[r.ID]; ok {
		return fmt.Errorf("rider %s: %w", r.ID, ErrAlreadyExists)
	}
	m.riders[r.ID] = r
	return nil
}

func (m *MemoryStore) GetRider(_ context.Context, id string) (models.Rider, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.riders[id]
	if !ok {
		return models.Rider{}, fmt.Errorf("rider %s: %w", id, ErrNotFound)
	}
	return r, nil
}

func (m *MemoryStore) CreateRequest(_ context.Context, r models.RideRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.requests[r.ID]; ok {
		return fmt.Errorf("request %s: %w", r.ID, ErrAlreadyExists)
	}
	m.requests[r.ID] = r
	return nil
}

func (m *MemoryStore) GetRequest(_ context.Context, id string) (models.RideRequest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.requests[id]
	if !ok {
		return models.RideRequest{}, fmt.Errorf("request %s: %w", id, ErrNotFound)
	}
	return r, nil
}

func (m *MemoryStore) ListPendingRequests(_ context.Context) ([]models.RideRequest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.RideRequest
	for _, r := range m.requests {
		if r.Status == models.RequestPending {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (m *MemoryStore) CountPendingRequests(_ context.Context) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, r := range m.requests {
		if r.Status == models.RequestPending {
			n++
		}
	}
	return n, nil
}

func (m *MemoryStore) UpdateRequestStatus(_ context.Context, id string, to models.RequestStatus, cause models.Cause) (models.RideRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.requests[id]
	if !ok {
		return models.RideRequest{}, fmt.Errorf("request %s: %w", id, ErrNotFound)
	}
	if err := models.CheckRequestTransition(r.Status, to, cause); err != nil {
		return r, err
	}
	r.Status = to
	r.UpdatedAt = m.now()
	m.requests[id] = r
	return r, nil
}

func (m *MemoryStore) CreateTrip(_ context.Context, t models.Trip) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.trips[t.ID]; ok {
		return fmt.Errorf("trip %s: %w", t.ID, ErrAlreadyExists)
	}
	if existing, ok := m.byRequest[t.RequestID]; ok {
		return fmt.Errorf("request %s already has trip %s: %w", t.RequestID, existing, ErrAlreadyExists)
	}
	m.trips[t.ID] = t
	m.byRequest[t.RequestID] = t.ID
	return nil
}

func (m *MemoryStore) GetTrip(_ context.Context, id string) (models.Trip, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.trips[id]
	if !ok {
		return models.Trip{}, fmt.Errorf("trip %s: %w", id, ErrNotFound)
	}
	return t, nil
}

func (m *MemoryStore) UpdateTripStatus(_ context.Context, id string, to models.TripStatus) (models.Trip, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.trips[id]
	if !ok {
		return models.Trip{}, fmt.Errorf("trip %s: %w", id, ErrNotFound)
	}
	if err := models.CheckTripTransition(t.Status, to); err != nil {
		return t, err
	}
	t.Status = to
	t.EndedAt = m.now()
	m.trips[id] = t
	return t, nil
}

func (m *MemoryStore) CountTripsByStatus(_ context.Context, status models.TripStatus) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, t := range m.trips {
		if t.Status == status {
			n++
		}
	}
	return n, nil
}

func (m *MemoryStore) CountDriverTrips(_ context.Context, driverID string, status models.TripStatus) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, t := range m.trips {
		if t.DriverID == driverID && t.Status == status {
			n++
		}
	}
	return n, nil
}
