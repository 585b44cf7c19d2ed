package observability

import (
	"sync"
	"time"
)

// Sink is the write side of engine telemetry.
type Sink interface {
	AddOnlineDrivers(delta int)
	AddAvailableDrivers(delta int)
	AddPendingRequests(delta int)
	AddActiveTrips(delta int)
	RecordMatch(latency time.Duration, distance int)
}

// Snapshot is a point-in-time copy of Stats.
type Snapshot struct {
	OnlineDrivers    int64         `json:"online_drivers"`
	AvailableDrivers int64         `json:"available_drivers"`
	PendingRequests  int64         `json:"pending_requests"`
	ActiveTrips      int64         `json:"active_trips"`
	Matches          int64         `json:"matches"`
	AvgLatency       time.Duration `json:"avg_latency_ns"`
	MaxLatency       time.Duration `json:"max_latency_ns"`
	AvgDistance      float64       `json:"avg_distance"`
	MaxDistance      int           `json:"max_distance"`
	Throughput       float64       `json:"matches_per_second"`
	Uptime           time.Duration `json:"uptime_ns"`
}

// Stats aggregates counters and match figures in memory and mirrors them
// into the Prometheus collectors.
type Stats struct {
	mu      sync.Mutex
	started time.Time
	now     func() time.Time

	online, available, pending, active int64

	matches     int64
	latencySum  time.Duration
	latencyMax  time.Duration
	distanceSum int64
	distanceMax int
}

func NewStats() *Stats {
	return newStatsWithClock(time.Now)
}

func newStatsWithClock(now func() time.Time) *Stats {
	return &Stats{started: now(), now: now}
}

func (s *Stats) AddOnlineDrivers(delta int) {
	s.mu.Lock()
	s.online = floor(s.online + int64(delta))
	DriversOnline.Set(float64(s.online))
	s.mu.Unlock()
}

func (s *Stats) AddAvailableDrivers(delta int) {
	s.mu.Lock()
	s.available = floor(s.available + int64(delta))
	DriversAvailable.Set(float64(s.available))
	s.mu.Unlock()
}

func (s *Stats) AddPendingRequests(delta int) {
	s.mu.Lock()
	s.pending = floor(s.pending + int64(delta))
	PendingRequests.Set(float64(s.pending))
	s.mu.Unlock()
}

func (s *Stats) AddActiveTrips(delta int) {
	s.mu.Lock()
	s.active = floor(s.active + int64(delta))
	ActiveTrips.Set(float64(s.active))
	s.mu.Unlock()
}

func (s *Stats) RecordMatch(latency time.Duration, distance int) {
	s.mu.Lock()
	s.matches++
	s.latencySum += latency
	if latency > s.latencyMax {
		s.latencyMax = latency
	}
	s.distanceSum += int64(distance)
	if distance > s.distanceMax {
		s.distanceMax = distance
	}
	s.mu.Unlock()

	MatchesTotal.Inc()
	MatchLatency.Observe(latency.Seconds())
	MatchDistance.Observe(float64(distance))
}

// SetCounts overwrites the gauges, used after loading state at startup.
func (s *Stats) SetCounts(online, available, pending, active int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.online, s.available, s.pending, s.active = int64(online), int64(available), int64(pending), int64(active)
	DriversOnline.Set(float64(online))
	DriversAvailable.Set(float64(available))
	PendingRequests.Set(float64(pending))
	ActiveTrips.Set(float64(active))
}

func (s *Stats) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := Snapshot{
		OnlineDrivers:    s.online,
		AvailableDrivers: s.available,
		PendingRequests:  s.pending,
		ActiveTrips:      s.active,
		Matches:          s.matches,
		MaxLatency:       s.latencyMax,
		MaxDistance:      s.distanceMax,
		Uptime:           s.now().Sub(s.started),
	}
	if s.matches > 0 {
		snap.AvgLatency = s.latencySum / time.Duration(s.matches)
		snap.AvgDistance = float64(s.distanceSum) / float64(s.matches)
	}
	if secs := snap.Uptime.Seconds(); secs > 0 {
		snap.Throughput = float64(s.matches) / secs
	}
	return snap
}

func floor(v int64) int64 {
	if v < 0 {
		return 0
	}
	return v
}
