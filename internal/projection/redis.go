// Package projection maintains a Redis read model of dispatch events.
package projection

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/redis/go-redis/v9"
	"github.com/segmentio/kafka-go"

	"github.com/example/dispatch-engine/internal/logging"
	"github.com/example/dispatch-engine/internal/models"
)

const (
	ActiveTripsKey = "trips:active"
	MatchesKey     = "dispatch:matches"
)

func DriverLocationKey(id string) string { return "driver:loc:" + id }

var ErrMalformedEvent = errors.New("malformed event")

var (
	redisUpdates = promauto.NewCounter(prometheus.CounterOpts{Namespace: "dispatch", Subsystem: "projection", Name: "redis_updates_total", Help: "Total successful redis updates"})
	redisErrors  = promauto.NewCounter(prometheus.CounterOpts{Namespace: "dispatch", Subsystem: "projection", Name: "redis_errors_total", Help: "Total redis errors after retries"})
	msgsInvalid  = promauto.NewCounter(prometheus.CounterOpts{Namespace: "dispatch", Subsystem: "projection", Name: "messages_invalid_total", Help: "Total undecodable events"})
)

// Updater is the small subset of redis operations the projector needs.
type Updater interface {
	HSet(ctx context.Context, key string, values map[string]any) error
	SAdd(ctx context.Context, key string, members ...any) error
	SRem(ctx context.Context, key string, members ...any) error
	Incr(ctx context.Context, key string) error
}

type redisAdapter struct{ c *redis.Client }

func NewRedisUpdater(c *redis.Client) Updater { return &redisAdapter{c: c} }

func (r *redisAdapter) HSet(ctx context.Context, key string, values map[string]any) error {
	return r.c.HSet(ctx, key, values).Err()
}

func (r *redisAdapter) SAdd(ctx context.Context, key string, members ...any) error {
	return r.c.SAdd(ctx, key, members...).Err()
}

func (r *redisAdapter) SRem(ctx context.Context, key string, members ...any) error {
	return r.c.SRem(ctx, key, members...).Err()
}

func (r *redisAdapter) Incr(ctx context.Context, key string) error {
	return r.c.Incr(ctx, key).Err()
}

type Projector struct {
	rc       Updater
	logger   *slog.Logger
	attempts int
	delay    time.Duration
}

func NewProjector(rc Updater, logger *slog.Logger) *Projector {
	return &Projector{
		rc:       rc,
		logger:   logging.OrDefault(logger).With("component", "projector"),
		attempts: 3,
		delay:    200 * time.Millisecond,
	}
}

// Handle decodes one Kafka message and applies it; failures are counted
// and logged so the consumer keeps going.
func (p *Projector) Handle(ctx context.Context, m kafka.Message) {
	var ev models.Event
	if err := json.Unmarshal(m.Value, &ev); err != nil {
		msgsInvalid.Inc()
		p.logger.Warn("invalid event", "offset", m.Offset, "error", err)
		return
	}
	if err := p.Apply(ctx, ev); err != nil {
		if errors.Is(err, ErrMalformedEvent) {
			msgsInvalid.Inc()
		} else {
			redisErrors.Inc()
		}
		p.logger.Error("project event", "type", ev.Type, "driver_id", ev.DriverID, "error", err)
		return
	}
	redisUpdates.Inc()
}

// Apply updates the read model for one event. Each redis write is retried
// on its own so a retry never repeats a completed increment.
func (p *Projector) Apply(ctx context.Context, ev models.Event) error {
	switch ev.Type {
	case models.EventLocation:
		if ev.DriverID == "" || ev.Loc == nil {
			return fmt.Errorf("%w: location event without driver or position", ErrMalformedEvent)
		}
		return p.retry(ctx, func(ctx context.Context) error {
			return p.rc.HSet(ctx, DriverLocationKey(ev.DriverID), map[string]any{
				"x": ev.Loc.X, "y": ev.Loc.Y, "updated": ev.At.Unix(),
			})
		})
	case models.EventMatched:
		if ev.TripID == "" {
			return fmt.Errorf("%w: match event without trip", ErrMalformedEvent)
		}
		if err := p.retry(ctx, func(ctx context.Context) error { return p.rc.SAdd(ctx, ActiveTripsKey, ev.TripID) }); err != nil {
			return err
		}
		return p.retry(ctx, func(ctx context.Context) error { return p.rc.Incr(ctx, MatchesKey) })
	case models.EventTripCompleted, models.EventTripCancelled:
		if ev.TripID == "" {
			return fmt.Errorf("%w: trip event without trip", ErrMalformedEvent)
		}
		return p.retry(ctx, func(ctx context.Context) error { return p.rc.SRem(ctx, ActiveTripsKey, ev.TripID) })
	default:
		p.logger.Debug("ignoring event", "type", ev.Type)
		return nil
	}
}

func (p *Projector) retry(ctx context.Context, op func(context.Context) error) error {
	delay := p.delay
	var err error
	for i := 0; i < p.attempts; i++ {
		if err = op(ctx); err == nil {
			return nil
		}
		if i == p.attempts-1 {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
	}
	return err
}
