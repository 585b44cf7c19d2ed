package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/segmentio/kafka-go"

	"github.com/example/dispatch-engine/internal/logging"
	"github.com/example/dispatch-engine/internal/models"
	"github.com/example/dispatch-engine/internal/storage"
)

var (
	msgsInvalid = promauto.NewCounter(prometheus.CounterOpts{Namespace: "dispatch", Subsystem: "ingest", Name: "messages_invalid_total", Help: "Total invalid messages received"})
	applyErrors = promauto.NewCounter(prometheus.CounterOpts{Namespace: "dispatch", Subsystem: "ingest", Name: "apply_errors_total", Help: "Location updates that failed after retries"})
)

// LocationUpdater persists a driver location and notifies the matcher.
type LocationUpdater interface {
	UpdateDriverLocation(ctx context.Context, driverID string, loc models.Location) (models.Driver, error)
}

type LocationConsumer struct {
	reader     MessageReader
	updater    LocationUpdater
	logger     *slog.Logger
	attempts   int
	retryDelay time.Duration
	maxBackoff time.Duration
}

func NewLocationConsumer(brokers []string, topic, group string, updater LocationUpdater, logger *slog.Logger) *LocationConsumer {
	r := kafka.NewReader(kafka.ReaderConfig{Brokers: brokers, Topic: topic, GroupID: group, MinBytes: 10e3, MaxBytes: 10e6})
	return newLocationConsumer(r, updater, logger)
}

func newLocationConsumer(r MessageReader, updater LocationUpdater, logger *slog.Logger) *LocationConsumer {
	return &LocationConsumer{
		reader:     r,
		updater:    updater,
		logger:     logging.OrDefault(logger).With("component", "location_consumer"),
		attempts:   3,
		retryDelay: 200 * time.Millisecond,
		maxBackoff: 30 * time.Second,
	}
}

// Run consumes until ctx is cancelled.
func (c *LocationConsumer) Run(ctx context.Context) error {
	return Consume(ctx, c.reader, c.maxBackoff, c.logger, c.handle)
}

func (c *LocationConsumer) handle(ctx context.Context, m kafka.Message) {
	var ping models.LocationPing
	if err := json.Unmarshal(m.Value, &ping); err != nil || ping.DriverID == "" {
		msgsInvalid.Inc()
		c.logger.Warn("invalid location message", "offset", m.Offset, "error", err)
		return
	}
	if err := c.applyWithRetry(ctx, ping); err != nil {
		applyErrors.Inc()
		c.logger.Error("location update failed", "driver_id", ping.DriverID, "error", err)
	}
}

// applyWithRetry retries transient failures with doubling delay. Unknown
// drivers are not retried.
func (c *LocationConsumer) applyWithRetry(ctx context.Context, ping models.LocationPing) error {
	delay := c.retryDelay
	var err error
	for i := 0; i < c.attempts; i++ {
		if _, err = c.updater.UpdateDriverLocation(ctx, ping.DriverID, ping.Loc); err == nil {
			return nil
		}
		if errors.Is(err, storage.ErrNotFound) || i == c.attempts-1 {
			return err
		}
		if !sleep(ctx, delay) {
			return ctx.Err()
		}
		delay *= 2
	}
	return err
}

func (c *LocationConsumer) Close() error { return c.reader.Close() }
