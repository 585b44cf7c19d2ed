package ingest

import (
	"context"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/segmentio/kafka-go"

	"github.com/example/dispatch-engine/internal/logging"
)

var msgsConsumed = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "dispatch",
	Subsystem: "ingest",
	Name:      "messages_consumed_total",
	Help:      "Total messages read from Kafka",
}, []string{"topic"})

// MessageReader is the subset of *kafka.Reader the consumers use.
type MessageReader interface {
	ReadMessage(ctx context.Context) (kafka.Message, error)
	Close() error
}

// Consume reads messages and passes each to handle until ctx is cancelled.
// Read errors back off exponentially up to maxBackoff.
func Consume(ctx context.Context, r MessageReader, maxBackoff time.Duration, logger *slog.Logger, handle func(context.Context, kafka.Message)) error {
	logger = logging.OrDefault(logger)
	backoff := time.Second
	for {
		m, err := r.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				logger.Info("consumer shutting down")
				return nil
			}
			logger.Warn("kafka read error", "error", err, "backoff", backoff)
			if !sleep(ctx, backoff) {
				return nil
			}
			backoff = min(backoff*2, maxBackoff)
			continue
		}
		backoff = time.Second
		msgsConsumed.WithLabelValues(m.Topic).Inc()
		handle(ctx, m)
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
