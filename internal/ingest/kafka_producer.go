package ingest

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/example/dispatch-engine/internal/logging"
	"github.com/example/dispatch-engine/internal/models"
	"github.com/example/dispatch-engine/internal/observability"
)

const defaultQueueSize = 1024

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaProducer publishes engine events keyed by driver id, so every
// event for one driver lands on the same partition. Notify only enqueues;
// a single goroutine drains the queue in order.
type KafkaProducer struct {
	writer  messageWriter
	timeout time.Duration
	logger  *slog.Logger

	mu     sync.RWMutex
	closed bool
	queue  chan models.Event
	done   chan struct{}
}

func NewKafkaProducer(brokers []string, topic string, logger *slog.Logger) *KafkaProducer {
	w := kafka.NewWriter(kafka.WriterConfig{
		Brokers:      brokers,
		Topic:        topic,
		Balancer:     &kafka.LeastBytes{},
		BatchTimeout: 10 * time.Millisecond,
	})
	return newKafkaProducer(w, defaultQueueSize, logging.OrDefault(logger).With("component", "kafka_producer", "topic", topic))
}

func newKafkaProducer(w messageWriter, queueSize int, logger *slog.Logger) *KafkaProducer {
	k := &KafkaProducer{
		writer:  w,
		timeout: 2 * time.Second,
		logger:  logging.OrDefault(logger),
		queue:   make(chan models.Event, queueSize),
		done:    make(chan struct{}),
	}
	go k.run()
	return k
}

// Publish writes one event and waits for the broker.
func (k *KafkaProducer) Publish(ctx context.Context, ev models.Event) error {
	b, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, k.timeout)
	defer cancel()
	err = k.writer.WriteMessages(ctx, kafka.Message{Key: []byte(ev.DriverID), Value: b, Time: ev.At})
	result := "ok"
	if err != nil {
		result = "error"
	}
	observability.EventsPublished.WithLabelValues(string(ev.Type), result).Inc()
	return err
}

// Notify queues the event and returns immediately. When the queue is full
// or the producer is closed the event is dropped and counted.
func (k *KafkaProducer) Notify(_ context.Context, ev models.Event) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	if k.closed {
		k.drop(ev, "closed")
		return
	}
	select {
	case k.queue <- ev:
	default:
		k.drop(ev, "queue full")
	}
}

func (k *KafkaProducer) drop(ev models.Event, reason string) {
	observability.EventsPublished.WithLabelValues(string(ev.Type), "dropped").Inc()
	k.logger.Warn("event dropped", "type", ev.Type, "driver_id", ev.DriverID, "reason", reason)
}

func (k *KafkaProducer) run() {
	defer close(k.done)
	for ev := range k.queue {
		if err := k.Publish(context.Background(), ev); err != nil {
			k.logger.Warn("publish event", "type", ev.Type, "driver_id", ev.DriverID, "error", err)
		}
	}
}

// Close stops accepting events, flushes what is queued and closes the
// writer.
func (k *KafkaProducer) Close() error {
	k.mu.Lock()
	if k.closed {
		k.mu.Unlock()
		return nil
	}
	k.closed = true
	close(k.queue)
	k.mu.Unlock()

	<-k.done
	return k.writer.Close()
}
