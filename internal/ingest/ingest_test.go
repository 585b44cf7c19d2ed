package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/dispatch-engine/internal/logging"
	"github.com/example/dispatch-engine/internal/models"
	"github.com/example/dispatch-engine/internal/storage"
)

// fakeUpdater fails the first failN calls.
type fakeUpdater struct {
	mu    sync.Mutex
	failN int
	err   error
	calls int
	seen  []models.LocationPing
}

func (f *fakeUpdater) UpdateDriverLocation(_ context.Context, id string, loc models.Location) (models.Driver, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.calls <= f.failN {
		if f.err != nil {
			return models.Driver{}, f.err
		}
		return models.Driver{}, errors.New("db unavailable")
	}
	f.seen = append(f.seen, models.LocationPing{DriverID: id, Loc: loc})
	return models.Driver{ID: id, Loc: loc}, nil
}

// fakeReader replays msgs, then blocks until ctx is done.
type fakeReader struct {
	mu   sync.Mutex
	msgs []kafka.Message
	errs []error
}

func (f *fakeReader) ReadMessage(ctx context.Context) (kafka.Message, error) {
	f.mu.Lock()
	if len(f.errs) > 0 {
		err := f.errs[0]
		f.errs = f.errs[1:]
		f.mu.Unlock()
		return kafka.Message{}, err
	}
	if len(f.msgs) > 0 {
		m := f.msgs[0]
		f.msgs = f.msgs[1:]
		f.mu.Unlock()
		return m, nil
	}
	f.mu.Unlock()
	<-ctx.Done()
	return kafka.Message{}, ctx.Err()
}

func (f *fakeReader) Close() error { return nil }

func ping(t *testing.T, id string, x, y int) kafka.Message {
	t.Helper()
	b, err := json.Marshal(models.LocationPing{DriverID: id, Loc: models.Location{X: x, Y: y}})
	require.NoError(t, err)
	return kafka.Message{Value: b}
}

func TestApplyWithRetry_SucceedsAfterRetries(t *testing.T) {
	f := &fakeUpdater{failN: 2}
	c := newLocationConsumer(&fakeReader{}, f, nil)
	c.retryDelay = 5 * time.Millisecond

	start := time.Now()
	require.NoError(t, c.applyWithRetry(context.Background(), models.LocationPing{DriverID: "d1"}))
	assert.Equal(t, 3, f.calls)
	assert.GreaterOrEqual(t, time.Since(start), 15*time.Millisecond)
}

func TestApplyWithRetry_FailsWhenExhausted(t *testing.T) {
	f := &fakeUpdater{failN: 10}
	c := newLocationConsumer(&fakeReader{}, f, nil)
	c.retryDelay = time.Millisecond
	require.Error(t, c.applyWithRetry(context.Background(), models.LocationPing{DriverID: "d1"}))
	assert.Equal(t, 3, f.calls)
}

func TestApplyWithRetry_UnknownDriverNotRetried(t *testing.T) {
	f := &fakeUpdater{failN: 10, err: fmt.Errorf("driver x: %w", storage.ErrNotFound)}
	c := newLocationConsumer(&fakeReader{}, f, nil)
	require.ErrorIs(t, c.applyWithRetry(context.Background(), models.LocationPing{DriverID: "x"}), storage.ErrNotFound)
	assert.Equal(t, 1, f.calls)
}

func TestRunAppliesMessagesAndSkipsInvalid(t *testing.T) {
	f := &fakeUpdater{}
	r := &fakeReader{
		errs: []error{errors.New("broker hiccup")},
		msgs: []kafka.Message{ping(t, "d1", 1, 2), {Value: []byte("{not json")}, ping(t, "d2", -3, 4)},
	}
	c := newLocationConsumer(r, f, nil)
	c.maxBackoff = time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	require.Eventually(t, func() bool {
		f.mu.Lock()
		defer f.mu.Unlock()
		return len(f.seen) == 2
	}, 3*time.Second, 10*time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	assert.Equal(t, "d1", f.seen[0].DriverID)
	assert.Equal(t, models.Location{X: -3, Y: 4}, f.seen[1].Loc)
}

// fakeWriter records messages. With block set, writes wait until it is
// closed.
type fakeWriter struct {
	mu    sync.Mutex
	msgs  []kafka.Message
	err   error
	block chan struct{}
}

func (w *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	if w.block != nil {
		<-w.block
	}
	if w.err != nil {
		return w.err
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *fakeWriter) Close() error { return nil }

func (w *fakeWriter) written() []kafka.Message {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]kafka.Message(nil), w.msgs...)
}

func TestPublishKeysByDriver(t *testing.T) {
	w := &fakeWriter{}
	p := newKafkaProducer(w, 8, nil)
	defer p.Close()
	ev := models.MatchEvent(models.Trip{ID: "t1", DriverID: "d1", RiderID: "r1", RequestID: "q1", Distance: 3})
	require.NoError(t, p.Publish(context.Background(), ev))

	msgs := w.written()
	require.Len(t, msgs, 1)
	assert.Equal(t, "d1", string(msgs[0].Key))
	var got models.Event
	require.NoError(t, json.Unmarshal(msgs[0].Value, &got))
	assert.Equal(t, models.EventMatched, got.Type)
	assert.Equal(t, 3, got.Distance)
}

func TestNotifyDoesNotWaitForBroker(t *testing.T) {
	w := &fakeWriter{block: make(chan struct{})}
	p := newKafkaProducer(w, 8, nil)

	start := time.Now()
	for i := 0; i < 3; i++ {
		p.Notify(context.Background(), models.Event{Type: models.EventLocation, DriverID: fmt.Sprintf("d%d", i)})
	}
	assert.Less(t, time.Since(start), 100*time.Millisecond)
	assert.Empty(t, w.written())

	close(w.block)
	require.NoError(t, p.Close())
	msgs := w.written()
	require.Len(t, msgs, 3, "close flushes the queue")
	for i, m := range msgs {
		assert.Equal(t, fmt.Sprintf("d%d", i), string(m.Key))
	}
}

func TestNotifyDropsWhenQueueFull(t *testing.T) {
	w := &fakeWriter{block: make(chan struct{})}
	p := newKafkaProducer(w, 1, nil)
	for i := 0; i < 5; i++ {
		p.Notify(context.Background(), models.Event{Type: models.EventMatched, DriverID: "d1"})
	}
	close(w.block)
	require.NoError(t, p.Close())
	n := len(w.written())
	assert.GreaterOrEqual(t, n, 1)
	assert.LessOrEqual(t, n, 2, "one in flight plus one queued")
}

func TestNotifySwallowsErrors(t *testing.T) {
	p := newKafkaProducer(&fakeWriter{err: errors.New("no brokers")}, 8, logging.OrDefault(nil))
	assert.NotPanics(t, func() { p.Notify(context.Background(), models.Event{Type: models.EventMatched}) })
	require.NoError(t, p.Close())
	assert.NotPanics(t, func() { p.Notify(context.Background(), models.Event{Type: models.EventMatched}) }, "after close")
	require.NoError(t, p.Close())
}
