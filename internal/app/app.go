// Package app wires the engine's components together.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"

	"github.com/example/dispatch-engine/internal/config"
	"github.com/example/dispatch-engine/internal/dispatch"
	"github.com/example/dispatch-engine/internal/geo"
	httpapi "github.com/example/dispatch-engine/internal/http"
	"github.com/example/dispatch-engine/internal/ingest"
	"github.com/example/dispatch-engine/internal/lifecycle"
	"github.com/example/dispatch-engine/internal/logging"
	"github.com/example/dispatch-engine/internal/matcher"
	"github.com/example/dispatch-engine/internal/observability"
	"github.com/example/dispatch-engine/internal/storage"
)

type App struct {
	cfg    config.ServerConfig
	logger *slog.Logger

	store     storage.Store
	matcher   *matcher.Service
	lifecycle *lifecycle.Service
	ws        *dispatch.WSRegistry
	producer  *ingest.KafkaProducer
	consumer  *ingest.LocationConsumer
	handler   http.Handler
}

// New builds every component. It opens the Postgres store when a DSN is
// configured and falls back to the in-memory store otherwise.
func New(ctx context.Context, cfg config.ServerConfig, logger *slog.Logger) (*App, error) {
	logger = logging.OrDefault(logger)
	a := &App{cfg: cfg, logger: logger}

	if cfg.PGDSN != "" {
		ps, err := storage.NewPostgresStore(ctx, cfg.PGDSN)
		if err != nil {
			return nil, fmt.Errorf("open postgres store: %w", err)
		}
		a.store = ps
		logger.Info("using postgres store")
	} else {
		a.store = storage.NewMemoryStore()
		logger.Warn("PG_DSN not set, using in-memory store")
	}

	a.ws = dispatch.NewWSRegistry(logger)
	events := dispatch.Multi{a.ws}
	var locations lifecycle.Notifier
	if len(cfg.Kafka.Brokers) > 0 {
		a.producer = ingest.NewKafkaProducer(cfg.Kafka.Brokers, cfg.Kafka.EventsTopic, logger)
		events = append(events, a.producer)
		locations = a.producer
	}

	stats := observability.NewStats()
	a.matcher = matcher.New(matcher.Deps{
		Drivers:  a.store,
		Requests: a.store,
		Trips:    a.store,
		Index:    geo.NewGridIndex(cfg.Matcher.CellSize),
		Stats:    stats,
		Notifier: events,
		Logger:   logger,
	}, matcher.Config{
		MaxMatchDistance: cfg.Matcher.MaxDistance,
		WaitTimeout:      cfg.Matcher.WaitTimeout,
		ExpireRequests:   cfg.Matcher.ExpireRequests,
	})
	a.lifecycle = lifecycle.New(lifecycle.Deps{
		Store:     a.store,
		Matcher:   a.matcher,
		Stats:     stats,
		Events:    events,
		Locations: locations,
		Logger:    logger,
	}, cfg.Matcher.MatchOnCreate)

	if cfg.Kafka.ConsumeLocations {
		a.consumer = ingest.NewLocationConsumer(cfg.Kafka.Brokers, cfg.Kafka.LocationsTopic, cfg.Kafka.Group, a.lifecycle, logger)
	}
	a.handler = httpapi.NewServer(a.lifecycle, a.ws, logger)
	return a, nil
}

func (a *App) Handler() http.Handler { return a.handler }

// Run listens on the configured address and serves until ctx is cancelled.
func (a *App) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", a.cfg.HTTP.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", a.cfg.HTTP.Addr, err)
	}
	return a.Serve(ctx, ln)
}

// Serve rebuilds the spatial index, starts the matcher and background
// consumers, then serves HTTP on ln. On cancellation it drains HTTP first
// and stops the matcher after.
func (a *App) Serve(ctx context.Context, ln net.Listener) error {
	n, err := a.matcher.Rebuild(ctx)
	if err != nil {
		_ = ln.Close()
		return fmt.Errorf("rebuild index: %w", err)
	}
	if err := a.lifecycle.SyncStats(ctx); err != nil {
		_ = ln.Close()
		return fmt.Errorf("sync stats: %w", err)
	}
	a.logger.Info("spatial index rebuilt", "drivers", n)

	a.matcher.Start(ctx)
	defer a.matcher.Stop()

	var wg sync.WaitGroup
	defer wg.Wait()
	bgCtx, stopBackground := context.WithCancel(ctx)
	defer stopBackground()
	if a.consumer != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := a.consumer.Run(bgCtx); err != nil {
				a.logger.Error("location consumer stopped", "error", err)
			}
		}()
	}

	srv := &http.Server{
		Handler:      a.handler,
		ReadTimeout:  a.cfg.HTTP.ReadTimeout,
		WriteTimeout: a.cfg.HTTP.WriteTimeout,
		IdleTimeout:  a.cfg.HTTP.IdleTimeout,
	}
	errCh := make(chan error, 1)
	go func() {
		a.logger.Info("dispatch engine listening", "addr", ln.Addr().String())
		errCh <- srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.cfg.HTTP.ShutdownTimeout)
	defer cancel()
	a.logger.Info("shutting down")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}
	return nil
}

// Close releases the broker and store connections.
func (a *App) Close() error {
	var errs []error
	if a.consumer != nil {
		errs = append(errs, a.consumer.Close())
	}
	if a.producer != nil {
		errs = append(errs, a.producer.Close())
	}
	errs = append(errs, a.store.Close())
	return errors.Join(errs...)
}
