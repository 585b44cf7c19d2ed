package dispatch

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/example/dispatch-engine/internal/logging"
	"github.com/example/dispatch-engine/internal/models"
	"github.com/example/dispatch-engine/internal/observability"
)

var ErrNoSession = errors.New("no ws session")

const writeWait = 5 * time.Second

// WSSession is one connected driver or rider.
type WSSession struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (s *WSSession) Send(ev models.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return s.conn.WriteJSON(ev)
}

// WSRegistry maps participant ids (driver or rider) to their session.
type WSRegistry struct {
	mu       sync.RWMutex
	sessions map[string]*WSSession
	logger   *slog.Logger
}

func NewWSRegistry(logger *slog.Logger) *WSRegistry {
	return &WSRegistry{
		sessions: make(map[string]*WSSession),
		logger:   logging.OrDefault(logger).With("component", "ws"),
	}
}

// Add registers conn for participantID, closing any previous session.
func (r *WSRegistry) Add(participantID string, conn *websocket.Conn) *WSSession {
	s := &WSSession{conn: conn}
	r.mu.Lock()
	old := r.sessions[participantID]
	r.sessions[participantID] = s
	r.mu.Unlock()
	if old != nil {
		_ = old.conn.Close()
	}
	return s
}

// Remove drops the session only if it is still the registered one.
func (r *WSRegistry) Remove(participantID string, s *WSSession) {
	r.mu.Lock()
	if cur, ok := r.sessions[participantID]; ok && cur == s {
		delete(r.sessions, participantID)
	}
	r.mu.Unlock()
}

func (r *WSRegistry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Serve registers the connection and blocks reading until the peer goes
// away. Clients are not expected to send anything.
func (r *WSRegistry) Serve(participantID string, conn *websocket.Conn) {
	s := r.Add(participantID, conn)
	defer func() {
		r.Remove(participantID, s)
		_ = conn.Close()
	}()
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (r *WSRegistry) Send(participantID string, ev models.Event) error {
	r.mu.RLock()
	s, ok := r.sessions[participantID]
	r.mu.RUnlock()
	if !ok {
		return ErrNoSession
	}
	if err := s.Send(ev); err != nil {
		observability.WSDeliveries.WithLabelValues("error").Inc()
		r.logger.Warn("ws send error", "participant_id", participantID, "error", err)
		return err
	}
	observability.WSDeliveries.WithLabelValues("ok").Inc()
	return nil
}

// Notify pushes ev to the driver and the rider it concerns.
func (r *WSRegistry) Notify(_ context.Context, ev models.Event) {
	for _, id := range []string{ev.DriverID, ev.RiderID} {
		if id == "" {
			continue
		}
		if err := r.Send(id, ev); err != nil && !errors.Is(err, ErrNoSession) {
			r.logger.Debug("event not delivered", "participant_id", id, "type", ev.Type)
		}
	}
}
