package httpapi

import (
	"bufio"
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"github.com/example/dispatch-engine/internal/observability"
)

type ctxKey struct{}

const requestIDHeader = "X-Request-ID"

// quietRoutes are hit by scrapers and health checks; logged at debug.
var quietRoutes = map[string]bool{"/healthz": true, "/metrics": true}

func (s *Server) registerMiddleware() {
	s.mux.Use(s.instrument)
}

// instrument tags the request with an id, turns handler panics into a JSON
// 500 and records one metric sample and one access log line per request.
func (s *Server) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		id := r.Header.Get(requestIDHeader)
		if id == "" {
			id = newID()
		}
		w.Header().Set(requestIDHeader, id)
		r = r.WithContext(context.WithValue(r.Context(), ctxKey{}, id))
		rec := &statusRecorder{ResponseWriter: w, code: http.StatusOK}
		route := routeTemplate(r)

		defer func() {
			if p := recover(); p != nil {
				s.logger.Error("handler panicked", "panic", p, "route", route, "request_id", id)
				writeJSON(rec, http.StatusInternalServerError, errorBody{Error: "internal error", RequestID: id})
			}
			elapsed := time.Since(start)
			code := strconv.Itoa(rec.code)
			observability.HTTPRequestsTotal.WithLabelValues(r.Method, route, code).Inc()
			observability.HTTPRequestDuration.WithLabelValues(r.Method, route, code).Observe(elapsed.Seconds())

			level := slog.LevelInfo
			if quietRoutes[route] {
				level = slog.LevelDebug
			}
			s.logger.Log(r.Context(), level, "http_request",
				"method", r.Method, "route", route, "status", rec.code,
				"duration_ms", elapsed.Milliseconds(), "remote_addr", clientIP(r), "request_id", id)
		}()
		next.ServeHTTP(rec, r)
	})
}

// statusRecorder remembers the status code written by the handler.
type statusRecorder struct {
	http.ResponseWriter
	code int
}

func (sr *statusRecorder) WriteHeader(code int) {
	sr.code = code
	sr.ResponseWriter.WriteHeader(code)
}

// Hijack hands the connection to a websocket upgrade.
func (sr *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := sr.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("connection cannot be hijacked")
	}
	sr.code = http.StatusSwitchingProtocols
	return hj.Hijack()
}

func requestIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(ctxKey{}).(string)
	return id
}

// routeTemplate keeps metric labels bounded by using the registered
// pattern rather than the raw path.
func routeTemplate(r *http.Request) string {
	if route := mux.CurrentRoute(r); route != nil {
		if tmpl, err := route.GetPathTemplate(); err == nil {
			return tmpl
		}
	}
	return r.URL.Path
}

func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		return strings.TrimSpace(first)
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}
