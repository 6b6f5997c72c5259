package httpapi

import (
	"bufio"
	"context"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/ricelabs/rice/internal/errors"
)

type ctxKey int

const (
	ctxKeyRequestID ctxKey = iota
	ctxKeyConnectionID
)

// RequestIDFrom returns the request id placed by the middleware.
func RequestIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(ctxKeyRequestID).(string)
	return id
}

// ConnectionIDFrom returns the connection scope for the request, empty
// when the client opted out or sent none.
func ConnectionIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(ctxKeyConnectionID).(string)
	return id
}

// requestID assigns every request a uuid, honoring a client-sent
// X-Request-ID.
func requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", id)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ctxKeyRequestID, id)))
	})
}

// connectionScope reads X-Connection-ID into the context. The values "*"
// and "all" opt out of scoping.
func connectionScope(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Connection-ID")
		if id == "*" || id == "all" {
			id = ""
		}
		if id != "" {
			r = r.WithContext(context.WithValue(r.Context(), ctxKeyConnectionID, id))
		}
		next.ServeHTTP(w, r)
	})
}

// recoverer converts handler panics into sanitized 500s, counts them, and
// logs the stack.
func (s *Server) recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.panics.Inc()
				s.log.Error("handler panic",
					slog.Any("panic", rec),
					slog.String("path", r.URL.Path),
					slog.String("request_id", RequestIDFrom(r.Context())))
				writeJSON(w, http.StatusInternalServerError, errorBody{
					Error:   "internal",
					Code:    http.StatusInternalServerError,
					Message: "internal error",
				})
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// track counts in-flight requests for the graceful drain.
func (s *Server) track(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		done := s.state.TrackRequest()
		defer done()
		next.ServeHTTP(w, r)
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// Hijack passes through so the WebSocket upgrade works under the
// middleware chain.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New(errors.KindInternal, "response writer does not support hijacking")
	}
	return h.Hijack()
}

// observe logs each request and feeds the latency histogram.
func (s *Server) observe(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r)
		elapsed := time.Since(start)

		s.requests.With(prometheus.Labels{
			"method": r.Method,
			"status": strconv.Itoa(sw.status),
		}).Inc()
		s.latency.Observe(elapsed.Seconds())

		s.log.Debug("http request",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Int("status", sw.status),
			slog.Duration("elapsed", elapsed),
			slog.String("request_id", RequestIDFrom(r.Context())))
	})
}
