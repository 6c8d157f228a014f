package httpapi

import (
	"bufio"
	"errors"
	"net"
	"net/http"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/mistakeknot/interlock/internal/telemetry"
)

// NewRouter wires every API route. mw, when set, wraps each route and the
// websocket handler (usually auth.Middleware).
func NewRouter(svc *Service, wsHandler http.Handler, mw func(http.Handler) http.Handler) http.Handler {
	mux := http.NewServeMux()
	wrap := func(h http.HandlerFunc) http.Handler {
		handler := http.Handler(h)
		if mw != nil {
			handler = mw(handler)
		}
		return handler
	}

	mux.HandleFunc("GET /api/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	mux.Handle("POST /api/agents", wrap(svc.handleRegisterAgent))
	mux.Handle("GET /api/agents", wrap(svc.handleListAgents))
	mux.Handle("GET /api/agents/{name}", wrap(svc.handleGetAgent))
	mux.Handle("POST /api/agents/{name}/heartbeat", wrap(svc.handleAgentHeartbeat))

	mux.Handle("POST /api/reservations", wrap(svc.handleReserve))
	mux.Handle("GET /api/reservations", wrap(svc.handleListReservations))
	mux.Handle("POST /api/reservations/release", wrap(svc.handleRelease))
	mux.Handle("POST /api/reservations/check", wrap(svc.handleCheckPaths))

	mux.Handle("POST /api/messages", wrap(svc.handleSendMessage))
	mux.Handle("GET /api/messages/{id}", wrap(svc.handleGetMessage))
	mux.Handle("POST /api/messages/{id}/{action}", wrap(svc.handleMessageAction))
	mux.Handle("GET /api/inbox/{agent}", wrap(svc.handleInbox))
	mux.Handle("GET /api/threads/{id}", wrap(svc.handleThread))
	mux.Handle("GET /api/search", wrap(svc.handleSearch))
	mux.Handle("GET /api/acks/pending", wrap(svc.handlePendingAcks))

	mux.Handle("POST /api/sessions/detect", wrap(svc.handleDetect))
	mux.Handle("POST /api/next", wrap(svc.handleNext))

	if wsHandler != nil {
		if mw != nil {
			mux.Handle("/ws/agents/", mw(wsHandler))
		} else {
			mux.Handle("/ws/agents/", wsHandler)
		}
	}

	return svc.instrument(mux)
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

// Hijack passes the connection through for websocket upgrades.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	r.status = http.StatusSwitchingProtocols
	return hj.Hijack()
}

// instrument records a server span and the request duration.
func (s *Service) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ctx, span := telemetry.StartServerSpan(r.Context(), s.tracer, r.Method+" "+r.URL.Path)
		defer span.End()

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r.WithContext(ctx))

		span.SetAttributes(attribute.Int("http.status_code", rec.status))
		s.metrics.RequestDuration.Record(ctx, time.Since(start).Seconds(),
			metric.WithAttributes(
				attribute.String("method", r.Method),
				attribute.Int("status", rec.status),
			))
	})
}
