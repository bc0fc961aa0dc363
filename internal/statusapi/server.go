// Package statusapi serves read-only governor state over HTTP.
package statusapi

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/psantana5/fortress/internal/governor"
	"github.com/psantana5/fortress/internal/report"
	"github.com/psantana5/fortress/internal/store"
	"github.com/psantana5/fortress/pkg/logging"
	"github.com/psantana5/fortress/pkg/tracing"
)

// StatusSource is satisfied by *governor.Governor
type StatusSource interface {
	Status() governor.Status
}

// Handler holds the state the routes read
type Handler struct {
	status     StatusSource
	violations *report.ViolationLog
	metrics    *report.Metrics
	history    store.Store
	tracer     *tracing.Provider
	log        *logging.Logger
	tokenHash  string
}

// Option configures a Handler
type Option func(*Handler)

func WithViolations(v *report.ViolationLog) Option { return func(h *Handler) { h.violations = v } }
func WithMetrics(m *report.Metrics) Option         { return func(h *Handler) { h.metrics = m } }
func WithHistory(s store.Store) Option             { return func(h *Handler) { h.history = s } }
func WithTracer(t *tracing.Provider) Option        { return func(h *Handler) { h.tracer = t } }
func WithLogger(l *logging.Logger) Option          { return func(h *Handler) { h.log = l } }

// NewHandler creates a handler over a status source
func NewHandler(status StatusSource, opts ...Option) *Handler {
	h := &Handler{status: status, log: logging.Nop()}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// RegisterRoutes registers all status routes
func (h *Handler) RegisterRoutes(r *mux.Router) {
	r.Use(h.countRequests)
	if h.tracer != nil {
		r.Use(h.tracer.HTTPMiddleware)
	}
	r.Use(h.requireToken)

	r.HandleFunc("/healthz", h.Health).Methods("GET")
	r.HandleFunc("/status", h.Status).Methods("GET")
	r.HandleFunc("/violations", h.Violations).Methods("GET")
	r.HandleFunc("/sessions", h.ListSessions).Methods("GET")
	r.HandleFunc("/sessions/{id}", h.GetSession).Methods("GET")
	r.Handle("/metrics", h.metrics.Handler()).Methods("GET")
}

// Router returns a fresh router with every route registered
func (h *Handler) Router() *mux.Router {
	r := mux.NewRouter()
	h.RegisterRoutes(r)
	return r
}

func (h *Handler) countRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rw := &tracing.StatusRecorder{ResponseWriter: w, Status: http.StatusOK}
		next.ServeHTTP(rw, r)

		route := r.URL.Path
		if cur := mux.CurrentRoute(r); cur != nil {
			if tpl, err := cur.GetPathTemplate(); err == nil {
				route = tpl
			}
		}
		h.metrics.Request(route, strconv.Itoa(rw.Status))
	})
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

// Health reports liveness of the governing process
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Status returns the governor's current view
func (h *Handler) Status(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.status.Status())
}

// Violations returns recent threshold violations, newest last
func (h *Handler) Violations(w http.ResponseWriter, r *http.Request) {
	n, err := limitParam(r, 50)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	data, err := report.ViolationsJSON(h.violations, n)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write(data)
}

// ListSessions returns recent session results from history
func (h *Handler) ListSessions(w http.ResponseWriter, r *http.Request) {
	if h.history == nil {
		writeError(w, http.StatusNotFound, "session history is disabled")
		return
	}
	n, err := limitParam(r, 20)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	sessions, err := h.history.Recent(r.Context(), n)
	if err != nil {
		h.log.Warn("Failed to read session history", map[string]interface{}{"error": err.Error()})
		writeError(w, http.StatusInternalServerError, "failed to read session history")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"sessions": sessions,
		"count":    len(sessions),
	})
}

// GetSession returns one session result
func (h *Handler) GetSession(w http.ResponseWriter, r *http.Request) {
	if h.history == nil {
		writeError(w, http.StatusNotFound, "session history is disabled")
		return
	}
	id := mux.Vars(r)["id"]
	res, err := h.history.Get(r.Context(), id)
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, "session not found: "+id)
	case err != nil:
		writeError(w, http.StatusInternalServerError, err.Error())
	default:
		writeJSON(w, http.StatusOK, res)
	}
}

func limitParam(r *http.Request, def int) (int, error) {
	v := r.URL.Query().Get("limit")
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, errors.New("limit must be a non-negative integer")
	}
	return n, nil
}

// Server is the status API listener
type Server struct {
	srv *http.Server
	ln  net.Listener
	log *logging.Logger
}

// Listen binds addr and serves h in the background. Use "127.0.0.1:0" for
// an ephemeral port.
func Listen(addr string, h *Handler) (*Server, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	s := &Server{
		srv: &http.Server{
			Handler:           h.Router(),
			ReadHeaderTimeout: 5 * time.Second,
		},
		ln:  ln,
		log: h.log,
	}
	go func() {
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("Status API stopped", map[string]interface{}{"error": err.Error()})
		}
	}()
	s.log.Info("Status API listening", map[string]interface{}{"addr": ln.Addr().String()})
	return s, nil
}

// Addr is the bound address
func (s *Server) Addr() string {
	return s.ln.Addr().String()
}

// Shutdown stops accepting requests and drains in-flight ones
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}
