// Package gateway serves the stackrun HTTP API: task submission, run
// inspection, manual dispatch and live event streams.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/basket/stackrun/internal/bus"
	"github.com/basket/stackrun/internal/engine"
	"github.com/basket/stackrun/internal/executor"
	"github.com/basket/stackrun/internal/liveness"
	"github.com/basket/stackrun/internal/otel"
	"github.com/basket/stackrun/internal/persistence"
	"github.com/basket/stackrun/internal/shared"
)

// maxInputBytes bounds a submitted task input.
const maxInputBytes = 1 << 20

// LivenessStats exposes the liveness driver counters on /v1/status.
type LivenessStats interface {
	Stats() liveness.Stats
}

type Config struct {
	Engine *engine.Engine
	Store  *persistence.Store
	Bus    *bus.Bus
	Logger *slog.Logger

	// Tasks lists the task catalog for GET /v1/tasks. May be nil.
	Tasks func() []executor.TaskInfo
	// Liveness may be nil when the server runs without a driver.
	Liveness LivenessStats
	// Schedules enables /v1/schedules. May be nil.
	Schedules Schedules

	// AuthToken guards the /v1 routes; /healthz and /metrics stay open.
	// Empty disables auth.
	AuthToken string

	// AllowOrigins lists accepted browser origins for CORS and WebSocket
	// upgrades. Empty means same-origin only.
	AllowOrigins []string

	// RateLimit applies to task submission.
	RateLimit RateLimitConfig

	ConfigFingerprint string

	// Tracer opens a server span per request. Nil disables request tracing.
	Tracer trace.Tracer
}

type Server struct {
	cfg     Config
	router  *chi.Mux
	logger  *slog.Logger
	metrics *httpMetrics
	limiter *RateLimitMiddleware
	started time.Time
}

func New(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		cfg:     cfg,
		router:  chi.NewRouter(),
		logger:  logger,
		metrics: newHTTPMetrics(prometheus.NewRegistry(), cfg.Store),
		limiter: NewRateLimitMiddleware(cfg.RateLimit),
		started: time.Now(),
	}

	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.Recoverer)
	s.router.Use(s.traceMiddleware)
	s.router.Use(s.loggingMiddleware)
	s.router.Use(s.metrics.middleware)
	if len(cfg.AllowOrigins) > 0 {
		s.router.Use(cors.Handler(cors.Options{
			AllowedOrigins:   cfg.AllowOrigins,
			AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
			AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-Id"},
			ExposedHeaders:   []string{"X-Request-Id"},
			AllowCredentials: false,
			MaxAge:           300,
		}))
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.router.Get("/healthz", s.handleHealthz)
	s.router.Handle("/metrics", s.metrics.handler())

	s.router.Route("/v1", func(r chi.Router) {
		r.Use(requireToken(s.cfg.AuthToken, s.metrics.rejected, s.logger))
		r.Get("/status", s.handleStatus)
		r.Get("/tasks", s.handleListTasks)
		r.With(s.limiter.Wrap).Post("/tasks/{name}/runs", s.handleSubmit)

		r.Get("/task-runs", s.handleListTaskRuns)
		r.Get("/task-runs/{id}", s.handleGetTaskRun)
		r.Get("/task-runs/{id}/stack-runs", s.handleListStackRuns)
		r.Get("/task-runs/{id}/events", s.handleListEvents)
		r.Get("/task-runs/{id}/stream", s.handleTaskRunStream)

		r.Get("/stack-runs/{id}", s.handleGetStackRun)
		r.Post("/stack-runs/{id}/process", s.handleProcess)
		r.Post("/stack-runs/{id}/fail", s.handleFail)
		r.Post("/tick", s.handleTick)

		r.Get("/events", s.handleEventsWS)
		s.scheduleRoutes(r)
	})
}

// Handler returns the routed handler, for embedding in an http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

// StartEviction starts the rate limiter's idle bucket sweep.
func (s *Server) StartEviction(ctx context.Context) {
	s.limiter.StartEviction(ctx, time.Minute, 10*time.Minute)
}

// traceMiddleware carries the chi request id as the trace_id recorded on
// frame events, and wraps the request in a server span.
func (s *Server) traceMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		if id := middleware.GetReqID(ctx); id != "" {
			ctx = shared.WithTraceID(ctx, id)
		}
		ctx = shared.EnsureTraceID(ctx)
		if s.cfg.Tracer == nil {
			next.ServeHTTP(w, r.WithContext(ctx))
			return
		}
		ctx, span := otel.StartServerSpan(ctx, s.cfg.Tracer, "gateway."+r.Method,
			attribute.String("http.target", r.URL.Path),
		)
		defer span.End()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r.WithContext(ctx))
		if pattern := chi.RouteContext(ctx).RoutePattern(); pattern != "" {
			span.SetName("gateway." + r.Method + " " + pattern)
		}
		span.SetAttributes(attribute.Int("http.status_code", ww.Status()))
		if ww.Status() >= http.StatusInternalServerError {
			span.SetStatus(codes.Error, http.StatusText(ww.Status()))
		}
	})
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		s.logger.Debug("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// storeError maps store lookups to 404 or 500.
func storeError(w http.ResponseWriter, err error) {
	if errors.Is(err, persistence.ErrNotFound) {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	writeError(w, http.StatusInternalServerError, err.Error())
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	counts, err := s.cfg.Store.TaskRunCounts(r.Context())
	dbOK := err == nil
	payload := map[string]any{
		"healthy": dbOK,
		"db_ok":   dbOK,
		"uptime":  time.Since(s.started).Round(time.Second).String(),
	}
	if dbOK {
		payload["task_runs"] = counts
	}
	status := http.StatusOK
	if !dbOK {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, payload)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	payload := map[string]any{
		"engine":             s.cfg.Engine.Status(),
		"config_fingerprint": s.cfg.ConfigFingerprint,
	}
	if counts, err := s.cfg.Store.TaskRunCounts(r.Context()); err == nil {
		payload["task_runs"] = counts
	}
	if n, err := s.cfg.Store.CountDispatchable(r.Context()); err == nil {
		payload["dispatchable"] = n
	}
	if s.cfg.Liveness != nil {
		payload["liveness"] = s.cfg.Liveness.Stats()
	}
	if s.cfg.Bus != nil {
		payload["bus"] = s.cfg.Bus.Stats()
	}
	payload["uptime_seconds"] = int64(time.Since(s.started).Seconds())
	writeJSON(w, http.StatusOK, payload)
}

func (s *Server) handleListTasks(w http.ResponseWriter, _ *http.Request) {
	tasks := []executor.TaskInfo{}
	if s.cfg.Tasks != nil {
		tasks = append(tasks, s.cfg.Tasks()...)
	}
	writeJSON(w, http.StatusOK, map[string]any{"tasks": tasks})
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	body, err := io.ReadAll(io.LimitReader(r.Body, maxInputBytes+1))
	if err != nil {
		writeError(w, http.StatusBadRequest, "read body: "+err.Error())
		return
	}
	if len(body) > maxInputBytes {
		writeError(w, http.StatusRequestEntityTooLarge, "input too large")
		return
	}
	if len(body) == 0 {
		body = []byte(`{}`)
	}

	id, err := s.cfg.Engine.Submit(r.Context(), name, body)
	switch {
	case errors.Is(err, executor.ErrUnknownTask):
		writeError(w, http.StatusNotFound, err.Error())
		return
	case errors.Is(err, executor.ErrInvalidInput):
		writeError(w, http.StatusBadRequest, err.Error())
		return
	case err != nil:
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"task_run_id": id})
}

func (s *Server) handleListTaskRuns(w http.ResponseWriter, r *http.Request) {
	status := persistence.TaskRunStatus(r.URL.Query().Get("status"))
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	runs, err := s.cfg.Store.ListTaskRuns(r.Context(), status, limit)
	if err != nil {
		storeError(w, err)
		return
	}
	if runs == nil {
		runs = []persistence.TaskRun{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"task_runs": runs})
}

func (s *Server) handleGetTaskRun(w http.ResponseWriter, r *http.Request) {
	tr, err := s.cfg.Store.GetTaskRun(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		storeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, tr)
}

func (s *Server) handleListStackRuns(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := s.cfg.Store.GetTaskRun(r.Context(), id); err != nil {
		storeError(w, err)
		return
	}
	frames, err := s.cfg.Store.ListStackRuns(r.Context(), id)
	if err != nil {
		storeError(w, err)
		return
	}
	if frames == nil {
		frames = []persistence.StackRun{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"stack_runs": frames})
}

func (s *Server) handleListEvents(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := s.cfg.Store.GetTaskRun(r.Context(), id); err != nil {
		storeError(w, err)
		return
	}
	events, err := s.cfg.Store.ListEvents(r.Context(), id)
	if err != nil {
		storeError(w, err)
		return
	}
	if events == nil {
		events = []persistence.StackRunEvent{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events})
}

func (s *Server) handleGetStackRun(w http.ResponseWriter, r *http.Request) {
	f, err := s.cfg.Store.GetStackRun(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		storeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, f)
}

func (s *Server) handleProcess(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := s.cfg.Store.GetStackRun(r.Context(), id); err != nil {
		storeError(w, err)
		return
	}
	res, err := s.cfg.Engine.ProcessOne(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleFail(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Reason string `json:"reason"`
	}
	if err := json.NewDecoder(io.LimitReader(r.Body, 64<<10)).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid body: "+err.Error())
		return
	}
	if req.Reason == "" {
		req.Reason = "failed by operator"
	}
	err := s.cfg.Engine.FailFrame(r.Context(), chi.URLParam(r, "id"), req.Reason)
	switch {
	case errors.Is(err, engine.ErrFrameTerminal):
		writeError(w, http.StatusConflict, err.Error())
		return
	case err != nil:
		storeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "failed"})
}

func (s *Server) handleTick(w http.ResponseWriter, r *http.Request) {
	res, err := s.cfg.Engine.Tick(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, res)
}
