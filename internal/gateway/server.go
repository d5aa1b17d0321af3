// Package gateway exposes the Task Hub's JSON-over-HTTP API: route
// registration, RBAC, CORS, and rate-limit middleware, and the handlers
// that translate HTTP requests into internal/dispatch calls.
package gateway

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/quantsys/a2a-taskhub/internal/config"
	"github.com/quantsys/a2a-taskhub/internal/dispatch"
	"github.com/quantsys/a2a-taskhub/internal/metrics"
	"github.com/quantsys/a2a-taskhub/internal/rbac"
	"github.com/quantsys/a2a-taskhub/internal/recovery"
	"github.com/quantsys/a2a-taskhub/internal/shared"
	"github.com/quantsys/a2a-taskhub/internal/store"
)

const version = "1.0.0"

// Server wires the dispatcher, store, and middleware into an http.Handler.
type Server struct {
	cfg        config.Config
	dispatcher *dispatch.Dispatcher
	store      *store.Store
	metrics    *metrics.Registry
	logger     *slog.Logger
}

// New builds the Gateway's router.
func New(cfg config.Config, d *dispatch.Dispatcher, s *store.Store, m *metrics.Registry, logger *slog.Logger) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	srv := &Server{cfg: cfg, dispatcher: d, store: s, metrics: m, logger: logger}

	r := chi.NewRouter()
	r.Use(chimw.Recoverer)
	r.Use(traceIDMiddleware)
	r.Use(RequestSizeLimitMiddleware(10 * 1024 * 1024))
	r.Use(NewCORSMiddleware(cfg.CORS))
	r.Use(NewRateLimitMiddleware(cfg.RateLimit).Wrap)

	r.Get("/health", srv.handleHealth)
	r.Get("/version", srv.handleVersion)
	if m != nil && cfg.Prometheus.Enabled {
		path := cfg.Prometheus.Path
		if path == "" {
			path = "/metrics"
		}
		r.Handle(path, m.Handler())
	}

	r.Group(func(r chi.Router) {
		r.Use(rbac.Require(rbac.PermCreate))
		r.Post("/task/create", srv.handleTaskCreate)
	})
	r.Group(func(r chi.Router) {
		r.Use(rbac.Require(rbac.PermReadAll))
		r.Get("/task/status", srv.handleTaskStatus)
		r.Get("/dlq/list", srv.handleDLQList)
		r.Get("/dlq/{dlq_id}", srv.handleDLQGetByID)
		r.Get("/dlq/task/{task_code}", srv.handleDLQGetByTaskCode)
		r.Get("/dlq/message/{message_id}", srv.handleDLQGetByMessageID)
		r.Get("/agent/list", srv.handleAgentList)
		r.Get("/agent/{agent_id}", srv.handleAgentGet)
		r.Get("/workflow/status", srv.handleWorkflowStatus)
		r.Post("/task/routing", srv.handleTaskRouting)
	})
	r.Group(func(r chi.Router) {
		r.Use(rbac.Require(rbac.PermAssign))
		r.Get("/task/next", srv.handleTaskNext)
		r.Post("/agent/register", srv.handleAgentRegister)
		r.Put("/agent/{agent_id}", srv.handleAgentRegister)
		r.Delete("/agent/{agent_id}", srv.handleAgentDelete)
	})
	r.Group(func(r chi.Router) {
		r.Use(rbac.Require(rbac.PermReportResult))
		r.Post("/task/heartbeat", srv.handleTaskHeartbeat)
		r.Post("/task/result", srv.handleTaskResult)
	})
	r.Group(func(r chi.Router) {
		r.Use(rbac.Require(rbac.PermReplayDLQ))
		r.Post("/dlq/replay", srv.handleDLQReplay)
	})
	r.Group(func(r chi.Router) {
		r.Use(rbac.Require(rbac.PermAssign))
		r.Post("/workflow/recover", srv.handleWorkflowRecover)
	})

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	dbOK := true
	if _, err := s.store.ListRoutingRules(r.Context()); err != nil {
		dbOK = false
	}
	writeJSON(w, statusFor(dbOK), map[string]any{"success": dbOK, "db_ok": dbOK})
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "version": version})
}

func (s *Server) handleWorkflowStatus(w http.ResponseWriter, r *http.Request) {
	wf, err := s.store.GetWorkflow(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":            true,
		"status":             wf.Status,
		"recovery_status":    wf.RecoveryStatus,
		"last_recovery_time": wf.LastRecoveryTime,
	})
}

func (s *Server) handleWorkflowRecover(w http.ResponseWriter, r *http.Request) {
	result, err := recovery.Recover(r.Context(), s.store)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":      result.Success,
		"found":        result.Found,
		"repaired":     result.Repaired,
	})
}

// traceIDMiddleware attaches an inbound X-A2A-Trace-Id (or a freshly minted
// one) to the request context so RBAC decisions and handlers share a single
// trace_id per request.
func traceIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		traceID := r.Header.Get("X-A2A-Trace-Id")
		if traceID == "" {
			traceID = shared.NewTraceID()
		}
		w.Header().Set("X-A2A-Trace-Id", traceID)
		next.ServeHTTP(w, r.WithContext(shared.WithTraceID(r.Context(), traceID)))
	})
}

func statusFor(ok bool) int {
	if ok {
		return http.StatusOK
	}
	return http.StatusServiceUnavailable
}
