package transport

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/urbanreflex/reportflow/internal/config"
	"github.com/urbanreflex/reportflow/internal/observability"
	"github.com/urbanreflex/reportflow/internal/workflow"
)

// Dependencies holds all injected dependencies for the HTTP transport layer.
type Dependencies struct {
	Config    *config.Config
	Workflow  WorkflowRunner
	Reports   ReportReader
	Status    StatusApplier
	Runs      workflow.RunStore
	Readiness observability.ReadinessChecks

	// Authenticate verifies admin tokens. When nil, admin routes reject
	// every request.
	Authenticate func(http.Handler) http.Handler

	Metrics  *observability.Metrics
	Gatherer prometheus.Gatherer
	Logger   *zap.Logger
}

// NewRouter creates a chi.Router with the full middleware pipeline and all
// route registrations. Health, readiness, and metrics endpoints bypass
// request logging and authentication.
func NewRouter(deps Dependencies) chi.Router {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg := deps.Config
	if cfg == nil {
		cfg = config.Defaults()
	}

	r := chi.NewRouter()

	r.Use(Recovery(logger))
	r.Use(RequestID)
	r.Use(SecurityHeaders)
	if deps.Metrics != nil {
		r.Use(deps.Metrics.MetricsMiddleware)
	}

	r.Get("/healthz", observability.HandleHealth())
	r.Get("/readyz", observability.HandleReady(deps.Readiness))
	if cfg.Observability.Metrics.Enabled && deps.Gatherer != nil {
		r.Method(http.MethodGet, cfg.Observability.Metrics.Path, observability.Handler(deps.Gatherer))
	}

	h := &reportHandlers{
		workflow: deps.Workflow,
		reports:  deps.Reports,
		status:   deps.Status,
		runs:     deps.Runs,
		logger:   logger,
	}

	auth := deps.Authenticate
	if auth == nil {
		auth = denyAll
	}

	r.Route("/v1/reports", func(r chi.Router) {
		r.Use(HandlerTimeout(cfg.Server.HandlerTimeout))
		r.Use(BuildRequestContext(cfg.Identity.RolesClaim, logger))
		r.Use(RequestLogging(logger))

		r.Post("/process", h.handleProcess)
		r.Get("/{reportId}", h.handleGetReport)
		r.Post("/{reportId}/process", h.handleProcessAsync)
		r.Get("/{reportId}/runs", h.handleListRuns)

		r.Group(func(r chi.Router) {
			r.Use(auth)
			r.Use(BuildRequestContext(cfg.Identity.RolesClaim, logger))
			r.Use(RequireRole(cfg.Identity.AdminRole))
			r.Patch("/{reportId}/status", h.handleSetStatus)
		})
	})

	return r
}
