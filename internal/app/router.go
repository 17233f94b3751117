package app

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/vendorhub/licensing/internal/access"
	audithttp "github.com/vendorhub/licensing/internal/audit/http"
	"github.com/vendorhub/licensing/internal/auth"
	"github.com/vendorhub/licensing/internal/licensing"
	"github.com/vendorhub/licensing/internal/observability"
	"github.com/vendorhub/licensing/internal/rbac"
	"github.com/vendorhub/licensing/jobs"
)

// RouterParams groups dependencies for building the HTTP router.
type RouterParams struct {
	Logger           *slog.Logger
	Config           *Config
	Tokens           TokenVerifier
	Guard            *access.Guard
	AuthHandler      *auth.Handler
	LicensingHandler *licensing.Handler
	AuditHandler     *audithttp.Handler
	JobHandler       *jobs.Handler
	Metrics          *observability.Metrics
}

// NewRouter constructs the chi.Router with service defaults.
func NewRouter(params RouterParams) http.Handler {
	r := chi.NewRouter()

	for _, mw := range MiddlewareStack(MiddlewareConfig{
		Logger:  params.Logger,
		Config:  params.Config,
		Tokens:  params.Tokens,
		Metrics: params.Metrics,
	}) {
		r.Use(mw)
	}

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	mw := access.Middleware{Guard: params.Guard, Logger: params.Logger}

	if params.AuthHandler != nil {
		params.AuthHandler.MountRoutes(r)
	}
	if params.LicensingHandler != nil {
		params.LicensingHandler.MountRoutes(r)
	}
	if params.AuditHandler != nil {
		params.AuditHandler.MountRoutes(r, mw)
	}
	if params.JobHandler != nil {
		r.With(mw.Require(rbac.PermSettings)).Route("/jobs", params.JobHandler.MountRoutes)
	}
	if params.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", params.Metrics.Handler())
	}

	return r
}
