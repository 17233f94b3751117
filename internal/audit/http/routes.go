package audithttp

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/httprate"

	"github.com/vendorhub/licensing/internal/access"
	"github.com/vendorhub/licensing/internal/rbac"
)

const rateLimit = 10
const rateWindow = time.Minute

// MountRoutes mendaftarkan endpoint audit log akses dan ekspor.
func (h *Handler) MountRoutes(r chi.Router, mw access.Middleware) {
	if h == nil {
		return
	}
	limiter := httprate.Limit(rateLimit, rateWindow,
		httprate.WithKeyFuncs(rateLimitKey),
		httprate.WithLimitHandler(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, http.StatusText(http.StatusTooManyRequests), http.StatusTooManyRequests)
		}),
	)
	r.Route("/audit/access-logs", func(r chi.Router) {
		r.With(mw.Require(rbac.PermAuditView)).Get("/", h.handleQuery)
		r.With(mw.Require(rbac.PermAuditView)).Get("/stats", h.handleStats)
		r.With(mw.Require(rbac.PermAuditView)).Get("/suspicious", h.handleSuspicious)
		r.With(mw.Require(rbac.PermSettings)).Delete("/", h.handleClear)
		r.Group(func(gr chi.Router) {
			gr.Use(mw.Require(rbac.PermAuditExport), limiter)
			gr.Get("/export", h.handleExport)
		})
	})
}

func rateLimitKey(r *http.Request) (string, error) {
	if principal := access.PrincipalFrom(r.Context()); principal != nil {
		return "user:" + strconv.FormatInt(principal.ID, 10), nil
	}
	key, err := httprate.KeyByIP(r)
	if err != nil {
		return "", err
	}
	return "ip:" + key, nil
}
