package access

import (
	"log/slog"
	"net/http"

	"github.com/vendorhub/licensing/internal/platform/httpx"
	"github.com/vendorhub/licensing/internal/rbac"
)

// Middleware wires access checks into HTTP handlers.
type Middleware struct {
	Guard  *Guard
	Logger *slog.Logger
}

// Require ensures the current principal holds perm. It is meant for routes
// that do not target a single owned resource; owner scoped checks are done
// by the handler once the owner is known.
func (m Middleware) Require(perm rbac.Permission) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			err := m.Guard.Authorize(r.Context(), RequestFrom(r, perm, nil))
			if err != nil {
				if m.Logger != nil {
					m.Logger.Debug("access denied", slog.String("path", r.URL.Path), slog.Any("error", err))
				}
				httpx.RespondError(w, err)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// RequestFrom builds a Request for the principal of r.
func RequestFrom(r *http.Request, perm rbac.Permission, ownerID *int64) Request {
	return Request{
		Principal:     PrincipalFrom(r.Context()),
		Permission:    perm,
		Resource:      r.URL.Path,
		OwnerID:       ownerID,
		ClientAddress: r.RemoteAddr,
	}
}
