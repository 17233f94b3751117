package licensing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/vendorhub/licensing/internal/access"
	"github.com/vendorhub/licensing/internal/platform/httpx"
	"github.com/vendorhub/licensing/internal/rbac"
)

// Lifecycle is the service contract used by Handler.
type Lifecycle interface {
	Create(ctx context.Context, input CreateInput) (License, error)
	Approve(ctx context.Context, input ApproveInput) (License, error)
	Reject(ctx context.Context, input RejectInput) (License, error)
	Renew(ctx context.Context, input RenewInput) (License, error)
	Revoke(ctx context.Context, input ActionInput) (License, error)
	Suspend(ctx context.Context, input ActionInput) (License, error)
	Reinstate(ctx context.Context, input ActionInput) (License, error)
	Get(ctx context.Context, id int64) (License, error)
	ListByStatus(ctx context.Context, status Status, page, pageSize int) (Page, error)
	ListByVendor(ctx context.Context, vendorID int64) ([]License, error)
	ListExpiring(ctx context.Context, days int) ([]License, error)
}

// Handler exposes the license lifecycle over HTTP. Every route passes the
// access guard before the service is invoked.
type Handler struct {
	logger    *slog.Logger
	service   Lifecycle
	guard     *access.Guard
	validator *validator.Validate
}

// NewHandler constructs a Handler instance.
func NewHandler(logger *slog.Logger, service Lifecycle, guard *access.Guard) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{logger: logger, service: service, guard: guard, validator: validator.New()}
}

// MountRoutes registers license routes on provided router.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Route("/licenses", func(r chi.Router) {
		r.Post("/", h.handleCreate)
		r.Get("/", h.handleListByStatus)
		r.Get("/expiring", h.handleListExpiring)
		r.Route("/{licenseID}", func(r chi.Router) {
			r.Get("/", h.handleGet)
			r.Post("/approve", h.handleApprove)
			r.Post("/reject", h.handleReject)
			r.Post("/renew", h.handleRenew)
			r.Post("/revoke", h.handleAction(rbac.PermLicenseRevoke, Lifecycle.Revoke))
			r.Post("/suspend", h.handleAction(rbac.PermLicenseSuspend, Lifecycle.Suspend))
			r.Post("/reinstate", h.handleAction(rbac.PermLicenseUpdate, Lifecycle.Reinstate))
		})
	})
	r.Get("/vendors/{vendorID}/licenses", h.handleListByVendor)
}

type createRequest struct {
	LicenseNumber string `json:"licenseNumber" validate:"omitempty,max=64"`
	VendorID      int64  `json:"vendorId" validate:"required,gt=0"`
}

type approveRequest struct {
	ExpiresAt time.Time `json:"expiresAt" validate:"required"`
}

type reasonRequest struct {
	Reason string `json:"reason" validate:"max=1000"`
}

type renewRequest struct {
	LicenseNumber string `json:"licenseNumber" validate:"omitempty,max=64"`
}

func (h *Handler) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req createRequest
	if !h.decode(w, r, &req) {
		return
	}
	vendorID := req.VendorID
	if !h.authorize(w, r, rbac.PermLicenseCreate, &vendorID) {
		return
	}
	lic, err := h.service.Create(r.Context(), CreateInput{LicenseNumber: req.LicenseNumber, VendorID: req.VendorID})
	if err != nil {
		h.fail(w, r, "create license", err)
		return
	}
	httpx.JSON(w, http.StatusCreated, lic)
}

func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	lic, ok := h.loadFor(w, r, rbac.PermLicenseRead)
	if !ok {
		return
	}
	httpx.JSON(w, http.StatusOK, lic)
}

func (h *Handler) handleListByStatus(w http.ResponseWriter, r *http.Request) {
	if !h.authorize(w, r, rbac.PermLicenseRead, nil) {
		return
	}
	status, err := ParseStatus(r.URL.Query().Get("status"))
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	page := queryInt(r, "page", 1)
	pageSize := queryInt(r, "pageSize", 20)
	result, err := h.service.ListByStatus(r.Context(), status, page, pageSize)
	if err != nil {
		h.fail(w, r, "list licenses", err)
		return
	}
	httpx.JSON(w, http.StatusOK, result)
}

func (h *Handler) handleListExpiring(w http.ResponseWriter, r *http.Request) {
	if !h.authorize(w, r, rbac.PermLicenseRead, nil) {
		return
	}
	items, err := h.service.ListExpiring(r.Context(), queryInt(r, "days", 30))
	if err != nil {
		h.fail(w, r, "list expiring licenses", err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"items": items})
}

func (h *Handler) handleListByVendor(w http.ResponseWriter, r *http.Request) {
	vendorID, err := pathID(r, "vendorID")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	if !h.authorize(w, r, rbac.PermLicenseRead, &vendorID) {
		return
	}
	items, err := h.service.ListByVendor(r.Context(), vendorID)
	if err != nil {
		h.fail(w, r, "list vendor licenses", err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"items": items})
}

func (h *Handler) handleApprove(w http.ResponseWriter, r *http.Request) {
	lic, ok := h.loadFor(w, r, rbac.PermLicenseApprove)
	if !ok {
		return
	}
	var req approveRequest
	if !h.decode(w, r, &req) {
		return
	}
	principal := access.PrincipalFrom(r.Context())
	approved, err := h.service.Approve(r.Context(), ApproveInput{LicenseID: lic.ID, ApproverID: principal.ID, ExpiresAt: req.ExpiresAt})
	if err != nil {
		h.fail(w, r, "approve license", err)
		return
	}
	httpx.JSON(w, http.StatusOK, approved)
}

func (h *Handler) handleReject(w http.ResponseWriter, r *http.Request) {
	lic, ok := h.loadFor(w, r, rbac.PermLicenseReject)
	if !ok {
		return
	}
	var req reasonRequest
	if !h.decode(w, r, &req) {
		return
	}
	principal := access.PrincipalFrom(r.Context())
	rejected, err := h.service.Reject(r.Context(), RejectInput{LicenseID: lic.ID, ActorID: principal.ID, Reason: req.Reason})
	if err != nil {
		h.fail(w, r, "reject license", err)
		return
	}
	httpx.JSON(w, http.StatusOK, rejected)
}

func (h *Handler) handleRenew(w http.ResponseWriter, r *http.Request) {
	lic, ok := h.loadFor(w, r, rbac.PermLicenseRenew)
	if !ok {
		return
	}
	var req renewRequest
	if !h.decode(w, r, &req) {
		return
	}
	principal := access.PrincipalFrom(r.Context())
	renewal, err := h.service.Renew(r.Context(), RenewInput{LicenseID: lic.ID, LicenseNumber: req.LicenseNumber, ActorID: principal.ID})
	if err != nil {
		h.fail(w, r, "renew license", err)
		return
	}
	httpx.JSON(w, http.StatusCreated, renewal)
}

func (h *Handler) handleAction(perm rbac.Permission, run func(Lifecycle, context.Context, ActionInput) (License, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		lic, ok := h.loadFor(w, r, perm)
		if !ok {
			return
		}
		var req reasonRequest
		if !h.decode(w, r, &req) {
			return
		}
		principal := access.PrincipalFrom(r.Context())
		updated, err := run(h.service, r.Context(), ActionInput{LicenseID: lic.ID, ActorID: principal.ID, Reason: req.Reason})
		if err != nil {
			h.fail(w, r, string(perm), err)
			return
		}
		httpx.JSON(w, http.StatusOK, updated)
	}
}

// loadFor fetches the license named by the path and authorizes perm against
// its owning vendor. Callers lacking perm are refused before the lookup. When
// the lookup fails the decision is taken without an owner, so OWN roles get
// the same refusal for a missing license as for somebody else's.
func (h *Handler) loadFor(w http.ResponseWriter, r *http.Request, perm rbac.Permission) (License, bool) {
	principal := access.PrincipalFrom(r.Context())
	if principal == nil || !rbac.HasPermission(principal.Role, perm) {
		h.authorize(w, r, perm, nil)
		return License{}, false
	}
	id, err := pathID(r, "licenseID")
	var lic License
	if err == nil {
		lic, err = h.service.Get(r.Context(), id)
	}
	if err != nil {
		if !h.authorize(w, r, perm, nil) {
			return License{}, false
		}
		h.fail(w, r, "load license", err)
		return License{}, false
	}
	owner := lic.VendorID
	if !h.authorize(w, r, perm, &owner) {
		return License{}, false
	}
	return lic, true
}

func (h *Handler) authorize(w http.ResponseWriter, r *http.Request, perm rbac.Permission, owner *int64) bool {
	if err := h.guard.Authorize(r.Context(), access.RequestFrom(r, perm, owner)); err != nil {
		httpx.RespondError(w, err)
		return false
	}
	return true
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, target any) bool {
	if err := httpx.DecodeJSON(r, target); err != nil {
		httpx.RespondError(w, err)
		return false
	}
	if err := h.validator.Struct(target); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			httpx.RespondError(w, fmt.Errorf("%w: field %s failed %s", ErrValidation, verrs[0].Field(), verrs[0].Tag()))
			return false
		}
		httpx.RespondError(w, fmt.Errorf("%w: %v", ErrValidation, err))
		return false
	}
	return true
}

func (h *Handler) fail(w http.ResponseWriter, r *http.Request, action string, err error) {
	if httpx.StatusFor(err) >= http.StatusInternalServerError {
		h.logger.Error(action, slog.String("path", r.URL.Path), slog.Any("error", err))
	}
	httpx.RespondError(w, err)
}

func pathID(r *http.Request, key string) (int64, error) {
	id, err := strconv.ParseInt(chi.URLParam(r, key), 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("%w: invalid %s", ErrValidation, key)
	}
	return id, nil
}

func queryInt(r *http.Request, key string, fallback int) int {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return fallback
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return v
}
