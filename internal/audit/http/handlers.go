package audithttp

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/vendorhub/licensing/internal/audit"
	"github.com/vendorhub/licensing/internal/platform/httpx"
	"github.com/vendorhub/licensing/internal/rbac"
)

const maxQueryLimit = 1000

// AccessLog is the read surface of the audit log served over HTTP.
type AccessLog interface {
	Query(filters audit.Filters) []audit.Entry
	Stats() audit.Stats
	DetectSuspiciousActivity() audit.SuspiciousReport
	Export(filters audit.Filters, format audit.Format) ([]byte, error)
	Clear(before time.Time) error
}

// Handler menangani permintaan audit log akses.
type Handler struct {
	logger *slog.Logger
	log    AccessLog
	stats  singleflight.Group
	now    func() time.Time
}

// NewHandler membuat handler audit baru.
func NewHandler(logger *slog.Logger, log AccessLog) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{logger: logger, log: log, now: time.Now}
}

func (h *Handler) handleQuery(w http.ResponseWriter, r *http.Request) {
	filters, err := parseFilters(r)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	entries := h.log.Query(filters)
	httpx.JSON(w, http.StatusOK, map[string]any{"count": len(entries), "entries": entries})
}

// handleStats collapses concurrent scrapes into one aggregation.
func (h *Handler) handleStats(w http.ResponseWriter, r *http.Request) {
	ch := h.stats.DoChan("stats", func() (any, error) {
		return h.log.Stats(), nil
	})
	select {
	case <-r.Context().Done():
		return
	case res := <-ch:
		httpx.JSON(w, http.StatusOK, res.Val)
	}
}

func (h *Handler) handleSuspicious(w http.ResponseWriter, r *http.Request) {
	httpx.JSON(w, http.StatusOK, h.log.DetectSuspiciousActivity())
}

func (h *Handler) handleExport(w http.ResponseWriter, r *http.Request) {
	filters, err := parseFilters(r)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	format := audit.Format(strings.ToLower(strings.TrimSpace(r.URL.Query().Get("format"))))
	if format == "" {
		format = audit.FormatJSON
	}
	body, err := h.log.Export(filters, format)
	if err != nil {
		if errors.Is(err, audit.ErrUnsupportedFormat) {
			httpx.RespondError(w, fmt.Errorf("%w: %v", httpx.ErrValidation, err))
			return
		}
		h.handleServerError(w, "export access log", err)
		return
	}
	filename := fmt.Sprintf("access-log-%s.%s", h.now().UTC().Format("20060102T150405Z"), format)
	w.Header().Set("Content-Type", format.ContentType())
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filename))
	if _, err := w.Write(body); err != nil {
		h.logger.Warn("write export", slog.Any("error", err))
	}
}

// handleClear always refuses; the access log is append-only.
func (h *Handler) handleClear(w http.ResponseWriter, r *http.Request) {
	before := h.now()
	if raw := strings.TrimSpace(r.URL.Query().Get("before")); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			httpx.RespondError(w, fmt.Errorf("%w: before must be RFC 3339", httpx.ErrValidation))
			return
		}
		before = parsed
	}
	if err := h.log.Clear(before); err != nil {
		if errors.Is(err, audit.ErrClearDisabled) {
			httpx.Problem(w, http.StatusMethodNotAllowed, http.StatusText(http.StatusMethodNotAllowed), err.Error())
			return
		}
		h.handleServerError(w, "clear access log", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func parseFilters(r *http.Request) (audit.Filters, error) {
	q := r.URL.Query()
	var filters audit.Filters
	if v := strings.TrimSpace(q.Get("principalId")); v != "" {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return audit.Filters{}, invalidFilter("principalId")
		}
		filters.PrincipalID = &id
	}
	if v := strings.TrimSpace(q.Get("role")); v != "" {
		role, err := rbac.ParseRole(v)
		if err != nil {
			return audit.Filters{}, invalidFilter("role")
		}
		filters.Role = &role
	}
	if v := strings.TrimSpace(q.Get("decision")); v != "" {
		decision, err := audit.ParseDecision(v)
		if err != nil {
			return audit.Filters{}, invalidFilter("decision")
		}
		filters.Decision = decision
	}
	filters.Action = strings.TrimSpace(q.Get("action"))
	for key, target := range map[string]*time.Time{"from": &filters.From, "to": &filters.To} {
		v := strings.TrimSpace(q.Get(key))
		if v == "" {
			continue
		}
		parsed, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return audit.Filters{}, invalidFilter(key)
		}
		*target = parsed
	}
	if !filters.From.IsZero() && !filters.To.IsZero() && filters.From.After(filters.To) {
		return audit.Filters{}, invalidFilter("from")
	}
	if v := strings.TrimSpace(q.Get("limit")); v != "" {
		limit, err := strconv.Atoi(v)
		if err != nil || limit <= 0 {
			return audit.Filters{}, invalidFilter("limit")
		}
		filters.Limit = min(limit, maxQueryLimit)
	}
	return filters, nil
}

func invalidFilter(field string) error {
	return fmt.Errorf("%w: %w: %s", httpx.ErrValidation, audit.ErrInvalidFilter, field)
}

func (h *Handler) handleServerError(w http.ResponseWriter, message string, err error) {
	h.logger.Error(message, slog.Any("error", err))
	httpx.RespondError(w, err)
}

var _ AccessLog = (*audit.Log)(nil)

