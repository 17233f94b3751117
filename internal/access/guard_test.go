package access

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/vendorhub/licensing/internal/audit"
	"github.com/vendorhub/licensing/internal/rbac"
)

func TestVendorApproveIsDeniedAndLoggedOnce(t *testing.T) {
	log := audit.NewLog(100, nil, audit.Options{})
	guard := NewGuard(log)

	vendor := &rbac.Principal{ID: 5, Role: rbac.RoleVendor}
	err := guard.Authorize(context.Background(), Request{
		Principal:  vendor,
		Permission: rbac.PermLicenseApprove,
		Resource:   "/licenses/1/approve",
	})
	require.ErrorIs(t, err, rbac.ErrForbidden)

	entries := log.Query(audit.Filters{})
	require.Len(t, entries, 1)
	entry := entries[0]
	require.Equal(t, audit.DecisionDenied, entry.Decision)
	require.Equal(t, int64(5), *entry.PrincipalID)
	require.Equal(t, rbac.RoleVendor, *entry.Role)
	require.Equal(t, string(rbac.PermLicenseApprove), entry.Action)
	require.Contains(t, entry.Reason, "VENDOR")
	require.Contains(t, entry.Reason, "approve-license")
}

func TestAllowedDecisionIsLogged(t *testing.T) {
	log := audit.NewLog(100, nil, audit.Options{})
	guard := NewGuard(log)

	admin := &rbac.Principal{ID: 1, Role: rbac.RoleAdmin}
	require.NoError(t, guard.Authorize(context.Background(), Request{Principal: admin, Permission: rbac.PermLicenseApprove}))

	entries := log.Query(audit.Filters{})
	require.Len(t, entries, 1)
	require.Equal(t, audit.DecisionAllowed, entries[0].Decision)
	require.Empty(t, entries[0].Reason)
}

func TestMissingPrincipalIsUnauthenticated(t *testing.T) {
	log := audit.NewLog(100, nil, audit.Options{})
	guard := NewGuard(log)

	err := guard.Authorize(context.Background(), Request{Permission: rbac.PermLicenseRead, Resource: "/licenses/3"})
	require.ErrorIs(t, err, rbac.ErrUnauthenticated)

	entries := log.Query(audit.Filters{})
	require.Len(t, entries, 1)
	require.Nil(t, entries[0].PrincipalID)
	require.Nil(t, entries[0].Role)
	require.Equal(t, "not authenticated", entries[0].Reason)
}

func TestRequireMiddleware(t *testing.T) {
	log := audit.NewLog(100, nil, audit.Options{})
	mw := Middleware{Guard: NewGuard(log)}
	handler := mw.Require(rbac.PermAuditView)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	cases := []struct {
		name      string
		principal *rbac.Principal
		status    int
	}{
		{name: "anonymous", status: http.StatusUnauthorized},
		{name: "inspector", principal: &rbac.Principal{ID: 2, Role: rbac.RoleInspector}, status: http.StatusForbidden},
		{name: "admin", principal: &rbac.Principal{ID: 1, Role: rbac.RoleAdmin}, status: http.StatusNoContent},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/audit/access-logs", nil)
			if tc.principal != nil {
				req = req.WithContext(WithPrincipal(req.Context(), *tc.principal))
			}
			rr := httptest.NewRecorder()
			handler.ServeHTTP(rr, req)
			require.Equal(t, tc.status, rr.Code)
		})
	}
	require.Equal(t, 3, log.Len())
}
