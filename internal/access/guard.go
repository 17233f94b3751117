// Package access combines the decision engine with the access log: every
// check is decided, recorded, and only then returned to the caller.
package access

import (
	"context"

	"github.com/vendorhub/licensing/internal/audit"
	"github.com/vendorhub/licensing/internal/rbac"
)

// Recorder receives one entry per access decision.
type Recorder interface {
	Record(entry audit.Entry)
}

// Request describes a single access check.
type Request struct {
	Principal     *rbac.Principal
	Permission    rbac.Permission
	Resource      string
	OwnerID       *int64
	ClientAddress string
}

// Guard decides and audits access checks.
type Guard struct {
	recorder Recorder
}

// NewGuard constructs a Guard writing to recorder.
func NewGuard(recorder Recorder) *Guard {
	return &Guard{recorder: recorder}
}

// Check decides req and records the outcome without converting it to an
// error.
func (g *Guard) Check(ctx context.Context, req Request) rbac.Decision {
	decision := rbac.Decide(req.Principal, req.Permission, req.OwnerID)
	g.record(req, decision)
	return decision
}

// Authorize decides req, records it and returns the denial error, if any.
func (g *Guard) Authorize(ctx context.Context, req Request) error {
	return g.Check(ctx, req).Err()
}

func (g *Guard) record(req Request, decision rbac.Decision) {
	if g == nil || g.recorder == nil {
		return
	}
	entry := audit.Entry{
		Action:        string(req.Permission),
		Resource:      req.Resource,
		Decision:      audit.DecisionAllowed,
		ClientAddress: req.ClientAddress,
	}
	if req.Principal != nil {
		id := req.Principal.ID
		role := req.Principal.Role
		entry.PrincipalID = &id
		entry.Role = &role
	}
	if !decision.Allowed {
		entry.Decision = audit.DecisionDenied
		entry.Reason = decision.Reason
	}
	g.recorder.Record(entry)
}
