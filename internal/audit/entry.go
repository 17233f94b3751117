package audit

import (
	"errors"
	"strings"
	"time"

	"github.com/vendorhub/licensing/internal/rbac"
)

// Decision is the recorded outcome of an access check.
type Decision string

const (
	DecisionAllowed Decision = "ALLOWED"
	DecisionDenied  Decision = "DENIED"
)

// ParseDecision accepts ALLOWED/DENIED in any case.
func ParseDecision(raw string) (Decision, error) {
	switch Decision(strings.ToUpper(strings.TrimSpace(raw))) {
	case DecisionAllowed:
		return DecisionAllowed, nil
	case DecisionDenied:
		return DecisionDenied, nil
	}
	return "", ErrInvalidFilter
}

// Entry is one access-control decision. Entries are never mutated once
// recorded.
type Entry struct {
	PrincipalID   *int64     `json:"principalId"`
	Role          *rbac.Role `json:"role"`
	Action        string     `json:"action"`
	Resource      string     `json:"resource"`
	Decision      Decision   `json:"decision"`
	Reason        string     `json:"reason,omitempty"`
	Timestamp     time.Time  `json:"timestamp"`
	ClientAddress string     `json:"clientAddress,omitempty"`
}

// Filters narrows Query, Export and Stats style reads. Zero values match all.
type Filters struct {
	PrincipalID *int64
	Role        *rbac.Role
	Decision    Decision
	Action      string
	From        time.Time
	To          time.Time
	Limit       int
}

func (f Filters) match(e Entry) bool {
	if f.PrincipalID != nil && (e.PrincipalID == nil || *e.PrincipalID != *f.PrincipalID) {
		return false
	}
	if f.Role != nil && (e.Role == nil || *e.Role != *f.Role) {
		return false
	}
	if f.Decision != "" && e.Decision != f.Decision {
		return false
	}
	if f.Action != "" && e.Action != f.Action {
		return false
	}
	if !f.From.IsZero() && e.Timestamp.Before(f.From) {
		return false
	}
	if !f.To.IsZero() && e.Timestamp.After(f.To) {
		return false
	}
	return true
}

// RoleCounts splits decisions for one role.
type RoleCounts struct {
	Allowed int `json:"allowed"`
	Denied  int `json:"denied"`
}

// Stats aggregates the buffer at the moment it is computed.
type Stats struct {
	Total           int                      `json:"total"`
	Allowed         int                      `json:"allowed"`
	Denied          int                      `json:"denied"`
	ByRole          map[rbac.Role]RoleCounts `json:"byRole"`
	Unauthenticated int                      `json:"unauthenticated"`
	RecentDenials   []Entry                  `json:"recentDenials"`
}

// SuspiciousReport is the outcome of the denial heuristic.
type SuspiciousReport struct {
	SuspiciousPrincipalIDs []int64  `json:"suspiciousPrincipalIds"`
	Patterns               []string `json:"patterns"`
}

var (
	// ErrClearDisabled is returned by Clear; audit history is never deleted.
	ErrClearDisabled = errors.New("audit: clearing the access log is disabled")
	// ErrInvalidFilter indicates an unparsable filter value.
	ErrInvalidFilter = errors.New("audit: invalid filter")
	// ErrUnsupportedFormat indicates an unknown export format.
	ErrUnsupportedFormat = errors.New("audit: unsupported export format")
)
